package domain

import (
	"fmt"
	"strings"
	"time"
)

// AttemptStatus represents the state of a single channel-level delivery try.
type AttemptStatus string

const (
	AttemptStatusQueued     AttemptStatus = "QUEUED"
	AttemptStatusProcessing AttemptStatus = "PROCESSING"
	AttemptStatusSent       AttemptStatus = "SENT"
	AttemptStatusFailed     AttemptStatus = "FAILED"
	AttemptStatusSkipped    AttemptStatus = "SKIPPED"
	AttemptStatusRetrying   AttemptStatus = "RETRYING"
)

func (s AttemptStatus) String() string { return string(s) }

func (s AttemptStatus) IsValid() bool {
	switch s {
	case AttemptStatusQueued, AttemptStatusProcessing, AttemptStatusSent,
		AttemptStatusFailed, AttemptStatusSkipped, AttemptStatusRetrying:
		return true
	}
	return false
}

// IsSettled reports whether the attempt row records a finished try.
// The dispatcher only appends settled rows to the ledger.
func (s AttemptStatus) IsSettled() bool {
	switch s {
	case AttemptStatusSent, AttemptStatusFailed, AttemptStatusSkipped, AttemptStatusRetrying:
		return true
	}
	return false
}

func ParseAttemptStatusFromString(s string) (AttemptStatus, error) {
	st := AttemptStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid attempt status %q", ErrValidation, s)
	}
	return st, nil
}

// DeliveryAttempt records a single channel-level try belonging to a job.
// The ledger is append-only; a job's full delivery history is
// reconstructable solely from its attempts.
type DeliveryAttempt struct {
	ID                string
	JobID             string
	Channel           Channel
	Status            AttemptStatus
	AttemptNumber     int
	ProviderMessageID *string
	ErrorMessage      *string
	CreatedAt         time.Time
}
