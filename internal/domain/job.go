package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further runner pass will touch the job.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents a delivery transport.
type Channel string

const (
	ChannelChat  Channel = "CHAT"
	ChannelPush  Channel = "PUSH"
	ChannelEmail Channel = "EMAIL"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelChat, ChannelPush, ChannelEmail:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// ChannelList is an ordered channel preference.
type ChannelList []Channel

// String renders the list as a comma-separated value for persistence.
func (l ChannelList) String() string {
	parts := make([]string, 0, len(l))
	for _, c := range l {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ",")
}

func (l ChannelList) Contains(channel Channel) bool {
	for _, c := range l {
		if c == channel {
			return true
		}
	}
	return false
}

func ParseChannelList(s string) (ChannelList, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}

	parts := strings.Split(trimmed, ",")
	list := make(ChannelList, 0, len(parts))
	for _, part := range parts {
		channel, err := ParseChannelFromString(part)
		if err != nil {
			return nil, err
		}
		if list.Contains(channel) {
			return nil, fmt.Errorf("%w: duplicate channel %q in preference", ErrValidation, channel)
		}
		list = append(list, channel)
	}
	return list, nil
}

// Recipient holds the contact methods a job may be delivered to.
// A channel without its matching contact method is skipped at dispatch.
type Recipient struct {
	UserID    *string
	Phone     *string
	Email     *string
	PushToken *string
}

// ContactFor returns the contact value used by the given channel.
func (r Recipient) ContactFor(channel Channel) (string, bool) {
	var v *string
	switch channel {
	case ChannelChat:
		v = r.Phone
	case ChannelPush:
		v = r.PushToken
	case ChannelEmail:
		v = r.Email
	}
	if v == nil || strings.TrimSpace(*v) == "" {
		return "", false
	}
	return strings.TrimSpace(*v), true
}

func (r Recipient) HasAnyContact() bool {
	for _, channel := range []Channel{ChannelChat, ChannelPush, ChannelEmail} {
		if _, ok := r.ContactFor(channel); ok {
			return true
		}
	}
	return false
}

// Job is one logical notification awaiting delivery.
type Job struct {
	ID                string
	OrganizationID    *string
	TripID            *string
	NotificationType  string
	Recipient         Recipient
	Payload           map[string]any
	ChannelPreference ChannelList
	ScheduledFor      time.Time
	Status            Status
	Attempts          int
	MaxAttempts       int
	IdempotencyKey    *string
	LastAttemptAt     *time.Time
	ProcessedAt       *time.Time
	ErrorMessage      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (j *Job) Validate() error {
	if strings.TrimSpace(j.NotificationType) == "" {
		return fmt.Errorf("%w: notification type is required", ErrValidation)
	}
	if len(j.ChannelPreference) == 0 {
		return fmt.Errorf("%w: channel preference must include at least one channel", ErrValidation)
	}
	for _, channel := range j.ChannelPreference {
		if !channel.IsValid() {
			return fmt.Errorf("%w: invalid channel %q", ErrValidation, channel)
		}
	}
	if !j.Recipient.HasAnyContact() {
		return fmt.Errorf("%w: recipient has no contact method", ErrValidation)
	}
	return nil
}
