package domain

import "time"

// DeadLetter is the terminal quarantine record for a job that exhausted
// every channel and every retry. Created exactly once per job; manual
// retries create a fresh job and leave the dead letter as history.
type DeadLetter struct {
	ID               string
	JobID            string
	OrganizationID   *string
	TripID           *string
	NotificationType string
	Attempts         int
	FailedChannels   ChannelList
	Payload          map[string]any
	Recipient        Recipient
	ErrorMessage     *string
	CreatedAt        time.Time
}
