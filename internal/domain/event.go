package domain

import "time"

// StageEvent is an immutable record of a lifecycle stage transition
// produced by the CRM workflow state machine. This core only reads it.
type StageEvent struct {
	ID             string
	OrganizationID *string
	ProfileID      string
	FromStage      string
	ToStage        string
	CreatedAt      time.Time
}

// NotificationRule decides whether a stage transition should produce a
// notification for a given organization. Read-only to this core; a
// missing rule means notify.
type NotificationRule struct {
	ID             string
	OrganizationID *string
	LifecycleStage string
	NotifyClient   bool
	UpdatedAt      time.Time
}

// ClientProfile carries the contact methods and channel preference the CRM
// keeps per client. Read-only to this core.
type ClientProfile struct {
	ID                string
	OrganizationID    *string
	Recipient         Recipient
	PreferredChannels ChannelList
}
