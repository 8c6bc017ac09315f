package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/domain"
)

// JobModel is the persistence model for the notification_jobs table.
type JobModel struct {
	ID                 string        `gorm:"type:uuid;primaryKey"`
	OrganizationID     *string       `gorm:"type:uuid"`
	TripID             *string       `gorm:"type:uuid"`
	NotificationType   string        `gorm:"type:varchar(100);not null"`
	RecipientUserID    *string       `gorm:"type:uuid"`
	RecipientPhone     *string       `gorm:"type:varchar(32)"`
	RecipientEmail     *string       `gorm:"type:varchar(255)"`
	RecipientPushToken *string       `gorm:"type:text"`
	Payload            []byte        `gorm:"type:jsonb"`
	ChannelPreference  string        `gorm:"type:varchar(64);not null"`
	ScheduledFor       time.Time     `gorm:"type:timestamptz;not null"`
	Status             domain.Status `gorm:"type:varchar(20);not null"`
	Attempts           int           `gorm:"not null;default:0"`
	MaxAttempts        int           `gorm:"not null;default:3"`
	IdempotencyKey     *string       `gorm:"type:varchar(255)"`
	LastAttemptAt      *time.Time    `gorm:"type:timestamptz"`
	ProcessedAt        *time.Time    `gorm:"type:timestamptz"`
	ErrorMessage       *string       `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (JobModel) TableName() string {
	return "notification_jobs"
}

// AttemptModel is the persistence model for delivery_attempts.
type AttemptModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	JobID             string               `gorm:"type:uuid;not null"`
	Channel           domain.Channel       `gorm:"type:varchar(10);not null"`
	Status            domain.AttemptStatus `gorm:"type:varchar(20);not null"`
	AttemptNumber     int                  `gorm:"not null"`
	ProviderMessageID *string              `gorm:"type:varchar(255)"`
	ErrorMessage      *string              `gorm:"type:text"`
	CreatedAt         time.Time
}

func (AttemptModel) TableName() string {
	return "delivery_attempts"
}

// DeadLetterModel is the persistence model for notification_dead_letters.
type DeadLetterModel struct {
	ID                 string  `gorm:"type:uuid;primaryKey"`
	JobID              string  `gorm:"type:uuid;not null;uniqueIndex"`
	OrganizationID     *string `gorm:"type:uuid"`
	TripID             *string `gorm:"type:uuid"`
	NotificationType   string  `gorm:"type:varchar(100);not null"`
	Attempts           int     `gorm:"not null"`
	FailedChannels     string  `gorm:"type:varchar(64);not null"`
	Payload            []byte  `gorm:"type:jsonb"`
	RecipientUserID    *string `gorm:"type:uuid"`
	RecipientPhone     *string `gorm:"type:varchar(32)"`
	RecipientEmail     *string `gorm:"type:varchar(255)"`
	RecipientPushToken *string `gorm:"type:text"`
	ErrorMessage       *string `gorm:"type:text"`
	CreatedAt          time.Time
}

func (DeadLetterModel) TableName() string {
	return "notification_dead_letters"
}

// WatermarkModel tracks the last stage event each polling consumer has seen.
type WatermarkModel struct {
	Consumer    string    `gorm:"type:varchar(64);primaryKey"`
	LastEventAt time.Time `gorm:"type:timestamptz;not null"`
	LastEventID string    `gorm:"type:uuid;not null"`
	UpdatedAt   time.Time
}

func (WatermarkModel) TableName() string {
	return "scheduler_watermarks"
}

// StageEventModel maps the external workflow_stage_events table. Read-only.
type StageEventModel struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	OrganizationID *string `gorm:"type:uuid"`
	ProfileID      string  `gorm:"type:uuid;not null"`
	FromStage      string  `gorm:"type:varchar(50);not null"`
	ToStage        string  `gorm:"type:varchar(50);not null"`
	CreatedAt      time.Time
}

func (StageEventModel) TableName() string {
	return "workflow_stage_events"
}

// ClientProfileModel maps the external client_profiles table. Read-only.
type ClientProfileModel struct {
	ID                string  `gorm:"type:uuid;primaryKey"`
	OrganizationID    *string `gorm:"type:uuid"`
	Phone             *string `gorm:"type:varchar(32)"`
	Email             *string `gorm:"type:varchar(255)"`
	PushToken         *string `gorm:"type:text"`
	PreferredChannels *string `gorm:"type:varchar(64)"`
}

func (ClientProfileModel) TableName() string {
	return "client_profiles"
}

// NotificationRuleModel maps the external workflow_notification_rules table. Read-only.
type NotificationRuleModel struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	OrganizationID *string `gorm:"type:uuid"`
	LifecycleStage string  `gorm:"type:varchar(50);not null"`
	NotifyClient   bool    `gorm:"not null;default:true"`
	UpdatedAt      time.Time
}

func (NotificationRuleModel) TableName() string {
	return "workflow_notification_rules"
}

func jobModelFromDomain(j *domain.Job) (*JobModel, error) {
	if j == nil {
		return nil, nil
	}

	payload, err := marshalPayload(j.Payload)
	if err != nil {
		return nil, err
	}

	return &JobModel{
		ID:                 j.ID,
		OrganizationID:     j.OrganizationID,
		TripID:             j.TripID,
		NotificationType:   j.NotificationType,
		RecipientUserID:    j.Recipient.UserID,
		RecipientPhone:     j.Recipient.Phone,
		RecipientEmail:     j.Recipient.Email,
		RecipientPushToken: j.Recipient.PushToken,
		Payload:            payload,
		ChannelPreference:  j.ChannelPreference.String(),
		ScheduledFor:       j.ScheduledFor,
		Status:             j.Status,
		Attempts:           j.Attempts,
		MaxAttempts:        j.MaxAttempts,
		IdempotencyKey:     j.IdempotencyKey,
		LastAttemptAt:      j.LastAttemptAt,
		ProcessedAt:        j.ProcessedAt,
		ErrorMessage:       j.ErrorMessage,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}, nil
}

func jobModelToDomain(m *JobModel) (*domain.Job, error) {
	if m == nil {
		return nil, nil
	}

	preference, err := domain.ParseChannelList(m.ChannelPreference)
	if err != nil {
		return nil, fmt.Errorf("corrupt channel preference on job %s: %w", m.ID, err)
	}

	payload, err := unmarshalPayload(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("corrupt payload on job %s: %w", m.ID, err)
	}

	return &domain.Job{
		ID:               m.ID,
		OrganizationID:   m.OrganizationID,
		TripID:           m.TripID,
		NotificationType: m.NotificationType,
		Recipient: domain.Recipient{
			UserID:    m.RecipientUserID,
			Phone:     m.RecipientPhone,
			Email:     m.RecipientEmail,
			PushToken: m.RecipientPushToken,
		},
		Payload:           payload,
		ChannelPreference: preference,
		ScheduledFor:      m.ScheduledFor,
		Status:            m.Status,
		Attempts:          m.Attempts,
		MaxAttempts:       m.MaxAttempts,
		IdempotencyKey:    m.IdempotencyKey,
		LastAttemptAt:     m.LastAttemptAt,
		ProcessedAt:       m.ProcessedAt,
		ErrorMessage:      m.ErrorMessage,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *AttemptModel {
	if a == nil {
		return nil
	}

	return &AttemptModel{
		ID:                a.ID,
		JobID:             a.JobID,
		Channel:           a.Channel,
		Status:            a.Status,
		AttemptNumber:     a.AttemptNumber,
		ProviderMessageID: a.ProviderMessageID,
		ErrorMessage:      a.ErrorMessage,
		CreatedAt:         a.CreatedAt,
	}
}

func attemptModelToDomain(m *AttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:                m.ID,
		JobID:             m.JobID,
		Channel:           m.Channel,
		Status:            m.Status,
		AttemptNumber:     m.AttemptNumber,
		ProviderMessageID: m.ProviderMessageID,
		ErrorMessage:      m.ErrorMessage,
		CreatedAt:         m.CreatedAt,
	}
}

func deadLetterModelFromDomain(d *domain.DeadLetter) (*DeadLetterModel, error) {
	if d == nil {
		return nil, nil
	}

	payload, err := marshalPayload(d.Payload)
	if err != nil {
		return nil, err
	}

	return &DeadLetterModel{
		ID:                 d.ID,
		JobID:              d.JobID,
		OrganizationID:     d.OrganizationID,
		TripID:             d.TripID,
		NotificationType:   d.NotificationType,
		Attempts:           d.Attempts,
		FailedChannels:     d.FailedChannels.String(),
		Payload:            payload,
		RecipientUserID:    d.Recipient.UserID,
		RecipientPhone:     d.Recipient.Phone,
		RecipientEmail:     d.Recipient.Email,
		RecipientPushToken: d.Recipient.PushToken,
		ErrorMessage:       d.ErrorMessage,
		CreatedAt:          d.CreatedAt,
	}, nil
}

func deadLetterModelToDomain(m *DeadLetterModel) (*domain.DeadLetter, error) {
	if m == nil {
		return nil, nil
	}

	channels, err := domain.ParseChannelList(m.FailedChannels)
	if err != nil {
		return nil, fmt.Errorf("corrupt failed channels on dead letter %s: %w", m.ID, err)
	}

	payload, err := unmarshalPayload(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("corrupt payload on dead letter %s: %w", m.ID, err)
	}

	return &domain.DeadLetter{
		ID:               m.ID,
		JobID:            m.JobID,
		OrganizationID:   m.OrganizationID,
		TripID:           m.TripID,
		NotificationType: m.NotificationType,
		Attempts:         m.Attempts,
		FailedChannels:   channels,
		Payload:          payload,
		Recipient: domain.Recipient{
			UserID:    m.RecipientUserID,
			Phone:     m.RecipientPhone,
			Email:     m.RecipientEmail,
			PushToken: m.RecipientPushToken,
		},
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
	}, nil
}

func stageEventModelToDomain(m *StageEventModel) *domain.StageEvent {
	if m == nil {
		return nil
	}

	return &domain.StageEvent{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		ProfileID:      m.ProfileID,
		FromStage:      m.FromStage,
		ToStage:        m.ToStage,
		CreatedAt:      m.CreatedAt,
	}
}

func clientProfileModelToDomain(m *ClientProfileModel) (*domain.ClientProfile, error) {
	if m == nil {
		return nil, nil
	}

	var preferred domain.ChannelList
	if m.PreferredChannels != nil {
		parsed, err := domain.ParseChannelList(*m.PreferredChannels)
		if err != nil {
			return nil, fmt.Errorf("corrupt channel preference on profile %s: %w", m.ID, err)
		}
		preferred = parsed
	}

	return &domain.ClientProfile{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		Recipient: domain.Recipient{
			UserID:    &m.ID,
			Phone:     m.Phone,
			Email:     m.Email,
			PushToken: m.PushToken,
		},
		PreferredChannels: preferred,
	}, nil
}

func ruleModelToDomain(m *NotificationRuleModel) *domain.NotificationRule {
	if m == nil {
		return nil
	}

	return &domain.NotificationRule{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		LifecycleStage: m.LifecycleStage,
		NotifyClient:   m.NotifyClient,
		UpdatedAt:      m.UpdatedAt,
	}
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

func unmarshalPayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}
