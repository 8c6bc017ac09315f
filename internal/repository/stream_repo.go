package repository

import (
	"context"
	"errors"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Watermark marks the last stage event a polling consumer has absorbed.
type Watermark struct {
	Consumer    string
	LastEventAt time.Time
	LastEventID string
}

// StreamRepository reads the externally written workflow tables and keeps
// the follow-up scheduler's position in the event stream.
type StreamRepository interface {
	EventsAfter(ctx context.Context, mark Watermark, limit int) ([]domain.StageEvent, error)
	RuleFor(ctx context.Context, organizationID *string, stage string) (*domain.NotificationRule, error)
	ProfileByID(ctx context.Context, profileID string) (*domain.ClientProfile, error)
	LoadWatermark(ctx context.Context, consumer string) (*Watermark, error)
	SaveWatermark(ctx context.Context, mark Watermark) error
}

type GormStreamRepo struct {
	db *gorm.DB
}

func NewGormStreamRepo(db *gorm.DB) *GormStreamRepo {
	return &GormStreamRepo{db: db}
}

// EventsAfter pages the stream in (created_at, id) order. The id tiebreak
// keeps events with identical timestamps from being skipped or replayed.
func (r *GormStreamRepo) EventsAfter(ctx context.Context, mark Watermark, limit int) ([]domain.StageEvent, error) {
	if limit < 1 {
		limit = 1
	}

	var models []StageEventModel
	err := r.db.WithContext(ctx).
		Where("(created_at > ?) OR (created_at = ? AND id > ?)", mark.LastEventAt, mark.LastEventAt, mark.LastEventID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]domain.StageEvent, 0, len(models))
	for i := range models {
		events = append(events, *stageEventModelToDomain(&models[i]))
	}
	return events, nil
}

func (r *GormStreamRepo) RuleFor(ctx context.Context, organizationID *string, stage string) (*domain.NotificationRule, error) {
	query := r.db.WithContext(ctx).Where("lifecycle_stage = ?", stage)
	if organizationID != nil {
		query = query.Where("organization_id = ?", *organizationID)
	} else {
		query = query.Where("organization_id IS NULL")
	}

	var model NotificationRuleModel
	err := query.First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ruleModelToDomain(&model), nil
}

func (r *GormStreamRepo) ProfileByID(ctx context.Context, profileID string) (*domain.ClientProfile, error) {
	var model ClientProfileModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", profileID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return clientProfileModelToDomain(&model)
}

func (r *GormStreamRepo) LoadWatermark(ctx context.Context, consumer string) (*Watermark, error) {
	var model WatermarkModel
	err := r.db.WithContext(ctx).First(&model, "consumer = ?", consumer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Watermark{
		Consumer:    model.Consumer,
		LastEventAt: model.LastEventAt,
		LastEventID: model.LastEventID,
	}, nil
}

func (r *GormStreamRepo) SaveWatermark(ctx context.Context, mark Watermark) error {
	model := WatermarkModel{
		Consumer:    mark.Consumer,
		LastEventAt: mark.LastEventAt,
		LastEventID: mark.LastEventID,
		UpdatedAt:   time.Now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "consumer"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_event_at", "last_event_id", "updated_at"}),
		}).
		Create(&model).Error
}
