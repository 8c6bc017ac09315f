package repository

import (
	"context"
	"fmt"

	"github.com/atlastrips/notify-pipeline/internal/domain"
	"gorm.io/gorm"
)

// AttemptRepository is the append-only delivery ledger. Rows are written
// once a try settles and are never updated afterwards.
type AttemptRepository interface {
	Create(ctx context.Context, attempt *domain.DeliveryAttempt) error
	ListByJob(ctx context.Context, jobID string) ([]domain.DeliveryAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	if attempt == nil {
		return fmt.Errorf("%w: attempt is required", domain.ErrValidation)
	}
	if !attempt.Status.IsSettled() {
		return fmt.Errorf("%w: ledger only records settled attempts, got %q", domain.ErrValidation, attempt.Status)
	}

	model := attemptModelFromDomain(attempt)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

func (r *GormAttemptRepo) ListByJob(ctx context.Context, jobID string) ([]domain.DeliveryAttempt, error) {
	var models []AttemptModel
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}
	return attempts, nil
}
