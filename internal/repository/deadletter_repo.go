package repository

import (
	"context"
	"errors"

	"github.com/atlastrips/notify-pipeline/internal/domain"
	"gorm.io/gorm"
)

type DeadLetterRepository interface {
	Create(ctx context.Context, letter *domain.DeadLetter) error
	GetByID(ctx context.Context, id string) (*domain.DeadLetter, error)
	GetByJobID(ctx context.Context, jobID string) (*domain.DeadLetter, error)
	List(ctx context.Context, page, pageSize int) ([]domain.DeadLetter, int64, error)
}

type GormDeadLetterRepo struct {
	db *gorm.DB
}

func NewGormDeadLetterRepo(db *gorm.DB) *GormDeadLetterRepo {
	return &GormDeadLetterRepo{db: db}
}

// Create writes at most one dead letter per job. The unique index on job_id
// turns a double write into ErrConflict instead of a duplicate row.
func (r *GormDeadLetterRepo) Create(ctx context.Context, letter *domain.DeadLetter) error {
	model, err := deadLetterModelFromDomain(letter)
	if err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolationError(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *GormDeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetter, error) {
	var model DeadLetterModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deadLetterModelToDomain(&model)
}

func (r *GormDeadLetterRepo) GetByJobID(ctx context.Context, jobID string) (*domain.DeadLetter, error) {
	var model DeadLetterModel
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deadLetterModelToDomain(&model)
}

func (r *GormDeadLetterRepo) List(ctx context.Context, page, pageSize int) ([]domain.DeadLetter, int64, error) {
	query := r.db.WithContext(ctx).Model(&DeadLetterModel{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []DeadLetterModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	letters := make([]domain.DeadLetter, 0, len(models))
	for i := range models {
		letter, err := deadLetterModelToDomain(&models[i])
		if err != nil {
			return nil, 0, err
		}
		letters = append(letters, *letter)
	}
	return letters, total, nil
}
