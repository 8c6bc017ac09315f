package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	Status     *domain.Status
	Channel    *domain.Channel
	FailedOnly bool
	From       *time.Time
	To         *time.Time
	Page       int
	PageSize   int
}

type StatusCount struct {
	Status domain.Status `gorm:"column:status"`
	Count  int           `gorm:"column:count"`
}

// Outcome is how the queue runner resolves one claimed job after a
// dispatcher pass. Exactly one resolve per claim; attempts increment by one.
type Outcome struct {
	Status       domain.Status
	ErrorMessage *string
	// RetryAt is the next scheduled_for when Status is PENDING (job-level retry).
	RetryAt *time.Time
}

type JobRepository interface {
	Create(ctx context.Context, j *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Job, error)
	List(ctx context.Context, params ListParams) ([]domain.Job, int64, error)
	CountByStatus(ctx context.Context) ([]StatusCount, error)
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]domain.Job, error)
	Resolve(ctx context.Context, id string, outcome Outcome) error
	Release(ctx context.Context, id string) error
	ReclaimStale(ctx context.Context, leaseDuration time.Duration, now time.Time) (int64, error)
	RequeueAllFailed(ctx context.Context, now time.Time) (int64, error)
}

type GormJobRepo struct {
	db *gorm.DB
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db}
}

func (r *GormJobRepo) Create(ctx context.Context, j *domain.Job) error {
	model, err := jobModelFromDomain(j)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if j != nil {
		created, err := jobModelToDomain(model)
		if err != nil {
			return err
		}
		*j = *created
	}
	return nil
}

func (r *GormJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model)
}

func (r *GormJobRepo) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model)
}

func (r *GormJobRepo) List(ctx context.Context, params ListParams) ([]domain.Job, int64, error) {
	query := r.db.WithContext(ctx).Model(&JobModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Channel != nil {
		query = query.Where("channel_preference LIKE ?", "%"+params.Channel.String()+"%")
	}
	if params.FailedOnly {
		query = query.Where("status = ?", domain.StatusFailed)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []JobModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	jobs := make([]domain.Job, 0, len(models))
	for i := range models {
		job, err := jobModelToDomain(&models[i])
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *job)
	}

	return jobs, total, nil
}

func (r *GormJobRepo) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// ClaimBatch atomically flips due pending jobs to processing and stamps the
// lease start. The status guard in the subquery is the compare-and-swap that
// keeps two concurrent runners from claiming the same job.
func (r *GormJobRepo) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]domain.Job, error) {
	if limit < 1 {
		limit = 1
	}

	var models []JobModel
	err := r.db.WithContext(ctx).Raw(`
		UPDATE notification_jobs
		SET status = ?, last_attempt_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM notification_jobs
			WHERE status = ? AND scheduled_for <= ?
			ORDER BY scheduled_for ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		domain.StatusProcessing, now, now,
		domain.StatusPending, now,
		limit,
	).Scan(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}

	jobs := make([]domain.Job, 0, len(models))
	for i := range models {
		job, err := jobModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	return jobs, nil
}

// Resolve finishes one claimed pass. The processing guard rejects resolves
// from anything that does not hold the lease; attempts only ever moves up by one.
func (r *GormJobRepo) Resolve(ctx context.Context, id string, outcome Outcome) error {
	updates := map[string]any{
		"status":        outcome.Status,
		"attempts":      gorm.Expr("attempts + 1"),
		"error_message": outcome.ErrorMessage,
	}

	switch outcome.Status {
	case domain.StatusSent, domain.StatusFailed:
		updates["processed_at"] = time.Now().UTC()
	case domain.StatusPending:
		if outcome.RetryAt == nil {
			return fmt.Errorf("%w: retry outcome requires a retry time", domain.ErrValidation)
		}
		updates["scheduled_for"] = *outcome.RetryAt
	default:
		return fmt.Errorf("%w: invalid resolve status %q", domain.ErrValidation, outcome.Status)
	}

	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// Release puts a claimed-but-never-dispatched job back without consuming
// an attempt. Used when a batch deadline expires before dispatch.
func (r *GormJobRepo) Release(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Update("status", domain.StatusPending)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ReclaimStale resets jobs whose lease expired without a resolve call.
// This is the sole recovery path for crashed workers.
func (r *GormJobRepo) ReclaimStale(ctx context.Context, leaseDuration time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-leaseDuration)
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("status = ? AND last_attempt_at < ?", domain.StatusProcessing, cutoff).
		Update("status", domain.StatusPending)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *GormJobRepo) RequeueAllFailed(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("status = ?", domain.StatusFailed).
		Updates(map[string]any{
			"status":        domain.StatusPending,
			"scheduled_for": now,
			"error_message": nil,
			"processed_at":  nil,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
