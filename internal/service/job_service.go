package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/domain"
	"github.com/atlastrips/notify-pipeline/internal/observability"
	"github.com/atlastrips/notify-pipeline/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultJobMaxAttempts = 3

// JobService owns enqueue, introspection and manual retry of notification jobs.
type JobService struct {
	jobs        repository.JobRepository
	attempts    repository.AttemptRepository
	deadLetters repository.DeadLetterRepository
	logger      *zap.Logger
	metrics     *observability.Metrics
	maxAttempts int
	now         func() time.Time
}

func NewJobService(
	jobs repository.JobRepository,
	attempts repository.AttemptRepository,
	deadLetters repository.DeadLetterRepository,
	maxAttempts int,
	logger *zap.Logger,
) (*JobService, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("dead letter repository is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultJobMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &JobService{
		jobs:        jobs,
		attempts:    attempts,
		deadLetters: deadLetters,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}, nil
}

func (s *JobService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Enqueue stores a new job, or returns the existing one when the idempotency
// key has been seen before. The second return reports whether a row was created.
func (s *JobService) Enqueue(ctx context.Context, job *domain.Job, source string) (*domain.Job, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.prepareForEnqueue(job); err != nil {
		return nil, false, err
	}

	if job.IdempotencyKey != nil {
		existing, err := s.jobs.GetByIdempotencyKey(ctx, *job.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, err
		}
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		existing, resolved, resolveErr := s.resolveIdempotencyConflict(ctx, err, job.IdempotencyKey)
		if resolveErr != nil {
			return nil, false, resolveErr
		}
		if resolved {
			return existing, false, nil
		}
		return nil, false, err
	}

	if s.metrics != nil {
		s.metrics.IncJobEnqueued(source)
	}
	s.logger.Info("job enqueued",
		zap.String("jobId", job.ID),
		zap.String("type", job.NotificationType),
		zap.String("source", source),
		zap.Time("scheduledFor", job.ScheduledFor),
	)

	return job, true, nil
}

func (s *JobService) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}
	return s.jobs.GetByID(ctx, strings.TrimSpace(id))
}

// GetWithAttempts returns a job together with its full delivery ledger.
func (s *JobService) GetWithAttempts(ctx context.Context, id string) (*domain.Job, []domain.DeliveryAttempt, error) {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	attempts, err := s.attempts.ListByJob(ctx, job.ID)
	if err != nil {
		return nil, nil, err
	}

	return job, attempts, nil
}

func (s *JobService) List(ctx context.Context, params repository.ListParams) ([]domain.Job, int64, error) {
	return s.jobs.List(ctx, params)
}

func (s *JobService) CountByStatus(ctx context.Context) ([]repository.StatusCount, error) {
	return s.jobs.CountByStatus(ctx)
}

func (s *JobService) ListDeadLetters(ctx context.Context, page, pageSize int) ([]domain.DeadLetter, int64, error) {
	return s.deadLetters.List(ctx, page, pageSize)
}

func (s *JobService) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: dead letter id is required", domain.ErrValidation)
	}
	return s.deadLetters.GetByID(ctx, strings.TrimSpace(id))
}

// Retry creates a fresh job from a failed one. The original row stays
// terminal; the new job carries a derived idempotency key so the replay is
// itself idempotent.
func (s *JobService) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	original, err := s.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if original.Status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: job %s is %s, only failed jobs can be retried", domain.ErrConflict, original.ID, original.Status)
	}

	replay := &domain.Job{
		OrganizationID:    original.OrganizationID,
		TripID:            original.TripID,
		NotificationType:  original.NotificationType,
		Recipient:         original.Recipient,
		Payload:           original.Payload,
		ChannelPreference: original.ChannelPreference,
		MaxAttempts:       original.MaxAttempts,
	}
	if original.IdempotencyKey != nil {
		key := fmt.Sprintf("%s:retry:%d", *original.IdempotencyKey, s.now().UTC().Unix())
		replay.IdempotencyKey = &key
	}

	created, _, err := s.Enqueue(ctx, replay, "manual_retry")
	if err != nil {
		return nil, err
	}

	s.logger.Info("failed job replayed",
		zap.String("originalJobId", original.ID),
		zap.String("replayJobId", created.ID),
	)
	return created, nil
}

// RetryDeadLetter replays the job a dead letter snapshot points at.
func (s *JobService) RetryDeadLetter(ctx context.Context, deadLetterID string) (*domain.Job, error) {
	letter, err := s.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	return s.Retry(ctx, letter.JobID)
}

// RetryAllFailed flips every failed job back to pending with an immediate
// schedule. Returns the number of jobs requeued.
func (s *JobService) RetryAllFailed(ctx context.Context) (int64, error) {
	count, err := s.jobs.RequeueAllFailed(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("failed jobs requeued", zap.Int64("count", count))
	}
	return count, nil
}

func (s *JobService) prepareForEnqueue(job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("%w: job is required", domain.ErrValidation)
	}

	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	job.NotificationType = strings.TrimSpace(job.NotificationType)
	job.IdempotencyKey = normalizeOptionalString(job.IdempotencyKey)

	now := s.now().UTC()
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}

	job.Status = domain.StatusPending
	job.Attempts = 0
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.maxAttempts
	}
	job.LastAttemptAt = nil
	job.ProcessedAt = nil
	job.ErrorMessage = nil

	return job.Validate()
}

func (s *JobService) resolveIdempotencyConflict(
	ctx context.Context,
	createErr error,
	idempotencyKey *string,
) (*domain.Job, bool, error) {
	if idempotencyKey == nil || strings.TrimSpace(*idempotencyKey) == "" {
		return nil, false, nil
	}
	if !isUniqueViolationError(createErr) {
		return nil, false, nil
	}

	existing, err := s.jobs.GetByIdempotencyKey(ctx, strings.TrimSpace(*idempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve idempotency conflict: %w", err)
	}

	return existing, true, nil
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
