package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/dispatch"
	"github.com/atlastrips/notify-pipeline/internal/domain"
	"github.com/atlastrips/notify-pipeline/internal/observability"
	"github.com/atlastrips/notify-pipeline/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRunnerInterval = 5 * time.Second
	defaultBatchSize      = 25
	defaultLeaseDuration  = 2 * time.Minute
	defaultConcurrency    = 8
	defaultJobRetryDelay  = 5 * time.Minute
	minConcurrency        = 1
)

// Dispatcher is the channel fan-out port the runner hands claimed jobs to.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.Job) (dispatch.Outcome, error)
}

// Runner drives the delivery loop: reclaim expired leases, claim a batch of
// due jobs, dispatch them in parallel, and resolve each claim exactly once.
type Runner struct {
	jobs        repository.JobRepository
	deadLetters repository.DeadLetterRepository
	dispatcher  Dispatcher
	logger      *zap.Logger
	metrics     *observability.Metrics

	interval      time.Duration
	batchSize     int
	leaseDuration time.Duration
	concurrency   int
	jobRetryDelay time.Duration

	now func() time.Time
}

type RunnerConfig struct {
	Interval      time.Duration
	BatchSize     int
	LeaseDuration time.Duration
	Concurrency   int
	JobRetryDelay time.Duration
}

func NewRunner(
	jobs repository.JobRepository,
	deadLetters repository.DeadLetterRepository,
	dispatcher Dispatcher,
	cfg RunnerConfig,
	logger *zap.Logger,
) (*Runner, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("dead letter repository is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Interval <= 0 {
		cfg.Interval = defaultRunnerInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.Concurrency < minConcurrency {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.JobRetryDelay <= 0 {
		cfg.JobRetryDelay = defaultJobRetryDelay
	}

	return &Runner{
		jobs:          jobs,
		deadLetters:   deadLetters,
		dispatcher:    dispatcher,
		logger:        logger,
		interval:      cfg.Interval,
		batchSize:     cfg.BatchSize,
		leaseDuration: cfg.LeaseDuration,
		concurrency:   cfg.Concurrency,
		jobRetryDelay: cfg.JobRetryDelay,
		now:           time.Now,
	}, nil
}

func (r *Runner) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Start runs the delivery loop until context cancellation.
func (r *Runner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial pass so due jobs do not wait for the first ticker edge.
	if err := r.runPass(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("runner initial pass failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.runPass(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("runner pass failed", zap.Error(err))
			}
		}
	}
}

func (r *Runner) runPass(ctx context.Context) error {
	now := r.now().UTC()

	reclaimed, err := r.jobs.ReclaimStale(ctx, r.leaseDuration, now)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		if r.metrics != nil {
			r.metrics.AddJobsReclaimed(int(reclaimed))
		}
		r.logger.Warn("reclaimed stale leases", zap.Int64("count", reclaimed))
	}

	claimed, err := r.jobs.ClaimBatch(ctx, r.batchSize, now)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	r.logger.Debug("claimed batch", zap.Int("count", len(claimed)))

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range claimed {
		job := claimed[i]
		g.Go(func() error {
			// A single bad job must not sink the batch.
			if err := r.processJob(groupCtx, job); err != nil {
				r.logger.Error("job processing failed",
					zap.String("jobId", job.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}

	return g.Wait()
}

func (r *Runner) processJob(ctx context.Context, job domain.Job) error {
	if r.metrics != nil {
		r.metrics.IncRunnerInflight()
		defer r.metrics.DecRunnerInflight()
	}

	outcome, err := r.dispatcher.Dispatch(ctx, job)
	if err != nil {
		// Dispatch aborted before settling, most likely shutdown. Put the
		// claim back so the attempt is not burned; the lease reclaim covers
		// the case where the release itself fails.
		if releaseErr := r.jobs.Release(ctx, job.ID); releaseErr != nil && !errors.Is(releaseErr, domain.ErrConflict) {
			r.logger.Warn("failed to release claimed job",
				zap.String("jobId", job.ID),
				zap.Error(releaseErr),
			)
		}
		return err
	}

	if outcome.Sent {
		return r.jobs.Resolve(ctx, job.ID, repository.Outcome{Status: domain.StatusSent})
	}

	errMsg := strings.TrimSpace(outcome.LastError)
	if errMsg == "" {
		errMsg = "no deliverable channel"
	}

	attemptsAfter := job.Attempts + 1
	if outcome.Transient && attemptsAfter < job.MaxAttempts {
		retryAt := r.now().UTC().Add(r.jobRetryDelay)
		r.logger.Info("job scheduled for retry",
			zap.String("jobId", job.ID),
			zap.Int("attempts", attemptsAfter),
			zap.Time("retryAt", retryAt),
		)
		return r.jobs.Resolve(ctx, job.ID, repository.Outcome{
			Status:       domain.StatusPending,
			ErrorMessage: &errMsg,
			RetryAt:      &retryAt,
		})
	}

	if err := r.jobs.Resolve(ctx, job.ID, repository.Outcome{
		Status:       domain.StatusFailed,
		ErrorMessage: &errMsg,
	}); err != nil {
		return err
	}

	if r.metrics != nil {
		reason := "permanent_error"
		if outcome.Transient {
			reason = "retry_exhausted"
		}
		r.metrics.IncJobFailed(reason)
	}

	return r.deadLetterJob(ctx, job, attemptsAfter, outcome, errMsg)
}

// deadLetterJob snapshots an exhausted job. The unique index on job_id makes
// a double snapshot a no-op.
func (r *Runner) deadLetterJob(
	ctx context.Context,
	job domain.Job,
	attempts int,
	outcome dispatch.Outcome,
	errMsg string,
) error {
	letter := &domain.DeadLetter{
		ID:               uuid.NewString(),
		JobID:            job.ID,
		OrganizationID:   job.OrganizationID,
		TripID:           job.TripID,
		NotificationType: job.NotificationType,
		Attempts:         attempts,
		FailedChannels:   outcome.FailedChannels,
		Payload:          job.Payload,
		Recipient:        job.Recipient,
		ErrorMessage:     &errMsg,
		CreatedAt:        r.now().UTC(),
	}

	if err := r.deadLetters.Create(ctx, letter); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
	}

	if r.metrics != nil {
		r.metrics.IncJobDeadLettered()
	}
	r.logger.Warn("job dead-lettered",
		zap.String("jobId", job.ID),
		zap.String("type", job.NotificationType),
		zap.Int("attempts", attempts),
		zap.String("failedChannels", outcome.FailedChannels.String()),
	)

	return nil
}
