package service

import (
	"context"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/dispatch"
	"github.com/atlastrips/notify-pipeline/internal/domain"
	"github.com/atlastrips/notify-pipeline/internal/repository"
)

type fakeJobRepo struct {
	createFn              func(ctx context.Context, j *domain.Job) error
	getByIDFn             func(ctx context.Context, id string) (*domain.Job, error)
	getByIdempotencyKeyFn func(ctx context.Context, key string) (*domain.Job, error)
	listFn                func(ctx context.Context, params repository.ListParams) ([]domain.Job, int64, error)
	countByStatusFn       func(ctx context.Context) ([]repository.StatusCount, error)
	claimBatchFn          func(ctx context.Context, limit int, now time.Time) ([]domain.Job, error)
	resolveFn             func(ctx context.Context, id string, outcome repository.Outcome) error
	releaseFn             func(ctx context.Context, id string) error
	reclaimStaleFn        func(ctx context.Context, lease time.Duration, now time.Time) (int64, error)
	requeueAllFailedFn    func(ctx context.Context, now time.Time) (int64, error)
}

func (f *fakeJobRepo) Create(ctx context.Context, j *domain.Job) error {
	if f.createFn == nil {
		return nil
	}
	return f.createFn(ctx, j)
}

func (f *fakeJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	if f.getByIDFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.getByIDFn(ctx, id)
}

func (f *fakeJobRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	if f.getByIdempotencyKeyFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.getByIdempotencyKeyFn(ctx, key)
}

func (f *fakeJobRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Job, int64, error) {
	if f.listFn == nil {
		return nil, 0, nil
	}
	return f.listFn(ctx, params)
}

func (f *fakeJobRepo) CountByStatus(ctx context.Context) ([]repository.StatusCount, error) {
	if f.countByStatusFn == nil {
		return nil, nil
	}
	return f.countByStatusFn(ctx)
}

func (f *fakeJobRepo) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]domain.Job, error) {
	if f.claimBatchFn == nil {
		return nil, nil
	}
	return f.claimBatchFn(ctx, limit, now)
}

func (f *fakeJobRepo) Resolve(ctx context.Context, id string, outcome repository.Outcome) error {
	if f.resolveFn == nil {
		return nil
	}
	return f.resolveFn(ctx, id, outcome)
}

func (f *fakeJobRepo) Release(ctx context.Context, id string) error {
	if f.releaseFn == nil {
		return nil
	}
	return f.releaseFn(ctx, id)
}

func (f *fakeJobRepo) ReclaimStale(ctx context.Context, lease time.Duration, now time.Time) (int64, error) {
	if f.reclaimStaleFn == nil {
		return 0, nil
	}
	return f.reclaimStaleFn(ctx, lease, now)
}

func (f *fakeJobRepo) RequeueAllFailed(ctx context.Context, now time.Time) (int64, error) {
	if f.requeueAllFailedFn == nil {
		return 0, nil
	}
	return f.requeueAllFailedFn(ctx, now)
}

type fakeAttemptRepo struct {
	createFn    func(ctx context.Context, attempt *domain.DeliveryAttempt) error
	listByJobFn func(ctx context.Context, jobID string) ([]domain.DeliveryAttempt, error)
}

func (f *fakeAttemptRepo) Create(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	if f.createFn == nil {
		return nil
	}
	return f.createFn(ctx, attempt)
}

func (f *fakeAttemptRepo) ListByJob(ctx context.Context, jobID string) ([]domain.DeliveryAttempt, error) {
	if f.listByJobFn == nil {
		return nil, nil
	}
	return f.listByJobFn(ctx, jobID)
}

type fakeDeadLetterRepo struct {
	createFn     func(ctx context.Context, letter *domain.DeadLetter) error
	getByIDFn    func(ctx context.Context, id string) (*domain.DeadLetter, error)
	getByJobIDFn func(ctx context.Context, jobID string) (*domain.DeadLetter, error)
	listFn       func(ctx context.Context, page, pageSize int) ([]domain.DeadLetter, int64, error)
}

func (f *fakeDeadLetterRepo) Create(ctx context.Context, letter *domain.DeadLetter) error {
	if f.createFn == nil {
		return nil
	}
	return f.createFn(ctx, letter)
}

func (f *fakeDeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetter, error) {
	if f.getByIDFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.getByIDFn(ctx, id)
}

func (f *fakeDeadLetterRepo) GetByJobID(ctx context.Context, jobID string) (*domain.DeadLetter, error) {
	if f.getByJobIDFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.getByJobIDFn(ctx, jobID)
}

func (f *fakeDeadLetterRepo) List(ctx context.Context, page, pageSize int) ([]domain.DeadLetter, int64, error) {
	if f.listFn == nil {
		return nil, 0, nil
	}
	return f.listFn(ctx, page, pageSize)
}

type fakeStreamRepo struct {
	eventsAfterFn   func(ctx context.Context, mark repository.Watermark, limit int) ([]domain.StageEvent, error)
	ruleForFn       func(ctx context.Context, organizationID *string, stage string) (*domain.NotificationRule, error)
	profileByIDFn   func(ctx context.Context, profileID string) (*domain.ClientProfile, error)
	loadWatermarkFn func(ctx context.Context, consumer string) (*repository.Watermark, error)
	saveWatermarkFn func(ctx context.Context, mark repository.Watermark) error
}

func (f *fakeStreamRepo) EventsAfter(ctx context.Context, mark repository.Watermark, limit int) ([]domain.StageEvent, error) {
	if f.eventsAfterFn == nil {
		return nil, nil
	}
	return f.eventsAfterFn(ctx, mark, limit)
}

func (f *fakeStreamRepo) RuleFor(ctx context.Context, organizationID *string, stage string) (*domain.NotificationRule, error) {
	if f.ruleForFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.ruleForFn(ctx, organizationID, stage)
}

func (f *fakeStreamRepo) ProfileByID(ctx context.Context, profileID string) (*domain.ClientProfile, error) {
	if f.profileByIDFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.profileByIDFn(ctx, profileID)
}

func (f *fakeStreamRepo) LoadWatermark(ctx context.Context, consumer string) (*repository.Watermark, error) {
	if f.loadWatermarkFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.loadWatermarkFn(ctx, consumer)
}

func (f *fakeStreamRepo) SaveWatermark(ctx context.Context, mark repository.Watermark) error {
	if f.saveWatermarkFn == nil {
		return nil
	}
	return f.saveWatermarkFn(ctx, mark)
}

type fakeDispatcher struct {
	dispatchFn func(ctx context.Context, job domain.Job) (dispatch.Outcome, error)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job domain.Job) (dispatch.Outcome, error) {
	if f.dispatchFn == nil {
		return dispatch.Outcome{}, nil
	}
	return f.dispatchFn(ctx, job)
}

type fakeEnqueuer struct {
	enqueueFn func(ctx context.Context, job *domain.Job, source string) (*domain.Job, bool, error)
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job *domain.Job, source string) (*domain.Job, bool, error) {
	if f.enqueueFn == nil {
		return job, true, nil
	}
	return f.enqueueFn(ctx, job, source)
}

func strPtr(s string) *string {
	return &s
}
