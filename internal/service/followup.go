package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/domain"
	"github.com/atlastrips/notify-pipeline/internal/observability"
	"github.com/atlastrips/notify-pipeline/internal/repository"
	"go.uber.org/zap"
)

const (
	followupConsumer = "followup-scheduler"
	stageCompleted   = "completed"

	defaultFollowupInterval = time.Minute
	defaultFollowupLimit    = 250

	// Follow-ups land at this UTC hour on their target day.
	followupSendHour = 10
	// Never schedule closer than this to now, so a job is not claimable
	// before the enqueue transaction is even visible.
	minFollowupLead = 2 * time.Minute
)

var followupSteps = []struct {
	NotificationType string
	Days             int
}{
	{NotificationType: "post_trip_day1", Days: 1},
	{NotificationType: "post_trip_day7", Days: 7},
	{NotificationType: "post_trip_day30", Days: 30},
}

var defaultChannelOrder = domain.ChannelList{domain.ChannelChat, domain.ChannelPush, domain.ChannelEmail}

type jobEnqueuer interface {
	Enqueue(ctx context.Context, job *domain.Job, source string) (*domain.Job, bool, error)
}

// FollowupScheduler tails the lifecycle stage event stream and turns
// transitions into notification jobs. Progress is a persisted watermark, so
// a restart resumes where the previous run stopped.
type FollowupScheduler struct {
	stream   repository.StreamRepository
	enqueuer jobEnqueuer
	logger   *zap.Logger
	metrics  *observability.Metrics

	interval time.Duration
	limit    int

	now func() time.Time
}

func NewFollowupScheduler(
	stream repository.StreamRepository,
	enqueuer jobEnqueuer,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*FollowupScheduler, error) {
	if stream == nil {
		return nil, fmt.Errorf("stream repository is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("job enqueuer is required")
	}
	if interval <= 0 {
		interval = defaultFollowupInterval
	}
	if limit <= 0 {
		limit = defaultFollowupLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FollowupScheduler{
		stream:   stream,
		enqueuer: enqueuer,
		logger:   logger,
		interval: interval,
		limit:    limit,
		now:      time.Now,
	}, nil
}

func (s *FollowupScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start polls the stage event stream until context cancellation.
func (s *FollowupScheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scan(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("followup initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("followup scan failed", zap.Error(err))
			}
		}
	}
}

func (s *FollowupScheduler) scan(ctx context.Context) error {
	mark, err := s.loadOrInitWatermark(ctx)
	if err != nil {
		return err
	}

	events, err := s.stream.EventsAfter(ctx, *mark, s.limit)
	if err != nil {
		return fmt.Errorf("failed to read stage events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	for i := range events {
		event := events[i]
		if s.metrics != nil {
			s.metrics.IncFollowupOutcome("scanned")
		}

		if err := s.processEvent(ctx, event); err != nil {
			// Stop before advancing past the failed event so the next scan
			// retries it.
			if saveErr := s.saveWatermarkBefore(ctx, mark, events[:i]); saveErr != nil {
				s.logger.Error("failed to persist watermark", zap.Error(saveErr))
			}
			return fmt.Errorf("failed to process stage event %s: %w", event.ID, err)
		}
	}

	last := events[len(events)-1]
	mark.LastEventAt = last.CreatedAt
	mark.LastEventID = last.ID
	if err := s.stream.SaveWatermark(ctx, *mark); err != nil {
		return fmt.Errorf("failed to persist watermark: %w", err)
	}

	return nil
}

// loadOrInitWatermark starts new consumers at the present so historical
// stage transitions are not replayed as fresh notifications.
func (s *FollowupScheduler) loadOrInitWatermark(ctx context.Context) (*repository.Watermark, error) {
	mark, err := s.stream.LoadWatermark(ctx, followupConsumer)
	if err == nil {
		return mark, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to load watermark: %w", err)
	}

	initial := repository.Watermark{
		Consumer:    followupConsumer,
		LastEventAt: s.now().UTC(),
		LastEventID: "00000000-0000-0000-0000-000000000000",
	}
	if err := s.stream.SaveWatermark(ctx, initial); err != nil {
		return nil, fmt.Errorf("failed to initialize watermark: %w", err)
	}
	return &initial, nil
}

func (s *FollowupScheduler) saveWatermarkBefore(ctx context.Context, mark *repository.Watermark, processed []domain.StageEvent) error {
	if len(processed) == 0 {
		return nil
	}
	last := processed[len(processed)-1]
	mark.LastEventAt = last.CreatedAt
	mark.LastEventID = last.ID
	return s.stream.SaveWatermark(ctx, *mark)
}

func (s *FollowupScheduler) processEvent(ctx context.Context, event domain.StageEvent) error {
	notify, err := s.shouldNotify(ctx, event)
	if err != nil {
		return err
	}
	if !notify {
		if s.metrics != nil {
			s.metrics.IncFollowupOutcome("skipped_rule")
		}
		return nil
	}

	profile, err := s.stream.ProfileByID(ctx, event.ProfileID)
	if errors.Is(err, domain.ErrNotFound) {
		if s.metrics != nil {
			s.metrics.IncFollowupOutcome("skipped_no_profile")
		}
		s.logger.Warn("stage event references unknown profile",
			zap.String("eventId", event.ID),
			zap.String("profileId", event.ProfileID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	channels := profile.PreferredChannels
	if len(channels) == 0 {
		channels = defaultChannelOrder
	}

	if err := s.enqueueStageJob(ctx, event, profile, channels); err != nil {
		return err
	}

	if event.ToStage == stageCompleted {
		if err := s.enqueueFollowupSequence(ctx, event, profile, channels); err != nil {
			return err
		}
	}

	return nil
}

// shouldNotify applies the organization's rule for the target stage. A
// missing rule means notify.
func (s *FollowupScheduler) shouldNotify(ctx context.Context, event domain.StageEvent) (bool, error) {
	rule, err := s.stream.RuleFor(ctx, event.OrganizationID, event.ToStage)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load notification rule: %w", err)
	}
	return rule.NotifyClient, nil
}

func (s *FollowupScheduler) enqueueStageJob(
	ctx context.Context,
	event domain.StageEvent,
	profile *domain.ClientProfile,
	channels domain.ChannelList,
) error {
	key := fmt.Sprintf("stage:%s:%s", event.ProfileID, event.ToStage)
	job := &domain.Job{
		OrganizationID:   event.OrganizationID,
		NotificationType: fmt.Sprintf("stage_%s", event.ToStage),
		Recipient:        profile.Recipient,
		Payload: map[string]any{
			"from_stage": event.FromStage,
			"to_stage":   event.ToStage,
		},
		ChannelPreference: channels,
		IdempotencyKey:    &key,
	}

	_, created, err := s.enqueuer.Enqueue(ctx, job, "stage_event")
	if err != nil {
		return err
	}

	if s.metrics != nil {
		if created {
			s.metrics.IncFollowupOutcome("queued")
		} else {
			s.metrics.IncFollowupOutcome("duplicate")
		}
	}
	return nil
}

func (s *FollowupScheduler) enqueueFollowupSequence(
	ctx context.Context,
	event domain.StageEvent,
	profile *domain.ClientProfile,
	channels domain.ChannelList,
) error {
	for _, step := range followupSteps {
		key := fmt.Sprintf("followup:%s:%s", event.ProfileID, step.NotificationType)
		job := &domain.Job{
			OrganizationID:   event.OrganizationID,
			NotificationType: step.NotificationType,
			Recipient:        profile.Recipient,
			Payload: map[string]any{
				"days_after_completion": step.Days,
			},
			ChannelPreference: channels,
			ScheduledFor:      s.followupTime(event.CreatedAt, step.Days),
			IdempotencyKey:    &key,
		}

		_, created, err := s.enqueuer.Enqueue(ctx, job, "followup")
		if err != nil {
			return err
		}
		if s.metrics != nil {
			if created {
				s.metrics.IncFollowupOutcome("queued")
			} else {
				s.metrics.IncFollowupOutcome("duplicate")
			}
		}
	}
	return nil
}

// followupTime lands N days after the completion event at the send hour,
// clamped so backdated events still schedule slightly into the future.
func (s *FollowupScheduler) followupTime(completedAt time.Time, days int) time.Time {
	day := completedAt.UTC().AddDate(0, 0, days)
	at := time.Date(day.Year(), day.Month(), day.Day(), followupSendHour, 0, 0, 0, time.UTC)

	earliest := s.now().UTC().Add(minFollowupLead)
	if at.Before(earliest) {
		return earliest
	}
	return at
}
