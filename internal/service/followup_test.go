package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/domain"
	"github.com/atlastrips/notify-pipeline/internal/repository"
)

func testProfile() *domain.ClientProfile {
	id := "profile-1"
	return &domain.ClientProfile{
		ID: id,
		Recipient: domain.Recipient{
			UserID: &id,
			Phone:  strPtr("+15551230001"),
		},
		PreferredChannels: domain.ChannelList{domain.ChannelChat, domain.ChannelEmail},
	}
}

func newTestScheduler(t *testing.T, stream *fakeStreamRepo, enqueuer *fakeEnqueuer) *FollowupScheduler {
	t.Helper()

	s, err := NewFollowupScheduler(stream, enqueuer, time.Minute, 250, nil)
	if err != nil {
		t.Fatalf("NewFollowupScheduler() error = %v", err)
	}
	return s
}

func TestFollowupScanEnqueuesStageJob(t *testing.T) {
	t.Parallel()

	eventAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var savedMark *repository.Watermark
	stream := &fakeStreamRepo{
		loadWatermarkFn: func(_ context.Context, consumer string) (*repository.Watermark, error) {
			if consumer != followupConsumer {
				t.Fatalf("consumer = %q", consumer)
			}
			return &repository.Watermark{Consumer: followupConsumer, LastEventAt: eventAt.Add(-time.Hour)}, nil
		},
		eventsAfterFn: func(_ context.Context, _ repository.Watermark, _ int) ([]domain.StageEvent, error) {
			return []domain.StageEvent{{
				ID:        "event-1",
				ProfileID: "profile-1",
				FromStage: "planning",
				ToStage:   "booked",
				CreatedAt: eventAt,
			}}, nil
		},
		profileByIDFn: func(_ context.Context, _ string) (*domain.ClientProfile, error) {
			return testProfile(), nil
		},
		saveWatermarkFn: func(_ context.Context, mark repository.Watermark) error {
			savedMark = &mark
			return nil
		},
	}

	var enqueued []*domain.Job
	enqueuer := &fakeEnqueuer{
		enqueueFn: func(_ context.Context, job *domain.Job, source string) (*domain.Job, bool, error) {
			if source != "stage_event" {
				t.Fatalf("source = %q, want stage_event", source)
			}
			enqueued = append(enqueued, job)
			return job, true, nil
		},
	}

	s := newTestScheduler(t, stream, enqueuer)

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}

	if len(enqueued) != 1 {
		t.Fatalf("enqueued jobs = %d, want 1", len(enqueued))
	}
	job := enqueued[0]
	if job.NotificationType != "stage_booked" {
		t.Fatalf("type = %q, want stage_booked", job.NotificationType)
	}
	if job.IdempotencyKey == nil || *job.IdempotencyKey != "stage:profile-1:booked" {
		t.Fatalf("key = %v, want stage:profile-1:booked", job.IdempotencyKey)
	}
	if len(job.ChannelPreference) != 2 {
		t.Fatalf("channel preference = %v, want profile preference", job.ChannelPreference)
	}

	if savedMark == nil {
		t.Fatal("expected watermark to advance")
	}
	if savedMark.LastEventID != "event-1" || !savedMark.LastEventAt.Equal(eventAt) {
		t.Fatalf("watermark = %+v", savedMark)
	}
}

func TestFollowupScanCompletedStageSchedulesSequence(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	completedAt := time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)

	stream := &fakeStreamRepo{
		loadWatermarkFn: func(_ context.Context, _ string) (*repository.Watermark, error) {
			return &repository.Watermark{Consumer: followupConsumer, LastEventAt: completedAt.Add(-time.Hour)}, nil
		},
		eventsAfterFn: func(_ context.Context, _ repository.Watermark, _ int) ([]domain.StageEvent, error) {
			return []domain.StageEvent{{
				ID:        "event-1",
				ProfileID: "profile-1",
				FromStage: "traveling",
				ToStage:   stageCompleted,
				CreatedAt: completedAt,
			}}, nil
		},
		profileByIDFn: func(_ context.Context, _ string) (*domain.ClientProfile, error) {
			return testProfile(), nil
		},
	}

	var enqueued []*domain.Job
	enqueuer := &fakeEnqueuer{
		enqueueFn: func(_ context.Context, job *domain.Job, _ string) (*domain.Job, bool, error) {
			enqueued = append(enqueued, job)
			return job, true, nil
		},
	}

	s := newTestScheduler(t, stream, enqueuer)
	s.now = func() time.Time { return now }

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}

	// One stage job plus day 1, 7 and 30 follow-ups.
	if len(enqueued) != 4 {
		t.Fatalf("enqueued jobs = %d, want 4", len(enqueued))
	}

	byType := map[string]*domain.Job{}
	for _, job := range enqueued {
		byType[job.NotificationType] = job
	}

	day1 := byType["post_trip_day1"]
	if day1 == nil {
		t.Fatal("missing post_trip_day1 job")
	}
	wantDay1 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if !day1.ScheduledFor.Equal(wantDay1) {
		t.Fatalf("day1 scheduled = %v, want %v", day1.ScheduledFor, wantDay1)
	}
	if day1.IdempotencyKey == nil || *day1.IdempotencyKey != "followup:profile-1:post_trip_day1" {
		t.Fatalf("day1 key = %v", day1.IdempotencyKey)
	}

	day30 := byType["post_trip_day30"]
	if day30 == nil {
		t.Fatal("missing post_trip_day30 job")
	}
	wantDay30 := time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC)
	if !day30.ScheduledFor.Equal(wantDay30) {
		t.Fatalf("day30 scheduled = %v, want %v", day30.ScheduledFor, wantDay30)
	}
}

func TestFollowupTimeClampsBackdatedEvents(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	s := &FollowupScheduler{now: func() time.Time { return now }}

	// Day 1 after an event from two weeks ago is long past; clamp forward.
	backdated := now.AddDate(0, 0, -14)
	got := s.followupTime(backdated, 1)
	want := now.Add(minFollowupLead)
	if !got.Equal(want) {
		t.Fatalf("followupTime() = %v, want clamped to %v", got, want)
	}

	// A future day stays at the send hour.
	got = s.followupTime(now, 7)
	want = time.Date(2026, 3, 22, followupSendHour, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("followupTime() = %v, want %v", got, want)
	}
}

func TestFollowupScanRespectsDisabledRule(t *testing.T) {
	t.Parallel()

	stream := &fakeStreamRepo{
		loadWatermarkFn: func(_ context.Context, _ string) (*repository.Watermark, error) {
			return &repository.Watermark{Consumer: followupConsumer}, nil
		},
		eventsAfterFn: func(_ context.Context, _ repository.Watermark, _ int) ([]domain.StageEvent, error) {
			return []domain.StageEvent{{
				ID:        "event-1",
				ProfileID: "profile-1",
				FromStage: "planning",
				ToStage:   "booked",
				CreatedAt: time.Now().UTC(),
			}}, nil
		},
		ruleForFn: func(_ context.Context, _ *string, stage string) (*domain.NotificationRule, error) {
			if stage != "booked" {
				t.Fatalf("rule lookup stage = %q", stage)
			}
			return &domain.NotificationRule{LifecycleStage: stage, NotifyClient: false}, nil
		},
	}

	enqueuer := &fakeEnqueuer{
		enqueueFn: func(_ context.Context, _ *domain.Job, _ string) (*domain.Job, bool, error) {
			t.Fatal("disabled rule must not enqueue")
			return nil, false, nil
		},
	}

	s := newTestScheduler(t, stream, enqueuer)

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}
}

func TestFollowupScanMissingRuleMeansNotify(t *testing.T) {
	t.Parallel()

	stream := &fakeStreamRepo{
		loadWatermarkFn: func(_ context.Context, _ string) (*repository.Watermark, error) {
			return &repository.Watermark{Consumer: followupConsumer}, nil
		},
		eventsAfterFn: func(_ context.Context, _ repository.Watermark, _ int) ([]domain.StageEvent, error) {
			return []domain.StageEvent{{
				ID:        "event-1",
				ProfileID: "profile-1",
				ToStage:   "booked",
				CreatedAt: time.Now().UTC(),
			}}, nil
		},
		// ruleForFn nil: every lookup misses.
		profileByIDFn: func(_ context.Context, _ string) (*domain.ClientProfile, error) {
			return testProfile(), nil
		},
	}

	enqueuedCount := 0
	enqueuer := &fakeEnqueuer{
		enqueueFn: func(_ context.Context, job *domain.Job, _ string) (*domain.Job, bool, error) {
			enqueuedCount++
			return job, true, nil
		},
	}

	s := newTestScheduler(t, stream, enqueuer)

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if enqueuedCount != 1 {
		t.Fatalf("enqueued = %d, want 1 when no rule exists", enqueuedCount)
	}
}

func TestFollowupScanSkipsUnknownProfile(t *testing.T) {
	t.Parallel()

	stream := &fakeStreamRepo{
		loadWatermarkFn: func(_ context.Context, _ string) (*repository.Watermark, error) {
			return &repository.Watermark{Consumer: followupConsumer}, nil
		},
		eventsAfterFn: func(_ context.Context, _ repository.Watermark, _ int) ([]domain.StageEvent, error) {
			return []domain.StageEvent{{
				ID:        "event-1",
				ProfileID: "ghost",
				ToStage:   "booked",
				CreatedAt: time.Now().UTC(),
			}}, nil
		},
		// profileByIDFn nil: lookup misses.
	}

	enqueuer := &fakeEnqueuer{
		enqueueFn: func(_ context.Context, _ *domain.Job, _ string) (*domain.Job, bool, error) {
			t.Fatal("unknown profile must not enqueue")
			return nil, false, nil
		},
	}

	s := newTestScheduler(t, stream, enqueuer)

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v, unknown profile should be skipped", err)
	}
}

func TestFollowupInitializesWatermarkAtPresent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var initialized *repository.Watermark
	stream := &fakeStreamRepo{
		// loadWatermarkFn nil: first run, no watermark row.
		saveWatermarkFn: func(_ context.Context, mark repository.Watermark) error {
			initialized = &mark
			return nil
		},
		eventsAfterFn: func(_ context.Context, mark repository.Watermark, _ int) ([]domain.StageEvent, error) {
			if !mark.LastEventAt.Equal(now) {
				t.Fatalf("scan starts at %v, want %v", mark.LastEventAt, now)
			}
			return nil, nil
		},
	}

	s := newTestScheduler(t, stream, &fakeEnqueuer{})
	s.now = func() time.Time { return now }

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}

	if initialized == nil {
		t.Fatal("expected initial watermark to be persisted")
	}
	if !strings.EqualFold(initialized.Consumer, followupConsumer) {
		t.Fatalf("consumer = %q", initialized.Consumer)
	}
}
