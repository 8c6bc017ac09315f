package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/channel"
	"github.com/atlastrips/notify-pipeline/internal/domain"
)

type fakeChannel struct {
	key    domain.Channel
	sendFn func(ctx context.Context, job domain.Job, contact string) (*channel.SendResult, error)
}

func (f *fakeChannel) Key() domain.Channel {
	return f.key
}

func (f *fakeChannel) Send(ctx context.Context, job domain.Job, contact string) (*channel.SendResult, error) {
	return f.sendFn(ctx, job, contact)
}

type fakeAttemptRepo struct {
	created []domain.DeliveryAttempt
}

func (f *fakeAttemptRepo) Create(_ context.Context, attempt *domain.DeliveryAttempt) error {
	f.created = append(f.created, *attempt)
	return nil
}

func (f *fakeAttemptRepo) ListByJob(_ context.Context, jobID string) ([]domain.DeliveryAttempt, error) {
	var out []domain.DeliveryAttempt
	for _, a := range f.created {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeRateLimiter struct {
	waitCalls int
}

func (f *fakeRateLimiter) Allow(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(_ context.Context, _ string) error {
	f.waitCalls++
	return nil
}

func strPtr(s string) *string {
	return &s
}

func testJob(channels ...domain.Channel) domain.Job {
	return domain.Job{
		ID:               "c2b7a3de-58af-4f6f-9d15-0a70c1a1b001",
		NotificationType: "booking_confirmed",
		Recipient: domain.Recipient{
			Phone:     strPtr("+15551230001"),
			Email:     strPtr("client@example.com"),
			PushToken: strPtr("push-token-1"),
		},
		Payload:           map[string]any{"message": "hello"},
		ChannelPreference: channels,
		Attempts:          0,
	}
}

func newTestDispatcher(t *testing.T, attempts *fakeAttemptRepo, channels ...channel.Channel) *Dispatcher {
	t.Helper()

	d, err := NewDispatcher(channels, attempts, &fakeRateLimiter{}, nil, WithRetryBudget(3))
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.sleep = func(_ context.Context, _ time.Duration) error { return nil }
	d.randIntn = func(_ int) int { return 0 }
	return d
}

func TestDispatcherFirstChannelSucceeds(t *testing.T) {
	t.Parallel()

	attempts := &fakeAttemptRepo{}
	chat := &fakeChannel{
		key: domain.ChannelChat,
		sendFn: func(_ context.Context, _ domain.Job, _ string) (*channel.SendResult, error) {
			return &channel.SendResult{StatusCode: 200, MessageID: "msg-1"}, nil
		},
	}
	email := &fakeChannel{
		key: domain.ChannelEmail,
		sendFn: func(_ context.Context, _ domain.Job, _ string) (*channel.SendResult, error) {
			t.Fatal("email should not be tried when chat succeeds")
			return nil, nil
		},
	}

	d := newTestDispatcher(t, attempts, chat, email)

	outcome, err := d.Dispatch(context.Background(), testJob(domain.ChannelChat, domain.ChannelEmail))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if !outcome.Sent {
		t.Fatal("outcome.Sent = false, want true")
	}
	if outcome.SentChannel == nil || *outcome.SentChannel != domain.ChannelChat {
		t.Fatalf("SentChannel = %v, want CHAT", outcome.SentChannel)
	}

	if len(attempts.created) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(attempts.created))
	}
	row := attempts.created[0]
	if row.Status != domain.AttemptStatusSent {
		t.Fatalf("ledger status = %s, want SENT", row.Status)
	}
	if row.ProviderMessageID == nil || *row.ProviderMessageID != "msg-1" {
		t.Fatalf("ProviderMessageID = %v, want msg-1", row.ProviderMessageID)
	}
	if row.AttemptNumber != 1 {
		t.Fatalf("AttemptNumber = %d, want 1", row.AttemptNumber)
	}
}

func TestDispatcherSkipsChannelWithoutContact(t *testing.T) {
	t.Parallel()

	attempts := &fakeAttemptRepo{}
	chat := &fakeChannel{
		key: domain.ChannelChat,
		sendFn: func(_ context.Context, _ domain.Job, _ string) (*channel.SendResult, error) {
			t.Fatal("chat should be skipped without a phone")
			return nil, nil
		},
	}
	email := &fakeChannel{
		key: domain.ChannelEmail,
		sendFn: func(_ context.Context, _ domain.Job, _ string) (*channel.SendResult, error) {
			return &channel.SendResult{StatusCode: 200}, nil
		},
	}

	d := newTestDispatcher(t, attempts, chat, email)

	job := testJob(domain.ChannelChat, domain.ChannelEmail)
	job.Recipient.Phone = nil

	outcome, err := d.Dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if !outcome.Sent {
		t.Fatal("outcome.Sent = false, want true via email fallback")
	}

	if len(attempts.created) != 2 {
		t.Fatalf("ledger rows = %d, want 2", len(attempts.created))
	}
	if attempts.created[0].Status != domain.AttemptStatusSkipped {
		t.Fatalf("first row status = %s, want SKIPPED", attempts.created[0].Status)
	}
	if attempts.created[0].Channel != domain.ChannelChat {
		t.Fatalf("first row channel = %s, want CHAT", attempts.created[0].Channel)
	}
	if attempts.created[1].Status != domain.AttemptStatusSent {
		t.Fatalf("second row status = %s, want SENT", attempts.created[1].Status)
	}
}

func TestDispatcherPermanentFailureFallsBack(t *testing.T) {
	t.Parallel()

	attempts := &fakeAttemptRepo{}
	chatCalls := 0
	chat := &fakeChannel{
		key: domain.ChannelChat,
		sendFn: func(_ context.Context, _ domain.Job, _ string) (*channel.SendResult, error) {
			chatCalls++
			return nil, &channel.ChannelError{StatusCode: 400, Message: "invalid number", Transient: false}
		},
	}
	email := &fakeChannel{
		key: domain.ChannelEmail,
		sendFn: func(_ context.Context, _ domain.Job, _ string) (*channel.SendResult, error) {
			return &channel.SendResult{StatusCode: 200}, nil
		},
	}

	d := newTestDispatcher(t, attempts, chat, email)

	outcome, err := d.Dispatch(context.Background(), testJob(domain.ChannelChat, domain.ChannelEmail))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if chatCalls != 1 {
		t.Fatalf("chat calls = %d, want 1 (no retry on permanent error)", chatCalls)
	}
	if !outcome.Sent {
		t.Fatal("outcome.Sent = false, want true via email fallback")
	}
	if len(outcome.FailedChannels) != 1 || outcome.FailedChannels[0] != domain.ChannelChat {
		t.Fatalf("FailedChannels = %v, want [CHAT]", outcome.FailedChannels)
	}
	if attempts.created[0].Status != domain.AttemptStatusFailed {
		t.Fatalf("first row status = %s, want FAILED", attempts.created[0].Status)
	}
}

func TestDispatcherTransientFailureSpendsBudget(t *testing.T) {
	t.Parallel()

	attempts := &fakeAttemptRepo{}
	chatCalls := 0
	chat := &fakeChannel{
		key: domain.ChannelChat,
		sendFn: func(_ context.Context, _ domain.Job, _ string) (*channel.SendResult, error) {
			chatCalls++
			return nil, &channel.ChannelError{StatusCode: 503, Message: "gateway down", Transient: true}
		},
	}

	d := newTestDispatcher(t, attempts, chat)

	outcome, err := d.Dispatch(context.Background(), testJob(domain.ChannelChat))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if chatCalls != 3 {
		t.Fatalf("chat calls = %d, want 3 (full retry budget)", chatCalls)
	}
	if outcome.Sent {
		t.Fatal("outcome.Sent = true, want false")
	}
	if !outcome.Transient {
		t.Fatal("outcome.Transient = false, want true")
	}

	wantStatuses := []domain.AttemptStatus{
		domain.AttemptStatusRetrying,
		domain.AttemptStatusRetrying,
		domain.AttemptStatusFailed,
	}
	if len(attempts.created) != len(wantStatuses) {
		t.Fatalf("ledger rows = %d, want %d", len(attempts.created), len(wantStatuses))
	}
	for i, want := range wantStatuses {
		if attempts.created[i].Status != want {
			t.Fatalf("row %d status = %s, want %s", i, attempts.created[i].Status, want)
		}
	}
}

func TestDispatcherAllChannelsExhausted(t *testing.T) {
	t.Parallel()

	attempts := &fakeAttemptRepo{}
	chat := &fakeChannel{
		key: domain.ChannelChat,
		sendFn: func(_ context.Context, _ domain.Job, _ string) (*channel.SendResult, error) {
			return nil, &channel.ChannelError{StatusCode: 400, Message: "bad request", Transient: false}
		},
	}
	email := &fakeChannel{
		key: domain.ChannelEmail,
		sendFn: func(_ context.Context, _ domain.Job, _ string) (*channel.SendResult, error) {
			return nil, &channel.ChannelError{StatusCode: 500, Message: "relay down", Transient: true}
		},
	}

	d := newTestDispatcher(t, attempts, chat, email)

	outcome, err := d.Dispatch(context.Background(), testJob(domain.ChannelChat, domain.ChannelEmail))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if outcome.Sent {
		t.Fatal("outcome.Sent = true, want false")
	}
	if len(outcome.FailedChannels) != 2 {
		t.Fatalf("FailedChannels = %v, want both channels", outcome.FailedChannels)
	}
	if !outcome.Transient {
		t.Fatal("outcome.Transient = false, want true when any channel failed transiently")
	}
	if outcome.LastError == "" {
		t.Fatal("LastError should carry the final failure message")
	}
}

func TestDispatcherBackoffGrowth(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{
		backoffBase: time.Second,
		backoffMax:  60 * time.Second,
		randIntn:    func(_ int) int { return 0 },
	}

	testCases := []struct {
		try  int
		want time.Duration
	}{
		{try: 1, want: time.Second},
		{try: 2, want: 2 * time.Second},
		{try: 3, want: 4 * time.Second},
		{try: 10, want: 60 * time.Second},
	}

	for _, tc := range testCases {
		if got := d.computeBackoff(tc.try); got != tc.want {
			t.Fatalf("computeBackoff(%d) = %v, want %v", tc.try, got, tc.want)
		}
	}
}
