package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/channel"
	"github.com/atlastrips/notify-pipeline/internal/domain"
	"github.com/atlastrips/notify-pipeline/internal/observability"
	"github.com/atlastrips/notify-pipeline/internal/ratelimit"
	"github.com/atlastrips/notify-pipeline/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRetryBudget    = 3
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 60 * time.Second
	maxBackoffJitterMilli = 250
)

// Outcome summarizes one dispatch pass over a job's channel preference.
type Outcome struct {
	Sent           bool
	SentChannel    *domain.Channel
	FailedChannels domain.ChannelList
	// Transient is true when at least one failed channel failed with a
	// retryable error, meaning a later pass could still succeed.
	Transient bool
	LastError string
}

// Dispatcher walks a job's channel preference in order, trying each channel
// with an in-pass retry budget and falling back to the next on failure.
type Dispatcher struct {
	channels    map[domain.Channel]channel.Channel
	attempts    repository.AttemptRepository
	rateLimiter ratelimit.RateLimiter
	logger      *zap.Logger
	metrics     *observability.Metrics

	retryBudget int
	backoffBase time.Duration
	backoffMax  time.Duration

	now      func() time.Time
	randIntn func(n int) int
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Dispatcher)

func WithRetryBudget(budget int) Option {
	return func(d *Dispatcher) {
		if budget > 0 {
			d.retryBudget = budget
		}
	}
}

func WithBackoff(base, max time.Duration) Option {
	return func(d *Dispatcher) {
		if base > 0 {
			d.backoffBase = base
		}
		if max > 0 {
			d.backoffMax = max
		}
	}
}

func NewDispatcher(
	channels []channel.Channel,
	attempts repository.AttemptRepository,
	rateLimiter ratelimit.RateLimiter,
	logger *zap.Logger,
	opts ...Option,
) (*Dispatcher, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if rateLimiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	byKey := make(map[domain.Channel]channel.Channel, len(channels))
	for _, ch := range channels {
		if ch == nil {
			return nil, fmt.Errorf("nil channel in channel list")
		}
		if _, exists := byKey[ch.Key()]; exists {
			return nil, fmt.Errorf("duplicate channel %q", ch.Key())
		}
		byKey[ch.Key()] = ch
	}

	d := &Dispatcher{
		channels:    byKey,
		attempts:    attempts,
		rateLimiter: rateLimiter,
		logger:      logger,
		retryBudget: defaultRetryBudget,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		now:         time.Now,
		randIntn:    rand.Intn,
		sleep:       sleepWithContext,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Dispatch tries each preferred channel in order until one delivers. Every
// settled try lands in the ledger; the job row itself is never touched here.
func (d *Dispatcher) Dispatch(ctx context.Context, job domain.Job) (Outcome, error) {
	outcome := Outcome{}
	passNumber := job.Attempts + 1

	for _, channelKey := range job.ChannelPreference {
		sender, ok := d.channels[channelKey]
		if !ok {
			return outcome, fmt.Errorf("no sender registered for channel %q", channelKey)
		}

		contact, ok := job.Recipient.ContactFor(channelKey)
		if !ok {
			if err := d.recordSkipped(ctx, job.ID, channelKey, passNumber); err != nil {
				return outcome, err
			}
			d.logger.Debug("channel skipped, no contact",
				zap.String("jobId", job.ID),
				zap.String("channel", channelKey.String()),
			)
			continue
		}

		sent, transient, lastErr, err := d.tryChannel(ctx, job, sender, contact, passNumber)
		if err != nil {
			return outcome, err
		}

		if sent {
			key := channelKey
			outcome.Sent = true
			outcome.SentChannel = &key
			return outcome, nil
		}

		outcome.FailedChannels = append(outcome.FailedChannels, channelKey)
		if transient {
			outcome.Transient = true
		}
		if lastErr != "" {
			outcome.LastError = lastErr
		}
	}

	return outcome, nil
}

// tryChannel spends the in-pass retry budget on a single channel. Transient
// failures back off and retry; permanent failures stop immediately.
func (d *Dispatcher) tryChannel(
	ctx context.Context,
	job domain.Job,
	sender channel.Channel,
	contact string,
	passNumber int,
) (sent bool, transient bool, lastErr string, err error) {
	channelName := strings.ToLower(sender.Key().String())

	for try := 1; try <= d.retryBudget; try++ {
		if err := d.rateLimiter.Wait(ctx, channelName); err != nil {
			return false, false, "", fmt.Errorf("rate limiter wait failed: %w", err)
		}

		sendStart := d.now()
		result, sendErr := sender.Send(ctx, job, contact)
		if d.metrics != nil {
			d.metrics.ObserveSendDuration(channelName, d.now().Sub(sendStart))
		}

		if sendErr == nil {
			if err := d.recordSettled(ctx, job.ID, sender.Key(), domain.AttemptStatusSent, passNumber, result, nil); err != nil {
				return false, false, "", err
			}
			if d.metrics != nil {
				d.metrics.IncJobSent(channelName)
			}
			return true, false, "", nil
		}

		lastErr = sendErr.Error()
		isTransient := channel.IsTransient(sendErr)
		hasBudget := try < d.retryBudget

		status := domain.AttemptStatusFailed
		if isTransient && hasBudget {
			status = domain.AttemptStatusRetrying
		}
		if err := d.recordSettled(ctx, job.ID, sender.Key(), status, passNumber, nil, sendErr); err != nil {
			return false, false, "", err
		}

		if !isTransient {
			return false, false, lastErr, nil
		}
		if !hasBudget {
			return false, true, lastErr, nil
		}

		if err := d.sleep(ctx, d.computeBackoff(try)); err != nil {
			return false, true, lastErr, err
		}
	}

	return false, true, lastErr, nil
}

func (d *Dispatcher) computeBackoff(try int) time.Duration {
	if try < 1 {
		try = 1
	}

	delay := d.backoffBase
	for i := 1; i < try; i++ {
		delay *= 2
		if delay >= d.backoffMax {
			delay = d.backoffMax
			break
		}
	}
	if delay > d.backoffMax {
		delay = d.backoffMax
	}

	jitterMillis := 0
	if d.randIntn != nil {
		jitterMillis = d.randIntn(maxBackoffJitterMilli + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func (d *Dispatcher) recordSkipped(ctx context.Context, jobID string, channelKey domain.Channel, passNumber int) error {
	return d.attempts.Create(ctx, &domain.DeliveryAttempt{
		ID:            uuid.NewString(),
		JobID:         jobID,
		Channel:       channelKey,
		Status:        domain.AttemptStatusSkipped,
		AttemptNumber: passNumber,
		CreatedAt:     d.now().UTC(),
	})
}

func (d *Dispatcher) recordSettled(
	ctx context.Context,
	jobID string,
	channelKey domain.Channel,
	status domain.AttemptStatus,
	passNumber int,
	result *channel.SendResult,
	sendErr error,
) error {
	attempt := &domain.DeliveryAttempt{
		ID:            uuid.NewString(),
		JobID:         jobID,
		Channel:       channelKey,
		Status:        status,
		AttemptNumber: passNumber,
		CreatedAt:     d.now().UTC(),
	}

	if result != nil && strings.TrimSpace(result.MessageID) != "" {
		value := result.MessageID
		attempt.ProviderMessageID = &value
	}
	if sendErr != nil {
		value := sendErr.Error()
		attempt.ErrorMessage = &value

		var channelErr *channel.ChannelError
		if errors.As(sendErr, &channelErr) && channelErr.StatusCode > 0 {
			value := fmt.Sprintf("status %d: %s", channelErr.StatusCode, channelErr.Message)
			attempt.ErrorMessage = &value
		}
	}

	return d.attempts.Create(ctx, attempt)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
