package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reminders/internal/types"
)

// Outcome is the result of one Deliver call.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// terminalWriteTimeout bounds the status write, which runs detached from
// the caller's cancellation.
const terminalWriteTimeout = 5 * time.Second

// Config tunes the pipeline.
type Config struct {
	Policy      RetryPolicy
	SendTimeout time.Duration
}

// DefaultConfig matches the service defaults.
func DefaultConfig() Config {
	return Config{Policy: DefaultRetryPolicy, SendTimeout: 20 * time.Second}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSleeper replaces the wait between attempts (tests).
func WithSleeper(s Sleeper) Option { return func(p *Pipeline) { p.sleep = s } }

// WithDestinationResolver replaces MetadataDestination.
func WithDestinationResolver(r DestinationResolver) Option {
	return func(p *Pipeline) { p.resolve = r }
}

// WithMetrics sets the metrics sink. Defaults to NopMetrics.
func WithMetrics(m Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithClock sets the clock used for latency measurement.
func WithClock(c types.Clock) Option { return func(p *Pipeline) { p.clock = c } }

// Pipeline delivers due reminders. A reminder is never delivered twice by
// the same process at once, and its terminal status is written with a
// conditional scheduled -> sent|failed transition so an earlier terminal
// state always wins.
type Pipeline struct {
	store   types.ReminderStore
	senders map[types.Channel]Sender
	cfg     Config
	resolve DestinationResolver
	sleep   Sleeper
	metrics Metrics
	clock   types.Clock
	logger  types.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewPipeline creates a Pipeline. senders is copied; channels absent from it
// fail immediately.
func NewPipeline(store types.ReminderStore, senders map[types.Channel]Sender, cfg Config, logger types.Logger, opts ...Option) *Pipeline {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultRetryPolicy
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}

	table := make(map[types.Channel]Sender, len(senders))
	for ch, s := range senders {
		table[ch] = s
	}

	p := &Pipeline{
		store:    store,
		senders:  table,
		cfg:      cfg,
		resolve:  MetadataDestination,
		sleep:    ContextSleep,
		metrics:  NopMetrics{},
		clock:    types.RealClock{},
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Deliver runs the attempt sequence for one reminder.
//
// Skipped means nothing was sent: another delivery of the same id is running
// in this process, the record is gone, or it is no longer scheduled. A
// cancelled ctx between attempts also yields Skipped and leaves the record
// scheduled for the reconciliation sweep. The error is non-nil only for
// store failures.
func (p *Pipeline) Deliver(ctx context.Context, id string) (Outcome, error) {
	if !p.acquire(id) {
		p.logger.Info("delivery already in flight", "reminder_id", id)
		return OutcomeSkipped, nil
	}
	defer p.release(id)

	rem, err := p.store.Get(ctx, id)
	if err != nil {
		if types.IsNotFound(err) {
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, fmt.Errorf("loading reminder %s: %w", id, err)
	}
	if rem.Status != types.StatusScheduled {
		return OutcomeSkipped, nil
	}

	log := p.logger.With("reminder_id", id, "channel", string(rem.Channel))
	start := p.clock.Now()

	sendErr := p.send(ctx, rem, log)
	if sendErr != nil && ctx.Err() != nil && !IsPermanent(sendErr) {
		log.Warn("delivery interrupted; leaving reminder scheduled", "error", sendErr.Error())
		return OutcomeSkipped, nil
	}

	outcome, next := OutcomeSent, types.StatusSent
	if sendErr != nil {
		outcome, next = OutcomeFailed, types.StatusFailed
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	applied, err := p.store.TransitionStatus(wctx, id, types.StatusScheduled, next)
	if err != nil {
		log.Error("failed to record delivery outcome", "outcome", string(outcome), "error", err.Error())
		return outcome, fmt.Errorf("recording %s for reminder %s: %w", next, id, err)
	}
	if !applied {
		log.Warn("reminder left scheduled state during delivery; outcome not recorded", "outcome", string(outcome))
	}

	if sendErr != nil {
		log.Error("reminder delivery failed", "error", sendErr.Error())
	} else {
		log.Info("reminder delivered")
	}

	p.metrics.RecordDelivery(wctx, rem.Channel, outcome)
	p.metrics.RecordLatency(wctx, rem.Channel, p.clock.Now().Sub(start))
	return outcome, nil
}

// send dispatches by channel and retries transient failures.
func (p *Pipeline) send(ctx context.Context, rem *types.Reminder, log types.Logger) error {
	sender, ok := p.senders[rem.Channel]
	if !ok {
		return types.NewAppError(
			types.ErrCodeValidationInvalidChannel,
			fmt.Sprintf("no sender configured for channel %q", rem.Channel),
			nil,
		)
	}

	to, err := p.resolve(rem)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.Policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, CalculateNextRetry(p.cfg.Policy, attempt-1)); err != nil {
				return lastErr
			}
		}

		// Provider calls are not aborted by shutdown; only SendTimeout bounds them.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SendTimeout)
		msgID, err := sender.Send(sctx, rem, to)
		cancel()

		if err == nil {
			log.Info("provider accepted reminder", "attempt", attempt+1, "provider_msg_id", msgID)
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			log.Warn("permanent delivery error", "attempt", attempt+1, "error", err.Error())
			return err
		}
		log.Warn("transient delivery error", "attempt", attempt+1, "error", err.Error())
	}
	return lastErr
}

func (p *Pipeline) acquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// InFlight returns the number of deliveries currently running.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}
