package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"reminders/internal/delivery"
	"reminders/internal/types"
)

// Config tunes the scheduling service.
type Config struct {
	ReconcileInterval time.Duration
	RetentionSchedule string
	RetentionWindow   time.Duration
	RetentionBatch    int
	Workers           int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 60 * time.Second,
		RetentionSchedule: "0 0 * * *",
		RetentionWindow:   DefaultRetentionWindow,
		RetentionBatch:    500,
		Workers:           8,
	}
}

// Deps are the collaborators of the scheduling service.
type Deps struct {
	Store     types.ReminderStore
	Deliverer Deliverer
	Archiver  Archiver // optional
	Metrics   delivery.Metrics
	Clock     types.Clock
	Logger    *slog.Logger
}

// Stats is a point-in-time view of the service for the ops endpoint.
type Stats struct {
	Running       bool        `json:"running"`
	PendingTimers int         `json:"pending_timers"`
	LastSweepAt   time.Time   `json:"last_sweep_at,omitzero"`
	LastSweep     SweepResult `json:"last_sweep"`
	LastPurgeAt   time.Time   `json:"last_purge_at,omitzero"`
	LastPurged    int         `json:"last_purged"`
}

// Service owns the timer registry and the two periodic jobs. Timer-fired
// and sweep-driven deliveries share one concurrency bound.
type Service struct {
	cfg        Config
	store      types.ReminderStore
	deliverer  Deliverer
	registry   *TimerRegistry
	reconciler *Reconciler
	retention  *Retention
	cron       *cron.Cron
	sem        *semaphore.Weighted
	clock      types.Clock
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopped bool
	stats   Stats
}

// NewService wires the registry, reconciler and retention jobs. It fails if
// the retention schedule does not parse.
func NewService(cfg Config, deps Deps) (*Service, error) {
	def := DefaultConfig()
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = def.RetentionSchedule
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = delivery.NopMetrics{}
	}

	logger := deps.Logger.With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		deliverer: deps.Deliverer,
		registry:  NewTimerRegistry(logger),
		sem:       semaphore.NewWeighted(cfg.Workers),
		clock:     deps.Clock,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.reconciler = NewReconciler(deps.Store, gatedDeliverer{s}, int(cfg.Workers), deps.Metrics, logger)
	s.retention = NewRetention(deps.Store, deps.Archiver, cfg.RetentionWindow, cfg.RetentionBatch, deps.Metrics, logger)

	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", cfg.ReconcileInterval), s.runSweep); err != nil {
		cancel()
		return nil, fmt.Errorf("registering reconcile job: %w", err)
	}
	if _, err := s.cron.AddFunc(cfg.RetentionSchedule, s.runRetention); err != nil {
		cancel()
		return nil, fmt.Errorf("registering retention job %q: %w", cfg.RetentionSchedule, err)
	}
	return s, nil
}

// Start launches the periodic jobs and runs one sweep immediately so
// reminders that fell due while the process was down are delivered.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	s.cron.Start()
	go func() {
		defer s.wg.Done()
		s.runSweep()
	}()
	s.logger.Info("scheduler started",
		"reconcile_interval", s.cfg.ReconcileInterval.String(),
		"retention_schedule", s.cfg.RetentionSchedule,
		"workers", s.cfg.Workers,
	)
}

// Stop halts the periodic jobs, drops pending timers and waits for running
// deliveries until ctx expires. Deliveries interrupted between attempts
// leave their reminders scheduled for the next sweep.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.running = false
	s.mu.Unlock()

	dropped := s.registry.Close()
	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped", "dropped_timers", dropped)
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with deliveries still running")
		return ctx.Err()
	}
}

// ScheduleReminder arms a timer for a scheduled reminder. Registration
// failures are logged; the sweep delivers the reminder instead.
func (s *Service) ScheduleReminder(r *types.Reminder) bool {
	if r.Status != types.StatusScheduled {
		return false
	}
	ok := s.registry.Schedule(r.ID, r.DeliveryTime, s.onTimer)
	if !ok {
		s.logger.Info("timer not armed; sweep will cover it", "reminder_id", r.ID)
	}
	return ok
}

// CancelReminder drops the pending timer for id, if any.
func (s *Service) CancelReminder(id string) bool {
	return s.registry.Cancel(id)
}

// Sweep runs one reconciliation pass and arms timers for reminders due
// before the next pass.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	res, err := s.reconciler.Sweep(ctx, now)
	if err != nil {
		return res, err
	}

	s.mu.Lock()
	s.stats.LastSweepAt = now
	s.stats.LastSweep = res
	s.mu.Unlock()

	if err := s.armUpcoming(ctx, now); err != nil {
		s.logger.WarnContext(ctx, "failed to arm upcoming timers", "error", err)
	}
	return res, nil
}

// Purge runs one retention pass.
func (s *Service) Purge(ctx context.Context) (int, error) {
	now := s.clock.Now()
	n, err := s.retention.Purge(ctx, now)

	s.mu.Lock()
	s.stats.LastPurgeAt = now
	s.stats.LastPurged = n
	s.mu.Unlock()
	return n, err
}

// Stats returns a snapshot for observability.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	st.Running = s.running
	s.mu.Unlock()
	st.PendingTimers = s.registry.Len()
	return st
}

// Registry exposes the timer registry for inspection.
func (s *Service) Registry() *TimerRegistry { return s.registry }

// armUpcoming registers timers for scheduled reminders due within the next
// interval. Existing timers are left alone.
func (s *Service) armUpcoming(ctx context.Context, now time.Time) error {
	upcoming, err := s.store.ListDue(ctx, types.StatusScheduled, now.Add(s.cfg.ReconcileInterval))
	if err != nil {
		return err
	}
	for _, r := range upcoming {
		// Overdue records belong to the sweep.
		if !r.Overdue(now) {
			s.registry.Schedule(r.ID, r.DeliveryTime, s.onTimer)
		}
	}
	return nil
}

func (s *Service) runSweep() {
	if _, err := s.Sweep(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("reconciliation sweep failed", "error", err)
	}
}

func (s *Service) runRetention() {
	if _, err := s.Purge(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("retention purge failed", "error", err)
	}
}

func (s *Service) onTimer(id string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	outcome, err := s.deliver(s.ctx, id)
	if err != nil {
		s.logger.Error("timer delivery failed", "reminder_id", id, "error", err)
		return
	}
	s.logger.Debug("timer delivery finished", "reminder_id", id, "outcome", string(outcome))
}

// deliver runs one delivery under the shared worker bound.
func (s *Service) deliver(ctx context.Context, id string) (delivery.Outcome, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return delivery.OutcomeSkipped, nil
	}
	defer s.sem.Release(1)
	return s.deliverer.Deliver(ctx, id)
}

type gatedDeliverer struct{ s *Service }

func (g gatedDeliverer) Deliver(ctx context.Context, id string) (delivery.Outcome, error) {
	return g.s.deliver(ctx, id)
}
