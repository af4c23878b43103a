package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reminders/internal/delivery"
	"reminders/internal/types"
)

// Deliverer runs delivery for a single reminder.
type Deliverer interface {
	Deliver(ctx context.Context, id string) (delivery.Outcome, error)
}

// SweepResult summarizes one reconciliation sweep.
type SweepResult struct {
	Found   int
	Sent    int
	Failed  int
	Skipped int
	Errors  int
}

func (r *SweepResult) add(outcome delivery.Outcome, err error) {
	if err != nil {
		r.Errors++
	}
	switch outcome {
	case delivery.OutcomeSent:
		r.Sent++
	case delivery.OutcomeFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// Reconciler re-drives scheduled reminders whose due instant has passed,
// covering timers lost to restarts or failed registration.
type Reconciler struct {
	store     types.ReminderStore
	deliverer Deliverer
	workers   int
	metrics   delivery.Metrics
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler. workers bounds concurrent deliveries
// within one sweep.
func NewReconciler(store types.ReminderStore, d Deliverer, workers int, metrics delivery.Metrics, logger *slog.Logger) *Reconciler {
	if workers <= 0 {
		workers = 1
	}
	if metrics == nil {
		metrics = delivery.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, deliverer: d, workers: workers, metrics: metrics, logger: logger}
}

// Sweep delivers every scheduled reminder due at or before now. Per-record
// errors are logged and counted and never abort the sweep. When ctx is
// cancelled no further deliveries are started; the rest wait for the next
// sweep.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	due, err := r.store.ListDue(ctx, types.StatusScheduled, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("listing due reminders: %w", err)
	}

	result := SweepResult{Found: len(due)}
	r.metrics.RecordBacklog(ctx, len(due))
	if len(due) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.workers)

	for _, rem := range due {
		if ctx.Err() != nil {
			break
		}
		id := rem.ID
		g.Go(func() error {
			outcome, err := r.deliverer.Deliver(ctx, id)
			if err != nil {
				r.logger.ErrorContext(ctx, "sweep delivery failed",
					"reminder_id", id,
					"error", err,
				)
			}
			mu.Lock()
			result.add(outcome, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.logger.InfoContext(ctx, "reconciliation sweep complete",
		"found", result.Found,
		"sent", result.Sent,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"errors", result.Errors,
	)
	return result, nil
}
