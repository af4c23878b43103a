package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"reminders/internal/delivery"
	"reminders/internal/types"
)

// DefaultRetentionWindow is how long terminal reminders are kept.
const DefaultRetentionWindow = 30 * 24 * time.Hour

// Archiver uploads a batch of reminders to cold storage and returns the
// object key.
type Archiver interface {
	Archive(ctx context.Context, batch []*types.Reminder, at time.Time) (string, error)
}

// Retention purges terminal reminders created before now - window.
type Retention struct {
	store     types.ReminderStore
	archiver  Archiver // nil if archival not configured
	window    time.Duration
	batchSize int
	metrics   delivery.Metrics
	logger    *slog.Logger
}

// NewRetention creates a Retention. archiver may be nil.
func NewRetention(store types.ReminderStore, archiver Archiver, window time.Duration, batchSize int, metrics delivery.Metrics, logger *slog.Logger) *Retention {
	if window <= 0 {
		window = DefaultRetentionWindow
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if metrics == nil {
		metrics = delivery.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		store:     store,
		archiver:  archiver,
		window:    window,
		batchSize: batchSize,
		metrics:   metrics,
		logger:    logger,
	}
}

// Purge deletes expired terminal reminders and returns how many were removed.
// Scheduled reminders are never touched regardless of age.
//
// With an archiver, each batch is uploaded before it is deleted by ID. An
// upload failure stops the run; the remaining records are retried on the
// next run.
func (r *Retention) Purge(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.window)

	var (
		total int
		err   error
	)
	if r.archiver == nil {
		total, err = r.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("deleting expired reminders: %w", err)
		}
	} else {
		total, err = r.archiveAndPurge(ctx, now, cutoff)
	}

	if total > 0 {
		r.logger.InfoContext(ctx, "purged expired reminders",
			"count", total,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	r.metrics.RecordPurged(ctx, total)
	return total, err
}

func (r *Retention) archiveAndPurge(ctx context.Context, now, cutoff time.Time) (int, error) {
	total := 0
	for {
		batch, err := r.store.ListTerminalBefore(ctx, cutoff, r.batchSize)
		if err != nil {
			return total, fmt.Errorf("listing expired reminders: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		key, err := r.archiver.Archive(ctx, batch, now)
		if err != nil {
			return total, fmt.Errorf("archiving expired reminders: %w", err)
		}

		ids := make([]string, len(batch))
		for i, rem := range batch {
			ids[i] = rem.ID
		}
		deleted, err := r.store.DeleteByIDs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("deleting archived reminders: %w", err)
		}
		total += deleted

		r.logger.InfoContext(ctx, "archived expired reminder batch",
			"batch_size", deleted,
			"s3_key", key,
			"total", total,
		)

		if len(batch) < r.batchSize || deleted == 0 {
			return total, nil
		}
	}
}
