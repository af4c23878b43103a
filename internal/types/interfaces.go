package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout the service.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// ReminderStore is the durable store contract consumed by the scheduling
// core. Every operation touches a single record or is a filtered scan; no
// multi-record transactions are required.
type ReminderStore interface {
	// Insert persists a new reminder. The caller assigns the ID.
	Insert(ctx context.Context, r *Reminder) error

	// Get returns the reminder or an ErrCodeNotFoundReminder AppError.
	Get(ctx context.Context, id string) (*Reminder, error)

	// TransitionStatus sets status to `to` only when the stored status is
	// `from`. Returns false when the record was not in `from` (or is absent).
	TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// UpdateFields applies a partial update to a scheduled reminder and
	// returns the updated record. A reminder in any other status is left
	// untouched and conflict_reminder_terminal is returned.
	UpdateFields(ctx context.Context, id string, fields ReminderFields) (*Reminder, error)

	// ListDue returns reminders in the given status with DeliveryTime <= upto.
	ListDue(ctx context.Context, status Status, upto time.Time) ([]*Reminder, error)

	// ListByUser returns one page of a user's reminders in any status,
	// ordered by delivery_time then id. A non-positive limit means
	// DefaultListLimit.
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Reminder, error)

	// ListTerminalBefore returns up to limit terminal reminders created
	// before cutoff, oldest first.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Reminder, error)

	// DeleteOlderThan removes terminal reminders created before cutoff and
	// returns the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteByIDs removes the listed reminders that are terminal. Scheduled
	// records in ids are left in place.
	DeleteByIDs(ctx context.Context, ids []string) (int, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
}
