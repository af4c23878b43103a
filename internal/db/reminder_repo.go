package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"reminders/internal/types"
)

// reminderColumns is the canonical projection; scanReminder depends on the order.
const reminderColumns = `id, user_id, title, message, delivery_time, timezone,
	method, reminder_metadata, status, created_at`

// Compile-time assertion that ReminderRepository implements types.ReminderStore.
var _ types.ReminderStore = (*ReminderRepository)(nil)

// ReminderRepository provides data access for the reminders table.
// Due-time and retention filters compare timestamptz columns, relying on the
// partial indexes idx_reminders_due and idx_reminders_created.
type ReminderRepository struct {
	db DBTX
}

// NewReminderRepository creates a new ReminderRepository backed by the
// given database connection (pool or transaction).
func NewReminderRepository(db DBTX) *ReminderRepository {
	return &ReminderRepository{db: db}
}

// Insert persists a new reminder. The caller must set the ID.
func (r *ReminderRepository) Insert(ctx context.Context, rem *types.Reminder) error {
	meta, err := json.Marshal(metadataOrEmpty(rem.Metadata))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode reminder metadata", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO reminders (`+reminderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))`,
		rem.ID,
		rem.UserID,
		rem.Title,
		rem.Message,
		rem.DeliveryTime,
		timezoneOrUTC(rem.Timezone),
		string(rem.Channel),
		meta,
		string(rem.Status),
		nilIfZeroTime(rem.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictDuplicate, "reminder already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert reminder", err)
	}
	return nil
}

// Get retrieves a reminder by ID.
func (r *ReminderRepository) Get(ctx context.Context, id string) (*types.Reminder, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = $1`,
		id,
	)
	rem, err := scanReminder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundReminder, "reminder not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get reminder", err)
	}
	return rem, nil
}

// TransitionStatus moves a reminder from one status to another in a single
// conditional UPDATE. It reports false when the stored status was not `from`.
func (r *ReminderRepository) TransitionStatus(ctx context.Context, id string, from, to types.Status) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE reminders SET status = $1 WHERE id = $2 AND status = $3`,
		string(to), id, string(from),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to transition reminder status", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateFields applies a partial update to a scheduled reminder. NULL
// parameters keep the current column value via COALESCE. The status guard is
// part of the UPDATE, so a reminder that turned terminal concurrently is
// never edited.
func (r *ReminderRepository) UpdateFields(ctx context.Context, id string, f types.ReminderFields) (*types.Reminder, error) {
	var meta []byte
	if f.Metadata != nil {
		var err error
		if meta, err = json.Marshal(f.Metadata); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode reminder metadata", err)
		}
	}

	var channel *string
	if f.Channel != nil {
		c := string(*f.Channel)
		channel = &c
	}

	row := r.db.QueryRow(ctx,
		`UPDATE reminders SET
			title = COALESCE($2, title),
			message = COALESCE($3, message),
			delivery_time = COALESCE($4, delivery_time),
			timezone = COALESCE($5, timezone),
			method = COALESCE($6, method),
			reminder_metadata = COALESCE($7, reminder_metadata)
		 WHERE id = $1 AND status = $8
		 RETURNING `+reminderColumns,
		id,
		f.Title,
		f.Message,
		f.DeliveryTime,
		f.Timezone,
		channel,
		meta,
		string(types.StatusScheduled),
	)
	rem, err := scanReminder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.updateMiss(ctx, id)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update reminder", err)
	}
	return rem, nil
}

// updateMiss explains why a guarded UPDATE matched no row: the reminder is
// absent or no longer scheduled.
func (r *ReminderRepository) updateMiss(ctx context.Context, id string) error {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM reminders WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundReminder, "reminder not found", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to read reminder status", err)
	}
	return terminalConflict(types.Status(status))
}

// ListDue returns reminders in `status` whose delivery_time has passed,
// oldest due first.
func (r *ReminderRepository) ListDue(ctx context.Context, status types.Status, upto time.Time) ([]*types.Reminder, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders
		 WHERE status = $1 AND delivery_time <= $2
		 ORDER BY delivery_time`,
		string(status), upto,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due reminders", err)
	}
	return collectReminders(rows)
}

// ListByUser pages through a user's reminders by delivery time.
func (r *ReminderRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*types.Reminder, error) {
	if limit <= 0 {
		limit = types.DefaultListLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders
		 WHERE user_id = $1
		 ORDER BY delivery_time, id
		 LIMIT $2 OFFSET $3`,
		userID, limit, max(offset, 0),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list user reminders", err)
	}
	return collectReminders(rows)
}

// ListTerminalBefore returns terminal reminders created before cutoff.
func (r *ReminderRepository) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.Reminder, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders
		 WHERE status = ANY($1) AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		terminalStatusArgs(), cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired reminders", err)
	}
	return collectReminders(rows)
}

// DeleteOlderThan removes terminal reminders created before cutoff.
func (r *ReminderRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM reminders WHERE status = ANY($1) AND created_at < $2`,
		terminalStatusArgs(), cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired reminders", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteByIDs removes the given terminal reminders.
func (r *ReminderRepository) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM reminders WHERE id = ANY($1) AND status = ANY($2)`,
		ids, terminalStatusArgs(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived reminders", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping verifies the connection with a trivial round trip.
func (r *ReminderRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "database ping failed", err)
	}
	return nil
}

func collectReminders(rows pgx.Rows) ([]*types.Reminder, error) {
	defer rows.Close()

	var out []*types.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan reminder row", err)
		}
		out = append(out, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating reminder rows", err)
	}
	return out, nil
}

func scanReminder(row rowScanner) (*types.Reminder, error) {
	var (
		rem     types.Reminder
		channel string
		status  string
		meta    []byte
	)
	if err := row.Scan(
		&rem.ID,
		&rem.UserID,
		&rem.Title,
		&rem.Message,
		&rem.DeliveryTime,
		&rem.Timezone,
		&channel,
		&meta,
		&status,
		&rem.CreatedAt,
	); err != nil {
		return nil, err
	}
	rem.Channel = types.Channel(channel)
	rem.Status = types.Status(status)
	rem.DeliveryTime = rem.DeliveryTime.UTC()
	rem.CreatedAt = rem.CreatedAt.UTC()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rem.Metadata); err != nil {
			return nil, fmt.Errorf("decoding reminder_metadata: %w", err)
		}
	}
	return &rem, nil
}

func terminalStatusArgs() []string {
	out := make([]string, len(types.TerminalStatuses))
	for i, s := range types.TerminalStatuses {
		out[i] = string(s)
	}
	return out
}

func metadataOrEmpty(m types.Metadata) types.Metadata {
	if m == nil {
		return types.Metadata{}
	}
	return m
}

func timezoneOrUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}
