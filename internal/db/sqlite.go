package db

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"reminders/internal/types"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

var _ types.ReminderStore = (*SQLiteStore)(nil)

// SQLiteConfig configures the single-file store.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLiteStore is a ReminderStore over a local SQLite file. Times are kept as
// UTC unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at cfg.Path and applies the schema.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// Single writer; also keeps :memory: databases on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, rem *types.Reminder) error {
	meta, err := json.Marshal(metadataOrEmpty(rem.Metadata))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode reminder metadata", err)
	}
	created := rem.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, user_id, title, message, delivery_time, timezone,
			method, reminder_metadata, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rem.ID,
		rem.UserID,
		rem.Title,
		rem.Message,
		toMicros(rem.DeliveryTime),
		timezoneOrUTC(rem.Timezone),
		string(rem.Channel),
		string(meta),
		string(rem.Status),
		toMicros(created),
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return types.NewAppError(types.ErrCodeConflictDuplicate, "reminder already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert reminder", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	rem, err := scanSQLiteReminder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundReminder, "reminder not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get reminder", err)
	}
	return rem, nil
}

func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from, to types.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to transition reminder status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to read affected rows", err)
	}
	return n == 1, nil
}

// UpdateFields builds the SET clause from the non-nil fields. Only scheduled
// reminders are updated.
func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, f types.ReminderFields) (*types.Reminder, error) {
	var (
		set  []string
		args []any
	)
	if f.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *f.Title)
	}
	if f.Message != nil {
		set = append(set, "message = ?")
		args = append(args, *f.Message)
	}
	if f.DeliveryTime != nil {
		set = append(set, "delivery_time = ?")
		args = append(args, toMicros(*f.DeliveryTime))
	}
	if f.Timezone != nil {
		set = append(set, "timezone = ?")
		args = append(args, *f.Timezone)
	}
	if f.Channel != nil {
		set = append(set, "method = ?")
		args = append(args, string(*f.Channel))
	}
	if f.Metadata != nil {
		meta, err := json.Marshal(f.Metadata)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode reminder metadata", err)
		}
		set = append(set, "reminder_metadata = ?")
		args = append(args, string(meta))
	}
	if len(set) == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status != types.StatusScheduled {
			return nil, terminalConflict(current.Status)
		}
		return current, nil
	}

	args = append(args, id, string(types.StatusScheduled))
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update reminder", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, terminalConflict(current.Status)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) ListDue(ctx context.Context, status types.Status, upto time.Time) ([]*types.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders
		 WHERE status = ? AND delivery_time <= ?
		 ORDER BY delivery_time`,
		string(status), toMicros(upto))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due reminders", err)
	}
	return collectSQLiteReminders(rows)
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*types.Reminder, error) {
	if limit <= 0 {
		limit = types.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders
		 WHERE user_id = ?
		 ORDER BY delivery_time, id
		 LIMIT ? OFFSET ?`,
		userID, limit, max(offset, 0))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list user reminders", err)
	}
	return collectSQLiteReminders(rows)
}

func (s *SQLiteStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.Reminder, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders
		 WHERE status <> ? AND created_at < ?
		 ORDER BY created_at
		 LIMIT ?`,
		string(types.StatusScheduled), toMicros(cutoff), limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired reminders", err)
	}
	return collectSQLiteReminders(rows)
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE status <> ? AND created_at < ?`,
		string(types.StatusScheduled), toMicros(cutoff))
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired reminders", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(types.StatusScheduled))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE status <> ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived reminders", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "database ping failed", err)
	}
	return nil
}

func collectSQLiteReminders(rows *sql.Rows) ([]*types.Reminder, error) {
	defer rows.Close()

	var out []*types.Reminder
	for rows.Next() {
		rem, err := scanSQLiteReminder(rows)
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

func scanSQLiteReminder(row rowScanner) (*types.Reminder, error) {
	var (
		rem              types.Reminder
		channel, status  string
		meta             string
		due, createdAtUs int64
	)
	if err := row.Scan(
		&rem.ID,
		&rem.UserID,
		&rem.Title,
		&rem.Message,
		&due,
		&rem.Timezone,
		&channel,
		&meta,
		&status,
		&createdAtUs,
	); err != nil {
		return nil, err
	}
	rem.Channel = types.Channel(channel)
	rem.Status = types.Status(status)
	rem.DeliveryTime = time.UnixMicro(due).UTC()
	rem.CreatedAt = time.UnixMicro(createdAtUs).UTC()
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &rem.Metadata); err != nil {
			return nil, fmt.Errorf("decoding reminder_metadata: %w", err)
		}
	}
	return &rem, nil
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// isSQLiteConstraint matches primary key and unique violations by message;
// the driver's typed error lives in a separate lib package.
func isSQLiteConstraint(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY")
}
