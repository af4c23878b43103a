package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"reminders/internal/types"
)

var _ types.ReminderStore = (*MemoryStore)(nil)

// MemoryStore is an in-process ReminderStore. Records are cloned on the way
// in and out so callers never share state with the map.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*types.Reminder
	now  func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*types.Reminder),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Insert(_ context.Context, rem *types.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[rem.ID]; ok {
		return types.NewAppError(types.ErrCodeConflictDuplicate, "reminder already exists", nil)
	}
	c := rem.Clone()
	c.DeliveryTime = types.NormalizeUTC(c.DeliveryTime)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.CreatedAt = types.NormalizeUTC(c.CreatedAt)
	c.Timezone = timezoneOrUTC(c.Timezone)
	if c.Metadata == nil {
		c.Metadata = types.Metadata{}
	}
	s.rows[c.ID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundReminder, "reminder not found", nil)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, id string, from, to types.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	return true, nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, id string, f types.ReminderFields) (*types.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundReminder, "reminder not found", nil)
	}
	if r.Status != types.StatusScheduled {
		return nil, terminalConflict(r.Status)
	}
	f.Apply(r)
	r.DeliveryTime = types.NormalizeUTC(r.DeliveryTime)
	return r.Clone(), nil
}

func (s *MemoryStore) ListDue(_ context.Context, status types.Status, upto time.Time) ([]*types.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Reminder
	for _, r := range s.rows {
		if r.Status == status && !r.DeliveryTime.After(upto) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeliveryTime.Before(out[j].DeliveryTime)
	})
	return out, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit, offset int) ([]*types.Reminder, error) {
	if limit <= 0 {
		limit = types.DefaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Reminder
	for _, r := range s.rows {
		if r.UserID == userID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeliveryTime.Equal(out[j].DeliveryTime) {
			return out[i].DeliveryTime.Before(out[j].DeliveryTime)
		}
		return out[i].ID < out[j].ID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[max(offset, 0):]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]*types.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Reminder
	for _, r := range s.rows {
		if r.Status.IsTerminal() && r.CreatedAt.Before(cutoff) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.rows {
		if r.Status.IsTerminal() && r.CreatedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteByIDs(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r, ok := s.rows[id]; ok && r.Status.IsTerminal() {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored reminders.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
