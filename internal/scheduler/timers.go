// Package scheduler owns the in-process timers that fire reminders at their
// due instant and the periodic jobs that back them up: the reconciliation
// sweep for missed deliveries and the daily retention purge.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// TimerFunc is invoked once when a timer fires.
type TimerFunc func(id string)

type timerEntry struct {
	timer *time.Timer
	due   time.Time
}

// TimerRegistry maps reminder IDs to one-shot timers. Registrations are
// process-local and never persisted.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[string]*timerEntry
	closed bool
	now    func() time.Time
	logger *slog.Logger
}

// NewTimerRegistry creates an empty registry.
func NewTimerRegistry(logger *slog.Logger) *TimerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerRegistry{
		timers: make(map[string]*timerEntry),
		now:    time.Now,
		logger: logger,
	}
}

// Schedule arms a timer that calls fn(id) at due. A due instant in the past
// fires immediately. Returns false if id already has a pending timer (the
// first registration wins) or the registry is closed.
func (r *TimerRegistry) Schedule(id string, due time.Time, fn TimerFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.logger.Warn("timer registry closed; registration refused", "reminder_id", id)
		return false
	}
	if _, exists := r.timers[id]; exists {
		return false
	}

	entry := &timerEntry{due: due}
	delay := max(due.Sub(r.now()), 0)
	entry.timer = time.AfterFunc(delay, func() { r.fire(id, entry, fn) })
	r.timers[id] = entry
	return true
}

// fire removes the entry before running the callback so a concurrent Cancel
// becomes a no-op. A stale entry (cancelled and re-registered) does nothing.
func (r *TimerRegistry) fire(id string, entry *timerEntry, fn TimerFunc) {
	r.mu.Lock()
	current, ok := r.timers[id]
	if !ok || current != entry {
		r.mu.Unlock()
		return
	}
	delete(r.timers, id)
	r.mu.Unlock()

	fn(id)
}

// Cancel stops and removes the pending timer for id. Returns false when
// nothing was pending.
func (r *TimerRegistry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.timers[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(r.timers, id)
	return true
}

// Pending reports whether id has an armed timer, and its due instant.
func (r *TimerRegistry) Pending(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return entry.due, true
}

// Len returns the number of pending timers.
func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Close stops every pending timer and refuses further registrations.
// Records whose timers were dropped are picked up by the next sweep after
// restart.
func (r *TimerRegistry) Close() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.timers)
	for id, entry := range r.timers {
		entry.timer.Stop()
		delete(r.timers, id)
	}
	r.closed = true
	return n
}
