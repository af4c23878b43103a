package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminders/internal/db"
	"reminders/internal/delivery"
	"reminders/internal/types"
)

var sweepNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type nopTypesLogger struct{}

func (nopTypesLogger) Info(string, ...any)        {}
func (nopTypesLogger) Warn(string, ...any)        {}
func (nopTypesLogger) Error(string, ...any)       {}
func (l nopTypesLogger) With(...any) types.Logger { return l }

type fakeDeliverer struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string]delivery.Outcome
	errs    map[string]error
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{
		calls:   map[string]int{},
		results: map[string]delivery.Outcome{},
		errs:    map[string]error{},
	}
}

func (f *fakeDeliverer) Deliver(_ context.Context, id string) (delivery.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if err := f.errs[id]; err != nil {
		return delivery.OutcomeSkipped, err
	}
	if o, ok := f.results[id]; ok {
		return o, nil
	}
	return delivery.OutcomeSent, nil
}

func (f *fakeDeliverer) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func insertReminder(t *testing.T, store types.ReminderStore, id string, due time.Time, status types.Status) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), &types.Reminder{
		ID:           id,
		UserID:       "user-1",
		Title:        "Standup",
		Message:      "Join the call",
		DeliveryTime: due,
		Channel:      types.ChannelEmail,
		Metadata:     types.Metadata{"to": "dev@example.com"},
		Status:       status,
		CreatedAt:    due.Add(-24 * time.Hour),
	}))
}

func TestSweep_DeliversOverdueExactlyOnce(t *testing.T) {
	store := db.NewMemoryStore()
	insertReminder(t, store, "overdue", sweepNow.Add(-time.Hour), types.StatusScheduled)
	insertReminder(t, store, "future", sweepNow.Add(time.Hour), types.StatusScheduled)

	var sends atomic.Int32
	sender := delivery.SenderFunc(func(context.Context, *types.Reminder, string) (string, error) {
		sends.Add(1)
		return "msg", nil
	})
	pipeline := delivery.NewPipeline(store, map[types.Channel]delivery.Sender{types.ChannelEmail: sender},
		delivery.DefaultConfig(), nopTypesLogger{})
	rec := NewReconciler(store, pipeline, 4, nil, testLogger())

	res, err := rec.Sweep(context.Background(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Found: 1, Sent: 1}, res)

	res, err = rec.Sweep(context.Background(), sweepNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	assert.Equal(t, int32(1), sends.Load())
	got, err := store.Get(context.Background(), "overdue")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSent, got.Status)
	got, err = store.Get(context.Background(), "future")
	require.NoError(t, err)
	assert.Equal(t, types.StatusScheduled, got.Status)
}

func TestSweep_ToleratesPerRecordErrors(t *testing.T) {
	store := db.NewMemoryStore()
	for _, id := range []string{"a", "b", "c", "d"} {
		insertReminder(t, store, id, sweepNow.Add(-time.Minute), types.StatusScheduled)
	}
	d := newFakeDeliverer()
	d.errs["b"] = errors.New("store unavailable")
	d.results["c"] = delivery.OutcomeFailed
	d.results["d"] = delivery.OutcomeSkipped
	metrics := &backlogMetrics{}

	res, err := NewReconciler(store, d, 2, metrics, testLogger()).Sweep(context.Background(), sweepNow)

	require.NoError(t, err)
	assert.Equal(t, SweepResult{Found: 4, Sent: 1, Failed: 1, Skipped: 2, Errors: 1}, res)
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 1, d.count(id), id)
	}
	assert.Equal(t, []int{4}, metrics.backlog)
}

func TestSweep_ListErrorAborts(t *testing.T) {
	rec := NewReconciler(failingListStore{db.NewMemoryStore()}, newFakeDeliverer(), 1, nil, testLogger())
	_, err := rec.Sweep(context.Background(), sweepNow)
	assert.Error(t, err)
}

func TestSweep_CancelledContextStartsNothing(t *testing.T) {
	store := db.NewMemoryStore()
	insertReminder(t, store, "a", sweepNow.Add(-time.Minute), types.StatusScheduled)
	d := newFakeDeliverer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewReconciler(store, d, 1, nil, testLogger()).Sweep(ctx, sweepNow)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Zero(t, d.count("a"))
}

type failingListStore struct{ *db.MemoryStore }

func (failingListStore) ListDue(context.Context, types.Status, time.Time) ([]*types.Reminder, error) {
	return nil, types.NewAppError(types.ErrCodeInternalDB, "boom", nil)
}

type backlogMetrics struct {
	delivery.NopMetrics
	backlog []int
	purged  []int
}

func (m *backlogMetrics) RecordBacklog(_ context.Context, n int) { m.backlog = append(m.backlog, n) }
func (m *backlogMetrics) RecordPurged(_ context.Context, n int)  { m.purged = append(m.purged, n) }
