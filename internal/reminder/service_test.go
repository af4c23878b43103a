package reminder

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminders/internal/db"
	"reminders/internal/delivery"
	"reminders/internal/scheduler"
	"reminders/internal/types"
)

var testNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled []string
	refuse    bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: map[string]time.Time{}}
}

func (f *fakeScheduler) ScheduleReminder(r *types.Reminder) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	if _, ok := f.scheduled[r.ID]; ok {
		return false
	}
	f.scheduled[r.ID] = r.DeliveryTime
	return true
}

func (f *fakeScheduler) CancelReminder(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	_, ok := f.scheduled[id]
	delete(f.scheduled, id)
	return ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(store types.ReminderStore, sched Scheduler) *Service {
	svc := NewService(store, sched, fixedClock{testNow}, testLogger())
	n := 0
	svc.newID = func() string {
		n++
		return "rem_" + string(rune('a'+n-1))
	}
	return svc
}

func validRequest() CreateRequest {
	return CreateRequest{
		UserID:       "user-1",
		Title:        "Call mom",
		Message:      "It is her birthday",
		DeliveryTime: "2026-01-02T09:00:00Z",
		Channel:      types.ChannelEmail,
		Metadata:     types.Metadata{"to": "me@example.com"},
	}
}

func TestCreate_PersistsAndArmsTimer(t *testing.T) {
	store := db.NewMemoryStore()
	sched := newFakeScheduler()
	svc := newTestService(store, sched)

	rem, err := svc.Create(context.Background(), validRequest())

	require.NoError(t, err)
	assert.Equal(t, "rem_a", rem.ID)
	assert.Equal(t, types.StatusScheduled, rem.Status)
	assert.Equal(t, time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC), rem.DeliveryTime)
	assert.Equal(t, "UTC", rem.Timezone)
	assert.Equal(t, testNow, rem.CreatedAt)

	stored, err := store.Get(context.Background(), "rem_a")
	require.NoError(t, err)
	assert.Equal(t, rem.DeliveryTime, stored.DeliveryTime)
	assert.Equal(t, "me@example.com", stored.Metadata["to"])
	assert.Equal(t, rem.DeliveryTime, sched.scheduled["rem_a"])
}

func TestCreate_LocalTimeUsesTimezone(t *testing.T) {
	svc := newTestService(db.NewMemoryStore(), newFakeScheduler())
	req := validRequest()
	req.DeliveryTime = "2026-01-15T09:00:00"
	req.Timezone = "America/New_York"

	rem, err := svc.Create(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC), rem.DeliveryTime)
	assert.Equal(t, "America/New_York", rem.Timezone)
}

func TestCreate_RejectsInvalidWithoutPersisting(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		code   types.ErrorCode
	}{
		{"past due", func(r *CreateRequest) { r.DeliveryTime = "2025-12-31T12:00:00Z" }, types.ErrCodeValidationDeliveryTimePast},
		{"due equals now", func(r *CreateRequest) { r.DeliveryTime = "2026-01-01T12:00:00Z" }, types.ErrCodeValidationDeliveryTimePast},
		{"missing title", func(r *CreateRequest) { r.Title = "" }, types.ErrCodeValidationMissingField},
		{"missing user", func(r *CreateRequest) { r.UserID = "" }, types.ErrCodeValidationMissingField},
		{"title too long", func(r *CreateRequest) { r.Title = string(make([]byte, 121)) }, types.ErrCodeValidationInvalidField},
		{"unsupported channel", func(r *CreateRequest) { r.Channel = "fax" }, types.ErrCodeValidationInvalidChannel},
		{"unknown timezone", func(r *CreateRequest) { r.Timezone = "Mars/Olympus" }, types.ErrCodeValidationInvalidTimezone},
		{"malformed time", func(r *CreateRequest) { r.DeliveryTime = "tomorrow" }, types.ErrCodeValidationDeliveryTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := db.NewMemoryStore()
			sched := newFakeScheduler()
			svc := newTestService(store, sched)
			req := validRequest()
			tt.mutate(&req)

			rem, err := svc.Create(context.Background(), req)

			require.Error(t, err)
			assert.Nil(t, rem)
			assert.Equal(t, tt.code, types.CodeOf(err))
			assert.True(t, types.IsValidation(err))
			assert.Zero(t, store.Len())
			assert.Empty(t, sched.scheduled)
		})
	}
}

func TestCreate_TimerRefusalStillPersists(t *testing.T) {
	store := db.NewMemoryStore()
	sched := newFakeScheduler()
	sched.refuse = true
	svc := newTestService(store, sched)

	rem, err := svc.Create(context.Background(), validRequest())

	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, types.StatusScheduled, rem.Status)
}

func TestCancel(t *testing.T) {
	store := db.NewMemoryStore()
	sched := newFakeScheduler()
	svc := newTestService(store, sched)
	rem, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	got, err := svc.Cancel(context.Background(), rem.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Equal(t, []string{rem.ID}, sched.cancelled)
	assert.Empty(t, sched.scheduled)

	// Idempotent on terminal records.
	again, err := svc.Cancel(context.Background(), rem.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, again.Status)
	assert.Len(t, sched.cancelled, 1)
}

func TestCancel_SentIsUnchanged(t *testing.T) {
	store := db.NewMemoryStore()
	svc := newTestService(store, newFakeScheduler())
	rem, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	markStatus(t, store, rem.ID, types.StatusSent)

	got, err := svc.Cancel(context.Background(), rem.ID)

	require.NoError(t, err)
	assert.Equal(t, types.StatusSent, got.Status)
}

func TestCancel_NotFound(t *testing.T) {
	svc := newTestService(db.NewMemoryStore(), newFakeScheduler())
	_, err := svc.Cancel(context.Background(), "missing")
	assert.Equal(t, types.ErrCodeNotFoundReminder, types.CodeOf(err))
}

func TestCancel_BeforeDueSweepNeverDelivers(t *testing.T) {
	store := db.NewMemoryStore()
	svc := newTestService(store, newFakeScheduler())
	rem, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), rem.ID)
	require.NoError(t, err)

	var sends atomic.Int32
	pipeline := delivery.NewPipeline(store, map[types.Channel]delivery.Sender{
		types.ChannelEmail: delivery.SenderFunc(func(context.Context, *types.Reminder, string) (string, error) {
			sends.Add(1)
			return "msg", nil
		}),
	}, delivery.DefaultConfig(), nopLogger{})
	rec := scheduler.NewReconciler(store, pipeline, 1, nil, testLogger())

	res, err := rec.Sweep(context.Background(), rem.DeliveryTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Found)

	outcome, err := pipeline.Deliver(context.Background(), rem.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.OutcomeSkipped, outcome)
	assert.Zero(t, sends.Load())

	got, err := store.Get(context.Background(), rem.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
}

func TestGet(t *testing.T) {
	svc := newTestService(db.NewMemoryStore(), newFakeScheduler())
	rem, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), rem.ID)
	require.NoError(t, err)
	assert.Equal(t, rem.Title, got.Title)

	_, err = svc.Get(context.Background(), "missing")
	assert.True(t, types.IsNotFound(err))
}

func ptr[T any](v T) *T { return &v }

// markStatus moves a scheduled reminder to status.
func markStatus(t *testing.T, store types.ReminderStore, id string, status types.Status) {
	t.Helper()
	ok, err := store.TransitionStatus(context.Background(), id, types.StatusScheduled, status)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUpdate(t *testing.T) {
	t.Run("no changes", func(t *testing.T) {
		svc := newTestService(db.NewMemoryStore(), newFakeScheduler())
		_, err := svc.Update(context.Background(), "any", UpdateRequest{})
		assert.Equal(t, types.ErrCodeValidationNoChanges, types.CodeOf(err))
	})

	t.Run("title only keeps timer", func(t *testing.T) {
		sched := newFakeScheduler()
		svc := newTestService(db.NewMemoryStore(), sched)
		rem, err := svc.Create(context.Background(), validRequest())
		require.NoError(t, err)

		got, err := svc.Update(context.Background(), rem.ID, UpdateRequest{Title: ptr("Call dad")})

		require.NoError(t, err)
		assert.Equal(t, "Call dad", got.Title)
		assert.Equal(t, rem.DeliveryTime, got.DeliveryTime)
		assert.Empty(t, sched.cancelled)
	})

	t.Run("new delivery time re-arms timer", func(t *testing.T) {
		sched := newFakeScheduler()
		svc := newTestService(db.NewMemoryStore(), sched)
		rem, err := svc.Create(context.Background(), validRequest())
		require.NoError(t, err)

		got, err := svc.Update(context.Background(), rem.ID, UpdateRequest{
			DeliveryTime: ptr("2026-01-03T08:30:00"),
			Timezone:     ptr("Europe/Berlin"),
		})

		require.NoError(t, err)
		want := time.Date(2026, 1, 3, 7, 30, 0, 0, time.UTC)
		assert.Equal(t, want, got.DeliveryTime)
		assert.Equal(t, "Europe/Berlin", got.Timezone)
		assert.Equal(t, []string{rem.ID}, sched.cancelled)
		assert.Equal(t, want, sched.scheduled[rem.ID])
	})

	t.Run("past delivery time rejected", func(t *testing.T) {
		svc := newTestService(db.NewMemoryStore(), newFakeScheduler())
		rem, err := svc.Create(context.Background(), validRequest())
		require.NoError(t, err)

		_, err = svc.Update(context.Background(), rem.ID, UpdateRequest{DeliveryTime: ptr("2020-01-01T00:00:00Z")})
		assert.Equal(t, types.ErrCodeValidationDeliveryTimePast, types.CodeOf(err))
	})

	t.Run("terminal conflicts", func(t *testing.T) {
		store := db.NewMemoryStore()
		svc := newTestService(store, newFakeScheduler())
		rem, err := svc.Create(context.Background(), validRequest())
		require.NoError(t, err)
		markStatus(t, store, rem.ID, types.StatusFailed)

		_, err = svc.Update(context.Background(), rem.ID, UpdateRequest{Title: ptr("x")})
		assert.Equal(t, types.ErrCodeConflictTerminal, types.CodeOf(err))
	})

	t.Run("invalid channel", func(t *testing.T) {
		svc := newTestService(db.NewMemoryStore(), newFakeScheduler())
		ch := types.Channel("pager")
		_, err := svc.Update(context.Background(), "any", UpdateRequest{Channel: &ch})
		assert.Equal(t, types.ErrCodeValidationInvalidChannel, types.CodeOf(err))
	})

	t.Run("not found", func(t *testing.T) {
		svc := newTestService(db.NewMemoryStore(), newFakeScheduler())
		_, err := svc.Update(context.Background(), "missing", UpdateRequest{Title: ptr("x")})
		assert.True(t, types.IsNotFound(err))
	})
}

// deliveredAfterRead finishes delivery right after the record is read, so
// the status changes between the read and the write of an update.
type deliveredAfterRead struct {
	types.ReminderStore
}

func (s deliveredAfterRead) Get(ctx context.Context, id string) (*types.Reminder, error) {
	r, err := s.ReminderStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.ReminderStore.TransitionStatus(ctx, id, types.StatusScheduled, types.StatusSent); err != nil {
		return nil, err
	}
	return r, nil
}

func TestUpdate_DeliveredConcurrentlyConflicts(t *testing.T) {
	store := db.NewMemoryStore()
	sched := newFakeScheduler()
	rem, err := newTestService(store, sched).Create(context.Background(), validRequest())
	require.NoError(t, err)

	svc := newTestService(deliveredAfterRead{store}, sched)
	_, err = svc.Update(context.Background(), rem.ID, UpdateRequest{
		Title:        ptr("Call dad"),
		DeliveryTime: ptr("2026-01-05T09:00:00Z"),
	})

	assert.Equal(t, types.ErrCodeConflictTerminal, types.CodeOf(err))
	got, err := store.Get(context.Background(), rem.ID)
	require.NoError(t, err)
	assert.Equal(t, "Call mom", got.Title)
	assert.Equal(t, types.StatusSent, got.Status)
	assert.Empty(t, sched.cancelled)
}

func TestList(t *testing.T) {
	store := db.NewMemoryStore()
	svc := newTestService(store, newFakeScheduler())
	for _, due := range []string{"2026-01-04T09:00:00Z", "2026-01-02T09:00:00Z", "2026-01-03T09:00:00Z"} {
		req := validRequest()
		req.DeliveryTime = due
		_, err := svc.Create(context.Background(), req)
		require.NoError(t, err)
	}
	other := validRequest()
	other.UserID = "user-2"
	_, err := svc.Create(context.Background(), other)
	require.NoError(t, err)

	t.Run("ordered by delivery time", func(t *testing.T) {
		got, err := svc.List(context.Background(), ListRequest{UserID: "user-1"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"rem_b", "rem_c", "rem_a"}, []string{got[0].ID, got[1].ID, got[2].ID})
	})

	t.Run("paged", func(t *testing.T) {
		first, err := svc.List(context.Background(), ListRequest{UserID: "user-1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, first, 2)

		rest, err := svc.List(context.Background(), ListRequest{UserID: "user-1", Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "rem_a", rest[0].ID)
	})

	t.Run("cancelled reminders are listed", func(t *testing.T) {
		_, err := svc.Cancel(context.Background(), "rem_d")
		require.NoError(t, err)

		got, err := svc.List(context.Background(), ListRequest{UserID: "user-2"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, types.StatusCancelled, got[0].Status)
	})

	t.Run("invalid requests", func(t *testing.T) {
		tests := []struct {
			name string
			req  ListRequest
			code types.ErrorCode
		}{
			{"missing user", ListRequest{}, types.ErrCodeValidationMissingField},
			{"limit too large", ListRequest{UserID: "user-1", Limit: 201}, types.ErrCodeValidationInvalidField},
			{"negative offset", ListRequest{UserID: "user-1", Offset: -1}, types.ErrCodeValidationInvalidField},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.List(context.Background(), tt.req)
				assert.Equal(t, tt.code, types.CodeOf(err))
			})
		}
	})
}

func TestCreate_LogsLocalDeliveryTime(t *testing.T) {
	var buf bytes.Buffer
	svc := NewService(db.NewMemoryStore(), newFakeScheduler(), fixedClock{testNow},
		slog.New(slog.NewJSONHandler(&buf, nil)))

	req := validRequest()
	req.Timezone = "America/New_York"
	_, err := svc.Create(context.Background(), req)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "reminder created", entry["msg"])
	assert.Equal(t, "2026-01-02T09:00:00Z", entry["delivery_time"])
	assert.Equal(t, "2026-01-02 04:00:00", entry["local_delivery_time"])
	assert.Equal(t, "America/New_York", entry["timezone"])
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)        {}
func (nopLogger) Warn(string, ...any)        {}
func (nopLogger) Error(string, ...any)       {}
func (l nopLogger) With(...any) types.Logger { return l }

// End to end: a reminder due shortly after creation is delivered by its
// timer through the real scheduler and pipeline.
func TestCreate_ShortDueIsDelivered(t *testing.T) {
	store := db.NewMemoryStore()

	var sends atomic.Int32
	pipeline := delivery.NewPipeline(store, map[types.Channel]delivery.Sender{
		types.ChannelSMS: delivery.SenderFunc(func(_ context.Context, r *types.Reminder, to string) (string, error) {
			sends.Add(1)
			return "sms-1", nil
		}),
	}, delivery.DefaultConfig(), nopLogger{})

	sched, err := scheduler.NewService(scheduler.Config{ReconcileInterval: time.Hour}, scheduler.Deps{
		Store:     store,
		Deliverer: pipeline,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	svc := NewService(store, sched, types.RealClock{}, testLogger())
	req := validRequest()
	req.Channel = types.ChannelSMS
	req.Metadata = types.Metadata{"to": "+15550001111"}
	req.DeliveryTime = time.Now().UTC().Add(150 * time.Millisecond).Format(time.RFC3339Nano)

	rem, err := svc.Create(context.Background(), req)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), rem.ID)
		return err == nil && got.Status == types.StatusSent
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), sends.Load())
}
