package delivery

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
	"reminders/internal/types"
)

// --- Test doubles ---

type testLogger struct {
	mu     sync.Mutex
	infos  []string
	warns  []string
	errors []string
}

func (l *testLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *testLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *testLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *testLogger) With(args ...any) types.Logger { return l }

func (l *testLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

// countingSender returns the scripted results in order, then repeats the last.
type countingSender struct {
	calls       atomic.Int32
	results     []error
	ctxErr      error
	hadDeadline bool
	lastTo      string
	mu          sync.Mutex
}

func (s *countingSender) Send(ctx context.Context, r *types.Reminder, to string) (string, error) {
	n := int(s.calls.Add(1))
	s.mu.Lock()
	s.ctxErr = ctx.Err()
	_, s.hadDeadline = ctx.Deadline()
	s.lastTo = to
	s.mu.Unlock()
	if len(s.results) == 0 {
		return "msg-1", nil
	}
	idx := min(n-1, len(s.results)-1)
	if err := s.results[idx]; err != nil {
		return "", err
	}
	return "msg-1", nil
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	err    error
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return s.err
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes []Outcome
	latency  int
	backlog  []int
	purged   []int
}

func (m *fakeMetrics) RecordDelivery(_ context.Context, _ types.Channel, o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
}

func (m *fakeMetrics) RecordLatency(context.Context, types.Channel, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency++
}

func (m *fakeMetrics) RecordBacklog(_ context.Context, n int) { m.backlog = append(m.backlog, n) }
func (m *fakeMetrics) RecordPurged(_ context.Context, n int)  { m.purged = append(m.purged, n) }

var transientErr = types.NewAppError(types.ErrCodeUpstreamUnavailable, "provider down", nil)

func seed(t *testing.T, store types.ReminderStore, id string, channel types.Channel) {
	t.Helper()
	err := store.Insert(context.Background(), &types.Reminder{
		ID:           id,
		UserID:       "user-1",
		Title:        "Dentist",
		Message:      "Bring the forms",
		DeliveryTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Channel:      channel,
		Metadata:     types.Metadata{"to": "someone@example.com"},
		Status:       types.StatusScheduled,
	})
	require.NoError(t, err)
}

func statusOf(t *testing.T, store types.ReminderStore, id string) types.Status {
	t.Helper()
	r, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

// markStatus moves a scheduled reminder to status.
func markStatus(t *testing.T, store types.ReminderStore, id string, status types.Status) {
	t.Helper()
	ok, err := store.TransitionStatus(context.Background(), id, types.StatusScheduled, status)
	require.NoError(t, err)
	require.True(t, ok)
}

func newTestPipeline(store types.ReminderStore, sender Sender, opts ...Option) (*Pipeline, *recordingSleeper, *testLogger) {
	sleeper := &recordingSleeper{}
	logger := &testLogger{}
	opts = append([]Option{WithSleeper(sleeper.Sleep)}, opts...)
	p := NewPipeline(store, map[types.Channel]Sender{
		types.ChannelEmail: sender,
	}, DefaultConfig(), logger, opts...)
	return p, sleeper, logger
}

// --- Tests ---

func TestDeliver_SucceedsOnFirstAttempt(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "r1", types.ChannelEmail)
	sender := &countingSender{}
	metrics := &fakeMetrics{}
	p, sleeper, _ := newTestPipeline(store, sender, WithMetrics(metrics))

	outcome, err := p.Deliver(context.Background(), "r1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, int32(1), sender.calls.Load())
	assert.Empty(t, sleeper.delays)
	assert.Equal(t, "someone@example.com", sender.lastTo)
	assert.Equal(t, types.StatusSent, statusOf(t, store, "r1"))
	assert.Equal(t, []Outcome{OutcomeSent}, metrics.outcomes)
	assert.Equal(t, 1, metrics.latency)
	assert.Zero(t, p.InFlight())
}

func TestDeliver_TransientErrorsExhaustAttempts(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "r1", types.ChannelEmail)
	sender := &countingSender{results: []error{transientErr}}
	p, sleeper, _ := newTestPipeline(store, sender)

	outcome, err := p.Deliver(context.Background(), "r1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, int32(3), sender.calls.Load())
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, sleeper.delays)
	assert.Equal(t, types.StatusFailed, statusOf(t, store, "r1"))
}

func TestDeliver_RecoversOnRetry(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "r1", types.ChannelEmail)
	sender := &countingSender{results: []error{errors.New("connection reset"), nil}}
	p, sleeper, _ := newTestPipeline(store, sender)

	outcome, err := p.Deliver(context.Background(), "r1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, int32(2), sender.calls.Load())
	assert.Len(t, sleeper.delays, 1)
	assert.Equal(t, types.StatusSent, statusOf(t, store, "r1"))
}

func TestDeliver_PermanentErrorStopsRetries(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "r1", types.ChannelEmail)
	blocked := types.NewAppError(types.ErrCodeEmailBlocked, "recipient suppressed", nil)
	sender := &countingSender{results: []error{blocked}}
	p, sleeper, _ := newTestPipeline(store, sender)

	outcome, err := p.Deliver(context.Background(), "r1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, int32(1), sender.calls.Load())
	assert.Empty(t, sleeper.delays)
	assert.Equal(t, types.StatusFailed, statusOf(t, store, "r1"))
}

func TestDeliver_UnknownChannelFailsWithoutCall(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "r1", types.ChannelSMS)
	sender := &countingSender{}
	p, _, _ := newTestPipeline(store, sender)

	outcome, err := p.Deliver(context.Background(), "r1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Zero(t, sender.calls.Load())
	assert.Equal(t, types.StatusFailed, statusOf(t, store, "r1"))
}

func TestDeliver_SkipsNonScheduled(t *testing.T) {
	for _, status := range types.TerminalStatuses {
		t.Run(string(status), func(t *testing.T) {
			store := db.NewMemoryStore()
			seed(t, store, "r1", types.ChannelEmail)
			markStatus(t, store, "r1", status)
			sender := &countingSender{}
			p, _, _ := newTestPipeline(store, sender)

			outcome, err := p.Deliver(context.Background(), "r1")

			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, outcome)
			assert.Zero(t, sender.calls.Load())
			assert.Equal(t, status, statusOf(t, store, "r1"))
		})
	}
}

func TestDeliver_SkipsMissingRecord(t *testing.T) {
	sender := &countingSender{}
	p, _, _ := newTestPipeline(db.NewMemoryStore(), sender)

	outcome, err := p.Deliver(context.Background(), "ghost")

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, sender.calls.Load())
}

func TestDeliver_ConcurrentCallsSendOnce(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "r1", types.ChannelEmail)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	sender := SenderFunc(func(ctx context.Context, r *types.Reminder, to string) (string, error) {
		calls.Add(1)
		close(started)
		<-release
		return "msg", nil
	})
	p, _, _ := newTestPipeline(store, sender)

	first := make(chan Outcome, 1)
	go func() {
		o, _ := p.Deliver(context.Background(), "r1")
		first <- o
	}()
	<-started

	second, err := p.Deliver(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, second)

	close(release)
	assert.Equal(t, OutcomeSent, <-first)
	assert.Equal(t, int32(1), calls.Load())

	// A later call sees the terminal record.
	third, err := p.Deliver(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, third)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliver_CancelDuringSendKeepsCancelled(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "r1", types.ChannelEmail)
	sender := SenderFunc(func(ctx context.Context, r *types.Reminder, to string) (string, error) {
		markStatus(t, store, r.ID, types.StatusCancelled)
		return "msg", nil
	})
	p, _, logger := newTestPipeline(store, sender)

	outcome, err := p.Deliver(context.Background(), "r1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, types.StatusCancelled, statusOf(t, store, "r1"))
	assert.Equal(t, 1, logger.warnCount())
}

func TestDeliver_ShutdownDuringBackoffLeavesScheduled(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "r1", types.ChannelEmail)
	sender := &countingSender{results: []error{transientErr}}
	p, sleeper, _ := newTestPipeline(store, sender)
	sleeper.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := p.Deliver(ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, int32(1), sender.calls.Load())
	assert.Equal(t, types.StatusScheduled, statusOf(t, store, "r1"))
}

func TestDeliver_SendContextDetachedFromCaller(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "r1", types.ChannelEmail)
	sender := &countingSender{}
	p, _, _ := newTestPipeline(store, sender)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := p.Deliver(ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.NoError(t, sender.ctxErr)
	assert.True(t, sender.hadDeadline)
}

type failingTransitionStore struct {
	*db.MemoryStore
}

func (failingTransitionStore) TransitionStatus(context.Context, string, types.Status, types.Status) (bool, error) {
	return false, types.NewAppError(types.ErrCodeInternalDB, "write failed", nil)
}

func TestDeliver_TerminalWriteError(t *testing.T) {
	mem := db.NewMemoryStore()
	seed(t, mem, "r1", types.ChannelEmail)
	p, _, _ := newTestPipeline(failingTransitionStore{mem}, &countingSender{})

	outcome, err := p.Deliver(context.Background(), "r1")

	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
	assert.Equal(t, OutcomeSent, outcome)
}

func TestDeliver_MissingDestinationFails(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "r1", types.ChannelEmail)
	sender := &countingSender{}
	p, _, _ := newTestPipeline(store, sender, WithDestinationResolver(func(*types.Reminder) (string, error) {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "no destination", nil)
	}))

	outcome, err := p.Deliver(context.Background(), "r1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Zero(t, sender.calls.Load())
}

func TestNewPipeline_Defaults(t *testing.T) {
	p := NewPipeline(db.NewMemoryStore(), nil, Config{}, &testLogger{})
	assert.Equal(t, DefaultRetryPolicy, p.cfg.Policy)
	assert.Equal(t, 20*time.Second, p.cfg.SendTimeout)
}
