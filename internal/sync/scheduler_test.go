package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook-app/daybook-go/internal/api"
)

// fastOptions keeps retry delays negligible for tests that exercise the
// attempt loop.
func fastOptions() Options {
	return Options{
		Interval:       time.Hour, // keep the periodic trigger out of the way
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *Store, *Queue, *mockTransport) {
	t.Helper()

	store := newTestStore(t)
	queue := NewQueue(store, testLogger())
	transport := &mockTransport{}
	engine := NewEngine(store, queue, transport, 5*time.Second, testLogger())
	sched := NewScheduler(engine, opts, testLogger())

	return sched, store, queue, transport
}

func transientErr() error {
	return fmt.Errorf("%w: connection refused", api.ErrConnectivity)
}

func TestSchedulerRetriesTransientThenSucceeds(t *testing.T) {
	sched, store, _, transport := newTestScheduler(t, fastOptions())

	setCursor(t, store, "cursor-0")
	transport.errs = []error{transientErr(), transientErr()}

	report, err := sched.SyncNow(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, 3, transport.calls, "two failures, then the successful attempt")

	status := sched.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.NoError(t, status.LastError)
	assert.False(t, status.LastSyncAt.IsZero())
}

func TestSchedulerExhaustsAttemptCeiling(t *testing.T) {
	sched, store, queue, transport := newTestScheduler(t, fastOptions())
	ctx := context.Background()

	setCursor(t, store, "cursor-0")
	require.NoError(t, queue.Enqueue(ctx, "e1", OpCreate, []byte(`{}`)))

	transport.errs = []error{transientErr(), transientErr(), transientErr()}

	_, err := sched.SyncNow(ctx)
	require.ErrorIs(t, err, ErrSyncUnavailable)
	assert.Equal(t, 3, transport.calls)

	// Nothing lost: the batch is pending for the next scheduled round and
	// the cursor never moved.
	pending, err := queue.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cursor-0", cursor)

	status := sched.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.ErrorIs(t, status.LastError, ErrSyncUnavailable)
}

func TestSchedulerAuthFailureNotRetried(t *testing.T) {
	sched, store, _, transport := newTestScheduler(t, fastOptions())

	setCursor(t, store, "cursor-0")
	transport.errs = []error{fmt.Errorf("%w: HTTP 401", api.ErrAuthExpired)}

	_, err := sched.SyncNow(context.Background())
	require.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, 1, transport.calls, "auth expiry aborts without retry")
}

func TestSchedulerRejectionSurfacedNotRetried(t *testing.T) {
	sched, store, queue, transport := newTestScheduler(t, fastOptions())
	ctx := context.Background()

	setCursor(t, store, "cursor-0")
	require.NoError(t, queue.Enqueue(ctx, "e1", OpUpdate, []byte(`{}`)))

	transport.responses = []*api.SyncResponse{{
		Cursor:  "cursor-1",
		Results: []api.ChangeResult{{EntryID: "e1", Status: api.StatusRejected, Reason: "conflict"}},
	}}

	report, err := sched.SyncNow(ctx)

	var rejErr *RejectionError
	require.ErrorAs(t, err, &rejErr)
	require.Len(t, rejErr.Rejected, 1)
	assert.Equal(t, 1, transport.calls, "a completed round with rejections is not a retryable failure")
	require.NotNil(t, report)
	assert.Equal(t, "cursor-1", report.Cursor)
}

// slowTransport blocks mid-call until released, so tests can observe a round
// in progress.
type slowTransport struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *slowTransport) Sync(ctx context.Context, _ *api.SyncRequest) (*api.SyncResponse, error) {
	s.calls.Add(1)
	s.started <- struct{}{}

	select {
	case <-s.release:
		return &api.SyncResponse{Cursor: "cursor-1"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSchedulerAtMostOneRound(t *testing.T) {
	store := newTestStore(t)
	queue := NewQueue(store, testLogger())
	transport := &slowTransport{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	engine := NewEngine(store, queue, transport, 5*time.Second, testLogger())
	sched := NewScheduler(engine, fastOptions(), testLogger())

	setCursor(t, store, "cursor-0")

	done := make(chan error, 1)

	go func() {
		_, err := sched.SyncNow(context.Background())
		done <- err
	}()

	<-transport.started

	_, err := sched.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrSyncRunning)

	close(transport.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), transport.calls.Load())
}

func TestSchedulerTriggersCoalesce(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, fastOptions())

	for i := 0; i < 5; i++ {
		sched.TriggerSync()
	}

	assert.Len(t, sched.trigger, 1, "triggers while busy collapse into one follow-up round")
}

func TestSchedulerManualTriggerPreemptsBackoff(t *testing.T) {
	opts := fastOptions()
	opts.RetryBaseDelay = time.Hour // the wait must end by preemption, not by elapsing
	opts.RetryMaxDelay = time.Hour

	sched, store, _, transport := newTestScheduler(t, opts)

	setCursor(t, store, "cursor-0")
	transport.errs = []error{transientErr()}

	done := make(chan error, 1)

	go func() {
		_, err := sched.SyncNow(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return sched.Status().State == StateBackoffWaiting
	}, 5*time.Second, time.Millisecond)

	sched.TriggerSync()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("backoff wait was not preempted")
	}

	assert.Equal(t, 2, transport.calls)
}

func TestSchedulerRunKeepsTriggerDuringSyncNow(t *testing.T) {
	store := newTestStore(t)
	queue := NewQueue(store, testLogger())
	transport := &slowTransport{
		started: make(chan struct{}, 2),
		release: make(chan struct{}, 2),
	}
	engine := NewEngine(store, queue, transport, 5*time.Second, testLogger())
	sched := NewScheduler(engine, fastOptions(), testLogger())

	setCursor(t, store, "cursor-0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)

	go func() {
		runDone <- sched.Run(ctx)
	}()

	syncDone := make(chan error, 1)

	go func() {
		_, err := sched.SyncNow(context.Background())
		syncDone <- err
	}()

	<-transport.started

	// A trigger landing while SyncNow holds the round must still produce a
	// follow-up round once that round finishes, even if the daemon loop
	// consumes it in the meantime.
	sched.TriggerSync()
	time.Sleep(50 * time.Millisecond)

	transport.release <- struct{}{}
	require.NoError(t, <-syncDone)

	transport.release <- struct{}{}
	require.Eventually(t, func() bool {
		return transport.calls.Load() >= 2
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-runDone)
}

func TestSchedulerRunDaemon(t *testing.T) {
	store := newTestStore(t)
	queue := NewQueue(store, testLogger())
	transport := &slowTransport{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	close(transport.release) // never block: every call completes immediately

	engine := NewEngine(store, queue, transport, 5*time.Second, testLogger())

	opts := fastOptions()
	opts.SyncOnStart = true
	sched := NewScheduler(engine, opts, testLogger())

	setCursor(t, store, "cursor-0")

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)

	go func() {
		runDone <- sched.Run(ctx)
	}()

	// The start-up trigger produces a round without any manual trigger.
	require.Eventually(t, func() bool {
		return transport.calls.Load() >= 1
	}, 5*time.Second, time.Millisecond)

	sched.TriggerSync()

	require.Eventually(t, func() bool {
		return transport.calls.Load() >= 2
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-runDone)
}

func TestSchedulerCalcBackoff(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, Options{
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  30 * time.Second,
	})

	// First delay is the base ±25% jitter.
	d := sched.calcBackoff(1)
	assert.GreaterOrEqual(t, d, 750*time.Millisecond)
	assert.LessOrEqual(t, d, 1250*time.Millisecond)

	// Large attempts are capped near the maximum (±jitter).
	d = sched.calcBackoff(10)
	assert.LessOrEqual(t, d, time.Duration(float64(30*time.Second)*1.25))
	assert.GreaterOrEqual(t, d, time.Duration(float64(30*time.Second)*0.75))
}

func TestSchedulerStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "backoff-waiting", StateBackoffWaiting.String())
	assert.Equal(t, "unknown(9)", State(9).String())
}
