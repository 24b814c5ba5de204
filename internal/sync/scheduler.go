package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	stdsync "sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/daybook-app/daybook-go/internal/api"
)

// Scheduler defaults, used when Options leaves a field zero.
const (
	defaultInterval       = 5 * time.Minute
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 30 * time.Second
	backoffFactor         = 2.0
	jitterFraction        = 0.25
)

// State is the scheduler's position in its lifecycle.
type State int

// Scheduler states. The only transitions are Idle→Running (trigger),
// Running→Idle (round settled), Running→BackoffWaiting (transient failure
// with attempts left), and BackoffWaiting→Running (delay elapsed or manual
// trigger preempting it).
const (
	StateIdle State = iota
	StateRunning
	StateBackoffWaiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateBackoffWaiting:
		return "backoff-waiting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Status is a snapshot of the scheduler for display.
type Status struct {
	State      State
	LastError  error
	LastSyncAt time.Time   // completion time of the last successful round
	LastReport *RoundReport
}

// Options configures a Scheduler. Zero fields take package defaults.
type Options struct {
	Interval       time.Duration // periodic trigger interval
	MaxAttempts    int           // transport attempt ceiling per sync
	RetryBaseDelay time.Duration // first backoff delay
	RetryMaxDelay  time.Duration // backoff cap
	SyncOnStart    bool          // trigger a round when Run starts
}

// Scheduler decides when sync rounds run. It serializes rounds (at most one
// at a time, enforced even across the daemon loop and SyncNow callers),
// coalesces triggers that arrive mid-round into at most one follow-up round,
// and owns the retry-with-backoff loop around Engine.RunRound.
type Scheduler struct {
	engine *Engine
	logger *slog.Logger

	interval       time.Duration
	maxAttempts    int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	syncOnStart    bool

	sem     *semaphore.Weighted // at-most-one-round guard
	trigger chan struct{}       // 1-buffered: pending triggers coalesce

	mu         stdsync.Mutex
	state      State
	lastErr    error
	lastSyncAt time.Time
	lastReport *RoundReport

	nowFunc func() time.Time
}

// NewScheduler creates a scheduler around the engine.
func NewScheduler(engine *Engine, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaultRetryBaseDelay
	}

	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = defaultRetryMaxDelay
	}

	return &Scheduler{
		engine:         engine,
		logger:         logger,
		interval:       opts.Interval,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		syncOnStart:    opts.SyncOnStart,
		sem:            semaphore.NewWeighted(1),
		trigger:        make(chan struct{}, 1),
		nowFunc:        time.Now,
	}
}

// TriggerSync requests a sync round. Never blocks: if a round is already
// running, at most one follow-up round is remembered no matter how many
// triggers arrive; if the scheduler is waiting out a backoff delay, the
// trigger preempts the wait.
func (s *Scheduler) TriggerSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		State:      s.state,
		LastError:  s.lastErr,
		LastSyncAt: s.lastSyncAt,
		LastReport: s.lastReport,
	}
}

// Run is the daemon loop: it reacts to manual triggers and the periodic
// interval until the context is canceled. Interval ticks that land while a
// round is running are dropped; the running round already covers them.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.syncOnStart {
		s.TriggerSync()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sync scheduler started",
		slog.Duration("interval", s.interval),
		slog.Int("max_attempts", s.maxAttempts),
	)

	for {
		var manual bool

		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return nil
		case <-s.trigger:
			manual = true
		case <-ticker.C:
		}

		if !s.sem.TryAcquire(1) {
			// A SyncNow caller holds the round. Interval ticks are covered
			// by the round in progress, but a manual trigger keeps its
			// follow-up-round guarantee: wait for the active round to finish
			// and run then. Triggers arriving meanwhile coalesce as usual.
			if !manual {
				continue
			}

			if err := s.sem.Acquire(ctx, 1); err != nil {
				s.logger.Info("sync scheduler stopped")
				return nil
			}
		}

		_, err := s.runWithRetry(ctx)
		s.sem.Release(1)

		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sync failed", slog.String("error", err.Error()))
		}
	}
}

// SyncNow runs a sync synchronously, with the same retry policy as the
// daemon loop. Returns ErrSyncRunning if a round is already active.
func (s *Scheduler) SyncNow(ctx context.Context) (*RoundReport, error) {
	if !s.sem.TryAcquire(1) {
		return nil, ErrSyncRunning
	}
	defer s.sem.Release(1)

	return s.runWithRetry(ctx)
}

// runWithRetry drives rounds through the state machine: Running for each
// transport attempt, BackoffWaiting between transient failures, up to the
// attempt ceiling. The caller must hold the round semaphore.
func (s *Scheduler) runWithRetry(ctx context.Context) (*RoundReport, error) {
	var lastErr error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.setState(StateRunning)

		report, err := s.engine.RunRound(ctx)
		if err == nil {
			var roundErr error
			if len(report.Rejected) > 0 {
				roundErr = &RejectionError{Rejected: report.Rejected}
			}

			s.settle(report, roundErr)

			return report, roundErr
		}

		if !api.IsTransient(err) {
			// Auth expiry, storage failure, cancellation: retrying cannot
			// help, surface immediately.
			s.settle(nil, err)
			return nil, err
		}

		lastErr = err

		if attempt == s.maxAttempts {
			break
		}

		delay := s.calcBackoff(attempt)
		s.logger.Warn("sync attempt failed, backing off",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		s.setState(StateBackoffWaiting)

		if !s.waitBackoff(ctx, delay) {
			s.settle(nil, ctx.Err())
			return nil, ctx.Err()
		}
	}

	err := fmt.Errorf("%w: %d attempts failed: %v", ErrSyncUnavailable, s.maxAttempts, lastErr)
	s.settle(nil, err)

	return nil, err
}

// calcBackoff computes exponential backoff with ±25% jitter for the delay
// after the given attempt (1-based).
func (s *Scheduler) calcBackoff(attempt int) time.Duration {
	backoff := float64(s.retryBaseDelay) * math.Pow(backoffFactor, float64(attempt-1))
	if backoff > float64(s.retryMaxDelay) {
		backoff = float64(s.retryMaxDelay)
	}

	// Apply ±25% jitter.
	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// waitBackoff waits out a backoff delay. Returns early (true) when a manual
// trigger preempts the wait, and false when the context is canceled.
func (s *Scheduler) waitBackoff(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-s.trigger:
		s.logger.Debug("manual trigger preempted backoff wait")
		return true
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// settle records a finished sync: back to Idle, with the outcome visible
// through Status.
func (s *Scheduler) settle(report *RoundReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateIdle
	s.lastErr = err

	if report != nil {
		s.lastReport = report
		s.lastSyncAt = s.nowFunc()
	}
}
