// Package reconcile polls backend executions and folds what it observes into
// state transitions.
//
// Each watched execution gets its own goroutine. A slow or failing backend
// call only delays the execution it belongs to; a shared rate limiter keeps
// the total request rate bounded.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/types"
)

var (
	// ErrReconcile marks a fatal reconciliation failure: transient errors
	// exhausted their budget or the backend returned a permanent error.
	ErrReconcile = errors.New("reconciliation failed")

	// ErrAlreadyWatching is returned when a task run is already tracked.
	ErrAlreadyWatching = errors.New("execution already watched")

	// ErrClosed is returned by Watch after Close.
	ErrClosed = errors.New("reconciler closed")
)

// Target identifies the execution to track for one task run attempt.
type Target struct {
	TaskRunID string
	Attempt   int

	// Execution is the last known observation, usually the one returned by
	// Submit. Its Name is polled and its Generation is the stale baseline.
	Execution types.Execution

	// CancelRequested carries a cancel that was asked for before the watch
	// started (for example before a restart).
	CancelRequested bool
}

// Transition is one observed state change of a tracked execution.
type Transition struct {
	TaskRunID  string
	Attempt    int
	State      types.RunState
	Generation int64

	// Execution is the observation that caused the transition. Nil for
	// local states reached without a fresh observation (TIMED_OUT, LOST,
	// CRASHED).
	Execution *types.Execution

	Message    string
	Err        error
	ObservedAt time.Time
}

// Terminal reports whether no further transitions follow for this attempt.
func (t Transition) Terminal() bool {
	return t.State.IsTerminal()
}

// Sink receives transitions. Calls for one execution are made sequentially
// from that execution's goroutine, in observed order.
type Sink interface {
	HandleTransition(ctx context.Context, t Transition)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, t Transition)

// HandleTransition calls f.
func (f SinkFunc) HandleTransition(ctx context.Context, t Transition) {
	f(ctx, t)
}

type watch struct {
	target          Target
	ref             backend.ExecutionRef
	cancelRequested atomic.Bool
	stop            context.CancelFunc
	done            chan struct{}
}

// Reconciler tracks executions on one backend.
type Reconciler struct {
	adapter backend.Adapter
	sink    Sink
	cfg     Config
	limiter *rate.Limiter
	sleeper backend.Sleeper
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithSleeper replaces the sleeper used between polls.
func WithSleeper(s backend.Sleeper) Option {
	return func(r *Reconciler) { r.sleeper = s }
}

// WithClock replaces the clock used for timeouts and timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLimiter shares a limiter with other reconcilers.
func WithLimiter(l *rate.Limiter) Option {
	return func(r *Reconciler) { r.limiter = l }
}

// New creates a Reconciler delivering transitions to sink.
func New(adapter backend.Adapter, sink Sink, cfg Config, opts ...Option) *Reconciler {
	cfg = cfg.withDefaults()
	r := &Reconciler{
		adapter: adapter,
		sink:    sink,
		cfg:     cfg,
		sleeper: backend.ContextSleeper{},
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		watches: make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.limiter == nil {
		r.limiter = NewLimiter(cfg)
	}
	return r
}

// Config returns the effective configuration.
func (r *Reconciler) Config() Config {
	return r.cfg
}

// Watch starts tracking target until it reaches a terminal state, Unwatch is
// called, or the reconciler is closed.
func (r *Reconciler) Watch(target Target) error {
	if target.TaskRunID == "" || target.Execution.Name == "" {
		return errors.New("watch target requires a task run ID and an execution name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.watches[target.TaskRunID]; exists {
		return ErrAlreadyWatching
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{
		target: target,
		ref:    backend.ExecutionRef{Name: target.Execution.Name},
		stop:   cancel,
		done:   make(chan struct{}),
	}
	w.cancelRequested.Store(target.CancelRequested)
	r.watches[target.TaskRunID] = w

	r.wg.Add(1)
	go r.run(ctx, w)

	r.logger.Debug(
		"Watching execution",
		zap.String("task_run_id", target.TaskRunID),
		zap.Int("attempt", target.Attempt),
		zap.String("execution", target.Execution.Name),
	)
	return nil
}

// RequestCancel marks the tracked execution for cancellation. The backend
// cancel is issued once, at the next poll boundary; the terminal state still
// comes from a later poll. Returns false if the task run is not watched.
func (r *Reconciler) RequestCancel(taskRunID string) bool {
	r.mu.Lock()
	w, ok := r.watches[taskRunID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	w.cancelRequested.Store(true)
	return true
}

// Watching reports whether a task run is currently tracked.
func (r *Reconciler) Watching(taskRunID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watches[taskRunID]
	return ok
}

// Len returns the number of tracked executions.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

// Unwatch stops tracking a task run without emitting a transition and waits
// for its goroutine to exit.
func (r *Reconciler) Unwatch(taskRunID string) {
	r.mu.Lock()
	w, ok := r.watches[taskRunID]
	r.mu.Unlock()
	if !ok {
		return
	}
	w.stop()
	<-w.done
}

// Close stops every watch and waits for the goroutines to exit.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	for _, w := range r.watches {
		w.stop()
	}
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Reconciler) release(w *watch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watches[w.target.TaskRunID] == w {
		delete(r.watches, w.target.TaskRunID)
	}
}

func (r *Reconciler) run(ctx context.Context, w *watch) {
	defer r.wg.Done()
	defer close(w.done)
	defer w.stop()
	defer r.release(w)

	log := r.logger.With(
		zap.String("task_run_id", w.target.TaskRunID),
		zap.Int("attempt", w.target.Attempt),
		zap.String("execution", w.ref.Name),
	)

	deadline := r.now().Add(r.cfg.Timeout)
	lastGen := w.target.Execution.Generation
	lastState := types.RunStateSubmitted
	transientErrs := 0
	cancelSent := false
	b := r.cfg.newBackoff()

	for {
		if w.cancelRequested.Load() && !cancelSent {
			cancelSent = true
			r.cancel(ctx, w, log)
		}

		if !r.now().Before(deadline) {
			if !cancelSent {
				r.cancel(ctx, w, log)
			}
			log.Warn("Execution timed out", zap.Duration("timeout", r.cfg.Timeout))
			r.emit(ctx, w, Transition{
				State:      types.RunStateTimedOut,
				Generation: lastGen,
				Message:    fmt.Sprintf("execution did not finish within %s", r.cfg.Timeout),
				Err:        fmt.Errorf("%w after %s", backend.ErrTimedOut, r.cfg.Timeout),
			})
			return
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return
		}

		exec, err := r.adapter.Poll(ctx, w.ref)
		switch {
		case err == nil:
			transientErrs = 0

			if exec.Generation < lastGen {
				log.Debug(
					"Ignoring stale observation",
					zap.Int64("generation", exec.Generation),
					zap.Int64("last_generation", lastGen),
				)
				break
			}

			state := exec.Phase()
			if exec.Generation > lastGen || state != lastState {
				lastGen = exec.Generation
				lastState = state
				r.emit(ctx, w, Transition{
					State:      state,
					Generation: exec.Generation,
					Execution:  exec,
					Message:    exec.Message(),
				})
				if state.IsTerminal() {
					log.Info("Execution finished", zap.String("state", string(state)), zap.Int64("generation", exec.Generation))
					return
				}
				b = r.cfg.newBackoff()
			}

		case ctx.Err() != nil:
			return

		case backend.IsNotFound(err):
			log.Warn("Execution disappeared", zap.Error(err))
			r.emit(ctx, w, Transition{
				State:      types.RunStateLost,
				Generation: lastGen,
				Message:    "execution no longer exists on the backend",
				Err:        err,
			})
			return

		case backend.IsTransient(err):
			transientErrs++
			if transientErrs > r.cfg.MaxTransientErrors {
				log.Error("Giving up on execution", zap.Int("transient_errors", transientErrs), zap.Error(err))
				r.emit(ctx, w, Transition{
					State:      types.RunStateCrashed,
					Generation: lastGen,
					Message:    fmt.Sprintf("%d consecutive transient poll errors", transientErrs),
					Err:        fmt.Errorf("%w: %w", ErrReconcile, err),
				})
				return
			}
			log.Debug("Transient poll error", zap.Int("transient_errors", transientErrs), zap.Error(err))

		default:
			log.Error("Poll failed", zap.Error(err))
			r.emit(ctx, w, Transition{
				State:      types.RunStateCrashed,
				Generation: lastGen,
				Message:    err.Error(),
				Err:        fmt.Errorf("%w: %w", ErrReconcile, err),
			})
			return
		}

		delay, _ := b.Next()
		if remaining := deadline.Sub(r.now()); delay > remaining {
			delay = max(remaining, 0)
		}
		if err := r.sleeper.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// cancel issues the backend cancel once. Failures are logged only: the
// authoritative state still comes from polling.
func (r *Reconciler) cancel(ctx context.Context, w *watch, log *zap.Logger) {
	err := r.adapter.Cancel(ctx, w.ref)
	switch {
	case err == nil:
		log.Info("Cancel sent")
	case backend.IsUnsupported(err):
		log.Warn("Backend cannot cancel executions", zap.String("backend", r.adapter.Name()))
	default:
		log.Warn("Cancel failed", zap.Error(err))
	}
}

func (r *Reconciler) emit(ctx context.Context, w *watch, t Transition) {
	t.TaskRunID = w.target.TaskRunID
	t.Attempt = w.target.Attempt
	t.ObservedAt = r.now()

	// Terminal transitions free the slot first so the sink can start the
	// next attempt for the same task run.
	if t.Terminal() {
		r.release(w)
	}
	r.sink.HandleTransition(ctx, t)
}
