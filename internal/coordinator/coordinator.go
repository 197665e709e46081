// Package coordinator owns the mapping from task runs to backend executions.
//
// It admits at most one active execution per task run, submits work through
// a backend.Adapter, hands executions to the reconciler, and persists each
// terminal outcome exactly once. The StateStore is the source of truth: after
// a restart Resume rebuilds the in-memory view by polling again.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/reconcile"
	"github.com/danpasecinic/execflow/internal/state"
	"github.com/danpasecinic/execflow/internal/types"
)

var (
	// ErrAlreadyRunning is returned when a task run already has a
	// non-terminal execution.
	ErrAlreadyRunning = errors.New("task run already has an active execution")

	// ErrTaskRunNotFound is returned for unknown task runs.
	ErrTaskRunNotFound = state.ErrTaskRunNotFound

	// ErrUnsupported is returned when the backend lacks an operation.
	ErrUnsupported = backend.ErrUnsupported

	// ErrNotActive is returned when cancelling a task run that has finished.
	ErrNotActive = errors.New("task run is not active")

	// ErrInvalidRequest wraps validation failures of a SubmitRequest.
	ErrInvalidRequest = errors.New("invalid request")
)

// SubmitRequest asks for a definition to be run as a task run.
type SubmitRequest struct {
	// TaskRunID identifies the logical unit of work. Generated when empty.
	TaskRunID string `json:"taskRunId,omitempty" yaml:"taskRunId,omitempty"`

	// FlowRunID optionally groups the task run under a flow run.
	FlowRunID string `json:"flowRunId,omitempty" yaml:"flowRunId,omitempty"`

	// Name defaults to the definition name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Definition types.JobDefinition `json:"definition" yaml:"definition"`

	// MaxRetries is how many times a FAILED execution is resubmitted.
	MaxRetries int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// Validate checks the request before anything is persisted.
func (r SubmitRequest) Validate() error {
	if err := r.Definition.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be non-negative", ErrInvalidRequest)
	}
	return nil
}

// IdempotencyKey is the backend key for one attempt of a task run. Retrying
// the same attempt reuses the key; a new attempt gets a new one.
func IdempotencyKey(taskRunID string, attempt int) string {
	return fmt.Sprintf("%s-%d", taskRunID, attempt)
}

type active struct {
	attempt   int
	execution types.Execution
}

type pendingOutcome struct {
	outcome types.Outcome
	update  state.TaskRunUpdate
}

// Coordinator drives task runs on a single backend.
type Coordinator struct {
	store   state.StateStore
	adapter backend.Adapter
	recon   *reconcile.Reconciler
	locks   *keyLock
	logger  *zap.Logger
	now     func() time.Time

	onPersistError func(types.Outcome, error)
	reconcileOpts  []reconcile.Option

	mu      sync.Mutex
	active  map[string]active
	pending map[string]pendingOutcome
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger shared with the reconciler.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithReconcileOptions passes options through to the reconciler.
func WithReconcileOptions(opts ...reconcile.Option) Option {
	return func(c *Coordinator) { c.reconcileOpts = append(c.reconcileOpts, opts...) }
}

// OnPersistError registers a hook called when a terminal outcome could not be
// written. The outcome stays pending until RetryPendingOutcomes succeeds.
func OnPersistError(fn func(types.Outcome, error)) Option {
	return func(c *Coordinator) { c.onPersistError = fn }
}

// New creates a Coordinator and its reconciler.
func New(store state.StateStore, adapter backend.Adapter, cfg reconcile.Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		adapter: adapter,
		locks:   newKeyLock(),
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		active:  make(map[string]active),
		pending: make(map[string]pendingOutcome),
	}
	for _, opt := range opts {
		opt(c)
	}

	ropts := append([]reconcile.Option{reconcile.WithLogger(c.logger)}, c.reconcileOpts...)
	c.recon = reconcile.New(adapter, c, cfg, ropts...)
	return c
}

// Backend returns the adapter the coordinator submits to.
func (c *Coordinator) Backend() backend.Adapter {
	return c.adapter
}

// Close stops tracking executions. Remote executions keep running and are
// picked up again by Resume.
func (c *Coordinator) Close() {
	c.recon.Close()
}

// Submit creates a task run (or a new attempt of a finished one) and submits
// its first execution. A task run with a non-terminal execution is rejected
// with ErrAlreadyRunning.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (types.TaskRun, error) {
	if err := req.Validate(); err != nil {
		return types.TaskRun{}, err
	}

	id := req.TaskRunID
	if id == "" {
		id = uuid.NewString()
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	if c.isActive(id) {
		return types.TaskRun{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	run, err := c.store.GetTaskRun(id)
	switch {
	case err == nil:
		if !run.State.IsTerminal() {
			return types.TaskRun{}, fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, id, run.State)
		}
		// A finished task run starts a fresh attempt with its stored definition.
		run, err = c.resetForRerun(run)
		if err != nil {
			return types.TaskRun{}, err
		}

	case errors.Is(err, state.ErrTaskRunNotFound):
		name := req.Name
		if name == "" {
			name = req.Definition.Name
		}
		now := c.now()
		run = types.TaskRun{
			ID:         id,
			FlowRunID:  req.FlowRunID,
			Name:       name,
			State:      types.RunStatePending,
			Definition: req.Definition.WithDefaults(),
			Backend:    c.adapter.Name(),
			MaxRetries: req.MaxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := c.store.AddTaskRun(run); err != nil {
			return types.TaskRun{}, fmt.Errorf("failed to add task run: %w", err)
		}
		c.markFlowRunStarted(run.FlowRunID)

	default:
		return types.TaskRun{}, fmt.Errorf("failed to get task run: %w", err)
	}

	if err := c.startAttempt(ctx, run, run.Attempt+1); err != nil {
		if latest, gerr := c.store.GetTaskRun(id); gerr == nil {
			return latest, err
		}
		return run, err
	}
	return c.store.GetTaskRun(id)
}

func (c *Coordinator) resetForRerun(run types.TaskRun) (types.TaskRun, error) {
	pending := types.RunStatePending
	empty := ""
	var zero int64
	cancel := false
	err := c.store.UpdateTaskRun(run.ID, state.TaskRunUpdate{
		State:           &pending,
		ExecutionName:   &empty,
		Generation:      &zero,
		CancelRequested: &cancel,
		Message:         &empty,
	})
	if err != nil {
		return types.TaskRun{}, fmt.Errorf("failed to reset task run: %w", err)
	}
	return c.store.GetTaskRun(run.ID)
}

// startAttempt submits attempt for run. The caller holds the task run lock.
// The attempt number is persisted before the backend call so a restart can
// resubmit under the same idempotency key.
func (c *Coordinator) startAttempt(ctx context.Context, run types.TaskRun, attempt int) error {
	log := c.logger.With(zap.String("task_run_id", run.ID), zap.Int("attempt", attempt))

	pending := types.RunStatePending
	backendName := c.adapter.Name()
	if err := c.store.UpdateTaskRun(run.ID, state.TaskRunUpdate{
		State:   &pending,
		Attempt: &attempt,
		Backend: &backendName,
	}); err != nil {
		return fmt.Errorf("failed to persist attempt: %w", err)
	}

	exec, err := c.adapter.Submit(ctx, run.Definition, IdempotencyKey(run.ID, attempt))
	if err != nil {
		if ctx.Err() != nil {
			// Left PENDING; Resume resubmits under the same key.
			log.Warn("Submit interrupted", zap.Error(err))
			return fmt.Errorf("submit task run %s: %w", run.ID, err)
		}
		log.Error("Submit failed", zap.Error(err))
		c.finishWithoutExecution(run, attempt, err)
		return fmt.Errorf("submit task run %s: %w", run.ID, err)
	}

	submitted := types.RunStateSubmitted
	started := c.now()
	update := state.TaskRunUpdate{
		State:         &submitted,
		JobName:       &exec.Job,
		ExecutionName: &exec.Name,
		Generation:    &exec.Generation,
	}
	if run.StartedAt == nil {
		update.StartedAt = &started
	}
	if err := c.store.UpdateTaskRun(run.ID, update); err != nil {
		log.Error("Failed to persist submitted execution", zap.String("execution", exec.Name), zap.Error(err))
	}

	c.setActive(run.ID, active{attempt: attempt, execution: *exec})
	if err := c.recon.Watch(reconcile.Target{
		TaskRunID:       run.ID,
		Attempt:         attempt,
		Execution:       *exec,
		CancelRequested: run.CancelRequested,
	}); err != nil {
		c.clearActive(run.ID)
		return fmt.Errorf("watch task run %s: %w", run.ID, err)
	}

	log.Info("Execution submitted", zap.String("execution", exec.Name), zap.String("backend", backendName))
	return nil
}

// finishWithoutExecution records a CRASHED outcome for an attempt whose
// submission failed.
func (c *Coordinator) finishWithoutExecution(run types.TaskRun, attempt int, cause error) {
	crashed := types.RunStateCrashed
	msg := cause.Error()
	finished := c.now()
	c.persistOutcome(
		types.Outcome{
			TaskRunID:  run.ID,
			Attempt:    attempt,
			State:      crashed,
			Message:    msg,
			RecordedAt: finished,
		},
		state.TaskRunUpdate{State: &crashed, Message: &msg, FinishedAt: &finished},
	)
	c.completeFlowRun(run.FlowRunID)
}

// HandleTransition applies a reconciler transition. It implements
// reconcile.Sink.
func (c *Coordinator) HandleTransition(ctx context.Context, t reconcile.Transition) {
	unlock := c.locks.Lock(t.TaskRunID)
	defer unlock()

	log := c.logger.With(
		zap.String("task_run_id", t.TaskRunID),
		zap.Int("attempt", t.Attempt),
		zap.String("state", string(t.State)),
		zap.Int64("generation", t.Generation),
	)

	cur, ok := c.getActive(t.TaskRunID)
	if !ok || cur.attempt != t.Attempt {
		log.Debug("Dropping transition for inactive attempt")
		return
	}

	if !t.Terminal() {
		if t.Execution != nil {
			cur.execution = *t.Execution
			c.setActive(t.TaskRunID, cur)
		}
		st := t.State
		gen := t.Generation
		if err := c.store.UpdateTaskRun(t.TaskRunID, state.TaskRunUpdate{State: &st, Generation: &gen}); err != nil {
			log.Warn("Failed to persist transition", zap.Error(err))
		}
		return
	}

	c.clearActive(t.TaskRunID)

	run, err := c.store.GetTaskRun(t.TaskRunID)
	if err != nil {
		log.Error("Task run vanished before its outcome was recorded", zap.Error(err))
		return
	}

	retry := t.State == types.RunStateFailed && !run.CancelRequested && t.Attempt <= run.MaxRetries

	outcome := types.Outcome{
		TaskRunID:     t.TaskRunID,
		Generation:    t.Generation,
		Attempt:       t.Attempt,
		State:         t.State,
		ExecutionName: cur.execution.Name,
		Message:       t.Message,
		RecordedAt:    t.ObservedAt,
	}
	if outcome.Message == "" && t.Err != nil {
		outcome.Message = t.Err.Error()
	}

	msg := outcome.Message
	gen := t.Generation
	update := state.TaskRunUpdate{Message: &msg, Generation: &gen}
	if retry {
		next := types.RunStatePending
		empty := ""
		update.State = &next
		update.ExecutionName = &empty
	} else {
		final := t.State
		finished := t.ObservedAt
		update.State = &final
		update.FinishedAt = &finished
	}

	if !c.persistOutcome(outcome, update) {
		return
	}
	log.Info("Execution outcome recorded", zap.Bool("retry", retry))

	if retry {
		run.State = types.RunStatePending
		run.ExecutionName = ""
		if err := c.startAttempt(ctx, run, t.Attempt+1); err != nil {
			log.Error("Retry submission failed", zap.Error(err))
		}
		return
	}
	c.completeFlowRun(run.FlowRunID)
}

// persistOutcome writes a terminal outcome once and reports whether this call
// wrote it. On failure the outcome is kept pending and reported.
func (c *Coordinator) persistOutcome(outcome types.Outcome, update state.TaskRunUpdate) bool {
	recorded, err := c.store.RecordOutcome(outcome, update)
	if err != nil {
		c.logger.Error(
			"Failed to persist outcome",
			zap.String("task_run_id", outcome.TaskRunID),
			zap.Int("attempt", outcome.Attempt),
			zap.String("state", string(outcome.State)),
			zap.Error(err),
		)
		c.mu.Lock()
		c.pending[outcome.TaskRunID] = pendingOutcome{outcome: outcome, update: update}
		c.mu.Unlock()
		if c.onPersistError != nil {
			c.onPersistError(outcome, err)
		}
		return false
	}
	if !recorded {
		c.logger.Debug(
			"Outcome already recorded",
			zap.String("task_run_id", outcome.TaskRunID),
			zap.Int("attempt", outcome.Attempt),
			zap.Int64("generation", outcome.Generation),
		)
	}
	return recorded
}

// PendingOutcomes returns outcomes that could not be persisted yet.
func (c *Coordinator) PendingOutcomes() []types.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Outcome, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.outcome)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskRunID < out[j].TaskRunID })
	return out
}

// RetryPendingOutcomes tries to persist pending outcomes again and resumes
// any retry that was waiting on them. It returns how many were written.
func (c *Coordinator) RetryPendingOutcomes(ctx context.Context) (int, error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	written := 0
	var errs []error
	for _, id := range ids {
		if err := c.retryPending(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}

func (c *Coordinator) retryPending(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := c.store.RecordOutcome(p.outcome, p.update); err != nil {
		return fmt.Errorf("persist outcome for %s: %w", id, err)
	}

	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()

	run, err := c.store.GetTaskRun(id)
	if err != nil {
		return fmt.Errorf("get task run %s: %w", id, err)
	}
	if run.State == types.RunStatePending {
		return c.startAttempt(ctx, run, p.outcome.Attempt+1)
	}
	c.completeFlowRun(run.FlowRunID)
	return nil
}

// Cancel requests cancellation of a task run. The request is advisory: the
// backend cancel is sent at the next poll boundary and the terminal state
// still comes from polling.
func (c *Coordinator) Cancel(ctx context.Context, taskRunID string) error {
	unlock := c.locks.Lock(taskRunID)
	defer unlock()

	run, err := c.store.GetTaskRun(taskRunID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, taskRunID, run.State)
	}
	if !c.adapter.Capabilities().Cancel {
		return fmt.Errorf("cancel task run %s on %s: %w", taskRunID, c.adapter.Name(), ErrUnsupported)
	}

	requested := true
	if err := c.store.UpdateTaskRun(taskRunID, state.TaskRunUpdate{CancelRequested: &requested}); err != nil {
		return fmt.Errorf("failed to persist cancel request: %w", err)
	}

	if c.recon.RequestCancel(taskRunID) {
		c.logger.Info("Cancel requested", zap.String("task_run_id", taskRunID))
		return nil
	}

	// Not tracked here (for example between a restart and Resume). Send the
	// cancel directly; the next poll after Resume reports the outcome.
	if run.ExecutionName != "" {
		if err := c.adapter.Cancel(ctx, backend.ExecutionRef{Name: run.ExecutionName}); err != nil && !backend.IsNotFound(err) {
			return fmt.Errorf("cancel task run %s: %w", taskRunID, err)
		}
	}
	return nil
}

// Resume re-tracks every non-terminal task run in the store. Executions are
// polled again rather than trusted; task runs that never got an execution
// are resubmitted under their original idempotency key. It returns the number
// of task runs resumed.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	runs, err := c.store.ListTaskRuns(types.TaskRunFilter{
		States: []types.RunState{types.RunStatePending, types.RunStateSubmitted, types.RunStateRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list task runs: %w", err)
	}

	resumed := 0
	var errs []error
	for _, run := range runs {
		ok, err := c.resume(ctx, run)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			resumed++
		}
	}

	c.logger.Info("Resumed task runs", zap.Int("resumed", resumed), zap.Int("found", len(runs)))
	return resumed, errors.Join(errs...)
}

func (c *Coordinator) resume(ctx context.Context, run types.TaskRun) (bool, error) {
	unlock := c.locks.Lock(run.ID)
	defer unlock()

	if c.isActive(run.ID) {
		return false, nil
	}
	if run.Backend != "" && run.Backend != c.adapter.Name() {
		c.logger.Warn(
			"Skipping task run owned by another backend",
			zap.String("task_run_id", run.ID),
			zap.String("backend", run.Backend),
		)
		return false, nil
	}

	if run.ExecutionName == "" {
		attempt := max(run.Attempt, 1)
		if err := c.startAttempt(ctx, run, attempt); err != nil {
			return false, fmt.Errorf("resubmit task run %s: %w", run.ID, err)
		}
		return true, nil
	}

	exec := types.Execution{Name: run.ExecutionName, Job: run.JobName, Generation: run.Generation}
	c.setActive(run.ID, active{attempt: run.Attempt, execution: exec})
	if err := c.recon.Watch(reconcile.Target{
		TaskRunID:       run.ID,
		Attempt:         run.Attempt,
		Execution:       exec,
		CancelRequested: run.CancelRequested,
	}); err != nil {
		c.clearActive(run.ID)
		return false, fmt.Errorf("watch task run %s: %w", run.ID, err)
	}
	return true, nil
}

// DeleteJob removes a backend job and all of its executions.
func (c *Coordinator) DeleteJob(ctx context.Context, jobName string) error {
	if strings.TrimSpace(jobName) == "" {
		return fmt.Errorf("%w: job name is required", ErrInvalidRequest)
	}
	return c.adapter.Delete(ctx, backend.JobRef{Name: jobName})
}

// Active reports whether a task run has a tracked execution.
func (c *Coordinator) Active(taskRunID string) bool {
	return c.isActive(taskRunID)
}

// ActiveExecution returns the last observation of a task run's execution.
func (c *Coordinator) ActiveExecution(taskRunID string) (types.Execution, bool) {
	a, ok := c.getActive(taskRunID)
	return a.execution, ok
}

func (c *Coordinator) isActive(id string) bool {
	_, ok := c.getActive(id)
	return ok
}

func (c *Coordinator) getActive(id string) (active, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.active[id]
	return a, ok
}

func (c *Coordinator) setActive(id string, a active) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[id] = a
}

func (c *Coordinator) clearActive(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}

func (c *Coordinator) markFlowRunStarted(flowRunID string) {
	if flowRunID == "" {
		return
	}
	fr, err := c.store.GetFlowRun(flowRunID)
	if err != nil || fr.State != types.RunStatePending {
		return
	}
	running := types.RunStateRunning
	now := c.now()
	if err := c.store.UpdateFlowRun(flowRunID, state.FlowRunUpdate{State: &running, StartedAt: &now}); err != nil {
		c.logger.Warn("Failed to mark flow run started", zap.String("flow_run_id", flowRunID), zap.Error(err))
	}
}

// completeFlowRun finishes a flow run once all of its task runs are terminal.
// It succeeds only if every task run succeeded.
func (c *Coordinator) completeFlowRun(flowRunID string) {
	if flowRunID == "" {
		return
	}
	runs, err := c.store.ListTaskRuns(types.TaskRunFilter{FlowRunID: flowRunID})
	if err != nil {
		c.logger.Warn("Failed to list flow run tasks", zap.String("flow_run_id", flowRunID), zap.Error(err))
		return
	}

	final := types.RunStateSucceeded
	for _, r := range runs {
		if !r.State.IsTerminal() {
			return
		}
		if r.State != types.RunStateSucceeded {
			final = types.RunStateFailed
		}
	}

	now := c.now()
	if err := c.store.UpdateFlowRun(flowRunID, state.FlowRunUpdate{State: &final, FinishedAt: &now}); err != nil {
		c.logger.Warn("Failed to complete flow run", zap.String("flow_run_id", flowRunID), zap.Error(err))
	}
}
