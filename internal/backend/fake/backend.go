// Package fake implements an in-memory, scriptable backend.Adapter.
//
// It is used by the reconcile and coordinator tests, by the test harness, and
// by the server when backend.type is "fake" (local development without cloud
// credentials).
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/types"
)

const parent = "projects/fake/locations/local"

// Script controls how executions of one job definition progress.
type Script struct {
	// PollsToComplete is the number of polls observed as RUNNING before the
	// execution completes. Zero completes on the first poll.
	PollsToComplete int

	// State is the final phase: SUCCEEDED (default), FAILED or CANCELLED.
	State types.RunState

	// Message is reported on the Completed condition.
	Message string

	// Hang keeps the execution running until cancelled or released.
	Hang bool

	// MissingContainer makes Submit fail with a configuration error whose
	// message is Message.
	MissingContainer bool
}

type execution struct {
	record    types.Execution
	script    Script
	polls     int
	cancelled bool
	staleNext bool
}

// Backend is a concurrency-safe fake of a job-execution backend.
type Backend struct {
	mu sync.Mutex

	jobs       map[string]types.Job
	executions map[string]*execution
	byJob      map[string][]string
	scripts    map[string]Script
	calls      map[string]int

	defaultScript     Script
	cancelUnsupported bool
	ambiguousCreates  int
	submitErrs        []error
	pollErrs          map[string][]error

	sleeper     backend.Sleeper
	settleDelay time.Duration
	deleteLog   []string
	now         func() time.Time
}

var _ backend.Adapter = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithDefaultScript sets the script used for definitions without their own.
func WithDefaultScript(s Script) Option {
	return func(b *Backend) { b.defaultScript = s }
}

// WithoutCancel makes Cancel return backend.ErrUnsupported.
func WithoutCancel() Option {
	return func(b *Backend) { b.cancelUnsupported = true }
}

// WithSettleDelay sets the delay awaited after each execution delete.
func WithSettleDelay(s backend.Sleeper, d time.Duration) Option {
	return func(b *Backend) {
		b.sleeper = s
		b.settleDelay = d
	}
}

// New creates an empty fake backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		jobs:       make(map[string]types.Job),
		executions: make(map[string]*execution),
		byJob:      make(map[string][]string),
		scripts:    make(map[string]Script),
		calls:      make(map[string]int),
		pollErrs:   make(map[string][]error),
		sleeper:    backend.NoSleep{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements backend.Adapter.
func (b *Backend) Name() string { return backend.TypeFake.String() }

// Capabilities implements backend.Adapter.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Cancel: !b.cancelUnsupported}
}

// SetScript registers the script for executions of the named definition.
func (b *Backend) SetScript(definitionName string, s Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[definitionName] = s
}

// FailCreatesAmbiguously makes the next n creates succeed remotely but report
// a transient error to the caller, as a dropped response would.
func (b *Backend) FailCreatesAmbiguously(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ambiguousCreates = n
}

// FailNextSubmit queues errors returned by the next Submit calls.
func (b *Backend) FailNextSubmit(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErrs = append(b.submitErrs, errs...)
}

// FailNextPolls queues errors returned by the next polls of an execution.
func (b *Backend) FailNextPolls(executionName string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollErrs[executionName] = append(b.pollErrs[executionName], errs...)
}

// ReturnStaleNext makes the next poll of an execution report a generation
// lower than the last one returned.
func (b *Backend) ReturnStaleNext(executionName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.executions[executionName]; ok {
		e.staleNext = true
	}
}

// Release lets a hanging execution complete on its next poll.
func (b *Backend) Release(executionName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.executions[executionName]; ok {
		e.script.Hang = false
		e.script.PollsToComplete = 0
	}
}

// Expire removes an execution behind the caller's back.
func (b *Backend) Expire(executionName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.executions, executionName)
}

// Calls returns how many times op was invoked ("jobs.create", "Poll", ...).
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// JobCount returns the number of jobs currently present.
func (b *Backend) JobCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

// DeleteLog returns the resource names deleted, in order.
func (b *Backend) DeleteLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleteLog...)
}

// Execution returns a snapshot of an execution.
func (b *Backend) Execution(name string) (types.Execution, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.executions[name]
	if !ok {
		return types.Execution{}, false
	}
	return e.record, true
}

// Submit implements backend.Adapter.
func (b *Backend) Submit(ctx context.Context, def types.JobDefinition, idempotencyKey string) (*types.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["Submit"]++

	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		return nil, err
	}

	script, ok := b.scripts[def.Name]
	if !ok {
		script = b.defaultScript
	}
	if script.MissingContainer {
		return nil, &backend.Error{
			Op:      "Submit",
			Backend: b.Name(),
			Err:     &types.ConfigurationError{Reason: types.ReasonContainerMissing, Message: script.Message},
		}
	}

	jobName := parent + "/jobs/" + backend.DerivedName(def.Name, idempotencyKey)

	// Probe-then-create, retried once when the create response is lost.
	for attempt := 0; ; attempt++ {
		b.calls["jobs.get"]++
		if _, exists := b.jobs[jobName]; exists {
			break
		}
		b.calls["jobs.create"]++
		b.createJob(jobName, def)
		if b.ambiguousCreates > 0 && attempt == 0 {
			b.ambiguousCreates--
			continue
		}
		break
	}

	if names := b.byJob[jobName]; len(names) > 0 {
		rec := b.executions[names[len(names)-1]].record
		return &rec, nil
	}

	b.calls["jobs.run"]++
	now := b.now()
	execName := fmt.Sprintf("%s/executions/%s-1", jobName, backend.ShortName(jobName))
	e := &execution{
		script: script,
		record: types.Execution{
			Name:        execName,
			UID:         backend.DerivedName("uid", execName),
			Generation:  1,
			Job:         jobName,
			Labels:      def.Labels,
			CreateTime:  now,
			LaunchStage: def.LaunchStage,
			Parallelism: def.Parallelism,
			TaskCount:   max(def.TaskCount, 1),
		},
	}
	b.executions[execName] = e
	b.byJob[jobName] = append(b.byJob[jobName], execName)

	job := b.jobs[jobName]
	job.ExecutionCount++
	job.LatestCreatedExecution = &types.ExecutionReference{Name: execName, CreateTime: &now}
	b.jobs[jobName] = job

	rec := e.record
	return &rec, nil
}

func (b *Backend) createJob(name string, def types.JobDefinition) {
	now := b.now()
	b.jobs[name] = types.Job{
		Name:              name,
		UID:               backend.DerivedName("uid", name),
		Generation:        1,
		Labels:            def.Labels,
		Annotations:       def.Annotations,
		CreateTime:        now,
		UpdateTime:        now,
		LaunchStage:       types.LaunchStageGA,
		TerminalCondition: &types.Condition{Type: types.ConditionTypeReady, State: types.ConditionSucceeded},
	}
}

// Poll implements backend.Adapter.
func (b *Backend) Poll(ctx context.Context, ref backend.ExecutionRef) (*types.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["Poll"]++

	if errs := b.pollErrs[ref.Name]; len(errs) > 0 {
		b.pollErrs[ref.Name] = errs[1:]
		return nil, errs[0]
	}

	e, ok := b.executions[ref.Name]
	if !ok {
		return nil, &backend.Error{Op: "Poll", Backend: b.Name(), Resource: ref.Name, Err: backend.ErrNotFound}
	}

	if e.staleNext {
		e.staleNext = false
		stale := e.record
		stale.Generation = max(stale.Generation-1, 0)
		return &stale, nil
	}

	if e.record.CompletionTime == nil {
		b.advance(e)
	}
	rec := e.record
	return &rec, nil
}

func (b *Backend) advance(e *execution) {
	now := b.now()
	e.polls++

	switch {
	case e.cancelled:
		b.complete(e, types.RunStateCancelled, "cancelled by request", now)
	case e.script.Hang || e.polls <= e.script.PollsToComplete:
		if e.record.StartTime == nil {
			e.record.StartTime = &now
			e.record.RunningCount = e.record.TaskCount
			e.record.Generation++
			e.record.Conditions = append(e.record.Conditions, types.Condition{
				Type:               types.ConditionTypeStarted,
				State:              types.ConditionSucceeded,
				LastTransitionTime: &now,
			})
		}
	default:
		state := e.script.State
		if state == "" {
			state = types.RunStateSucceeded
		}
		b.complete(e, state, e.script.Message, now)
	}
}

func (b *Backend) complete(e *execution, state types.RunState, msg string, now time.Time) {
	if e.record.StartTime == nil {
		e.record.StartTime = &now
	}
	e.record.CompletionTime = &now
	e.record.RunningCount = 0
	e.record.Generation++

	cond := types.Condition{Type: types.ConditionTypeCompleted, Message: msg, LastTransitionTime: &now}
	switch state {
	case types.RunStateSucceeded:
		cond.State = types.ConditionSucceeded
		e.record.SucceededCount = e.record.TaskCount
	case types.RunStateCancelled:
		cond.State = types.ConditionFailed
		cond.Reason = types.ReasonCancelled
		e.record.CancelledCount = e.record.TaskCount
	default:
		cond.State = types.ConditionFailed
		e.record.FailedCount = e.record.TaskCount
	}
	e.record.Conditions = append(e.record.Conditions, cond)
}

// Cancel implements backend.Adapter.
func (b *Backend) Cancel(ctx context.Context, ref backend.ExecutionRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["Cancel"]++

	if b.cancelUnsupported {
		return &backend.Error{Op: "Cancel", Backend: b.Name(), Resource: ref.Name, Err: backend.ErrUnsupported}
	}
	e, ok := b.executions[ref.Name]
	if !ok {
		return &backend.Error{Op: "Cancel", Backend: b.Name(), Resource: ref.Name, Err: backend.ErrNotFound}
	}
	e.cancelled = true
	return nil
}

// Delete implements backend.Adapter.
func (b *Backend) Delete(ctx context.Context, ref backend.JobRef) error {
	b.mu.Lock()
	b.calls["Delete"]++
	if _, ok := b.jobs[ref.Name]; !ok {
		b.mu.Unlock()
		return &backend.Error{Op: "Delete", Backend: b.Name(), Resource: ref.Name, Err: backend.ErrNotFound}
	}
	names := append([]string(nil), b.byJob[ref.Name]...)
	b.mu.Unlock()

	for _, name := range names {
		b.mu.Lock()
		b.calls["executions.delete"]++
		delete(b.executions, name)
		b.deleteLog = append(b.deleteLog, name)
		b.mu.Unlock()

		if err := b.sleeper.Sleep(ctx, b.settleDelay); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["jobs.delete"]++
	delete(b.jobs, ref.Name)
	delete(b.byJob, ref.Name)
	b.deleteLog = append(b.deleteLog, ref.Name)
	return nil
}
