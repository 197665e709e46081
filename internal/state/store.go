package state

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danpasecinic/execflow/internal/types"
)

var (
	// ErrFlowNotFound is returned when a flow is not found in the store
	ErrFlowNotFound = errors.New("flow not found")
	// ErrFlowAlreadyExists is returned when adding a flow whose ID or name is taken
	ErrFlowAlreadyExists = errors.New("flow already exists")
	// ErrFlowRunNotFound is returned when a flow run is not found in the store
	ErrFlowRunNotFound = errors.New("flow run not found")
	// ErrFlowRunAlreadyExists is returned when attempting to add a duplicate flow run
	ErrFlowRunAlreadyExists = errors.New("flow run already exists")
	// ErrTaskRunNotFound is returned when a task run is not found in the store
	ErrTaskRunNotFound = errors.New("task run not found")
	// ErrTaskRunAlreadyExists is returned when attempting to add a duplicate task run
	ErrTaskRunAlreadyExists = errors.New("task run already exists")
)

// FlowRunUpdate contains fields that can be updated for a flow run
type FlowRunUpdate struct {
	State      *types.RunState
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// TaskRunUpdate contains fields that can be updated for a task run
type TaskRunUpdate struct {
	State           *types.RunState
	Backend         *string
	JobName         *string
	ExecutionName   *string
	Generation      *int64
	Attempt         *int
	CancelRequested *bool
	Message         *string
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// IsZero reports whether the update changes nothing.
func (u TaskRunUpdate) IsZero() bool {
	return u == TaskRunUpdate{}
}

func (u TaskRunUpdate) apply(tr *types.TaskRun, now time.Time) {
	if u.State != nil {
		tr.State = *u.State
	}
	if u.Backend != nil {
		tr.Backend = *u.Backend
	}
	if u.JobName != nil {
		tr.JobName = *u.JobName
	}
	if u.ExecutionName != nil {
		tr.ExecutionName = *u.ExecutionName
	}
	if u.Generation != nil {
		tr.Generation = *u.Generation
	}
	if u.Attempt != nil {
		tr.Attempt = *u.Attempt
	}
	if u.CancelRequested != nil {
		tr.CancelRequested = *u.CancelRequested
	}
	if u.Message != nil {
		tr.Message = *u.Message
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		tr.StartedAt = &t
	}
	if u.FinishedAt != nil {
		t := *u.FinishedAt
		tr.FinishedAt = &t
	}
	tr.UpdatedAt = now
}

// StateStore defines the interface for managing flow and task-run state
type StateStore interface {
	// Flow operations
	AddFlow(flow types.Flow) error
	GetFlow(flowID string) (types.Flow, error)
	GetFlowByName(name string) (types.Flow, error)
	ReadFlows(filter types.FlowFilter) ([]types.Flow, error)
	DeleteFlow(flowID string) error

	// Flow run operations
	AddFlowRun(run types.FlowRun) error
	GetFlowRun(runID string) (types.FlowRun, error)
	UpdateFlowRun(runID string, updates FlowRunUpdate) error
	ListFlowRuns(flowID string) ([]types.FlowRun, error)

	// Task run operations
	AddTaskRun(run types.TaskRun) error
	GetTaskRun(runID string) (types.TaskRun, error)
	UpdateTaskRun(runID string, updates TaskRunUpdate) error
	ListTaskRuns(filter types.TaskRunFilter) ([]types.TaskRun, error)
	DeleteTaskRun(runID string) error

	// RecordOutcome persists a terminal outcome and applies updates to its
	// task run atomically. It reports false, without applying updates, when
	// an outcome with the same (TaskRunID, Attempt, Generation) exists.
	RecordOutcome(outcome types.Outcome, updates TaskRunUpdate) (bool, error)
	ListOutcomes(taskRunID string) ([]types.Outcome, error)

	Close() error
}

type outcomeKey struct {
	taskRunID  string
	attempt    int
	generation int64
}

// InMemoryStore is a thread-safe in-memory implementation of StateStore
type InMemoryStore struct {
	mu       sync.RWMutex
	flows    map[string]types.Flow
	flowRuns map[string]types.FlowRun
	taskRuns map[string]types.TaskRun
	outcomes map[outcomeKey]types.Outcome
	now      func() time.Time
}

// NewInMemoryStore creates a new in-memory state store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:    make(map[string]types.Flow),
		flowRuns: make(map[string]types.FlowRun),
		taskRuns: make(map[string]types.TaskRun),
		outcomes: make(map[outcomeKey]types.Outcome),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// AddFlow adds a new flow to the store. Flow names are unique.
func (s *InMemoryStore) AddFlow(flow types.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[flow.ID]; exists {
		return ErrFlowAlreadyExists
	}
	for _, f := range s.flows {
		if f.Name == flow.Name {
			return ErrFlowAlreadyExists
		}
	}

	flow.Tags = append([]string(nil), flow.Tags...)
	s.flows[flow.ID] = flow
	return nil
}

// GetFlow retrieves a flow by ID
func (s *InMemoryStore) GetFlow(flowID string) (types.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, exists := s.flows[flowID]
	if !exists {
		return types.Flow{}, ErrFlowNotFound
	}
	return flow, nil
}

// GetFlowByName retrieves a flow by its unique name
func (s *InMemoryStore) GetFlowByName(name string) (types.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.flows {
		if f.Name == name {
			return f, nil
		}
	}
	return types.Flow{}, ErrFlowNotFound
}

// ReadFlows returns the flows passing filter, oldest first
func (s *InMemoryStore) ReadFlows(filter types.FlowFilter) ([]types.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flows := make([]types.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		if filter.Matches(f) {
			flows = append(flows, f)
		}
	}
	sort.Slice(flows, func(i, j int) bool {
		if !flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].CreatedAt.Before(flows[j].CreatedAt)
		}
		return flows[i].Name < flows[j].Name
	})
	return flows, nil
}

// DeleteFlow removes a flow from the store
func (s *InMemoryStore) DeleteFlow(flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[flowID]; !exists {
		return ErrFlowNotFound
	}
	delete(s.flows, flowID)

	for runID, run := range s.flowRuns {
		if run.FlowID != flowID {
			continue
		}
		delete(s.flowRuns, runID)
		for taskRunID, tr := range s.taskRuns {
			if tr.FlowRunID == runID {
				s.deleteTaskRunLocked(taskRunID)
			}
		}
	}
	return nil
}

// AddFlowRun adds a new flow run to the store
func (s *InMemoryStore) AddFlowRun(run types.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flowRuns[run.ID]; exists {
		return ErrFlowRunAlreadyExists
	}
	if _, exists := s.flows[run.FlowID]; !exists {
		return ErrFlowNotFound
	}
	s.flowRuns[run.ID] = run
	return nil
}

// GetFlowRun retrieves a flow run by ID
func (s *InMemoryStore) GetFlowRun(runID string) (types.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.flowRuns[runID]
	if !exists {
		return types.FlowRun{}, ErrFlowRunNotFound
	}
	return run, nil
}

// UpdateFlowRun updates specific fields of a flow run
func (s *InMemoryStore) UpdateFlowRun(runID string, updates FlowRunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.flowRuns[runID]
	if !exists {
		return ErrFlowRunNotFound
	}
	if updates.State != nil {
		run.State = *updates.State
	}
	if updates.StartedAt != nil {
		t := *updates.StartedAt
		run.StartedAt = &t
	}
	if updates.FinishedAt != nil {
		t := *updates.FinishedAt
		run.FinishedAt = &t
	}
	s.flowRuns[runID] = run
	return nil
}

// ListFlowRuns returns the runs of a flow (all runs when flowID is empty), oldest first
func (s *InMemoryStore) ListFlowRuns(flowID string) ([]types.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]types.FlowRun, 0)
	for _, r := range s.flowRuns {
		if flowID == "" || r.FlowID == flowID {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

// AddTaskRun adds a new task run to the store
func (s *InMemoryStore) AddTaskRun(run types.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.taskRuns[run.ID]; exists {
		return ErrTaskRunAlreadyExists
	}
	if run.FlowRunID != "" {
		if _, exists := s.flowRuns[run.FlowRunID]; !exists {
			return ErrFlowRunNotFound
		}
	}
	run.Definition = run.Definition.WithDefaults()
	s.taskRuns[run.ID] = run
	return nil
}

// GetTaskRun retrieves a task run by ID
func (s *InMemoryStore) GetTaskRun(runID string) (types.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.taskRuns[runID]
	if !exists {
		return types.TaskRun{}, ErrTaskRunNotFound
	}
	return run, nil
}

// UpdateTaskRun updates specific fields of a task run
func (s *InMemoryStore) UpdateTaskRun(runID string, updates TaskRunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.taskRuns[runID]
	if !exists {
		return ErrTaskRunNotFound
	}
	updates.apply(&run, s.now())
	s.taskRuns[runID] = run
	return nil
}

// ListTaskRuns returns the task runs passing filter, oldest first
func (s *InMemoryStore) ListTaskRuns(filter types.TaskRunFilter) ([]types.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]types.TaskRun, 0)
	for _, r := range s.taskRuns {
		if filter.Matches(r) {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

// DeleteTaskRun removes a task run and its outcomes from the store
func (s *InMemoryStore) DeleteTaskRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.taskRuns[runID]; !exists {
		return ErrTaskRunNotFound
	}
	s.deleteTaskRunLocked(runID)
	return nil
}

func (s *InMemoryStore) deleteTaskRunLocked(runID string) {
	delete(s.taskRuns, runID)
	for k := range s.outcomes {
		if k.taskRunID == runID {
			delete(s.outcomes, k)
		}
	}
}

// RecordOutcome implements StateStore.
func (s *InMemoryStore) RecordOutcome(outcome types.Outcome, updates TaskRunUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.taskRuns[outcome.TaskRunID]
	if !exists {
		return false, ErrTaskRunNotFound
	}

	key := outcomeKey{taskRunID: outcome.TaskRunID, attempt: outcome.Attempt, generation: outcome.Generation}
	if _, dup := s.outcomes[key]; dup {
		return false, nil
	}

	now := s.now()
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = now
	}
	s.outcomes[key] = outcome

	updates.apply(&run, now)
	s.taskRuns[outcome.TaskRunID] = run
	return true, nil
}

// ListOutcomes returns the outcomes of a task run in attempt order
func (s *InMemoryStore) ListOutcomes(taskRunID string) ([]types.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Outcome, 0)
	for k, o := range s.outcomes {
		if k.taskRunID == taskRunID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempt != out[j].Attempt {
			return out[i].Attempt < out[j].Attempt
		}
		return out[i].Generation < out[j].Generation
	})
	return out, nil
}
