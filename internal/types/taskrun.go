package types

import (
	"fmt"
	"strings"
	"time"
)

// RunState is the lifecycle state of a task run and of its tracked execution.
type RunState string

const (
	RunStatePending   RunState = "PENDING"
	RunStateSubmitted RunState = "SUBMITTED"
	RunStateRunning   RunState = "RUNNING"
	RunStateSucceeded RunState = "SUCCEEDED"
	RunStateFailed    RunState = "FAILED"
	RunStateCancelled RunState = "CANCELLED"
	// RunStateTimedOut is set locally when reconciliation exceeds its deadline.
	RunStateTimedOut RunState = "TIMED_OUT"
	// RunStateLost means the remote resource disappeared while being tracked.
	RunStateLost RunState = "LOST"
	// RunStateCrashed means reconciliation or submission failed fatally.
	RunStateCrashed RunState = "CRASHED"
)

// IsTerminal reports whether no further transitions can happen.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateCancelled,
		RunStateTimedOut, RunStateLost, RunStateCrashed:
		return true
	}
	return false
}

// ParseRunState parses a state name case-insensitively.
func ParseRunState(s string) (RunState, error) {
	state := RunState(strings.ToUpper(strings.TrimSpace(s)))
	switch state {
	case RunStatePending, RunStateSubmitted, RunStateRunning:
		return state, nil
	}
	if state.IsTerminal() {
		return state, nil
	}
	return "", fmt.Errorf("unknown run state %q", s)
}

// TaskRun is the coordinator's logical unit of work. A task run may go
// through several executions (one per attempt) but has at most one active.
type TaskRun struct {
	ID              string        `json:"id"`
	FlowRunID       string        `json:"flowRunId,omitempty"`
	Name            string        `json:"name"`
	State           RunState      `json:"state"`
	Definition      JobDefinition `json:"definition"`
	Backend         string        `json:"backend,omitempty"`
	JobName         string        `json:"jobName,omitempty"`
	ExecutionName   string        `json:"executionName,omitempty"`
	Generation      int64         `json:"generation"`
	Attempt         int           `json:"attempt"`
	MaxRetries      int           `json:"maxRetries"`
	CancelRequested bool          `json:"cancelRequested"`
	Message         string        `json:"message,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	FinishedAt      *time.Time    `json:"finishedAt,omitempty"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// TaskRunFilter narrows ListTaskRuns. Zero values match everything.
type TaskRunFilter struct {
	FlowRunID string
	States    []RunState
}

// Matches reports whether tr passes the filter.
func (f TaskRunFilter) Matches(tr TaskRun) bool {
	if f.FlowRunID != "" && tr.FlowRunID != f.FlowRunID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if tr.State == s {
			return true
		}
	}
	return false
}

// Outcome is the persisted terminal result of one execution of a task run.
// It is written at most once per (TaskRunID, Attempt, Generation): attempts
// scope the key because every attempt is a fresh execution whose generation
// restarts at the backend.
type Outcome struct {
	TaskRunID     string    `json:"taskRunId"`
	Generation    int64     `json:"generation"`
	Attempt       int       `json:"attempt"`
	State         RunState  `json:"state"`
	ExecutionName string    `json:"executionName,omitempty"`
	Message       string    `json:"message,omitempty"`
	RecordedAt    time.Time `json:"recordedAt"`
}
