package types

import (
	"errors"
	"fmt"
	"time"
)

// Execution is one remote attempt to run a JobDefinition.
//
// Conditions is the history as observed from the backend and is never
// rewritten locally. CompletionTime is set if and only if the execution has
// reached a terminal condition.
type Execution struct {
	Name        string            `json:"name"`
	UID         string            `json:"uid"`
	Generation  int64             `json:"generation"`
	Job         string            `json:"job"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`

	CreateTime     time.Time  `json:"createTime"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	CompletionTime *time.Time `json:"completionTime,omitempty"`
	DeleteTime     *time.Time `json:"deleteTime,omitempty"`
	ExpireTime     *time.Time `json:"expireTime,omitempty"`

	LaunchStage        LaunchStage `json:"launchStage"`
	Parallelism        int         `json:"parallelism"`
	TaskCount          int         `json:"taskCount"`
	Reconciling        bool        `json:"reconciling"`
	Conditions         []Condition `json:"conditions,omitempty"`
	ObservedGeneration int64       `json:"observedGeneration,omitempty"`

	RunningCount   int `json:"runningCount"`
	SucceededCount int `json:"succeededCount"`
	FailedCount    int `json:"failedCount"`
	CancelledCount int `json:"cancelledCount"`
	RetriedCount   int `json:"retriedCount"`

	LogURI       string `json:"logUri,omitempty"`
	SatisfiesPZS bool   `json:"satisfiesPzs"`
	Etag         string `json:"etag,omitempty"`
}

// IsRunning reports whether the execution has not completed yet.
func (e *Execution) IsRunning() bool {
	return e.CompletionTime == nil
}

// CompletedCondition returns the first condition of type Completed.
func (e *Execution) CompletedCondition() (Condition, bool) {
	for _, c := range e.Conditions {
		if c.Type == ConditionTypeCompleted {
			return c, true
		}
	}
	return Condition{}, false
}

// TerminalCondition is the completed condition of a finished execution.
func (e *Execution) TerminalCondition() (Condition, bool) {
	if e.IsRunning() {
		return Condition{}, false
	}
	return e.CompletedCondition()
}

// Succeeded reports whether the execution completed successfully.
func (e *Execution) Succeeded() bool {
	c, ok := e.CompletedCondition()
	return ok && c.State == ConditionSucceeded
}

// Phase normalizes backend status into RUNNING, SUCCEEDED, FAILED or CANCELLED.
func (e *Execution) Phase() RunState {
	if e.IsRunning() {
		return RunStateRunning
	}
	if e.Succeeded() {
		return RunStateSucceeded
	}
	if c, ok := e.CompletedCondition(); ok && c.Reason == ReasonCancelled {
		return RunStateCancelled
	}
	if e.CancelledCount > 0 && e.FailedCount == 0 {
		return RunStateCancelled
	}
	return RunStateFailed
}

// Message returns the most useful human-readable status line.
func (e *Execution) Message() string {
	if c, ok := e.CompletedCondition(); ok {
		return c.Message
	}
	return ""
}

// Validate checks the record invariants at the adapter boundary.
func (e *Execution) Validate() error {
	if e.Name == "" {
		return errors.New("execution: name is required")
	}
	if e.CreateTime.IsZero() {
		return fmt.Errorf("execution %s: createTime is required", e.Name)
	}
	counts := []int{e.RunningCount, e.SucceededCount, e.FailedCount, e.CancelledCount, e.RetriedCount}
	for _, c := range counts {
		if c < 0 {
			return fmt.Errorf("execution %s: counts must be non-negative", e.Name)
		}
	}
	if e.TaskCount > 0 {
		limit := e.TaskCount * max(e.Parallelism, 1)
		sum := e.RunningCount + e.SucceededCount + e.FailedCount + e.CancelledCount
		if sum > limit {
			return fmt.Errorf("execution %s: task counts %d exceed %d", e.Name, sum, limit)
		}
	}
	return nil
}
