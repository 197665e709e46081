package types

import "time"

// Condition types reported by backends.
const (
	ConditionTypeReady     = "Ready"
	ConditionTypeCompleted = "Completed"
	ConditionTypeStarted   = "Started"
)

// ConditionState is the state carried by a Condition.
type ConditionState string

const (
	ConditionPending         ConditionState = "CONDITION_PENDING"
	ConditionReconciling     ConditionState = "CONDITION_RECONCILING"
	ConditionSucceeded       ConditionState = "CONDITION_SUCCEEDED"
	ConditionFailed          ConditionState = "CONDITION_FAILED"
	ConditionContainerFailed ConditionState = "CONTAINER_FAILED"
)

// Reasons with special meaning to the coordinator.
const (
	ReasonContainerMissing = "ContainerMissing"
	ReasonCancelled        = "Cancelled"
)

// Condition is one observation of a resource's state, as reported by the backend.
type Condition struct {
	Type               string         `json:"type"`
	State              ConditionState `json:"state"`
	Reason             string         `json:"reason,omitempty"`
	ExecutionReason    string         `json:"executionReason,omitempty"`
	Message            string         `json:"message,omitempty"`
	Severity           string         `json:"severity,omitempty"`
	LastTransitionTime *time.Time     `json:"lastTransitionTime,omitempty"`
}

// IsMissingContainer reports the permanent "no image" failure.
func (c Condition) IsMissingContainer() bool {
	return c.State == ConditionContainerFailed && c.Reason == ReasonContainerMissing
}
