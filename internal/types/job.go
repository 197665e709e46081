package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LaunchStage is the release stage a backend resource is published under.
type LaunchStage string

const (
	LaunchStageAlpha         LaunchStage = "ALPHA"
	LaunchStageBeta          LaunchStage = "BETA"
	LaunchStageGA            LaunchStage = "GA"
	LaunchStageDeprecated    LaunchStage = "DEPRECATED"
	LaunchStageEarlyAccess   LaunchStage = "EARLY_ACCESS"
	LaunchStagePrelaunch     LaunchStage = "PRELAUNCH"
	LaunchStageUnimplemented LaunchStage = "UNIMPLEMENTED"
	LaunchStageUnspecified   LaunchStage = "LAUNCH_STAGE_UNSPECIFIED"
)

var launchStages = map[LaunchStage]struct{}{
	LaunchStageAlpha:         {},
	LaunchStageBeta:          {},
	LaunchStageGA:            {},
	LaunchStageDeprecated:    {},
	LaunchStageEarlyAccess:   {},
	LaunchStagePrelaunch:     {},
	LaunchStageUnimplemented: {},
	LaunchStageUnspecified:   {},
}

// ParseLaunchStage validates s. An empty string yields GA, the backend default.
func ParseLaunchStage(s string) (LaunchStage, error) {
	if strings.TrimSpace(s) == "" {
		return LaunchStageGA, nil
	}
	stage := LaunchStage(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := launchStages[stage]; !ok {
		return "", fmt.Errorf("unknown launch stage %q", s)
	}
	return stage, nil
}

// JobDefinition is the immutable template for a unit of work.
type JobDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Image       string            `json:"image" yaml:"image"`
	Command     []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Resources   ResourceLimits    `json:"resources,omitempty" yaml:"resources,omitempty"`
	TaskCount   int               `json:"taskCount,omitempty" yaml:"taskCount,omitempty"`
	Parallelism int               `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	// MaxRetries is the backend-side retry budget for each task. Coordinator
	// level retries of the whole execution live on the TaskRun.
	MaxRetries  int               `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	LaunchStage LaunchStage       `json:"launchStage,omitempty" yaml:"launchStage,omitempty"`
}

// Validate checks the definition before it is handed to a backend.
func (d JobDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("job definition: name is required")
	}
	if strings.TrimSpace(d.Image) == "" {
		return errors.New("job definition: image is required")
	}
	if d.TaskCount < 0 || d.Parallelism < 0 || d.MaxRetries < 0 {
		return errors.New("job definition: taskCount, parallelism and maxRetries must be non-negative")
	}
	if d.Timeout < 0 {
		return errors.New("job definition: timeout must be non-negative")
	}
	if err := d.Resources.Validate(); err != nil {
		return fmt.Errorf("job definition: %w", err)
	}
	if _, err := ParseLaunchStage(string(d.LaunchStage)); err != nil {
		return fmt.Errorf("job definition: %w", err)
	}
	return nil
}

// WithDefaults returns a copy with backend defaults applied and maps cloned,
// so the caller's definition is never shared with the coordinator.
func (d JobDefinition) WithDefaults() JobDefinition {
	out := d
	if out.TaskCount == 0 {
		out.TaskCount = 1
	}
	if out.LaunchStage == "" {
		out.LaunchStage = LaunchStageGA
	}
	out.Command = append([]string(nil), d.Command...)
	out.Args = append([]string(nil), d.Args...)
	out.Env = cloneMap(d.Env)
	out.Labels = cloneMap(d.Labels)
	out.Annotations = cloneMap(d.Annotations)
	return out
}

// ExecutionReference points at an execution from its parent job.
type ExecutionReference struct {
	Name           string     `json:"name"`
	CreateTime     *time.Time `json:"createTime,omitempty"`
	CompletionTime *time.Time `json:"completionTime,omitempty"`
}

// Job is the backend's view of a created JobDefinition.
type Job struct {
	Name                   string              `json:"name"`
	UID                    string              `json:"uid"`
	Generation             int64               `json:"generation"`
	Labels                 map[string]string   `json:"labels,omitempty"`
	Annotations            map[string]string   `json:"annotations,omitempty"`
	CreateTime             time.Time           `json:"createTime"`
	UpdateTime             time.Time           `json:"updateTime"`
	DeleteTime             *time.Time          `json:"deleteTime,omitempty"`
	ExpireTime             *time.Time          `json:"expireTime,omitempty"`
	Creator                string              `json:"creator,omitempty"`
	LastModifier           string              `json:"lastModifier,omitempty"`
	Client                 string              `json:"client,omitempty"`
	ClientVersion          string              `json:"clientVersion,omitempty"`
	LaunchStage            LaunchStage         `json:"launchStage"`
	ObservedGeneration     int64               `json:"observedGeneration,omitempty"`
	TerminalCondition      *Condition          `json:"terminalCondition,omitempty"`
	Conditions             []Condition         `json:"conditions,omitempty"`
	ExecutionCount         int                 `json:"executionCount"`
	LatestCreatedExecution *ExecutionReference `json:"latestCreatedExecution,omitempty"`
	Reconciling            bool                `json:"reconciling"`
	SatisfiesPZS           bool                `json:"satisfiesPzs"`
	Etag                   string              `json:"etag,omitempty"`
}

// ReadyCondition returns the terminal condition when it is of type Ready.
func (j *Job) ReadyCondition() (Condition, bool) {
	if j.TerminalCondition != nil && j.TerminalCondition.Type == ConditionTypeReady {
		return *j.TerminalCondition, true
	}
	return Condition{}, false
}

// IsReady reports whether the job can be run. A ready condition that reports
// a missing container is a permanent misconfiguration and is returned as a
// *ConfigurationError instead of "not ready".
func (j *Job) IsReady() (bool, error) {
	cond, ok := j.ReadyCondition()
	if !ok {
		return false, nil
	}
	if cond.IsMissingContainer() {
		return false, &ConfigurationError{Reason: cond.Reason, Message: cond.Message}
	}
	return cond.State == ConditionSucceeded, nil
}

// ErrConfiguration marks permanent misconfiguration that must never be retried.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError carries the backend's explanation of a misconfiguration.
type ConfigurationError struct {
	Reason  string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
