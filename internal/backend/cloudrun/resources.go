package cloudrun

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/danpasecinic/execflow/internal/types"
)

// int64String decodes the int64 fields the API serializes as JSON strings.
type int64String int64

func (n *int64String) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse int64 %q: %w", s, err)
		}
		*n = int64String(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = int64String(v)
	return nil
}

type executionReference struct {
	Name           string     `json:"name"`
	CreateTime     *time.Time `json:"createTime,omitempty"`
	CompletionTime *time.Time `json:"completionTime,omitempty"`
}

type jobResource struct {
	Name                   string              `json:"name"`
	UID                    string              `json:"uid"`
	Generation             int64String         `json:"generation"`
	Labels                 map[string]string   `json:"labels"`
	Annotations            map[string]string   `json:"annotations"`
	CreateTime             *time.Time          `json:"createTime"`
	UpdateTime             *time.Time          `json:"updateTime"`
	DeleteTime             *time.Time          `json:"deleteTime"`
	ExpireTime             *time.Time          `json:"expireTime"`
	Creator                string              `json:"creator"`
	LastModifier           string              `json:"lastModifier"`
	Client                 string              `json:"client"`
	ClientVersion          string              `json:"clientVersion"`
	LaunchStage            string              `json:"launchStage"`
	ObservedGeneration     int64String         `json:"observedGeneration"`
	TerminalCondition      *types.Condition    `json:"terminalCondition"`
	Conditions             []types.Condition   `json:"conditions"`
	ExecutionCount         *int                `json:"executionCount"`
	LatestCreatedExecution *executionReference `json:"latestCreatedExecution"`
	Reconciling            *bool               `json:"reconciling"`
	SatisfiesPzs           *bool               `json:"satisfiesPzs"`
	Etag                   string              `json:"etag"`
}

// toJob converts the wire resource, applying the API's documented defaults
// for omitted fields.
func (r jobResource) toJob() *types.Job {
	job := &types.Job{
		Name:               r.Name,
		UID:                r.UID,
		Generation:         int64(r.Generation),
		Labels:             r.Labels,
		Annotations:        r.Annotations,
		DeleteTime:         r.DeleteTime,
		ExpireTime:         r.ExpireTime,
		Creator:            r.Creator,
		LastModifier:       r.LastModifier,
		Client:             r.Client,
		ClientVersion:      r.ClientVersion,
		LaunchStage:        launchStage(r.LaunchStage),
		ObservedGeneration: int64(r.ObservedGeneration),
		TerminalCondition:  r.TerminalCondition,
		Conditions:         r.Conditions,
		Etag:               r.Etag,
	}
	if r.CreateTime != nil {
		job.CreateTime = *r.CreateTime
	}
	if r.UpdateTime != nil {
		job.UpdateTime = *r.UpdateTime
	}
	if r.ExecutionCount != nil {
		job.ExecutionCount = *r.ExecutionCount
	}
	if r.Reconciling != nil {
		job.Reconciling = *r.Reconciling
	}
	if r.SatisfiesPzs != nil {
		job.SatisfiesPZS = *r.SatisfiesPzs
	}
	if ref := r.LatestCreatedExecution; ref != nil && ref.Name != "" {
		job.LatestCreatedExecution = &types.ExecutionReference{
			Name:           ref.Name,
			CreateTime:     ref.CreateTime,
			CompletionTime: ref.CompletionTime,
		}
	}
	return job
}

type executionResource struct {
	Name               string            `json:"name"`
	UID                string            `json:"uid"`
	Generation         int64String       `json:"generation"`
	Job                string            `json:"job"`
	Labels             map[string]string `json:"labels"`
	Annotations        map[string]string `json:"annotations"`
	CreateTime         *time.Time        `json:"createTime"`
	StartTime          *time.Time        `json:"startTime"`
	CompletionTime     *time.Time        `json:"completionTime"`
	DeleteTime         *time.Time        `json:"deleteTime"`
	ExpireTime         *time.Time        `json:"expireTime"`
	LaunchStage        string            `json:"launchStage"`
	Parallelism        int               `json:"parallelism"`
	TaskCount          int               `json:"taskCount"`
	Reconciling        *bool             `json:"reconciling"`
	Conditions         []types.Condition `json:"conditions"`
	ObservedGeneration int64String       `json:"observedGeneration"`
	RunningCount       int               `json:"runningCount"`
	SucceededCount     int               `json:"succeededCount"`
	FailedCount        int               `json:"failedCount"`
	CancelledCount     int               `json:"cancelledCount"`
	RetriedCount       int               `json:"retriedCount"`
	LogURI             string            `json:"logUri"`
	SatisfiesPzs       *bool             `json:"satisfiesPzs"`
	Etag               string            `json:"etag"`
}

func (r executionResource) toExecution() *types.Execution {
	exec := &types.Execution{
		Name:               r.Name,
		UID:                r.UID,
		Generation:         int64(r.Generation),
		Job:                r.Job,
		Labels:             r.Labels,
		Annotations:        r.Annotations,
		StartTime:          r.StartTime,
		CompletionTime:     r.CompletionTime,
		DeleteTime:         r.DeleteTime,
		ExpireTime:         r.ExpireTime,
		LaunchStage:        launchStage(r.LaunchStage),
		Parallelism:        r.Parallelism,
		TaskCount:          r.TaskCount,
		Conditions:         r.Conditions,
		ObservedGeneration: int64(r.ObservedGeneration),
		RunningCount:       r.RunningCount,
		SucceededCount:     r.SucceededCount,
		FailedCount:        r.FailedCount,
		CancelledCount:     r.CancelledCount,
		RetriedCount:       r.RetriedCount,
		LogURI:             r.LogURI,
		Etag:               r.Etag,
	}
	if r.CreateTime != nil {
		exec.CreateTime = *r.CreateTime
	}
	if r.Reconciling != nil {
		exec.Reconciling = *r.Reconciling
	}
	if r.SatisfiesPzs != nil {
		exec.SatisfiesPZS = *r.SatisfiesPzs
	}
	return exec
}

func launchStage(s string) types.LaunchStage {
	if s == "" {
		return types.LaunchStageGA
	}
	return types.LaunchStage(s)
}

type listExecutionsResponse struct {
	Executions    []executionResource `json:"executions"`
	NextPageToken string              `json:"nextPageToken"`
}

type operation struct {
	Name     string             `json:"name"`
	Done     bool               `json:"done"`
	Metadata *executionResource `json:"metadata"`
	Error    *status            `json:"error"`
}

type status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type errorResponse struct {
	Error status `json:"error"`
}

// Request bodies.

type jobRequest struct {
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	LaunchStage string            `json:"launchStage,omitempty"`
	Template    executionTemplate `json:"template"`
}

type executionTemplate struct {
	TaskCount   int          `json:"taskCount,omitempty"`
	Parallelism int          `json:"parallelism,omitempty"`
	Template    taskTemplate `json:"template"`
}

type taskTemplate struct {
	Containers []container `json:"containers"`
	MaxRetries int         `json:"maxRetries"`
	Timeout    string      `json:"timeout,omitempty"`
}

type container struct {
	Image     string               `json:"image"`
	Command   []string             `json:"command,omitempty"`
	Args      []string             `json:"args,omitempty"`
	Env       []envVar             `json:"env,omitempty"`
	Resources *resourceRequirement `json:"resources,omitempty"`
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resourceRequirement struct {
	Limits map[string]string `json:"limits"`
}

// newJobRequest builds the create body. Task-level retries are disabled: the
// coordinator owns retries so each attempt gets its own outcome.
func newJobRequest(def types.JobDefinition, idempotencyKey string) jobRequest {
	labels := make(map[string]string, len(def.Labels)+1)
	for k, v := range def.Labels {
		labels[k] = v
	}
	labels[labelManagedBy] = "execflow"

	annotations := make(map[string]string, len(def.Annotations)+1)
	for k, v := range def.Annotations {
		annotations[k] = v
	}
	annotations[annotationKey] = idempotencyKey

	c := container{
		Image:   def.Image,
		Command: def.Command,
		Args:    def.Args,
	}
	keys := make([]string, 0, len(def.Env))
	for k := range def.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.Env = append(c.Env, envVar{Name: k, Value: def.Env[k]})
	}
	if !def.Resources.IsZero() {
		limits := map[string]string{}
		if def.Resources.CPU != "" {
			limits["cpu"] = def.Resources.CPU
		}
		if def.Resources.Memory != "" {
			limits["memory"] = def.Resources.Memory
		}
		c.Resources = &resourceRequirement{Limits: limits}
	}

	req := jobRequest{
		Labels:      labels,
		Annotations: annotations,
		LaunchStage: string(def.LaunchStage),
		Template: executionTemplate{
			TaskCount:   def.TaskCount,
			Parallelism: def.Parallelism,
			Template: taskTemplate{
				Containers: []container{c},
				MaxRetries: def.MaxRetries,
			},
		},
	}
	if def.Timeout > 0 {
		req.Template.Template.Timeout = strconv.FormatFloat(def.Timeout.Seconds(), 'f', -1, 64) + "s"
	}
	return req
}

const (
	labelManagedBy = "managed-by"
	annotationKey  = "execflow.dev/idempotency-key"
)
