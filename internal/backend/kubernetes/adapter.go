// Package kubernetes runs job definitions as batch/v1 Jobs.
//
// One Kubernetes Job backs exactly one execution, so the execution name and
// the job name are the same derived name.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/types"
)

// Labels and annotations set on every Job the adapter creates.
const (
	LabelManagedBy      = "app.kubernetes.io/managed-by"
	LabelJobName        = "batch.kubernetes.io/job-name"
	AnnotationKey       = "execflow.dev/idempotency-key"
	AnnotationCancelled = "execflow.dev/cancelled"

	containerName = "task"
)

// Config configures an Adapter.
type Config struct {
	Namespace   string
	Sleeper     backend.Sleeper
	SettleDelay time.Duration
	Logger      *zap.Logger
}

// Adapter implements backend.Adapter on a Kubernetes cluster.
type Adapter struct {
	client    kubernetes.Interface
	namespace string
	sleeper   backend.Sleeper
	settle    time.Duration
	logger    *zap.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// NewClientset connects to a cluster: from kubeconfig when the path is set,
// otherwise from the in-cluster service account.
func NewClientset(kubeconfig string) (*kubernetes.Clientset, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return cs, nil
}

// New creates an adapter on client.
func New(client kubernetes.Interface, cfg Config) *Adapter {
	if cfg.Namespace == "" {
		cfg.Namespace = metav1.NamespaceDefault
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = backend.ContextSleeper{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Adapter{
		client:    client,
		namespace: cfg.Namespace,
		sleeper:   cfg.Sleeper,
		settle:    cfg.SettleDelay,
		logger: cfg.Logger.With(
			zap.String("backend", backend.TypeKubernetes.String()),
			zap.String("namespace", cfg.Namespace),
		),
	}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return backend.TypeKubernetes.String() }

// Capabilities implements backend.Adapter.
func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{Cancel: true}
}

// Submit implements backend.Adapter.
func (a *Adapter) Submit(ctx context.Context, def types.JobDefinition, idempotencyKey string) (*types.Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, a.err("Submit", "", fmt.Errorf("%w: %w", backend.ErrConfiguration, err))
	}
	def = def.WithDefaults()
	name := backend.DerivedName(def.Name, idempotencyKey)
	jobs := a.client.BatchV1().Jobs(a.namespace)

	job, err := jobs.Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return backend.CheckExecution(a.Name(), "Submit", toExecution(job))
	}
	if !apierrors.IsNotFound(err) {
		return nil, a.mapError("jobs.get", name, err)
	}

	spec, err := newJob(def, name, idempotencyKey)
	if err != nil {
		return nil, a.err("Submit", name, err)
	}

	job, err = jobs.Create(ctx, spec, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		job, err = jobs.Get(ctx, name, metav1.GetOptions{})
	}
	if err != nil {
		return nil, a.mapError("jobs.create", name, err)
	}

	a.logger.Info("job created", zap.String("job", name), zap.String("image", def.Image))
	return backend.CheckExecution(a.Name(), "Submit", toExecution(job))
}

// Poll implements backend.Adapter.
func (a *Adapter) Poll(ctx context.Context, ref backend.ExecutionRef) (*types.Execution, error) {
	job, err := a.client.BatchV1().Jobs(a.namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return nil, a.mapError("jobs.get", ref.Name, err)
	}
	return backend.CheckExecution(a.Name(), "Poll", toExecution(job))
}

// Cancel implements backend.Adapter by suspending the Job, which makes the
// Job controller terminate its active pods.
func (a *Adapter) Cancel(ctx context.Context, ref backend.ExecutionRef) error {
	patch := fmt.Sprintf(
		`{"metadata":{"annotations":{%q:"true"}},"spec":{"suspend":true}}`, AnnotationCancelled,
	)
	_, err := a.client.BatchV1().Jobs(a.namespace).Patch(
		ctx, ref.Name, k8stypes.MergePatchType, []byte(patch), metav1.PatchOptions{},
	)
	if err != nil {
		return a.mapError("jobs.patch", ref.Name, err)
	}
	a.logger.Info("job suspended", zap.String("job", ref.Name))
	return nil
}

// Delete implements backend.Adapter. The Job's pods are deleted one by one
// before the Job itself.
func (a *Adapter) Delete(ctx context.Context, ref backend.JobRef) error {
	jobs := a.client.BatchV1().Jobs(a.namespace)
	if _, err := jobs.Get(ctx, ref.Name, metav1.GetOptions{}); err != nil {
		return a.mapError("jobs.get", ref.Name, err)
	}

	pods := a.client.CoreV1().Pods(a.namespace)
	list, err := pods.List(ctx, metav1.ListOptions{LabelSelector: LabelJobName + "=" + ref.Name})
	if err != nil {
		return a.mapError("pods.list", ref.Name, err)
	}
	items := list.Items
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreationTimestamp.Before(&items[j].CreationTimestamp)
	})

	for _, pod := range items {
		err := pods.Delete(ctx, pod.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return a.mapError("pods.delete", pod.Name, err)
		}
		if err := a.sleeper.Sleep(ctx, a.settle); err != nil {
			return err
		}
	}

	policy := metav1.DeletePropagationBackground
	if err := jobs.Delete(ctx, ref.Name, metav1.DeleteOptions{PropagationPolicy: &policy}); err != nil {
		return a.mapError("jobs.delete", ref.Name, err)
	}
	a.logger.Info("job deleted", zap.String("job", ref.Name), zap.Int("pods", len(items)))
	return nil
}

func (a *Adapter) err(op, resource string, err error) error {
	return &backend.Error{Op: op, Backend: a.Name(), Resource: resource, Err: err}
}

// mapError translates API status errors onto the backend sentinels.
func (a *Adapter) mapError(op, resource string, err error) error {
	var status apierrors.APIStatus
	code := 0
	if errors.As(err, &status) {
		code = int(status.Status().Code)
	}

	switch {
	case apierrors.IsNotFound(err):
		err = fmt.Errorf("%w: %w", backend.ErrNotFound, err)
	case apierrors.IsAlreadyExists(err), apierrors.IsConflict(err):
		err = fmt.Errorf("%w: %w", backend.ErrAlreadyExists, err)
	case apierrors.IsTooManyRequests(err), apierrors.IsServerTimeout(err), apierrors.IsTimeout(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err):
		err = backend.Transient(err)
	}
	return &backend.Error{Op: op, Backend: a.Name(), Resource: resource, StatusCode: code, Err: err}
}

func newJob(def types.JobDefinition, name, idempotencyKey string) (*batchv1.Job, error) {
	c := corev1.Container{
		Name:    containerName,
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
		c.Env = append(c.Env, corev1.EnvVar{Name: k, Value: def.Env[k]})
	}

	if !def.Resources.IsZero() {
		limits := corev1.ResourceList{}
		if def.Resources.CPU != "" {
			q, err := resource.ParseQuantity(def.Resources.CPU)
			if err != nil {
				return nil, fmt.Errorf("%w: cpu: %w", backend.ErrConfiguration, err)
			}
			limits[corev1.ResourceCPU] = q
		}
		if def.Resources.Memory != "" {
			q, err := resource.ParseQuantity(def.Resources.Memory)
			if err != nil {
				return nil, fmt.Errorf("%w: memory: %w", backend.ErrConfiguration, err)
			}
			limits[corev1.ResourceMemory] = q
		}
		c.Resources = corev1.ResourceRequirements{Limits: limits}
	}

	labels := map[string]string{LabelManagedBy: "execflow"}
	for k, v := range def.Labels {
		labels[k] = v
	}
	annotations := map[string]string{AnnotationKey: idempotencyKey}
	for k, v := range def.Annotations {
		annotations[k] = v
	}

	completions := int32(def.TaskCount)
	parallelism := int32(max(def.Parallelism, 1))
	backoffLimit := int32(def.MaxRetries)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: batchv1.JobSpec{
			Completions:  &completions,
			Parallelism:  &parallelism,
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{LabelManagedBy: "execflow"}},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers:    []corev1.Container{c},
				},
			},
		},
	}
	if def.Timeout > 0 {
		secs := int64(def.Timeout.Seconds())
		job.Spec.ActiveDeadlineSeconds = &secs
	}
	return job, nil
}

// lifecycleRank maps Job progress onto a generation that only increases.
func lifecycleRank(job *batchv1.Job) int64 {
	if _, done := finishedCondition(job); done || isCancelled(job) {
		return 3
	}
	if job.Status.StartTime != nil {
		return 2
	}
	return 1
}

func finishedCondition(job *batchv1.Job) (batchv1.JobCondition, bool) {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		if c.Type == batchv1.JobComplete || c.Type == batchv1.JobFailed {
			return c, true
		}
	}
	return batchv1.JobCondition{}, false
}

func isCancelled(job *batchv1.Job) bool {
	suspended := job.Spec.Suspend != nil && *job.Spec.Suspend
	return suspended && job.Annotations[AnnotationCancelled] == "true" && job.Status.Active == 0
}

func toExecution(job *batchv1.Job) *types.Execution {
	exec := &types.Execution{
		Name:           job.Name,
		UID:            string(job.UID),
		Generation:     lifecycleRank(job),
		Job:            job.Name,
		Labels:         job.Labels,
		Annotations:    job.Annotations,
		CreateTime:     job.CreationTimestamp.Time,
		LaunchStage:    types.LaunchStageGA,
		RunningCount:   int(job.Status.Active),
		SucceededCount: int(job.Status.Succeeded),
		RetriedCount:   int(job.Status.Failed),
		TaskCount:      1,
		Parallelism:    1,
		Etag:           job.ResourceVersion,

		ObservedGeneration: job.Generation,
	}
	if job.Spec.Completions != nil {
		exec.TaskCount = int(*job.Spec.Completions)
	}
	if job.Spec.Parallelism != nil {
		exec.Parallelism = int(*job.Spec.Parallelism)
	}
	if job.Status.StartTime != nil {
		t := job.Status.StartTime.Time
		exec.StartTime = &t
	}

	if cond, ok := finishedCondition(job); ok {
		finished := cond.LastTransitionTime.Time
		if job.Status.CompletionTime != nil {
			finished = job.Status.CompletionTime.Time
		}
		if finished.IsZero() {
			finished = time.Now().UTC()
		}
		exec.CompletionTime = &finished

		c := types.Condition{
			Type:               types.ConditionTypeCompleted,
			Reason:             cond.Reason,
			Message:            cond.Message,
			LastTransitionTime: &finished,
			State:              types.ConditionFailed,
		}
		if cond.Type == batchv1.JobComplete {
			c.State = types.ConditionSucceeded
		} else if exec.RetriedCount > 0 {
			// Failed pods beyond the tasks that never succeeded were retries.
			exec.FailedCount = min(exec.RetriedCount, max(exec.TaskCount-exec.SucceededCount, 1))
			exec.RetriedCount -= exec.FailedCount
		}
		exec.Conditions = append(exec.Conditions, c)
		return exec
	}

	if isCancelled(job) {
		finished := time.Now().UTC()
		for _, c := range job.Status.Conditions {
			if c.Type == batchv1.JobSuspended && !c.LastTransitionTime.IsZero() {
				finished = c.LastTransitionTime.Time
			}
		}
		exec.CompletionTime = &finished
		exec.CancelledCount = max(exec.TaskCount-exec.SucceededCount-exec.FailedCount, 0)
		exec.Conditions = append(exec.Conditions, types.Condition{
			Type:               types.ConditionTypeCompleted,
			State:              types.ConditionFailed,
			Reason:             types.ReasonCancelled,
			Message:            "suspended by request",
			LastTransitionTime: &finished,
		})
	}
	return exec
}
