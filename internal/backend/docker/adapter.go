// Package docker runs job definitions as containers on a local Docker daemon.
//
// Each execution is one container named after the job's derived name, so a
// repeated Submit with the same idempotency key finds the container instead
// of creating another.
package docker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/types"
)

// Labels set on every container the adapter creates.
const (
	LabelJob = "execflow.job"
	LabelKey = "execflow.idempotency-key"
)

// Config configures an Adapter.
type Config struct {
	Sleeper     backend.Sleeper
	SettleDelay time.Duration
	Logger      *zap.Logger
}

// Adapter implements backend.Adapter on an Engine.
type Adapter struct {
	engine  Engine
	sleeper backend.Sleeper
	settle  time.Duration
	logger  *zap.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// New creates an adapter on engine.
func New(engine Engine, cfg Config) *Adapter {
	if cfg.Sleeper == nil {
		cfg.Sleeper = backend.ContextSleeper{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Adapter{
		engine:  engine,
		sleeper: cfg.Sleeper,
		settle:  cfg.SettleDelay,
		logger:  cfg.Logger.With(zap.String("backend", backend.TypeDocker.String())),
	}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return backend.TypeDocker.String() }

// Capabilities implements backend.Adapter.
func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{Cancel: true}
}

// Submit implements backend.Adapter.
func (a *Adapter) Submit(ctx context.Context, def types.JobDefinition, idempotencyKey string) (*types.Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, &backend.Error{
			Op: "Submit", Backend: a.Name(),
			Err: fmt.Errorf("%w: %w", backend.ErrConfiguration, err),
		}
	}
	def = def.WithDefaults()
	name := backend.DerivedName(def.Name, idempotencyKey)

	st, err := a.engine.InspectContainer(ctx, name)
	switch {
	case err == nil:
		return a.ensureStarted(ctx, st)
	case !backend.IsNotFound(err):
		return nil, err
	}

	if err := a.engine.PullImage(ctx, def.Image); err != nil {
		if backend.IsNotFound(err) {
			return nil, &backend.Error{
				Op: "Submit", Backend: a.Name(), Resource: name,
				Err: &types.ConfigurationError{Reason: types.ReasonContainerMissing, Message: err.Error()},
			}
		}
		return nil, err
	}

	spec := ContainerSpec{
		Name:       name,
		Image:      def.Image,
		Entrypoint: def.Command,
		Cmd:        def.Args,
		Env:        envList(def.Env),
		Labels:     containerLabels(def, name, idempotencyKey),
		NanoCPUs:   def.Resources.NanoCPUs(),
		Memory:     def.Resources.MemoryBytes(),
		MaxRetries: def.MaxRetries,
	}
	if _, err := a.engine.CreateContainer(ctx, spec); err != nil && !backend.IsAlreadyExists(err) {
		return nil, err
	}

	st, err = a.engine.InspectContainer(ctx, name)
	if err != nil {
		return nil, err
	}
	a.logger.Info("container created", zap.String("container", name), zap.String("image", def.Image))
	return a.ensureStarted(ctx, st)
}

func (a *Adapter) ensureStarted(ctx context.Context, st *ContainerState) (*types.Execution, error) {
	if st.Status != "created" {
		return backend.CheckExecution(a.Name(), "Submit", toExecution(st))
	}
	if err := a.engine.StartContainer(ctx, st.ID); err != nil {
		return nil, err
	}
	started, err := a.engine.InspectContainer(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	return backend.CheckExecution(a.Name(), "Submit", toExecution(started))
}

// Poll implements backend.Adapter.
func (a *Adapter) Poll(ctx context.Context, ref backend.ExecutionRef) (*types.Execution, error) {
	st, err := a.engine.InspectContainer(ctx, ref.Name)
	if err != nil {
		return nil, err
	}
	return backend.CheckExecution(a.Name(), "Poll", toExecution(st))
}

// Cancel implements backend.Adapter by stopping the container. Poll reports
// the stopped container as cancelled from its exit status alone.
func (a *Adapter) Cancel(ctx context.Context, ref backend.ExecutionRef) error {
	if err := a.engine.StopContainer(ctx, ref.Name); err != nil {
		return err
	}
	a.logger.Info("container stopped", zap.String("container", ref.Name))
	return nil
}

// Delete implements backend.Adapter. Every container labelled with the job is
// removed, oldest first.
func (a *Adapter) Delete(ctx context.Context, ref backend.JobRef) error {
	containers, err := a.engine.ListContainers(ctx, map[string]string{LabelJob: ref.Name})
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		return &backend.Error{Op: "Delete", Backend: a.Name(), Resource: ref.Name, Err: backend.ErrNotFound}
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i].Created.Before(containers[j].Created) })

	for _, c := range containers {
		if err := a.engine.RemoveContainer(ctx, c.ID); err != nil && !backend.IsNotFound(err) {
			return err
		}
		if err := a.sleeper.Sleep(ctx, a.settle); err != nil {
			return err
		}
	}
	a.logger.Info("job deleted", zap.String("job", ref.Name), zap.Int("containers", len(containers)))
	return nil
}

// Exit codes of a process terminated by SIGKILL or SIGTERM, which is how
// a container stop ends.
const (
	exitSIGKILL = 128 + 9
	exitSIGTERM = 128 + 15
)

// stoppedBySignal reports whether the container was stopped rather than
// exiting on its own. An OOM kill also exits 137 but is a failure.
func stoppedBySignal(st *ContainerState) bool {
	if st.OOMKilled || st.Error != "" {
		return false
	}
	return st.ExitCode == exitSIGKILL || st.ExitCode == exitSIGTERM
}

// lifecycleRank orders container states so the execution generation only
// increases as the container progresses.
func lifecycleRank(status string) int64 {
	switch status {
	case "created":
		return 1
	case "running", "paused", "restarting":
		return 2
	case "exited", "dead", "removing":
		return 3
	default:
		return 1
	}
}

func toExecution(st *ContainerState) *types.Execution {
	exec := &types.Execution{
		Name:        st.Name,
		UID:         st.ID,
		Generation:  lifecycleRank(st.Status),
		Job:         st.Labels[LabelJob],
		Labels:      st.Labels,
		CreateTime:  st.Created,
		LaunchStage: types.LaunchStageGA,
		TaskCount:   1,

		RetriedCount: st.RestartCount,
	}
	if exec.Job == "" {
		exec.Job = st.Name
	}
	if !st.StartedAt.IsZero() {
		started := st.StartedAt
		exec.StartTime = &started
	}

	if exec.Generation < 3 {
		if st.Status != "created" {
			exec.RunningCount = 1
		}
		return exec
	}

	finished := st.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	exec.CompletionTime = &finished

	cond := types.Condition{
		Type:               types.ConditionTypeCompleted,
		LastTransitionTime: &finished,
		Message:            fmt.Sprintf("exit code %d", st.ExitCode),
	}
	switch {
	case stoppedBySignal(st):
		cond.State = types.ConditionFailed
		cond.Reason = types.ReasonCancelled
		cond.Message = fmt.Sprintf("stopped (exit code %d)", st.ExitCode)
		exec.CancelledCount = 1
	case st.ExitCode == 0 && st.Error == "":
		cond.State = types.ConditionSucceeded
		exec.SucceededCount = 1
	default:
		cond.State = types.ConditionFailed
		if st.OOMKilled {
			cond.Message = "out of memory"
		} else if st.Error != "" {
			cond.Message = st.Error
		}
		exec.FailedCount = 1
	}
	exec.Conditions = []types.Condition{cond}
	return exec
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func containerLabels(def types.JobDefinition, name, key string) map[string]string {
	labels := make(map[string]string, len(def.Labels)+2)
	for k, v := range def.Labels {
		labels[k] = v
	}
	labels[LabelJob] = name
	labels[LabelKey] = key
	return labels
}
