package docker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/types"
)

// fakeEngine keeps containers in memory, keyed by name.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*ContainerState
	specs      map[string]ContainerSpec
	missing    map[string]bool
	creates    int
	removed    []string
	clock      time.Time
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]*ContainerState),
		specs:      make(map[string]ContainerSpec),
		missing:    make(map[string]bool),
		clock:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (e *fakeEngine) tick() time.Time {
	e.clock = e.clock.Add(time.Second)
	return e.clock
}

func (e *fakeEngine) find(idOrName string) *ContainerState {
	if c, ok := e.containers[idOrName]; ok {
		return c
	}
	for _, c := range e.containers {
		if c.ID == idOrName {
			return c
		}
	}
	return nil
}

func notFound(op, res string) error {
	return mapError(op, res, fmt.Errorf("no such container: %s: %w", res, cerrdefs.ErrNotFound))
}

func (e *fakeEngine) PullImage(_ context.Context, ref string) error {
	if e.missing[ref] {
		return mapError("image.pull", ref, fmt.Errorf("pull access denied for %s: %w", ref, cerrdefs.ErrNotFound))
	}
	return nil
}

func (e *fakeEngine) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[spec.Name]; ok {
		return "", mapError("container.create", spec.Name, fmt.Errorf("name in use: %w", cerrdefs.ErrConflict))
	}
	e.creates++
	id := fmt.Sprintf("id-%d", e.creates)
	e.containers[spec.Name] = &ContainerState{
		ID: id, Name: spec.Name, Labels: spec.Labels, Status: "created", Created: e.tick(),
	}
	e.specs[spec.Name] = spec
	return id, nil
}

func (e *fakeEngine) StartContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.find(id)
	if c == nil {
		return notFound("container.start", id)
	}
	c.Status = "running"
	c.StartedAt = e.tick()
	return nil
}

func (e *fakeEngine) InspectContainer(_ context.Context, idOrName string) (*ContainerState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.find(idOrName)
	if c == nil {
		return nil, notFound("container.inspect", idOrName)
	}
	cp := *c
	return &cp, nil
}

func (e *fakeEngine) ListContainers(_ context.Context, labels map[string]string) ([]ContainerState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ContainerState
	for _, c := range e.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (e *fakeEngine) StopContainer(_ context.Context, id string) error {
	return e.exit(id, 137, "")
}

func (e *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.find(id)
	if c == nil {
		return notFound("container.remove", id)
	}
	delete(e.containers, c.Name)
	e.removed = append(e.removed, c.Name)
	return nil
}

func (e *fakeEngine) exit(idOrName string, code int, msg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.find(idOrName)
	if c == nil {
		return notFound("container.stop", idOrName)
	}
	c.Status = "exited"
	c.ExitCode = code
	c.Error = msg
	c.FinishedAt = e.tick()
	return nil
}

func jobDefinition() types.JobDefinition {
	return types.JobDefinition{
		Name:    "report",
		Image:   "alpine:latest",
		Command: []string{"sh", "-c"},
		Args:    []string{"echo hi"},
		Env:     map[string]string{"Z": "1", "A": "2"},
		Resources: types.ResourceLimits{
			CPU:    "500m",
			Memory: "64Mi",
		},
	}
}

func TestSubmitCreatesAndStarts(t *testing.T) {
	engine := newFakeEngine()
	a := New(engine, Config{Sleeper: backend.NoSleep{}})

	exec, err := a.Submit(context.Background(), jobDefinition(), "run-1")
	require.NoError(t, err)

	name := backend.DerivedName("report", "run-1")
	assert.Equal(t, name, exec.Name)
	assert.Equal(t, name, exec.Job)
	assert.Equal(t, int64(2), exec.Generation)
	assert.True(t, exec.IsRunning())
	assert.Equal(t, 1, exec.RunningCount)
	require.NoError(t, exec.Validate())

	spec := engine.specs[name]
	assert.Equal(t, []string{"sh", "-c"}, spec.Entrypoint)
	assert.Equal(t, []string{"echo hi"}, spec.Cmd)
	assert.Equal(t, []string{"A=2", "Z=1"}, spec.Env)
	assert.Equal(t, int64(500_000_000), spec.NanoCPUs)
	assert.Equal(t, int64(64*1024*1024), spec.Memory)
	assert.Equal(t, "run-1", spec.Labels[LabelKey])
}

func TestSubmitIsIdempotent(t *testing.T) {
	engine := newFakeEngine()
	a := New(engine, Config{Sleeper: backend.NoSleep{}})
	ctx := context.Background()

	first, err := a.Submit(ctx, jobDefinition(), "run-1")
	require.NoError(t, err)
	second, err := a.Submit(ctx, jobDefinition(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, first.UID, second.UID)
	assert.Equal(t, 1, engine.creates)
}

func TestSubmitStartsCreatedContainer(t *testing.T) {
	engine := newFakeEngine()
	a := New(engine, Config{Sleeper: backend.NoSleep{}})
	ctx := context.Background()

	// A container left in "created" by an interrupted submit.
	name := backend.DerivedName("report", "run-1")
	_, err := engine.CreateContainer(ctx, ContainerSpec{Name: name, Labels: map[string]string{LabelJob: name}})
	require.NoError(t, err)

	exec, err := a.Submit(ctx, jobDefinition(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), exec.Generation)
	assert.Equal(t, 1, engine.creates)
}

func TestSubmitMissingImage(t *testing.T) {
	engine := newFakeEngine()
	engine.missing["alpine:latest"] = true
	a := New(engine, Config{Sleeper: backend.NoSleep{}})

	_, err := a.Submit(context.Background(), jobDefinition(), "run-1")
	require.Error(t, err)
	assert.True(t, backend.IsConfiguration(err))
	assert.Equal(t, 0, engine.creates)
}

func TestPollOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		errMsg   string
		cancel   bool
		want     types.RunState
		message  string
	}{
		{name: "success", exitCode: 0, want: types.RunStateSucceeded, message: "exit code 0"},
		{name: "failure", exitCode: 2, want: types.RunStateFailed, message: "exit code 2"},
		{name: "daemon error", exitCode: 0, errMsg: "oci runtime error", want: types.RunStateFailed, message: "oci runtime error"},
		{name: "cancelled", cancel: true, want: types.RunStateCancelled, message: "stopped (exit code 137)"},
		{name: "terminated", exitCode: 143, want: types.RunStateCancelled, message: "stopped (exit code 143)"},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				engine := newFakeEngine()
				a := New(engine, Config{Sleeper: backend.NoSleep{}})
				ctx := context.Background()

				exec, err := a.Submit(ctx, jobDefinition(), "run-1")
				require.NoError(t, err)
				ref := backend.ExecutionRef{Name: exec.Name}

				if tt.cancel {
					require.NoError(t, a.Cancel(ctx, ref))
				} else {
					require.NoError(t, engine.exit(exec.Name, tt.exitCode, tt.errMsg))
				}

				got, err := a.Poll(ctx, ref)
				require.NoError(t, err)
				assert.Equal(t, int64(3), got.Generation)
				assert.Equal(t, tt.want, got.Phase())
				assert.Equal(t, tt.message, got.Message())
				require.NoError(t, got.Validate())
			},
		)
	}
}

func TestPollCancelledAfterRestart(t *testing.T) {
	engine := newFakeEngine()
	ctx := context.Background()

	exec, err := New(engine, Config{Sleeper: backend.NoSleep{}}).Submit(ctx, jobDefinition(), "run-1")
	require.NoError(t, err)
	ref := backend.ExecutionRef{Name: exec.Name}
	require.NoError(t, New(engine, Config{}).Cancel(ctx, ref))

	got, err := New(engine, Config{}).Poll(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateCancelled, got.Phase())
	assert.Equal(t, 1, got.CancelledCount)
}

func TestPollOOMKillIsFailure(t *testing.T) {
	engine := newFakeEngine()
	a := New(engine, Config{Sleeper: backend.NoSleep{}})
	ctx := context.Background()

	exec, err := a.Submit(ctx, jobDefinition(), "run-1")
	require.NoError(t, err)
	require.NoError(t, engine.exit(exec.Name, 137, ""))
	engine.mu.Lock()
	engine.containers[exec.Name].OOMKilled = true
	engine.mu.Unlock()

	got, err := a.Poll(ctx, backend.ExecutionRef{Name: exec.Name})
	require.NoError(t, err)
	assert.Equal(t, types.RunStateFailed, got.Phase())
	assert.Equal(t, "out of memory", got.Message())
}

func TestSubmitSetsRestartBudget(t *testing.T) {
	engine := newFakeEngine()
	a := New(engine, Config{Sleeper: backend.NoSleep{}})
	ctx := context.Background()

	def := jobDefinition()
	def.MaxRetries = 3
	exec, err := a.Submit(ctx, def, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, engine.specs[exec.Name].MaxRetries)

	engine.mu.Lock()
	engine.containers[exec.Name].RestartCount = 2
	engine.mu.Unlock()

	got, err := a.Poll(ctx, backend.ExecutionRef{Name: exec.Name})
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetriedCount)
	assert.True(t, got.IsRunning())
}

func TestPollRejectsMalformedContainer(t *testing.T) {
	engine := newFakeEngine()
	a := New(engine, Config{Sleeper: backend.NoSleep{}})
	ctx := context.Background()

	exec, err := a.Submit(ctx, jobDefinition(), "run-1")
	require.NoError(t, err)
	engine.mu.Lock()
	engine.containers[exec.Name].Created = time.Time{}
	engine.mu.Unlock()

	got, err := a.Poll(ctx, backend.ExecutionRef{Name: exec.Name})
	require.Error(t, err)
	assert.Nil(t, got)
	assert.True(t, backend.IsInvalidRecord(err))
}

func TestPollMissingContainer(t *testing.T) {
	a := New(newFakeEngine(), Config{})
	_, err := a.Poll(context.Background(), backend.ExecutionRef{Name: "gone"})
	assert.True(t, backend.IsNotFound(err))
}

func TestDeleteRemovesLabelledContainers(t *testing.T) {
	engine := newFakeEngine()
	sleeper := &backend.RecordingSleeper{}
	a := New(engine, Config{Sleeper: sleeper, SettleDelay: time.Second})
	ctx := context.Background()

	exec, err := a.Submit(ctx, jobDefinition(), "run-1")
	require.NoError(t, err)
	other, err := a.Submit(ctx, jobDefinition(), "run-2")
	require.NoError(t, err)

	require.NoError(t, a.Delete(ctx, backend.JobRef{Name: exec.Job}))
	assert.Equal(t, []string{exec.Name}, engine.removed)
	assert.Equal(t, []time.Duration{time.Second}, sleeper.Delays())

	_, err = a.Poll(ctx, backend.ExecutionRef{Name: other.Name})
	require.NoError(t, err)

	err = a.Delete(ctx, backend.JobRef{Name: exec.Job})
	assert.True(t, backend.IsNotFound(err))
}

func TestLifecycleRank(t *testing.T) {
	assert.Less(t, lifecycleRank("created"), lifecycleRank("running"))
	assert.Less(t, lifecycleRank("running"), lifecycleRank("exited"))
	assert.Equal(t, lifecycleRank("exited"), lifecycleRank("dead"))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{name: "not found", err: cerrdefs.ErrNotFound, check: backend.IsNotFound},
		{name: "conflict", err: cerrdefs.ErrConflict, check: backend.IsAlreadyExists},
		{name: "unavailable", err: cerrdefs.ErrUnavailable, check: backend.IsTransient},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				err := mapError("op", "res", fmt.Errorf("daemon: %w", tt.err))
				assert.True(t, tt.check(err))

				var bErr *backend.Error
				require.True(t, errors.As(err, &bErr))
				assert.Equal(t, "docker", bErr.Backend)
			},
		)
	}
}

func TestClientAgainstDaemon(t *testing.T) {
	client, err := NewClient()
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		t.Skipf("Docker not available: %v", err)
	}

	a := New(client, Config{Sleeper: backend.NoSleep{}})
	def := types.JobDefinition{Name: "execflow-it", Image: "alpine:latest", Command: []string{"true"}}
	key := fmt.Sprintf("it-%d", time.Now().UnixNano())

	exec, err := a.Submit(ctx, def, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Delete(context.Background(), backend.JobRef{Name: exec.Job}) })

	for exec.IsRunning() {
		time.Sleep(100 * time.Millisecond)
		exec, err = a.Poll(ctx, backend.ExecutionRef{Name: exec.Name})
		require.NoError(t, err)
	}
	assert.Equal(t, types.RunStateSucceeded, exec.Phase())
}
