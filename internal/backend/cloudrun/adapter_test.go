package cloudrun

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/types"
)

func newTestAdapter(t *testing.T, endpoint string, sleeper backend.Sleeper) *Adapter {
	t.Helper()
	a, err := New(Config{
		Project:       "proj",
		Location:      "us-central1",
		Endpoint:      endpoint,
		Sleeper:       sleeper,
		SettleDelay:   3 * time.Second,
		RetryInterval: time.Millisecond,
		ReadyTimeout:  time.Second,
	})
	require.NoError(t, err)
	return a
}

func testDefinition() types.JobDefinition {
	return types.JobDefinition{
		Name:  "nightly-etl",
		Image: "gcr.io/proj/etl:1",
		Env:   map[string]string{"B": "2", "A": "1"},
		Resources: types.ResourceLimits{
			CPU:    "1",
			Memory: "512Mi",
		},
		Timeout: 10 * time.Minute,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Location: "l"})
	assert.Error(t, err)
	_, err = New(Config{Project: "p"})
	assert.Error(t, err)
}

func TestSubmitCreatesAndRuns(t *testing.T) {
	f, srv := newFakeServer(t)
	f.readyAfterGets = 2
	a := newTestAdapter(t, srv.URL, backend.NoSleep{})

	exec, err := a.Submit(context.Background(), testDefinition(), "run-1")
	require.NoError(t, err)

	jobID := backend.DerivedName("nightly-etl", "run-1")
	assert.Equal(t, "projects/proj/locations/us-central1/jobs/"+jobID, exec.Job)
	assert.Equal(t, int64(1), exec.Generation)
	assert.True(t, exec.IsRunning())
	assert.Equal(t, types.LaunchStageGA, exec.LaunchStage)
	assert.Equal(t, 1, f.count("POST projects/proj/locations/us-central1/jobs"))
	assert.Equal(t, 1, f.count("POST "+exec.Job+":run"))

	f.mu.Lock()
	job := f.jobs[exec.Job]
	f.mu.Unlock()
	raw, err := json.Marshal(job["template"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"timeout":"600s"`)
	assert.Contains(t, string(raw), `"env":[{"name":"A","value":"1"},{"name":"B","value":"2"}]`)
	assert.Contains(t, string(raw), `"limits":{"cpu":"1","memory":"512Mi"}`)
}

func TestSubmitIsIdempotent(t *testing.T) {
	f, srv := newFakeServer(t)
	a := newTestAdapter(t, srv.URL, backend.NoSleep{})
	ctx := context.Background()

	first, err := a.Submit(ctx, testDefinition(), "run-1")
	require.NoError(t, err)
	second, err := a.Submit(ctx, testDefinition(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, 1, f.count("POST projects/proj/locations/us-central1/jobs"))
	assert.Equal(t, 1, f.count("POST "+first.Job+":run"))

	f.mu.Lock()
	assert.Len(t, f.jobs, 1)
	assert.Len(t, f.executions, 1)
	f.mu.Unlock()
}

func TestSubmitRetriesAmbiguousFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeServer)
	}{
		{name: "create response lost", setup: func(f *fakeServer) { f.dropCreates = 1 }},
		{name: "run response lost", setup: func(f *fakeServer) { f.failRuns = 1 }},
		{name: "service unavailable", setup: func(f *fakeServer) { f.unavailable = 2 }},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				f, srv := newFakeServer(t)
				tt.setup(f)
				a := newTestAdapter(t, srv.URL, backend.NoSleep{})

				exec, err := a.Submit(context.Background(), testDefinition(), "run-1")
				require.NoError(t, err)
				assert.NotEmpty(t, exec.Name)

				f.mu.Lock()
				defer f.mu.Unlock()
				assert.Len(t, f.jobs, 1)
				assert.Len(t, f.executions, 1)
			},
		)
	}
}

func TestSubmitMissingContainer(t *testing.T) {
	f, srv := newFakeServer(t)
	f.missingContainer = "Image 'gcr.io/proj/etl:1' not found."
	a := newTestAdapter(t, srv.URL, backend.NoSleep{})

	_, err := a.Submit(context.Background(), testDefinition(), "run-1")
	require.Error(t, err)
	assert.True(t, backend.IsConfiguration(err))
	assert.Contains(t, err.Error(), "Image 'gcr.io/proj/etl:1' not found.")
	jobName := "projects/proj/locations/us-central1/jobs/" + backend.DerivedName("nightly-etl", "run-1")
	assert.Equal(t, 0, f.count("POST "+jobName+":run"), "must not run")
}

func TestSubmitReadyTimeout(t *testing.T) {
	f, srv := newFakeServer(t)
	f.readyAfterGets = 1 << 30
	a, err := New(Config{
		Project: "proj", Location: "us-central1", Endpoint: srv.URL,
		RetryInterval: time.Millisecond, ReadyTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = a.Submit(context.Background(), testDefinition(), "run-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrTimedOut)
}

func TestSubmitRejectsInvalidDefinition(t *testing.T) {
	_, srv := newFakeServer(t)
	a := newTestAdapter(t, srv.URL, backend.NoSleep{})

	_, err := a.Submit(context.Background(), types.JobDefinition{Name: "x"}, "k")
	assert.True(t, backend.IsConfiguration(err))
}

func TestPoll(t *testing.T) {
	f, srv := newFakeServer(t)
	a := newTestAdapter(t, srv.URL, backend.NoSleep{})
	ctx := context.Background()

	exec, err := a.Submit(ctx, testDefinition(), "run-1")
	require.NoError(t, err)

	f.complete(exec.Name, "CONDITION_FAILED", "", "exit code 1")
	got, err := a.Poll(ctx, backend.ExecutionRef{Name: exec.Name})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Generation)
	assert.False(t, got.IsRunning())
	assert.Equal(t, types.RunStateFailed, got.Phase())
	assert.Equal(t, "exit code 1", got.Message())
	assert.False(t, got.Reconciling)
	assert.False(t, got.SatisfiesPZS)

	_, err = a.Poll(ctx, backend.ExecutionRef{Name: exec.Job + "/executions/missing"})
	assert.True(t, backend.IsNotFound(err))

	var bErr *backend.Error
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, http.StatusNotFound, bErr.StatusCode)
	assert.Equal(t, "executions.get", bErr.Op)
}

func TestSubmitSendsTaskMaxRetries(t *testing.T) {
	f, srv := newFakeServer(t)
	a := newTestAdapter(t, srv.URL, backend.NoSleep{})

	def := testDefinition()
	def.MaxRetries = 3
	exec, err := a.Submit(context.Background(), def, "run-1")
	require.NoError(t, err)

	f.mu.Lock()
	job := f.jobs[exec.Job]
	f.mu.Unlock()
	raw, err := json.Marshal(job["template"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"maxRetries":3`)
}

func TestPollRejectsMalformedExecution(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(exec map[string]any)
		want   string
	}{
		{
			name:   "missing createTime",
			mutate: func(exec map[string]any) { delete(exec, "createTime") },
			want:   "createTime is required",
		},
		{
			name:   "negative count",
			mutate: func(exec map[string]any) { exec["runningCount"] = -4 },
			want:   "counts must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				f, srv := newFakeServer(t)
				a := newTestAdapter(t, srv.URL, backend.NoSleep{})
				ctx := context.Background()

				exec, err := a.Submit(ctx, testDefinition(), "run-1")
				require.NoError(t, err)

				f.mu.Lock()
				tt.mutate(f.executions[exec.Name])
				f.mu.Unlock()

				got, err := a.Poll(ctx, backend.ExecutionRef{Name: exec.Name})
				require.Error(t, err)
				assert.Nil(t, got)
				assert.True(t, backend.IsInvalidRecord(err))
				assert.False(t, backend.IsTransient(err))
				assert.ErrorContains(t, err, tt.want)
			},
		)
	}
}

func TestCancel(t *testing.T) {
	f, srv := newFakeServer(t)
	a := newTestAdapter(t, srv.URL, backend.NoSleep{})
	ctx := context.Background()
	assert.True(t, a.Capabilities().Cancel)

	exec, err := a.Submit(ctx, testDefinition(), "run-1")
	require.NoError(t, err)
	require.NoError(t, a.Cancel(ctx, backend.ExecutionRef{Name: exec.Name}))

	f.mu.Lock()
	assert.True(t, f.cancelled[exec.Name])
	f.mu.Unlock()
}

func TestDeleteRemovesExecutionsThenJob(t *testing.T) {
	f, srv := newFakeServer(t)
	sleeper := &backend.RecordingSleeper{}
	a := newTestAdapter(t, srv.URL, sleeper)
	ctx := context.Background()

	exec, err := a.Submit(ctx, testDefinition(), "run-1")
	require.NoError(t, err)

	// Two more executions of the same job, forcing a second list page.
	for i := 0; i < 2; i++ {
		_, err := a.Client().RunJob(ctx, exec.Job)
		require.NoError(t, err)
	}

	sleeper.OnSleep = func(time.Duration) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, jobStillThere := f.jobs[exec.Job]
		assert.True(t, jobStillThere, "job must outlive its executions")
	}

	require.NoError(t, a.Delete(ctx, backend.JobRef{Name: exec.Job}))

	f.mu.Lock()
	order := append([]string(nil), f.order...)
	f.mu.Unlock()

	require.Len(t, order, 4)
	for _, entry := range order[:3] {
		assert.True(t, strings.HasPrefix(entry, "execution:"), entry)
	}
	assert.Equal(t, "job:"+exec.Job, order[3])
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, sleeper.Delays())

	err = a.Delete(ctx, backend.JobRef{Name: exec.Job})
	assert.True(t, backend.IsNotFound(err))
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		code      int
		notFound  bool
		exists    bool
		transient bool
	}{
		{code: http.StatusNotFound, notFound: true},
		{code: http.StatusConflict, exists: true},
		{code: http.StatusTooManyRequests, transient: true},
		{code: http.StatusBadGateway, transient: true},
		{code: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(
			http.StatusText(tt.code), func(t *testing.T) {
				resp := &http.Response{
					StatusCode: tt.code,
					Body:       http.NoBody,
				}
				err := statusError(resp)
				assert.Equal(t, tt.notFound, backend.IsNotFound(err))
				assert.Equal(t, tt.exists, backend.IsAlreadyExists(err))
				assert.Equal(t, tt.transient, backend.IsTransient(err))
			},
		)
	}
}

func TestResourceDefaults(t *testing.T) {
	var res jobResource
	require.NoError(t, json.Unmarshal([]byte(`{"name":"projects/p/locations/l/jobs/j","generation":"7"}`), &res))

	job := res.toJob()
	assert.Equal(t, int64(7), job.Generation)
	assert.Equal(t, types.LaunchStageGA, job.LaunchStage)
	assert.Equal(t, 0, job.ExecutionCount)
	assert.False(t, job.Reconciling)
	assert.False(t, job.SatisfiesPZS)
	assert.Nil(t, job.LatestCreatedExecution)

	ready, err := job.IsReady()
	require.NoError(t, err)
	assert.False(t, ready)

	var exec executionResource
	require.NoError(t, json.Unmarshal([]byte(`{"name":"e","generation":2,"runningCount":1}`), &exec))
	assert.Equal(t, int64(2), exec.toExecution().Generation)
}
