package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danpasecinic/execflow/internal/types"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func seedFlowRun(t *testing.T, store StateStore) types.FlowRun {
	t.Helper()

	flow := types.Flow{ID: "flow-1", Name: "nightly-etl", Tags: []string{"etl"}, CreatedAt: epoch}
	if err := store.AddFlow(flow); err != nil {
		t.Fatalf("failed to add flow: %v", err)
	}
	run := types.FlowRun{ID: "fr-1", FlowID: flow.ID, Name: "nightly-etl-1", State: types.RunStatePending, CreatedAt: epoch}
	if err := store.AddFlowRun(run); err != nil {
		t.Fatalf("failed to add flow run: %v", err)
	}
	return run
}

func newTaskRun(id, flowRunID string, created time.Time) types.TaskRun {
	return types.TaskRun{
		ID:         id,
		FlowRunID:  flowRunID,
		Name:       "extract",
		State:      types.RunStatePending,
		Definition: types.JobDefinition{Name: "extract", Image: "etl:1", Env: map[string]string{"MODE": "full"}, Timeout: time.Minute},
		MaxRetries: 2,
		CreatedAt:  created,
	}
}

// storeContract runs behaviour shared by every StateStore implementation.
func storeContract(t *testing.T, newStore func(t *testing.T) StateStore) {
	t.Run("flows", func(t *testing.T) {
		store := newStore(t)

		for i, name := range []string{"etl-b", "etl-a", "report"} {
			flow := types.Flow{ID: fmt.Sprintf("f-%d", i), Name: name, CreatedAt: epoch.Add(time.Duration(i%2) * time.Minute)}
			if err := store.AddFlow(flow); err != nil {
				t.Fatalf("failed to add flow %s: %v", name, err)
			}
		}

		if err := store.AddFlow(types.Flow{ID: "f-9", Name: "etl-a", CreatedAt: epoch}); !errors.Is(err, ErrFlowAlreadyExists) {
			t.Errorf("expected ErrFlowAlreadyExists for duplicate name, got %v", err)
		}

		all, err := store.ReadFlows(types.FlowFilter{})
		if err != nil {
			t.Fatalf("failed to read flows: %v", err)
		}
		var names []string
		for _, f := range all {
			names = append(names, f.Name)
		}
		if fmt.Sprint(names) != "[etl-b report etl-a]" {
			t.Errorf("expected flows ordered by creation then name, got %v", names)
		}

		tests := []struct {
			name   string
			filter types.FlowFilter
			want   int
		}{
			{name: "exact", filter: types.FlowFilter{Names: []string{"report"}}, want: 1},
			{name: "any of", filter: types.FlowFilter{Names: []string{"report", "etl-a", "missing"}}, want: 2},
			{name: "glob", filter: types.FlowFilter{Like: "etl-*"}, want: 2},
			{name: "names and glob", filter: types.FlowFilter{Names: []string{"report", "etl-a"}, Like: "etl-*"}, want: 1},
			{name: "no match", filter: types.FlowFilter{Names: []string{"missing"}}, want: 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := store.ReadFlows(tt.filter)
				if err != nil {
					t.Fatalf("failed to read flows: %v", err)
				}
				if len(got) != tt.want {
					t.Errorf("expected %d flows, got %d", tt.want, len(got))
				}
			})
		}

		byName, err := store.GetFlowByName("report")
		if err != nil || byName.ID != "f-2" {
			t.Errorf("expected flow f-2 by name, got %+v (%v)", byName, err)
		}

		if err := store.DeleteFlow("f-2"); err != nil {
			t.Fatalf("failed to delete flow: %v", err)
		}
		if _, err := store.GetFlow("f-2"); !errors.Is(err, ErrFlowNotFound) {
			t.Errorf("expected ErrFlowNotFound after delete, got %v", err)
		}
		if err := store.DeleteFlow("f-2"); !errors.Is(err, ErrFlowNotFound) {
			t.Errorf("expected ErrFlowNotFound deleting twice, got %v", err)
		}
	})

	t.Run("flow runs", func(t *testing.T) {
		store := newStore(t)
		run := seedFlowRun(t, store)

		if err := store.AddFlowRun(run); !errors.Is(err, ErrFlowRunAlreadyExists) {
			t.Errorf("expected ErrFlowRunAlreadyExists, got %v", err)
		}
		orphan := types.FlowRun{ID: "fr-x", FlowID: "nope", Name: "x", State: types.RunStatePending, CreatedAt: epoch}
		if err := store.AddFlowRun(orphan); !errors.Is(err, ErrFlowNotFound) {
			t.Errorf("expected ErrFlowNotFound for unknown flow, got %v", err)
		}

		started := epoch.Add(time.Second)
		err := store.UpdateFlowRun(run.ID, FlowRunUpdate{State: ptr(types.RunStateRunning), StartedAt: &started})
		if err != nil {
			t.Fatalf("failed to update flow run: %v", err)
		}
		got, err := store.GetFlowRun(run.ID)
		if err != nil {
			t.Fatalf("failed to get flow run: %v", err)
		}
		if got.State != types.RunStateRunning || got.StartedAt == nil || !got.StartedAt.Equal(started) {
			t.Errorf("unexpected flow run after update: %+v", got)
		}

		if err := store.UpdateFlowRun("missing", FlowRunUpdate{State: ptr(types.RunStateFailed)}); !errors.Is(err, ErrFlowRunNotFound) {
			t.Errorf("expected ErrFlowRunNotFound, got %v", err)
		}

		runs, err := store.ListFlowRuns("flow-1")
		if err != nil || len(runs) != 1 {
			t.Errorf("expected 1 flow run, got %d (%v)", len(runs), err)
		}
	})

	t.Run("task runs", func(t *testing.T) {
		store := newStore(t)
		fr := seedFlowRun(t, store)

		first := newTaskRun("tr-1", fr.ID, epoch)
		second := newTaskRun("tr-2", fr.ID, epoch.Add(time.Minute))
		standalone := newTaskRun("tr-3", "", epoch.Add(2*time.Minute))
		for _, tr := range []types.TaskRun{second, first, standalone} {
			if err := store.AddTaskRun(tr); err != nil {
				t.Fatalf("failed to add task run %s: %v", tr.ID, err)
			}
		}

		if err := store.AddTaskRun(first); !errors.Is(err, ErrTaskRunAlreadyExists) {
			t.Errorf("expected ErrTaskRunAlreadyExists, got %v", err)
		}
		if err := store.AddTaskRun(newTaskRun("tr-4", "missing", epoch)); !errors.Is(err, ErrFlowRunNotFound) {
			t.Errorf("expected ErrFlowRunNotFound, got %v", err)
		}

		got, err := store.GetTaskRun("tr-1")
		if err != nil {
			t.Fatalf("failed to get task run: %v", err)
		}
		if got.Definition.Env["MODE"] != "full" || got.Definition.Timeout != time.Minute {
			t.Errorf("definition not preserved: %+v", got.Definition)
		}
		if got.Definition.TaskCount != 1 {
			t.Errorf("expected default task count 1, got %d", got.Definition.TaskCount)
		}

		err = store.UpdateTaskRun("tr-1", TaskRunUpdate{
			State:         ptr(types.RunStateRunning),
			Backend:       ptr("fake"),
			JobName:       ptr("jobs/extract"),
			ExecutionName: ptr("jobs/extract/executions/e1"),
			Generation:    ptr(int64(2)),
			Attempt:       ptr(1),
		})
		if err != nil {
			t.Fatalf("failed to update task run: %v", err)
		}
		got, _ = store.GetTaskRun("tr-1")
		if got.State != types.RunStateRunning || got.Generation != 2 || got.ExecutionName != "jobs/extract/executions/e1" {
			t.Errorf("unexpected task run after update: %+v", got)
		}
		if got.UpdatedAt.IsZero() {
			t.Error("expected UpdatedAt to be set")
		}

		if err := store.UpdateTaskRun("missing", TaskRunUpdate{}); !errors.Is(err, ErrTaskRunNotFound) {
			t.Errorf("expected ErrTaskRunNotFound, got %v", err)
		}

		byFlowRun, _ := store.ListTaskRuns(types.TaskRunFilter{FlowRunID: fr.ID})
		if len(byFlowRun) != 2 || byFlowRun[0].ID != "tr-1" || byFlowRun[1].ID != "tr-2" {
			t.Errorf("expected [tr-1 tr-2] ordered by creation, got %v", byFlowRun)
		}
		running, _ := store.ListTaskRuns(types.TaskRunFilter{States: []types.RunState{types.RunStateRunning, types.RunStateSubmitted}})
		if len(running) != 1 || running[0].ID != "tr-1" {
			t.Errorf("expected only tr-1 running, got %v", running)
		}
		all, _ := store.ListTaskRuns(types.TaskRunFilter{})
		if len(all) != 3 {
			t.Errorf("expected 3 task runs, got %d", len(all))
		}

		if err := store.DeleteTaskRun("tr-3"); err != nil {
			t.Fatalf("failed to delete task run: %v", err)
		}
		if _, err := store.GetTaskRun("tr-3"); !errors.Is(err, ErrTaskRunNotFound) {
			t.Errorf("expected ErrTaskRunNotFound after delete, got %v", err)
		}
	})

	t.Run("record outcome once", func(t *testing.T) {
		store := newStore(t)
		if err := store.AddTaskRun(newTaskRun("tr-1", "", epoch)); err != nil {
			t.Fatalf("failed to add task run: %v", err)
		}

		outcome := types.Outcome{
			TaskRunID: "tr-1", Attempt: 1, Generation: 3,
			State: types.RunStateFailed, ExecutionName: "e1", Message: "exit code 1",
		}
		finished := epoch.Add(time.Hour)
		update := TaskRunUpdate{State: ptr(types.RunStateFailed), FinishedAt: &finished, Message: ptr("exit code 1")}

		recorded, err := store.RecordOutcome(outcome, update)
		if err != nil || !recorded {
			t.Fatalf("expected first outcome recorded, got %v (%v)", recorded, err)
		}

		// A replay must not overwrite the task run.
		replay := TaskRunUpdate{State: ptr(types.RunStateSucceeded)}
		recorded, err = store.RecordOutcome(outcome, replay)
		if err != nil || recorded {
			t.Fatalf("expected duplicate outcome ignored, got %v (%v)", recorded, err)
		}
		got, _ := store.GetTaskRun("tr-1")
		if got.State != types.RunStateFailed {
			t.Errorf("expected state FAILED to survive replay, got %s", got.State)
		}

		// The next attempt restarts generations and is a distinct outcome.
		retry := outcome
		retry.Attempt = 2
		retry.State = types.RunStateSucceeded
		recorded, err = store.RecordOutcome(retry, TaskRunUpdate{State: ptr(types.RunStateSucceeded)})
		if err != nil || !recorded {
			t.Fatalf("expected second attempt recorded, got %v (%v)", recorded, err)
		}

		outcomes, err := store.ListOutcomes("tr-1")
		if err != nil {
			t.Fatalf("failed to list outcomes: %v", err)
		}
		if len(outcomes) != 2 || outcomes[0].Attempt != 1 || outcomes[1].Attempt != 2 {
			t.Errorf("expected outcomes for attempts 1 and 2, got %+v", outcomes)
		}
		if outcomes[0].RecordedAt.IsZero() {
			t.Error("expected RecordedAt to be stamped")
		}

		if _, err := store.RecordOutcome(types.Outcome{TaskRunID: "missing"}, TaskRunUpdate{}); !errors.Is(err, ErrTaskRunNotFound) {
			t.Errorf("expected ErrTaskRunNotFound, got %v", err)
		}
	})
}

func TestInMemoryStore(t *testing.T) {
	storeContract(t, func(*testing.T) StateStore { return NewInMemoryStore() })
}

func TestInMemoryStoreConcurrentOutcomes(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.AddTaskRun(newTaskRun("tr-1", "", epoch)); err != nil {
		t.Fatalf("failed to add task run: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	recorded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.RecordOutcome(
				types.Outcome{TaskRunID: "tr-1", Attempt: 1, Generation: 3, State: types.RunStateSucceeded},
				TaskRunUpdate{State: ptr(types.RunStateSucceeded)},
			)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				recorded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if recorded != 1 {
		t.Errorf("expected exactly one recorded outcome, got %d", recorded)
	}
}

func TestInMemoryStoreDeleteFlowCascades(t *testing.T) {
	store := NewInMemoryStore()
	fr := seedFlowRun(t, store)
	if err := store.AddTaskRun(newTaskRun("tr-1", fr.ID, epoch)); err != nil {
		t.Fatalf("failed to add task run: %v", err)
	}

	if err := store.DeleteFlow("flow-1"); err != nil {
		t.Fatalf("failed to delete flow: %v", err)
	}
	if _, err := store.GetFlowRun(fr.ID); !errors.Is(err, ErrFlowRunNotFound) {
		t.Errorf("expected flow run removed, got %v", err)
	}
	if _, err := store.GetTaskRun("tr-1"); !errors.Is(err, ErrTaskRunNotFound) {
		t.Errorf("expected task run removed, got %v", err)
	}
}

func TestInMemoryStoreCopiesTags(t *testing.T) {
	store := NewInMemoryStore()
	tags := []string{"a"}
	if err := store.AddFlow(types.Flow{ID: "f", Name: "f", Tags: tags, CreatedAt: epoch}); err != nil {
		t.Fatalf("failed to add flow: %v", err)
	}
	tags[0] = "mutated"

	got, _ := store.GetFlow("f")
	if got.Tags[0] != "a" {
		t.Errorf("expected stored tags to be isolated from caller, got %v", got.Tags)
	}
}
