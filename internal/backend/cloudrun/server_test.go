package cloudrun

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer emulates the subset of the Cloud Run Admin API v2 the adapter
// uses. Resources are kept as raw JSON maps so tests control the exact wire
// shape, including string-encoded generations and omitted defaults.
type fakeServer struct {
	mu sync.Mutex

	jobs       map[string]map[string]any
	executions map[string]map[string]any
	order      []string
	requests   []string

	pageSize         int
	readyAfterGets   int
	missingContainer string
	dropCreates      int
	failRuns         int
	unavailable      int
	jobGets          map[string]int
	cancelled        map[string]bool
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{
		jobs:       make(map[string]map[string]any),
		executions: make(map[string]map[string]any),
		jobGets:    make(map[string]int),
		cancelled:  make(map[string]bool),
		pageSize:   2,
	}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// count returns how many logged requests equal req ("METHOD path").
func (f *fakeServer) count(req string) int {
	n := 0
	for _, r := range f.requestLog() {
		if r == req {
			n++
		}
	}
	return n
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v2/")
	f.requests = append(f.requests, r.Method+" "+path)

	if f.unavailable > 0 {
		f.unavailable--
		writeError(w, http.StatusServiceUnavailable, "try again")
		return
	}

	verb := ""
	if i := strings.LastIndex(path, ":"); i >= 0 {
		path, verb = path[:i], path[i+1:]
	}
	segs := strings.Split(path, "/")

	switch {
	case len(segs) == 5 && segs[4] == "jobs" && r.Method == http.MethodPost:
		f.createJob(w, r, path)
	case len(segs) == 6 && r.Method == http.MethodGet:
		f.getJob(w, path)
	case len(segs) == 6 && r.Method == http.MethodDelete:
		f.deleteJob(w, path)
	case len(segs) == 6 && verb == "run":
		f.runJob(w, path)
	case len(segs) == 7 && r.Method == http.MethodGet:
		f.listExecutions(w, r, strings.TrimSuffix(path, "/executions"))
	case len(segs) == 8 && r.Method == http.MethodGet:
		f.getExecution(w, path)
	case len(segs) == 8 && r.Method == http.MethodDelete:
		f.deleteExecution(w, path)
	case len(segs) == 8 && verb == "cancel":
		f.cancelExecution(w, path)
	default:
		writeError(w, http.StatusBadRequest, "unexpected request "+r.Method+" "+r.URL.Path)
	}
}

func (f *fakeServer) createJob(w http.ResponseWriter, r *http.Request, parent string) {
	name := parent + "/" + r.URL.Query().Get("jobId")
	if _, ok := f.jobs[name]; ok {
		writeError(w, http.StatusConflict, "job already exists")
		return
	}

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	body["name"] = name
	body["uid"] = "uid-" + r.URL.Query().Get("jobId")
	body["generation"] = "1"
	body["createTime"] = time.Now().UTC().Format(time.RFC3339Nano)
	f.jobs[name] = body

	if f.dropCreates > 0 {
		f.dropCreates--
		writeError(w, http.StatusBadGateway, "upstream connection reset")
		return
	}
	writeJSON(w, map[string]any{"name": "operations/create-" + name})
}

func (f *fakeServer) getJob(w http.ResponseWriter, name string) {
	job, ok := f.jobs[name]
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	f.jobGets[name]++

	switch {
	case f.missingContainer != "":
		job["terminalCondition"] = map[string]any{
			"type": "Ready", "state": "CONTAINER_FAILED", "reason": "ContainerMissing", "message": f.missingContainer,
		}
	case f.jobGets[name] > f.readyAfterGets:
		job["terminalCondition"] = map[string]any{"type": "Ready", "state": "CONDITION_SUCCEEDED"}
	default:
		job["terminalCondition"] = map[string]any{"type": "Ready", "state": "CONDITION_RECONCILING"}
	}
	writeJSON(w, job)
}

func (f *fakeServer) deleteJob(w http.ResponseWriter, name string) {
	if _, ok := f.jobs[name]; !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	delete(f.jobs, name)
	f.order = append(f.order, "job:"+name)
	writeJSON(w, map[string]any{"name": "operations/delete"})
}

func (f *fakeServer) runJob(w http.ResponseWriter, name string) {
	job, ok := f.jobs[name]
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	count, _ := job["executionCount"].(int)
	count++
	execName := fmt.Sprintf("%s/executions/%s-%d", name, name[strings.LastIndex(name, "/")+1:], count)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	exec := map[string]any{
		"name":       execName,
		"uid":        fmt.Sprintf("exec-uid-%d", count),
		"generation": "1",
		"job":        name,
		"createTime": now,
		"taskCount":  1,
	}
	f.executions[execName] = exec
	job["executionCount"] = count
	job["latestCreatedExecution"] = map[string]any{"name": execName, "createTime": now}

	if f.failRuns > 0 {
		f.failRuns--
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, map[string]any{"name": "operations/run", "metadata": exec})
}

func (f *fakeServer) listExecutions(w http.ResponseWriter, r *http.Request, job string) {
	var names []string
	for name := range f.executions {
		if strings.HasPrefix(name, job+"/executions/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	start := 0
	if tok := r.URL.Query().Get("pageToken"); tok != "" {
		_, _ = fmt.Sscanf(tok, "page-%d", &start)
	}
	end := min(start+f.pageSize, len(names))

	page := map[string]any{}
	var items []map[string]any
	for _, n := range names[start:end] {
		items = append(items, f.executions[n])
	}
	page["executions"] = items
	if end < len(names) {
		page["nextPageToken"] = fmt.Sprintf("page-%d", end)
	}
	writeJSON(w, page)
}

func (f *fakeServer) getExecution(w http.ResponseWriter, name string) {
	exec, ok := f.executions[name]
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, exec)
}

func (f *fakeServer) deleteExecution(w http.ResponseWriter, name string) {
	if _, ok := f.executions[name]; !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	delete(f.executions, name)
	f.order = append(f.order, "execution:"+name)
	writeJSON(w, map[string]any{"name": "operations/delete"})
}

func (f *fakeServer) cancelExecution(w http.ResponseWriter, name string) {
	if _, ok := f.executions[name]; !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	f.cancelled[name] = true
	writeJSON(w, map[string]any{"name": "operations/cancel"})
}

// complete marks an execution finished with the given condition state.
func (f *fakeServer) complete(name, state, reason, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec := f.executions[name]
	now := time.Now().UTC().Format(time.RFC3339Nano)
	exec["generation"] = "3"
	exec["completionTime"] = now
	exec["conditions"] = []map[string]any{
		{"type": "Completed", "state": state, "reason": reason, "message": message, "lastTransitionTime": now},
	}
	if state == "CONDITION_SUCCEEDED" {
		exec["succeededCount"] = 1
	} else {
		exec["failedCount"] = 1
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg, "status": http.StatusText(code)},
	})
}
