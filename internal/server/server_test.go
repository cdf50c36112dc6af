package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/nexus/internal/config"
	"github.com/me/nexus/internal/metrics"
	"github.com/me/nexus/internal/scheduler"
	"github.com/me/nexus/pkg/model"
)

// fakeScheduler serves requests from a fixed job list.
type fakeScheduler struct {
	snap    *model.Snapshot
	added   []string
	killed  []string
	removed []string
	banned  []int
	err     error
}

func (f *fakeScheduler) Run(context.Context) error  { return nil }
func (f *fakeScheduler) Tick(context.Context) error { return nil }

func (f *fakeScheduler) AddJob(_ context.Context, command string) (*model.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	if strings.TrimSpace(command) == "" {
		return nil, model.NewValidationError("command is required")
	}
	f.added = append(f.added, command)
	return model.NewJob("new001", command), nil
}

func (f *fakeScheduler) RemoveJob(_ context.Context, id string) (*model.Job, error) {
	for _, j := range f.snap.Jobs {
		if j.ID == id {
			if j.Status != model.JobStatusQueued {
				return nil, &model.APIError{Code: model.ErrConflict, Message: "not queued"}
			}
			f.removed = append(f.removed, id)
			return j, nil
		}
	}
	return nil, model.NewNotFoundError("job", id)
}

func (f *fakeScheduler) KillJob(_ context.Context, target string) (*model.Job, error) {
	for _, j := range f.snap.Jobs {
		if j.ID == target || (j.GPUIndex != nil && target == "1" && *j.GPUIndex == 1) {
			f.killed = append(f.killed, target)
			return j, nil
		}
	}
	return nil, model.NewNotFoundError("running job", target)
}

func (f *fakeScheduler) Snapshot(context.Context) (*model.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func (f *fakeScheduler) BlacklistGPUs(_ context.Context, indices []int) (*model.GPUActionResponse, error) {
	if len(indices) == 0 {
		return nil, model.NewValidationError("no GPU indices provided")
	}
	resp := &model.GPUActionResponse{Failed: []model.GPUActionError{}}
	for _, idx := range indices {
		if idx < 0 {
			resp.Failed = append(resp.Failed, model.GPUActionError{Index: idx, Error: "invalid GPU index"})
			continue
		}
		f.banned = append(f.banned, idx)
		resp.Blacklisted = append(resp.Blacklisted, idx)
	}
	f.snap.Blacklist = f.banned
	return resp, nil
}

func (f *fakeScheduler) UnblacklistGPUs(_ context.Context, indices []int) (*model.GPUActionResponse, error) {
	if len(indices) == 0 {
		return nil, model.NewValidationError("no GPU indices provided")
	}
	f.banned = nil
	f.snap.Blacklist = nil
	return &model.GPUActionResponse{Removed: indices, Failed: []model.GPUActionError{}}, nil
}

var _ scheduler.Scheduler = (*fakeScheduler)(nil)

func sampleSnapshot() *model.Snapshot {
	gpu := 1
	started := time.Now().Add(-time.Minute)
	running := model.NewJob("run001", "python train.py")
	running.Status = model.JobStatusRunning
	running.GPUIndex = &gpu
	running.StartedAt = &started
	running.Session = "nexus_job_run001"

	return &model.Snapshot{
		Devices: []model.Device{
			{Index: 0, Name: "Mock GPU 0", MemoryTotal: 8192, MemoryUsed: 2048},
			{Index: 1, Name: "Mock GPU 1", MemoryTotal: 16384, MemoryUsed: 4096},
		},
		Jobs: []*model.Job{
			model.NewJob("que001", "echo one"),
			model.NewJob("que002", "echo two"),
			running,
		},
		TakenAt: time.Now(),
	}
}

func testServer(opts ...Option) (*Server, *fakeScheduler) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	sched := &fakeScheduler{snap: sampleSnapshot()}
	return New(config.ServerConfig{Addr: "127.0.0.1:0"}, sched, logger, opts...), sched
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string, wantCode int) envelope {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantCode {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantCode, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return env
}

func TestDiscovery(t *testing.T) {
	srv, _ := testServer()
	env := do(t, srv, "GET", "/api/v1/", "", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}
	var data discoveryResponse
	json.Unmarshal(env.Data, &data)
	if data.Name != "nexus API" || len(data.Endpoints) < 5 {
		t.Errorf("discovery = %+v", data)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(WithSessionBackend("screen"))
	env := do(t, srv, "GET", "/api/v1/health", "", http.StatusOK)

	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Version != Version {
		t.Errorf("health = %+v", data)
	}
	if data.Scheduler != "running" || data.SessionBackend != "screen" {
		t.Errorf("scheduler = %q, backend = %q", data.Scheduler, data.SessionBackend)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	srv, _ := testServer()
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "cli-42")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "cli-42" {
		t.Errorf("X-Request-ID = %q, want cli-42", got)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := testServer()
	env := do(t, srv, "GET", "/api/v1/status", "", http.StatusOK)

	var data StatusResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Queued != 2 || len(data.Devices) != 2 {
		t.Fatalf("status = %+v", data)
	}
	if data.Devices[0].Job != nil {
		t.Errorf("GPU 0 job = %+v, want idle", data.Devices[0].Job)
	}
	if data.Devices[1].Job == nil || data.Devices[1].Job.ID != "run001" {
		t.Errorf("GPU 1 job = %+v", data.Devices[1].Job)
	}
	if data.Devices[1].Name != "Mock GPU 1" {
		t.Errorf("device fields not flattened: %+v", data.Devices[1])
	}
}

func TestListJobs(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?status=queued", 2},
		{"?status=RUNNING", 1},
		{"?status=failed", 0},
	}
	srv, _ := testServer()
	for _, tt := range tests {
		env := do(t, srv, "GET", "/api/v1/jobs"+tt.query, "", http.StatusOK)
		var jobs []model.Job
		if err := json.Unmarshal(env.Data, &jobs); err != nil {
			t.Fatalf("%s: %v", tt.query, err)
		}
		if len(jobs) != tt.want {
			t.Errorf("GET /jobs%s = %d jobs, want %d", tt.query, len(jobs), tt.want)
		}
	}

	env := do(t, srv, "GET", "/api/v1/jobs?status=bogus", "", http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestGetJob(t *testing.T) {
	srv, _ := testServer()
	env := do(t, srv, "GET", "/api/v1/jobs/run001", "", http.StatusOK)
	var job model.Job
	json.Unmarshal(env.Data, &job)
	if job.Session != "nexus_job_run001" {
		t.Errorf("job = %+v", job)
	}
	do(t, srv, "GET", "/api/v1/jobs/nope", "", http.StatusNotFound)
}

func TestAddJob(t *testing.T) {
	srv, sched := testServer()
	env := do(t, srv, "POST", "/api/v1/jobs", `{"command":"python eval.py"}`, http.StatusCreated)
	var job model.Job
	json.Unmarshal(env.Data, &job)
	if job.ID != "new001" || job.Status != model.JobStatusQueued {
		t.Errorf("job = %+v", job)
	}
	if len(sched.added) != 1 || sched.added[0] != "python eval.py" {
		t.Errorf("added = %v", sched.added)
	}
}

func TestAddJob_Invalid(t *testing.T) {
	srv, _ := testServer()
	env := do(t, srv, "POST", "/api/v1/jobs", "not json", http.StatusBadRequest)
	if env.Status != "error" || env.Error.Code != model.ErrValidation {
		t.Errorf("env = %+v", env)
	}
	do(t, srv, "POST", "/api/v1/jobs", `{"command":"  "}`, http.StatusBadRequest)
}

func TestRemoveJob(t *testing.T) {
	srv, sched := testServer()
	do(t, srv, "DELETE", "/api/v1/jobs/que002", "", http.StatusOK)
	if len(sched.removed) != 1 {
		t.Errorf("removed = %v", sched.removed)
	}
	env := do(t, srv, "DELETE", "/api/v1/jobs/run001", "", http.StatusConflict)
	if env.Error.Code != model.ErrConflict {
		t.Errorf("error = %+v", env.Error)
	}
	do(t, srv, "DELETE", "/api/v1/jobs/missing", "", http.StatusNotFound)
}

func TestKill(t *testing.T) {
	srv, sched := testServer()
	do(t, srv, "POST", "/api/v1/jobs/run001/kill", "", http.StatusOK)
	do(t, srv, "POST", "/api/v1/gpus/1/kill", "", http.StatusOK)
	if len(sched.killed) != 2 {
		t.Errorf("killed = %v", sched.killed)
	}
	do(t, srv, "POST", "/api/v1/gpus/x/kill", "", http.StatusBadRequest)
	do(t, srv, "POST", "/api/v1/gpus/0/kill", "", http.StatusNotFound)
}

func TestBlacklist(t *testing.T) {
	srv, sched := testServer()

	env := do(t, srv, "GET", "/api/v1/gpus/blacklist", "", http.StatusOK)
	if string(env.Data) != "[]" {
		t.Errorf("initial blacklist = %s", env.Data)
	}

	env = do(t, srv, "POST", "/api/v1/gpus/blacklist", `{"gpus":[1,-2]}`, http.StatusOK)
	var resp model.GPUActionResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Blacklisted) != 1 || resp.Blacklisted[0] != 1 || len(resp.Failed) != 1 || resp.Failed[0].Index != -2 {
		t.Errorf("resp = %+v", resp)
	}
	if len(sched.banned) != 1 {
		t.Errorf("banned = %v", sched.banned)
	}

	env = do(t, srv, "GET", "/api/v1/status", "", http.StatusOK)
	var status StatusResponse
	json.Unmarshal(env.Data, &status)
	if len(status.Blacklist) != 1 || status.Blacklist[0] != 1 {
		t.Errorf("status blacklist = %v", status.Blacklist)
	}

	do(t, srv, "DELETE", "/api/v1/gpus/blacklist", `{"gpus":[1]}`, http.StatusOK)
	if len(sched.banned) != 0 {
		t.Errorf("banned = %v after delete", sched.banned)
	}
	do(t, srv, "POST", "/api/v1/gpus/blacklist", `{"gpus":[]}`, http.StatusBadRequest)
	do(t, srv, "DELETE", "/api/v1/gpus/blacklist", "[1]", http.StatusBadRequest)
	// The kill route still resolves next to the static path.
	do(t, srv, "POST", "/api/v1/gpus/1/kill", "", http.StatusOK)
}

func TestSchedulerStopped(t *testing.T) {
	srv, sched := testServer()
	sched.err = scheduler.ErrStopped
	env := do(t, srv, "GET", "/api/v1/status", "", http.StatusServiceUnavailable)
	if env.Error.Code != model.ErrUnavailable {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.JobsStarted.Add(3)
	srv, _ := testServer(WithGatherer(reg))

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "nexus_jobs_started_total 3") {
		t.Errorf("metrics body missing counter:\n%s", w.Body.String())
	}
}

func TestNoMetricsWithoutGatherer(t *testing.T) {
	srv, _ := testServer()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
