package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/me/nexus/internal/logging"
	"github.com/me/nexus/internal/session"
	"github.com/me/nexus/internal/session/sessiontest"
	"github.com/me/nexus/internal/store"
)

// fakeProcs is an in-memory process table.
type fakeProcs struct {
	environ  map[int][]string
	children map[int][]int
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{environ: make(map[int][]string), children: make(map[int][]int)}
}

func (f *fakeProcs) Environ(pid int) ([]string, error) {
	env, ok := f.environ[pid]
	if !ok {
		return nil, fmt.Errorf("no such process %d", pid)
	}
	return env, nil
}

func (f *fakeProcs) Children(pid int) ([]int, error) {
	return f.children[pid], nil
}

type recorded struct{ lines []string }

func (r *recorded) Record(format string, args ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func testRegistry(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecover_FromLeaderEnv(t *testing.T) {
	b := sessiontest.New()
	procs := newFakeProcs()
	pid := b.Add(session.Name("abc123"))
	procs.environ[pid] = []string{"PATH=/bin", "CUDA_VISIBLE_DEVICES=1", "NEXUS_START_TIME=1792411200"}
	b.Add("unrelated") // no prefix, ignored

	p := NewProber(b, procs, nil, "/logs", nil, logging.Discard())
	jobs, err := p.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	j := jobs[0]
	if j.ID != "abc123" || !j.HoldsGPU(1) || j.Session != "nexus_job_abc123" || !j.Recovered {
		t.Errorf("job = %+v", j)
	}
	if j.Command != "" {
		t.Errorf("Command = %q, want unknown", j.Command)
	}
	if j.LogDir != "/logs/abc123" {
		t.Errorf("LogDir = %q", j.LogDir)
	}
	if want := time.Unix(1792411200, 0).UTC(); !j.StartedAt.Equal(want) {
		t.Errorf("StartedAt = %v, want %v", j.StartedAt, want)
	}
}

func TestRecover_FromDescendant(t *testing.T) {
	b := sessiontest.New()
	procs := newFakeProcs()
	leader := b.Add(session.Name("deep"))
	procs.environ[leader] = []string{"TERM=screen"}
	procs.children[leader] = []int{50001}
	procs.environ[50001] = []string{"SHELL=/bin/bash"}
	procs.children[50001] = []int{50002}
	procs.environ[50002] = []string{"CUDA_VISIBLE_DEVICES=3"}

	jobs, err := NewProber(b, procs, nil, "/logs", nil, logging.Discard()).Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || !jobs[0].HoldsGPU(3) {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestRecover_SkipsUnusable(t *testing.T) {
	b := sessiontest.New()
	procs := newFakeProcs()
	noEnv := b.Add(session.Name("noenv"))
	procs.environ[noEnv] = []string{"HOME=/root"}
	bad := b.Add(session.Name("badgpu"))
	procs.environ[bad] = []string{"CUDA_VISIBLE_DEVICES=0,1"}
	b.Add(session.Name("gone")) // no process entry

	ev := &recorded{}
	jobs, err := NewProber(b, procs, nil, "/logs", ev, logging.Discard()).Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("jobs = %+v, want none", jobs)
	}
	if len(ev.lines) != 1 {
		t.Errorf("events = %q, want one invalid-device event", ev.lines)
	}
}

func TestRecover_DuplicateGPUFirstWins(t *testing.T) {
	b := sessiontest.New()
	procs := newFakeProcs()
	// sessiontest lists sessions sorted by name.
	first := b.Add(session.Name("aaa"))
	second := b.Add(session.Name("bbb"))
	procs.environ[first] = []string{"CUDA_VISIBLE_DEVICES=0"}
	procs.environ[second] = []string{"CUDA_VISIBLE_DEVICES=0"}

	ev := &recorded{}
	jobs, err := NewProber(b, procs, nil, "/logs", ev, logging.Discard()).Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != "aaa" {
		t.Fatalf("jobs = %+v, want only aaa", jobs)
	}
	if len(ev.lines) != 1 {
		t.Errorf("events = %q", ev.lines)
	}
}

func TestRecover_ListError(t *testing.T) {
	b := sessiontest.New()
	b.ListErr = errors.New("screen: not found")
	_, err := NewProber(b, newFakeProcs(), nil, "/logs", nil, logging.Discard()).Recover(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRecover_EnrichedFromRegistry(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	started := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	if err := reg.PutRunning(ctx, &store.RunningJob{
		ID: "abc", Command: "python train.py", GPUIndex: 0,
		Session: "nexus_job_abc", LogDir: "/data/logs/abc", StartedAt: started,
	}); err != nil {
		t.Fatal(err)
	}

	b := sessiontest.New()
	procs := newFakeProcs()
	pid := b.Add(session.Name("abc"))
	procs.environ[pid] = []string{"CUDA_VISIBLE_DEVICES=0"}

	jobs, err := NewProber(b, procs, reg, "/logs", nil, logging.Discard()).Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v", jobs)
	}
	j := jobs[0]
	if j.Command != "python train.py" || j.LogDir != "/data/logs/abc" || !j.StartedAt.Equal(started) {
		t.Errorf("job not enriched: %+v", j)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	for _, id := range []string{"live", "finished"} {
		if err := reg.PutRunning(ctx, &store.RunningJob{ID: id, Command: "x", Session: session.Name(id), StartedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	b := sessiontest.New()
	procs := newFakeProcs()
	pid := b.Add(session.Name("live"))
	procs.environ[pid] = []string{"CUDA_VISIBLE_DEVICES=2"}

	p := NewProber(b, procs, reg, "/logs", nil, logging.Discard())
	jobs, err := p.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	stale, err := p.Prune(ctx, jobs)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "finished" {
		t.Errorf("stale = %+v", stale)
	}
	rows, _ := reg.ListRunning(ctx)
	if len(rows) != 1 || rows[0].ID != "live" {
		t.Errorf("registry after prune = %+v", rows)
	}
}

func TestPrune_KeepsUntrackedLiveSession(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	for _, id := range []string{"aaa", "bbb"} {
		if err := reg.PutRunning(ctx, &store.RunningJob{ID: id, Command: "train " + id, Session: session.Name(id), StartedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	b := sessiontest.New()
	procs := newFakeProcs()
	first := b.Add(session.Name("aaa"))
	second := b.Add(session.Name("bbb"))
	procs.environ[first] = []string{"CUDA_VISIBLE_DEVICES=0"}
	procs.environ[second] = []string{"CUDA_VISIBLE_DEVICES=0"}

	p := NewProber(b, procs, reg, "/logs", &recorded{}, logging.Discard())
	jobs, err := p.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != "aaa" {
		t.Fatalf("jobs = %+v, want only aaa", jobs)
	}

	stale, err := p.Prune(ctx, jobs)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("stale = %+v, bbb is still running", stale)
	}
	if rj, _ := reg.GetRunning(ctx, "bbb"); rj == nil {
		t.Error("registry row of live session bbb was deleted")
	}
}

func TestPrune_ListErrorPrunesNothing(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	if err := reg.PutRunning(ctx, &store.RunningJob{ID: "abc", Command: "x", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	b := sessiontest.New()
	b.ListErr = errors.New("screen: not found")
	stale, err := NewProber(b, newFakeProcs(), reg, "/logs", nil, logging.Discard()).Prune(ctx, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(stale) != 0 {
		t.Errorf("stale = %+v", stale)
	}
	if rows, _ := reg.ListRunning(ctx); len(rows) != 1 {
		t.Errorf("registry = %+v, want row kept", rows)
	}
}

func TestProcFS_Self(t *testing.T) {
	if _, err := os.Stat("/proc/self/environ"); err != nil {
		t.Skip("no /proc on this system")
	}
	fs, err := NewProcFS("")
	if err != nil {
		t.Fatalf("NewProcFS: %v", err)
	}
	if _, err := fs.Environ(os.Getpid()); err != nil {
		t.Errorf("Environ(self): %v", err)
	}
	children, err := fs.Children(os.Getppid())
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	found := false
	for _, c := range children {
		if c == os.Getpid() {
			found = true
		}
	}
	if !found {
		t.Errorf("Children(ppid) = %v, missing self %d", children, os.Getpid())
	}
}
