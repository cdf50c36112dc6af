// Package recovery rebuilds the set of running jobs from sessions that
// survived a daemon restart.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/me/nexus/internal/session"
	"github.com/me/nexus/internal/store"
	"github.com/me/nexus/pkg/model"
)

// maxDescendants bounds the process-tree walk below one session leader.
const maxDescendants = 64

// Recorder receives human-readable events.
type Recorder interface {
	Record(format string, args ...any)
}

// Prober discovers running jobs from live sessions.
type Prober struct {
	lister   session.Lister
	procs    ProcessTable
	registry store.Store // nil disables enrichment
	logDir   string
	events   Recorder
	logger   *slog.Logger
}

// NewProber creates a Prober. registry and events may be nil.
func NewProber(lister session.Lister, procs ProcessTable, registry store.Store, logDir string, events Recorder, logger *slog.Logger) *Prober {
	return &Prober{
		lister:   lister,
		procs:    procs,
		registry: registry,
		logDir:   logDir,
		events:   events,
		logger:   logger.With("component", "recovery"),
	}
}

// Recover returns a RUNNING job for every live job session whose process
// tree carries CUDA_VISIBLE_DEVICES. When two sessions claim one device the
// first listed wins and the other is left untracked.
func (p *Prober) Recover(ctx context.Context) ([]*model.Job, error) {
	infos, err := p.lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var jobs []*model.Job
	claimed := make(map[int]string)
	for _, info := range infos {
		id, ok := session.JobID(info.Name)
		if !ok {
			continue
		}
		if info.PID <= 0 {
			p.record("Cannot recover job %s: session %s reports no pid", id, info.Name)
			continue
		}

		env, found := p.findJobEnv(info.PID)
		if !found {
			p.logger.Warn("session without device assignment", "session", info.Name, "pid", info.PID)
			continue
		}
		gpu, err := strconv.Atoi(strings.TrimSpace(env[session.EnvVisibleDevices]))
		if err != nil {
			p.record("Cannot recover job %s: invalid %s=%q", id, session.EnvVisibleDevices, env[session.EnvVisibleDevices])
			continue
		}
		if owner, dup := claimed[gpu]; dup {
			p.record("Job %s also claims GPU %d held by recovered job %s; leaving it untracked", id, gpu, owner)
			continue
		}
		claimed[gpu] = id

		job := p.buildJob(ctx, id, info.Name, gpu, env)
		p.logger.Info("recovered job", "job_id", id, "gpu", gpu, "session", info.Name, "command_known", job.Command != "")
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (p *Prober) buildJob(ctx context.Context, id, name string, gpu int, env map[string]string) *model.Job {
	job := model.NewJob(id, "")
	job.Status = model.JobStatusRunning
	job.GPUIndex = &gpu
	job.Session = name
	job.LogDir = filepath.Join(p.logDir, id)
	job.Recovered = true

	started := time.Now().UTC()
	if sec, err := strconv.ParseInt(env[session.EnvStartTime], 10, 64); err == nil {
		started = time.Unix(sec, 0).UTC()
	}
	job.StartedAt = &started

	if p.registry == nil {
		return job
	}
	rj, err := p.registry.GetRunning(ctx, id)
	if err != nil {
		p.logger.Warn("registry lookup failed", "job_id", id, "error", err)
		return job
	}
	if rj == nil {
		return job
	}
	job.Command = rj.Command
	job.Env = rj.Env
	if rj.LogDir != "" {
		job.LogDir = rj.LogDir
	}
	if !rj.StartedAt.IsZero() {
		s := rj.StartedAt
		job.StartedAt = &s
	}
	return job
}

// Prune deletes registry rows whose job is neither in alive nor backed by a
// live session, and returns them. These jobs finished while the daemon was
// down. Rows of sessions that are alive but were left untracked by Recover
// stay in the registry. Nothing is pruned when sessions cannot be listed.
func (p *Prober) Prune(ctx context.Context, alive []*model.Job) ([]*store.RunningJob, error) {
	if p.registry == nil {
		return nil, nil
	}
	infos, err := p.lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	rows, err := p.registry.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}

	live := make(map[string]bool, len(alive))
	for _, j := range alive {
		live[j.ID] = true
	}
	sessions := make(map[string]bool, len(infos))
	for _, info := range infos {
		sessions[info.Name] = true
	}

	var stale []*store.RunningJob
	for _, rj := range rows {
		if live[rj.ID] {
			continue
		}
		name := rj.Session
		if name == "" {
			name = session.Name(rj.ID)
		}
		if sessions[name] {
			p.logger.Warn("keeping registry row of untracked live session", "job_id", rj.ID, "session", name)
			continue
		}
		if err := p.registry.DeleteRunning(ctx, rj.ID); err != nil {
			return stale, fmt.Errorf("delete registry row %s: %w", rj.ID, err)
		}
		stale = append(stale, rj)
	}
	return stale, nil
}

// findJobEnv searches the session leader and then its descendants,
// breadth first, for the first environment that sets CUDA_VISIBLE_DEVICES.
func (p *Prober) findJobEnv(leader int) (map[string]string, bool) {
	queue := []int{leader}
	visited := 0
	for len(queue) > 0 && visited < maxDescendants {
		pid := queue[0]
		queue = queue[1:]
		visited++

		if vars, err := p.procs.Environ(pid); err == nil {
			env := parseEnviron(vars)
			if _, ok := env[session.EnvVisibleDevices]; ok {
				return env, true
			}
		} else {
			p.logger.Debug("read environ failed", "pid", pid, "error", err)
		}

		children, err := p.procs.Children(pid)
		if err != nil {
			p.logger.Debug("list children failed", "pid", pid, "error", err)
			continue
		}
		queue = append(queue, children...)
	}
	return nil, false
}

func (p *Prober) record(format string, args ...any) {
	p.logger.Warn(fmt.Sprintf(format, args...))
	if p.events != nil {
		p.events.Record(format, args...)
	}
}

func parseEnviron(vars []string) map[string]string {
	env := make(map[string]string, len(vars))
	for _, kv := range vars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, dup := env[k]; !dup {
			env[k] = v
		}
	}
	return env
}
