package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/me/nexus/internal/executor"
	"github.com/me/nexus/internal/recovery"
	"github.com/me/nexus/internal/session"
	"github.com/me/nexus/pkg/model"
)

// offlineSessions builds a session manager and a recovery prober for
// commands that act on sessions while no daemon is running.
func offlineSessions() (*session.Manager, *recovery.Prober, error) {
	runner := executor.NewLocalRunner(cfg.CommandTimeout, logger)
	backend, err := session.NewBackend(cfg.SessionBackend, runner)
	if err != nil {
		return nil, nil, err
	}
	procs, err := recovery.NewProcFS("")
	if err != nil {
		return nil, nil, err
	}
	mgr := session.NewManager(backend, cfg.LogDir, logger)
	return mgr, recovery.NewProber(backend, procs, nil, cfg.LogDir, nil, logger), nil
}

// findRunning picks the job a target names: a device index first, then a
// job id.
func findRunning(jobs []*model.Job, target string) *model.Job {
	if idx, err := strconv.Atoi(target); err == nil {
		for _, j := range jobs {
			if j.HoldsGPU(idx) {
				return j
			}
		}
	}
	for _, j := range jobs {
		if j.ID == target && j.Status == model.JobStatusRunning {
			return j
		}
	}
	return nil
}

// recoverTarget finds a running job from the live sessions.
func recoverTarget(ctx context.Context, prober *recovery.Prober, target string) (*model.Job, error) {
	jobs, err := prober.Recover(ctx)
	if err != nil {
		return nil, err
	}
	job := findRunning(jobs, target)
	if job == nil {
		return nil, fmt.Errorf("no running job on GPU or with id %q", target)
	}
	return job, nil
}
