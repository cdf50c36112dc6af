package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/me/nexus/internal/config"
	"github.com/me/nexus/pkg/model"
)

// submit runs fn on the loop goroutine and waits for it.
func (l *Loop) submit(ctx context.Context, fn func(ctx context.Context)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case l.requests <- req:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

// AddJob appends command to the queue and saves it.
func (l *Loop) AddJob(ctx context.Context, command string) (*model.Job, error) {
	var job *model.Job
	var err error
	if serr := l.submit(ctx, func(ctx context.Context) { job, err = l.addJob(command) }); serr != nil {
		return nil, serr
	}
	return job, err
}

// RemoveJob drops a QUEUED job.
func (l *Loop) RemoveJob(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	var err error
	if serr := l.submit(ctx, func(ctx context.Context) { job, err = l.removeJob(id) }); serr != nil {
		return nil, serr
	}
	return job, err
}

// KillJob stops the RUNNING job identified by target, a GPU index or a job
// id, and marks it COMPLETED.
func (l *Loop) KillJob(ctx context.Context, target string) (*model.Job, error) {
	var job *model.Job
	var err error
	if serr := l.submit(ctx, func(ctx context.Context) { job, err = l.killJob(ctx, target) }); serr != nil {
		return nil, serr
	}
	return job, err
}

// BlacklistGPUs excludes devices from assignment and writes the new list to
// the config file. Jobs already running on them are left alone.
func (l *Loop) BlacklistGPUs(ctx context.Context, indices []int) (*model.GPUActionResponse, error) {
	var resp *model.GPUActionResponse
	var err error
	if serr := l.submit(ctx, func(context.Context) { resp, err = l.changeBlacklist(indices, true) }); serr != nil {
		return nil, serr
	}
	return resp, err
}

// UnblacklistGPUs makes devices assignable again and writes the new list to
// the config file.
func (l *Loop) UnblacklistGPUs(ctx context.Context, indices []int) (*model.GPUActionResponse, error) {
	var resp *model.GPUActionResponse
	var err error
	if serr := l.submit(ctx, func(context.Context) { resp, err = l.changeBlacklist(indices, false) }); serr != nil {
		return nil, serr
	}
	return resp, err
}

// Snapshot returns copies of all jobs and the last probed devices.
func (l *Loop) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	var snap *model.Snapshot
	if err := l.submit(ctx, func(context.Context) { snap = l.snapshot() }); err != nil {
		return nil, err
	}
	return snap, nil
}

func (l *Loop) addJob(command string) (*model.Job, error) {
	command, err := model.NormalizeCommand(command)
	if err != nil {
		return nil, err
	}

	l.syncQueue()
	job := model.NewJob(l.deps.Queue.NewID(), command)
	l.jobs = append(l.jobs, job)
	if err := l.deps.Queue.Save(l.jobs); err != nil {
		l.jobs = l.jobs[:len(l.jobs)-1]
		return nil, fmt.Errorf("save queue: %w", err)
	}

	l.logger.Info("job added", "job_id", job.ID, "command", job.Command)
	l.deps.Events.Record("Job %s added to queue: %s", job.ID, job.Command)
	l.updateGauges()
	return job.Clone(), nil
}

func (l *Loop) removeJob(id string) (*model.Job, error) {
	l.syncQueue()
	var found *model.Job
	for _, j := range l.jobs {
		if j.ID == id {
			found = j
			break
		}
	}
	if found == nil {
		return nil, model.NewNotFoundError("job", id)
	}
	if found.Status != model.JobStatusQueued {
		return nil, &model.APIError{
			Code:    model.ErrConflict,
			Message: fmt.Sprintf("job %s is %s; only queued jobs can be removed", id, found.Status),
		}
	}

	removed, err := l.deps.Queue.Remove(l.jobs, id)
	if err != nil {
		return nil, fmt.Errorf("save queue: %w", err)
	}
	if removed {
		kept := l.jobs[:0]
		for _, j := range l.jobs {
			if j != found {
				kept = append(kept, j)
			}
		}
		l.jobs = kept
	}

	l.logger.Info("job removed", "job_id", id)
	l.deps.Events.Record("Job %s removed from queue", id)
	l.updateGauges()
	return found.Clone(), nil
}

func (l *Loop) killJob(ctx context.Context, target string) (*model.Job, error) {
	target = strings.TrimSpace(target)
	job := l.findKillTarget(target)
	if job == nil {
		return nil, model.NewNotFoundError("running job", target)
	}

	if err := l.deps.Sessions.Stop(ctx, job.Session); err != nil {
		return nil, fmt.Errorf("kill job %s: %w", job.ID, err)
	}
	l.complete(ctx, job)
	l.deps.Events.Record("Killed job %s on GPU %v", job.ID, gpuLabel(job))
	l.compact()
	l.updateGauges()
	return job.Clone(), nil
}

// findKillTarget resolves a GPU index first, then a job id.
func (l *Loop) findKillTarget(target string) *model.Job {
	if index, err := strconv.Atoi(target); err == nil {
		if j := l.holder(index); j != nil {
			return j
		}
	}
	for _, j := range l.jobs {
		if j.ID == target && j.Status == model.JobStatusRunning {
			return j
		}
	}
	return nil
}

// changeBlacklist adds or removes indices and persists the result. A
// persist error undoes the change.
func (l *Loop) changeBlacklist(indices []int, add bool) (*model.GPUActionResponse, error) {
	resp, changed, err := model.PlanBlacklist(l.blacklist, indices, add)
	if err != nil || len(changed) == 0 {
		return resp, err
	}

	apply := func(set bool) {
		for _, idx := range changed {
			if set {
				l.blacklist[idx] = true
			} else {
				delete(l.blacklist, idx)
			}
		}
	}
	apply(add)
	if err := config.SaveBlacklist(l.cfg.File, l.blacklistIndices()); err != nil {
		apply(!add)
		return nil, fmt.Errorf("save blacklist: %w", err)
	}

	for _, idx := range changed {
		if add {
			l.logger.Info("gpu blacklisted", "gpu", idx)
			l.deps.Events.Record("Blacklisted GPU %d", idx)
		} else {
			l.logger.Info("gpu removed from blacklist", "gpu", idx)
			l.deps.Events.Record("Removed GPU %d from blacklist", idx)
		}
	}
	l.markBlacklisted()
	l.updateGauges()
	return resp, nil
}

// blacklistIndices returns the blacklist in ascending order.
func (l *Loop) blacklistIndices() []int {
	out := make([]int, 0, len(l.blacklist))
	for idx := range l.blacklist {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out
}

func (l *Loop) snapshot() *model.Snapshot {
	snap := &model.Snapshot{
		Paused:    l.pauseMarkerExists(),
		Blacklist: l.blacklistIndices(),
		Devices:   append([]model.Device(nil), l.devices...),
		Jobs:      make([]*model.Job, 0, len(l.jobs)+len(l.history)),
		TakenAt:   l.now().UTC(),
	}
	for _, j := range l.jobs {
		snap.Jobs = append(snap.Jobs, j.Clone())
	}
	for _, j := range l.history {
		snap.Jobs = append(snap.Jobs, j.Clone())
	}
	return snap
}
