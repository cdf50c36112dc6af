package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/me/nexus/internal/config"
	"github.com/me/nexus/internal/gpu"
	"github.com/me/nexus/internal/metrics"
	"github.com/me/nexus/internal/queue"
	"github.com/me/nexus/internal/session"
	"github.com/me/nexus/internal/store"
	"github.com/me/nexus/pkg/model"
)

// ErrStopped is returned by requests sent after Run has returned.
var ErrStopped = errors.New("scheduler is not running")

// Recoverer rebuilds running jobs from surviving sessions.
type Recoverer interface {
	Recover(ctx context.Context) ([]*model.Job, error)
	Prune(ctx context.Context, alive []*model.Job) ([]*store.RunningJob, error)
}

// Archiver compresses the logs of a completed job.
type Archiver interface {
	Archive(ctx context.Context, job *model.Job) (string, error)
}

// Recorder receives human-readable events for the service log.
type Recorder interface {
	Record(format string, args ...any)
}

// Deps are the collaborators of a Loop. Recovery, Registry and Archiver
// may be nil.
type Deps struct {
	Devices  gpu.Prober
	Queue    *queue.Store
	Sessions *session.Manager
	Recovery Recoverer
	Registry store.Store
	Archiver Archiver
	Events   Recorder
	Metrics  *metrics.Metrics
}

type request struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Loop owns every job. Only the goroutine running Run (or a test calling
// Tick directly) touches jobs, history and devices; everyone else goes
// through the request channel.
type Loop struct {
	deps   Deps
	cfg    config.Config
	logger *slog.Logger

	jobs    []*model.Job // QUEUED and RUNNING, queue order
	history []*model.Job // COMPLETED and FAILED, oldest first
	devices   []model.Device
	blacklist map[int]bool // seeded from gpu.blacklist, changed by requests
	paused    bool

	requests chan request
	done     chan struct{}
	now      func() time.Time
}

// NewLoop creates a scheduler loop.
func NewLoop(deps Deps, cfg config.Config, logger *slog.Logger) *Loop {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Events == nil {
		deps.Events = nopRecorder{}
	}
	blacklist := make(map[int]bool, len(cfg.GPU.Blacklist))
	for _, idx := range cfg.GPU.Blacklist {
		blacklist[idx] = true
	}
	return &Loop{
		deps:      deps,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		blacklist: blacklist,
		requests:  make(chan request),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Run loads the queue, recovers surviving sessions and then ticks every
// refresh interval until ctx is cancelled. Requests are served between
// ticks.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	l.deps.Events.Record("Service starting")
	if err := l.Load(ctx); err != nil {
		return err
	}
	l.logger.Info("scheduler started", "refresh_rate", l.cfg.RefreshRate, "queued", l.count(model.JobStatusQueued), "running", l.count(model.JobStatusRunning))

	ticker := time.NewTicker(l.cfg.RefreshRate)
	defer ticker.Stop()

	if err := l.Tick(ctx); err != nil {
		l.logger.Error("tick error", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			l.deps.Events.Record("Service stopped")
			return nil
		case req := <-l.requests:
			req.fn(ctx)
			close(req.done)
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Load reads the queue file and merges recovered jobs. Run calls it once;
// tests call it directly.
func (l *Loop) Load(ctx context.Context) error {
	queued, err := l.deps.Queue.Load()
	if err != nil {
		l.deps.Events.Record("Error loading jobs file: %v", err)
		return fmt.Errorf("load queue: %w", err)
	}
	l.jobs = queued

	if l.deps.Recovery == nil {
		return nil
	}
	recovered, err := l.deps.Recovery.Recover(ctx)
	if err != nil {
		l.logger.Warn("recovery failed", "error", err)
		l.deps.Events.Record("Error recovering running jobs: %v", err)
		return nil
	}
	for _, j := range recovered {
		l.deps.Events.Record("Recovered job %s on GPU %d", j.ID, *j.GPUIndex)
	}
	l.jobs = append(l.jobs, recovered...)

	stale, err := l.deps.Recovery.Prune(ctx, recovered)
	if err != nil {
		l.logger.Warn("prune running registry", "error", err)
	}
	for _, rj := range stale {
		l.finishOffline(ctx, rj)
	}
	return nil
}

// finishOffline records a job whose session ended while the daemon was
// down.
func (l *Loop) finishOffline(ctx context.Context, rj *store.RunningJob) {
	job := model.NewJob(rj.ID, rj.Command)
	gpu := rj.GPUIndex
	started := rj.StartedAt
	job.GPUIndex = &gpu
	job.Session = rj.Session
	job.LogDir = rj.LogDir
	job.StartedAt = &started
	job.Status = model.JobStatusRunning
	if err := job.Transition(model.JobStatusCompleted); err != nil {
		l.logger.Error("finish offline job", "job_id", rj.ID, "error", err)
		return
	}
	l.deps.Events.Record("Job %s completed while the service was down", rj.ID)
	l.deps.Metrics.JobsCompleted.Inc()
	l.archive(ctx, job)
	l.pushHistory(job)
}

// Tick runs a single scheduling iteration.
func (l *Loop) Tick(ctx context.Context) error {
	defer l.deps.Metrics.ObserveTick(time.Now())

	// Phase 0: Pick up hand edits of the queue file.
	l.syncQueue()

	// Phase 1: Probe devices.
	devices, err := l.deps.Devices.ListDevices(ctx)
	if err != nil {
		l.deps.Metrics.ProbeErrors.Inc()
		l.deps.Events.Record("Error getting GPU info: %v", err)
		return fmt.Errorf("probe devices: %w", err)
	}
	l.devices = devices
	l.markBlacklisted()

	// Phase 2: Reconcile RUNNING jobs with live sessions.
	l.reconcile(ctx)

	// Phase 3: Assign queued jobs unless paused.
	l.paused = l.pauseMarkerExists()
	l.deps.Metrics.SetPaused(l.paused)
	if !l.paused {
		l.assign(ctx)
	}

	l.updateGauges()

	// Phase 4: Persist the remaining queue.
	if err := l.deps.Queue.Save(l.jobs); err != nil {
		l.deps.Events.Record("Error saving jobs file: %v", err)
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// syncQueue reloads the queue file when something other than this loop
// changed it. Queued jobs whose command is still present keep their ids.
func (l *Loop) syncQueue() {
	if !l.deps.Queue.Modified() {
		return
	}
	loaded, err := l.deps.Queue.Load()
	if err != nil {
		l.logger.Warn("reload queue", "error", err)
		return
	}

	var queued, rest []*model.Job
	for _, j := range l.jobs {
		if j.Status == model.JobStatusQueued {
			queued = append(queued, j)
		} else {
			rest = append(rest, j)
		}
	}
	adoptIDs(queued, loaded)
	l.jobs = append(rest, loaded...)
	l.logger.Info("queue file changed on disk", "queued", len(loaded))
}

// adoptIDs gives each loaded job the identity of the first unused old job
// with the same command.
func adoptIDs(old, loaded []*model.Job) {
	used := make([]bool, len(old))
	for _, nj := range loaded {
		for i, oj := range old {
			if used[i] || oj.Command != nj.Command {
				continue
			}
			used[i] = true
			nj.ID = oj.ID
			nj.CreatedAt = oj.CreatedAt
			break
		}
	}
}

func (l *Loop) reconcile(ctx context.Context) {
	for _, job := range l.jobs {
		if job.Status != model.JobStatusRunning {
			continue
		}
		alive, err := l.deps.Sessions.IsAlive(ctx, job.Session)
		if err != nil {
			// Only a successful listing without the name is definitive.
			l.logger.Warn("session check failed", "job_id", job.ID, "session", job.Session, "error", err)
			continue
		}
		if alive {
			continue
		}
		l.complete(ctx, job)
		l.deps.Events.Record("Job %s completed", job.ID)
	}
	l.compact()
}

// complete moves a RUNNING job to COMPLETED and archives its logs. The job
// stays in l.jobs until compact.
func (l *Loop) complete(ctx context.Context, job *model.Job) {
	if err := job.Transition(model.JobStatusCompleted); err != nil {
		l.logger.Error("complete job", "job_id", job.ID, "error", err)
		return
	}
	l.logger.Info("job completed", "job_id", job.ID, "gpu", gpuLabel(job))
	l.deps.Metrics.JobsCompleted.Inc()
	if l.deps.Registry != nil {
		if err := l.deps.Registry.DeleteRunning(ctx, job.ID); err != nil {
			l.logger.Warn("delete running record", "job_id", job.ID, "error", err)
		}
	}
	l.archive(ctx, job)
}

func (l *Loop) archive(ctx context.Context, job *model.Job) {
	if l.deps.Archiver == nil {
		return
	}
	path, err := l.deps.Archiver.Archive(ctx, job)
	if err != nil {
		l.logger.Error("archive logs", "job_id", job.ID, "error", err)
		l.deps.Events.Record("Error archiving logs of job %s: %v", job.ID, err)
		return
	}
	if path != "" {
		l.deps.Events.Record("Archived logs of job %s to %s", job.ID, path)
	}
}

// assign starts at most one queued job on each free device, lowest index
// first, taking jobs in queue order.
func (l *Loop) assign(ctx context.Context) {
	for _, dev := range l.availableDevices() {
		job := l.nextQueued()
		if job == nil {
			return
		}
		l.start(ctx, job, dev.Index)
	}
	l.compact()
}

func (l *Loop) availableDevices() []model.Device {
	var free []model.Device
	for _, d := range l.devices {
		if d.Blacklisted || l.holder(d.Index) != nil {
			continue
		}
		free = append(free, d)
	}
	sort.Slice(free, func(i, j int) bool { return free[i].Index < free[j].Index })
	return free
}

// markBlacklisted flags the probed devices from the current blacklist.
func (l *Loop) markBlacklisted() {
	for i := range l.devices {
		l.devices[i].Blacklisted = l.blacklist[l.devices[i].Index]
	}
}

func (l *Loop) nextQueued() *model.Job {
	for _, j := range l.jobs {
		if j.Status == model.JobStatusQueued {
			return j
		}
	}
	return nil
}

func (l *Loop) holder(index int) *model.Job {
	for _, j := range l.jobs {
		if j.HoldsGPU(index) {
			return j
		}
	}
	return nil
}

// start launches job on device index. A failed start fails the job; the
// device stays free until the next tick.
func (l *Loop) start(ctx context.Context, job *model.Job, index int) {
	launch, err := l.deps.Sessions.Start(ctx, job, index)
	if err != nil {
		if terr := job.Transition(model.JobStatusFailed); terr != nil {
			l.logger.Error("fail job", "job_id", job.ID, "error", terr)
		}
		job.Error = err.Error()
		l.deps.Metrics.JobsFailed.Inc()
		l.logger.Error("job start failed", "job_id", job.ID, "gpu", index, "error", err)
		l.deps.Events.Record("Failed to start job %s: %v", job.ID, err)
		return
	}

	if err := job.Transition(model.JobStatusRunning); err != nil {
		l.logger.Error("start job", "job_id", job.ID, "error", err)
		return
	}
	gpu := index
	started := launch.StartedAt
	job.GPUIndex = &gpu
	job.Session = launch.Session
	job.LogDir = launch.LogDir
	job.Env = launch.Env
	job.StartedAt = &started

	l.deps.Metrics.JobsStarted.Inc()
	l.logger.Info("job started", "job_id", job.ID, "gpu", index, "session", job.Session)
	l.deps.Events.Record("Started job %s on GPU %d: %s", job.ID, index, job.Command)

	if l.deps.Registry != nil {
		if err := l.deps.Registry.PutRunning(ctx, store.FromJob(job)); err != nil {
			l.logger.Warn("record running job", "job_id", job.ID, "error", err)
		}
	}
}

// compact moves terminal jobs from l.jobs into the bounded history.
func (l *Loop) compact() {
	kept := l.jobs[:0]
	for _, j := range l.jobs {
		if j.Status.IsTerminal() {
			l.pushHistory(j)
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(l.jobs); i++ {
		l.jobs[i] = nil
	}
	l.jobs = kept
}

func (l *Loop) pushHistory(j *model.Job) {
	l.history = append(l.history, j)
	if limit := l.cfg.HistoryLimit; limit > 0 && len(l.history) > limit {
		drop := len(l.history) - limit
		l.history = append(l.history[:0:0], l.history[drop:]...)
	}
}

func (l *Loop) pauseMarkerExists() bool {
	_, err := os.Stat(l.cfg.PauseMarker())
	return err == nil
}

func (l *Loop) updateGauges() {
	l.deps.Metrics.JobsQueued.Set(float64(l.count(model.JobStatusQueued)))
	l.deps.Metrics.JobsRunning.Set(float64(l.count(model.JobStatusRunning)))
	l.deps.Metrics.Blacklisted.Set(float64(len(l.blacklist)))
	for _, d := range l.devices {
		l.deps.Metrics.SetDeviceBusy(d.Index, l.holder(d.Index) != nil)
	}
}

func (l *Loop) count(status model.JobStatus) int {
	n := 0
	for _, j := range l.jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

func gpuLabel(j *model.Job) any {
	if j.GPUIndex == nil {
		return "none"
	}
	return *j.GPUIndex
}

type nopRecorder struct{}

func (nopRecorder) Record(string, ...any) {}
