package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/me/nexus/internal/executor"
	"github.com/me/nexus/pkg/model"
)

// Environment variables every job session receives.
const (
	EnvVisibleDevices = "CUDA_VISIBLE_DEVICES"
	EnvJobID          = "NEXUS_JOB_ID"
	EnvGPUID          = "NEXUS_GPU_ID"
	EnvStartTime      = "NEXUS_START_TIME"
)

// Files inside a job's log directory.
const (
	StdoutFile = "stdout.log"
	StderrFile = "stderr.log"
)

// Launch describes a session that was successfully created.
type Launch struct {
	Session   string
	LogDir    string
	Env       []model.EnvVar
	StartedAt time.Time
}

// Manager starts, checks and stops job sessions on a Backend.
type Manager struct {
	backend Backend
	logDir  string
	environ func() []string
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithEnviron overrides the inherited process environment.
func WithEnviron(fn func() []string) Option {
	return func(m *Manager) { m.environ = fn }
}

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.now = fn }
}

// NewManager creates a Manager writing job logs under logDir.
func NewManager(backend Backend, logDir string, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		logDir:  logDir,
		environ: os.Environ,
		now:     time.Now,
		logger:  logger.With("component", "session", "backend", backend.Kind()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend returns the underlying session backend.
func (m *Manager) Backend() Backend {
	return m.backend
}

// JobLogDir returns the log directory of jobID.
func (m *Manager) JobLogDir(jobID string) string {
	return filepath.Join(m.logDir, jobID)
}

// Start launches job on device gpu. The job itself is not modified; the
// caller applies the returned Launch. Every failure is a *model.StartError.
func (m *Manager) Start(ctx context.Context, job *model.Job, gpu int) (*Launch, error) {
	name := Name(job.ID)
	startErr := func(err error) error {
		se := &model.StartError{JobID: job.ID, Session: name, Err: err}
		var ee *ExitError
		if errors.As(err, &ee) {
			se.ExitCode = ee.ExitCode
			se.Output = ee.Output
		}
		return se
	}

	dir := m.JobLogDir(job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, startErr(fmt.Errorf("create log dir: %w", err))
	}

	started := m.now()
	overlay := []model.EnvVar{
		{Key: EnvVisibleDevices, Value: strconv.Itoa(gpu)},
		{Key: EnvJobID, Value: job.ID},
		{Key: EnvGPUID, Value: strconv.Itoa(gpu)},
		{Key: EnvStartTime, Value: strconv.FormatInt(started.Unix(), 10)},
	}
	env := BuildEnv(overlay, m.environ(), m.backend.ReservedPrefixes())

	overlayMap := make(map[string]string, len(overlay))
	for _, v := range overlay {
		overlayMap[v.Key] = v.Value
	}

	script := WrapCommand(dir, job.Command)
	if err := m.backend.Create(ctx, name, script, EnvStrings(env), overlayMap); err != nil {
		m.logger.Warn("session create failed", "job_id", job.ID, "session", name, "error", err)
		return nil, startErr(err)
	}

	m.logger.Info("session started", "job_id", job.ID, "session", name, "gpu", gpu)
	return &Launch{
		Session:   name,
		LogDir:    dir,
		Env:       env,
		StartedAt: started,
	}, nil
}

// IsAlive reports whether a session with exactly this name is listed.
func (m *Manager) IsAlive(ctx context.Context, name string) (bool, error) {
	infos, err := m.backend.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list sessions: %w", err)
	}
	return containsSession(infos, name), nil
}

// Stop terminates the session. A session that is already gone is not an
// error.
func (m *Manager) Stop(ctx context.Context, name string) error {
	alive, err := m.IsAlive(ctx, name)
	if err != nil {
		return err
	}
	if !alive {
		m.logger.Debug("session already gone", "session", name)
		return nil
	}
	if err := m.backend.Terminate(ctx, name); err != nil {
		// It may have exited between the listing and the terminate.
		if alive, lerr := m.IsAlive(ctx, name); lerr == nil && !alive {
			return nil
		}
		return fmt.Errorf("terminate session %s: %w", name, err)
	}
	m.logger.Info("session stopped", "session", name)
	return nil
}

// Attach returns the interactive command that attaches a terminal to the
// named session.
func (m *Manager) Attach(name string) executor.Command {
	return m.backend.AttachCommand(name)
}

func containsSession(infos []Info, name string) bool {
	for _, info := range infos {
		if info.Name == name {
			return true
		}
	}
	return false
}

// BuildEnv returns overlay followed by every inherited variable whose key
// is not already set and does not start with a reserved prefix. Keys are
// unique; the first occurrence wins.
func BuildEnv(overlay []model.EnvVar, inherited []string, reserved []string) []model.EnvVar {
	env := make([]model.EnvVar, 0, len(overlay)+len(inherited))
	seen := make(map[string]bool, len(overlay)+len(inherited))

	for _, v := range overlay {
		if seen[v.Key] {
			continue
		}
		seen[v.Key] = true
		env = append(env, v)
	}

	for _, kv := range inherited {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" || seen[key] || hasAnyPrefix(key, reserved) {
			continue
		}
		seen[key] = true
		env = append(env, model.EnvVar{Key: key, Value: value})
	}
	return env
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// EnvStrings renders env as KEY=VALUE strings for os/exec.
func EnvStrings(env []model.EnvVar) []string {
	out := make([]string, 0, len(env))
	for _, v := range env {
		out = append(out, v.Key+"="+v.Value)
	}
	return out
}

// WrapCommand returns a bash script that redirects stdout and stderr into
// dir before running command.
func WrapCommand(dir, command string) string {
	return fmt.Sprintf("exec 1> %s 2> %s\n%s",
		ShellQuote(filepath.Join(dir, StdoutFile)),
		ShellQuote(filepath.Join(dir, StderrFile)),
		command,
	)
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
