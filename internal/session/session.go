// Package session runs jobs inside detached, named terminal sessions that
// outlive the daemon. The scheduler refers to a session only by name.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/me/nexus/internal/executor"
)

// Prefix starts the name of every job session.
const Prefix = "nexus_job_"

// Name returns the session name for jobID.
func Name(jobID string) string {
	return Prefix + jobID
}

// JobID extracts the job id from a session name.
func JobID(name string) (string, bool) {
	if !strings.HasPrefix(name, Prefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, Prefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// Info is one live session as reported by the backend.
type Info struct {
	Name string
	// PID of the session leader, 0 when the backend does not report one.
	PID int
}

// Lister lists live sessions.
type Lister interface {
	List(ctx context.Context) ([]Info, error)
}

// Backend is the external session mechanism (GNU screen, tmux).
type Backend interface {
	Lister

	// Kind identifies the backend, e.g. "screen".
	Kind() string

	// Create launches script under bash in a new detached session. env is
	// the complete environment of the session; overlay lists the variables
	// the job must see regardless of any inherited server state.
	Create(ctx context.Context, name, script string, env []string, overlay map[string]string) error

	// Terminate ends the session.
	Terminate(ctx context.Context, name string) error

	// ReservedPrefixes names environment variables owned by the backend
	// itself; they must not leak from the daemon into a job.
	ReservedPrefixes() []string

	// AttachCommand returns the interactive command that attaches a
	// terminal to the session.
	AttachCommand(name string) executor.Command
}

// ExitError reports a backend command that exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit code %d: %s", e.Command, e.ExitCode, e.Output)
}

// NewBackend returns the backend named by kind.
func NewBackend(kind string, runner executor.Runner) (Backend, error) {
	switch kind {
	case "screen", "":
		return NewScreenBackend(runner), nil
	case "tmux":
		return NewTmuxBackend(runner), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", kind)
	}
}

func exitError(cmd executor.Command, res executor.Result) *ExitError {
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	return &ExitError{Command: cmd.Name + " " + firstArg(cmd.Args), ExitCode: res.ExitCode, Output: out}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
