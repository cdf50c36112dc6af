package executor

import (
	"context"
	"strings"
)

// Command describes one invocation of an external tool.
type Command struct {
	Name string
	Args []string
	// Env replaces the child environment when non-nil. A nil Env inherits
	// the daemon's environment.
	Env []string
}

// String renders the command for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the outcome of a command that was launched.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes external tools. Every device query and session operation
// goes through a Runner, so tests substitute a scripted one.
type Runner interface {
	// Run executes cmd and waits for it. A non-zero exit is reported in
	// Result.ExitCode with a nil error; err is non-nil only when the
	// process could not be launched or ctx ended first.
	Run(ctx context.Context, cmd Command) (Result, error)
}
