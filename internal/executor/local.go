package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// LocalRunner runs commands as local OS processes.
type LocalRunner struct {
	logger  *slog.Logger
	timeout time.Duration
}

// NewLocalRunner creates a LocalRunner. A zero timeout lets external tools
// block for as long as they like.
func NewLocalRunner(timeout time.Duration, logger *slog.Logger) *LocalRunner {
	return &LocalRunner{
		timeout: timeout,
		logger:  logger.With("component", "runner"),
	}
}

// Run executes cmd synchronously, capturing stdout and stderr.
func (r *LocalRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	if cmd.Env != nil {
		c.Env = cmd.Env
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	c.Stdout = &stdoutBuf
	c.Stderr = &stderrBuf

	runErr := c.Run()

	res := Result{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	switch err := runErr.(type) {
	case nil:
	case *exec.ExitError:
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s: %w", cmd.Name, ctx.Err())
		}
		res.ExitCode = err.ExitCode()
	default:
		// Non-exit errors (e.g. binary not found) are returned directly.
		return res, fmt.Errorf("run %s: %w", cmd.Name, runErr)
	}

	r.logger.Debug("command finished",
		"command", cmd.String(),
		"exit_code", res.ExitCode,
	)
	return res, nil
}
