package session

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/me/nexus/internal/executor"
)

// TmuxBackend drives tmux.
type TmuxBackend struct {
	runner executor.Runner
}

// NewTmuxBackend creates a TmuxBackend.
func NewTmuxBackend(runner executor.Runner) *TmuxBackend {
	return &TmuxBackend{runner: runner}
}

// Kind returns "tmux".
func (b *TmuxBackend) Kind() string { return "tmux" }

// Create runs `tmux new-session -d -s name -e K=V... 'bash -c script'`.
// An already running tmux server does not inherit env, so the overlay is
// also passed explicitly with -e.
func (b *TmuxBackend) Create(ctx context.Context, name, script string, env []string, overlay map[string]string) error {
	args := []string{"new-session", "-d", "-s", name}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+overlay[k])
	}
	args = append(args, "bash -c "+ShellQuote(script))

	cmd := executor.Command{Name: "tmux", Args: args, Env: env}
	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.Success() {
		return exitError(cmd, res)
	}
	return nil
}

// List runs `tmux list-panes -a` and reports each session with the pid of
// its first pane. No running server means no sessions.
func (b *TmuxBackend) List(ctx context.Context) ([]Info, error) {
	cmd := executor.Command{
		Name: "tmux",
		Args: []string{"list-panes", "-a", "-F", "#{session_name} #{pane_pid}"},
	}
	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		if noServer(res.Stderr) {
			return nil, nil
		}
		return nil, exitError(cmd, res)
	}
	return parseTmuxList(res.Stdout), nil
}

func noServer(stderr string) bool {
	return strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to")
}

func parseTmuxList(out string) []Info {
	var infos []Info
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || seen[fields[0]] {
			continue
		}
		info := Info{Name: fields[0]}
		if len(fields) > 1 {
			info.PID, _ = strconv.Atoi(fields[1])
		}
		seen[info.Name] = true
		infos = append(infos, info)
	}
	return infos
}

// Terminate runs `tmux kill-session -t =name`.
func (b *TmuxBackend) Terminate(ctx context.Context, name string) error {
	cmd := executor.Command{Name: "tmux", Args: []string{"kill-session", "-t", "=" + name}}
	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.Success() {
		return exitError(cmd, res)
	}
	return nil
}

// ReservedPrefixes returns the variables tmux sets for its children.
func (b *TmuxBackend) ReservedPrefixes() []string {
	return []string{"TMUX"}
}

// AttachCommand returns `tmux attach-session -t =name`.
func (b *TmuxBackend) AttachCommand(name string) executor.Command {
	return executor.Command{Name: "tmux", Args: []string{"attach-session", "-t", "=" + name}}
}
