package session

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/me/nexus/internal/executor"
)

// ScreenBackend drives GNU screen.
type ScreenBackend struct {
	runner executor.Runner
}

// NewScreenBackend creates a ScreenBackend.
func NewScreenBackend(runner executor.Runner) *ScreenBackend {
	return &ScreenBackend{runner: runner}
}

// Kind returns "screen".
func (b *ScreenBackend) Kind() string { return "screen" }

// Create runs `screen -dmS name bash -c script` with env as its environment.
func (b *ScreenBackend) Create(ctx context.Context, name, script string, env []string, _ map[string]string) error {
	cmd := executor.Command{
		Name: "screen",
		Args: []string{"-dmS", name, "bash", "-c", script},
		Env:  env,
	}
	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.Success() {
		return exitError(cmd, res)
	}
	return nil
}

// screen -ls prints one "\t<pid>.<name>\t(<date>)\t(Detached)" line per session.
var screenLine = regexp.MustCompile(`^(\d+)\.(\S+)`)

// List runs `screen -ls`. Its exit status is non-zero whenever no session
// is attached (and on some builds always), so only the output is trusted.
func (b *ScreenBackend) List(ctx context.Context) ([]Info, error) {
	res, err := b.runner.Run(ctx, executor.Command{Name: "screen", Args: []string{"-ls"}})
	if err != nil {
		return nil, err
	}
	return parseScreenList(res.Stdout), nil
}

func parseScreenList(out string) []Info {
	var infos []Info
	for _, line := range strings.Split(out, "\n") {
		m := screenLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		pid, _ := strconv.Atoi(m[1])
		infos = append(infos, Info{Name: m[2], PID: pid})
	}
	return infos
}

// Terminate runs `screen -S name -X quit`.
func (b *ScreenBackend) Terminate(ctx context.Context, name string) error {
	cmd := executor.Command{Name: "screen", Args: []string{"-S", name, "-X", "quit"}}
	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.Success() {
		return exitError(cmd, res)
	}
	return nil
}

// ReservedPrefixes returns the variables screen sets for its children.
func (b *ScreenBackend) ReservedPrefixes() []string {
	return []string{"SCREEN_", "STY"}
}

// AttachCommand returns `screen -r name`.
func (b *ScreenBackend) AttachCommand(name string) executor.Command {
	return executor.Command{Name: "screen", Args: []string{"-r", name}}
}
