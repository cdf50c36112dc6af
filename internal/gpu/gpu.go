// Package gpu queries the accelerators available on this host.
package gpu

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/me/nexus/internal/executor"
	"github.com/me/nexus/pkg/model"
)

// DevModeEnv, when non-empty, makes the service command ask New for the
// fixture prober.
const DevModeEnv = "NEXUS_DEV"

// Prober lists the devices the scheduler may assign jobs to.
type Prober interface {
	ListDevices(ctx context.Context) ([]model.Device, error)
}

// SMIProber queries nvidia-smi. It reports hardware only; the scheduler
// marks blacklisted devices.
type SMIProber struct {
	runner executor.Runner
	logger *slog.Logger
}

// NewSMIProber creates an nvidia-smi prober.
func NewSMIProber(runner executor.Runner, logger *slog.Logger) *SMIProber {
	return &SMIProber{
		runner: runner,
		logger: logger.With("component", "gpu"),
	}
}

var smiCommand = executor.Command{
	Name: "nvidia-smi",
	Args: []string{
		"--query-gpu=index,name,memory.total,memory.used",
		"--format=csv,noheader",
	},
}

// ListDevices runs nvidia-smi and parses its table. A non-zero exit or a
// launch failure is a *model.ProbeError.
func (p *SMIProber) ListDevices(ctx context.Context) ([]model.Device, error) {
	res, err := p.runner.Run(ctx, smiCommand)
	if err != nil {
		return nil, &model.ProbeError{Command: smiCommand.Name, Err: err}
	}
	if !res.Success() {
		return nil, &model.ProbeError{
			Command:  smiCommand.Name,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
		}
	}

	devices := ParseSMI(res.Stdout)
	p.logger.Debug("devices probed", "count", len(devices))
	return devices, nil
}

// ParseSMI parses header-less "index, name, total MiB, used MiB" rows.
// Rows with a field count other than four, or with unparseable numbers,
// are dropped.
func ParseSMI(out string) []model.Device {
	var devices []model.Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			continue
		}

		index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		total, err := parseMiB(fields[2])
		if err != nil {
			continue
		}
		used, err := parseMiB(fields[3])
		if err != nil {
			continue
		}

		devices = append(devices, model.Device{
			Index:       index,
			Name:        strings.TrimSpace(fields[1]),
			MemoryTotal: total,
			MemoryUsed:  used,
		})
	}
	return devices
}

func parseMiB(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimSuffix(s, "MiB"))
	return strconv.ParseInt(s, 10, 64)
}

// MockProber returns a fixed two-device fixture.
type MockProber struct{}

// NewMockProber creates the fixture prober.
func NewMockProber() *MockProber {
	return &MockProber{}
}

// ListDevices returns the fixture devices.
func (p *MockProber) ListDevices(_ context.Context) ([]model.Device, error) {
	return []model.Device{
		{Index: 0, Name: "Mock GPU 0", MemoryTotal: 8192, MemoryUsed: 2048},
		{Index: 1, Name: "Mock GPU 1", MemoryTotal: 16384, MemoryUsed: 4096},
	}, nil
}

// New picks the fixture prober when mock is set, nvidia-smi otherwise.
func New(runner executor.Runner, mock bool, logger *slog.Logger) Prober {
	if mock {
		logger.Info("using mock GPUs")
		return NewMockProber()
	}
	return NewSMIProber(runner, logger)
}
