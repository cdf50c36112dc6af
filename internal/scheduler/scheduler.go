package scheduler

import (
	"context"

	"github.com/me/nexus/pkg/model"
)

// Scheduler assigns queued jobs to free devices and tracks them until their
// sessions end.
type Scheduler interface {
	// Run loads state and ticks until ctx is cancelled.
	Run(ctx context.Context) error

	// Tick runs a single scheduling iteration. Used for testing.
	Tick(ctx context.Context) error

	AddJob(ctx context.Context, command string) (*model.Job, error)
	RemoveJob(ctx context.Context, id string) (*model.Job, error)
	KillJob(ctx context.Context, target string) (*model.Job, error)
	Snapshot(ctx context.Context) (*model.Snapshot, error)

	// BlacklistGPUs and UnblacklistGPUs change which devices may receive
	// new jobs and persist the change to the config file.
	BlacklistGPUs(ctx context.Context, indices []int) (*model.GPUActionResponse, error)
	UnblacklistGPUs(ctx context.Context, indices []int) (*model.GPUActionResponse, error)
}
