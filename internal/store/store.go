package store

import (
	"context"
	"time"

	"github.com/me/nexus/pkg/model"
)

// RunningJob is the persisted record of a job that was started on a device.
// The row lives from the moment the session is created until the loop sees
// the job complete.
type RunningJob struct {
	ID        string
	Command   string
	GPUIndex  int
	Session   string
	LogDir    string
	Env       []model.EnvVar
	StartedAt time.Time
}

// Store defines the running-job registry.
type Store interface {
	PutRunning(ctx context.Context, rj *RunningJob) error
	GetRunning(ctx context.Context, id string) (*RunningJob, error)
	ListRunning(ctx context.Context) ([]*RunningJob, error)
	DeleteRunning(ctx context.Context, id string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// FromJob builds the registry record for a RUNNING job.
func FromJob(j *model.Job) *RunningJob {
	rj := &RunningJob{
		ID:      j.ID,
		Command: j.Command,
		Session: j.Session,
		LogDir:  j.LogDir,
		Env:     j.Env,
	}
	if j.GPUIndex != nil {
		rj.GPUIndex = *j.GPUIndex
	}
	if j.StartedAt != nil {
		rj.StartedAt = *j.StartedAt
	}
	return rj
}
