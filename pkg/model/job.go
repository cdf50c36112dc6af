package model

import (
	"strings"
	"time"
)

// EnvVar is one entry of a job's environment overlay.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Job is a shell command queued for, or running on, a single GPU.
type Job struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Status      JobStatus  `json:"status"`
	GPUIndex    *int       `json:"gpu_index,omitempty"`
	Session     string     `json:"session,omitempty"`
	LogDir      string     `json:"log_dir,omitempty"`
	Env         []EnvVar   `json:"-"`
	Error       string     `json:"error,omitempty"`
	Recovered   bool       `json:"recovered,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NormalizeCommand trims command and rejects values the one-line-per-job
// queue file cannot hold.
func NormalizeCommand(command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", NewValidationError("command is required")
	}
	if strings.ContainsAny(command, "\r\n") {
		return "", NewValidationError("command must be a single line")
	}
	return command, nil
}

// NewJob returns a QUEUED job for command.
func NewJob(id, command string) *Job {
	return &Job{
		ID:        id,
		Command:   command,
		Status:    JobStatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// HoldsGPU reports whether the job is RUNNING on the given device index.
func (j *Job) HoldsGPU(index int) bool {
	return j.Status == JobStatusRunning && j.GPUIndex != nil && *j.GPUIndex == index
}

// Transition moves the job to next, returning an InvalidTransitionError when
// the state machine forbids it.
func (j *Job) Transition(next JobStatus) error {
	if !j.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{
			Entity: "Job",
			ID:     j.ID,
			From:   string(j.Status),
			To:     string(next),
		}
	}
	j.Status = next
	if next.IsTerminal() {
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
	return nil
}

// Runtime returns how long the job has been (or was) running.
func (j *Job) Runtime(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (j *Job) Clone() *Job {
	c := *j
	if j.GPUIndex != nil {
		g := *j.GPUIndex
		c.GPUIndex = &g
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Env != nil {
		c.Env = append([]EnvVar(nil), j.Env...)
	}
	return &c
}
