package model

import (
	"errors"
	"testing"
	"time"
)

func TestNewJob(t *testing.T) {
	j := NewJob("abc123", "python train.py")
	if j.Status != JobStatusQueued {
		t.Errorf("Status = %q, want %q", j.Status, JobStatusQueued)
	}
	if j.GPUIndex != nil || j.StartedAt != nil || j.LogDir != "" {
		t.Error("new job should carry no running attributes")
	}
}

func TestNormalizeCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  python train.py  ", "python train.py", false},
		{"", "", true},
		{" \t ", "", true},
		{"echo a\necho b", "", true},
		{"echo a\recho b", "", true},
		{"echo done\n", "echo done", false},
	}
	for _, tt := range tests {
		got, err := NormalizeCommand(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeCommand(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Code != ErrValidation {
				t.Errorf("NormalizeCommand(%q) error = %v, want validation error", tt.in, err)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJob_Transition(t *testing.T) {
	j := NewJob("abc123", "echo hi")

	if err := j.Transition(JobStatusRunning); err != nil {
		t.Fatalf("QUEUED→RUNNING: %v", err)
	}
	if j.CompletedAt != nil {
		t.Error("CompletedAt set on non-terminal transition")
	}
	if err := j.Transition(JobStatusCompleted); err != nil {
		t.Fatalf("RUNNING→COMPLETED: %v", err)
	}
	if j.CompletedAt == nil {
		t.Error("CompletedAt should be set on terminal transition")
	}

	err := j.Transition(JobStatusQueued)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("COMPLETED→QUEUED: err = %v, want InvalidTransitionError", err)
	}
	if j.Status != JobStatusCompleted {
		t.Errorf("Status changed after invalid transition: %q", j.Status)
	}
}

func TestJob_HoldsGPU(t *testing.T) {
	gpu := 1
	j := NewJob("abc123", "echo hi")
	j.GPUIndex = &gpu

	if j.HoldsGPU(1) {
		t.Error("QUEUED job should not hold a GPU")
	}
	j.Status = JobStatusRunning
	if !j.HoldsGPU(1) {
		t.Error("RUNNING job on GPU 1 should hold GPU 1")
	}
	if j.HoldsGPU(0) {
		t.Error("RUNNING job on GPU 1 should not hold GPU 0")
	}
	j.Status = JobStatusCompleted
	if j.HoldsGPU(1) {
		t.Error("COMPLETED job should not hold a GPU")
	}
}

func TestJob_Runtime(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	j := NewJob("abc123", "sleep 60")
	if got := j.Runtime(start); got != 0 {
		t.Errorf("Runtime of unstarted job = %v, want 0", got)
	}

	j.StartedAt = &start
	if got := j.Runtime(start.Add(90 * time.Second)); got != 90*time.Second {
		t.Errorf("Runtime = %v, want 90s", got)
	}

	end := start.Add(30 * time.Second)
	j.CompletedAt = &end
	if got := j.Runtime(start.Add(time.Hour)); got != 30*time.Second {
		t.Errorf("Runtime of completed job = %v, want 30s", got)
	}
}

func TestJob_Clone(t *testing.T) {
	gpu := 0
	j := NewJob("abc123", "echo hi")
	j.GPUIndex = &gpu
	j.Env = []EnvVar{{Key: "CUDA_VISIBLE_DEVICES", Value: "0"}}

	c := j.Clone()
	*c.GPUIndex = 3
	c.Env[0].Value = "3"

	if *j.GPUIndex != 0 {
		t.Error("Clone shares GPUIndex with original")
	}
	if j.Env[0].Value != "0" {
		t.Error("Clone shares Env with original")
	}
}

func TestSnapshot_Filter(t *testing.T) {
	gpu := 0
	running := NewJob("r1", "a")
	running.Status = JobStatusRunning
	running.GPUIndex = &gpu
	snap := &Snapshot{Jobs: []*Job{NewJob("q1", "b"), running, NewJob("q2", "c")}}

	queued := snap.Filter(JobStatusQueued)
	if len(queued) != 2 || queued[0].ID != "q1" || queued[1].ID != "q2" {
		t.Errorf("Filter(QUEUED) = %v", queued)
	}
	if got := snap.RunningOn(0); got == nil || got.ID != "r1" {
		t.Errorf("RunningOn(0) = %v, want r1", got)
	}
	if got := snap.RunningOn(1); got != nil {
		t.Errorf("RunningOn(1) = %v, want nil", got)
	}
}
