package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// AddJobRequest is the body of POST /api/v1/jobs.
type AddJobRequest struct {
	Command string `json:"command"`
}

// GPUActionRequest is the body of POST and DELETE /api/v1/gpus/blacklist.
type GPUActionRequest struct {
	GPUs []int `json:"gpus"`
}

// GPUActionError explains why one index of a blacklist change was skipped.
type GPUActionError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// GPUActionResponse reports a blacklist change index by index.
type GPUActionResponse struct {
	Blacklisted []int            `json:"blacklisted,omitempty"`
	Removed     []int            `json:"removed,omitempty"`
	Failed      []GPUActionError `json:"failed"`
}

// Snapshot is a point-in-time copy of the scheduler state.
type Snapshot struct {
	Paused    bool      `json:"paused"`
	Blacklist []int     `json:"blacklist"`
	Devices   []Device  `json:"devices"`
	Jobs      []*Job    `json:"jobs"`
	TakenAt   time.Time `json:"taken_at"`
}

// Filter returns the jobs in the snapshot with the given status, in order.
func (s *Snapshot) Filter(status JobStatus) []*Job {
	var out []*Job
	for _, j := range s.Jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out
}

// RunningOn returns the job holding device index, or nil.
func (s *Snapshot) RunningOn(index int) *Job {
	for _, j := range s.Jobs {
		if j.HoldsGPU(index) {
			return j
		}
	}
	return nil
}
