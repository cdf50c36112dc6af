package model

// Device is one accelerator as reported by the most recent probe.
// Memory figures are in MiB and informational only.
type Device struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	MemoryTotal int64  `json:"memory_total"`
	MemoryUsed  int64  `json:"memory_used"`
	Blacklisted bool   `json:"blacklisted,omitempty"`
}

// PlanBlacklist checks a blacklist change against current without applying
// it. Indices that are negative, repeated, or already in the requested state
// go to the response's Failed list; the rest are returned as changed, in
// request order.
func PlanBlacklist(current map[int]bool, indices []int, add bool) (*GPUActionResponse, []int, error) {
	if len(indices) == 0 {
		return nil, nil, NewValidationError("no GPU indices provided")
	}

	resp := &GPUActionResponse{Failed: []GPUActionError{}}
	var changed []int
	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		var reason string
		switch {
		case idx < 0:
			reason = "invalid GPU index"
		case seen[idx]:
			reason = "GPU listed twice"
		case add && current[idx]:
			reason = "GPU already blacklisted"
		case !add && !current[idx]:
			reason = "GPU not in blacklist"
		}
		seen[idx] = true
		if reason != "" {
			resp.Failed = append(resp.Failed, GPUActionError{Index: idx, Error: reason})
			continue
		}
		changed = append(changed, idx)
	}
	if add {
		resp.Blacklisted = changed
	} else {
		resp.Removed = changed
	}
	return resp, changed, nil
}
