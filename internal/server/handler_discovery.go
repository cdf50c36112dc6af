package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "nexus API",
		Version:     "v1",
		Description: "GPU job queue: one shell command per GPU, run in detached sessions",
		Endpoints: []endpointInfo{
			{"/api/v1/status", []string{"GET"}, "Devices, running jobs, queue length and pause state"},
			{"/api/v1/jobs", []string{"GET", "POST"}, "List jobs (?status=queued|running|completed|failed) or queue a command"},
			{"/api/v1/jobs/{id}", []string{"GET", "DELETE"}, "Single job; DELETE removes a queued job"},
			{"/api/v1/jobs/{id}/kill", []string{"POST"}, "Terminate a running job"},
			{"/api/v1/gpus/{index}/kill", []string{"POST"}, "Terminate the job running on a GPU"},
			{"/api/v1/gpus/blacklist", []string{"GET", "POST", "DELETE"}, "List, add or remove blacklisted GPUs ({\"gpus\": [0, 2]})"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}
