package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	GoVersion      string `json:"go_version"`
	Uptime         string `json:"uptime"`
	Scheduler      string `json:"scheduler"`
	SessionBackend string `json:"session_backend,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	sched := "not_started"
	if s.scheduler != nil {
		sched = "running"
		if _, err := s.scheduler.Snapshot(r.Context()); err != nil {
			sched = "stopped"
		}
	}

	respondOK(w, reqID, healthResponse{
		Status:         "healthy",
		Version:        Version,
		GoVersion:      runtime.Version(),
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		Scheduler:      sched,
		SessionBackend: s.backend,
	})
}
