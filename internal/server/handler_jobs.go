package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/nexus/pkg/model"
)

// maxBodyBytes bounds request bodies; a command is a single line.
const maxBodyBytes = 64 << 10

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Paused    bool           `json:"paused"`
	Queued    int            `json:"queued"`
	Blacklist []int          `json:"blacklist"`
	Devices   []DeviceStatus `json:"devices"`
}

// DeviceStatus is one device and the job holding it, if any.
type DeviceStatus struct {
	model.Device
	Job *model.Job `json:"job,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	snap, err := s.scheduler.Snapshot(r.Context())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}

	resp := StatusResponse{
		Paused:    snap.Paused,
		Queued:    len(snap.Filter(model.JobStatusQueued)),
		Blacklist: snap.Blacklist,
		Devices:   make([]DeviceStatus, 0, len(snap.Devices)),
	}
	for _, d := range snap.Devices {
		resp.Devices = append(resp.Devices, DeviceStatus{Device: d, Job: snap.RunningOn(d.Index)})
	}
	respondOK(w, reqID, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var filter model.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := model.ParseJobStatus(raw)
		if !ok {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("unknown status "+strconv.Quote(raw)))
			return
		}
		filter = st
	}

	snap, err := s.scheduler.Snapshot(r.Context())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	jobs := snap.Jobs
	if filter != "" {
		jobs = snap.Filter(filter)
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	respondOK(w, reqID, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	snap, err := s.scheduler.Snapshot(r.Context())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	for _, j := range snap.Jobs {
		if j.ID == id {
			respondOK(w, reqID, j)
			return
		}
	}
	respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.AddJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	job, err := s.scheduler.AddJob(r.Context(), req.Command)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, job)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	job, err := s.scheduler.RemoveJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}

func (s *Server) handleKillJob(w http.ResponseWriter, r *http.Request) {
	s.kill(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleKillGPU(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "index")
	if _, err := strconv.Atoi(raw); err != nil {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError("GPU index must be an integer"))
		return
	}
	s.kill(w, r, raw)
}

func (s *Server) kill(w http.ResponseWriter, r *http.Request, target string) {
	reqID := RequestIDFromContext(r.Context())
	job, err := s.scheduler.KillJob(r.Context(), target)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}
