package server

import (
	"encoding/json"
	"net/http"

	"github.com/me/nexus/pkg/model"
)

func (s *Server) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	snap, err := s.scheduler.Snapshot(r.Context())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	list := snap.Blacklist
	if list == nil {
		list = []int{}
	}
	respondOK(w, reqID, list)
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	req, ok := decodeGPUAction(w, r)
	if !ok {
		return
	}
	resp, err := s.scheduler.BlacklistGPUs(r.Context(), req.GPUs)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, resp)
}

func (s *Server) handleUnblacklist(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	req, ok := decodeGPUAction(w, r)
	if !ok {
		return
	}
	resp, err := s.scheduler.UnblacklistGPUs(r.Context(), req.GPUs)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, resp)
}

func decodeGPUAction(w http.ResponseWriter, r *http.Request) (model.GPUActionRequest, bool) {
	var req model.GPUActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return req, false
	}
	return req, true
}
