package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/avatarcore/internal/orchestrator"
)

type videoRequest struct {
	OwnerID string                     `json:"ownerId"`
	Script  string                     `json:"script"`
	Avatar  orchestrator.VideoAvatar   `json:"avatar"`
	Video   orchestrator.VideoSettings `json:"video"`
}

func (s *Server) handleCreateVideo(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "ownerId and script are required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ticket, err := s.engine.StartVideo(r.Context(), orchestrator.VideoRequest{
		OwnerID: req.OwnerID,
		Script:  req.Script,
		Avatar:  req.Avatar,
		Video:   req.Video,
	})
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ticket)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	job, err := s.engine.JobProgress(id)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handlePerfMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.PerformanceSnapshot())
}
