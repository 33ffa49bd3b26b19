package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/avatarcore/internal/orchestrator"
)

func (s *Server) handleUploadLikeness(w http.ResponseWriter, r *http.Request) {
	userID, image, filename, err := s.readUpload(w, r, "image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_upload", err.Error())
		return
	}
	var opts orchestrator.LikenessOptions
	if raw := strings.TrimSpace(r.FormValue("options")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_options", "options must be a JSON object")
			return
		}
	}
	ticket, err := s.engine.StartLikeness(r.Context(), orchestrator.LikenessRequest{
		UserID:  userID,
		Image:   image,
		Options: opts,
	})
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.logger.Info("likeness upload accepted", "user_id", userID, "job_id", ticket.JobID, "filename", filename, "bytes", len(image))
	respondJSON(w, http.StatusAccepted, ticket)
}

func (s *Server) handleUploadVoice(w http.ResponseWriter, r *http.Request) {
	userID, audio, filename, err := s.readUpload(w, r, "audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_upload", err.Error())
		return
	}
	ticket, err := s.engine.StartVoiceClone(r.Context(), orchestrator.VoiceCloneRequest{
		UserID:   userID,
		Audio:    audio,
		Filename: filename,
	})
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.logger.Info("voice upload accepted", "user_id", userID, "job_id", ticket.JobID, "filename", filename, "bytes", len(audio))
	respondJSON(w, http.StatusAccepted, ticket)
}

// readUpload parses a multipart form carrying userId and one file field.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, field string) (string, []byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes)
	if err := r.ParseMultipartForm(s.cfg.UploadMaxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, "", fmt.Errorf("upload exceeds %d bytes", s.cfg.UploadMaxBytes)
		}
		return "", nil, "", fmt.Errorf("multipart form required: %v", err)
	}
	userID := strings.TrimSpace(r.FormValue("userId"))
	file, header, err := r.FormFile(field)
	if userID == "" || err != nil {
		return "", nil, "", fmt.Errorf("userId and %s file required", field)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, "", fmt.Errorf("read %s: %v", field, err)
	}
	if len(data) == 0 {
		return "", nil, "", fmt.Errorf("userId and %s file required", field)
	}
	return userID, data, header.Filename, nil
}
