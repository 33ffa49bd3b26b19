package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ent0n29/avatarcore/internal/jobs"
)

// artifactStore keeps the latest likeness model and voice clone per user for
// a bounded time.
type artifactStore struct {
	likeness *expirable.LRU[string, LikenessModel]
	voices   *expirable.LRU[string, VoiceCloneModel]
}

func newArtifactStore(size int, ttl time.Duration) *artifactStore {
	return &artifactStore{
		likeness: expirable.NewLRU[string, LikenessModel](size, nil, ttl),
		voices:   expirable.NewLRU[string, VoiceCloneModel](size, nil, ttl),
	}
}

// JobTicket is returned when a job is accepted.
type JobTicket struct {
	Message       string `json:"message"`
	JobID         string `json:"jobId"`
	EstimatedTime string `json:"estimatedTime"`
}

// LikenessModelResult is the payload of a likeness_model event.
type LikenessModelResult struct {
	UserID string         `json:"userId"`
	Model  *LikenessModel `json:"model,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// VoiceCloneResult is the payload of a voice_clone event.
type VoiceCloneResult struct {
	UserID     string           `json:"userId"`
	VoiceClone *VoiceCloneModel `json:"voiceClone,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func (e *Engine) LikenessModel(userID string) (LikenessModel, error) {
	m, ok := e.artifacts.likeness.Get(strings.TrimSpace(userID))
	if !ok {
		return LikenessModel{}, fmt.Errorf("likeness model: %w", ErrArtifactNotFound)
	}
	return m, nil
}

func (e *Engine) VoiceClone(userID string) (VoiceCloneModel, error) {
	m, ok := e.artifacts.voices.Get(strings.TrimSpace(userID))
	if !ok {
		return VoiceCloneModel{}, fmt.Errorf("voice clone: %w", ErrArtifactNotFound)
	}
	return m, nil
}

// JobProgress returns the current state of a job.
func (e *Engine) JobProgress(jobID string) (jobs.Job, error) {
	return e.jobs.Get(jobID)
}

// JobsByOwner lists the owner's retained jobs, newest first.
func (e *Engine) JobsByOwner(ownerID string) []jobs.Job {
	return e.jobs.ListByOwner(ownerID)
}
