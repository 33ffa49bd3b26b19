package jobs

import (
	"errors"
	"time"
)

type Kind string

const (
	KindLikeness   Kind = "likeness"
	KindVoiceClone Kind = "voice-clone"
	KindVideo      Kind = "video"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stage names, in pipeline order per kind.
const (
	StageQueued = "queued"

	StageExtractingFeatures   = "extracting-features"
	StageAnalyzingFeatures    = "analyzing-features"
	StageGeneratingBaseAvatar = "generating-base-avatar"
	StageCreatingExpressions  = "creating-expressions"

	StageAnalyzingVoice    = "analyzing-voice"
	StageTraining          = "training"
	StageGeneratingSamples = "generating-samples"

	StageGeneratingSpeech = "generating-speech"
	StageGeneratingFrames = "generating-frames"
	StageAssembling       = "assembling"

	StageFinalizing = "finalizing"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// VariationStage names the n-th (1-based) likeness variation stage.
func VariationStage(n int) string {
	return "generating-variation-" + string(rune('0'+n))
}

var stages = map[Kind][]string{
	KindLikeness: {
		StageExtractingFeatures, StageAnalyzingFeatures, StageGeneratingBaseAvatar,
		VariationStage(1), VariationStage(2), VariationStage(3),
		StageCreatingExpressions, StageFinalizing,
	},
	KindVoiceClone: {
		StageAnalyzingVoice, StageExtractingFeatures, StageTraining,
		StageGeneratingSamples, StageFinalizing,
	},
	KindVideo: {
		StageGeneratingSpeech, StageGeneratingFrames, StageAssembling, StageFinalizing,
	},
}

// Stages returns the ordered stages of kind.
func Stages(kind Kind) []string {
	return append([]string(nil), stages[kind]...)
}

func validStage(kind Kind, stage string) bool {
	for _, s := range stages[kind] {
		if s == stage {
			return true
		}
	}
	return false
}

var (
	ErrNotFound           = errors.New("job not found")
	ErrUnknownKind        = errors.New("unknown job kind")
	ErrUnknownStage       = errors.New("stage does not belong to job kind")
	ErrProgressRegression = errors.New("progress may not decrease")
	ErrInvalidProgress    = errors.New("progress must be between 0 and 100")
	ErrTerminal           = errors.New("job already finished")
)

type Job struct {
	ID        string    `json:"jobId"`
	OwnerID   string    `json:"ownerId"`
	Kind      Kind      `json:"kind"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	EndedAt   time.Time `json:"endedAt,omitzero"`
}

func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

const (
	EventJobProgress  = "job_progress"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
)

// Progress is the payload of every job_progress event.
type Progress struct {
	JobID    string `json:"jobId"`
	Kind     Kind   `json:"kind"`
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
}

type Completed struct {
	JobID  string `json:"jobId"`
	Result any    `json:"result"`
}

type Failed struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// SweepReport summarises one SweepStale pass.
type SweepReport struct {
	Purged      []string
	ForceFailed []string
}
