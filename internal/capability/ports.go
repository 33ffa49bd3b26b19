// Package capability defines the call contracts of the slow backends the
// orchestrator depends on: speech-to-text, text-to-speech, language
// generation, image synthesis and video assembly.
package capability

import (
	"context"
	"time"
)

const (
	NameTranscribe = "asr"
	NameSynthesize = "tts"
	NameGenerate   = "llm"
	NameImage      = "image"
	NameVideo      = "video"
)

type TranscribeRequest struct {
	Audio    []byte
	Language string
}

type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (Transcription, error)
}

type SpeechRequest struct {
	Text            string
	VoiceID         string
	Language        string
	Speed           float64
	PitchAdjustment float64
	Tone            string
}

type Speech struct {
	AudioURL string `json:"audio_url,omitempty"`
	Audio    []byte `json:"-"`
	Format   string `json:"format,omitempty"`
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) (Speech, error)
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerateRequest struct {
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
}

type Generation struct {
	Text string `json:"text"`
}

type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Generation, error)
}

type ImageRequest struct {
	Prompt  string
	Size    string
	Quality string
	Style   string
}

type Image struct {
	URL  string `json:"image_url"`
	Data []byte `json:"-"`
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (Image, error)
}

// Frame is one still of an assembled avatar video.
type Frame struct {
	ImageURL   string        `json:"image_url"`
	Expression string        `json:"expression"`
	Duration   time.Duration `json:"duration"`
}

type VideoRequest struct {
	Frames     []Frame
	Speech     Speech
	Resolution string
}

type Video struct {
	URL          string        `json:"video_url"`
	ThumbnailURL string        `json:"thumbnail_url"`
	Duration     time.Duration `json:"duration"`
	Resolution   string        `json:"resolution"`
	FrameCount   int           `json:"frame_count"`
}

type VideoAssembler interface {
	Assemble(ctx context.Context, req VideoRequest) (Video, error)
}

// Set bundles one implementation of every port.
type Set struct {
	Transcriber Transcriber
	Synthesizer Synthesizer
	Generator   Generator
	Images      ImageGenerator
	Videos      VideoAssembler
}
