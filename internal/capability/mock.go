package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/avatarcore/internal/audio"
)

const mockSampleRate = 16000

// Mock provides deterministic local results when no backend is configured.
// It implements every port.
type Mock struct {
	// Latency is applied to every call and honours context cancellation.
	Latency time.Duration
}

func NewMock() *Mock { return &Mock{} }

// MockSet wires a single Mock into every port of a Set.
func MockSet(m *Mock) Set {
	if m == nil {
		m = NewMock()
	}
	return Set{Transcriber: m, Synthesizer: m, Generator: m, Images: m, Videos: m}
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Mock) Transcribe(ctx context.Context, req TranscribeRequest) (Transcription, error) {
	if err := m.wait(ctx); err != nil {
		return Transcription{}, err
	}
	if len(req.Audio) == 0 {
		return Transcription{}, nil
	}
	// Text payloads are echoed back so tests can drive the audio path.
	if utf8.Valid(req.Audio) && isPrintable(string(req.Audio)) {
		return Transcription{Text: strings.TrimSpace(string(req.Audio)), Confidence: 0.92}, nil
	}
	return Transcription{Text: "simulated voice input", Confidence: 0.75}, nil
}

func (m *Mock) Synthesize(ctx context.Context, req SpeechRequest) (Speech, error) {
	if err := m.wait(ctx); err != nil {
		return Speech{}, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Speech{}, fmt.Errorf("tts: empty text")
	}
	// 60ms of silence per rune keeps the payload proportional to the utterance.
	samples := utf8.RuneCountInString(text) * mockSampleRate * 60 / 1000
	wav, err := audio.EncodeWAVPCM16LE(make([]byte, samples*2), mockSampleRate)
	if err != nil {
		return Speech{}, err
	}
	return Speech{
		AudioURL: "/generated/audio/" + shortDigest(req.VoiceID+"|"+text) + ".wav",
		Audio:    wav,
		Format:   "wav",
	}, nil
}

func (m *Mock) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	if err := m.wait(ctx); err != nil {
		return Generation{}, err
	}
	var persona, last string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			persona = msg.Content
		case "user":
			last = msg.Content
		}
	}
	last = strings.TrimSpace(last)
	if last == "" {
		return Generation{Text: "I am listening."}, nil
	}
	if persona != "" {
		if i := strings.IndexAny(persona, ".,"); i > 0 {
			persona = persona[:i]
		}
		return Generation{Text: fmt.Sprintf("(%s) I heard you: %s", strings.TrimSpace(persona), last)}, nil
	}
	return Generation{Text: "I heard you: " + last}, nil
}

func (m *Mock) GenerateImage(ctx context.Context, req ImageRequest) (Image, error) {
	if err := m.wait(ctx); err != nil {
		return Image{}, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Image{}, fmt.Errorf("image: empty prompt")
	}
	return Image{URL: "/generated/images/" + shortDigest(req.Prompt) + ".png"}, nil
}

func (m *Mock) Assemble(ctx context.Context, req VideoRequest) (Video, error) {
	if err := m.wait(ctx); err != nil {
		return Video{}, err
	}
	if len(req.Frames) == 0 {
		return Video{}, fmt.Errorf("video: no frames")
	}
	var total time.Duration
	for _, f := range req.Frames {
		total += f.Duration
	}
	resolution := req.Resolution
	if resolution == "" {
		resolution = "1080p"
	}
	id := shortDigest(fmt.Sprintf("%s|%d|%d", req.Speech.AudioURL, len(req.Frames), total))
	return Video{
		URL:          "/generated/videos/" + id + ".mp4",
		ThumbnailURL: "/generated/videos/" + id + "_thumb.jpg",
		Duration:     total,
		Resolution:   resolution,
		FrameCount:   len(req.Frames),
	}, nil
}

func shortDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:6])
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			return false
		}
	}
	return true
}
