package orchestrator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/avatarcore/internal/broadcast"
	"github.com/ent0n29/avatarcore/internal/capability"
	"github.com/ent0n29/avatarcore/internal/clock"
	"github.com/ent0n29/avatarcore/internal/jobs"
	"github.com/ent0n29/avatarcore/internal/observability"
)

// stubCaps delegates to capability.Mock unless a hook is set, and counts
// calls per capability.
type stubCaps struct {
	mock *capability.Mock

	transcribe func(context.Context, capability.TranscribeRequest) (capability.Transcription, error)
	synthesize func(context.Context, capability.SpeechRequest) (capability.Speech, error)
	generate   func(context.Context, capability.GenerateRequest) (capability.Generation, error)
	image      func(context.Context, capability.ImageRequest) (capability.Image, error)
	assemble   func(context.Context, capability.VideoRequest) (capability.Video, error)

	mu        sync.Mutex
	calls     map[string]int
	assembled []capability.VideoRequest
}

func newStubCaps() *stubCaps {
	return &stubCaps{mock: capability.NewMock(), calls: make(map[string]int)}
}

func (s *stubCaps) set() capability.Set {
	return capability.Set{Transcriber: s, Synthesizer: s, Generator: s, Images: s, Videos: s}
}

func (s *stubCaps) count(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

func (s *stubCaps) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubCaps) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *stubCaps) Transcribe(ctx context.Context, req capability.TranscribeRequest) (capability.Transcription, error) {
	s.count(capability.NameTranscribe)
	if s.transcribe != nil {
		return s.transcribe(ctx, req)
	}
	return s.mock.Transcribe(ctx, req)
}

func (s *stubCaps) Synthesize(ctx context.Context, req capability.SpeechRequest) (capability.Speech, error) {
	s.count(capability.NameSynthesize)
	if s.synthesize != nil {
		return s.synthesize(ctx, req)
	}
	return s.mock.Synthesize(ctx, req)
}

func (s *stubCaps) Generate(ctx context.Context, req capability.GenerateRequest) (capability.Generation, error) {
	s.count(capability.NameGenerate)
	if s.generate != nil {
		return s.generate(ctx, req)
	}
	return s.mock.Generate(ctx, req)
}

func (s *stubCaps) GenerateImage(ctx context.Context, req capability.ImageRequest) (capability.Image, error) {
	s.count(capability.NameImage)
	if s.image != nil {
		return s.image(ctx, req)
	}
	return s.mock.GenerateImage(ctx, req)
}

func (s *stubCaps) Assemble(ctx context.Context, req capability.VideoRequest) (capability.Video, error) {
	s.count(capability.NameVideo)
	s.mu.Lock()
	s.assembled = append(s.assembled, req)
	s.mu.Unlock()
	if s.assemble != nil {
		return s.assemble(ctx, req)
	}
	return s.mock.Assemble(ctx, req)
}

func newTestEngine(t *testing.T, caps *stubCaps, tune func(*Config)) (*Engine, *clock.Fake) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CallTimeout = time.Second
	cfg.StageTimeout = 2 * time.Second
	if tune != nil {
		tune(&cfg)
	}
	clk := clock.NewFake(time.Time{})
	e, err := New(cfg, Deps{
		Capabilities: caps.set(),
		Clock:        clk,
		Logger:       observability.NopLogger(),
		Metrics:      observability.NewMetrics("test"),
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e, clk
}

func drain(ch <-chan broadcast.Event) []broadcast.Event {
	var out []broadcast.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func eventsOfType(events []broadcast.Event, typ string) []broadcast.Event {
	var out []broadcast.Event
	for _, evt := range events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func waitForJob(t *testing.T, e *Engine, jobID string) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = e.JobProgress(jobID)
		return err == nil && job.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func portraitPNG(t *testing.T, w, h int, shade uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
