package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/avatarcore/internal/reliability"
)

// HTTPClient forwards capability calls to a JSON-over-HTTP skill gateway.
// Each capability is a POST to BaseURL + "/" + capability name.
type HTTPClient struct {
	baseURL     string
	client      *http.Client
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

type HTTPConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:      &http.Client{Timeout: cfg.Timeout},
		maxAttempts: cfg.MaxAttempts,
		backoffBase: 100 * time.Millisecond,
		backoffCap:  800 * time.Millisecond,
	}
}

// HTTPSet wires one client into every port of a Set.
func HTTPSet(c *HTTPClient) Set {
	return Set{Transcriber: c, Synthesizer: c, Generator: c, Images: c, Videos: c}
}

type asrPayload struct {
	Audio    string `json:"audio"`
	Language string `json:"language"`
}

func (c *HTTPClient) Transcribe(ctx context.Context, req TranscribeRequest) (Transcription, error) {
	var out Transcription
	err := c.call(ctx, NameTranscribe, asrPayload{
		Audio:    base64.StdEncoding.EncodeToString(req.Audio),
		Language: defaultString(req.Language, "en"),
	}, &out)
	return out, err
}

type ttsPayload struct {
	Text            string  `json:"text"`
	VoiceID         string  `json:"voice_id"`
	Language        string  `json:"language"`
	Speed           float64 `json:"speed,omitempty"`
	PitchAdjustment float64 `json:"pitch_adjustment,omitempty"`
	Tone            string  `json:"tone,omitempty"`
}

type ttsResult struct {
	AudioURL  string `json:"audio_url"`
	AudioData string `json:"audio_data"`
	Format    string `json:"format"`
}

func (c *HTTPClient) Synthesize(ctx context.Context, req SpeechRequest) (Speech, error) {
	var out ttsResult
	if err := c.call(ctx, NameSynthesize, ttsPayload{
		Text:            req.Text,
		VoiceID:         defaultString(req.VoiceID, "default"),
		Language:        defaultString(req.Language, "en"),
		Speed:           req.Speed,
		PitchAdjustment: req.PitchAdjustment,
		Tone:            req.Tone,
	}, &out); err != nil {
		return Speech{}, err
	}
	sp := Speech{AudioURL: out.AudioURL, Format: defaultString(out.Format, "wav")}
	if out.AudioData != "" {
		raw, err := base64.StdEncoding.DecodeString(out.AudioData)
		if err != nil {
			return Speech{}, &reliability.CallError{Capability: NameSynthesize, Reason: reliability.ReasonUpstream, Err: fmt.Errorf("decode audio_data: %w", err)}
		}
		sp.Audio = raw
	}
	if sp.AudioURL == "" && len(sp.Audio) == 0 {
		return Speech{}, &reliability.CallError{Capability: NameSynthesize, Reason: reliability.ReasonEmpty, Err: fmt.Errorf("no audio in response")}
	}
	return sp, nil
}

type llmPayload struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

func (c *HTTPClient) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	var out map[string]any
	if err := c.call(ctx, NameGenerate, llmPayload{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, &out); err != nil {
		return Generation{}, err
	}
	text := strings.TrimSpace(extractText(out))
	if text == "" {
		return Generation{}, &reliability.CallError{Capability: NameGenerate, Reason: reliability.ReasonEmpty, Err: fmt.Errorf("no content in response")}
	}
	return Generation{Text: text}, nil
}

type imagePayload struct {
	Prompt  string `json:"prompt"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
	Style   string `json:"style"`
}

type imageResult struct {
	ImageURL  string `json:"image_url"`
	ImageData string `json:"image_data"`
}

func (c *HTTPClient) GenerateImage(ctx context.Context, req ImageRequest) (Image, error) {
	var out imageResult
	if err := c.call(ctx, NameImage, imagePayload{
		Prompt:  req.Prompt,
		Size:    defaultString(req.Size, "1024x1024"),
		Quality: defaultString(req.Quality, "high"),
		Style:   defaultString(req.Style, "photorealistic"),
	}, &out); err != nil {
		return Image{}, err
	}
	img := Image{URL: out.ImageURL}
	if out.ImageData != "" {
		if raw, err := base64.StdEncoding.DecodeString(out.ImageData); err == nil {
			img.Data = raw
		}
	}
	if img.URL == "" && len(img.Data) == 0 {
		return Image{}, &reliability.CallError{Capability: NameImage, Reason: reliability.ReasonEmpty, Err: fmt.Errorf("no image in response")}
	}
	return img, nil
}

type videoPayload struct {
	Frames     []Frame `json:"frames"`
	AudioURL   string  `json:"audio_url"`
	Resolution string  `json:"resolution"`
}

type videoResult struct {
	VideoURL     string `json:"video_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	DurationMS   int64  `json:"duration_ms"`
	Resolution   string `json:"resolution"`
	FrameCount   int    `json:"frame_count"`
}

func (c *HTTPClient) Assemble(ctx context.Context, req VideoRequest) (Video, error) {
	var out videoResult
	if err := c.call(ctx, NameVideo, videoPayload{
		Frames:     req.Frames,
		AudioURL:   req.Speech.AudioURL,
		Resolution: defaultString(req.Resolution, "1080p"),
	}, &out); err != nil {
		return Video{}, err
	}
	if out.VideoURL == "" {
		return Video{}, &reliability.CallError{Capability: NameVideo, Reason: reliability.ReasonEmpty, Err: fmt.Errorf("no video_url in response")}
	}
	return Video{
		URL:          out.VideoURL,
		ThumbnailURL: out.ThumbnailURL,
		Duration:     time.Duration(out.DurationMS) * time.Millisecond,
		Resolution:   out.Resolution,
		FrameCount:   out.FrameCount,
	}, nil
}

func (c *HTTPClient) call(ctx context.Context, capability string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", capability, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(reliability.ExponentialBackoff(attempt-1, c.backoffBase, c.backoffCap))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = c.once(ctx, capability, payload, out)
		if lastErr == nil || !reliability.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *HTTPClient) once(ctx context.Context, capability string, payload []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+capability, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", capability, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &reliability.CallError{Capability: capability, Reason: reliability.ReasonTransport, Retryable: true, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &reliability.CallError{
			Capability: capability,
			Reason:     reliability.ReasonForStatus(res.StatusCode),
			Status:     res.StatusCode,
			Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 32<<20)).Decode(out); err != nil {
		return &reliability.CallError{Capability: capability, Reason: reliability.ReasonUpstream, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"content", "text", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
