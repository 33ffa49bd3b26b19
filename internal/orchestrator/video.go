package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ent0n29/avatarcore/internal/avatars"
	"github.com/ent0n29/avatarcore/internal/capability"
	"github.com/ent0n29/avatarcore/internal/fanout"
	"github.com/ent0n29/avatarcore/internal/jobs"
)

const (
	videoEstimate      = "3-5 minutes"
	placeholderFrame   = "/api/placeholder/1024/1024"
	minFrameDuration   = 2 * time.Second
	frameDurationPerCh = 150 * time.Millisecond
)

var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]*`)

type VideoAvatar struct {
	Name    string `json:"name,omitempty"`
	VoiceID string `json:"voiceId,omitempty"`
}

type VideoSettings struct {
	Language    string  `json:"language,omitempty"`
	SpeechSpeed float64 `json:"speechSpeed,omitempty"`
	Resolution  string  `json:"resolution,omitempty"`
}

type VideoRequest struct {
	OwnerID string
	Script  string
	Avatar  VideoAvatar
	Video   VideoSettings
	// OnAccepted runs once the job exists and before rendering starts.
	OnAccepted func(JobTicket)
}

type VideoResult struct {
	JobID        string `json:"jobId"`
	VideoURL     string `json:"videoUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
	AudioURL     string `json:"audioUrl,omitempty"`
	DurationMS   int64  `json:"duration"`
	Resolution   string `json:"resolution"`
	FrameCount   int    `json:"frameCount"`
}

// StartVideo renders a talking-avatar video for script in the background.
func (e *Engine) StartVideo(_ context.Context, req VideoRequest) (JobTicket, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return JobTicket{}, fmt.Errorf("%w: ownerId is required", ErrInvalidInput)
	}
	sentences := splitSentences(req.Script)
	if len(sentences) == 0 {
		return JobTicket{}, fmt.Errorf("%w: script must contain at least one sentence", ErrInvalidInput)
	}
	return e.startJob(jobs.KindVideo, owner, "Video generation started", videoEstimate, req.OnAccepted,
		func(ctx context.Context, jobID string) (any, error) {
			return e.runVideo(ctx, jobID, req, sentences)
		})
}

func (e *Engine) runVideo(ctx context.Context, jobID string, req VideoRequest, sentences []string) (VideoResult, error) {
	e.advance(jobID, jobs.StageGeneratingSpeech, 10, "Generating speech...")
	speed := req.Video.SpeechSpeed
	if speed <= 0 {
		speed = 1.0
	}
	speech, err := e.synthesize(ctx, capability.SpeechRequest{
		Text:     req.Script,
		VoiceID:  defaultIfEmpty(req.Avatar.VoiceID, avatars.DefaultVoiceID),
		Language: defaultIfEmpty(req.Video.Language, avatars.DefaultLanguage),
		Speed:    speed,
	}, e.cfg.StageTimeout)
	if err != nil {
		return VideoResult{}, fmt.Errorf("speech generation failed: %w", err)
	}

	e.advance(jobID, jobs.StageGeneratingFrames, 30, "Speech generated. Creating avatar frames...")
	frames := e.renderFrames(ctx, jobID, req.Avatar, sentences)

	e.advance(jobID, jobs.StageAssembling, 70, "Frames generated. Assembling video...")
	video, err := invoke(ctx, e, capability.NameVideo, e.cfg.StageTimeout, func(ctx context.Context) (capability.Video, error) {
		return e.caps.Videos.Assemble(ctx, capability.VideoRequest{
			Frames:     frames,
			Speech:     speech,
			Resolution: defaultIfEmpty(req.Video.Resolution, "1080p"),
		})
	})
	if err != nil {
		return VideoResult{}, fmt.Errorf("video assembly failed: %w", err)
	}

	e.advance(jobID, jobs.StageFinalizing, 90, "Video assembled. Finalizing...")
	return VideoResult{
		JobID:        jobID,
		VideoURL:     video.URL,
		ThumbnailURL: video.ThumbnailURL,
		AudioURL:     speech.AudioURL,
		DurationMS:   video.Duration.Milliseconds(),
		Resolution:   video.Resolution,
		FrameCount:   video.FrameCount,
	}, nil
}

// renderFrames generates one still per sentence. A failed still is replaced
// by a neutral placeholder so the frame count always matches the script.
func (e *Engine) renderFrames(ctx context.Context, jobID string, avatar VideoAvatar, sentences []string) []capability.Frame {
	branches := make([]fanout.Branch, len(sentences))
	expressions := make([]string, len(sentences))
	for i, sentence := range sentences {
		expressions[i] = detectExpression(sentence)
		branches[i] = e.imageBranch(fmt.Sprintf("frame-%d", i+1), capability.ImageRequest{
			Prompt:  avatarPrompt(avatar, expressions[i]),
			Size:    "1024x1024",
			Quality: "high",
			Style:   "realistic",
		})
	}

	done := 0
	outcomes := fanout.RunWith(ctx, fanout.Options{
		Timeout: e.cfg.StageTimeout,
		Limit:   e.cfg.StageFanout,
		OnDone: func(o fanout.Outcome) {
			done++
			e.advance(jobID, jobs.StageGeneratingFrames, 30+40*done/(len(sentences)+1), subItemMessage(o))
		},
	}, branches...)

	frames := make([]capability.Frame, len(sentences))
	for i, o := range outcomes {
		frame := capability.Frame{
			ImageURL:   placeholderFrame,
			Expression: "neutral",
			Duration:   sentenceDuration(sentences[i]),
		}
		if img, ok := fanout.Value[capability.Image](o); ok {
			frame.ImageURL = img.URL
			frame.Expression = expressions[i]
		}
		frames[i] = frame
	}
	return frames
}

func splitSentences(script string) []string {
	var out []string
	for _, s := range sentencePattern.FindAllString(script, -1) {
		s = strings.TrimSpace(s)
		if strings.Trim(s, ".!? ") != "" {
			out = append(out, s)
		}
	}
	return out
}

func avatarPrompt(avatar VideoAvatar, expression string) string {
	name := defaultIfEmpty(avatar.Name, "a person")
	return fmt.Sprintf("Professional portrait of %s, %s, speaking, mouth slightly open as if talking, high quality, professional lighting, clean background",
		name, expressionDescriptions[expression])
}

func sentenceDuration(sentence string) time.Duration {
	d := time.Duration(len(sentence)) * frameDurationPerCh
	if d < minFrameDuration {
		return minFrameDuration
	}
	return d
}
