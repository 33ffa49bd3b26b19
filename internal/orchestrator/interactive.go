package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/avatarcore/internal/avatars"
	"github.com/ent0n29/avatarcore/internal/cache"
	"github.com/ent0n29/avatarcore/internal/capability"
	"github.com/ent0n29/avatarcore/internal/fanout"
	"github.com/ent0n29/avatarcore/internal/observability"
	"github.com/ent0n29/avatarcore/internal/protocol"
	"github.com/ent0n29/avatarcore/internal/session"
)

const (
	MessageTypeUser      = "user"
	MessageTypeAssistant = "assistant"

	ContentTypeText  = "text"
	ContentTypeAudio = "audio"

	responseMaxTokens   = 50
	responseTemperature = 0.7
	parallelSpeechSpeed = 1.1
)

// Message is the payload of an outbound message event, for both the user
// echo and the assistant reply.
type Message struct {
	SessionID        string    `json:"sessionId"`
	Content          string    `json:"content"`
	MessageType      string    `json:"messageType"`
	ContentType      string    `json:"contentType,omitempty"`
	Priority         string    `json:"priority,omitempty"`
	AudioURL         string    `json:"audioUrl,omitempty"`
	Cached           bool      `json:"cached"`
	Canned           bool      `json:"canned,omitempty"`
	Fallback         bool      `json:"fallback,omitempty"`
	TextOnly         bool      `json:"textOnly,omitempty"`
	ProcessingTimeMS float64   `json:"processingTime"`
	Timestamp        time.Time `json:"timestamp"`

	audio []byte
}

// AudioStream is the payload of an audio_stream event.
type AudioStream struct {
	SessionID string `json:"sessionId"`
	AudioData string `json:"audioData"`
	Format    string `json:"format"`
}

type Emotion struct {
	SessionID  string   `json:"sessionId"`
	Emotions   []string `json:"emotions"`
	Confidence float64  `json:"confidence"`
}

type TranscriptionEvent struct {
	SessionID        string  `json:"sessionId"`
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	Sequence         int     `json:"sequence,omitempty"`
	Cached           bool    `json:"cached"`
	ProcessingTimeMS float64 `json:"processingTime"`
}

type SessionStarted struct {
	SessionID      string  `json:"sessionId"`
	SetupLatencyMS float64 `json:"setupLatency"`
	Message        string  `json:"message"`
}

type StartSessionRequest struct {
	UserID   string
	AvatarID string
	Priority string
	Message  string
	ConnID   string
	// OnStarted runs after the session exists and before the first message
	// is processed, so the caller can subscribe to its scope.
	OnStarted func(SessionStarted)
}

type MessageRequest struct {
	SessionID   string
	Content     string
	ContentType string
	Priority    string
}

type StreamAudioRequest struct {
	SessionID  string
	AudioChunk string
	Sequence   int
}

// StartSession creates a session for the avatar's stored persona and, when
// req.Message is set, answers it.
func (e *Engine) StartSession(ctx context.Context, req StartSessionRequest) (session.Session, error) {
	start := time.Now()
	avatarID := strings.TrimSpace(req.AvatarID)
	if avatarID == "" || strings.TrimSpace(req.UserID) == "" {
		return session.Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, session.ErrInvalidRequest)
	}
	avatar, err := e.avatars.Get(ctx, avatarID)
	if err != nil {
		if !errors.Is(err, avatars.ErrNotFound) {
			e.logger.Warn("avatar lookup failed; using default persona", "avatar_id", avatarID, "error", err)
		}
		avatar = avatars.Default(avatarID)
	}

	sess, err := e.sessions.Create(session.CreateRequest{
		UserID:   req.UserID,
		AvatarID: avatarID,
		Priority: req.Priority,
		ConnID:   req.ConnID,
		Avatar:   avatar.Normalize(),
	})
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if e.metrics != nil {
		e.metrics.SessionEvents.WithLabelValues("started").Inc()
		e.metrics.ActiveSessions.Set(float64(e.sessions.ActiveCount()))
	}
	e.logger.Info("session started", "session_id", sess.ID, "user_id", sess.UserID, "avatar_id", sess.AvatarID)

	if req.OnStarted != nil {
		req.OnStarted(SessionStarted{
			SessionID:      sess.ID,
			SetupLatencyMS: msSince(start),
			Message:        "Session ready for low latency interaction",
		})
	}
	if strings.TrimSpace(req.Message) != "" {
		if _, err := e.HandleMessage(ctx, MessageRequest{
			SessionID:   sess.ID,
			Content:     req.Message,
			ContentType: ContentTypeText,
			Priority:    string(sess.Priority),
		}); err != nil && !errors.Is(err, ErrSessionEnded) {
			return sess, err
		}
	}
	return sess, nil
}

// HandleMessage answers one text or base64 audio message. The reply is
// published to the session scope and returned. If the session ends while the
// reply is computed, the reply is discarded and ErrSessionEnded returned.
func (e *Engine) HandleMessage(ctx context.Context, req MessageRequest) (Message, error) {
	contentType := req.ContentType
	if contentType == "" {
		contentType = ContentTypeText
	}
	if contentType != ContentTypeText && contentType != ContentTypeAudio {
		return Message{}, fmt.Errorf("%w: content type must be text or audio", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Content) == "" {
		return Message{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if _, err := session.ParsePriority(req.Priority); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	sess, err := e.sessions.RecordMessage(req.SessionID)
	if err != nil {
		return Message{}, err
	}
	priority := string(sess.Priority)
	if req.Priority != "" {
		priority = req.Priority
	}

	text := req.Content
	if contentType == ContentTypeAudio {
		raw, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return Message{}, fmt.Errorf("%w: audio content must be base64", ErrInvalidInput)
		}
		tr, cached, err := e.transcribe(ctx, sess, raw)
		if err != nil || strings.TrimSpace(tr.Text) == "" {
			return Message{}, ErrSpeechRecognition
		}
		e.publish(sess.ID, protocol.TypeTranscription, TranscriptionEvent{
			SessionID:  sess.ID,
			Text:       tr.Text,
			Confidence: tr.Confidence,
			Cached:     cached,
		})
		text = tr.Text
	}
	return e.answer(ctx, sess, text, contentType, priority)
}

// StreamAudio transcribes one streamed chunk. Only confident transcriptions
// are answered, at high priority.
func (e *Engine) StreamAudio(ctx context.Context, req StreamAudioRequest) error {
	raw, err := base64.StdEncoding.DecodeString(req.AudioChunk)
	if err != nil || len(raw) == 0 {
		return fmt.Errorf("%w: audioChunk must be non-empty base64", ErrInvalidInput)
	}
	if err := e.sessions.Touch(req.SessionID); err != nil {
		return err
	}
	sess, err := e.sessions.Get(req.SessionID)
	if err != nil {
		return err
	}

	start := time.Now()
	tr, cached, err := e.transcribe(ctx, sess, raw)
	if err != nil {
		// Chunks are best effort; the next one may succeed.
		return nil
	}
	if strings.TrimSpace(tr.Text) == "" || tr.Confidence <= e.cfg.StreamConfidence {
		e.logger.Debug("low confidence chunk ignored", "session_id", sess.ID, "sequence", req.Sequence, "confidence", tr.Confidence)
		return nil
	}
	e.publish(sess.ID, protocol.TypeTranscription, TranscriptionEvent{
		SessionID:        sess.ID,
		Text:             tr.Text,
		Confidence:       tr.Confidence,
		Sequence:         req.Sequence,
		Cached:           cached,
		ProcessingTimeMS: msSince(start),
	})
	if _, err := e.sessions.RecordMessage(sess.ID); err != nil {
		return err
	}
	_, err = e.answer(ctx, sess, tr.Text, ContentTypeText, string(session.PriorityHigh))
	if errors.Is(err, ErrSessionEnded) {
		return nil
	}
	return err
}

// EndSession removes a session and notifies its scope.
func (e *Engine) EndSession(sessionID string) error {
	_, err := e.sessions.Remove(sessionID, session.EndExplicit)
	return err
}

// EndConnection removes every session opened by connID.
func (e *Engine) EndConnection(connID string) []session.Session {
	return e.sessions.RemoveByConnection(connID)
}

func (e *Engine) Session(sessionID string) (session.Session, error) {
	return e.sessions.Get(sessionID)
}

func (e *Engine) answer(ctx context.Context, sess session.Session, text, contentType, priority string) (Message, error) {
	ctx, span := e.tracer.Start(ctx, observability.SpanHandleMessage,
		attribute.String(observability.AttrSessionID, sess.ID),
		attribute.String("avatarcore.priority", priority),
	)
	defer span.End()

	e.publish(sess.ID, protocol.TypeMessage, Message{
		SessionID:   sess.ID,
		Content:     text,
		MessageType: MessageTypeUser,
		ContentType: contentType,
		Priority:    priority,
		Timestamp:   e.clock.Now(),
	})

	reply := e.respond(ctx, sess, text)
	reply.Priority = priority
	span.SetAttributes(attribute.Bool(observability.AttrCached, reply.Cached))

	if _, err := e.sessions.Get(sess.ID); err != nil {
		e.logger.Debug("reply discarded for ended session", "session_id", sess.ID)
		return Message{}, ErrSessionEnded
	}
	e.publish(sess.ID, protocol.TypeMessage, reply)
	if len(reply.audio) > 0 {
		e.publish(sess.ID, protocol.TypeAudioStream, AudioStream{
			SessionID: sess.ID,
			AudioData: encodeAudio(reply.audio),
			Format:    "wav",
		})
	}
	e.publish(sess.ID, protocol.TypeEmotion, Emotion{
		SessionID:  sess.ID,
		Emotions:   detectEmotions(reply.Content),
		Confidence: emotionConfidence,
	})
	return reply, nil
}

// respond runs the canned fast path, the response cache and finally the
// concurrent generation and synthesis calls.
func (e *Engine) respond(ctx context.Context, sess session.Session, text string) Message {
	start := time.Now()
	reply := Message{
		SessionID:   sess.ID,
		MessageType: MessageTypeAssistant,
	}

	if intent, ok := matchCanned(text); ok {
		reply.Content = intent.reply
		reply.Canned = true
		e.perf.ObserveIndicator("canned_" + intent.name)
		return e.finish(reply, start, false)
	}

	key := cache.ResponseKey(sess.ID, text, e.cfg.ResponsePrefixChars)
	if cached, ok := e.responses.Get(key); ok {
		cached.Cached = true
		return e.finish(cached, start, true)
	}

	var speech capability.Speech
	var speechErr error
	if e.cfg.SpeechMode == SpeechModeSequential {
		gen, err := invoke(ctx, e, capability.NameGenerate, e.cfg.CallTimeout, func(ctx context.Context) (capability.Generation, error) {
			return e.caps.Generator.Generate(ctx, e.generateRequest(sess.Avatar, text))
		})
		reply.Content, reply.Fallback = composeText(gen, err)
		speech, speechErr = e.synthesize(ctx, capability.SpeechRequest{
			Text:     reply.Content,
			VoiceID:  sess.Avatar.VoiceID,
			Language: sess.Avatar.Language,
		}, e.cfg.CallTimeout)
	} else {
		outcomes := fanout.Run(ctx, e.cfg.CallTimeout,
			fanout.Branch{Name: capability.NameGenerate, Call: func(ctx context.Context) (any, error) {
				return invoke(ctx, e, capability.NameGenerate, 0, func(ctx context.Context) (capability.Generation, error) {
					return e.caps.Generator.Generate(ctx, e.generateRequest(sess.Avatar, text))
				})
			}},
			fanout.Branch{Name: capability.NameSynthesize, Call: func(ctx context.Context) (any, error) {
				return e.synthesize(ctx, capability.SpeechRequest{
					Text:     text,
					VoiceID:  sess.Avatar.VoiceID,
					Language: sess.Avatar.Language,
					Speed:    parallelSpeechSpeed,
				}, 0)
			}},
		)
		gen, _ := fanout.Value[capability.Generation](outcomes[0])
		reply.Content, reply.Fallback = composeText(gen, outcomes[0].Err)
		speech, _ = fanout.Value[capability.Speech](outcomes[1])
		speechErr = outcomes[1].Err
	}

	if speechErr == nil {
		reply.AudioURL = speech.AudioURL
		reply.audio = speech.Audio
	} else {
		reply.TextOnly = true
		e.perf.ObserveIndicator("text_only")
	}
	if reply.Fallback {
		e.perf.ObserveIndicator("generation_fallback")
	}
	reply.Timestamp = e.clock.Now()
	e.responses.Set(key, reply, 0)
	return e.finish(reply, start, false)
}

func (e *Engine) finish(reply Message, start time.Time, cacheHit bool) Message {
	latency := time.Since(start)
	reply.ProcessingTimeMS = float64(latency) / float64(time.Millisecond)
	reply.Timestamp = e.clock.Now()
	e.perf.RecordRequest(latency, cacheHit)
	if e.metrics != nil {
		e.metrics.ObserveResponseLatency(latency)
	}
	return reply
}

func composeText(gen capability.Generation, err error) (string, bool) {
	if err != nil || strings.TrimSpace(gen.Text) == "" {
		return FallbackReply, true
	}
	return strings.TrimSpace(gen.Text), false
}

func (e *Engine) generateRequest(avatar avatars.Config, text string) capability.GenerateRequest {
	personality := avatar.Personality
	if strings.TrimSpace(personality) == "" {
		personality = avatars.DefaultPersonality
	}
	return capability.GenerateRequest{
		Messages: []capability.ChatMessage{
			{Role: "system", Content: personality + ". Respond concisely in 1-2 sentences."},
			{Role: "user", Content: text},
		},
		Temperature: responseTemperature,
		MaxTokens:   responseMaxTokens,
	}
}

// synthesize consults the speech tier and collapses identical concurrent
// misses into one backend call.
func (e *Engine) synthesize(ctx context.Context, req capability.SpeechRequest, timeout time.Duration) (capability.Speech, error) {
	key := cache.SpeechKey(req.VoiceID, req.Text)
	if s, ok := e.speech.Get(key); ok {
		return s, nil
	}
	v, err, _ := e.speechFlight.Do(key, func() (any, error) {
		s, err := invoke(ctx, e, capability.NameSynthesize, timeout, func(ctx context.Context) (capability.Speech, error) {
			return e.caps.Synthesizer.Synthesize(ctx, req)
		})
		if err != nil {
			return capability.Speech{}, err
		}
		e.speech.Set(key, s, 0)
		return s, nil
	})
	if err != nil {
		return capability.Speech{}, err
	}
	return v.(capability.Speech), nil
}

// transcribe consults the transcription tier. Only short transcriptions are
// cached.
func (e *Engine) transcribe(ctx context.Context, sess session.Session, raw []byte) (capability.Transcription, bool, error) {
	key := cache.TranscriptionKey(raw)
	if tr, ok := e.transcriptions.Get(key); ok {
		return tr, true, nil
	}
	tr, err := invoke(ctx, e, capability.NameTranscribe, e.cfg.CallTimeout, func(ctx context.Context) (capability.Transcription, error) {
		return e.caps.Transcriber.Transcribe(ctx, capability.TranscribeRequest{Audio: raw, Language: sess.Avatar.Language})
	})
	if err != nil {
		return capability.Transcription{}, false, err
	}
	if tr.Text != "" && utf8.RuneCountInString(tr.Text) < e.cfg.TranscriptionMaxChars {
		e.transcriptions.Set(key, tr, 0)
	}
	return tr, false, nil
}

func (e *Engine) publish(scope string, typ protocol.MessageType, payload any) {
	e.hub.Publish(scope, string(typ), payload)
}

func encodeAudio(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
