package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Inbound.
const (
	TypeStartSession          MessageType = "start_session"
	TypeMessage               MessageType = "message"
	TypeStreamAudio           MessageType = "stream_audio"
	TypeEndSession            MessageType = "end_session"
	TypeGetJobProgress        MessageType = "get_job_progress"
	TypeSubscribeJob          MessageType = "subscribe_job"
	TypeGenerateVideo         MessageType = "generate_video"
	TypeGetLikenessModel      MessageType = "get_likeness_model"
	TypeGetVoiceClone         MessageType = "get_voice_clone"
	TypeTestClonedVoice       MessageType = "test_cloned_voice"
	TypeGetPerformanceMetrics MessageType = "get_performance_metrics"
)

// Outbound. TypeMessage doubles as the outbound chat message.
const (
	TypeSessionStarted     MessageType = "session_started"
	TypeTranscription      MessageType = "transcription"
	TypeAudioStream        MessageType = "audio_stream"
	TypeEmotion            MessageType = "emotion"
	TypeSessionEnded       MessageType = "session_ended"
	TypeJobProgress        MessageType = "job_progress"
	TypeJobCompleted       MessageType = "job_completed"
	TypeJobFailed          MessageType = "job_failed"
	TypeJobNotFound        MessageType = "job_not_found"
	TypeLikenessModel      MessageType = "likeness_model"
	TypeVoiceClone         MessageType = "voice_clone"
	TypeVoiceTestResult    MessageType = "voice_test_result"
	TypePerformanceMetrics MessageType = "performance_metrics"
	TypeVideoAccepted      MessageType = "video_accepted"
	TypeError              MessageType = "error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type StartSession struct {
	AvatarID string `json:"avatarId"`
	UserID   string `json:"userId"`
	Priority string `json:"priority,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ClientMessage carries text, or base64 audio when ContentType is audio.
type ClientMessage struct {
	SessionID   string `json:"sessionId"`
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type StreamAudio struct {
	SessionID  string `json:"sessionId"`
	AudioChunk string `json:"audioChunk"`
	Sequence   int    `json:"sequence"`
}

type EndSession struct {
	SessionID string `json:"sessionId"`
}

type JobRef struct {
	JobID string `json:"jobId"`
}

type VideoAvatar struct {
	Name    string `json:"name,omitempty"`
	VoiceID string `json:"voiceId,omitempty"`
}

type VideoSettings struct {
	Language    string  `json:"language,omitempty"`
	SpeechSpeed float64 `json:"speechSpeed,omitempty"`
	Resolution  string  `json:"resolution,omitempty"`
}

type GenerateVideo struct {
	OwnerID string        `json:"ownerId"`
	Script  string        `json:"script"`
	Avatar  VideoAvatar   `json:"avatarConfig"`
	Video   VideoSettings `json:"videoConfig"`
}

type GetLikenessModel struct {
	UserID string `json:"userId"`
}

type GetVoiceClone struct {
	UserID string `json:"userId"`
}

type TestClonedVoice struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

type GetPerformanceMetrics struct{}

// ParseClientMessage validates raw against the inbound schema and decodes it
// into the matching struct.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrInvalidMessage, err)
	}

	var msg any
	switch env.Type {
	case TypeStartSession:
		msg = &StartSession{}
	case TypeMessage:
		msg = &ClientMessage{}
	case TypeStreamAudio:
		msg = &StreamAudio{}
	case TypeEndSession:
		msg = &EndSession{}
	case TypeGetJobProgress, TypeSubscribeJob:
		msg = &JobRef{}
	case TypeGenerateVideo:
		msg = &GenerateVideo{}
	case TypeGetLikenessModel:
		msg = &GetLikenessModel{}
	case TypeGetVoiceClone:
		msg = &GetVoiceClone{}
	case TypeTestClonedVoice:
		msg = &TestClonedVoice{}
	case TypeGetPerformanceMetrics:
		msg = &GetPerformanceMetrics{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}

	if err := validateInbound(raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	return deref(msg), nil
}

func deref(msg any) any {
	switch m := msg.(type) {
	case *StartSession:
		return *m
	case *ClientMessage:
		if m.ContentType == "" {
			m.ContentType = "text"
		}
		return *m
	case *StreamAudio:
		return *m
	case *EndSession:
		return *m
	case *JobRef:
		return *m
	case *GenerateVideo:
		return *m
	case *GetLikenessModel:
		return *m
	case *GetVoiceClone:
		return *m
	case *TestClonedVoice:
		return *m
	case *GetPerformanceMetrics:
		return *m
	}
	return msg
}

// Frame is one outbound websocket message: the payload's fields flattened
// next to "type".
type Frame struct {
	Type    MessageType
	Payload any
}

func (f Frame) MarshalJSON() ([]byte, error) {
	if f.Payload == nil {
		return json.Marshal(Envelope{Type: f.Type})
	}
	body, err := json.Marshal(f.Payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		// Non-object payloads are nested under "data".
		return json.Marshal(struct {
			Type MessageType     `json:"type"`
			Data json.RawMessage `json:"data"`
		}{f.Type, body})
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	typ, err := json.Marshal(f.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

// ErrorEvent is the payload of an outbound error frame.
type ErrorEvent struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	JobID     string `json:"jobId,omitempty"`
}
