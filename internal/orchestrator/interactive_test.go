package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/avatarcore/internal/avatars"
	"github.com/ent0n29/avatarcore/internal/capability"
	"github.com/ent0n29/avatarcore/internal/protocol"
	"github.com/ent0n29/avatarcore/internal/session"
)

func startSession(t *testing.T, e *Engine) session.Session {
	t.Helper()
	sess, err := e.StartSession(context.Background(), StartSessionRequest{UserID: "u1", AvatarID: "a1"})
	require.NoError(t, err)
	return sess
}

func TestCannedIntentSkipsEveryBackend(t *testing.T) {
	caps := newStubCaps()
	e, _ := newTestEngine(t, caps, nil)
	sess := startSession(t, e)

	reply, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "thanks a lot!"})
	require.NoError(t, err)
	assert.Equal(t, "You're welcome! Is there anything else I can help with?", reply.Content)
	assert.True(t, reply.Canned)
	assert.Equal(t, 0, caps.TotalCalls())

	snap := e.PerformanceSnapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.CacheMisses)
}

func TestGenerationFailureKeepsSynthesizedSpeech(t *testing.T) {
	caps := newStubCaps()
	caps.generate = func(context.Context, capability.GenerateRequest) (capability.Generation, error) {
		return capability.Generation{}, errors.New("llm down")
	}
	e, _ := newTestEngine(t, caps, nil)
	sess := startSession(t, e)
	events, cancel := e.Subscribe(sess.ID)
	defer cancel()

	reply, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "tell me about the weather"})
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, reply.Content)
	assert.True(t, reply.Fallback)
	assert.False(t, reply.TextOnly)
	assert.NotEmpty(t, reply.AudioURL)

	got := drain(events)
	assert.Len(t, eventsOfType(got, string(protocol.TypeMessage)), 2, "user echo and assistant reply")
	assert.Len(t, eventsOfType(got, string(protocol.TypeAudioStream)), 1)
	require.Len(t, eventsOfType(got, string(protocol.TypeEmotion)), 1)
}

func TestSynthesisFailureDegradesToTextOnly(t *testing.T) {
	caps := newStubCaps()
	caps.synthesize = func(context.Context, capability.SpeechRequest) (capability.Speech, error) {
		return capability.Speech{}, errors.New("tts down")
	}
	e, _ := newTestEngine(t, caps, nil)
	sess := startSession(t, e)
	events, cancel := e.Subscribe(sess.ID)
	defer cancel()

	reply, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "what is the capital of France"})
	require.NoError(t, err)
	assert.True(t, reply.TextOnly)
	assert.False(t, reply.Fallback)
	assert.Empty(t, reply.AudioURL)
	assert.Contains(t, reply.Content, "what is the capital of France")
	assert.Empty(t, eventsOfType(drain(events), string(protocol.TypeAudioStream)))
}

func TestSlowGenerationTimesOutIntoFallback(t *testing.T) {
	caps := newStubCaps()
	caps.generate = func(ctx context.Context, _ capability.GenerateRequest) (capability.Generation, error) {
		<-ctx.Done()
		return capability.Generation{}, ctx.Err()
	}
	e, _ := newTestEngine(t, caps, func(c *Config) { c.CallTimeout = 30 * time.Millisecond })
	sess := startSession(t, e)

	start := time.Now()
	reply, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "a slow question"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, FallbackReply, reply.Content)
	assert.NotEmpty(t, reply.AudioURL)
}

func TestRepeatedMessageIsServedFromCache(t *testing.T) {
	caps := newStubCaps()
	e, _ := newTestEngine(t, caps, nil)
	sess := startSession(t, e)

	first, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "Tell me a story"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "tell me   a story"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, caps.Calls(capability.NameGenerate))

	snap := e.PerformanceSnapshot()
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.InDelta(t, 0.5, snap.CacheHitRate, 1e-9)
}

func TestResponseCacheIsScopedBySession(t *testing.T) {
	caps := newStubCaps()
	e, _ := newTestEngine(t, caps, nil)
	a := startSession(t, e)
	b := startSession(t, e)

	_, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: a.ID, Content: "Tell me a story"})
	require.NoError(t, err)
	reply, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: b.ID, Content: "Tell me a story"})
	require.NoError(t, err)
	assert.False(t, reply.Cached)
	assert.Equal(t, 2, caps.Calls(capability.NameGenerate))
	// Speech for identical text is shared across sessions.
	assert.Equal(t, 1, caps.Calls(capability.NameSynthesize))
}

func TestReplyIsDiscardedWhenSessionEnds(t *testing.T) {
	caps := newStubCaps()
	entered := make(chan struct{})
	release := make(chan struct{})
	caps.generate = func(context.Context, capability.GenerateRequest) (capability.Generation, error) {
		close(entered)
		<-release
		return capability.Generation{Text: "late answer"}, nil
	}
	e, _ := newTestEngine(t, caps, nil)
	sess := startSession(t, e)
	events, cancel := e.Subscribe(sess.ID)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "something slow"})
		errCh <- err
	}()

	<-entered
	require.NoError(t, e.EndSession(sess.ID))
	close(release)
	require.ErrorIs(t, <-errCh, ErrSessionEnded)

	got := drain(events)
	assert.Len(t, eventsOfType(got, string(protocol.TypeSessionEnded)), 1)
	for _, evt := range eventsOfType(got, string(protocol.TypeMessage)) {
		assert.Equal(t, MessageTypeUser, evt.Payload.(Message).MessageType)
	}
}

func TestHandleMessageRejectsUnknownSessionAndBadInput(t *testing.T) {
	e, _ := newTestEngine(t, newStubCaps(), nil)

	_, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: "missing", Content: "hi"})
	assert.ErrorIs(t, err, session.ErrNotFound)

	sess := startSession(t, e)
	_, err = e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "x", ContentType: "video"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "x", Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.StartSession(context.Background(), StartSessionRequest{UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAudioMessageIsTranscribedOnce(t *testing.T) {
	caps := newStubCaps()
	caps.transcribe = func(context.Context, capability.TranscribeRequest) (capability.Transcription, error) {
		return capability.Transcription{Text: "what time is it", Confidence: 0.9}, nil
	}
	e, _ := newTestEngine(t, caps, nil)
	sess := startSession(t, e)
	events, cancel := e.Subscribe(sess.ID)
	defer cancel()

	audio := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03, 0x04})
	for i := 0; i < 2; i++ {
		_, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: audio, ContentType: ContentTypeAudio})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, caps.Calls(capability.NameTranscribe))

	transcripts := eventsOfType(drain(events), string(protocol.TypeTranscription))
	require.Len(t, transcripts, 2)
	assert.False(t, transcripts[0].Payload.(TranscriptionEvent).Cached)
	assert.True(t, transcripts[1].Payload.(TranscriptionEvent).Cached)
}

func TestAudioMessageRecognitionFailure(t *testing.T) {
	caps := newStubCaps()
	caps.transcribe = func(context.Context, capability.TranscribeRequest) (capability.Transcription, error) {
		return capability.Transcription{}, errors.New("asr down")
	}
	e, _ := newTestEngine(t, caps, nil)
	sess := startSession(t, e)

	audio := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02})
	_, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: audio, ContentType: ContentTypeAudio})
	assert.ErrorIs(t, err, ErrSpeechRecognition)
	assert.Equal(t, 0, caps.Calls(capability.NameGenerate))
}

func TestStreamAudioAnswersOnlyConfidentChunks(t *testing.T) {
	caps := newStubCaps()
	confidence := 0.5
	caps.transcribe = func(context.Context, capability.TranscribeRequest) (capability.Transcription, error) {
		return capability.Transcription{Text: "what is new", Confidence: confidence}, nil
	}
	e, _ := newTestEngine(t, caps, nil)
	sess := startSession(t, e)

	require.NoError(t, e.StreamAudio(context.Background(), StreamAudioRequest{
		SessionID: sess.ID, AudioChunk: base64.StdEncoding.EncodeToString([]byte("chunk-1")), Sequence: 1,
	}))
	assert.Equal(t, 0, caps.Calls(capability.NameGenerate))

	confidence = 0.9
	events, cancel := e.Subscribe(sess.ID)
	defer cancel()
	require.NoError(t, e.StreamAudio(context.Background(), StreamAudioRequest{
		SessionID: sess.ID, AudioChunk: base64.StdEncoding.EncodeToString([]byte("chunk-2")), Sequence: 2,
	}))
	assert.Equal(t, 1, caps.Calls(capability.NameGenerate))

	got := drain(events)
	transcripts := eventsOfType(got, string(protocol.TypeTranscription))
	require.Len(t, transcripts, 1)
	assert.Equal(t, 2, transcripts[0].Payload.(TranscriptionEvent).Sequence)
	messages := eventsOfType(got, string(protocol.TypeMessage))
	require.Len(t, messages, 2)
	assert.Equal(t, string(session.PriorityHigh), messages[1].Payload.(Message).Priority)

	err := e.StreamAudio(context.Background(), StreamAudioRequest{SessionID: "missing", AudioChunk: "AQI="})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestStartSessionAnswersFirstMessageAfterCallback(t *testing.T) {
	caps := newStubCaps()
	store := avatars.NewInMemoryStore()
	require.NoError(t, store.Put(context.Background(), avatars.Config{ID: "tutor", Personality: "Patient maths tutor", VoiceID: "v2"}))
	e, err := New(DefaultConfig(), Deps{Capabilities: caps.set(), Avatars: store})
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	var started SessionStarted
	var mu sync.Mutex
	var captured []string
	sess, err := e.StartSession(context.Background(), StartSessionRequest{
		UserID:   "u1",
		AvatarID: "tutor",
		Message:  "explain fractions",
		OnStarted: func(s SessionStarted) {
			started = s
			events, _ := e.Subscribe(s.SessionID)
			go func() {
				for evt := range events {
					mu.Lock()
					captured = append(captured, evt.Type)
					mu.Unlock()
				}
			}()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, started.SessionID)
	assert.Equal(t, "Patient maths tutor", sess.Avatar.Personality)
	assert.Equal(t, "v2", sess.Avatar.VoiceID)
	assert.Equal(t, "en", sess.Avatar.Language)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(captured) >= 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"message", "message", "audio_stream", "emotion"}, captured[:4])
	mu.Unlock()
}

func TestConcurrentIdenticalSynthesisIsCollapsed(t *testing.T) {
	caps := newStubCaps()
	release := make(chan struct{})
	caps.synthesize = func(ctx context.Context, req capability.SpeechRequest) (capability.Speech, error) {
		<-release
		return capability.Speech{AudioURL: "/a.wav"}, nil
	}
	e, _ := newTestEngine(t, caps, nil)

	var wg sync.WaitGroup
	results := make([]capability.Speech, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := e.synthesize(context.Background(), capability.SpeechRequest{Text: "same words"}, time.Second)
			assert.NoError(t, err)
			results[i] = s
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, caps.Calls(capability.NameSynthesize))
	for _, s := range results {
		assert.Equal(t, "/a.wav", s.AudioURL)
	}
}

func TestSequentialModeSpeaksTheReply(t *testing.T) {
	caps := newStubCaps()
	var spoken []string
	var mu sync.Mutex
	caps.synthesize = func(ctx context.Context, req capability.SpeechRequest) (capability.Speech, error) {
		mu.Lock()
		spoken = append(spoken, req.Text)
		mu.Unlock()
		return capability.Speech{AudioURL: "/r.wav"}, nil
	}
	caps.generate = func(context.Context, capability.GenerateRequest) (capability.Generation, error) {
		return capability.Generation{Text: "It is sunny."}, nil
	}
	e, _ := newTestEngine(t, caps, func(c *Config) { c.SpeechMode = SpeechModeSequential })
	sess := startSession(t, e)

	reply, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "weather today"})
	require.NoError(t, err)
	assert.Equal(t, "It is sunny.", reply.Content)
	assert.Equal(t, []string{"It is sunny."}, spoken)
}

func TestGenerateRequestUsesPersona(t *testing.T) {
	e, _ := newTestEngine(t, newStubCaps(), nil)
	req := e.generateRequest(avatars.Config{Personality: "Cheerful guide"}, "hello?")
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "Cheerful guide. Respond concisely in 1-2 sentences.", req.Messages[0].Content)
	assert.Equal(t, 50, req.MaxTokens)
	assert.InDelta(t, 0.7, req.Temperature, 1e-9)
}

func TestStageTargetsFollowTimeouts(t *testing.T) {
	e, _ := newTestEngine(t, newStubCaps(), nil)
	sess := startSession(t, e)
	_, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "weather today"})
	require.NoError(t, err)

	targets := map[string]float64{}
	for _, s := range e.PerformanceSnapshot().Window.Stages {
		targets[s.Stage] = s.TargetP95MS
	}
	assert.Equal(t, 1000.0, targets[capability.NameGenerate])
	assert.Equal(t, 1000.0, targets[capability.NameSynthesize])
}
