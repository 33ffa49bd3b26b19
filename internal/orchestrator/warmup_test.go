package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/avatarcore/internal/avatars"
	"github.com/ent0n29/avatarcore/internal/cache"
	"github.com/ent0n29/avatarcore/internal/capability"
	"github.com/ent0n29/avatarcore/internal/clock"
	"github.com/ent0n29/avatarcore/internal/observability"
)

func TestStartWarmsGenerationAndSpeech(t *testing.T) {
	caps := newStubCaps()
	e, _ := newTestEngine(t, caps, nil)
	require.NoError(t, e.Start(context.Background()))

	assert.Eventually(t, func() bool {
		_, ok := e.speech.Get(cache.SpeechKey(avatars.DefaultVoiceID, warmupText))
		return ok && caps.Calls(capability.NameGenerate) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, caps.Calls(capability.NameSynthesize))
	assert.Equal(t, 2, caps.TotalCalls())
}

func TestWarmupDisabledMakesNoCalls(t *testing.T) {
	caps := newStubCaps()
	e, _ := newTestEngine(t, caps, func(c *Config) { c.Warmup = false })
	require.NoError(t, e.Start(context.Background()))
	e.Stop()

	assert.Zero(t, caps.TotalCalls())
}

func TestWarmupFailureIsNotFatal(t *testing.T) {
	caps := newStubCaps()
	caps.generate = func(context.Context, capability.GenerateRequest) (capability.Generation, error) {
		return capability.Generation{}, errors.New("backend cold")
	}
	e, _ := newTestEngine(t, caps, nil)
	require.NoError(t, e.Start(context.Background()))

	assert.Eventually(t, func() bool {
		_, ok := e.speech.Get(cache.SpeechKey(avatars.DefaultVoiceID, warmupText))
		return ok && caps.Calls(capability.NameGenerate) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sess := startSession(t, e)
	reply, err := e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "tell me a joke"})
	require.NoError(t, err)
	assert.True(t, reply.Fallback)
}

func TestLogPerformanceWritesSnapshotAtInfo(t *testing.T) {
	var buf bytes.Buffer
	e, err := New(DefaultConfig(), Deps{
		Capabilities: newStubCaps().set(),
		Clock:        clock.NewFake(time.Time{}),
		Logger:       observability.NewLogger(observability.LogConfig{Level: "info", Format: "json", Output: &buf}),
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	sess := startSession(t, e)
	_, err = e.HandleMessage(context.Background(), MessageRequest{SessionID: sess.ID, Content: "tell me a joke"})
	require.NoError(t, err)
	buf.Reset()

	e.LogPerformance()

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "performance", line["msg"])
	assert.Equal(t, "INFO", line["level"])
	assert.EqualValues(t, 1, line["total_requests"])
	assert.EqualValues(t, 1, line["active_sessions"])
}
