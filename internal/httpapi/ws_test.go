package httpapi

import (
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ent0n29/avatarcore/internal/broadcast"
	"github.com/ent0n29/avatarcore/internal/config"
	"github.com/ent0n29/avatarcore/internal/jobs"
	"github.com/ent0n29/avatarcore/internal/observability"
	"github.com/ent0n29/avatarcore/internal/orchestrator"
	"github.com/ent0n29/avatarcore/internal/session"
)

// scriptedEngine serves real engine calls but hands out subscriptions that
// are pre-filled with a fixed event sequence.
type scriptedEngine struct {
	*orchestrator.Engine
	events []broadcast.Event
	job    *jobs.Job
}

func (s *scriptedEngine) Subscribe(string) (<-chan broadcast.Event, func()) {
	ch := make(chan broadcast.Event, len(s.events))
	for _, evt := range s.events {
		ch <- evt
	}
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

func (s *scriptedEngine) JobProgress(jobID string) (jobs.Job, error) {
	if s.job != nil && s.job.ID == jobID {
		return *s.job, nil
	}
	return s.Engine.JobProgress(jobID)
}

func newScriptedServer(t *testing.T, scripted *scriptedEngine) *httptest.Server {
	t.Helper()
	_, engine := newTestServer(t)
	scripted.Engine = engine
	srv := New(config.Config{UploadMaxBytes: 1 << 20}, scripted, nil, observability.NopLogger())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestSessionEventsAfterEndAreNotForwarded(t *testing.T) {
	scripted := &scriptedEngine{events: []broadcast.Event{
		{Type: session.EventSessionEnded, Payload: session.Ended{SessionID: "s1", Reason: session.EndIdle}},
		{Type: "message", Payload: orchestrator.Message{SessionID: "s1", Content: "late reply", MessageType: "assistant"}},
	}}
	ts := newScriptedServer(t, scripted)
	conn := dialWS(t, ts)

	sendWS(t, conn, map[string]any{"type": "start_session", "userId": "u1", "avatarId": "a1"})
	_, before := readUntil(t, conn, "session_ended")

	sendWS(t, conn, map[string]any{"type": "get_performance_metrics"})
	_, after := readUntil(t, conn, "performance_metrics")

	for _, typ := range append(before, after...) {
		if typ == "message" {
			t.Fatalf("frames = %v %v, want nothing forwarded after session_ended", before, after)
		}
	}
}

func TestJobSnapshotPrecedesNewerProgress(t *testing.T) {
	scripted := &scriptedEngine{
		job: &jobs.Job{ID: "job-1", Kind: jobs.KindVideo, Stage: jobs.StageAssembling, Progress: 70, Status: jobs.StatusRunning},
		events: []broadcast.Event{
			{Type: jobs.EventJobProgress, Payload: jobs.Progress{JobID: "job-1", Stage: jobs.StageGeneratingFrames, Progress: 45}},
			{Type: jobs.EventJobProgress, Payload: jobs.Progress{JobID: "job-1", Stage: jobs.StageFinalizing, Progress: 90}},
			{Type: jobs.EventJobCompleted, Payload: jobs.Completed{JobID: "job-1"}},
			{Type: jobs.EventJobProgress, Payload: jobs.Progress{JobID: "job-1", Progress: 100}},
		},
	}
	ts := newScriptedServer(t, scripted)
	conn := dialWS(t, ts)

	sendWS(t, conn, map[string]any{"type": "subscribe_job", "jobId": "job-1"})

	var progress []float64
	for {
		frame, _ := readUntil(t, conn, "job_progress", "job_completed")
		if frame["type"] == "job_completed" {
			break
		}
		progress = append(progress, frame["progress"].(float64))
	}
	if len(progress) != 2 || progress[0] != 70 || progress[1] != 90 {
		t.Fatalf("progress frames = %v, want [70 90]", progress)
	}

	sendWS(t, conn, map[string]any{"type": "get_performance_metrics"})
	_, seen := readUntil(t, conn, "performance_metrics")
	if len(seen) != 1 {
		t.Fatalf("frames after job_completed = %v, want only performance_metrics", seen)
	}
}
