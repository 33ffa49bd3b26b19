package httpapi

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarcore/internal/capability"
	"github.com/ent0n29/avatarcore/internal/config"
	"github.com/ent0n29/avatarcore/internal/observability"
	"github.com/ent0n29/avatarcore/internal/orchestrator"
)

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.Engine) {
	t.Helper()
	metrics := observability.NewMetrics("test_httpapi")
	engine, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Capabilities: capability.MockSet(nil),
		Logger:       observability.NopLogger(),
		Metrics:      metrics,
	})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	cfg := config.Config{UploadMaxBytes: 1 << 20, CapabilityMode: "mock"}
	srv := New(cfg, engine, metrics, observability.NopLogger())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		engine.Stop()
	})
	return ts, engine
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func multipartBody(t *testing.T, fields map[string]string, fileField, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField(%s) error = %v", k, err)
		}
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, filename)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func portrait(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 48, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.NRGBA{R: 180, G: 150, B: 130, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func waitJobStatus(t *testing.T, baseURL, jobID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := http.Get(baseURL + "/v1/jobs/" + jobID)
		if err != nil {
			t.Fatalf("GET job error = %v", err)
		}
		job := decodeBody(t, res)
		if status, _ := job["status"].(string); status == "completed" || status == "failed" {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", jobID)
	return nil
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope error = %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
	body := decodeBody(t, res)
	if body["error"] != "Endpoint not found" {
		t.Fatalf("body = %+v, want Endpoint not found", body)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/perf/metrics"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, res.StatusCode)
		}
	}
}

func TestUploadLikenessRunsJob(t *testing.T) {
	ts, engine := newTestServer(t)

	body, contentType := multipartBody(t, map[string]string{
		"userId":  "user-1",
		"options": `{"style":"casual"}`,
	}, "image", "me.png", portrait(t))
	res, err := http.Post(ts.URL+"/upload-likeness", contentType, body)
	if err != nil {
		t.Fatalf("POST /upload-likeness error = %v", err)
	}
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", res.StatusCode)
	}
	ticket := decodeBody(t, res)
	jobID, _ := ticket["jobId"].(string)
	if jobID == "" || ticket["estimatedTime"] != "2-3 minutes" {
		t.Fatalf("ticket = %+v", ticket)
	}

	job := waitJobStatus(t, ts.URL, jobID)
	if job["status"] != "completed" {
		t.Fatalf("job = %+v, want completed", job)
	}
	if _, err := engine.LikenessModel("user-1"); err != nil {
		t.Fatalf("LikenessModel() error = %v", err)
	}
}

func TestUploadRejectsMissingFields(t *testing.T) {
	ts, _ := newTestServer(t)

	body, contentType := multipartBody(t, map[string]string{"userId": "user-1"}, "", "", nil)
	res, err := http.Post(ts.URL+"/upload-voice", contentType, body)
	if err != nil {
		t.Fatalf("POST /upload-voice error = %v", err)
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	if got := decodeBody(t, res); !strings.Contains(got["error"].(string), "audio file required") {
		t.Fatalf("body = %+v", got)
	}

	body, contentType = multipartBody(t, map[string]string{"userId": "u", "options": "{"}, "image", "me.png", portrait(t))
	res, err = http.Post(ts.URL+"/upload-likeness", contentType, body)
	if err != nil {
		t.Fatalf("POST /upload-likeness error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad options status = %d, want 400", res.StatusCode)
	}

	res, err = http.Post(ts.URL+"/upload-likeness", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /upload-likeness error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-multipart status = %d, want 400", res.StatusCode)
	}
}

func TestUploadVoiceRunsJob(t *testing.T) {
	ts, engine := newTestServer(t)

	body, contentType := multipartBody(t, map[string]string{"userId": "user-2"}, "audio", "sample.raw", []byte("not really audio"))
	res, err := http.Post(ts.URL+"/upload-voice", contentType, body)
	if err != nil {
		t.Fatalf("POST /upload-voice error = %v", err)
	}
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", res.StatusCode)
	}
	ticket := decodeBody(t, res)
	if ticket["estimatedTime"] != "1-2 minutes" {
		t.Fatalf("ticket = %+v", ticket)
	}
	job := waitJobStatus(t, ts.URL, ticket["jobId"].(string))
	if job["status"] != "completed" {
		t.Fatalf("job = %+v, want completed", job)
	}
	clone, err := engine.VoiceClone("user-2")
	if err != nil {
		t.Fatalf("VoiceClone() error = %v", err)
	}
	if clone.Metadata.Filename != "sample.raw" {
		t.Fatalf("Filename = %q, want sample.raw", clone.Metadata.Filename)
	}
}

func TestCreateVideoAndGetJob(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Post(ts.URL+"/v1/videos", "application/json", strings.NewReader(`{"ownerId":"u1"}`))
	if err != nil {
		t.Fatalf("POST /v1/videos error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing script status = %d, want 400", res.StatusCode)
	}

	res, err = http.Post(ts.URL+"/v1/videos", "application/json",
		strings.NewReader(`{"ownerId":"u1","script":"Hello there. Is this working?","avatar":{"name":"Ada"}}`))
	if err != nil {
		t.Fatalf("POST /v1/videos error = %v", err)
	}
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", res.StatusCode)
	}
	ticket := decodeBody(t, res)
	job := waitJobStatus(t, ts.URL, ticket["jobId"].(string))
	if job["status"] != "completed" || job["progress"].(float64) != 100 {
		t.Fatalf("job = %+v, want completed at 100", job)
	}
	result, _ := job["result"].(map[string]any)
	if result["frameCount"].(float64) != 2 {
		t.Fatalf("result = %+v, want 2 frames", result)
	}

	res, err = http.Get(ts.URL + "/v1/jobs/missing")
	if err != nil {
		t.Fatalf("GET missing job error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", res.StatusCode)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

// readUntil returns the first frame whose type is one of types, and the
// types seen on the way.
func readUntil(t *testing.T, conn *websocket.Conn, types ...string) (map[string]any, []string) {
	t.Helper()
	var seen []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %v, saw %v: %v", types, seen, err)
		}
		got, _ := frame["type"].(string)
		seen = append(seen, got)
		if slices.Contains(types, got) {
			return frame, seen
		}
	}
}

func TestWebSocketConversation(t *testing.T) {
	ts, engine := newTestServer(t)
	conn := dialWS(t, ts)

	sendWS(t, conn, map[string]any{"type": "start_session", "userId": "u1", "avatarId": "a1", "message": "hello"})
	started, _ := readUntil(t, conn, "session_started")
	sessionID, _ := started["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("session_started = %+v", started)
	}

	reply, seen := readUntil(t, conn, "emotion")
	if len(seen) != 3 || seen[0] != "message" || seen[1] != "message" {
		t.Fatalf("frames = %v, want message, message, emotion", seen)
	}
	_ = reply

	sendWS(t, conn, map[string]any{"type": "message", "sessionId": sessionID, "content": "tell me something"})
	assistant, _ := readUntil(t, conn, "message")
	if assistant["messageType"] != "user" {
		t.Fatalf("first frame = %+v, want user echo", assistant)
	}
	assistant, _ = readUntil(t, conn, "message")
	if assistant["messageType"] != "assistant" || assistant["content"] == "" {
		t.Fatalf("reply = %+v", assistant)
	}
	if _, seen := readUntil(t, conn, "emotion"); seen[0] != "audio_stream" {
		t.Fatalf("frames after reply = %v, want audio_stream first", seen)
	}

	sendWS(t, conn, map[string]any{"type": "get_performance_metrics"})
	perf, _ := readUntil(t, conn, "performance_metrics")
	if perf["totalRequests"].(float64) != 2 {
		t.Fatalf("performance_metrics = %+v, want 2 requests", perf)
	}

	sendWS(t, conn, map[string]any{"type": "end_session", "sessionId": sessionID})
	ended, _ := readUntil(t, conn, "session_ended")
	if ended["sessionId"] != sessionID {
		t.Fatalf("session_ended = %+v", ended)
	}
	if engine.ActiveSessions() != 0 {
		t.Fatalf("ActiveSessions() = %d, want 0", engine.ActiveSessions())
	}
}

func TestWebSocketErrorsKeepConnectionOpen(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	sendWS(t, conn, map[string]any{"type": "message", "sessionId": "missing", "content": "hi"})
	frame, _ := readUntil(t, conn, "error")
	if frame["message"] != "Session not found" {
		t.Fatalf("error = %+v, want Session not found", frame)
	}

	sendWS(t, conn, map[string]any{"type": "start_session", "userId": "u1"})
	frame, _ = readUntil(t, conn, "error")
	if frame["code"] != "invalid_request" {
		t.Fatalf("error = %+v, want invalid_request", frame)
	}

	sendWS(t, conn, map[string]any{"type": "launch_rockets"})
	frame, _ = readUntil(t, conn, "error")
	if frame["code"] != "unsupported_type" {
		t.Fatalf("error = %+v, want unsupported_type", frame)
	}

	sendWS(t, conn, map[string]any{"type": "get_job_progress", "jobId": "nope"})
	frame, _ = readUntil(t, conn, "job_not_found")
	if frame["jobId"] != "nope" {
		t.Fatalf("job_not_found = %+v", frame)
	}

	sendWS(t, conn, map[string]any{"type": "get_voice_clone", "userId": "nobody"})
	frame, _ = readUntil(t, conn, "voice_clone")
	if frame["error"] != "Voice clone not found" {
		t.Fatalf("voice_clone = %+v", frame)
	}
}

func TestWebSocketVideoJobEvents(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	sendWS(t, conn, map[string]any{
		"type":        "generate_video",
		"ownerId":     "u1",
		"script":      "Welcome aboard. This is important!",
		"videoConfig": map[string]any{"resolution": "720p"},
	})
	accepted, _ := readUntil(t, conn, "video_accepted")
	jobID, _ := accepted["jobId"].(string)
	if jobID == "" {
		t.Fatalf("video_accepted = %+v", accepted)
	}

	done, seen := readUntil(t, conn, "job_completed")
	if done["jobId"] != jobID {
		t.Fatalf("job_completed = %+v", done)
	}
	progress := 0
	for _, typ := range seen {
		if typ == "job_progress" {
			progress++
		}
	}
	if progress < 4 {
		t.Fatalf("saw %d job_progress frames (%v), want at least one per stage", progress, seen)
	}
}

func TestWebSocketDisconnectEndsSessions(t *testing.T) {
	ts, engine := newTestServer(t)
	conn := dialWS(t, ts)

	sendWS(t, conn, map[string]any{"type": "start_session", "userId": "u1", "avatarId": "a1"})
	readUntil(t, conn, "session_started")
	if engine.ActiveSessions() != 1 {
		t.Fatalf("ActiveSessions() = %d, want 1", engine.ActiveSessions())
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for engine.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
