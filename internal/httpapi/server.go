package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarcore/internal/broadcast"
	"github.com/ent0n29/avatarcore/internal/config"
	"github.com/ent0n29/avatarcore/internal/jobs"
	"github.com/ent0n29/avatarcore/internal/observability"
	"github.com/ent0n29/avatarcore/internal/orchestrator"
	"github.com/ent0n29/avatarcore/internal/protocol"
	"github.com/ent0n29/avatarcore/internal/session"
)

// Engine is the coordinator surface used by the transport layer.
type Engine interface {
	StartSession(ctx context.Context, req orchestrator.StartSessionRequest) (session.Session, error)
	HandleMessage(ctx context.Context, req orchestrator.MessageRequest) (orchestrator.Message, error)
	StreamAudio(ctx context.Context, req orchestrator.StreamAudioRequest) error
	EndSession(sessionID string) error
	EndConnection(connID string) []session.Session
	Subscribe(scope string) (<-chan broadcast.Event, func())

	StartLikeness(ctx context.Context, req orchestrator.LikenessRequest) (orchestrator.JobTicket, error)
	StartVoiceClone(ctx context.Context, req orchestrator.VoiceCloneRequest) (orchestrator.JobTicket, error)
	StartVideo(ctx context.Context, req orchestrator.VideoRequest) (orchestrator.JobTicket, error)
	JobProgress(jobID string) (jobs.Job, error)
	LikenessModel(userID string) (orchestrator.LikenessModel, error)
	VoiceClone(userID string) (orchestrator.VoiceCloneModel, error)
	TestClonedVoice(ctx context.Context, userID, text string) (orchestrator.VoiceTestResult, error)

	PerformanceSnapshot() observability.PerformanceSnapshot
	ActiveSessions() int
}

type Server struct {
	cfg      config.Config
	engine   Engine
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, engine Engine, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			respondError(w, http.StatusNotFound, "metrics_disabled", "metrics are not enabled")
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleWS)

	r.Post("/upload-likeness", s.handleUploadLikeness)
	r.Post("/upload-voice", s.handleUploadVoice)
	r.Post("/v1/videos", s.handleCreateVideo)
	r.Get("/v1/jobs/{id}", s.handleGetJob)
	r.Get("/v1/perf/metrics", s.handlePerfMetrics)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "Endpoint not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.engine.ActiveSessions(),
		"capability_mode": s.cfg.CapabilityMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// failure is the client-facing rendering of an engine error.
type failure struct {
	status  int
	code    string
	message string
}

func classify(err error) failure {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput),
		errors.Is(err, protocol.ErrInvalidMessage):
		return failure{http.StatusBadRequest, "invalid_request", err.Error()}
	case errors.Is(err, protocol.ErrUnsupportedType):
		return failure{http.StatusBadRequest, "unsupported_type", err.Error()}
	case errors.Is(err, session.ErrNotFound):
		return failure{http.StatusNotFound, "session_not_found", "Session not found"}
	case errors.Is(err, jobs.ErrNotFound):
		return failure{http.StatusNotFound, "job_not_found", "Job not found"}
	case errors.Is(err, orchestrator.ErrArtifactNotFound):
		return failure{http.StatusNotFound, "not_found", err.Error()}
	case errors.Is(err, orchestrator.ErrSpeechRecognition):
		return failure{http.StatusBadGateway, "speech_recognition_failed", "Speech recognition failed"}
	default:
		return failure{http.StatusInternalServerError, "internal_error", "Internal server error"}
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	f := classify(err)
	if f.status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	respondError(w, f.status, f.code, f.message)
}

func (s *Server) countWS(direction string, typ protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, string(typ)).Inc()
	}
}
