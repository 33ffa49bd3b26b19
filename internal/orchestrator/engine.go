// Package orchestrator owns the session, job, cache and metrics state of one
// engine instance and drives capability calls for interactive messages and
// long-running jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/avatarcore/internal/avatars"
	"github.com/ent0n29/avatarcore/internal/broadcast"
	"github.com/ent0n29/avatarcore/internal/cache"
	"github.com/ent0n29/avatarcore/internal/capability"
	"github.com/ent0n29/avatarcore/internal/clock"
	"github.com/ent0n29/avatarcore/internal/jobs"
	"github.com/ent0n29/avatarcore/internal/observability"
	"github.com/ent0n29/avatarcore/internal/reliability"
	"github.com/ent0n29/avatarcore/internal/session"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrSessionEnded      = errors.New("session ended before the reply was ready")
	ErrSpeechRecognition = errors.New("speech recognition failed")
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrAlreadyStarted    = errors.New("engine already started")
)

const (
	SpeechModeParallel   = "parallel"
	SpeechModeSequential = "sequential"
)

type Config struct {
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration

	JobGracePeriod   time.Duration
	JobStaleCeiling  time.Duration
	JobSweepInterval time.Duration

	ResponseTTL           time.Duration
	SpeechTTL             time.Duration
	TranscriptionTTL      time.Duration
	CacheMaxEntries       int
	CacheSweepInterval    time.Duration
	ResponsePrefixChars   int
	TranscriptionMaxChars int

	CallTimeout   time.Duration
	StageTimeout  time.Duration
	LatencyTarget time.Duration
	SpeechMode    string

	ArtifactTTL        time.Duration
	ArtifactMaxEntries int

	// StreamConfidence is the transcription confidence a streamed chunk must
	// exceed before it is answered.
	StreamConfidence float64
	// StageFanout caps concurrent sub-item calls inside one job stage.
	StageFanout int
	// LatencyWindow is the number of samples kept per stage for quantiles.
	LatencyWindow int

	// Warmup issues one generation and one synthesis call from Start.
	Warmup bool
	// MetricsLogInterval is how often the performance snapshot is logged.
	MetricsLogInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		SessionIdleTimeout:    5 * time.Minute,
		SessionSweepInterval:  30 * time.Second,
		JobGracePeriod:        time.Minute,
		JobStaleCeiling:       time.Hour,
		JobSweepInterval:      5 * time.Minute,
		ResponseTTL:           5 * time.Minute,
		SpeechTTL:             30 * time.Minute,
		TranscriptionTTL:      5 * time.Minute,
		CacheMaxEntries:       4096,
		CacheSweepInterval:    2 * time.Minute,
		ResponsePrefixChars:   50,
		TranscriptionMaxChars: 100,
		CallTimeout:           1500 * time.Millisecond,
		StageTimeout:          60 * time.Second,
		LatencyTarget:         200 * time.Millisecond,
		SpeechMode:            SpeechModeParallel,
		ArtifactTTL:           2 * time.Hour,
		ArtifactMaxEntries:    1024,
		StreamConfidence:      0.7,
		StageFanout:           4,
		LatencyWindow:         256,
		Warmup:                true,
		MetricsLogInterval:    30 * time.Second,
	}
}

// withDefaults fills every zero field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	durations := []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&c.SessionIdleTimeout, d.SessionIdleTimeout},
		{&c.SessionSweepInterval, d.SessionSweepInterval},
		{&c.JobGracePeriod, d.JobGracePeriod},
		{&c.JobStaleCeiling, d.JobStaleCeiling},
		{&c.JobSweepInterval, d.JobSweepInterval},
		{&c.ResponseTTL, d.ResponseTTL},
		{&c.SpeechTTL, d.SpeechTTL},
		{&c.TranscriptionTTL, d.TranscriptionTTL},
		{&c.CacheSweepInterval, d.CacheSweepInterval},
		{&c.CallTimeout, d.CallTimeout},
		{&c.StageTimeout, d.StageTimeout},
		{&c.LatencyTarget, d.LatencyTarget},
		{&c.ArtifactTTL, d.ArtifactTTL},
		{&c.MetricsLogInterval, d.MetricsLogInterval},
	}
	for _, f := range durations {
		if *f.v <= 0 {
			*f.v = f.def
		}
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = d.CacheMaxEntries
	}
	if c.ResponsePrefixChars <= 0 {
		c.ResponsePrefixChars = d.ResponsePrefixChars
	}
	if c.TranscriptionMaxChars <= 0 {
		c.TranscriptionMaxChars = d.TranscriptionMaxChars
	}
	if c.SpeechMode != SpeechModeSequential {
		c.SpeechMode = SpeechModeParallel
	}
	if c.ArtifactMaxEntries <= 0 {
		c.ArtifactMaxEntries = d.ArtifactMaxEntries
	}
	if c.StreamConfidence <= 0 {
		c.StreamConfidence = d.StreamConfidence
	}
	if c.StageFanout <= 0 {
		c.StageFanout = d.StageFanout
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = d.LatencyWindow
	}
	return c
}

// Deps are the collaborators an Engine does not own. Only Capabilities is
// required.
type Deps struct {
	Capabilities capability.Set
	Avatars      avatars.Store
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
}

// Engine is one independent orchestration instance.
type Engine struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	caps    capability.Set
	avatars avatars.Store
	metrics *observability.Metrics
	tracer  *observability.Tracer

	hub      *broadcast.Hub
	sessions *session.Manager
	jobs     *jobs.Manager
	perf     *observability.Performance

	responses      *cache.Tier[Message]
	speech         *cache.Tier[capability.Speech]
	transcriptions *cache.Tier[capability.Transcription]
	speechFlight   singleflight.Group

	artifacts *artifactStore

	mu      sync.Mutex
	runCtx  context.Context
	stop    context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Engine, error) {
	caps := deps.Capabilities
	if caps.Transcriber == nil || caps.Synthesizer == nil || caps.Generator == nil ||
		caps.Images == nil || caps.Videos == nil {
		return nil, fmt.Errorf("capability set is incomplete")
	}
	cfg = cfg.withDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := deps.Avatars
	if store == nil {
		store = avatars.NewInMemoryStore()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = observability.NoopTracer()
	}

	e := &Engine{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		caps:    caps,
		avatars: store,
		metrics: deps.Metrics,
		tracer:  tracer,
		runCtx:  context.Background(),
	}

	hubOpts := []broadcast.Option{broadcast.WithClock(clk)}
	if e.metrics != nil {
		hubOpts = append(hubOpts, broadcast.WithDropObserver(func(_, eventType string) {
			e.metrics.BroadcastDropped.WithLabelValues(eventType).Inc()
		}))
	}
	e.hub = broadcast.NewHub(hubOpts...)
	e.sessions = session.NewManager(clk, e.hub)
	e.sessions.SetEndHook(e.onSessionEnded)
	e.jobs = jobs.NewManager(clk, e.hub, logger)
	e.jobs.SetTerminalHook(e.onJobFinished)
	e.perf = observability.NewPerformance(clk, cfg.LatencyTarget, cfg.LatencyWindow)
	for _, name := range []string{capability.NameGenerate, capability.NameSynthesize, capability.NameTranscribe} {
		e.perf.SetStageTarget(name, cfg.CallTimeout)
	}
	for _, name := range []string{capability.NameImage, capability.NameVideo} {
		e.perf.SetStageTarget(name, cfg.StageTimeout)
	}
	e.perf.SetActiveSources(e.sessions.ActiveCount, e.jobs.ActiveCount)

	var observer cache.LookupObserver
	if e.metrics != nil {
		observer = e.metrics.ObserveCacheLookup
	}
	e.responses = cache.NewTier[Message](cache.TierConfig{
		Name: cache.TierResponse, TTL: cfg.ResponseTTL, MaxEntries: cfg.CacheMaxEntries, Clock: clk, Observer: observer,
	})
	e.speech = cache.NewTier[capability.Speech](cache.TierConfig{
		Name: cache.TierSpeech, TTL: cfg.SpeechTTL, MaxEntries: cfg.CacheMaxEntries, Clock: clk, Observer: observer,
	})
	e.transcriptions = cache.NewTier[capability.Transcription](cache.TierConfig{
		Name: cache.TierTranscription, TTL: cfg.TranscriptionTTL, MaxEntries: cfg.CacheMaxEntries, Clock: clk, Observer: observer,
	})
	e.artifacts = newArtifactStore(cfg.ArtifactMaxEntries, cfg.ArtifactTTL)
	return e, nil
}

// Start launches the idle-session, stale-job and cache sweeps and the
// periodic performance log, each on its own ticker, and the optional warmup.
// Jobs started afterwards run on ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.runCtx, e.stop = context.WithCancel(ctx)
	e.started = true

	e.every(e.runCtx, e.cfg.SessionSweepInterval, func() { e.SweepSessions() })
	e.every(e.runCtx, e.cfg.JobSweepInterval, func() { e.SweepJobs() })
	e.every(e.runCtx, e.cfg.CacheSweepInterval, func() { e.SweepCache() })
	e.every(e.runCtx, e.cfg.MetricsLogInterval, e.LogPerformance)
	if e.cfg.Warmup {
		e.wg.Add(1)
		go func(ctx context.Context) {
			defer e.wg.Done()
			e.warmup(ctx)
		}(e.runCtx)
	}
	e.logger.Info("engine started",
		"session_sweep_interval", e.cfg.SessionSweepInterval,
		"job_sweep_interval", e.cfg.JobSweepInterval,
		"cache_sweep_interval", e.cfg.CacheSweepInterval,
		"warmup", e.cfg.Warmup,
	)
	return nil
}

// Stop cancels the sweeps and running jobs and waits for them to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop := e.stop
	e.stop = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
	e.wg.Wait()
}

func (e *Engine) every(ctx context.Context, interval time.Duration, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (e *Engine) lifetime() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

// SweepSessions ends every session idle for longer than the idle timeout.
func (e *Engine) SweepSessions() []session.Session {
	removed := e.sessions.SweepIdle(e.cfg.SessionIdleTimeout)
	if len(removed) > 0 {
		e.logger.Info("idle sessions swept", "count", len(removed))
	}
	return removed
}

// SweepJobs purges finished jobs past their grace period and force-fails
// jobs running past the stale ceiling.
func (e *Engine) SweepJobs() jobs.SweepReport {
	report := e.jobs.SweepStale(e.cfg.JobGracePeriod, e.cfg.JobStaleCeiling)
	if len(report.Purged) > 0 || len(report.ForceFailed) > 0 {
		e.logger.Info("stale jobs swept", "purged", len(report.Purged), "force_failed", len(report.ForceFailed))
	}
	return report
}

// SweepCache drops expired entries from every tier.
func (e *Engine) SweepCache() int {
	removed := 0
	for _, tier := range []cache.Sweeper{e.responses, e.speech, e.transcriptions} {
		removed += tier.Sweep()
	}
	if removed > 0 {
		e.logger.Debug("cache swept", "removed", removed)
	}
	return removed
}

// LogPerformance writes the aggregate request metrics at info level.
func (e *Engine) LogPerformance() {
	snap := e.perf.Snapshot()
	e.logger.Info("performance",
		"total_requests", snap.TotalRequests,
		"cache_hit_rate", snap.CacheHitRate,
		"avg_response_ms", snap.AvgResponseTimeMS,
		"sub_200ms_rate", snap.Sub200msRate,
		"active_sessions", snap.ActiveSessions,
		"active_jobs", snap.ActiveJobs,
	)
}

// Subscribe attaches a listener to a session or job scope.
func (e *Engine) Subscribe(scope string) (<-chan broadcast.Event, func()) {
	return e.hub.Subscribe(scope)
}

func (e *Engine) PerformanceSnapshot() observability.PerformanceSnapshot {
	return e.perf.Snapshot()
}

func (e *Engine) ActiveSessions() int { return e.sessions.ActiveCount() }

func (e *Engine) onSessionEnded(s session.Session, reason session.EndReason) {
	e.logger.Info("session ended", "session_id", s.ID, "reason", reason, "messages", s.MessageCount)
	if e.metrics == nil {
		return
	}
	e.metrics.SessionEvents.WithLabelValues(string(reason)).Inc()
	e.metrics.ActiveSessions.Set(float64(e.sessions.ActiveCount()))
}

func (e *Engine) onJobFinished(job jobs.Job) {
	attrs := []any{"job_id", job.ID, "kind", job.Kind, "status", job.Status}
	if job.Status == jobs.StatusFailed {
		e.logger.Warn("job failed", append(attrs, "error", job.Error)...)
	} else {
		e.logger.Info("job completed", attrs...)
	}
	if e.metrics == nil {
		return
	}
	e.metrics.JobEvents.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	e.metrics.ActiveJobs.Set(float64(e.jobs.ActiveCount()))
}

// invoke runs one capability call under timeout and records its latency,
// failure reason and span.
func invoke[T any](ctx context.Context, e *Engine, name string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, observability.SpanCapability, attribute.String(observability.AttrCapability, name))
	start := time.Now()
	v, err := fn(ctx)
	elapsed := time.Since(start)
	observability.End(span, err)

	reason := reliability.Classify(err)
	e.perf.ObserveStage(name, elapsed)
	if e.metrics != nil {
		e.metrics.ObserveCapability(name, elapsed, string(reason))
	}
	if err != nil {
		e.logger.Warn("capability call failed",
			"capability", name,
			"reason", reason,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err,
		)
	}
	return v, err
}
