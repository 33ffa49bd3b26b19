package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/avatarcore/internal/capability"
	"github.com/ent0n29/avatarcore/internal/observability"
	"github.com/ent0n29/avatarcore/internal/orchestrator"
)

// Config contains all runtime settings for the avatar service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	UploadMaxBytes   int64

	LogLevel  string
	LogFormat string

	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration

	JobGracePeriod   time.Duration
	JobStaleCeiling  time.Duration
	JobSweepInterval time.Duration

	CacheResponseTTL           time.Duration
	CacheSpeechTTL             time.Duration
	CacheTranscriptionTTL      time.Duration
	CacheMaxEntries            int
	CacheSweepInterval         time.Duration
	CacheResponsePrefixChars   int
	CacheTranscriptionMaxChars int

	PipelineCallTimeout   time.Duration
	PipelineStageTimeout  time.Duration
	PipelineLatencyTarget time.Duration
	PipelineSpeechMode    string
	PipelineWarmup        bool

	MetricsLogInterval time.Duration

	ArtifactTTL time.Duration

	CapabilityMode            string
	CapabilityHTTPBaseURL     string
	CapabilityHTTPFallbackURL string
	CapabilityHTTPTimeout     time.Duration
	TTSProvider               string

	PollyRegion string
	PollyVoice  string
	PollyEngine string

	AvatarStoreURL string
	AvatarCacheTTL time.Duration

	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                  envOrDefault("APP_BIND_ADDR", ":3003"),
		MetricsNamespace:          envOrDefault("APP_METRICS_NAMESPACE", "avatarcore"),
		LogLevel:                  envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:                 envOrDefault("APP_LOG_FORMAT", "text"),
		PipelineSpeechMode:        strings.ToLower(envOrDefault("PIPELINE_SPEECH_MODE", orchestrator.SpeechModeParallel)),
		CapabilityMode:            strings.ToLower(envOrDefault("CAPABILITY_MODE", capability.ModeMock)),
		CapabilityHTTPBaseURL:     stringsTrimSpace("CAPABILITY_HTTP_BASE_URL"),
		CapabilityHTTPFallbackURL: stringsTrimSpace("CAPABILITY_HTTP_FALLBACK_URL"),
		TTSProvider:               strings.ToLower(envOrDefault("TTS_PROVIDER", capability.TTSAuto)),
		PollyRegion:               envOrDefault("POLLY_REGION", "us-east-1"),
		PollyVoice:                envOrDefault("POLLY_VOICE", "Joanna"),
		PollyEngine:               envOrDefault("POLLY_ENGINE", "neural"),
		AvatarStoreURL:            stringsTrimSpace("AVATAR_STORE_URL"),
		TracingEndpoint:           envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		TracingSampleRate:         1,
		UploadMaxBytes:            25 << 20,
		ShutdownTimeout:           15 * time.Second,
		CapabilityHTTPTimeout:     30 * time.Second,
		AvatarCacheTTL:            time.Hour,
	}
	eng := orchestrator.DefaultConfig()
	cfg.SessionIdleTimeout = eng.SessionIdleTimeout
	cfg.SessionSweepInterval = eng.SessionSweepInterval
	cfg.JobGracePeriod = eng.JobGracePeriod
	cfg.JobStaleCeiling = eng.JobStaleCeiling
	cfg.JobSweepInterval = eng.JobSweepInterval
	cfg.CacheResponseTTL = eng.ResponseTTL
	cfg.CacheSpeechTTL = eng.SpeechTTL
	cfg.CacheTranscriptionTTL = eng.TranscriptionTTL
	cfg.CacheMaxEntries = eng.CacheMaxEntries
	cfg.CacheSweepInterval = eng.CacheSweepInterval
	cfg.CacheResponsePrefixChars = eng.ResponsePrefixChars
	cfg.CacheTranscriptionMaxChars = eng.TranscriptionMaxChars
	cfg.PipelineCallTimeout = eng.CallTimeout
	cfg.PipelineStageTimeout = eng.StageTimeout
	cfg.PipelineLatencyTarget = eng.LatencyTarget
	cfg.ArtifactTTL = eng.ArtifactTTL
	cfg.PipelineWarmup = eng.Warmup
	cfg.MetricsLogInterval = eng.MetricsLogInterval

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_IDLE_TIMEOUT", &cfg.SessionIdleTimeout},
		{"SESSION_SWEEP_INTERVAL", &cfg.SessionSweepInterval},
		{"JOB_GRACE_PERIOD", &cfg.JobGracePeriod},
		{"JOB_STALE_CEILING", &cfg.JobStaleCeiling},
		{"JOB_SWEEP_INTERVAL", &cfg.JobSweepInterval},
		{"CACHE_RESPONSE_TTL", &cfg.CacheResponseTTL},
		{"CACHE_SPEECH_TTL", &cfg.CacheSpeechTTL},
		{"CACHE_TRANSCRIPTION_TTL", &cfg.CacheTranscriptionTTL},
		{"CACHE_SWEEP_INTERVAL", &cfg.CacheSweepInterval},
		{"PIPELINE_CALL_TIMEOUT", &cfg.PipelineCallTimeout},
		{"PIPELINE_STAGE_TIMEOUT", &cfg.PipelineStageTimeout},
		{"PIPELINE_LATENCY_TARGET", &cfg.PipelineLatencyTarget},
		{"ARTIFACT_TTL", &cfg.ArtifactTTL},
		{"METRICS_LOG_INTERVAL", &cfg.MetricsLogInterval},
		{"CAPABILITY_HTTP_TIMEOUT", &cfg.CapabilityHTTPTimeout},
		{"AVATAR_CACHE_TTL", &cfg.AvatarCacheTTL},
	}
	var err error
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CACHE_MAX_ENTRIES", &cfg.CacheMaxEntries},
		{"CACHE_RESPONSE_PREFIX_CHARS", &cfg.CacheResponsePrefixChars},
		{"CACHE_TRANSCRIPTION_MAX_CHARS", &cfg.CacheTranscriptionMaxChars},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	uploadMax, err := intFromEnv("UPLOAD_MAX_BYTES", int(cfg.UploadMaxBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.UploadMaxBytes = int64(uploadMax)

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PipelineWarmup, err = boolFromEnv("PIPELINE_WARMUP", cfg.PipelineWarmup)
	if err != nil {
		return Config{}, err
	}
	cfg.TracingEnabled, err = boolFromEnv("TRACING_ENABLED", cfg.TracingEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.TracingSampleRate, err = floatFromEnv("TRACING_SAMPLE_RATE", cfg.TracingSampleRate)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionIdleTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	positive := []struct {
		key string
		d   time.Duration
	}{
		{"SESSION_SWEEP_INTERVAL", c.SessionSweepInterval},
		{"JOB_SWEEP_INTERVAL", c.JobSweepInterval},
		{"CACHE_SWEEP_INTERVAL", c.CacheSweepInterval},
		{"METRICS_LOG_INTERVAL", c.MetricsLogInterval},
		{"PIPELINE_CALL_TIMEOUT", c.PipelineCallTimeout},
		{"PIPELINE_STAGE_TIMEOUT", c.PipelineStageTimeout},
		{"CACHE_RESPONSE_TTL", c.CacheResponseTTL},
		{"CACHE_SPEECH_TTL", c.CacheSpeechTTL},
		{"CACHE_TRANSCRIPTION_TTL", c.CacheTranscriptionTTL},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive", p.key)
		}
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive")
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive")
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be between 0 and 1")
	}
	switch c.PipelineSpeechMode {
	case orchestrator.SpeechModeParallel, orchestrator.SpeechModeSequential:
	default:
		return fmt.Errorf("PIPELINE_SPEECH_MODE must be parallel or sequential")
	}
	switch c.CapabilityMode {
	case capability.ModeMock:
	case capability.ModeHTTP:
		if c.CapabilityHTTPBaseURL == "" {
			return fmt.Errorf("CAPABILITY_HTTP_BASE_URL is required when CAPABILITY_MODE=http")
		}
	default:
		return fmt.Errorf("CAPABILITY_MODE must be mock or http")
	}
	switch c.TTSProvider {
	case capability.TTSAuto, capability.TTSHTTP, capability.TTSPolly, capability.TTSMock:
	default:
		return fmt.Errorf("TTS_PROVIDER must be auto, http, polly or mock")
	}
	return nil
}

// Engine maps the pipeline, cache, session and job settings onto the
// coordinator configuration.
func (c Config) Engine() orchestrator.Config {
	eng := orchestrator.DefaultConfig()
	eng.SessionIdleTimeout = c.SessionIdleTimeout
	eng.SessionSweepInterval = c.SessionSweepInterval
	eng.JobGracePeriod = c.JobGracePeriod
	eng.JobStaleCeiling = c.JobStaleCeiling
	eng.JobSweepInterval = c.JobSweepInterval
	eng.ResponseTTL = c.CacheResponseTTL
	eng.SpeechTTL = c.CacheSpeechTTL
	eng.TranscriptionTTL = c.CacheTranscriptionTTL
	eng.CacheMaxEntries = c.CacheMaxEntries
	eng.CacheSweepInterval = c.CacheSweepInterval
	eng.ResponsePrefixChars = c.CacheResponsePrefixChars
	eng.TranscriptionMaxChars = c.CacheTranscriptionMaxChars
	eng.CallTimeout = c.PipelineCallTimeout
	eng.StageTimeout = c.PipelineStageTimeout
	eng.LatencyTarget = c.PipelineLatencyTarget
	eng.SpeechMode = c.PipelineSpeechMode
	eng.ArtifactTTL = c.ArtifactTTL
	eng.Warmup = c.PipelineWarmup
	eng.MetricsLogInterval = c.MetricsLogInterval
	return eng
}

func (c Config) Capabilities() capability.Config {
	return capability.Config{
		Mode:            c.CapabilityMode,
		HTTPBaseURL:     c.CapabilityHTTPBaseURL,
		HTTPFallbackURL: c.CapabilityHTTPFallbackURL,
		HTTPTimeout:     c.CapabilityHTTPTimeout,
		TTSProvider:     c.TTSProvider,
		Polly: capability.PollyConfig{
			Region:  c.PollyRegion,
			VoiceID: c.PollyVoice,
			Engine:  c.PollyEngine,
		},
	}
}

func (c Config) Logging() observability.LogConfig {
	return observability.LogConfig{Level: c.LogLevel, Format: c.LogFormat}
}

func (c Config) Tracing(version string) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:        c.TracingEnabled,
		OTLPEndpoint:   c.TracingEndpoint,
		ServiceName:    "avatarcore",
		ServiceVersion: version,
		SampleRate:     c.TracingSampleRate,
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
