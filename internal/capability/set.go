package capability

import (
	"fmt"
	"strings"
	"time"
)

const (
	ModeMock = "mock"
	ModeHTTP = "http"

	TTSAuto  = "auto"
	TTSHTTP  = "http"
	TTSPolly = "polly"
	TTSMock  = "mock"
)

type Config struct {
	Mode            string
	HTTPBaseURL     string
	HTTPFallbackURL string
	HTTPTimeout     time.Duration
	TTSProvider     string
	Polly           PollyConfig
}

// NewSet picks one implementation per port from cfg.
func NewSet(cfg Config) (Set, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeMock
	}

	var set Set
	mock := NewMock()
	switch mode {
	case ModeMock:
		set = MockSet(mock)
	case ModeHTTP:
		if strings.TrimSpace(cfg.HTTPBaseURL) == "" {
			return Set{}, fmt.Errorf("capability mode http requires a base url")
		}
		primary := NewHTTPClient(HTTPConfig{BaseURL: cfg.HTTPBaseURL, Timeout: cfg.HTTPTimeout})
		set = HTTPSet(primary)
		if strings.TrimSpace(cfg.HTTPFallbackURL) != "" {
			fallback := NewHTTPClient(HTTPConfig{BaseURL: cfg.HTTPFallbackURL, Timeout: cfg.HTTPTimeout})
			set.Synthesizer = NewFailoverSynthesizer(primary, fallback)
			set.Generator = NewFailoverGenerator(primary, fallback)
		}
	default:
		return Set{}, fmt.Errorf("unknown capability mode %q", cfg.Mode)
	}

	switch tts := strings.ToLower(strings.TrimSpace(cfg.TTSProvider)); tts {
	case "", TTSAuto:
	case TTSMock:
		set.Synthesizer = mock
	case TTSHTTP:
		if mode != ModeHTTP {
			if strings.TrimSpace(cfg.HTTPBaseURL) == "" {
				return Set{}, fmt.Errorf("tts provider http requires a base url")
			}
			set.Synthesizer = NewHTTPClient(HTTPConfig{BaseURL: cfg.HTTPBaseURL, Timeout: cfg.HTTPTimeout})
		}
	case TTSPolly:
		// Polly is primary; the mode's synthesizer backs it up.
		set.Synthesizer = NewFailoverSynthesizer(NewPollySynthesizer(cfg.Polly), set.Synthesizer)
	default:
		return Set{}, fmt.Errorf("unknown tts provider %q", cfg.TTSProvider)
	}
	return set, nil
}
