package avatars

import (
	"context"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("avatar not found")

const (
	DefaultPersonality = "Friendly and helpful assistant"
	DefaultVoiceID     = "default"
	DefaultLanguage    = "en"
)

// Config is the immutable persona a session talks through.
type Config struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Personality string `json:"personality"`
	VoiceID     string `json:"voiceId"`
	Language    string `json:"language"`
}

// Default is the profile served for avatars that have no stored config.
func Default(avatarID string) Config {
	return Config{
		ID:          avatarID,
		Personality: DefaultPersonality,
		VoiceID:     DefaultVoiceID,
		Language:    DefaultLanguage,
	}
}

// Normalize fills empty fields with defaults.
func (c Config) Normalize() Config {
	if strings.TrimSpace(c.Personality) == "" {
		c.Personality = DefaultPersonality
	}
	if strings.TrimSpace(c.VoiceID) == "" {
		c.VoiceID = DefaultVoiceID
	}
	if strings.TrimSpace(c.Language) == "" {
		c.Language = DefaultLanguage
	}
	return c
}

// Store persists avatar configurations.
type Store interface {
	Get(ctx context.Context, avatarID string) (Config, error)
	Put(ctx context.Context, cfg Config) error
	Close() error
}
