package avatars

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// InMemoryStore is a simple in-process avatar store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	configs map[string]Config
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{configs: make(map[string]Config)}
}

func (s *InMemoryStore) Get(_ context.Context, avatarID string) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[avatarID]
	if !ok {
		return Config{}, ErrNotFound
	}
	return cfg, nil
}

func (s *InMemoryStore) Put(_ context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return errors.New("avatar id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = cfg.Normalize()
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
