package avatars

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = time.Hour
)

// CachedStore fronts a backing store with an expiring LRU. Unknown avatars
// resolve to Default and are cached like stored ones.
type CachedStore struct {
	backing Store
	cache   *expirable.LRU[string, Config]
}

func NewCachedStore(backing Store, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedStore{
		backing: backing,
		cache:   expirable.NewLRU[string, Config](size, nil, ttl),
	}
}

func (s *CachedStore) Get(ctx context.Context, avatarID string) (Config, error) {
	if cfg, ok := s.cache.Get(avatarID); ok {
		return cfg, nil
	}
	cfg, err := s.backing.Get(ctx, avatarID)
	switch {
	case errors.Is(err, ErrNotFound):
		cfg = Default(avatarID)
	case err != nil:
		return Config{}, err
	}
	s.cache.Add(avatarID, cfg)
	return cfg, nil
}

func (s *CachedStore) Put(ctx context.Context, cfg Config) error {
	if err := s.backing.Put(ctx, cfg); err != nil {
		return err
	}
	s.cache.Remove(cfg.ID)
	return nil
}

func (s *CachedStore) Close() error { return s.backing.Close() }
