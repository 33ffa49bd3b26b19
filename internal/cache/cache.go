// Package cache holds the expiring lookup tiers in front of the slow
// backends. Each tier is a separate capacity-bounded LRU so keys of
// different tiers can never collide.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ent0n29/avatarcore/internal/clock"
)

const (
	TierResponse      = "response"
	TierSpeech        = "speech"
	TierTranscription = "transcription"

	defaultMaxEntries = 4096
)

// LookupObserver is notified on every Get; used for hit/miss counters.
type LookupObserver func(tier string, hit bool)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Tier is one named namespace of the cache.
type Tier[V any] struct {
	// mu orders writes against expiry removal; reads take no lock.
	mu       sync.Mutex
	name     string
	ttl      time.Duration
	entries  *lru.Cache[string, entry[V]]
	clock    clock.Clock
	observer LookupObserver
}

type TierConfig struct {
	Name       string
	TTL        time.Duration
	MaxEntries int
	Clock      clock.Clock
	Observer   LookupObserver
}

func NewTier[V any](cfg TierConfig) *Tier[V] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	entries, err := lru.New[string, entry[V]](cfg.MaxEntries)
	if err != nil {
		// Only returned for non-positive sizes, which are clamped above.
		panic(err)
	}
	return &Tier[V]{
		name:     cfg.Name,
		ttl:      cfg.TTL,
		entries:  entries,
		clock:    cfg.Clock,
		observer: cfg.Observer,
	}
}

func (t *Tier[V]) Name() string { return t.name }

// Get returns the live value for key. Expired entries are evicted on read
// unless a Set replaced them in the meantime.
func (t *Tier[V]) Get(key string) (V, bool) {
	var zero V
	e, ok := t.entries.Get(key)
	if ok && !t.clock.Now().Before(e.expiresAt) {
		t.removeIfUnchanged(key, e.expiresAt)
		ok = false
	}
	if t.observer != nil {
		t.observer(t.name, ok)
	}
	if !ok {
		return zero, false
	}
	return e.value, true
}

// Set stores value under key. A non-positive ttl selects the tier default.
func (t *Tier[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.ttl
	}
	if ttl <= 0 {
		return
	}
	t.mu.Lock()
	t.entries.Add(key, entry[V]{value: value, expiresAt: t.clock.Now().Add(ttl)})
	t.mu.Unlock()
}

// removeIfUnchanged drops key only if it still holds the entry stamped
// expiresAt.
func (t *Tier[V]) removeIfUnchanged(key string, expiresAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.entries.Peek(key)
	if !ok || !cur.expiresAt.Equal(expiresAt) {
		return false
	}
	return t.entries.Remove(key)
}

// Sweep drops every expired entry and returns how many were removed.
func (t *Tier[V]) Sweep() int {
	now := t.clock.Now()
	removed := 0
	for _, key := range t.entries.Keys() {
		e, ok := t.entries.Peek(key)
		if ok && !now.Before(e.expiresAt) && t.removeIfUnchanged(key, e.expiresAt) {
			removed++
		}
	}
	return removed
}

// Len counts stored entries, including expired ones not yet swept.
func (t *Tier[V]) Len() int { return t.entries.Len() }

// Sweeper is implemented by every Tier regardless of its value type.
type Sweeper interface {
	Name() string
	Sweep() int
}

// ResponseKey approximates "same question in the same session": the session
// id plus the first n runes of the normalised text.
func ResponseKey(sessionID, text string, n int) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if n > 0 {
		if r := []rune(norm); len(r) > n {
			norm = string(r[:n])
		}
	}
	return sessionID + "_" + norm
}

// SpeechKey is the literal text, scoped by voice when one is given.
func SpeechKey(voiceID, text string) string {
	if voiceID == "" {
		return text
	}
	return voiceID + "|" + text
}

// TranscriptionKey is the first 32 hex characters of SHA-256(audio).
func TranscriptionKey(audio []byte) string {
	sum := sha256.Sum256(audio)
	return hex.EncodeToString(sum[:])[:32]
}
