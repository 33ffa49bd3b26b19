package avatars

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestInMemoryStoreGetPut(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Get(context.Background(), "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if err := s.Put(context.Background(), Config{ID: "a1", Personality: "Cheerful tutor"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := s.Get(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Personality != "Cheerful tutor" || got.VoiceID != DefaultVoiceID || got.Language != DefaultLanguage {
		t.Fatalf("unexpected config: %+v", got)
	}
	if err := s.Put(context.Background(), Config{}); err == nil {
		t.Fatalf("Put() with empty id should fail")
	}
}

type countingStore struct {
	Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, id string) (Config, error) {
	c.gets++
	return c.Store.Get(ctx, id)
}

func TestCachedStoreFallsBackToDefaultAndCaches(t *testing.T) {
	backing := &countingStore{Store: NewInMemoryStore()}
	s := NewCachedStore(backing, 8, time.Minute)

	for i := 0; i < 3; i++ {
		got, err := s.Get(context.Background(), "unknown")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got != Default("unknown") {
			t.Fatalf("Get() = %+v, want default profile", got)
		}
	}
	if backing.gets != 1 {
		t.Fatalf("backing gets = %d, want 1", backing.gets)
	}
}

func TestCachedStorePutInvalidates(t *testing.T) {
	s := NewCachedStore(NewInMemoryStore(), 8, time.Minute)
	ctx := context.Background()
	if _, err := s.Get(ctx, "a1"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := s.Put(ctx, Config{ID: "a1", Personality: "Stoic"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Personality != "Stoic" {
		t.Fatalf("Personality = %q, want Stoic", got.Personality)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, "sqlite://"+filepath.Join(t.TempDir(), "avatars.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s.Close()

	if _, err := s.Get(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	in := Config{ID: "a1", Name: "Ava", Personality: "Calm guide", VoiceID: "Joanna", Language: "en"}
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	in.Personality = "Upbeat guide"
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("Put() upsert error = %v", err)
	}
	got, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != in {
		t.Fatalf("Get() = %+v, want %+v", got, in)
	}
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore(\"\") = %T, want *InMemoryStore", s)
	}
}
