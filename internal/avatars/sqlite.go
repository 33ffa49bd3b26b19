package avatars

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps avatar configurations in an embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS avatars (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		personality TEXT NOT NULL DEFAULT '',
		voice_id TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'en',
		updated_at INTEGER NOT NULL
	);`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, avatarID string) (Config, error) {
	var cfg Config
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, personality, voice_id, language FROM avatars WHERE id = ?`,
		avatarID,
	).Scan(&cfg.ID, &cfg.Name, &cfg.Personality, &cfg.VoiceID, &cfg.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return Config{}, ErrNotFound
	}
	if err != nil {
		return Config{}, fmt.Errorf("scan avatar row: %w", err)
	}
	return cfg.Normalize(), nil
}

func (s *SQLiteStore) Put(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return errors.New("avatar id is required")
	}
	cfg = cfg.Normalize()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO avatars (id, name, personality, voice_id, language, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			personality = excluded.personality,
			voice_id = excluded.voice_id,
			language = excluded.language,
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.Name, cfg.Personality, cfg.VoiceID, cfg.Language, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert avatar: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
