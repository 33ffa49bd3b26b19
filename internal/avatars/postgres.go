package avatars

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps avatar configurations in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmt := `CREATE TABLE IF NOT EXISTS avatars (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		personality TEXT NOT NULL DEFAULT '',
		voice_id TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'en',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init schema failed on %q: %w", stmt, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, avatarID string) (Config, error) {
	var cfg Config
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, personality, voice_id, language FROM avatars WHERE id = $1`,
		avatarID,
	).Scan(&cfg.ID, &cfg.Name, &cfg.Personality, &cfg.VoiceID, &cfg.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, ErrNotFound
	}
	if err != nil {
		return Config{}, fmt.Errorf("get avatar: %w", err)
	}
	return cfg.Normalize(), nil
}

func (s *PostgresStore) Put(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return errors.New("avatar id is required")
	}
	cfg = cfg.Normalize()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO avatars (id, name, personality, voice_id, language)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   personality = EXCLUDED.personality,
		   voice_id = EXCLUDED.voice_id,
		   language = EXCLUDED.language,
		   updated_at = now()`,
		cfg.ID, cfg.Name, cfg.Personality, cfg.VoiceID, cfg.Language,
	)
	if err != nil {
		return fmt.Errorf("put avatar: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
