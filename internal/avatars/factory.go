package avatars

import (
	"context"
	"strings"
)

// NewStore picks a backend from url: empty selects in-memory, a postgres://
// or postgresql:// url selects PostgreSQL, anything else is a SQLite path
// (an optional sqlite:// prefix is stripped).
func NewStore(ctx context.Context, url string) (Store, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	default:
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	}
}
