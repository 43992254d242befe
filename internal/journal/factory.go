package journal

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from databaseURL: empty for in-memory,
// postgres:// or postgresql:// for PostgreSQL, sqlite://<path> for SQLite.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgresStore(ctx, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite journal url %q has no path", databaseURL)
		}
		return NewSQLiteStore(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported journal database url %q", databaseURL)
	}
}
