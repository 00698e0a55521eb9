package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLite opens a SQLite database at path. Use ":memory:" for an ephemeral
// database. The handle is limited to a single connection because an
// in-memory SQLite database exists per connection.
func NewSQLite(ctx context.Context, path string) (*sql.DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("platform/db: open sqlite: %w", err)
	}
	handle.SetMaxOpenConns(1)
	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("platform/db: ping sqlite: %w", err)
	}
	return handle, nil
}
