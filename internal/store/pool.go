package store

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool is a fixed-size set of SQLite connections sharing the gateway's
// pragmas and schema. Connections are prepared lazily on first Take.
type pool struct {
	inner *sqlitex.Pool
	path  string
}

func openPool(path string, size int) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if size <= 0 {
		size = 4
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	slog.Info("sqlite pool opened", "path", path, "pool_size", size)
	return &pool{inner: inner, path: path}, nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		slog.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("store: closing %s: %w", p.path, err)
	}
	slog.Info("sqlite pool closed", "path", p.path)
	return nil
}

// prepareConnection runs once per pooled connection.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	return nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS detections (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint_id INTEGER NOT NULL,
		enrolled_at    INTEGER,
		detected_at    INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_detections_fingerprint ON detections(fingerprint_id);
	CREATE INDEX IF NOT EXISTS idx_detections_detected ON detections(detected_at);
`
