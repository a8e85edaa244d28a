// Package store keeps the fingerprint enrollment and detection history in
// SQLite.
//
// Each row belongs to one fingerprint id. Enroll adds a row with an
// enrollment time and no detection time; the first detection of that id
// fills the pending row, later detections append new rows.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrNotFound is returned when no row matches a fingerprint id.
var ErrNotFound = errors.New("store: fingerprint not found")

// Record is one history row.
type Record struct {
	RowID         int64      `json:"row_id"`
	FingerprintID int        `json:"fingerprint_id"`
	EnrolledAt    *time.Time `json:"enrolled_at,omitempty"`
	DetectedAt    *time.Time `json:"detected_at,omitempty"`
}

// Config holds the parameters for opening a Store.
type Config struct {
	Path     string
	PoolSize int
}

// Store is the detection history. Safe for concurrent use.
type Store struct {
	pool *pool
	now  func() time.Time
}

// Open creates or opens the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	p, err := openPool(cfg.Path, cfg.PoolSize)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, now: time.Now}, nil
}

// Close closes the connection pool. Blocks until borrowed connections
// are returned.
func (s *Store) Close() error {
	return s.pool.close()
}

// Ping checks that a connection can be taken and queried.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	if err := sqlitex.ExecuteTransient(conn, "SELECT 1", nil); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Enroll records that fingerprintID was captured on the sensor.
func (s *Store) Enroll(ctx context.Context, fingerprintID int) (Record, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return Record{}, err
	}
	defer s.pool.put(conn)

	now := s.now()
	err = sqlitex.Execute(conn,
		`INSERT INTO detections (fingerprint_id, enrolled_at) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{fingerprintID, now.UnixNano()}})
	if err != nil {
		return Record{}, fmt.Errorf("store: enroll %d: %w", fingerprintID, err)
	}

	return Record{
		RowID:         conn.LastInsertRowID(),
		FingerprintID: fingerprintID,
		EnrolledAt:    &now,
	}, nil
}

// MarkDetected stamps the detection time on the oldest row of
// fingerprintID still waiting for one, or appends a new row.
func (s *Store) MarkDetected(ctx context.Context, fingerprintID int) (err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.now().UnixNano()

	err = sqlitex.Execute(conn,
		`UPDATE detections SET detected_at = ?
		 WHERE id = (SELECT id FROM detections
		             WHERE fingerprint_id = ? AND detected_at IS NULL
		             ORDER BY id LIMIT 1)`,
		&sqlitex.ExecOptions{Args: []any{now, fingerprintID}})
	if err != nil {
		return fmt.Errorf("store: mark detected %d: %w", fingerprintID, err)
	}
	if conn.Changes() > 0 {
		return nil
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO detections (fingerprint_id, detected_at) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{fingerprintID, now}})
	if err != nil {
		return fmt.Errorf("store: insert detection %d: %w", fingerprintID, err)
	}
	return nil
}

// DeleteFingerprint removes every row of fingerprintID and returns how
// many were removed.
func (s *Store) DeleteFingerprint(ctx context.Context, fingerprintID int) (int, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM detections WHERE fingerprint_id = ?`,
		&sqlitex.ExecOptions{Args: []any{fingerprintID}})
	if err != nil {
		return 0, fmt.Errorf("store: delete %d: %w", fingerprintID, err)
	}

	n := conn.Changes()
	if n == 0 {
		return 0, fmt.Errorf("%w: %d", ErrNotFound, fingerprintID)
	}
	return n, nil
}

// Recent returns the latest detections, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.query(ctx,
		`SELECT id, fingerprint_id, enrolled_at, detected_at FROM detections
		 WHERE detected_at IS NOT NULL
		 ORDER BY detected_at DESC, id DESC LIMIT ?`,
		limit)
}

// List returns all rows in insertion order, or only those of
// *fingerprintID when it is non-nil.
func (s *Store) List(ctx context.Context, fingerprintID *int) ([]Record, error) {
	if fingerprintID == nil {
		return s.query(ctx,
			`SELECT id, fingerprint_id, enrolled_at, detected_at FROM detections ORDER BY id`)
	}
	return s.query(ctx,
		`SELECT id, fingerprint_id, enrolled_at, detected_at FROM detections
		 WHERE fingerprint_id = ? ORDER BY id`,
		*fingerprintID)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	records := []Record{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, Record{
				RowID:         stmt.ColumnInt64(0),
				FingerprintID: stmt.ColumnInt(1),
				EnrolledAt:    columnTime(stmt, 2),
				DetectedAt:    columnTime(stmt, 3),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	return records, nil
}

func columnTime(stmt *sqlite.Stmt, col int) *time.Time {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	t := time.Unix(0, stmt.ColumnInt64(col))
	return &t
}
