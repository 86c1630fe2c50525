package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS relay_cursors (
  sensor_id        INTEGER PRIMARY KEY,
  last_observed_at INTEGER NOT NULL,
  updated_at       INTEGER NOT NULL
);`

const sqliteAdvance = `
INSERT INTO relay_cursors (sensor_id, last_observed_at, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (sensor_id) DO UPDATE
SET last_observed_at = MAX(relay_cursors.last_observed_at, excluded.last_observed_at),
    updated_at = excluded.updated_at`

// SQLiteStore persists cursors in a SQLite database so they survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
// path may be a plain file path, a "file:" URI or ":memory:".
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn, err := buildSQLiteDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises writes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func buildSQLiteDSN(path string) (string, error) {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path, nil
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path), nil
}

// Get returns the cursor for a sensor.
func (s *SQLiteStore) Get(ctx context.Context, sensorID int) (time.Time, bool, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_observed_at FROM relay_cursors WHERE sensor_id = ?`, sensorID,
	).Scan(&nanos)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

// Advance moves the sensor's cursor forward; older timestamps are ignored.
func (s *SQLiteStore) Advance(ctx context.Context, sensorID int, observedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, sqliteAdvance, sensorID, observedAt.UnixNano(), time.Now().UnixNano())
	return err
}

// All returns every cursor.
func (s *SQLiteStore) All(ctx context.Context) (map[int]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sensor_id, last_observed_at FROM relay_cursors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var id int
		var nanos int64
		if err := rows.Scan(&id, &nanos); err != nil {
			return nil, err
		}
		out[id] = time.Unix(0, nanos).UTC()
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
