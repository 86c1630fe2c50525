package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS relay_cursors (
  sensor_id        INTEGER PRIMARY KEY,
  last_observed_at TIMESTAMPTZ NOT NULL,
  updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const postgresAdvance = `
INSERT INTO relay_cursors (sensor_id, last_observed_at, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (sensor_id) DO UPDATE
SET last_observed_at = GREATEST(relay_cursors.last_observed_at, EXCLUDED.last_observed_at),
    updated_at = NOW()`

// PostgresStore persists cursors in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and ensures the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Get returns the cursor for a sensor.
func (s *PostgresStore) Get(ctx context.Context, sensorID int) (time.Time, bool, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_observed_at FROM relay_cursors WHERE sensor_id = $1`, sensorID,
	).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return ts.UTC(), true, nil
}

// Advance moves the sensor's cursor forward; older timestamps are ignored.
func (s *PostgresStore) Advance(ctx context.Context, sensorID int, observedAt time.Time) error {
	_, err := s.pool.Exec(ctx, postgresAdvance, sensorID, observedAt.UTC())
	return err
}

// All returns every cursor.
func (s *PostgresStore) All(ctx context.Context) (map[int]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT sensor_id, last_observed_at FROM relay_cursors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var id int
		var ts time.Time
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id] = ts.UTC()
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
