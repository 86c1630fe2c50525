package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a concurrency-safe in-memory cursor store. Cursors live for
// the process lifetime only.
type MemoryStore struct {
	mu sync.RWMutex

	// key: api sensor id, value: last relayed observation time
	cursors map[int]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors: make(map[int]time.Time),
	}
}

// Get returns the cursor for a sensor.
func (s *MemoryStore) Get(_ context.Context, sensorID int) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.cursors[sensorID]
	return ts, ok, nil
}

// Advance moves the sensor's cursor forward; older timestamps are ignored.
func (s *MemoryStore) Advance(_ context.Context, sensorID int, observedAt time.Time) error {
	observedAt = observedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.cursors[sensorID]; ok && !observedAt.After(cur) {
		return nil
	}
	s.cursors[sensorID] = observedAt
	return nil
}

// All returns a copy of every cursor.
func (s *MemoryStore) All(_ context.Context) (map[int]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]time.Time, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
