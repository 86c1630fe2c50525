package hydro

import (
	"context"
	"fmt"
)

// Filter is the only gate preventing duplicate submissions downstream.
// Cursors move only through Commit, after a confirmed relay.
type Filter struct {
	store CursorStore
}

// NewFilter creates a Filter backed by store.
func NewFilter(store CursorStore) *Filter {
	return &Filter{store: store}
}

// Accept reports whether m is strictly newer than the sensor's cursor.
func (f *Filter) Accept(ctx context.Context, m Measurement) (bool, error) {
	last, ok, err := f.store.Get(ctx, m.APISensorID)
	if err != nil {
		return false, fmt.Errorf("read cursor for sensor %d: %w", m.APISensorID, err)
	}
	if !ok {
		return true, nil
	}
	return m.ObservedAt.After(last), nil
}

// Commit advances the sensor's cursor to m.ObservedAt.
func (f *Filter) Commit(ctx context.Context, m Measurement) error {
	if err := f.store.Advance(ctx, m.APISensorID, m.ObservedAt); err != nil {
		return fmt.Errorf("advance cursor for sensor %d: %w", m.APISensorID, err)
	}
	return nil
}
