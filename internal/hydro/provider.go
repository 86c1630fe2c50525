package hydro

import (
	"context"
	"time"
)

// ParseResult is what a Source yields for one cycle.
type ParseResult struct {
	Observations []RawObservation
	Warnings     []ParseWarning
}

// Source abstracts the upstream observation feed (the LINDAS SPARQL endpoint).
// It returns a *QueryError or *ParseError when the cycle has to be aborted.
type Source interface {
	Fetch(ctx context.Context, stationURIs []string) (ParseResult, error)
}

// Relayer submits a single measurement downstream. Errors are *RelayError.
type Relayer interface {
	Relay(ctx context.Context, m Measurement) error
}

// CursorStore is the contract the in-memory store (and the persistent stores) must satisfy.
// Advance must never move a cursor backwards.
type CursorStore interface {
	Get(ctx context.Context, sensorID int) (time.Time, bool, error)
	Advance(ctx context.Context, sensorID int, observedAt time.Time) error
	All(ctx context.Context) (map[int]time.Time, error)
}

// Reporter receives the summary of every finished cycle.
type Reporter interface {
	Report(ctx context.Context, summary CycleSummary)
}
