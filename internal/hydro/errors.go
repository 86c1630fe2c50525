package hydro

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfiguration marks an invalid or empty station set. Fatal to a cycle, never retried.
var ErrConfiguration = errors.New("configuration error")

// QueryError is returned when the SPARQL endpoint cannot be queried.
type QueryError struct {
	Batch int
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("sparql query batch %d: %v", e.Batch, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ParseError is returned when a result set is structurally invalid.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid sparql result set: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseWarning describes a single result row that was skipped.
type ParseWarning struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

func (w ParseWarning) String() string {
	return fmt.Sprintf("row %d: %s", w.Row, w.Reason)
}

// UnitError rejects an observation published in a unit we cannot convert.
type UnitError struct {
	Unit string
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unsupported temperature unit %q", e.Unit)
}

// StalenessError rejects an observation outside the accepted time window.
type StalenessError struct {
	ObservedAt time.Time
	Now        time.Time
}

func (e *StalenessError) Error() string {
	if e.ObservedAt.After(e.Now) {
		return fmt.Sprintf("observation at %s is in the future", e.ObservedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("observation at %s is stale (age %s)", e.ObservedAt.Format(time.RFC3339), e.Now.Sub(e.ObservedAt).Round(time.Second))
}

// RelayError is returned by a Relayer. Transient errors were retried up to the
// configured bound before being reported; permanent errors were not retried.
type RelayError struct {
	Transient  bool
	StatusCode int
	Attempts   int
	Err        error
}

func (e *RelayError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s relay failure after %d attempt(s): HTTP %d: %v", kind, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s relay failure after %d attempt(s): %v", kind, e.Attempts, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient relay failure.
func IsTransient(err error) bool {
	var re *RelayError
	return errors.As(err, &re) && re.Transient
}
