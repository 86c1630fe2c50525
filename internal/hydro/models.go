package hydro

import (
	"time"
)

// StationConfig maps a local station identifier to its upstream and downstream ids.
// Immutable once loaded into a Registry.
type StationConfig struct {
	LocalID     string `json:"localId" toml:"local_id" validate:"required"`
	SPARQLURI   string `json:"sparqlUri" toml:"sparql_uri" validate:"required,uri"`
	APISensorID int    `json:"apiSensorId" toml:"api_sensor_id" validate:"gt=0"`
}

// RawObservation is a single row of the SPARQL result set, before mapping.
type RawObservation struct {
	StationURI  string
	StationName string    // optional
	ObservedAt  time.Time // always UTC
	Value       float64
	Unit        string
}

// Measurement is what gets relayed downstream.
type Measurement struct {
	APISensorID        int       `json:"apiSensorId"`
	ObservedAt         time.Time `json:"observedAt"` // always UTC
	TemperatureCelsius float64   `json:"temperatureCelsius"`
}

// OutcomeKind is the per-station result of a fetch cycle.
type OutcomeKind string

const (
	OutcomeRelayed OutcomeKind = "relayed"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeFailed  OutcomeKind = "failed"
)

// SkipReason explains a skipped outcome.
type SkipReason string

const (
	SkipDuplicate SkipReason = "duplicate"
	SkipStale     SkipReason = "stale"
	SkipNoData    SkipReason = "no-data"
)

// Outcome is produced once per configured station per cycle.
type Outcome struct {
	LocalID     string      `json:"localId"`
	APISensorID int         `json:"apiSensorId"`
	Name        string      `json:"name,omitempty"`
	Kind        OutcomeKind `json:"result"`
	Reason      SkipReason  `json:"reason,omitempty"`
	ObservedAt  *time.Time  `json:"observedAt,omitempty"`
	Error       string      `json:"error,omitempty"`

	Err error `json:"-"`
}

func relayed(st StationConfig, m Measurement) Outcome {
	ts := m.ObservedAt
	return Outcome{LocalID: st.LocalID, APISensorID: st.APISensorID, Kind: OutcomeRelayed, ObservedAt: &ts}
}

func skipped(st StationConfig, reason SkipReason, err error) Outcome {
	o := Outcome{LocalID: st.LocalID, APISensorID: st.APISensorID, Kind: OutcomeSkipped, Reason: reason, Err: err}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

func failed(st StationConfig, err error) Outcome {
	return Outcome{LocalID: st.LocalID, APISensorID: st.APISensorID, Kind: OutcomeFailed, Err: err, Error: err.Error()}
}

// CycleSummary aggregates the outcomes of one fetch cycle.
type CycleSummary struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	Relayed  int `json:"relayed"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Warnings int `json:"warnings"`

	Outcomes []Outcome `json:"outcomes"`

	// Err is set when the whole cycle was aborted (configuration, query or parse failure).
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Duration returns how long the cycle took.
func (s CycleSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Aborted reports whether the cycle failed as a whole.
func (s CycleSummary) Aborted() bool {
	return s.Err != nil
}
