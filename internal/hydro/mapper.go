package hydro

import (
	"time"
)

// Mapper turns raw observations into downstream measurements.
type Mapper struct {
	Registry *Registry

	// StalenessBound rejects observations older than now-StalenessBound.
	StalenessBound time.Duration
	// ClockSkew tolerates observations slightly ahead of the local clock.
	ClockSkew time.Duration

	Now func() time.Time
}

// MapResult is the per-station result of mapping one cycle's observations.
// A configured station appears in at most one of Candidates or Rejected.
type MapResult struct {
	Candidates map[string]Measurement // keyed by local id
	Rejected   map[string]Outcome     // keyed by local id
	Unknown    []string               // station URIs not in the registry
	Names      map[string]string      // station names published upstream, keyed by local id
}

// Map resolves, deduplicates, normalizes and validates observations.
// When several rows exist for one station the latest timestamp wins; on an
// exact tie the first row in response order wins.
func (m *Mapper) Map(obs []RawObservation) MapResult {
	res := MapResult{
		Candidates: make(map[string]Measurement),
		Rejected:   make(map[string]Outcome),
		Names:      make(map[string]string),
	}

	best := make(map[string]RawObservation)
	order := make([]string, 0, len(obs))
	for _, o := range obs {
		st, ok := m.Registry.ByURI(o.StationURI)
		if !ok {
			res.Unknown = append(res.Unknown, o.StationURI)
			continue
		}
		if _, named := res.Names[st.LocalID]; !named && o.StationName != "" {
			res.Names[st.LocalID] = o.StationName
		}
		prev, seen := best[st.LocalID]
		if !seen {
			order = append(order, st.LocalID)
			best[st.LocalID] = o
			continue
		}
		if o.ObservedAt.After(prev.ObservedAt) {
			best[st.LocalID] = o
		}
	}

	now := m.now()
	for _, id := range order {
		st, _ := m.Registry.ByLocalID(id)
		o := best[id]

		unit, err := ParseUnit(o.Unit)
		if err != nil {
			res.Rejected[id] = failed(st, err)
			continue
		}
		celsius, err := ToCelsius(o.Value, unit)
		if err != nil {
			res.Rejected[id] = failed(st, err)
			continue
		}

		// Cursor stores keep microsecond precision at best.
		ts := o.ObservedAt.UTC().Truncate(time.Microsecond)
		if err := m.checkFreshness(ts, now); err != nil {
			res.Rejected[id] = skipped(st, SkipStale, err)
			continue
		}

		res.Candidates[id] = Measurement{
			APISensorID:        st.APISensorID,
			ObservedAt:         ts,
			TemperatureCelsius: celsius,
		}
	}

	return res
}

func (m *Mapper) checkFreshness(ts, now time.Time) error {
	if m.StalenessBound > 0 && ts.Before(now.Add(-m.StalenessBound)) {
		return &StalenessError{ObservedAt: ts, Now: now}
	}
	if ts.After(now.Add(m.ClockSkew)) {
		return &StalenessError{ObservedAt: ts, Now: now}
	}
	return nil
}

func (m *Mapper) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}
