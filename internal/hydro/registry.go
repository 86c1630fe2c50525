package hydro

import (
	"fmt"
	"strconv"
	"strings"
)

// FOENStationBaseURI is the LINDAS namespace of FOEN hydrological stations.
const FOENStationBaseURI = "https://environment.ld.admin.ch/foen/hydro/station/"

// FOENStation builds a StationConfig from a numeric FOEN station id.
func FOENStation(foenID, apiSensorID int) StationConfig {
	id := strconv.Itoa(foenID)
	return StationConfig{
		LocalID:     id,
		SPARQLURI:   FOENStationBaseURI + id,
		APISensorID: apiSensorID,
	}
}

// Registry holds the configured stations. It is read-only after construction
// and safe for concurrent use.
type Registry struct {
	stations []StationConfig
	byURI    map[string]int
	byLocal  map[string]int
}

// NewRegistry validates the station list and indexes it.
func NewRegistry(stations []StationConfig) (*Registry, error) {
	if len(stations) == 0 {
		return nil, fmt.Errorf("%w: no stations configured", ErrConfiguration)
	}

	r := &Registry{
		stations: make([]StationConfig, 0, len(stations)),
		byURI:    make(map[string]int, len(stations)),
		byLocal:  make(map[string]int, len(stations)),
	}
	sensors := make(map[int]string, len(stations))

	for i, st := range stations {
		st.LocalID = strings.TrimSpace(st.LocalID)
		st.SPARQLURI = strings.TrimSpace(st.SPARQLURI)

		switch {
		case st.LocalID == "":
			return nil, fmt.Errorf("%w: station #%d has no local id", ErrConfiguration, i)
		case st.SPARQLURI == "":
			return nil, fmt.Errorf("%w: station %s has no sparql uri", ErrConfiguration, st.LocalID)
		case st.APISensorID <= 0:
			return nil, fmt.Errorf("%w: station %s has invalid api sensor id %d", ErrConfiguration, st.LocalID, st.APISensorID)
		}

		if _, dup := r.byLocal[st.LocalID]; dup {
			return nil, fmt.Errorf("%w: duplicate local id %s", ErrConfiguration, st.LocalID)
		}
		if other, dup := sensors[st.APISensorID]; dup {
			return nil, fmt.Errorf("%w: api sensor id %d used by %s and %s", ErrConfiguration, st.APISensorID, other, st.LocalID)
		}
		if _, dup := r.byURI[st.SPARQLURI]; dup {
			return nil, fmt.Errorf("%w: duplicate sparql uri %s", ErrConfiguration, st.SPARQLURI)
		}

		r.byLocal[st.LocalID] = len(r.stations)
		r.byURI[st.SPARQLURI] = len(r.stations)
		sensors[st.APISensorID] = st.LocalID
		r.stations = append(r.stations, st)
	}

	return r, nil
}

// ByURI resolves a SPARQL station URI.
func (r *Registry) ByURI(uri string) (StationConfig, bool) {
	i, ok := r.byURI[uri]
	if !ok {
		return StationConfig{}, false
	}
	return r.stations[i], true
}

// ByLocalID resolves a local station identifier.
func (r *Registry) ByLocalID(id string) (StationConfig, bool) {
	i, ok := r.byLocal[id]
	if !ok {
		return StationConfig{}, false
	}
	return r.stations[i], true
}

// Stations returns the stations in configuration order.
func (r *Registry) Stations() []StationConfig {
	out := make([]StationConfig, len(r.stations))
	copy(out, r.stations)
	return out
}

// URIs returns the SPARQL URIs in configuration order.
func (r *Registry) URIs() []string {
	out := make([]string, 0, len(r.stations))
	for _, st := range r.stations {
		out = append(out, st.SPARQLURI)
	}
	return out
}

// Len returns the number of configured stations.
func (r *Registry) Len() int {
	return len(r.stations)
}
