package lindas

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/lindas-relay/internal/hydro"
)

// Result variables bound by the query.
const (
	VarStation     = "station"
	VarTime        = "time"
	VarTemperature = "temperature"
	VarUnit        = "unit"
	VarName        = "name"
)

// DefaultUnit applies when a row does not bind ?unit; the LINDAS hydro
// water temperature dimension is published in degrees Celsius.
const DefaultUnit = "degC"

// binding is one RDF term in the SPARQL 1.1 JSON results format.
type binding struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
	Lang     string `json:"xml:lang,omitempty"`
}

type resultSet struct {
	Head *struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results *struct {
		Bindings []map[string]binding `json:"bindings"`
	} `json:"results"`
}

// ParseResults decodes an application/sparql-results+json document. Rows
// missing a required binding or carrying unparseable values are skipped with a
// warning; only a structurally invalid document yields a *hydro.ParseError.
func ParseResults(r io.Reader) (hydro.ParseResult, error) {
	var rs resultSet
	if err := json.NewDecoder(r).Decode(&rs); err != nil {
		return hydro.ParseResult{}, &hydro.ParseError{Err: err}
	}
	if rs.Head == nil {
		return hydro.ParseResult{}, &hydro.ParseError{Err: errors.New("missing head")}
	}
	if rs.Results == nil || rs.Results.Bindings == nil {
		return hydro.ParseResult{}, &hydro.ParseError{Err: errors.New("missing results.bindings")}
	}

	out := hydro.ParseResult{
		Observations: make([]hydro.RawObservation, 0, len(rs.Results.Bindings)),
	}
	for i, row := range rs.Results.Bindings {
		obs, err := parseRow(row)
		if err != nil {
			out.Warnings = append(out.Warnings, hydro.ParseWarning{Row: i, Reason: err.Error()})
			continue
		}
		out.Observations = append(out.Observations, obs)
	}
	return out, nil
}

func parseRow(row map[string]binding) (hydro.RawObservation, error) {
	station, err := required(row, VarStation)
	if err != nil {
		return hydro.RawObservation{}, err
	}
	rawTime, err := required(row, VarTime)
	if err != nil {
		return hydro.RawObservation{}, err
	}
	rawValue, err := required(row, VarTemperature)
	if err != nil {
		return hydro.RawObservation{}, err
	}

	ts, err := ParseTimestamp(rawTime)
	if err != nil {
		return hydro.RawObservation{}, err
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(rawValue), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return hydro.RawObservation{}, fmt.Errorf("invalid %s value %q", VarTemperature, rawValue)
	}

	unit := DefaultUnit
	if b, ok := row[VarUnit]; ok && strings.TrimSpace(b.Value) != "" {
		unit = strings.TrimSpace(b.Value)
	}

	return hydro.RawObservation{
		StationURI:  strings.TrimSpace(station),
		StationName: strings.TrimSpace(row[VarName].Value),
		ObservedAt:  ts,
		Value:       value,
		Unit:        unit,
	}, nil
}

func required(row map[string]binding, name string) (string, error) {
	b, ok := row[name]
	if !ok || strings.TrimSpace(b.Value) == "" {
		return "", fmt.Errorf("missing binding ?%s", name)
	}
	return b.Value, nil
}

// ParseTimestamp reads an xsd:dateTime literal. Literals without a zone are
// taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid %s literal %q", VarTime, s)
}
