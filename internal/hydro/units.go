package hydro

import (
	"strings"
)

// TemperatureUnit is a normalized temperature unit.
type TemperatureUnit string

const (
	Celsius    TemperatureUnit = "degC"
	Kelvin     TemperatureUnit = "K"
	Fahrenheit TemperatureUnit = "degF"
)

// ParseUnit recognizes the unit spellings found in RDF data: short symbols,
// full names and QUDT unit IRIs (http://qudt.org/vocab/unit/DEG_C).
func ParseUnit(s string) (TemperatureUnit, error) {
	u := strings.TrimSpace(s)
	if i := strings.LastIndexAny(u, "/#"); i >= 0 {
		u = u[i+1:]
	}

	switch strings.ToLower(u) {
	case "degc", "deg_c", "°c", "c", "celsius", "degree celsius", "cel":
		return Celsius, nil
	case "k", "kelvin", "kel":
		return Kelvin, nil
	case "degf", "deg_f", "°f", "f", "fahrenheit", "degree fahrenheit", "fah":
		return Fahrenheit, nil
	default:
		return "", &UnitError{Unit: s}
	}
}

// ToCelsius converts value in unit to degrees Celsius.
func ToCelsius(value float64, unit TemperatureUnit) (float64, error) {
	switch unit {
	case Celsius:
		return value, nil
	case Kelvin:
		return value - 273.15, nil
	case Fahrenheit:
		return (value - 32) * 5 / 9, nil
	default:
		return 0, &UnitError{Unit: string(unit)}
	}
}

// FromCelsius converts degrees Celsius to unit.
func FromCelsius(celsius float64, unit TemperatureUnit) (float64, error) {
	switch unit {
	case Celsius:
		return celsius, nil
	case Kelvin:
		return celsius + 273.15, nil
	case Fahrenheit:
		return celsius*9/5 + 32, nil
	default:
		return 0, &UnitError{Unit: string(unit)}
	}
}
