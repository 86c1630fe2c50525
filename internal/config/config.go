package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/i474232898/lindas-relay/internal/hydro"
)

const (
	defaultStationsFile   = "config.toml"
	defaultSPARQLEndpoint = "https://lindas.admin.ch/query"
)

var validate = validator.New()

type AppConfig struct {
	AppEnv   string `validate:"oneof=dev prod"`
	LogLevel slog.Level
	Port     string `validate:"required,numeric"`

	StationsFile string
	Stations     []hydro.StationConfig `validate:"required,min=1,dive"`

	SPARQLEndpoint string `validate:"required,url"`
	GfroerliAPIURL string `validate:"required,url"`
	GfroerliAPIKey string

	// FetchInterval controls how often a fetch cycle is triggered.
	FetchInterval time.Duration `validate:"gt=0"`
	HTTPTimeout   time.Duration `validate:"gt=0"`
	CycleTimeout  time.Duration `validate:"gt=0"`

	// Observations older than StalenessBound or newer than now+ClockSkew are skipped.
	StalenessBound time.Duration `validate:"gt=0"`
	ClockSkew      time.Duration `validate:"gte=0"`

	QueryBatchSize   int     `validate:"gt=0"`
	QueryConcurrency int     `validate:"gt=0"`
	SPARQLRateLimit  float64 `validate:"gte=0"` // requests per second, 0 = unlimited

	RelayConcurrency    int           `validate:"gt=0"`
	RelayMaxRetries     int           `validate:"gte=0"`
	RelayBackoffInitial time.Duration `validate:"gt=0"`
	RelayBackoffMax     time.Duration `validate:"gte=0"`

	CursorStore      string `validate:"oneof=memory sqlite postgres"`
	CursorSQLitePath string `validate:"required_if=CursorStore sqlite"`
	DatabaseURL      string `validate:"required_if=CursorStore postgres"`

	MQTTBroker string
	MQTTTopic  string
}

// fileConfig mirrors the TOML stations file.
type fileConfig struct {
	Stations    []stationEntry `toml:"stations"`
	GfroerliAPI struct {
		APIURL string `toml:"api_url"`
		APIKey string `toml:"api_key"`
	} `toml:"gfroerli_api"`
}

// stationEntry accepts either a bare FOEN station id or explicit ids.
type stationEntry struct {
	FOENStationID    int    `toml:"foen_station_id"`
	GfroerliSensorID int    `toml:"gfroerli_sensor_id"`
	LocalID          string `toml:"local_id"`
	SPARQLURI        string `toml:"sparql_uri"`
	APISensorID      int    `toml:"api_sensor_id"`
}

func (e stationEntry) toStation() hydro.StationConfig {
	sensor := e.APISensorID
	if sensor == 0 {
		sensor = e.GfroerliSensorID
	}

	var st hydro.StationConfig
	if e.FOENStationID > 0 {
		st = hydro.FOENStation(e.FOENStationID, sensor)
	}
	st.APISensorID = sensor
	if e.LocalID != "" {
		st.LocalID = e.LocalID
	}
	if e.SPARQLURI != "" {
		st.SPARQLURI = e.SPARQLURI
	}
	return st
}

// Load reads configuration from environment with sensible defaults, then the
// stations file. An empty stationsFile falls back to STATIONS_FILE.
func Load(stationsFile string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
	cfg := &AppConfig{}
	var err error

	cfg.AppEnv = strings.TrimSpace(getenvDefault("APP_ENV", "dev"))
	if cfg.LogLevel, err = ParseLogLevel(getenvDefault("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}
	cfg.Port = getenvDefault("PORT", "8080")

	cfg.StationsFile = stationsFile
	if cfg.StationsFile == "" {
		cfg.StationsFile = getenvDefault("STATIONS_FILE", defaultStationsFile)
	}

	cfg.SPARQLEndpoint = getenvDefault("SPARQL_ENDPOINT", defaultSPARQLEndpoint)

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"FETCH_INTERVAL", "10m", &cfg.FetchInterval},
		{"HTTP_TIMEOUT", "30s", &cfg.HTTPTimeout},
		{"CYCLE_TIMEOUT", "2m", &cfg.CycleTimeout},
		{"STALENESS_BOUND", "24h", &cfg.StalenessBound},
		{"CLOCK_SKEW", "5m", &cfg.ClockSkew},
		{"RELAY_BACKOFF_INITIAL", "500ms", &cfg.RelayBackoffInitial},
		{"RELAY_BACKOFF_MAX", "5s", &cfg.RelayBackoffMax},
	}
	for _, d := range durations {
		if *d.dst, err = getenvDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	cfg.QueryBatchSize = getenvInt("QUERY_BATCH_SIZE", 20)
	cfg.QueryConcurrency = getenvInt("QUERY_CONCURRENCY", 2)
	cfg.RelayConcurrency = getenvInt("RELAY_CONCURRENCY", 4)
	cfg.RelayMaxRetries = getenvInt("RELAY_MAX_RETRIES", 3)
	if cfg.SPARQLRateLimit, err = getenvFloat("SPARQL_RATE_LIMIT", 5); err != nil {
		return nil, err
	}

	cfg.CursorStore = strings.ToLower(getenvDefault("CURSOR_STORE", "memory"))
	cfg.CursorSQLitePath = getenvDefault("CURSOR_SQLITE_PATH", "data/cursors.db")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.MQTTBroker = os.Getenv("MQTT_BROKER")
	cfg.MQTTTopic = getenvDefault("MQTT_TOPIC", "lindas-relay/cycles")

	if err := cfg.loadStationsFile(); err != nil {
		return nil, err
	}

	// Environment wins over the file for the API location and secret.
	if v := os.Getenv("GFROERLI_API_URL"); v != "" {
		cfg.GfroerliAPIURL = v
	}
	if v := os.Getenv("GFROERLI_API_KEY"); v != "" {
		cfg.GfroerliAPIKey = v
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := hydro.NewRegistry(cfg.Stations); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *AppConfig) loadStationsFile() error {
	data, err := os.ReadFile(cfg.StationsFile)
	if err != nil {
		return fmt.Errorf("read stations file: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse stations file %s: %w", cfg.StationsFile, err)
	}

	cfg.Stations = make([]hydro.StationConfig, 0, len(fc.Stations))
	for _, e := range fc.Stations {
		cfg.Stations = append(cfg.Stations, e.toStation())
	}
	cfg.GfroerliAPIURL = fc.GfroerliAPI.APIURL
	cfg.GfroerliAPIKey = fc.GfroerliAPI.APIKey
	return nil
}

// ParseLogLevel maps LOG_LEVEL values onto slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

// Addr returns the listen address as ":PORT".
func (cfg *AppConfig) Addr() string {
	return ":" + cfg.Port
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// IsConfigurationError reports whether err comes from an invalid station set.
func IsConfigurationError(err error) bool {
	return errors.Is(err, hydro.ErrConfiguration)
}
