package gfroerli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/lindas-relay/internal/common"
	"github.com/i474232898/lindas-relay/internal/hydro"
)

// Config holds the ingestion API location and retry policy.
type Config struct {
	APIURL  string
	APIKey  string
	Backoff common.BackoffConfig
	Breaker common.BreakerConfig
}

// measurementRequest is the wire format of POST /measurements.
type measurementRequest struct {
	SensorID    int       `json:"sensor_id"`
	Temperature float64   `json:"temperature"`
	CreatedAt   time.Time `json:"created_at"`
}

// Client implements hydro.Relayer for the Gfrörli measurements API.
// Circuit breakers are kept per sensor.
type Client struct {
	url        string
	apiKey     string
	httpCfg    common.HTTPClientConfig
	breakerCfg common.BreakerConfig

	mu       sync.Mutex
	circuits map[int]*gobreaker.CircuitBreaker
}

// NewClient creates a Client using the shared HTTP client.
func NewClient(client *http.Client, cfg Config) *Client {
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff = common.BackoffConfig{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		}
	}

	return &Client{
		url:    buildAPIURL(cfg.APIURL, "measurements"),
		apiKey: cfg.APIKey,
		httpCfg: common.HTTPClientConfig{
			Client:  client,
			Backoff: cfg.Backoff,
		},
		breakerCfg: cfg.Breaker,
		circuits:   make(map[int]*gobreaker.CircuitBreaker),
	}
}

// circuit returns the breaker for sensorID, creating it on first use.
func (c *Client) circuit(sensorID int) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.circuits[sensorID]
	if !ok {
		cb = common.NewBreaker("gfroerli-"+strconv.Itoa(sensorID), c.breakerCfg)
		c.circuits[sensorID] = cb
	}
	return cb
}

func buildAPIURL(base, endpoint string) string {
	return strings.TrimRight(base, "/") + "/" + endpoint
}

// Relay submits one measurement. Failures are returned as *hydro.RelayError.
func (c *Client) Relay(ctx context.Context, m hydro.Measurement) error {
	body, err := json.Marshal(measurementRequest{
		SensorID:    m.APISensorID,
		Temperature: m.TemperatureCelsius,
		CreatedAt:   m.ObservedAt.UTC(),
	})
	if err != nil {
		return &hydro.RelayError{Err: fmt.Errorf("marshal measurement: %w", err)}
	}

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		return req, nil
	}

	resp, attempts, err := common.DoRequestWithResilience(ctx, c.httpCfg, c.circuit(m.APISensorID), buildRequest)
	if err != nil {
		relayErr := &hydro.RelayError{
			Transient: common.IsTransient(err),
			Attempts:  attempts,
			Err:       err,
		}
		var se *common.StatusError
		if errors.As(err, &se) {
			relayErr.StatusCode = se.StatusCode
		}
		return relayErr
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}
