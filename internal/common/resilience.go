package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
}

// BreakerConfig controls when a circuit breaker opens.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker; 0 means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open; 0 means 1 minute.
	OpenTimeout time.Duration
}

var (
	ErrRateLimited   = errors.New("rate limited")
	ErrServerError   = errors.New("server error")
	ErrCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
	Transient  bool
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrServerError
	default:
		return nil
	}
}

// IsTransient reports whether a retry could succeed: network errors, timeouts,
// 5xx, 429 and an open circuit are transient; other 4xx responses are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}

// NewBreaker builds a circuit breaker that opens after consecutive failures.
func NewBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
}

// DoRequestWithResilience executes the HTTP request with retries, exponential backoff,
// and a circuit breaker. Only transient failures are retried and counted by the
// breaker; a permanent 4xx is returned immediately as a *StatusError. On success the
// caller owns resp.Body. attempts is the number of requests actually sent.
func DoRequestWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func(ctx context.Context) (*http.Request, error),
) (resp *http.Response, attempts int, err error) {
	if cfg.Client == nil {
		return nil, 0, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, 0, errInvalidConfig
	}

	var attempt int
	var lastErr error

	for {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, attempts, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
			return nil, attempts, ctx.Err()
		}

		req, err := buildRequest(ctx)
		if err != nil {
			return nil, attempts, err
		}

		result, err := cb.Execute(func() (interface{}, error) {
			attempts++
			resp, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, execErr
			}

			// Handle rate limiting and server errors explicitly.
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return nil, drainStatusError(resp, true)
			}

			// Permanent failures are not the remote side's fault; keep the breaker closed.
			return resp, nil
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, attempts, fmt.Errorf("unexpected result type from circuit breaker")
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, attempts, drainStatusError(resp, false)
			}
			return resp, attempts, nil
		}

		// If circuit is open, propagate immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, attempts, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}

		lastErr = err
		if attempt >= cfg.Backoff.MaxRetries {
			return nil, attempts, lastErr
		}

		// Backoff with exponential delay.
		delay := cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > cfg.Backoff.MaxInterval && cfg.Backoff.MaxInterval > 0 {
			delay = cfg.Backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempts, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
			// continue to next attempt
		}

		attempt++
	}
}

func drainStatusError(resp *http.Response, transient bool) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		Transient:  transient,
	}
}
