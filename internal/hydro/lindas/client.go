package lindas

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/i474232898/lindas-relay/internal/common"
	"github.com/i474232898/lindas-relay/internal/hydro"
)

// DefaultEndpoint is the public LINDAS SPARQL endpoint.
const DefaultEndpoint = "https://lindas.admin.ch/query"

// Config controls how the endpoint is queried.
type Config struct {
	Endpoint    string
	BatchSize   int
	Concurrency int
	// RateLimit caps requests per second to the endpoint; 0 disables the limiter.
	RateLimit float64
	Backoff   common.BackoffConfig
	Breaker   common.BreakerConfig
}

// Client implements hydro.Source against a SPARQL endpoint.
type Client struct {
	endpoint    string
	batchSize   int
	concurrency int
	httpCfg     common.HTTPClientConfig
	circuit     *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
}

// NewClient creates a Client using the shared HTTP client.
func NewClient(client *http.Client, cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff = common.BackoffConfig{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Client{
		endpoint:    cfg.Endpoint,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		httpCfg: common.HTTPClientConfig{
			Client:  client,
			Backoff: cfg.Backoff,
		},
		circuit: common.NewBreaker("lindas", cfg.Breaker),
		limiter: limiter,
	}
}

// Fetch queries the latest observation of every station. Batches run
// concurrently; the first failing batch cancels the rest and aborts the fetch.
func (c *Client) Fetch(ctx context.Context, stationURIs []string) (hydro.ParseResult, error) {
	queries, err := BuildQueries(stationURIs, c.batchSize)
	if err != nil {
		return hydro.ParseResult{}, err
	}

	results := make([]hydro.ParseResult, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			res, err := c.query(gctx, i, q)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return hydro.ParseResult{}, err
	}

	var merged hydro.ParseResult
	offset := 0
	for _, res := range results {
		merged.Observations = append(merged.Observations, res.Observations...)
		for _, w := range res.Warnings {
			w.Row += offset
			merged.Warnings = append(merged.Warnings, w)
		}
		offset += len(res.Observations) + len(res.Warnings)
	}
	return merged, nil
}

func (c *Client) query(ctx context.Context, batch int, query string) (hydro.ParseResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return hydro.ParseResult{}, &hydro.QueryError{Batch: batch, Err: err}
		}
	}

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		form := url.Values{}
		form.Set("query", query)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/sparql-results+json")
		return req, nil
	}

	resp, _, err := common.DoRequestWithResilience(ctx, c.httpCfg, c.circuit, buildRequest)
	if err != nil {
		return hydro.ParseResult{}, &hydro.QueryError{Batch: batch, Err: err}
	}
	defer resp.Body.Close()

	return ParseResults(resp.Body)
}
