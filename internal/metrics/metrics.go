package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/lindas-relay/internal/hydro"
)

// Collector provides fetch cycle metrics.
type Collector struct {
	registry *prometheus.Registry

	// Cycle Metrics
	CyclesTotal        *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	SkippedTriggers    prometheus.Counter
	LastCycleTimestamp prometheus.Gauge

	// Station Metrics
	OutcomesTotal      *prometheus.CounterVec
	ParseWarningsTotal prometheus.Counter
	LastRelayedAt      *prometheus.GaugeVec
}

// NewCollector creates a collector registered on its own registry.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_cycles_total",
				Help:      "Total number of fetch cycles by status",
			},
			[]string{"status"}, // "completed", "aborted"
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_cycle_duration_seconds",
				Help:      "Duration of fetch cycles in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		SkippedTriggers: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_cycle_skipped_triggers_total",
				Help:      "Triggers dropped because a cycle was still running",
			},
		),

		LastCycleTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "fetch_cycle_last_finished_timestamp_seconds",
				Help:      "Unix time of the last finished fetch cycle",
			},
		),

		OutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "station_outcomes_total",
				Help:      "Per-station cycle outcomes by result and reason",
			},
			[]string{"result", "reason"},
		),

		ParseWarningsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_warnings_total",
				Help:      "Result rows skipped as malformed or for unknown stations",
			},
		),

		LastRelayedAt: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "station_last_relayed_observation_timestamp_seconds",
				Help:      "Observation time of the last relayed measurement per station",
			},
			[]string{"station"},
		),
	}
}

// Report implements hydro.Reporter.
func (c *Collector) Report(_ context.Context, s hydro.CycleSummary) {
	status := "completed"
	if s.Aborted() {
		status = "aborted"
	}
	c.CyclesTotal.WithLabelValues(status).Inc()
	c.CycleDuration.Observe(s.Duration().Seconds())
	c.LastCycleTimestamp.Set(float64(s.FinishedAt.Unix()))
	c.ParseWarningsTotal.Add(float64(s.Warnings))

	for _, o := range s.Outcomes {
		c.OutcomesTotal.WithLabelValues(string(o.Kind), string(o.Reason)).Inc()
		if o.Kind == hydro.OutcomeRelayed && o.ObservedAt != nil {
			c.LastRelayedAt.WithLabelValues(o.LocalID).Set(float64(o.ObservedAt.Unix()))
		}
	}
}

// RecordSkippedTrigger counts a trigger dropped while a cycle was running.
func (c *Collector) RecordSkippedTrigger() {
	c.SkippedTriggers.Inc()
}

// Handler exposes the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry (for tests).
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}
