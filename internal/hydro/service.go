package hydro

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrCycleInProgress is returned when a cycle is triggered while another one runs.
	ErrCycleInProgress = errors.New("fetch cycle already in progress")
	// ErrServiceClosed is returned for triggers after Shutdown.
	ErrServiceClosed = errors.New("relay service is shut down")
)

// State is the orchestrator's position in the fetch cycle.
type State string

const (
	StateIdle      State = "idle"
	StateQuerying  State = "querying"
	StateParsing   State = "parsing"
	StateMapping   State = "mapping"
	StateFiltering State = "filtering"
	StateRelaying  State = "relaying"
)

// Options tune a Service. Zero values fall back to defaults.
type Options struct {
	StalenessBound   time.Duration
	ClockSkew        time.Duration
	RelayConcurrency int
	CycleTimeout     time.Duration

	Now       func() time.Time
	Logger    *slog.Logger
	Reporters []Reporter
}

// Service orchestrates one fetch cycle at a time: query, parse, map, filter, relay.
type Service struct {
	registry  *Registry
	source    Source
	relayer   Relayer
	store     CursorStore
	mapper    *Mapper
	filter    *Filter
	reporters []Reporter
	logger    *slog.Logger

	relayConcurrency int
	cycleTimeout     time.Duration
	now              func() time.Time

	// lifecycle orders wg.Add against Shutdown's wg.Wait.
	lifecycle sync.Mutex
	closed    bool
	running   atomic.Bool
	wg        sync.WaitGroup

	mu     sync.RWMutex
	state  State
	latest *CycleSummary
}

// NewService creates a new Service.
func NewService(registry *Registry, source Source, relayer Relayer, store CursorStore, opts Options) *Service {
	if opts.RelayConcurrency <= 0 {
		opts.RelayConcurrency = 4
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Service{
		registry: registry,
		source:   source,
		relayer:  relayer,
		store:    store,
		mapper: &Mapper{
			Registry:       registry,
			StalenessBound: opts.StalenessBound,
			ClockSkew:      opts.ClockSkew,
			Now:            opts.Now,
		},
		filter:           NewFilter(store),
		reporters:        opts.Reporters,
		logger:           opts.Logger,
		relayConcurrency: opts.RelayConcurrency,
		cycleTimeout:     opts.CycleTimeout,
		now:              opts.Now,
		state:            StateIdle,
	}
}

// Tick is the scheduler entry point. A trigger that arrives while a cycle is
// still running, or after Shutdown, is dropped; ran is false in that case.
func (s *Service) Tick(ctx context.Context) (summary CycleSummary, ran bool) {
	summary, err := s.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Warn("fetch cycle still running; skipping trigger")
		return CycleSummary{}, false
	case errors.Is(err, ErrServiceClosed):
		s.logger.Debug("service shut down; ignoring trigger")
		return CycleSummary{}, false
	}
	return summary, true
}

// RunCycle runs a single fetch cycle and returns its summary. Cycle-level
// failures are reported in summary.Err; the returned error is only
// ErrCycleInProgress or ErrServiceClosed.
//
// Network calls run under a context detached from ctx's cancellation and
// bounded by the cycle timeout, so a shutdown lets in-flight calls complete.
func (s *Service) RunCycle(ctx context.Context) (CycleSummary, error) {
	if err := s.acquire(); err != nil {
		return CycleSummary{}, err
	}
	return s.run(ctx), nil
}

// Trigger starts a cycle in the background. It fails with ErrCycleInProgress
// or ErrServiceClosed when no cycle could be started.
func (s *Service) Trigger(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

func (s *Service) acquire() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closed {
		return ErrServiceClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	s.wg.Add(1)
	return nil
}

func (s *Service) run(ctx context.Context) CycleSummary {
	defer func() {
		s.setState(StateIdle)
		s.running.Store(false)
		s.wg.Done()
	}()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cycleTimeout)
	defer cancel()

	summary := s.runCycle(cctx)

	s.mu.Lock()
	s.latest = &summary
	s.mu.Unlock()

	for _, r := range s.reporters {
		r.Report(cctx, summary)
	}
	return summary
}

func (s *Service) runCycle(ctx context.Context) CycleSummary {
	summary := CycleSummary{
		ID:        uuid.NewString(),
		StartedAt: s.now().UTC(),
	}
	log := s.logger.With("cycle_id", summary.ID)
	abort := func(err error) CycleSummary {
		summary.Err = err
		summary.Error = err.Error()
		summary.FinishedAt = s.now().UTC()
		log.Error("fetch cycle aborted", "error", err)
		return summary
	}

	stations := s.registry.Stations()
	if len(stations) == 0 {
		return abort(ErrConfiguration)
	}

	s.setState(StateQuerying)
	log.Debug("querying sparql endpoint", "stations", len(stations))
	result, err := s.source.Fetch(ctx, s.registry.URIs())
	if err != nil {
		return abort(err)
	}

	s.setState(StateParsing)
	summary.Warnings = len(result.Warnings)
	for _, w := range result.Warnings {
		log.Warn("skipped malformed result row", "row", w.Row, "reason", w.Reason)
	}

	s.setState(StateMapping)
	mapped := s.mapper.Map(result.Observations)
	for _, uri := range mapped.Unknown {
		summary.Warnings++
		log.Warn("observation for unknown station", "station_uri", uri)
	}

	outcomes := make([]Outcome, len(stations))
	pending := make(map[int]Measurement, len(mapped.Candidates))

	s.setState(StateFiltering)
	for i, st := range stations {
		if o, ok := mapped.Rejected[st.LocalID]; ok {
			outcomes[i] = o
			continue
		}
		m, ok := mapped.Candidates[st.LocalID]
		if !ok {
			outcomes[i] = skipped(st, SkipNoData, nil)
			continue
		}
		accept, err := s.filter.Accept(ctx, m)
		switch {
		case err != nil:
			outcomes[i] = failed(st, err)
		case !accept:
			outcomes[i] = skipped(st, SkipDuplicate, nil)
		default:
			pending[i] = m
		}
	}

	s.setState(StateRelaying)
	// Each station is owned by exactly one goroutine and writes only its own slot.
	var g errgroup.Group
	g.SetLimit(s.relayConcurrency)
	for i, m := range pending {
		i, m := i, m
		st := stations[i]
		g.Go(func() error {
			outcomes[i] = s.relay(ctx, st, m)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.Kind == OutcomeFailed {
			log.Warn("station failed", "station", o.LocalID, "sensor_id", o.APISensorID, "error", o.Error)
		}
	}

	for i := range outcomes {
		outcomes[i].Name = mapped.Names[outcomes[i].LocalID]
	}

	Summarize(&summary, outcomes)
	summary.FinishedAt = s.now().UTC()
	return summary
}

// relay submits one station's measurement and advances its cursor on success.
func (s *Service) relay(ctx context.Context, st StationConfig, m Measurement) Outcome {
	if err := s.relayer.Relay(ctx, m); err != nil {
		return failed(st, err)
	}
	if err := s.filter.Commit(ctx, m); err != nil {
		return failed(st, err)
	}
	s.logger.Debug("relayed measurement",
		"station", st.LocalID,
		"sensor_id", m.APISensorID,
		"observed_at", m.ObservedAt,
		"temperature_c", m.TemperatureCelsius,
	)
	return relayed(st, m)
}

// Shutdown refuses further cycles and blocks until an in-flight cycle has
// finished.
func (s *Service) Shutdown() {
	s.lifecycle.Lock()
	s.closed = true
	s.lifecycle.Unlock()

	s.wg.Wait()
}

// State returns the current orchestrator state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Latest returns the summary of the most recent finished cycle.
func (s *Service) Latest() (CycleSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return CycleSummary{}, false
	}
	return *s.latest, true
}

// Registry exposes the configured stations.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Cursors returns the last relayed observation time per sensor.
func (s *Service) Cursors(ctx context.Context) (map[int]time.Time, error) {
	return s.store.All(ctx)
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
