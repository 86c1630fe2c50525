package hydro

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu      sync.Mutex
	result  ParseResult
	err     error
	calls   int
	started chan struct{}
	release chan struct{}
}

func (f *fakeSource) Fetch(ctx context.Context, _ []string) (ParseResult, error) {
	f.mu.Lock()
	f.calls++
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	return f.result, f.err
}

type fakeRelayer struct {
	mu     sync.Mutex
	calls  []Measurement
	errFor map[int]error
}

func (f *fakeRelayer) Relay(_ context.Context, m Measurement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, m)
	if err, ok := f.errFor[m.APISensorID]; ok {
		return err
	}
	return nil
}

func (f *fakeRelayer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingReporter struct {
	mu        sync.Mutex
	summaries []CycleSummary
}

func (r *recordingReporter) Report(_ context.Context, s CycleSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
}

func newTestService(t *testing.T, source Source, relayer Relayer, store CursorStore, reporters ...Reporter) *Service {
	t.Helper()
	reg, err := NewRegistry([]StationConfig{FOENStation(2135, 42), FOENStation(2030, 43)})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewService(reg, source, relayer, store, Options{
		StalenessBound: 24 * time.Hour,
		ClockSkew:      5 * time.Minute,
		Now:            func() time.Time { return testNow },
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Reporters:      reporters,
	})
}

func outcomeFor(t *testing.T, s CycleSummary, localID string) Outcome {
	t.Helper()
	for _, o := range s.Outcomes {
		if o.LocalID == localID {
			return o
		}
	}
	t.Fatalf("no outcome for station %s in %+v", localID, s.Outcomes)
	return Outcome{}
}

func TestRunCycleRelaysOnceThenSkipsDuplicate(t *testing.T) {
	at := testNow.Add(-10 * time.Minute)
	source := &fakeSource{result: ParseResult{Observations: []RawObservation{
		obs("2135", at, 18.5, "degC"),
	}}}
	relayer := &fakeRelayer{}
	store := newMemCursors()
	reporter := &recordingReporter{}
	svc := newTestService(t, source, relayer, store, reporter)

	first, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Aborted() {
		t.Fatalf("cycle aborted: %v", first.Err)
	}
	if first.Relayed != 1 || first.Skipped != 1 || first.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", first)
	}
	if len(first.Outcomes) != 2 {
		t.Fatalf("expected one outcome per station, got %d", len(first.Outcomes))
	}
	if o := outcomeFor(t, first, "2030"); o.Reason != SkipNoData {
		t.Fatalf("station without data should be skipped as no-data, got %+v", o)
	}

	if relayer.count() != 1 {
		t.Fatalf("expected exactly one relay, got %d", relayer.count())
	}
	if got := relayer.calls[0]; got.APISensorID != 42 || !got.ObservedAt.Equal(at) || got.TemperatureCelsius != 18.5 {
		t.Fatalf("unexpected relayed measurement: %+v", got)
	}
	if cur, ok, _ := store.Get(context.Background(), 42); !ok || !cur.Equal(at) {
		t.Fatalf("cursor not advanced: %v %v", cur, ok)
	}

	second, _ := svc.RunCycle(context.Background())
	if o := outcomeFor(t, second, "2135"); o.Kind != OutcomeSkipped || o.Reason != SkipDuplicate {
		t.Fatalf("expected duplicate skip, got %+v", o)
	}
	if relayer.count() != 1 {
		t.Fatalf("duplicate was relayed again")
	}

	if len(reporter.summaries) != 2 {
		t.Fatalf("expected two reported summaries, got %d", len(reporter.summaries))
	}
	if latest, ok := svc.Latest(); !ok || latest.ID != second.ID {
		t.Fatalf("Latest should return the second cycle")
	}
	if first.ID == second.ID {
		t.Fatalf("cycle ids must be unique")
	}
}

func TestRunCycleFailedRelayKeepsCursor(t *testing.T) {
	at := testNow.Add(-10 * time.Minute)
	source := &fakeSource{result: ParseResult{Observations: []RawObservation{
		obs("2135", at, 18.5, "degC"),
	}}}
	relayer := &fakeRelayer{errFor: map[int]error{
		42: &RelayError{Transient: true, StatusCode: 503, Attempts: 4, Err: errors.New("unavailable")},
	}}
	store := newMemCursors()
	svc := newTestService(t, source, relayer, store)

	s, _ := svc.RunCycle(context.Background())
	o := outcomeFor(t, s, "2135")
	if o.Kind != OutcomeFailed || !IsTransient(o.Err) {
		t.Fatalf("expected transient failure, got %+v", o)
	}
	if _, ok, _ := store.Get(context.Background(), 42); ok {
		t.Fatalf("cursor must not move after a failed relay")
	}

	// The next cycle retries the same observation.
	relayer.mu.Lock()
	relayer.errFor = nil
	relayer.mu.Unlock()

	s, _ = svc.RunCycle(context.Background())
	if o := outcomeFor(t, s, "2135"); o.Kind != OutcomeRelayed {
		t.Fatalf("expected relay on retry cycle, got %+v", o)
	}
}

func TestRunCyclePermanentFailureIsIsolated(t *testing.T) {
	at := testNow.Add(-10 * time.Minute)
	source := &fakeSource{result: ParseResult{Observations: []RawObservation{
		obs("2135", at, 18.5, "degC"),
		obs("2030", at, 17.0, "degC"),
	}}}
	relayer := &fakeRelayer{errFor: map[int]error{
		42: &RelayError{StatusCode: 422, Attempts: 1, Err: errors.New("unprocessable")},
	}}
	svc := newTestService(t, source, relayer, newMemCursors())

	s, _ := svc.RunCycle(context.Background())
	if s.Relayed != 1 || s.Failed != 1 {
		t.Fatalf("expected one relayed and one failed, got %+v", s)
	}
	if o := outcomeFor(t, s, "2030"); o.Kind != OutcomeRelayed {
		t.Fatalf("healthy station should be relayed, got %+v", o)
	}
	if o := outcomeFor(t, s, "2135"); IsTransient(o.Err) {
		t.Fatalf("4xx must be permanent, got %+v", o)
	}
}

func TestRunCycleCommitFailure(t *testing.T) {
	source := &fakeSource{result: ParseResult{Observations: []RawObservation{
		obs("2135", testNow.Add(-time.Minute), 18.5, "degC"),
	}}}
	store := newMemCursors()
	store.advErr = errors.New("disk full")
	svc := newTestService(t, source, &fakeRelayer{}, store)

	s, _ := svc.RunCycle(context.Background())
	if o := outcomeFor(t, s, "2135"); o.Kind != OutcomeFailed || !errors.Is(o.Err, store.advErr) {
		t.Fatalf("expected failure from cursor store, got %+v", o)
	}
}

func TestRunCycleAbortsOnFetchError(t *testing.T) {
	queryErr := &QueryError{Batch: 0, Err: errors.New("connection refused")}
	source := &fakeSource{err: queryErr}
	relayer := &fakeRelayer{}
	reporter := &recordingReporter{}
	svc := newTestService(t, source, relayer, newMemCursors(), reporter)

	s, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Aborted() || !errors.Is(s.Err, queryErr) {
		t.Fatalf("expected aborted cycle, got %+v", s)
	}
	if len(s.Outcomes) != 0 || relayer.count() != 0 {
		t.Fatalf("aborted cycle must not relay")
	}
	if len(reporter.summaries) != 1 || !reporter.summaries[0].Aborted() {
		t.Fatalf("aborted cycle should still be reported")
	}
}

func TestRunCycleCarriesStationName(t *testing.T) {
	named := obs("2135", testNow.Add(-time.Minute), 18.5, "degC")
	named.StationName = "Aare - Bern, Schönau"
	source := &fakeSource{result: ParseResult{Observations: []RawObservation{named}}}
	svc := newTestService(t, source, &fakeRelayer{}, newMemCursors())

	s, _ := svc.RunCycle(context.Background())
	if o := outcomeFor(t, s, "2135"); o.Name != "Aare - Bern, Schönau" {
		t.Fatalf("expected station name on outcome, got %+v", o)
	}
	if o := outcomeFor(t, s, "2030"); o.Name != "" {
		t.Fatalf("station without data has no name, got %+v", o)
	}
}

func TestRunCycleCountsWarnings(t *testing.T) {
	source := &fakeSource{result: ParseResult{
		Observations: []RawObservation{
			obs("2135", testNow.Add(-time.Minute), 18.5, "degC"),
			obs("9999", testNow.Add(-time.Minute), 18.5, "degC"),
		},
		Warnings: []ParseWarning{{Row: 2, Reason: "missing binding ?time"}},
	}}
	svc := newTestService(t, source, &fakeRelayer{}, newMemCursors())

	s, _ := svc.RunCycle(context.Background())
	if s.Warnings != 2 {
		t.Fatalf("expected malformed row and unknown station as warnings, got %d", s.Warnings)
	}
	if s.Relayed != 1 {
		t.Fatalf("valid row should still be relayed, got %+v", s)
	}
}

func TestTickSkipsWhileBusy(t *testing.T) {
	source := &fakeSource{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := newTestService(t, source, &fakeRelayer{}, newMemCursors())

	done := make(chan CycleSummary)
	go func() {
		s, _ := svc.RunCycle(context.Background())
		done <- s
	}()

	<-source.started
	if svc.State() != StateQuerying {
		t.Fatalf("expected querying state, got %s", svc.State())
	}
	if _, ran := svc.Tick(context.Background()); ran {
		t.Fatalf("trigger during a running cycle should be skipped")
	}
	if _, err := svc.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	if err := svc.Trigger(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("background trigger should be refused while busy, got %v", err)
	}

	close(source.release)
	<-done
	svc.Shutdown()

	if svc.State() != StateIdle {
		t.Fatalf("expected idle after cycle, got %s", svc.State())
	}
	source.mu.Lock()
	calls := source.calls
	source.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one fetch, got %d", calls)
	}
}

func TestRunCycleSurvivesCallerCancellation(t *testing.T) {
	source := &fakeSource{result: ParseResult{Observations: []RawObservation{
		obs("2135", testNow.Add(-time.Minute), 18.5, "degC"),
	}}}
	relayer := &fakeRelayer{}
	svc := newTestService(t, source, relayer, newMemCursors())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, _ := svc.RunCycle(ctx)
	if s.Relayed != 1 {
		t.Fatalf("a cancelled trigger context should not cut an in-flight cycle short: %+v", s)
	}
}

func TestRunCycleOpaqueStationURI(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg, err := NewRegistry([]StationConfig{{LocalID: "S1", SPARQLURI: "stations:S1", APISensorID: 42}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	source := &fakeSource{result: ParseResult{Observations: []RawObservation{
		{StationURI: "stations:S1", ObservedAt: at, Value: 5.2, Unit: "degC"},
	}}}
	relayer := &fakeRelayer{}
	svc := NewService(reg, source, relayer, newMemCursors(), Options{
		StalenessBound: 24 * time.Hour,
		Now:            func() time.Time { return at.Add(10 * time.Minute) },
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	s, _ := svc.RunCycle(context.Background())
	if s.Relayed != 1 || relayer.count() != 1 {
		t.Fatalf("expected one relay, got %+v", s)
	}
	if got := relayer.calls[0]; got.APISensorID != 42 || !got.ObservedAt.Equal(at) || got.TemperatureCelsius != 5.2 {
		t.Fatalf("unexpected measurement: %+v", got)
	}

	s, _ = svc.RunCycle(context.Background())
	if o := outcomeFor(t, s, "S1"); o.Reason != SkipDuplicate || relayer.count() != 1 {
		t.Fatalf("expected duplicate skip without a second relay, got %+v", o)
	}
}

func TestRunCyclePermanentFailureAmongThree(t *testing.T) {
	at := testNow.Add(-10 * time.Minute)
	reg, err := NewRegistry([]StationConfig{FOENStation(1, 1), FOENStation(2, 2), FOENStation(3, 3)})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	source := &fakeSource{result: ParseResult{Observations: []RawObservation{
		obs("1", at, 10, "degC"),
		obs("2", at, 11, "degC"),
		obs("3", at, 12, "degC"),
	}}}
	relayer := &fakeRelayer{errFor: map[int]error{
		2: &RelayError{StatusCode: 400, Attempts: 1, Err: errors.New("unknown sensor")},
	}}
	store := newMemCursors()
	svc := NewService(reg, source, relayer, store, Options{
		StalenessBound:   24 * time.Hour,
		RelayConcurrency: 3,
		Now:              func() time.Time { return testNow },
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	s, _ := svc.RunCycle(context.Background())
	if s.Relayed != 2 || s.Failed != 1 || relayer.count() != 3 {
		t.Fatalf("unexpected result: %+v (relays %d)", s, relayer.count())
	}

	cursors, _ := store.All(context.Background())
	if _, ok := cursors[2]; ok {
		t.Fatalf("failed sensor must keep its cursor")
	}
	if !cursors[1].Equal(at) || !cursors[3].Equal(at) {
		t.Fatalf("successful sensors should advance: %v", cursors)
	}
}

func TestShutdownRefusesNewCycles(t *testing.T) {
	source := &fakeSource{result: ParseResult{Observations: []RawObservation{
		obs("2135", testNow.Add(-time.Minute), 18.5, "degC"),
	}}}
	relayer := &fakeRelayer{}
	svc := newTestService(t, source, relayer, newMemCursors())

	svc.Shutdown()

	if _, err := svc.RunCycle(context.Background()); !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("expected ErrServiceClosed, got %v", err)
	}
	if err := svc.Trigger(context.Background()); !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("expected ErrServiceClosed from Trigger, got %v", err)
	}
	if _, ran := svc.Tick(context.Background()); ran {
		t.Fatalf("tick after shutdown should not run")
	}
	if relayer.count() != 0 {
		t.Fatalf("no cycle should run after shutdown")
	}
}

func TestShutdownWaitsForInFlightCycle(t *testing.T) {
	source := &fakeSource{
		result: ParseResult{Observations: []RawObservation{
			obs("2135", testNow.Add(-time.Minute), 18.5, "degC"),
		}},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	relayer := &fakeRelayer{}
	svc := newTestService(t, source, relayer, newMemCursors())

	if err := svc.Trigger(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-source.started

	stopped := make(chan struct{})
	go func() {
		svc.Shutdown()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("Shutdown returned while a cycle was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(source.release)
	<-stopped
	if relayer.count() != 1 {
		t.Fatalf("in-flight cycle should complete its relays, got %d", relayer.count())
	}
}
