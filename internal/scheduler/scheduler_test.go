package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i474232898/lindas-relay/internal/hydro"
)

type fakeCycler struct {
	ticks  atomic.Int32
	waited atomic.Bool
	busy   bool
}

func (f *fakeCycler) Tick(context.Context) (hydro.CycleSummary, bool) {
	f.ticks.Add(1)
	return hydro.CycleSummary{}, !f.busy
}

func (f *fakeCycler) Shutdown() { f.waited.Store(true) }

type countingSkips struct{ n atomic.Int32 }

func (c *countingSkips) RecordSkippedTrigger() { c.n.Add(1) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerRunsImmediatelyAndStops(t *testing.T) {
	cycler := &fakeCycler{}
	skips := &countingSkips{}
	s := New(time.Hour, cycler, skips, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, func() bool { return cycler.ticks.Load() >= 1 })

	s.Stop()
	if !cycler.waited.Load() {
		t.Fatalf("Stop should wait for the in-flight cycle")
	}
	if skips.n.Load() != 0 {
		t.Fatalf("no trigger was skipped")
	}
}

func TestSchedulerRecordsSkippedTriggers(t *testing.T) {
	cycler := &fakeCycler{busy: true}
	skips := &countingSkips{}
	s := New(time.Hour, cycler, skips, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool { return skips.n.Load() >= 1 })
}
