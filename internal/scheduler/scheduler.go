package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/lindas-relay/internal/hydro"
)

// Cycler runs fetch cycles on demand.
type Cycler interface {
	Tick(ctx context.Context) (hydro.CycleSummary, bool)
	Shutdown()
}

// SkipRecorder is notified when a trigger is dropped.
type SkipRecorder interface {
	RecordSkippedTrigger()
}

// Scheduler periodically triggers fetch cycles.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cycler    Cycler
	skips     SkipRecorder
	interval  time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Scheduler. skips may be nil.
func New(interval time.Duration, cycler Cycler, skips SkipRecorder, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		cycler:    cycler,
		skips:     skips,
		interval:  interval,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the periodic job and starts the underlying scheduler. The
// first cycle runs immediately.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.interval = 10 * time.Minute
	}

	// Overlap is handled by the cycler, which drops triggers while busy.
	_, err := s.scheduler.Every(s.interval).Do(s.trigger)
	if err != nil {
		return err
	}

	s.logger.Info("scheduler started", "interval", s.interval.String())
	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) trigger() {
	s.logger.Debug("scheduler: running fetch cycle")
	if _, ran := s.cycler.Tick(s.ctx); !ran && s.skips != nil {
		s.skips.RecordSkippedTrigger()
	}
}

// Stop stops issuing triggers, then shuts the cycler down and waits for an
// in-flight cycle to finish.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.cancel()
	s.cycler.Shutdown()
	s.logger.Info("scheduler stopped")
}
