package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig wires a periodic reconciliation loop.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Window     time.Duration
	Logger     *slog.Logger
}

// Scheduler runs the reconciler on a fixed interval.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	window     time.Duration
	log        *slog.Logger
}

// NewScheduler builds a scheduler; interval defaults to one hour.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		interval:   interval,
		window:     window,
		log:        log,
	}
}

// Start blocks until ctx is cancelled, running one pass per interval.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.reconciler.Run(ctx, s.window)
			if err != nil {
				s.log.Error("reconciliation pass failed", "error", err)
				continue
			}
			s.log.Info("reconciliation pass complete",
				"matched", report.Matched,
				"missing", report.Missing,
				"unexpected", report.Unexpected,
				"output", report.OutputPath)
		}
	}
}
