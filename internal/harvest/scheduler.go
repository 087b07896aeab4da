package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/regharvest/harvester/internal/harvest/ledger"
	"github.com/regharvest/harvester/internal/harvest/orchestrator"
	"github.com/robfig/cron/v3"
)

const (
	// recentWindow is how many history entries are inspected before a sweep.
	recentWindow = 10
	// recentFailureAge is how old a failure can be to still be reported before a sweep.
	recentFailureAge = 24 * time.Hour
)

// Sweeper runs a full grid sweep, starting no new region once stop is closed.
type Sweeper interface {
	SweepUntil(ctx context.Context, stop <-chan struct{}) (orchestrator.Summary, error)
}

// HistoryReader reads the newest history entries.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]ledger.Entry, error)
}

// GridWatcher reports grid file reloads.
type GridWatcher interface {
	Watch(ctx context.Context) (<-chan struct{}, <-chan error, error)
}

// Scheduler triggers sweeps on a cron schedule.
type Scheduler struct {
	sweeper  Sweeper
	history  HistoryReader
	watcher  GridWatcher
	schedule cron.Schedule

	runOnStart bool
	now        func() time.Time
}

type schedulerOptions struct {
	history    HistoryReader
	watcher    GridWatcher
	runOnStart bool
	now        func() time.Time
}

// SchedulerOption is a function which tweaks the creation of the Scheduler.
type SchedulerOption func(*schedulerOptions)

// WithHistory makes the scheduler warn about recent failures before each sweep.
func WithHistory(h HistoryReader) SchedulerOption {
	return func(o *schedulerOptions) {
		o.history = h
	}
}

// WithGridWatcher makes the scheduler watch the grid file while running.
func WithGridWatcher(w GridWatcher) SchedulerOption {
	return func(o *schedulerOptions) {
		o.watcher = w
	}
}

// WithRunOnStart runs a sweep as soon as the scheduler starts.
func WithRunOnStart(run bool) SchedulerOption {
	return func(o *schedulerOptions) {
		o.runOnStart = run
	}
}

// NewScheduler parses expr as a standard 5-field cron expression. Descriptors such as @weekly are accepted.
func NewScheduler(expr string, sweeper Sweeper, args ...SchedulerOption) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %v", expr, err)
	}

	opts := schedulerOptions{now: time.Now}
	for _, arg := range args {
		arg(&opts)
	}

	return &Scheduler{
		sweeper:    sweeper,
		history:    opts.history,
		watcher:    opts.watcher,
		schedule:   schedule,
		runOnStart: opts.runOnStart,
		now:        opts.now,
	}, nil
}

// Run sweeps at every scheduled time until stop is closed or ctx is canceled.
// A failed sweep is logged and does not stop the scheduler.
//
// Closing stop lets the sweep in progress complete its started regions, then Run returns nil.
// Otherwise the returned error is either a context error or a grid watcher error.
func (s *Scheduler) Run(ctx context.Context, stop <-chan struct{}) error {
	var (
		changes <-chan struct{}
		errs    <-chan error
	)
	if s.watcher != nil {
		var err error
		if changes, errs, err = s.watcher.Watch(ctx); err != nil {
			return fmt.Errorf("failed to watch grid: %v", err)
		}
	}

	if s.runOnStart {
		s.sweep(ctx, stop)
	}

	for {
		if stopped(stop) {
			return nil
		}

		next := s.schedule.Next(s.now())
		slog.Info("Next sweep scheduled", "at", next)
		timer := time.NewTimer(next.Sub(s.now()))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case <-stop:
			timer.Stop()
			return nil

		case _, ok := <-changes:
			timer.Stop()
			if !ok {
				changes = nil
				continue
			}
			slog.Info("Region grid changed, it applies from the next sweep")

		case err, ok := <-errs:
			timer.Stop()
			if !ok {
				errs = nil
				continue
			}
			return fmt.Errorf("grid watcher failed: %v", err)

		case <-timer.C:
			s.sweep(ctx, stop)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, stop <-chan struct{}) {
	s.warnRecentFailures(ctx)
	_, err := s.sweeper.SweepUntil(ctx, stop)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, orchestrator.ErrSweepStopped):
		slog.Info("Sweep stopped before completing the grid")
	default:
		slog.Error("Sweep failed", "err", err)
	}
}

// SweepNow runs a full grid sweep immediately. Canceling ctx aborts it.
func (s *Scheduler) SweepNow(ctx context.Context) (orchestrator.Summary, error) {
	s.warnRecentFailures(ctx)
	return s.sweeper.SweepUntil(ctx, ctx.Done())
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// warnRecentFailures logs the failures of the last day found in the newest history entries.
// It returns how many were found.
func (s *Scheduler) warnRecentFailures(ctx context.Context) int {
	if s.history == nil {
		return 0
	}

	entries, err := s.history.Recent(ctx, recentWindow)
	if err != nil {
		slog.Warn("Could not read run history before sweeping", "err", err)
		return 0
	}

	cutoff := s.now().Add(-recentFailureAge)
	var failed []string
	for _, e := range entries {
		if e.Status == ledger.StatusFail && e.Timestamp.After(cutoff) {
			failed = append(failed, e.Unit.String())
		}
	}
	if len(failed) > 0 {
		slog.Warn("Regions failed during the last day", "count", len(failed), "regions", failed)
	}
	return len(failed)
}
