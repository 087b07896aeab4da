// Package harvest is responsible for running the harvest service in the background.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Service runs the sweep scheduler next to the metrics server.
type Service struct {
	scheduler     Runner
	metricsServer MetricsServer

	// ctx aborts everything, including the regions of a sweep in progress.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// gracefulCtx is done once no new work should start: the scheduler lets the
	// sweep in progress drain its started regions and the metrics server drains its requests.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	maxDegradedDuration time.Duration

	running chan struct{} // Closed when Run is not executing.
}

// Runner is a blocking sub-service.
// Closing stop asks it to finish its current work and return, canceling ctx aborts that work.
type Runner interface {
	Run(ctx context.Context, stop <-chan struct{}) error
}

// MetricsServer is an interface that defines the methods for a metrics server.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type options struct {
	maxDegradedDuration time.Duration
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

var (
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when the service takes too long to shut down.
	// A force Quit may be required to cleanup the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates a harvest service from a scheduler and a metrics server.
func New(ctx context.Context, scheduler Runner, metricsServer MetricsServer, args ...Option) *Service {
	opts := options{
		maxDegradedDuration: 2 * time.Minute,
	}
	for _, arg := range args {
		arg(&opts)
	}

	s := &Service{
		scheduler:           scheduler,
		metricsServer:       metricsServer,
		maxDegradedDuration: opts.maxDegradedDuration,
		running:             make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.gracefulCtx, s.gracefulCancel = context.WithCancel(s.ctx)
	close(s.running)

	return s
}

// Run starts the harvest service.
//
// Returns once both sub-services have completed. When one of them stops first, the other one gets
// maxDegradedDuration to follow, which bounds the drain of a sweep in progress.
func (s *Service) Run() error {
	slog.Info("Harvest service started")

	if s.gracefulCtx.Err() != nil {
		return errServiceClosed
	}

	s.running = make(chan struct{})
	defer close(s.running)
	defer s.cancel()

	subServices := []func() error{s.runScheduler, s.runMetrics}
	results := make(chan error, len(subServices))
	for _, run := range subServices {
		go func() { results <- run() }()
	}

	err := <-results
	slog.Info("Waiting for harvest services to finish")

	deadline := time.NewTimer(s.maxDegradedDuration)
	defer deadline.Stop()
	for range len(subServices) - 1 {
		select {
		case <-deadline.C:
			// Whatever is still running is abandoned, canceled by the deferred cancel.
			slog.Warn("Harvest service teardown timed out")
			return errors.Join(err, ErrTeardownTimeout)
		case e := <-results:
			err = errors.Join(err, e)
		}
	}

	return err
}

// runScheduler runs the scheduler until a quit.
// A graceful quit lets the regions in progress complete, a forced one aborts them.
func (s *Service) runScheduler() error {
	slog.Info("Starting sweep scheduler")
	defer s.gracefulCancel() // A stopped scheduler stops the service.

	err := s.scheduler.Run(s.ctx, s.gracefulCtx.Done())
	if err != nil && !errors.Is(err, s.ctx.Err()) {
		slog.Error("Sweep scheduler encountered an error", "err", err)
		return fmt.Errorf("sweep scheduler error: %v", err)
	}
	slog.Info("Sweep scheduler stopped")
	return nil
}

func (s *Service) runMetrics() error {
	slog.Info("Starting metrics server")
	defer s.gracefulCancel()

	serveErr := make(chan error, 1)
	go func() {
		defer close(serveErr)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-s.ctx.Done():
		slog.Info("Closing metrics server", "reason", s.ctx.Err())
		s.metricsServer.Close()
		return nil

	case <-s.gracefulCtx.Done():
		slog.Info("Graceful shutdown initiated for metrics server")
		if err := s.metricsServer.Shutdown(s.ctx); err != nil {
			slog.Error("Metrics server graceful shutdown encountered error", "err", err)
			return fmt.Errorf("metrics server shutdown error: %v", err)
		}

	case err := <-serveErr:
		if err != nil {
			slog.Error("Metrics server encountered error", "err", err)
			return fmt.Errorf("metrics server error: %v", err)
		}
	}

	slog.Info("Metrics server shut down gracefully")
	return nil
}

// Quit stops the harvest service and blocks until it has finished running.
//
// A graceful quit starts no new region: the sweep in progress completes its started regions
// and records the others as not started. A forced quit also aborts the started regions.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping harvest service", "force", force)

	if !force {
		s.gracefulCancel()
		<-s.running
		return
	}

	s.cancel()
	s.metricsServer.Close()
	<-s.running
}
