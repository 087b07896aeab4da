// Package orchestrator sweeps the region grid, driving every region from the existence check to its
// history entry.
//
// Each region goes through PENDING, CHECK_EXISTS, then either SKIPPED or FETCHING, then FAIL or
// WRITING, then FAIL or SUCCESS. Exactly one history entry is recorded per region and per sweep,
// before the worker takes the next region.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/regharvest/harvester/internal/common/constants"
	"github.com/regharvest/harvester/internal/harvest/artifact"
	"github.com/regharvest/harvester/internal/harvest/claim"
	"github.com/regharvest/harvester/internal/harvest/ledger"
	"github.com/regharvest/harvester/internal/harvest/region"
	"github.com/regharvest/harvester/internal/harvest/upstream"
	"golang.org/x/sync/errgroup"
)

// Messages recorded with the history entries.
const (
	MsgSuccess        = "ok"
	MsgAlreadyPresent = "artifact already present"
	MsgNoData         = "no data returned"
	MsgClaimed        = "claimed by another run"
	MsgStopped        = "not started: sweep stopped"
)

var (
	// ErrSweepInProgress is returned when a sweep is requested while another one is running.
	ErrSweepInProgress = errors.New("a sweep is already in progress")
	// ErrSweepStopped is returned when a sweep was stopped before starting every region.
	ErrSweepStopped = errors.New("sweep stopped")
)

// GridSource provides the grid snapshot of a sweep.
type GridSource interface {
	Grid() region.Grid
}

// Resolver locates artifacts.
type Resolver interface {
	Name(u region.Unit) string
	Exists(u region.Unit) (bool, error)
}

// Fetcher retrieves every upstream record of a region.
type Fetcher interface {
	FetchAll(ctx context.Context, u region.Unit) ([]upstream.Record, error)
}

// Writer stores the artifact of a region.
type Writer interface {
	Write(u region.Unit, headers []string, records []map[string]any) error
}

// Recorder appends history entries.
type Recorder interface {
	Record(ctx context.Context, e ledger.Entry) error
}

// Claimer leases regions across concurrent sweeps.
type Claimer interface {
	Claim(ctx context.Context, u region.Unit, owner string) (bool, error)
	Release(ctx context.Context, u region.Unit, owner string) error
}

// Deps are the components a sweep is made of.
type Deps struct {
	Grid     GridSource
	Resolver Resolver
	Fetcher  Fetcher
	Writer   Writer
	Ledger   Recorder
}

// Config tunes the sweep.
type Config struct {
	Headers        []string
	MaxConcurrency int

	// TreatStatErrorAsMissing harvests a region whose artifact presence could not be checked
	// instead of failing it.
	TreatStatErrorAsMissing bool
}

// Summary is the outcome of one sweep.
type Summary struct {
	RunID        uuid.UUID
	Total        int
	Succeeded    int
	Skipped      int
	Failed       int
	LedgerErrors int
	Duration     time.Duration
}

func (s *Summary) count(st ledger.Status) {
	switch st {
	case ledger.StatusSuccess:
		s.Succeeded++
	case ledger.StatusSkipped:
		s.Skipped++
	case ledger.StatusFail:
		s.Failed++
	}
}

// Orchestrator runs grid sweeps.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	claims  Claimer
	now     func() time.Time
	newRun  func() uuid.UUID
	log     *slog.Logger
	metrics *sweepMetrics

	sweeping sync.Mutex
}

type options struct {
	claimer  Claimer
	logger   *slog.Logger
	now      func() time.Time
	newRunID func() uuid.UUID
}

// Option is a function which tweaks the creation of the Orchestrator.
type Option func(*options)

// WithClaimer makes regions leased before being processed.
func WithClaimer(c Claimer) Option {
	return func(o *options) {
		o.claimer = c
	}
}

// WithLogger overrides the logger of the Orchestrator.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New creates an orchestrator and registers its metrics on reg.
func New(deps Deps, cfg Config, reg prometheus.Registerer, args ...Option) (*Orchestrator, error) {
	if deps.Grid == nil || deps.Resolver == nil || deps.Fetcher == nil || deps.Writer == nil || deps.Ledger == nil {
		return nil, errors.New("orchestrator requires a grid, a resolver, a fetcher, a writer and a ledger")
	}

	opts := options{
		claimer:  claim.Noop{},
		logger:   slog.Default(),
		now:      time.Now,
		newRunID: uuid.New,
	}
	for _, arg := range args {
		arg(&opts)
	}

	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = constants.DefaultMaxConcurrency
	}
	if len(cfg.Headers) == 0 {
		cfg.Headers = constants.DefaultHeaders
	}
	cfg.Headers = slices.Clone(cfg.Headers)

	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		claims: opts.claimer,
		now:    opts.now,
		newRun: opts.newRunID,
		log:    opts.logger,
	}
	units := deps.Grid.Grid().Units()
	if c := o.collisions(units); len(c) > 0 {
		for _, u := range units {
			if prev, ok := c[u]; ok {
				return nil, fmt.Errorf("%w: %s and %s both map to %q", artifact.ErrNameCollision, prev, u, deps.Resolver.Name(u))
			}
		}
	}

	m, err := newSweepMetrics(reg)
	if err != nil {
		return nil, err
	}
	o.metrics = m

	return o, nil
}

// collisions maps every unit whose artifact name is already used by an earlier unit to that unit.
func (o *Orchestrator) collisions(units []region.Unit) map[region.Unit]region.Unit {
	owners := make(map[string]region.Unit, len(units))
	c := make(map[region.Unit]region.Unit)
	for _, u := range units {
		n := o.deps.Resolver.Name(u)
		if prev, ok := owners[n]; ok {
			c[u] = prev
			continue
		}
		owners[n] = u
	}
	return c
}

// Sweep harvests every region of the current grid once, aborting it when ctx is canceled.
func (o *Orchestrator) Sweep(ctx context.Context) (Summary, error) {
	return o.SweepUntil(ctx, ctx.Done())
}

// SweepUntil harvests every region of the current grid once.
//
// Regions are processed by at most MaxConcurrency workers. A region failure never stops the sweep.
// Once stop is closed no new region is started, while the regions in progress run to completion.
// Canceling ctx also aborts the regions in progress. Every region not started is recorded as failed,
// so the sweep always ends with one history entry per region.
// The returned error wraps the context error or is ErrSweepStopped when the sweep was interrupted.
func (o *Orchestrator) SweepUntil(ctx context.Context, stop <-chan struct{}) (Summary, error) {
	if !o.sweeping.TryLock() {
		return Summary{}, ErrSweepInProgress
	}
	defer o.sweeping.Unlock()

	runID := o.newRun()
	units := o.deps.Grid.Grid().Units()
	start := o.now()
	log := o.log.With("run_id", runID)
	log.Info("Starting sweep", "regions", len(units), "max_concurrency", o.cfg.MaxConcurrency)

	var (
		mu  sync.Mutex
		sum = Summary{RunID: runID, Total: len(units)}
	)
	done := func(e ledger.Entry, recordErr error) {
		mu.Lock()
		defer mu.Unlock()
		sum.count(e.Status)
		if recordErr != nil {
			sum.LedgerErrors++
		}
	}

	// A grid reloaded since New may map two regions to one artifact: only the first one is harvested.
	collisions := o.collisions(units)

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.MaxConcurrency)
	for _, u := range units {
		g.Go(func() error {
			done(o.harvest(ctx, stop, runID, u, collisions))
			return nil
		})
	}
	_ = g.Wait()

	sum.Duration = o.now().Sub(start)
	log.Info("Sweep finished", "total", sum.Total, "succeeded", sum.Succeeded, "skipped", sum.Skipped,
		"failed", sum.Failed, "ledger_errors", sum.LedgerErrors, "duration", sum.Duration)

	if err := ctx.Err(); err != nil {
		return sum, fmt.Errorf("sweep interrupted: %w", err)
	}
	if stopped(stop) {
		return sum, ErrSweepStopped
	}
	return sum, nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// harvest drives u to a terminal state and records it.
func (o *Orchestrator) harvest(ctx context.Context, stop <-chan struct{}, runID uuid.UUID, u region.Unit, collisions map[region.Unit]region.Unit) (ledger.Entry, error) {
	log := o.log.With("run_id", runID, "city", u.City, "district", u.District)
	owner := runID.String()

	o.metrics.active.Inc()
	defer o.metrics.active.Dec()
	timer := prometheus.NewTimer(o.metrics.duration)
	defer timer.ObserveDuration()

	e := ledger.Entry{RunID: runID, Unit: u, ArtifactName: o.deps.Resolver.Name(u)}
	claimed := false
	prev, collides := collisions[u]
	switch {
	case ctx.Err() != nil:
		e.Status, e.Message = ledger.StatusFail, fmt.Sprintf("not started: %v", ctx.Err())
	case stopped(stop):
		e.Status, e.Message = ledger.StatusFail, MsgStopped
	case collides:
		e.Status, e.Message = ledger.StatusFail, fmt.Sprintf("artifact name already used by %s", prev)
	default:
		claimed = o.run(ctx, log, u, owner, &e)
	}
	e.Timestamp = o.now()

	// The history must be written even when the sweep is being interrupted.
	recordCtx := context.WithoutCancel(ctx)
	err := o.deps.Ledger.Record(recordCtx, e)
	if err != nil {
		log.Error("Failed to record history entry", "status", e.Status, "err", err)
	}
	if claimed {
		if err := o.claims.Release(recordCtx, u, owner); err != nil {
			log.Warn("Failed to release region claim", "err", err)
		}
	}

	o.metrics.regions.WithLabelValues(string(e.Status)).Inc()
	log.Debug("Region done", "status", e.Status, "records", e.RecordCount, "message", e.Message)
	return e, err
}

// run performs the pipeline of u, filling e with its terminal state.
// It reports whether u was claimed and must be released.
func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, u region.Unit, owner string, e *ledger.Entry) (claimed bool) {
	fail := func(err error) {
		e.Status, e.Message, e.RecordCount = ledger.StatusFail, err.Error(), 0
	}

	ok, err := o.claims.Claim(ctx, u, owner)
	if err != nil {
		fail(err)
		return false
	}
	if !ok {
		e.Status, e.Message = ledger.StatusSkipped, MsgClaimed
		return false
	}

	exists, err := o.deps.Resolver.Exists(u)
	if err != nil {
		if !o.cfg.TreatStatErrorAsMissing {
			fail(fmt.Errorf("checking artifact: %w", err))
			return true
		}
		log.Warn("Could not check artifact presence, harvesting anyway", "err", err)
		exists = false
	}
	if exists {
		e.Status, e.Message = ledger.StatusSkipped, MsgAlreadyPresent
		return true
	}

	records, err := o.deps.Fetcher.FetchAll(ctx, u)
	if err != nil {
		fail(err)
		return true
	}
	if len(records) == 0 {
		e.Status, e.Message = ledger.StatusFail, MsgNoData
		return true
	}

	if err := o.deps.Writer.Write(u, o.cfg.Headers, records); err != nil {
		fail(err)
		return true
	}

	e.Status, e.Message, e.RecordCount = ledger.StatusSuccess, MsgSuccess, len(records)
	return true
}

type sweepMetrics struct {
	regions  *prometheus.CounterVec
	active   prometheus.Gauge
	duration prometheus.Histogram
}

func newSweepMetrics(reg prometheus.Registerer) (*sweepMetrics, error) {
	m := &sweepMetrics{
		regions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_regions_total",
			Help: "Number of regions processed, by terminal status.",
		}, []string{"status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_active_regions",
			Help: "Number of regions currently being harvested.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_region_duration_seconds",
			Help:    "Time spent harvesting a single region.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	for _, c := range []prometheus.Collector{m.regions, m.active, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register sweep metrics: %v", err)
		}
	}
	for _, st := range []ledger.Status{ledger.StatusSuccess, ledger.StatusSkipped, ledger.StatusFail} {
		m.regions.WithLabelValues(string(st))
	}
	return m, nil
}
