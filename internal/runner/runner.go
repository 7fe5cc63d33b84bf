// Package runner drives the reap daemon: a reconciliation pass over every
// host's async stop records, once on startup and then on every tick.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nholik/cordon/internal/metrics"
	"github.com/nholik/cordon/internal/server"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Ticker is the minimal interface needed for driving the runner loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// Reaper reconciles the async stops issued on one host. Stop with no ids
// only force-stops zombies and drops stale records.
type Reaper interface {
	Host() string
	Stop(ctx context.Context, ids []string) error
}

// Runner orchestrates the main execution loop.
type Runner struct {
	logger        zerolog.Logger
	pollInterval  time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error
	reapers       []Reaper
	limit         int
	tracker       *server.Tracker
	metrics       *metrics.Metrics
	now           func() time.Time
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(r *Runner) {
		r.tickerFactory = factory
	}
}

// WithRunOnce overrides the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(r *Runner) {
		r.runOnce = runOnce
	}
}

// WithReapers sets the hosts reconciled by the default cycle.
func WithReapers(reapers ...Reaper) Option {
	return func(r *Runner) {
		r.reapers = reapers
	}
}

// WithConcurrency bounds how many hosts are reconciled at once; 0 means all.
func WithConcurrency(limit int) Option {
	return func(r *Runner) {
		r.limit = limit
	}
}

// WithTracker records cycle timing for the health endpoints.
func WithTracker(tracker *server.Tracker) Option {
	return func(r *Runner) {
		r.tracker = tracker
	}
}

// WithMetrics records cycle timing as metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithClock overrides the clock used to time cycles.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// New constructs a Runner with the given logger and poll interval.
func New(logger zerolog.Logger, pollInterval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		logger:       logger,
		pollInterval: pollInterval,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		now: time.Now,
	}
	r.runOnce = r.defaultRunOnce

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the main loop and blocks until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.pollInterval <= 0 {
		return errors.New("poll interval must be greater than zero")
	}

	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("initial reconcile cycle failed")
	}

	ticker := r.tickerFactory(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("runner stopped")
			return nil
		case <-ticker.C():
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconcile cycle failed")
			}
		}
	}
}

// RunOnce executes a single cycle of the runner.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.runOnce(ctx)
}

func (r *Runner) defaultRunOnce(ctx context.Context) error {
	start := r.now()
	result := Reconcile(ctx, r.logger, r.reapers, r.limit)
	finished := r.now()
	duration := finished.Sub(start)

	r.tracker.RecordCycle(duration, result.Reconciled, len(result.Failed))
	r.metrics.ObserveReconcile(duration, finished)

	r.logger.Info().
		Int("hosts", len(r.reapers)).
		Int("failed", len(result.Failed)).
		Dur("duration", duration).
		Msg("reconcile cycle finished")
	return result.Err()
}

// Reconcile runs one reconciliation pass on every reaper, at most limit at a
// time. A failing host does not stop the others.
func Reconcile(ctx context.Context, logger zerolog.Logger, reapers []Reaper, limit int) Result {
	result := Result{Failed: map[string]error{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, reaper := range reapers {
		g.Go(func() error {
			err := reaper.Stop(gctx, nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn().Err(err).Str("host", reaper.Host()).Msg("reconcile failed")
				result.Failed[reaper.Host()] = err
				return nil
			}
			result.Reconciled++
			return nil
		})
	}
	_ = g.Wait()
	return result
}
