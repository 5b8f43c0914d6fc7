// Package worker owns the module's background tasks: timed cache sweeps, the
// monthly period reset job, and the burn-rate projection sweep. Tasks are
// started at process boot and stopped on shutdown; none of them are on any
// request path.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scanmeter/internal/platform/clock"
	"scanmeter/internal/quota/cache"
	"scanmeter/internal/quota/metrics"
	dErrors "scanmeter/pkg/domain-errors"
)

// Sweeper expires cache entries on a fixed interval so memory stays bounded
// independent of access patterns.
type Sweeper struct {
	targets  []cache.Sweepable
	interval time.Duration

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// SweeperOption configures optional Sweeper dependencies.
type SweeperOption func(*Sweeper)

func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

func WithSweeperClock(clk clock.Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = clk }
}

func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// NewSweeper constructs a sweeper over the given caches.
func NewSweeper(interval time.Duration, targets []cache.Sweepable, opts ...SweeperOption) (*Sweeper, error) {
	if interval <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "sweep interval must be positive")
	}
	s := &Sweeper{
		targets:  targets,
		interval: interval,
		clock:    clock.System{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the sweep loop. Idempotent.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	go s.loop(s.stop, s.done)
	s.logger.Info("cache sweeper started", "interval", s.interval.String())
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stop)
	<-s.done
	s.running = false
	s.logger.Info("cache sweeper stopped")
}

func (s *Sweeper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs one pass over every target and returns the total removals.
func (s *Sweeper) SweepOnce() int {
	now := s.clock.Now()
	removed := 0
	for _, target := range s.targets {
		removed += target.Sweep(now)
	}
	if removed > 0 {
		if s.metrics != nil {
			s.metrics.SweepRemovals.Add(float64(removed))
		}
		s.logger.Debug("cache sweep completed", "removed", removed)
	}
	return removed
}

// Run starts the sweeper and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.Start()
	<-ctx.Done()
	s.Stop()
}
