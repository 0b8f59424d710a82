package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is used when a Sweeper is built with a non-positive interval.
const DefaultInterval = time.Minute

// SweepFunc performs one sweep.
type SweepFunc func(ctx context.Context)

// Sweeper runs a SweepFunc on a fixed interval until stopped.
// The first sweep happens one interval after Start.
type Sweeper struct {
	interval time.Duration
	sweep    SweepFunc
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper. A nil logger uses slog.Default.
func NewSweeper(interval time.Duration, sweep SweepFunc, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		interval: interval,
		sweep:    sweep,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background loop. Calling Start on a running or stopped
// sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Debug("starting sweeper", "interval", s.interval)
	go s.run(ctx)
	return nil
}

// Stop ends the loop and waits for an in-progress sweep to finish.
// It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.stopped
}

// RunOnce performs a single sweep on the caller's goroutine.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}
