// Package poll drives the fetch→rank→serialize→send pipeline on a fixed
// cadence.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Pipeline is one poll cycle. The context carries the per-cycle deadline;
// a cycle that cannot finish within it should give up and let the next tick
// try again.
type Pipeline func(ctx context.Context)

// Scheduler fires a Pipeline on a constant interval. Cycles are stateless
// and independent, so overlapping runs are allowed: cron fires each tick in
// its own goroutine and a slow cycle never delays the next one.
type Scheduler struct {
	cron     *cron.Cron
	interval time.Duration
	timeout  time.Duration
	pipeline Pipeline
	log      *slog.Logger

	mu      sync.Mutex
	started bool
}

// New creates a scheduler that runs pipeline every interval, giving each
// cycle at most timeout to complete.
func New(interval, timeout time.Duration, pipeline Pipeline, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:     cron.New(),
		interval: interval,
		timeout:  timeout,
		pipeline: pipeline,
		log:      logger,
	}
}

// Start begins ticking. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.runCycle))
	s.cron.Start()
	s.log.Info("poll: scheduler started", "interval", s.interval)
}

// RunNow triggers one cycle immediately, outside the fixed cadence. Used
// for the initial poll on startup and manual refresh.
func (s *Scheduler) RunNow() {
	go s.runCycle()
}

// Stop cancels all future ticks and blocks until in-flight cycles have
// completed. No cycle starts after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info("poll: scheduler stopped")
}

func (s *Scheduler) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.pipeline(ctx)
}
