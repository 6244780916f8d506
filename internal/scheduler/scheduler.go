// Package scheduler runs a periodic task with at most one run in flight.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Scheduler fires Task every interval. A firing that arrives while the
// previous run is still going is skipped, not queued.
type Scheduler struct {
	name     string
	interval time.Duration
	task     Task

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Scheduler. name only labels log lines.
func New(name string, interval time.Duration, task Task) *Scheduler {
	return &Scheduler{name: name, interval: interval, task: task}
}

// Run fires the task on every tick until ctx is cancelled, then waits for an
// in-flight run to observe the cancellation and return.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "task", s.name, "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("scheduler stopped", "task", s.name)
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts one run in the background unless one is already in flight.
// It reports whether a run was started.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		slog.Warn("previous run still in progress, skipping", "task", s.name)
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		start := time.Now()
		if err := s.safeRun(ctx); err != nil {
			slog.Error("scheduled task failed", "task", s.name, "error", err, "duration", time.Since(start))
			return
		}
		slog.Debug("scheduled task finished", "task", s.name, "duration", time.Since(start))
	}()
	return true
}

// Wait blocks until the in-flight run, if any, has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) safeRun(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return s.task(ctx)
}
