// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sweeper runs periodic pruning of the service's in-memory state.
//
// Expired rounds and dedup entries, expired cache entries, selection slots
// whose pool fell out of the cache, and idle look-ahead queues are all
// dropped by tasks registered with one Sweeper.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Sweeper
// =============================================================================

// Task is one pruning step. Run returns how many items it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) int
}

// Config configures a Sweeper.
//
// # Fields
//
//   - Interval: How often to sweep. Default: 1 minute.
//   - Logger: Logger for cycle summaries. Default: slog.Default().
type Config struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Logger:   slog.Default(),
	}
}

// Result is the outcome of one sweep.
type Result struct {
	Removed  map[string]int
	Duration time.Duration
}

// Total returns the number of items removed by all tasks.
func (r Result) Total() int {
	n := 0
	for _, v := range r.Removed {
		n += v
	}
	return n
}

// Sweeper runs its tasks on a ticker.
//
// # Description
//
// Uses the ticker + done channel pattern. A sweep runs immediately on
// Start and then every Interval until Stop is called or the context
// passed to Start is cancelled.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Sweeps never overlap.
type Sweeper struct {
	config Config
	tasks  []Task
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}

	sweepMu sync.Mutex
}

// New creates a Sweeper for tasks.
func New(config Config, tasks ...Task) *Sweeper {
	d := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.Logger == nil {
		config.Logger = d.Logger
	}
	return &Sweeper{
		config: config,
		tasks:  tasks,
		logger: config.Logger.With(slog.String("component", "sweeper")),
	}
}

// Start begins sweeping in the background.
//
// # Outputs
//
//   - error: Non-nil if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("sweeper starting",
		slog.String("interval", s.config.Interval.String()),
		slog.Int("tasks", len(s.tasks)),
	)
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop to exit and waits for the current sweep to finish.
// Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("sweeper stopped")
}

// RunNow performs one sweep immediately.
func (s *Sweeper) RunNow(ctx context.Context) Result {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := time.Now()
	res := Result{Removed: make(map[string]int, len(s.tasks))}
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			break
		}
		res.Removed[t.Name] = s.runTask(ctx, t)
	}
	res.Duration = time.Since(start)
	return res
}

// runTask runs t, turning a panic into a logged zero result.
func (s *Sweeper) runTask(ctx context.Context, t Task) (removed int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep task panicked",
				slog.String("task", t.Name),
				slog.Any("panic", r),
			)
			removed = 0
		}
	}()
	return t.Run(ctx)
}

func (s *Sweeper) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	res := s.RunNow(ctx)
	if res.Total() == 0 {
		s.logger.Debug("sweep completed (nothing to prune)")
		return
	}
	attrs := []any{
		slog.Int("removed", res.Total()),
		slog.Int64("duration_ms", res.Duration.Milliseconds()),
	}
	for name, n := range res.Removed {
		if n > 0 {
			attrs = append(attrs, slog.Int(name, n))
		}
	}
	s.logger.Info("sweep completed", attrs...)
}
