// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Idle Eviction
// =============================================================================

// EvictorConfig controls the idle sweep.
type EvictorConfig struct {
	// IdleTTL is how long a session may go without activity before removal.
	IdleTTL time.Duration

	// Interval is the time between sweeps.
	Interval time.Duration
}

// EvictionResult reports one sweep.
type EvictionResult struct {
	Evicted   int
	Remaining int
	StartTime time.Time
	EndTime   time.Time
}

// DurationMs returns the sweep duration in milliseconds.
func (r EvictionResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// EvictionObserver is notified after every sweep. Metrics hook in here.
type EvictionObserver func(EvictionResult)

// Evictor periodically removes idle sessions from a Store.
//
// # Description
//
// Runs an immediate sweep on Start and then one per Interval until Stop is
// called or the context passed to Start is cancelled.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use.
type Evictor struct {
	store    *Store
	config   EvictorConfig
	observer EvictionObserver
	now      func() time.Time

	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewEvictor creates an Evictor. observer may be nil.
func NewEvictor(store *Store, config EvictorConfig, observer EvictionObserver) *Evictor {
	return &Evictor{
		store:    store,
		config:   config,
		observer: observer,
		now:      store.now,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Returns an error if already running or if the
// configuration is unusable.
func (e *Evictor) Start(ctx context.Context) error {
	if e.config.IdleTTL <= 0 || e.config.Interval <= 0 {
		return fmt.Errorf("evictor requires positive idle ttl and interval, got %s and %s",
			e.config.IdleTTL, e.config.Interval)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("evictor is already running")
	}
	e.running = true
	e.done = make(chan struct{})
	e.mu.Unlock()

	slog.Info("Session evictor starting",
		"idle_ttl", e.config.IdleTTL.String(),
		"interval", e.config.Interval.String(),
	)

	go e.runLoop(ctx, e.done)
	return nil
}

// Stop ends the sweep loop. Calling Stop on a stopped evictor is a no-op.
func (e *Evictor) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	slog.Info("Session evictor stopping")
	close(e.done)
	e.running = false
	return nil
}

// RunNow performs one sweep synchronously.
func (e *Evictor) RunNow() EvictionResult {
	start := e.now()
	evicted := e.store.EvictIdle(start.Add(-e.config.IdleTTL))
	result := EvictionResult{
		Evicted:   evicted,
		Remaining: e.store.Len(),
		StartTime: start,
		EndTime:   e.now(),
	}
	if e.observer != nil {
		e.observer(result)
	}
	return result
}

func (e *Evictor) runLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.sweep()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Session evictor stopped (context cancelled)")
			return
		case <-done:
			slog.Info("Session evictor stopped (stop requested)")
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Evictor) sweep() {
	result := e.RunNow()
	if result.Evicted > 0 {
		slog.Info("Session eviction sweep completed",
			"evicted", result.Evicted,
			"remaining", result.Remaining,
			"duration_ms", result.DurationMs(),
		)
		return
	}
	slog.Debug("Session eviction sweep completed (no idle sessions)")
}
