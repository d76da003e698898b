// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements sliding-window counters keyed by remote
// address. The broker keeps one window per guarded surface: gateway
// connection opens, failed invite validations, and cookie issuance.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how often idle keys are evicted.
const sweepInterval = 1 * time.Minute

// Window is a sliding-window counter. It stores the timestamps of events
// within the window per key; on check it drops expired ones and compares
// the remaining count against the limit.
type Window struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewWindow creates a sliding-window counter allowing limit events per
// window duration for each key.
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an event for key and reports whether the key is within its
// limit. When the limit is exceeded the event is not recorded and the
// remaining wait until the oldest event leaves the window is returned.
func (w *Window) Allow(key string) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	kept := w.pruneLocked(key, now)
	if len(kept) >= w.limit {
		return false, w.retryAfterLocked(kept, now)
	}

	w.events[key] = append(kept, now)
	return true, 0
}

// Record unconditionally records an event for key. Used for failure
// counters, where the event is counted even once the key is over the limit.
func (w *Window) Record(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.events[key] = append(w.pruneLocked(key, now), now)
}

// Exceeded reports whether key is at or over its limit without recording
// anything, along with the retry-after hint.
func (w *Window) Exceeded(key string) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	kept := w.pruneLocked(key, now)
	w.events[key] = kept
	if len(kept) >= w.limit {
		return true, w.retryAfterLocked(kept, now)
	}
	return false, 0
}

// pruneLocked drops events older than the window for key and returns the
// surviving slice. Caller holds w.mu.
func (w *Window) pruneLocked(key string, now time.Time) []time.Time {
	evs := w.events[key]
	cutoff := now.Add(-w.window)
	i := 0
	for ; i < len(evs); i++ {
		if evs[i].After(cutoff) {
			break
		}
	}
	return evs[i:]
}

// retryAfterLocked returns (oldest event + window) - now.
func (w *Window) retryAfterLocked(kept []time.Time, now time.Time) time.Duration {
	if len(kept) == 0 {
		return 0
	}
	return kept[0].Add(w.window).Sub(now)
}

// Run evicts idle keys until ctx is cancelled. The window is usable without
// it; Run only bounds memory when many distinct addresses come and go.
func (w *Window) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for key := range w.events {
		if kept := w.pruneLocked(key, now); len(kept) == 0 {
			delete(w.events, key)
		} else {
			w.events[key] = kept
		}
	}
}
