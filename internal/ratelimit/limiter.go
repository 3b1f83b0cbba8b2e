// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ratelimit provides a per-service minimum-interval gate. Every
// outgoing catalog or provider call acquires its service's slot first.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum interval between calls per named service.
type Limiter struct {
	intervals map[string]time.Duration

	mu   sync.Mutex
	next map[string]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a limiter with the given per-service minimum intervals.
// Services without an entry are not limited.
func New(intervals map[string]time.Duration) *Limiter {
	l := &Limiter{
		intervals: make(map[string]time.Duration, len(intervals)),
		next:      make(map[string]time.Time),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for service, interval := range intervals {
		if interval > 0 {
			l.intervals[service] = interval
		}
	}
	return l
}

// Acquire blocks until the minimum inter-call interval for the service has
// elapsed, or the context is done. The slot is reserved under the lock
// before waiting, so concurrent acquirers are spaced out rather than
// released together.
func (l *Limiter) Acquire(ctx context.Context, service string) error {
	interval, ok := l.intervals[service]
	if !ok {
		return ctx.Err()
	}

	l.mu.Lock()
	now := l.now()
	at := l.next[service]
	if at.Before(now) {
		at = now
	}
	l.next[service] = at.Add(interval)
	l.mu.Unlock()

	if wait := at.Sub(now); wait > 0 {
		return l.sleep(ctx, wait)
	}
	return ctx.Err()
}

// NextWait reports how long the next Acquire for the service would block,
// without reserving a slot.
func (l *Limiter) NextWait(service string) time.Duration {
	if _, ok := l.intervals[service]; !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if wait := l.next[service].Sub(l.now()); wait > 0 {
		return wait
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
