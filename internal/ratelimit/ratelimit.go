// Package ratelimit implements C4: a fixed-window request budget against the
// primary throughput endpoint, with explicit 429 feedback. Grounded directly
// on original_source/scanner.py's CFRateLimiter — an async mutex guards the
// sequentially-dependent state transitions (§4.4, §9 "async mutex vs
// lock-free counters"), while the wait phases run outside the mutex so
// other callers can keep checking would_block and making progress toward the
// fallback endpoint.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Budget is the conservative request ceiling per window (§4.4).
	Budget = 550
	// Window is the fixed window duration (§4.4).
	Window = 600 * time.Second

	minBlock = 30 * time.Second
	maxBlock = 600 * time.Second
)

// clock is swappable in tests.
type clock func() time.Time

// Limiter is the C4 rate limiter. Zero value is ready to use.
type Limiter struct {
	mu           sync.Mutex
	count        int
	windowStart  time.Time
	blockedUntil time.Time

	now clock

	// Optional instrumentation; nil-safe.
	blockedCounter prometheus.Counter
	waitHist       prometheus.Observer
}

// Option configures optional fields.
type Option func(*Limiter)

// WithMetrics wires Prometheus counters/histogram (internal/metrics.Set).
func WithMetrics(blocked prometheus.Counter, wait prometheus.Observer) Option {
	return func(l *Limiter) {
		l.blockedCounter = blocked
		l.waitHist = wait
	}
}

func withClock(c clock) Option {
	return func(l *Limiter) { l.now = c }
}

// New constructs a ready-to-use Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Acquire blocks (cooperatively, honoring ctx) until a request slot is
// available, then counts it. It is the only operation that grants permission
// to call the primary endpoint.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.now()

	if err := l.waitBlocked(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	for {
		now := l.now()

		if !l.blockedUntil.IsZero() && !now.Before(l.blockedUntil) {
			l.count = 0
			l.windowStart = now
			l.blockedUntil = time.Time{}
		}

		if l.windowStart.IsZero() {
			l.windowStart = now
		}
		if now.Sub(l.windowStart) >= Window {
			l.count = 0
			l.windowStart = now
		}

		if l.count < Budget {
			l.count++
			l.mu.Unlock()
			l.observeWait(l.now().Sub(start))
			return nil
		}

		waitUntil := l.windowStart.Add(Window)
		savedWindow := l.windowStart
		l.mu.Unlock()

		if err := sleepUntil(ctx, l.now, waitUntil); err != nil {
			return err
		}

		l.mu.Lock()
		// Only reset if no other caller already did (compare the observed
		// window-start, per the invariant in §4.4).
		if l.windowStart.Equal(savedWindow) {
			l.count = 0
			l.windowStart = l.now()
		}
	}
}

func (l *Limiter) waitBlocked(ctx context.Context) error {
	l.mu.Lock()
	until := l.blockedUntil
	l.mu.Unlock()
	if until.IsZero() {
		return nil
	}
	return sleepUntil(ctx, l.now, until)
}

func (l *Limiter) observeWait(d time.Duration) {
	if l.waitHist != nil {
		l.waitHist.Observe(d.Seconds())
	}
}

// WouldBlock is a read-only predicate callers use to preempt rate-limiter use
// and steer to the fallback endpoint instead of enqueueing.
func (l *Limiter) WouldBlock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.blockedUntil.IsZero() && now.Before(l.blockedUntil) {
		return true
	}
	if !l.windowStart.IsZero() && now.Sub(l.windowStart) < Window && l.count >= Budget {
		return true
	}
	return false
}

// Report429 is the engine's only sink for upstream rate-limit signals.
// retryAfterSeconds is clamped to [30, 600]; a 429 within a window never
// shrinks an existing longer block.
func (l *Limiter) Report429(retryAfterSeconds int) {
	clamped := time.Duration(retryAfterSeconds) * time.Second
	if clamped < minBlock {
		clamped = minBlock
	}
	if clamped > maxBlock {
		clamped = maxBlock
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.now().Add(clamped)
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
		if l.blockedCounter != nil {
			l.blockedCounter.Inc()
		}
	}
}

func sleepUntil(ctx context.Context, now clock, until time.Time) error {
	for {
		d := until.Sub(now())
		if d <= 0 {
			return nil
		}
		if d > time.Second {
			d = time.Second
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
