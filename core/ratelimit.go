package core

// ratelimit.go – per-peer gossip rate limiting (§5 resource cap: "maximum
// order gossip rate per peer (1/s with burst 8)"). Two interchangeable
// strategies satisfy the same interface per the fixed-window wall-clock-
// residue bug flagged in SPEC_FULL.md's Open Question resolutions: an
// explicit stored windowStart, never `now % window`.

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultGossipRate and DefaultGossipBurst are the §5 resource caps.
const (
	DefaultGossipRate  = 1 // events per second
	DefaultGossipBurst = 8
)

// PeerRateLimiter decides whether a peer's next gossip message should be
// accepted or dropped as abusive.
type PeerRateLimiter interface {
	Allow(peer PeerId, now time.Time) bool
}

//---------------------------------------------------------------------
// Sliding window (token bucket)
//---------------------------------------------------------------------

// SlidingWindowLimiter is a per-peer token bucket built on the teacher's
// `golang.org/x/time/rate` dependency (used there for a flat HTTP-handler
// limiter; generalized here to one bucket per peer).
type SlidingWindowLimiter struct {
	mu       sync.Mutex
	limiters map[PeerId]*rate.Limiter
	r        rate.Limit
	burst    int
}

func NewSlidingWindowLimiter(ratePerSec float64, burst int) *SlidingWindowLimiter {
	if ratePerSec <= 0 {
		ratePerSec = DefaultGossipRate
	}
	if burst <= 0 {
		burst = DefaultGossipBurst
	}
	return &SlidingWindowLimiter{
		limiters: make(map[PeerId]*rate.Limiter),
		r:        rate.Limit(ratePerSec),
		burst:    burst,
	}
}

var _ PeerRateLimiter = (*SlidingWindowLimiter)(nil)

// Allow reports whether peer's next event fits in its token bucket, taking a
// token if so. now is accepted for interface symmetry with
// FixedWindowLimiter; x/time/rate reads the wall clock internally.
func (l *SlidingWindowLimiter) Allow(peer PeerId, now time.Time) bool {
	l.mu.Lock()
	lim, ok := l.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[peer] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Forget drops a peer's bucket, e.g. once it disconnects.
func (l *SlidingWindowLimiter) Forget(peer PeerId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, peer)
}

//---------------------------------------------------------------------
// Fixed window
//---------------------------------------------------------------------

type fixedWindowEntry struct {
	windowStart time.Time
	count       int
}

// FixedWindowLimiter counts events per peer within a fixed-length window,
// resetting the counter when now has advanced past windowStart+window
// rather than by any wall-clock-residue computation.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	entries map[PeerId]*fixedWindowEntry
	limit   int
	window  time.Duration
}

func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	if limit <= 0 {
		limit = DefaultGossipBurst
	}
	if window <= 0 {
		window = time.Second
	}
	return &FixedWindowLimiter{
		entries: make(map[PeerId]*fixedWindowEntry),
		limit:   limit,
		window:  window,
	}
}

var _ PeerRateLimiter = (*FixedWindowLimiter)(nil)

func (l *FixedWindowLimiter) Allow(peer PeerId, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[peer]
	if !ok {
		l.entries[peer] = &fixedWindowEntry{windowStart: now, count: 1}
		return true
	}
	if now.Sub(e.windowStart) >= l.window {
		e.windowStart = now
		e.count = 1
		return true
	}
	if e.count >= l.limit {
		return false
	}
	e.count++
	return true
}

// Forget drops a peer's window entry.
func (l *FixedWindowLimiter) Forget(peer PeerId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, peer)
}
