package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter caps how many mutations (pushes and initial
// replaces) the server accepts per rolling window. A runaway editor plugin
// re-pushing its whole vault in a loop would otherwise turn every other
// device's stream into a firehose; excess requests get a 429 and the
// client retries.
//
// Admitted timestamps are kept oldest-first; each Allow prunes the expired
// prefix before deciding. A nil limiter, or one built with a zero window or
// limit, admits everything.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu       sync.Mutex
	admitted []time.Time
}

// NewSlidingWindowLimiter allows up to limit calls per window. timeSource
// overrides the clock for tests; nil means time.Now.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{window: window, limit: limit, now: timeSource}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Allow reports whether one more mutation may proceed, recording it if so.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	expired := 0
	for expired < len(l.admitted) && !l.admitted[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[expired:]...)
	}

	if len(l.admitted) >= l.limit {
		return false
	}
	l.admitted = append(l.admitted, l.now())
	return true
}

// Pending returns how many admissions currently count against the limit,
// for the readiness report.
func (l *SlidingWindowLimiter) Pending() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	pending := 0
	for _, ts := range l.admitted {
		if ts.After(cutoff) {
			pending++
		}
	}
	return pending
}
