// Package quota enforces per-caller request limits over a sliding window.
package quota

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"loom/internal/services"
)

// Limiter tracks one token bucket per caller. Buckets are created lazily on
// first use; the window and limit come from configuration and apply uniformly
// to every caller.
type Limiter struct {
	limit  rate.Limit
	burst  int
	window time.Duration

	mu      sync.Mutex
	callers map[string]*rate.Limiter
}

// New sizes the limiter so each caller may make maxRequests within window.
func New(window time.Duration, maxRequests int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &Limiter{
		limit:   rate.Every(window / time.Duration(maxRequests)),
		burst:   maxRequests,
		window:  window,
		callers: make(map[string]*rate.Limiter),
	}
}

// Allow consumes one request slot for caller. When the caller is over quota
// it returns ErrRateLimited carrying the time at which a slot frees up, so
// clients can back off instead of hammering the limiter.
func (l *Limiter) Allow(caller string) error {
	bucket := l.bucket(caller)

	reservation := bucket.Reserve()
	delay := reservation.Delay()
	if delay == 0 {
		return nil
	}
	// Over quota. Give the slot back so the rejected request does not eat
	// into the caller's budget.
	reservation.Cancel()

	return &services.RetryAfterError{
		Marker:     services.ErrRateLimited,
		Dependency: fmt.Sprintf("caller %s", caller),
		RetryAfter: delay,
	}
}

func (l *Limiter) bucket(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.callers[caller]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.callers[caller] = bucket
	}
	return bucket
}

// Window returns the configured quota window.
func (l *Limiter) Window() time.Duration {
	return l.window
}
