package gateway

import (
	"sync"
	"time"
)

// Default per-connection limits
const (
	DefaultRequestsPerMinute = 120
	DefaultMaxPending        = 16
)

// Rejection reasons reported by ClientRateLimiter.Allow
const (
	reasonRateLimited = "rate limit exceeded"
	reasonTooPending  = "too many pending requests"
)

// ClientRateLimiter bounds one websocket connection: a sliding one-minute
// window of admitted frames and a cap on requests still awaiting a response.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxPending        int
	window            time.Duration
	admitted          []time.Time
	pending           int
	now               func() time.Time
}

// NewClientRateLimiter creates a limiter. Non-positive limits take the defaults.
func NewClientRateLimiter(requestsPerMinute, maxPending int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxPending:        maxPending,
		window:            time.Minute,
		now:               time.Now,
	}
}

// Allow admits one frame. expectsReply marks a request that holds a pending
// slot until Done is called.
func (r *ClientRateLimiter) Allow(expectsReply bool) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)

	if expectsReply && r.pending >= r.maxPending {
		return false, reasonTooPending
	}
	if len(r.admitted) >= r.requestsPerMinute {
		return false, reasonRateLimited
	}

	r.admitted = append(r.admitted, now)
	if expectsReply {
		r.pending++
	}
	return true, ""
}

// Done releases a pending slot.
func (r *ClientRateLimiter) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending > 0 {
		r.pending--
	}
}

// Stats returns the admitted frames inside the window and the pending count.
func (r *ClientRateLimiter) Stats() (admitted, pending int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.admitted), r.pending
}

func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	kept := r.admitted[:0]
	for _, t := range r.admitted {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.admitted = kept
}
