package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiters keeps one token bucket per user.
type RateLimiters struct {
	limit rate.Limit
	burst int
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*limiterBucket
}

type limiterBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiters allows burst requests at once and one more every interval.
func NewRateLimiters(interval time.Duration, burst int, clock func() time.Time) *RateLimiters {
	if clock == nil {
		clock = time.Now
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &RateLimiters{limit: limit, burst: burst, clock: clock, buckets: make(map[string]*limiterBucket)}
}

func (r *RateLimiters) Allow(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	bucket, ok := r.buckets[userID]
	if !ok {
		bucket = &limiterBucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[userID] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

// Prune drops buckets unused for longer than idle.
func (r *RateLimiters) Prune(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	pruned := 0
	for userID, bucket := range r.buckets {
		if now.Sub(bucket.lastSeen) > idle {
			delete(r.buckets, userID)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked users.
func (r *RateLimiters) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
