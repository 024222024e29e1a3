package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterRegistry enforces each node's advertised RateLimitHint as a
// token bucket: a node whose bucket is exhausted is treated as
// temporarily non-candidate by the load balancer, the same tier as a
// breaker-blocked node.
type RateLimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiterRegistry() *RateLimiterRegistry {
	return &RateLimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiterRegistry) limiterFor(node Node) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[node.ID]; ok {
		return l
	}

	if node.RateLimitHint <= 0 {
		// no hint configured, allow unconditionally via an effectively
		// infinite bucket
		l := rate.NewLimiter(rate.Inf, 1)
		r.limiters[node.ID] = l
		return l
	}

	window := node.RateLimitWindow
	if window <= 0 {
		window = time.Second
	}
	perSecond := float64(node.RateLimitHint) / window.Seconds()
	l := rate.NewLimiter(rate.Limit(perSecond), node.RateLimitHint)
	r.limiters[node.ID] = l
	return l
}

// Allow reports whether a request may be sent to node right now without
// blocking, consuming a token if so.
func (r *RateLimiterRegistry) Allow(node Node) bool {
	return r.limiterFor(node).Allow()
}
