package signal

import (
	"sync"

	"github.com/dkeye/ClinicCall/internal/core"
	"golang.org/x/time/rate"
)

// ConnRateLimiter keeps one token bucket per connection.
type ConnRateLimiter struct {
	mu      sync.Mutex
	buckets map[core.ConnID]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func NewConnRateLimiter(perSecond float64, burst int) *ConnRateLimiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &ConnRateLimiter{
		buckets: make(map[core.ConnID]*rate.Limiter),
		limit:   limit,
		burst:   burst,
	}
}

func (rl *ConnRateLimiter) Allow(conn core.ConnID) bool {
	rl.mu.Lock()
	l, ok := rl.buckets[conn]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[conn] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

func (rl *ConnRateLimiter) Forget(conn core.ConnID) {
	rl.mu.Lock()
	delete(rl.buckets, conn)
	rl.mu.Unlock()
}
