package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per user so a single chatty
// client cannot monopolize the send endpoint.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 5
	}
	return &limiterPool{
		limiters: make(map[int64]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (p *limiterPool) get(userID int64) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[userID]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.limiters[userID] = l
	}
	return l
}

func (p *limiterPool) allow(userID int64) bool {
	return p.get(userID).Allow()
}
