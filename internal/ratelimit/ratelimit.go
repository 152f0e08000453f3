// Package ratelimit keeps one token bucket per caller key.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Pool hands out per-key limiters and evicts ones idle for longer than ttl.
type Pool struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rps      rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewPool(rps float64, burst int) *Pool {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Pool{
		limiters: map[string]*entry{},
		rps:      rate.Limit(rps),
		burst:    burst,
		ttl:      10 * time.Minute,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

func (p *Pool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.limiters[key]; ok {
		e.lastSeen = p.now()
		return e.limiter
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.limiters[key] = &entry{limiter: l, lastSeen: p.now()}
	return l
}

func (p *Pool) Allow(key string) bool {
	return p.get(key).Allow()
}

// StartCleanup runs the eviction loop every period until Stop is called.
func (p *Pool) StartCleanup(period time.Duration) {
	if period <= 0 {
		period = time.Minute
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.evictIdle()
			case <-p.stopCh:
				return
			}
		}
	}()
}

func (p *Pool) evictIdle() int {
	cutoff := p.now().Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for key, e := range p.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(p.limiters, key)
			evicted++
		}
	}
	return evicted
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}
