package main

import (
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Per-IP token buckets with two-generation rotation instead of
// per-entry expiry. When the current map fills up it becomes the
// previous one; still-active clients migrate back on their next query,
// everyone else ages out with the old map.
type ipLimiter struct {
	current  *sync.Map
	previous *sync.Map
	count    int64

	maxEntries int
	perMinute  float64
	burst      int
}

func newIPLimiter(perMinute float64, burst int) *ipLimiter {
	return &ipLimiter{
		current:    &sync.Map{},
		previous:   &sync.Map{},
		maxEntries: 10000, // rotate at ~2.5MB of limiter state
		perMinute:  perMinute,
		burst:      burst,
	}
}

func (l *ipLimiter) Allow(addr string) bool {
	ip := addr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		ip = host
	}

	if atomic.LoadInt64(&l.count) >= int64(l.maxEntries) {
		l.rotate()
	}

	if val, ok := l.current.Load(ip); ok {
		return val.(*rate.Limiter).Allow()
	}

	if val, ok := l.previous.Load(ip); ok {
		l.current.Store(ip, val)
		atomic.AddInt64(&l.count, 1)
		return val.(*rate.Limiter).Allow()
	}

	limiter := rate.NewLimiter(rate.Limit(l.perMinute/60), l.burst)
	l.current.Store(ip, limiter)
	atomic.AddInt64(&l.count, 1)
	return limiter.Allow()
}

func (l *ipLimiter) rotate() {
	l.previous = l.current
	l.current = &sync.Map{}
	atomic.StoreInt64(&l.count, 0)
}
