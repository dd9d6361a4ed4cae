package web

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// SourceLimiter keeps one token bucket per source. A zero rate disables it.
type SourceLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    atomic.Int64
}

func NewSourceLimiter(perSecond float64, burst int) *SourceLimiter {
	if burst < 1 {
		burst = 1
	}
	return &SourceLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

func (l *SourceLimiter) get(sourceID string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[sourceID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[sourceID]; ok {
		return b
	}
	b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
	l.buckets[sourceID] = b
	return b
}

func (l *SourceLimiter) Allow(sourceID string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	now := l.now()
	b := l.get(sourceID)
	b.seen.Store(now.UnixNano())
	return b.limiter.AllowN(now, 1)
}

// EvictIdle drops buckets unused for at least idle that have refilled
// completely, so a departed source frees its entry without any active
// source getting tokens back early. It returns how many were dropped.
func (l *SourceLimiter) EvictIdle(idle time.Duration) int {
	if l == nil {
		return 0
	}
	now := l.now()
	cutoff := now.Add(-idle).UnixNano()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, b := range l.buckets {
		if b.seen.Load() > cutoff || b.limiter.TokensAt(now) < float64(l.burst) {
			continue
		}
		delete(l.buckets, id)
		n++
	}
	return n
}
