package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTimeout is how long an unused per-key limiter survives.
const limiterIdleTimeout = 10 * time.Minute

// Limiter applies a token-bucket rate limit per key, typically the caller's
// IP address or client ID.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*keyLimiter
	limit    rate.Limit
	burst    int

	stopOnce sync.Once
	stopCh   chan struct{}
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a per-key limiter allowing rps requests per second
// with the given burst, and starts its idle-entry janitor.
func NewLimiter(rps float64, burst int) *Limiter {
	l := &Limiter{
		limiters: make(map[string]*keyLimiter),
		limit:    rate.Limit(rps),
		burst:    burst,
		stopCh:   make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Stop terminates the janitor.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow reports whether the key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.limiters[key]
	if !ok {
		kl = &keyLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = kl
	}
	kl.lastSeen = time.Now()
	return kl.limiter.Allow()
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-limiterIdleTimeout)
			l.mu.Lock()
			for key, kl := range l.limiters {
				if kl.lastSeen.Before(cutoff) {
					delete(l.limiters, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
