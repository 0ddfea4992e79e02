// Package ratelimit implements per-client token bucket rate limiting for the
// HTTP API.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out rpm requests per minute to each client key.
type Limiter struct {
	mu      sync.Mutex
	rpm     int
	clients map[string]*client
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter. rpm=0 means unlimited.
func New(rpm int) *Limiter {
	return &Limiter{
		rpm:     rpm,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

// Enabled reports whether the limiter restricts anything.
func (l *Limiter) Enabled() bool { return l.rpm > 0 }

// Allow takes a token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	if l.rpm <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit(), l.rpm)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// RetryAfter returns the number of seconds until key has a token again.
func (l *Limiter) RetryAfter(key string) int {
	if l.rpm <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		return 0
	}
	tokens := c.limiter.TokensAt(l.now())
	if tokens >= 1 {
		return 0
	}
	return int((1-tokens)/float64(l.limit())) + 1
}

// Cleanup removes clients that haven't been seen within maxAge.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// limit is the refill rate in tokens per second.
func (l *Limiter) limit() rate.Limit {
	return rate.Limit(float64(l.rpm) / 60)
}
