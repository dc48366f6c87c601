// Package ratelimit applies token buckets per client key.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long a client key is kept after its last frame.
const DefaultIdleTTL = 10 * time.Minute

// Limiter meters frames per client key. Each key owns a token bucket that
// is dropped once the key has been idle for the TTL. A nil *Limiter allows
// everything.
type Limiter struct {
	every rate.Limit
	burst int
	ttl   time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	nextSweep time.Time
}

type bucket struct {
	tokens  *rate.Limiter
	touched time.Time
}

// New creates a limiter granting rps tokens per second with the given
// burst. It returns nil if rps or burst is not positive, which disables
// limiting.
func New(rps float64, burst int, idleTTL time.Duration) *Limiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Limiter{
		every:   rate.Limit(rps),
		burst:   burst,
		ttl:     idleTTL,
		buckets: make(map[string]*bucket),
	}
}

// AllowN reports whether n tokens can be taken from key's bucket at now.
// A frame carrying a batch costs one token per request.
func (l *Limiter) AllowN(key string, n int, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !now.Before(l.nextSweep) {
		l.evictIdle(now)
		l.nextSweep = now.Add(l.ttl)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.touched = now
	return b.tokens.AllowN(now, n)
}

// evictIdle drops buckets untouched for longer than the TTL. At most one
// sweep runs per TTL, so the cost is spread over many calls.
func (l *Limiter) evictIdle(now time.Time) {
	cutoff := now.Add(-l.ttl)
	for key, b := range l.buckets {
		if b.touched.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ClientKey derives the limiter key of an HTTP request from its remote
// address.
func ClientKey(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	if host == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}
