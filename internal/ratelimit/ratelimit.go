// Package ratelimit provides a simple in-memory token bucket rate limiter
// middleware for net/http.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Limiter is a per-client token bucket rate limiter. By default clients are
// bucketed by the API key prefix they present, falling back to IP.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     int           // tokens added per interval
	burst    int           // max tokens (bucket capacity)
	interval time.Duration // refill interval
	maxKeys  int           // max entries before evicting oldest
	stop     chan struct{}
	counter  prometheus.Counter           // optional: incremented on each 429
	keyFunc  func(r *http.Request) string // bucket key per request
}

type bucket struct {
	tokens   int
	lastFill time.Time
	lastUsed time.Time
}

// New creates a rate limiter. rate is requests per interval; burst is the
// maximum burst size. An optional Prometheus counter is incremented on each
// rejected request (pass nil to disable).
func New(rate, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		burst:    burst,
		interval: interval,
		maxKeys:  100000, // default cap: 100k unique clients
		stop:     make(chan struct{}),
		keyFunc:  ClientKey,
	}
	for _, o := range opts {
		o(l)
	}
	// Periodically clean up stale entries.
	go l.cleanup()
	return l
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter that is incremented on each 429.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) {
		l.counter = c
	}
}

// WithMaxKeys caps the number of tracked buckets; the least recently used
// bucket is evicted when a new client arrives at capacity.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		l.maxKeys = n
	}
}

// WithKeyFunc overrides how requests are assigned to buckets.
func WithKeyFunc(f func(r *http.Request) string) Option {
	return func(l *Limiter) {
		l.keyFunc = f
	}
}

// ClientKey buckets by the gateway key prefix in the Authorization header
// when one is presented, so every caller behind a NAT does not share one
// bucket; otherwise by X-Real-IP or RemoteAddr.
func ClientKey(r *http.Request) string {
	const bearer = "Bearer mr_"
	if tok := r.Header.Get("Authorization"); strings.HasPrefix(tok, bearer) && len(tok) >= len(bearer)+8 {
		return tok[len("Bearer ") : len(bearer)+8]
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// Middleware returns an http.Handler middleware that enforces rate limits
// per client.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(l.keyFunc(r)) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		// Evict the least recently used entry if at capacity.
		if len(l.buckets) >= l.maxKeys {
			l.evictOldest()
		}
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
	}
	b.lastUsed = now

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill)
	refill := int(elapsed/l.interval) * l.rate
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastFill = now
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// evictOldest removes the least recently used bucket.
// Must be called with l.mu held.
func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, b := range l.buckets {
		if first || b.lastUsed.Before(oldestTime) {
			oldestKey = k
			oldestTime = b.lastUsed
			first = false
		}
	}
	if !first {
		delete(l.buckets, oldestKey)
	}
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, b := range l.buckets {
				if b.lastUsed.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
