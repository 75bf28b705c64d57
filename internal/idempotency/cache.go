// Package idempotency lets clients retry dispatches safely: responses are
// cached under their Idempotency-Key and replayed on duplicates.
package idempotency

import (
	"sync"
	"time"
)

// Response is a cached HTTP response ready for replay.
type Response struct {
	Body   []byte
	Status int
	Header map[string]string

	storedAt time.Time
}

// Cache is a TTL-bounded, size-limited in-memory cache for idempotent responses.
type Cache struct {
	mu         sync.Mutex
	responses  map[string]*Response
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
}

// New creates a Cache that expires responses after ttl and evicts the oldest
// when maxEntries is exceeded. A background goroutine prunes expired entries
// every ttl/2.
func New(ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		responses:  make(map[string]*Response),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns a cached response if it exists and has not expired.
func (c *Cache) Get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.responses[key]
	if !ok {
		return nil, false
	}
	if time.Since(r.storedAt) > c.ttl {
		delete(c.responses, key)
		return nil, false
	}
	return r, true
}

// Set stores a response under the given key. If the cache is at capacity, the
// oldest response is evicted to make room.
func (c *Cache) Set(key string, body []byte, status int, header map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict oldest if at capacity and key is not already present.
	if _, exists := c.responses[key]; !exists && len(c.responses) >= c.maxEntries {
		c.evictOldest()
	}

	c.responses[key] = &Response{
		Body:     body,
		Status:   status,
		Header:   header,
		storedAt: time.Now(),
	}
}

// Len reports the number of cached responses, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.responses)
}

// Stop terminates the background cleanup goroutine.
func (c *Cache) Stop() {
	close(c.stop)
}

// cleanupLoop runs in a goroutine and removes expired responses periodically.
func (c *Cache) cleanupLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

// prune removes all expired responses.
func (c *Cache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, r := range c.responses {
		if now.Sub(r.storedAt) > c.ttl {
			delete(c.responses, k)
		}
	}
}

// evictOldest removes the response stored earliest. Caller must hold c.mu.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, r := range c.responses {
		if first || r.storedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = r.storedAt
			first = false
		}
	}
	if !first {
		delete(c.responses, oldestKey)
	}
}
