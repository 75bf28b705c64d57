package router

import (
	"hash/fnv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 10000
	defaultCacheTTL  = 5 * time.Minute
)

// DecisionCache memoizes routing decisions keyed by a stable fingerprint of
// the normalized query text. Entries expire on a TTL and are dropped on
// lookup when the cached tier's breaker is no longer accepting calls, so a
// cached decision never pins traffic to a dead tier.
type DecisionCache struct {
	lru    *expirable.LRU[uint64, Decision]
	health HealthChecker
}

// NewDecisionCache builds a cache with the given bounds. size <= 0 or ttl <= 0
// select the defaults.
func NewDecisionCache(size int, ttl time.Duration, health HealthChecker) *DecisionCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &DecisionCache{
		lru:    expirable.NewLRU[uint64, Decision](size, nil, ttl),
		health: health,
	}
}

// Get returns the cached decision for a query, if still valid.
func (c *DecisionCache) Get(query string) (Decision, bool) {
	key := Fingerprint(query)
	d, ok := c.lru.Get(key)
	if !ok {
		return Decision{}, false
	}
	if c.health != nil && !c.health.Available(string(d.Tier)) {
		c.lru.Remove(key)
		return Decision{}, false
	}
	d.Cached = true
	return d, true
}

// Put stores a freshly computed decision.
func (c *DecisionCache) Put(query string, d Decision) {
	d.Cached = false
	c.lru.Add(Fingerprint(query), d)
}

// Len reports the number of live entries.
func (c *DecisionCache) Len() int {
	return c.lru.Len()
}

// Purge empties the cache.
func (c *DecisionCache) Purge() {
	c.lru.Purge()
}

// Fingerprint hashes the normalized query (lowercased, whitespace collapsed)
// with FNV-1a. Identical queries that differ only in spacing or case share a
// cache slot.
func Fingerprint(query string) uint64 {
	h := fnv.New64a()
	for i, w := range strings.Fields(strings.ToLower(query)) {
		if i > 0 {
			h.Write([]byte{' '})
		}
		h.Write([]byte(w))
	}
	return h.Sum64()
}
