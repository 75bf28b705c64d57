package router

import (
	"fmt"
	"log/slog"
	"time"
)

// Engine ties the classifier, the tier pool, and the decision cache together.
// Route is pure with respect to external services: it never calls a provider
// and never consults the budget, both of which happen in the dispatcher.
type Engine struct {
	pool          *Pool
	cache         *DecisionCache
	onCacheLookup func(hit bool)
	logger        *slog.Logger
}

// EngineConfig bounds the decision cache.
type EngineConfig struct {
	CacheSize int
	CacheTTL  time.Duration

	// OnCacheLookup, when set, observes each cache lookup outcome.
	OnCacheLookup func(hit bool)
}

// NewEngine builds a routing engine over a pool. The health checker (if any)
// attached to the pool also guards cache lookups.
func NewEngine(pool *Pool, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		pool:          pool,
		cache:         NewDecisionCache(cfg.CacheSize, cfg.CacheTTL, pool.healthChecker()),
		onCacheLookup: cfg.OnCacheLookup,
		logger:        logger,
	}
}

func (p *Pool) healthChecker() HealthChecker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// Pool exposes the underlying tier registry.
func (e *Engine) Pool() *Pool { return e.pool }

// Route classifies a query and picks a tier. An explicit modelOverride pins
// the decision to that model's tier; the classification is still computed and
// reported so callers see what the policy would have done. Override decisions
// are never cached.
func (e *Engine) Route(query, modelOverride string) (Decision, error) {
	if modelOverride != "" {
		spec, ok := e.pool.TierByModel(modelOverride)
		if !ok {
			return Decision{}, fmt.Errorf("unknown model override %q", modelOverride)
		}
		if !spec.Enabled {
			return Decision{}, fmt.Errorf("model %q is disabled", modelOverride)
		}
		return Decision{
			Tier:           spec.Tier,
			ModelName:      spec.ModelName,
			Reason:         "explicit model override",
			Classification: Classify(query),
		}, nil
	}

	d, ok := e.cache.Get(query)
	if e.onCacheLookup != nil {
		e.onCacheLookup(ok)
	}
	if ok {
		return d, nil
	}

	c := Classify(query)
	d = e.pool.Select(c)
	if d.ModelName == "" {
		return Decision{}, fmt.Errorf("no enabled tiers registered")
	}
	e.cache.Put(query, d)
	e.logger.Debug("routed query",
		"tier", d.Tier,
		"model", d.ModelName,
		"complexity", c.Complexity,
		"intent", c.Intent,
		"confidence", c.Confidence)
	return d, nil
}

// InvalidateCache drops all cached decisions. Called when tier configuration
// changes at runtime.
func (e *Engine) InvalidateCache() {
	e.cache.Purge()
}

// CacheLen reports live cache entries, for the health report.
func (e *Engine) CacheLen() int { return e.cache.Len() }
