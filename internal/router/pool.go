package router

import (
	"fmt"
	"sort"
	"sync"
)

// HealthChecker reports whether a target may receive calls. Defined here to
// avoid an import cycle with the breaker package.
type HealthChecker interface {
	Available(target string) bool
}

// Pool holds the configured model tiers and applies the selection policy.
type Pool struct {
	mu     sync.RWMutex
	tiers  map[Tier]TierSpec
	health HealthChecker
}

// NewPool creates an empty pool. Register tiers with RegisterTier.
func NewPool() *Pool {
	return &Pool{tiers: make(map[Tier]TierSpec)}
}

// SetHealthChecker attaches a breaker registry used when building fallback
// chains and validating overrides.
func (p *Pool) SetHealthChecker(h HealthChecker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = h
}

// RegisterTier adds or replaces a tier definition.
func (p *Pool) RegisterTier(spec TierSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tiers[spec.Tier] = spec
}

// Tier returns the spec for a tier name.
func (p *Pool) Tier(t Tier) (TierSpec, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	spec, ok := p.tiers[t]
	return spec, ok
}

// TierByModel resolves an explicit model-name override to its tier.
func (p *Pool) TierByModel(model string) (TierSpec, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, spec := range p.tiers {
		if spec.ModelName == model {
			return spec, true
		}
	}
	return TierSpec{}, false
}

// ListTiers returns all registered tiers sorted cheapest first.
func (p *Pool) ListTiers() []TierSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]TierSpec, 0, len(p.tiers))
	for _, spec := range p.tiers {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InputPerMTok < out[j].InputPerMTok
	})
	return out
}

// Select maps a classification to the cheapest adequate tier:
//
//	low complexity with general/database intent -> economy
//	high complexity or planning intent          -> premium
//	everything else                             -> standard
//
// A disabled or unregistered choice falls through to the next costlier
// registered tier.
func (p *Pool) Select(c Classification) Decision {
	tier := TierStandard
	reason := "medium complexity"
	switch {
	case c.Complexity == ComplexityHigh || c.Intent == IntentPlanning:
		tier = TierPremium
		reason = fmt.Sprintf("complexity=%s intent=%s", c.Complexity, c.Intent)
	case c.Complexity == ComplexityLow && (c.Intent == IntentGeneral || c.Intent == IntentDatabase):
		tier = TierEconomy
		reason = fmt.Sprintf("low complexity, %s intent", c.Intent)
	}

	spec, ok := p.enabledTier(tier)
	if !ok {
		// Escalate to the cheapest enabled tier at or above the policy choice.
		for _, cand := range p.ListTiers() {
			if cand.Enabled {
				spec = cand
				reason = fmt.Sprintf("policy tier %s unavailable, using %s", tier, cand.Tier)
				break
			}
		}
	}

	return Decision{
		Tier:           spec.Tier,
		ModelName:      spec.ModelName,
		Reason:         reason,
		Classification: c,
	}
}

func (p *Pool) enabledTier(t Tier) (TierSpec, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	spec, ok := p.tiers[t]
	if !ok || !spec.Enabled {
		return TierSpec{}, false
	}
	return spec, true
}

// FallbackChain builds the ordered target list for a dispatch: the primary
// tier, then the next cheaper enabled tier, then the local tier when one is
// configured. Availability is re-checked by the dispatcher per attempt; the
// chain only fixes the order.
func (p *Pool) FallbackChain(primary Tier) []TierSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var chain []TierSpec
	seen := make(map[Tier]bool)
	add := func(spec TierSpec) {
		if spec.Enabled && !seen[spec.Tier] {
			chain = append(chain, spec)
			seen[spec.Tier] = true
		}
	}

	prim, ok := p.tiers[primary]
	if ok {
		add(prim)
	}

	// Next cheaper enabled non-local tier.
	var cheaper *TierSpec
	for _, spec := range p.tiers {
		if spec.Tier == TierLocal || spec.Tier == primary || !spec.Enabled {
			continue
		}
		if ok && spec.InputPerMTok >= prim.InputPerMTok {
			continue
		}
		if cheaper == nil || spec.InputPerMTok > cheaper.InputPerMTok {
			cp := spec
			cheaper = &cp
		}
	}
	if cheaper != nil {
		add(*cheaper)
	}

	if local, ok := p.tiers[TierLocal]; ok {
		add(local)
	}
	return chain
}

// EstimateTokens applies the ceil(chars/4) input heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateCostUSD predicts the cost of a call against a tier, assuming the
// full configured output allowance is consumed. Deliberately pessimistic.
func EstimateCostUSD(spec TierSpec, inputTokens int) float64 {
	out := spec.MaxOutputTokens
	if out <= 0 {
		out = 1024
	}
	return CostUSD(spec, inputTokens, out)
}

// CostUSD converts token counts to USD using the tier's per-megatoken prices.
func CostUSD(spec TierSpec, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*spec.InputPerMTok +
		float64(outputTokens)/1e6*spec.OutputPerMTok
}
