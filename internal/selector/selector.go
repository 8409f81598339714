// Package selector ranks eligible providers for a request using tier,
// health, observed latency and budget headroom.
package selector

import (
	"math"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"chain-rpc-gateway/internal/budget"
	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/registry"
)

// Scoring weights. Tier dominates so that a healthy premium provider
// beats a healthy standard one regardless of small latency differences.
const (
	weightTier    = 0.40
	weightHealth  = 0.30
	weightLatency = 0.20
	weightBudget  = 0.10

	scoreEpsilon = 1e-9
)

// Options narrows the candidate set.
type Options struct {
	// RequireStreaming keeps only providers able to serve subscriptions
	// (streaming endpoint present, tier above fallback).
	RequireStreaming bool
	// Exclude removes specific provider ids, used when rebinding a
	// subscription away from a failing provider.
	Exclude map[string]bool
}

// Selector ranks providers. Equal-score candidates rotate round-robin
// per (chain, method) so load spreads evenly among peers.
type Selector struct {
	reg    *registry.Registry
	budget *budget.Tracker
	clock  clock.Clock

	mu       sync.Mutex
	rotation map[string]int
}

// New creates a selector.
func New(reg *registry.Registry, bt *budget.Tracker, clk clock.Clock) *Selector {
	if clk == nil {
		clk = clock.New()
	}
	return &Selector{
		reg:      reg,
		budget:   bt,
		clock:    clk,
		rotation: make(map[string]int),
	}
}

// Rank returns eligible providers for the chain in descending score
// order. An empty result means no provider can serve the request right
// now; the executor surfaces that as AllProvidersUnavailable.
func (s *Selector) Rank(chain, method string, priority domain.Priority, opts Options) []domain.Provider {
	now := s.clock.Now()

	var candidates []domain.Provider
	for _, p := range s.reg.List(chain) {
		if opts.Exclude[p.ID] {
			continue
		}
		if opts.RequireStreaming && !p.SupportsStreaming() {
			continue
		}
		// Quarantined providers whose release time has passed are ranked
		// as degraded; the health monitor flips their status on the next
		// successful probe.
		if p.Quarantined(now) {
			continue
		}
		if s.budget.Remaining(p.ID) <= 0 {
			continue
		}
		if s.reg.Tokens(p.ID) < 1 {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}

	scores := make(map[string]float64, len(candidates))
	for _, p := range candidates {
		scores[p.ID] = s.score(&p, priority)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := scores[candidates[i].ID], scores[candidates[j].ID]
		if math.Abs(si-sj) > scoreEpsilon {
			return si > sj
		}
		return candidates[i].ID < candidates[j].ID
	})

	s.rotateTies(chain+"|"+method, candidates, scores)
	return candidates
}

// score combines tier, health, latency and budget headroom. Cost
// priority swaps the tier preference for cost-per-call cheapness.
func (s *Selector) score(p *domain.Provider, priority domain.Priority) float64 {
	var tier float64
	if priority == domain.PriorityCost {
		tier = 1 / (1 + p.CostPerCall)
	} else {
		switch p.Tier {
		case domain.TierPremium:
			tier = 1.0
		case domain.TierStandard:
			tier = 0.6
		default:
			tier = 0.3
		}
	}

	health := 0.5
	if p.Status == domain.StatusHealthy {
		health = 1.0
	}

	latency := 1 / (1 + p.LatencyEWMAMs/100)

	headroom := 1.0
	if p.DailyBudget > 0 {
		rem := s.budget.Remaining(p.ID)
		if !math.IsInf(rem, 1) {
			headroom = rem / p.DailyBudget
		}
	}

	return weightTier*tier + weightHealth*health + weightLatency*latency + weightBudget*headroom
}

// rotateTies applies a round-robin rotation within each run of
// equally-scored candidates, keyed per (chain, method).
func (s *Selector) rotateTies(key string, providers []domain.Provider, scores map[string]float64) {
	s.mu.Lock()
	offset := s.rotation[key]
	s.rotation[key]++
	s.mu.Unlock()

	i := 0
	for i < len(providers) {
		j := i + 1
		for j < len(providers) && math.Abs(scores[providers[j].ID]-scores[providers[i].ID]) <= scoreEpsilon {
			j++
		}
		if n := j - i; n > 1 {
			rotate(providers[i:j], offset%n)
		}
		i = j
	}
}

// rotate shifts the slice left by k positions in place.
func rotate(ps []domain.Provider, k int) {
	if k == 0 {
		return
	}
	rotated := make([]domain.Provider, 0, len(ps))
	rotated = append(rotated, ps[k:]...)
	rotated = append(rotated, ps[:k]...)
	copy(ps, rotated)
}
