// Package registry is the single source of truth for provider state.
// All components read and mutate providers through it; per-provider
// locking keeps unrelated providers from contending.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"chain-rpc-gateway/internal/domain"
)

// Registration errors. All of them are configuration errors: fatal to
// the registration call only, never to the gateway.
var (
	// ErrInvalidProvider is returned when required fields are missing or malformed.
	ErrInvalidProvider = errors.New("invalid provider configuration")

	// ErrDuplicateProvider is returned when a (chain, endpoint) pair is already registered.
	ErrDuplicateProvider = errors.New("duplicate provider: (chain, endpoint) already registered")

	// ErrProviderNotFound is returned when a provider id is unknown.
	ErrProviderNotFound = errors.New("provider not found")
)

// entry pairs a provider with its own lock and rate limiter.
type entry struct {
	mu      sync.Mutex
	p       domain.Provider
	limiter *rate.Limiter
}

// Registry holds every registered provider, grouped by chain.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*entry
	endpoints map[string]string // chain|endpoint -> provider id, duplicate guard
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		providers: make(map[string]*entry),
		endpoints: make(map[string]string),
	}
}

// Register validates and adds a provider. The ID is derived from
// (chain, endpoint) when not supplied. Returns ErrDuplicateProvider for
// an already-registered (chain, endpoint) pair.
func (r *Registry) Register(cfg domain.Provider) (string, error) {
	if cfg.Chain == "" {
		return "", fmt.Errorf("%w: chain is required", ErrInvalidProvider)
	}
	if cfg.Endpoint == "" {
		return "", fmt.Errorf("%w: endpoint is required", ErrInvalidProvider)
	}
	if !cfg.Tier.Valid() {
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidProvider, cfg.Tier)
	}
	if cfg.RateLimit < 0 || cfg.CostPerCall < 0 || cfg.DailyBudget < 0 {
		return "", fmt.Errorf("%w: negative rate limit, cost or budget", ErrInvalidProvider)
	}

	if cfg.ID == "" {
		cfg.ID = deriveID(cfg.Chain, cfg.Endpoint)
	}
	cfg.Active = true
	if cfg.Status == "" {
		cfg.Status = domain.StatusHealthy
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := cfg.Chain + "|" + cfg.Endpoint
	if _, exists := r.endpoints[key]; exists {
		return "", ErrDuplicateProvider
	}
	if _, exists := r.providers[cfg.ID]; exists {
		return "", fmt.Errorf("%w: id %q", ErrDuplicateProvider, cfg.ID)
	}

	r.providers[cfg.ID] = &entry{
		p:       cfg,
		limiter: newLimiter(cfg.RateLimit),
	}
	r.endpoints[key] = cfg.ID

	return cfg.ID, nil
}

// Get returns a copy of the provider. Returns ErrProviderNotFound if
// the id is unknown.
func (r *Registry) Get(id string) (domain.Provider, error) {
	e, err := r.entry(id)
	if err != nil {
		return domain.Provider{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p, nil
}

// List returns copies of all active providers for a chain, ordered by
// id for determinism.
func (r *Registry) List(chain string) []domain.Provider {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.providers))
	for _, e := range r.providers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var result []domain.Provider
	for _, e := range entries {
		e.mu.Lock()
		if e.p.Active && e.p.Chain == chain {
			result = append(result, e.p)
		}
		e.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ListAll returns copies of every registered provider, active or not.
func (r *Registry) ListAll() []domain.Provider {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.providers))
	for _, e := range r.providers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	result := make([]domain.Provider, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		result = append(result, e.p)
		e.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Update applies fn to the provider under its lock. Immutable fields
// (id, chain, endpoints, tier) must not be changed by fn.
func (r *Registry) Update(id string, fn func(p *domain.Provider)) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.p)
	return nil
}

// UpdateStatus sets the provider status. The reason is informational
// and returned to callers via the health monitor's logging.
func (r *Registry) UpdateStatus(id string, status domain.ProviderStatus) error {
	return r.Update(id, func(p *domain.Provider) {
		p.Status = status
	})
}

// Deactivate removes the provider from selection without deleting it.
func (r *Registry) Deactivate(id string) error {
	return r.Update(id, func(p *domain.Provider) {
		p.Active = false
	})
}

// Allow consumes one rate-limit token for the provider. Unknown ids
// are not allowed.
func (r *Registry) Allow(id string) bool {
	e, err := r.entry(id)
	if err != nil {
		return false
	}
	return e.limiter.Allow()
}

// Tokens reports the provider's currently available rate-limit tokens
// without consuming any. Used by the selector to skip saturated
// providers.
func (r *Registry) Tokens(id string) float64 {
	e, err := r.entry(id)
	if err != nil {
		return 0
	}
	return e.limiter.Tokens()
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.providers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return e, nil
}

// newLimiter builds the sustained-rate limiter. Zero rate means
// unlimited.
func newLimiter(callsPerSec float64) *rate.Limiter {
	if callsPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(callsPerSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(callsPerSec), burst)
}

// deriveID computes a deterministic provider id from (chain, endpoint).
func deriveID(chain, endpoint string) string {
	sum := sha256.Sum256([]byte(chain + "|" + endpoint))
	return chain + "-" + hex.EncodeToString(sum[:])[:12]
}
