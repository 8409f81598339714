package domain

import "time"

// Tier is a provider priority class used to bias selection.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
	TierFallback Tier = "fallback"
)

// Valid reports whether the tier is one of the known classes.
func (t Tier) Valid() bool {
	switch t {
	case TierPremium, TierStandard, TierFallback:
		return true
	}
	return false
}

// ProviderStatus is the health classification of a provider.
type ProviderStatus string

const (
	StatusHealthy     ProviderStatus = "healthy"
	StatusDegraded    ProviderStatus = "degraded"
	StatusQuarantined ProviderStatus = "quarantined"
)

// Provider represents one upstream blockchain node endpoint.
// Tier, chain and endpoints are immutable after registration; the
// remaining fields are mutated by the health monitor and executor
// through the registry only.
type Provider struct {
	ID             string
	Chain          string
	Endpoint       string // HTTP JSON-RPC endpoint
	StreamEndpoint string // optional WebSocket endpoint; empty = no streaming
	Tier           Tier
	CredentialRef  string // env var name holding the API key; never logged
	RateLimit      float64
	CostPerCall    float64
	DailyBudget    float64 // 0 = unlimited
	AccountingTZ   string  // IANA timezone for budget day boundaries; empty = UTC
	ProbeMethod    string  // cheap read-only method used for liveness probes

	Status               ProviderStatus
	Active               bool
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LatencyEWMAMs        float64
	LastHealthCheck      time.Time
	QuarantineCount      int
	QuarantineRelease    time.Time
}

// Quarantined reports whether the provider is quarantined and its
// release timestamp has not yet passed.
func (p *Provider) Quarantined(now time.Time) bool {
	return p.Status == StatusQuarantined && now.Before(p.QuarantineRelease)
}

// SupportsStreaming reports whether the provider can serve subscriptions.
func (p *Provider) SupportsStreaming() bool {
	return p.StreamEndpoint != "" && p.Tier != TierFallback
}

// ProviderState is the persisted mutable subset of Provider, used to
// restore health bookkeeping across restarts. Timestamps are Unix
// milliseconds to match the storage layer.
type ProviderState struct {
	ProviderID           string
	Status               ProviderStatus
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LatencyEWMAMs        float64
	QuarantineCount      int
	QuarantineReleaseMs  int64
	LastHealthCheckMs    int64
	UpdatedAtMs          int64
}
