// Package config loads the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"chain-rpc-gateway/internal/domain"
)

// Provider declares one upstream RPC provider.
type Provider struct {
	ID             string  `yaml:"id"`
	Chain          string  `yaml:"chain"`
	Endpoint       string  `yaml:"endpoint"`
	StreamEndpoint string  `yaml:"stream_endpoint"`
	Tier           string  `yaml:"tier"` // premium | standard | fallback
	CredentialEnv  string  `yaml:"credential_env"`
	RateLimit      float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
	CostPerCall    float64 `yaml:"cost_per_call"`
	DailyBudget    float64 `yaml:"daily_budget"` // 0 = unlimited
	AccountingTZ   string  `yaml:"accounting_timezone"`
	ProbeMethod    string  `yaml:"probe_method"`
}

// Health configures the probe loop and quarantine policy.
type Health struct {
	ProbeIntervalSecs   int     `yaml:"probe_interval_seconds"`
	ProbeJitterSecs     int     `yaml:"probe_jitter_seconds"`
	ProbeTimeoutSecs    int     `yaml:"probe_timeout_seconds"`
	EWMAAlpha           float64 `yaml:"ewma_alpha"`
	DegradedThreshold   int     `yaml:"degraded_threshold"`
	QuarantineThreshold int     `yaml:"quarantine_threshold"`
	BackoffBaseSecs     int     `yaml:"backoff_base_seconds"`
	BackoffCapSecs      int     `yaml:"backoff_cap_seconds"`
	RecoverySuccesses   int     `yaml:"recovery_successes"`
}

// Execution configures call failover.
type Execution struct {
	MaxAttempts        int `yaml:"max_attempts"`
	DefaultTimeoutSecs int `yaml:"default_timeout_seconds"`
	AttemptTimeoutSecs int `yaml:"attempt_timeout_seconds"`
}

// MethodClass groups methods that share a cache lifetime.
// TTLSeconds -1 means entries never expire.
type MethodClass struct {
	Name              string   `yaml:"name"`
	TTLSeconds        int      `yaml:"ttl_seconds"`
	InvalidateOnReorg bool     `yaml:"invalidate_on_reorg"`
	Methods           []string `yaml:"methods"`
}

// Cache configures the response cache.
type Cache struct {
	Size              int           `yaml:"size"`
	DefaultTTLSeconds int           `yaml:"default_ttl_seconds"` // 0 = unmatched methods not cached
	Classes           []MethodClass `yaml:"classes"`
}

// Subscriptions configures stream handling.
type Subscriptions struct {
	ReconnectBaseMs      int `yaml:"reconnect_base_ms"`
	ReconnectMaxMs       int `yaml:"reconnect_max_ms"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	QueueSize            int `yaml:"queue_size"`
}

// Root is the top-level gateway configuration.
type Root struct {
	Listen           string        `yaml:"listen"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	PostgresDSN      string        `yaml:"postgres_dsn"`
	ClickhouseDSN    string        `yaml:"clickhouse_dsn"`
	PersistSecs      int           `yaml:"persist_interval_seconds"`
	Providers        []Provider    `yaml:"providers"`
	Health           Health        `yaml:"health"`
	Execution        Execution     `yaml:"execution"`
	Cache            Cache         `yaml:"cache"`
	Subscriptions    Subscriptions `yaml:"subscriptions"`
}

// Load reads and validates the configuration file. Missing tunables
// get defaults; provider entries must be complete.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}

	c.applyDefaults()

	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.PersistSecs == 0 {
		c.PersistSecs = 30
	}

	if c.Health.ProbeIntervalSecs == 0 {
		c.Health.ProbeIntervalSecs = 15
	}
	if c.Health.ProbeJitterSecs == 0 {
		c.Health.ProbeJitterSecs = 3
	}
	if c.Health.ProbeTimeoutSecs == 0 {
		c.Health.ProbeTimeoutSecs = 5
	}
	if c.Health.EWMAAlpha == 0 {
		c.Health.EWMAAlpha = 0.3
	}
	if c.Health.DegradedThreshold == 0 {
		c.Health.DegradedThreshold = 2
	}
	if c.Health.QuarantineThreshold == 0 {
		c.Health.QuarantineThreshold = 5
	}
	if c.Health.BackoffBaseSecs == 0 {
		c.Health.BackoffBaseSecs = 30
	}
	if c.Health.BackoffCapSecs == 0 {
		c.Health.BackoffCapSecs = 1800
	}
	if c.Health.RecoverySuccesses == 0 {
		c.Health.RecoverySuccesses = 3
	}

	if c.Execution.MaxAttempts == 0 {
		c.Execution.MaxAttempts = 3
	}
	if c.Execution.DefaultTimeoutSecs == 0 {
		c.Execution.DefaultTimeoutSecs = 30
	}
	if c.Execution.AttemptTimeoutSecs == 0 {
		c.Execution.AttemptTimeoutSecs = 10
	}

	if c.Cache.Size == 0 {
		c.Cache.Size = 4096
	}

	if c.Subscriptions.ReconnectBaseMs == 0 {
		c.Subscriptions.ReconnectBaseMs = 1000
	}
	if c.Subscriptions.ReconnectMaxMs == 0 {
		c.Subscriptions.ReconnectMaxMs = 30000
	}
	if c.Subscriptions.MaxReconnectAttempts == 0 {
		c.Subscriptions.MaxReconnectAttempts = 3
	}
	if c.Subscriptions.QueueSize == 0 {
		c.Subscriptions.QueueSize = 1024
	}
}

func (c *Root) validate() error {
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Chain == "" {
			return fmt.Errorf("provider %d: chain is required", i)
		}
		if p.Endpoint == "" {
			return fmt.Errorf("provider %d (%s): endpoint is required", i, p.Chain)
		}
		if p.Tier != "" && !domain.Tier(p.Tier).Valid() {
			return fmt.Errorf("provider %d (%s): invalid tier %q", i, p.Chain, p.Tier)
		}
		if p.ID != "" {
			if seen[p.ID] {
				return fmt.Errorf("provider %d: duplicate id %q", i, p.ID)
			}
			seen[p.ID] = true
		}
	}

	for i, cl := range c.Cache.Classes {
		if cl.Name == "" {
			return fmt.Errorf("cache class %d: name is required", i)
		}
		if len(cl.Methods) == 0 {
			return fmt.Errorf("cache class %q: methods is required", cl.Name)
		}
		if cl.TTLSeconds < -1 {
			return fmt.Errorf("cache class %q: ttl_seconds must be >= -1", cl.Name)
		}
	}

	if c.Health.EWMAAlpha < 0 || c.Health.EWMAAlpha > 1 {
		return fmt.Errorf("health: ewma_alpha must be in [0, 1]")
	}
	return nil
}

// DomainProvider converts a provider entry to its domain form.
func (p Provider) DomainProvider() domain.Provider {
	tier := domain.Tier(p.Tier)
	if p.Tier == "" {
		tier = domain.TierStandard
	}
	return domain.Provider{
		ID:             p.ID,
		Chain:          p.Chain,
		Endpoint:       p.Endpoint,
		StreamEndpoint: p.StreamEndpoint,
		Tier:           tier,
		CredentialRef:  p.CredentialEnv,
		RateLimit:      p.RateLimit,
		CostPerCall:    p.CostPerCall,
		DailyBudget:    p.DailyBudget,
		AccountingTZ:   p.AccountingTZ,
		ProbeMethod:    p.ProbeMethod,
	}
}

// ProbeInterval returns the probe interval as a duration.
func (h Health) ProbeInterval() time.Duration {
	return time.Duration(h.ProbeIntervalSecs) * time.Second
}

// CacheTTL converts a class TTL to cache policy form: -1 becomes the
// infinite marker.
func (m MethodClass) CacheTTL() (ttl time.Duration, infinite bool) {
	if m.TTLSeconds < 0 {
		return 0, true
	}
	return time.Duration(m.TTLSeconds) * time.Second, false
}
