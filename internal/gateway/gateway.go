// Package gateway assembles the registry, health monitor, budget
// tracker, cache, selector, executor and subscription manager behind
// one facade.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chain-rpc-gateway/internal/budget"
	"chain-rpc-gateway/internal/cache"
	"chain-rpc-gateway/internal/config"
	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/executor"
	"chain-rpc-gateway/internal/health"
	"chain-rpc-gateway/internal/observability"
	"chain-rpc-gateway/internal/registry"
	"chain-rpc-gateway/internal/selector"
	"chain-rpc-gateway/internal/storage"
	"chain-rpc-gateway/internal/subscription"
)

// Options groups the gateway's external collaborators. The stores are
// optional; a nil store disables that persistence concern.
type Options struct {
	Config     config.Root
	StateStore storage.ProviderStateStore
	BudgetSt   storage.BudgetStore
	CallLog    storage.CallLogStore
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *log.Logger
}

// Gateway is the top-level entry point: register providers, make
// calls, hold subscriptions.
type Gateway struct {
	cfg    config.Root
	reg    *registry.Registry
	budget *budget.Tracker
	cache  *cache.Cache
	policy *cache.Policy
	sel    *selector.Selector
	mon    *health.Monitor
	exec   *executor.Executor
	subs   *subscription.Manager

	stateStore storage.ProviderStateStore
	budgetSt   storage.BudgetStore

	clock  clock.Clock
	logger *log.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a gateway from configuration. Providers declared in the
// config are registered; more can be added later with RegisterProvider.
func New(opts Options) (*Gateway, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[gateway] ", log.LstdFlags)
	}
	cfg := opts.Config

	reg := registry.New()
	tracker := budget.New(clk)

	respCache, err := cache.New(cfg.Cache.Size, clk)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	classes := make([]cache.Class, 0, len(cfg.Cache.Classes))
	for _, mc := range cfg.Cache.Classes {
		ttl, infinite := mc.CacheTTL()
		classes = append(classes, cache.Class{
			Name:              mc.Name,
			TTL:               ttl,
			Infinite:          infinite,
			InvalidateOnReorg: mc.InvalidateOnReorg,
			Patterns:          mc.Methods,
		})
	}
	policy := cache.NewPolicy(classes, time.Duration(cfg.Cache.DefaultTTLSeconds)*time.Second)

	sel := selector.New(reg, tracker, clk)
	client := executor.NewClient(opts.HTTPClient)

	mon := health.New(reg, client, health.Config{
		ProbeInterval:       time.Duration(cfg.Health.ProbeIntervalSecs) * time.Second,
		ProbeJitter:         time.Duration(cfg.Health.ProbeJitterSecs) * time.Second,
		ProbeTimeout:        time.Duration(cfg.Health.ProbeTimeoutSecs) * time.Second,
		EWMAAlpha:           cfg.Health.EWMAAlpha,
		DegradedThreshold:   cfg.Health.DegradedThreshold,
		QuarantineThreshold: cfg.Health.QuarantineThreshold,
		BackoffBase:         time.Duration(cfg.Health.BackoffBaseSecs) * time.Second,
		BackoffCap:          time.Duration(cfg.Health.BackoffCapSecs) * time.Second,
		RecoverySuccesses:   cfg.Health.RecoverySuccesses,
	}, clk, nil)

	exec := executor.New(executor.Options{
		Client:   client,
		Registry: reg,
		Budget:   tracker,
		Cache:    respCache,
		Policy:   policy,
		Ranker:   sel,
		Health:   mon,
		CallLog:  opts.CallLog,
		Clock:    clk,
		Config: executor.Config{
			MaxAttempts:    cfg.Execution.MaxAttempts,
			DefaultTimeout: time.Duration(cfg.Execution.DefaultTimeoutSecs) * time.Second,
			AttemptTimeout: time.Duration(cfg.Execution.AttemptTimeoutSecs) * time.Second,
		},
	})

	subs := subscription.NewManager(sel, subscription.Config{
		ReconnectBase:        time.Duration(cfg.Subscriptions.ReconnectBaseMs) * time.Millisecond,
		ReconnectMax:         time.Duration(cfg.Subscriptions.ReconnectMaxMs) * time.Millisecond,
		MaxReconnectAttempts: cfg.Subscriptions.MaxReconnectAttempts,
		QueueSize:            cfg.Subscriptions.QueueSize,
	}, clk, nil)

	g := &Gateway{
		cfg:        cfg,
		reg:        reg,
		budget:     tracker,
		cache:      respCache,
		policy:     policy,
		sel:        sel,
		mon:        mon,
		exec:       exec,
		subs:       subs,
		stateStore: opts.StateStore,
		budgetSt:   opts.BudgetSt,
		clock:      clk,
		logger:     logger,
	}

	for _, pc := range cfg.Providers {
		if _, err := g.RegisterProvider(pc.DomainProvider()); err != nil {
			return nil, fmt.Errorf("register provider %s/%s: %w", pc.Chain, pc.ID, err)
		}
	}

	return g, nil
}

// RegisterProvider adds a provider to the routing pool. It becomes
// eligible immediately and is probed from the next health cycle.
func (g *Gateway) RegisterProvider(p domain.Provider) (string, error) {
	id, err := g.reg.Register(p)
	if err != nil {
		return "", err
	}
	g.budget.Register(id, p.DailyBudget, p.AccountingTZ)
	g.mon.Track(id)
	g.logger.Printf("registered provider %s (%s, %s)", id, p.Chain, p.Tier)
	return id, nil
}

// DeactivateProvider removes a provider from routing without
// forgetting its accumulated state.
func (g *Gateway) DeactivateProvider(id string) error {
	return g.reg.Deactivate(id)
}

// Call executes one RPC request with caching and failover.
func (g *Gateway) Call(ctx context.Context, req domain.Request) (json.RawMessage, error) {
	return g.exec.Execute(ctx, req)
}

// Subscribe opens a managed stream subscription on the best streaming
// provider for the chain.
func (g *Gateway) Subscribe(ctx context.Context, chain, topic string, params any) (*subscription.Subscription, error) {
	return g.subs.Subscribe(ctx, chain, topic, params)
}

// Unsubscribe tears down a subscription by id.
func (g *Gateway) Unsubscribe(id string) error {
	return g.subs.Unsubscribe(id)
}

// InvalidateClass drops cached entries of a method class for a chain,
// used when a reorg makes height-keyed answers stale.
func (g *Gateway) InvalidateClass(chain, class string) int {
	n := g.cache.InvalidateClass(chain, class)
	g.logger.Printf("invalidated %d cache entries for %s/%s", n, chain, class)
	return n
}

// Start restores persisted state and launches the health monitor and
// the persistence loop.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return nil
	}
	g.started = true

	if err := g.restore(ctx); err != nil {
		// Persistence is an aid, not a dependency: log and run cold.
		g.logger.Printf("restore state: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	g.mon.Start(runCtx)

	if g.stateStore != nil || g.budgetSt != nil {
		g.wg.Add(1)
		go g.persistLoop(runCtx)
	}

	return nil
}

// Stop shuts everything down and writes a final state snapshot.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	cancel := g.cancel
	g.mu.Unlock()

	g.subs.Close()
	cancel()
	g.wg.Wait()
	g.mon.Stop()

	ctx, cancelPersist := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPersist()
	if err := g.persist(ctx); err != nil {
		g.logger.Printf("final persist: %v", err)
	}
}

// restore loads provider health and same-day budget spend from the
// stores.
func (g *Gateway) restore(ctx context.Context) error {
	if g.stateStore != nil {
		states, err := g.stateStore.List(ctx)
		if err != nil {
			return fmt.Errorf("list provider states: %w", err)
		}
		for _, st := range states {
			err := g.reg.Update(st.ProviderID, func(p *domain.Provider) {
				p.Status = st.Status
				p.ConsecutiveFailures = st.ConsecutiveFailures
				p.ConsecutiveSuccesses = st.ConsecutiveSuccesses
				p.LatencyEWMAMs = st.LatencyEWMAMs
				p.QuarantineCount = st.QuarantineCount
				if st.QuarantineReleaseMs > 0 {
					p.QuarantineRelease = time.UnixMilli(st.QuarantineReleaseMs)
				}
				if st.LastHealthCheckMs > 0 {
					p.LastHealthCheck = time.UnixMilli(st.LastHealthCheckMs)
				}
			})
			if err != nil {
				// Provider no longer configured; its row ages out.
				continue
			}
		}
		g.logger.Printf("restored %d provider states", len(states))
	}

	if g.budgetSt != nil {
		var records []*domain.BudgetRecord
		days := make(map[string]bool)
		for _, p := range g.reg.ListAll() {
			day := g.accountingDay(p.AccountingTZ)
			if days[day] {
				continue
			}
			days[day] = true
			dayRecords, err := g.budgetSt.ListByDay(ctx, day)
			if err != nil {
				return fmt.Errorf("list budget records: %w", err)
			}
			records = append(records, dayRecords...)
		}
		restored := make([]domain.BudgetRecord, 0, len(records))
		for _, r := range records {
			restored = append(restored, *r)
		}
		g.budget.Restore(restored)
		g.logger.Printf("restored %d budget records", len(restored))
	}

	return nil
}

// persistLoop writes state snapshots at the configured interval.
func (g *Gateway) persistLoop(ctx context.Context) {
	defer g.wg.Done()

	interval := time.Duration(g.cfg.PersistSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := g.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := g.persist(persistCtx); err != nil {
				g.logger.Printf("persist state: %v", err)
			}
			cancel()
		}
	}
}

// persist writes provider health and budget spend to the stores.
func (g *Gateway) persist(ctx context.Context) error {
	now := g.clock.Now().UnixMilli()

	if g.stateStore != nil {
		for _, p := range g.reg.ListAll() {
			st := &domain.ProviderState{
				ProviderID:           p.ID,
				Status:               p.Status,
				ConsecutiveFailures:  p.ConsecutiveFailures,
				ConsecutiveSuccesses: p.ConsecutiveSuccesses,
				LatencyEWMAMs:        p.LatencyEWMAMs,
				QuarantineCount:      p.QuarantineCount,
				UpdatedAtMs:          now,
			}
			if !p.QuarantineRelease.IsZero() {
				st.QuarantineReleaseMs = p.QuarantineRelease.UnixMilli()
			}
			if !p.LastHealthCheck.IsZero() {
				st.LastHealthCheckMs = p.LastHealthCheck.UnixMilli()
			}
			if err := g.stateStore.Upsert(ctx, st); err != nil {
				return fmt.Errorf("upsert provider state %s: %w", p.ID, err)
			}
		}
	}

	if g.budgetSt != nil {
		for _, r := range g.budget.Records() {
			rec := r
			rec.UpdatedAtMs = now
			if err := g.budgetSt.Upsert(ctx, &rec); err != nil {
				return fmt.Errorf("upsert budget record %s: %w", r.ProviderID, err)
			}
		}
	}

	return nil
}

// accountingDay formats today in the provider's accounting timezone.
func (g *Gateway) accountingDay(tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	return g.clock.Now().In(loc).Format("2006-01-02")
}

// ProviderStatus is one provider's row in the status snapshot.
type ProviderStatus struct {
	ID                string    `json:"id"`
	Chain             string    `json:"chain"`
	Tier              string    `json:"tier"`
	Status            string    `json:"status"`
	Active            bool      `json:"active"`
	LatencyEWMAMs     float64   `json:"latency_ewma_ms"`
	BudgetRemaining   float64   `json:"budget_remaining"`
	QuarantineCount   int       `json:"quarantine_count"`
	QuarantineRelease time.Time `json:"quarantine_release,omitempty"`
}

// Status is an operator-facing snapshot of the gateway.
type Status struct {
	Providers           []ProviderStatus `json:"providers"`
	CacheHitRate        float64          `json:"cache_hit_rate"`
	CacheEntries        int              `json:"cache_entries"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
}

// Status reports the current health, budget and cache picture.
func (g *Gateway) Status() Status {
	providers := g.reg.ListAll()
	rows := make([]ProviderStatus, 0, len(providers))
	for _, p := range providers {
		row := ProviderStatus{
			ID:              p.ID,
			Chain:           p.Chain,
			Tier:            string(p.Tier),
			Status:          string(p.Status),
			Active:          p.Active,
			LatencyEWMAMs:   p.LatencyEWMAMs,
			QuarantineCount: p.QuarantineCount,
		}
		rem := g.budget.Remaining(p.ID)
		if math.IsInf(rem, 1) {
			row.BudgetRemaining = -1 // unlimited
		} else {
			row.BudgetRemaining = rem
		}
		if p.Status == domain.StatusQuarantined {
			row.QuarantineRelease = p.QuarantineRelease
		}
		rows = append(rows, row)
		observability.SetBudgetRemaining(p.ID, row.BudgetRemaining)
		observability.SetProviderLatency(p.ID, p.LatencyEWMAMs)
	}

	return Status{
		Providers:           rows,
		CacheHitRate:        g.cache.HitRate(),
		CacheEntries:        g.cache.Len(),
		ActiveSubscriptions: len(g.subs.List()),
	}
}
