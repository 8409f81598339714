// Package health continuously assesses provider liveness and quality.
// The same failure-accounting path serves synthetic probes and live
// executor traffic, so a provider failing real calls is penalized
// immediately rather than on the next probe cycle.
package health

import (
	"context"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/observability"
	"chain-rpc-gateway/internal/registry"
)

// Prober issues a cheap read-only liveness call against a provider.
type Prober interface {
	Probe(ctx context.Context, p domain.Provider) (time.Duration, error)
}

// Config holds health monitor tunables.
type Config struct {
	ProbeInterval       time.Duration
	ProbeJitter         time.Duration
	ProbeTimeout        time.Duration
	EWMAAlpha           float64
	DegradedThreshold   int
	QuarantineThreshold int
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	RecoverySuccesses   int
}

// withDefaults fills zero fields with production defaults.
func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeJitter <= 0 {
		c.ProbeJitter = 3 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		c.EWMAAlpha = 0.3
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 2
	}
	if c.QuarantineThreshold <= 0 {
		c.QuarantineThreshold = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Minute
	}
	if c.RecoverySuccesses <= 0 {
		c.RecoverySuccesses = 3
	}
	return c
}

// Monitor runs one independent jittered probe loop per provider and
// maintains health state through the registry.
type Monitor struct {
	reg    *registry.Registry
	prober Prober
	cfg    Config
	clock  clock.Clock
	logger *log.Logger

	mu      sync.Mutex
	tracked map[string]struct{}
	running map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a monitor. Probing does not start until Start is called;
// ReportSuccess/ReportFailure work immediately so executor traffic is
// accounted even without probe loops.
func New(reg *registry.Registry, prober Prober, cfg Config, clk clock.Clock, logger *log.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[health] ", log.LstdFlags)
	}
	return &Monitor{
		reg:     reg,
		prober:  prober,
		cfg:     cfg.withDefaults(),
		clock:   clk,
		logger:  logger,
		tracked: make(map[string]struct{}),
		running: make(map[string]bool),
	}
}

// Start launches probe loops for every currently registered or tracked
// provider.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, p := range m.reg.ListAll() {
		m.tracked[p.ID] = struct{}{}
	}

	var start []string
	for id := range m.tracked {
		if !m.running[id] {
			m.running[id] = true
			start = append(start, id)
		}
	}
	loopCtx := m.ctx
	m.mu.Unlock()

	for _, id := range start {
		m.wg.Add(1)
		go m.probeLoop(loopCtx, id)
	}
}

// Track starts a probe loop for a provider. Safe to call for already
// tracked providers and before Start (the loop then begins at Start).
func (m *Monitor) Track(id string) {
	m.mu.Lock()
	m.tracked[id] = struct{}{}
	start := m.ctx != nil && !m.running[id]
	if start {
		m.running[id] = true
	}
	loopCtx := m.ctx
	m.mu.Unlock()

	if start {
		m.wg.Add(1)
		go m.probeLoop(loopCtx, id)
	}
}

// Stop cancels all probe loops and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// probeLoop probes one provider on a jittered interval, decoupled from
// request traffic.
func (m *Monitor) probeLoop(ctx context.Context, id string) {
	defer m.wg.Done()

	// Initial jitter spreads probe start times to avoid a thundering
	// herd against upstreams sharing infrastructure.
	jitter := time.Duration(0)
	if m.cfg.ProbeJitter > 0 {
		jitter = time.Duration(rand.Int63n(int64(m.cfg.ProbeJitter)))
	}

	t := m.clock.Timer(jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	ticker := m.clock.Ticker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		m.probeOnce(ctx, id)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probeOnce issues a single liveness probe and records the outcome.
func (m *Monitor) probeOnce(ctx context.Context, id string) {
	p, err := m.reg.Get(id)
	if err != nil || !p.Active {
		return
	}

	now := m.clock.Now()
	if p.Status == domain.StatusQuarantined {
		if now.Before(p.QuarantineRelease) {
			return
		}
		m.releaseQuarantine(id)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	latency, err := m.prober.Probe(probeCtx, p)
	cancel()

	if err != nil {
		observability.RecordProbeFailure(id)
		m.ReportFailure(id, domain.ErrorClassConnection)
		return
	}
	m.ReportSuccess(id, latency)
}

// ReportSuccess records a successful call or probe: latency feeds the
// EWMA, the consecutive-failure count resets, and degraded providers
// recover to healthy after enough consecutive successes.
func (m *Monitor) ReportSuccess(id string, latency time.Duration) {
	now := m.clock.Now()
	alpha := m.cfg.EWMAAlpha
	recovery := m.cfg.RecoverySuccesses

	var from, to domain.ProviderStatus
	err := m.reg.Update(id, func(p *domain.Provider) {
		observed := float64(latency.Milliseconds())
		if p.LatencyEWMAMs == 0 {
			p.LatencyEWMAMs = observed
		} else {
			p.LatencyEWMAMs = alpha*observed + (1-alpha)*p.LatencyEWMAMs
		}

		p.ConsecutiveFailures = 0
		p.ConsecutiveSuccesses++
		p.LastHealthCheck = now

		from = p.Status
		if p.Status == domain.StatusQuarantined && !now.Before(p.QuarantineRelease) {
			p.Status = domain.StatusDegraded
			p.ConsecutiveSuccesses = 1
		}
		if p.Status == domain.StatusDegraded && p.ConsecutiveSuccesses >= recovery {
			p.Status = domain.StatusHealthy
		}
		to = p.Status
	})
	if err != nil {
		return
	}

	if from != to {
		m.logger.Printf("provider %s status %s -> %s (success)", id, from, to)
	}
	observability.SetProviderStatus(id, string(to))
}

// ReportFailure records a failed call or probe and drives the
// degraded/quarantine transitions.
func (m *Monitor) ReportFailure(id string, class domain.ErrorClass) {
	now := m.clock.Now()

	var from, to domain.ProviderStatus
	var release time.Time
	err := m.reg.Update(id, func(p *domain.Provider) {
		p.ConsecutiveFailures++
		p.ConsecutiveSuccesses = 0
		p.LastHealthCheck = now

		from = p.Status
		if p.Status != domain.StatusQuarantined {
			switch {
			case p.ConsecutiveFailures >= m.cfg.QuarantineThreshold:
				p.QuarantineCount++
				delay := quarantineDelay(m.cfg.BackoffBase, m.cfg.BackoffCap, p.QuarantineCount)
				p.Status = domain.StatusQuarantined
				p.QuarantineRelease = now.Add(delay)
				release = p.QuarantineRelease
			case p.ConsecutiveFailures >= m.cfg.DegradedThreshold:
				p.Status = domain.StatusDegraded
			}
		}
		to = p.Status
	})
	if err != nil {
		return
	}

	if from != to {
		if to == domain.StatusQuarantined {
			m.logger.Printf("provider %s status %s -> %s (class=%s, release=%s)",
				id, from, to, class, release.UTC().Format(time.RFC3339))
			observability.RecordQuarantine(id)
		} else {
			m.logger.Printf("provider %s status %s -> %s (class=%s)", id, from, to, class)
		}
	}
	observability.SetProviderStatus(id, string(to))
}

// releaseQuarantine moves a provider whose release time has passed to
// degraded. It must then accumulate consecutive successes before
// returning to full eligibility, which prevents flapping.
func (m *Monitor) releaseQuarantine(id string) {
	var changed bool
	err := m.reg.Update(id, func(p *domain.Provider) {
		if p.Status != domain.StatusQuarantined {
			return
		}
		p.Status = domain.StatusDegraded
		p.ConsecutiveFailures = 0
		p.ConsecutiveSuccesses = 0
		changed = true
	})
	if err != nil || !changed {
		return
	}

	m.logger.Printf("provider %s quarantine released, now degraded", id)
	observability.SetProviderStatus(id, string(domain.StatusDegraded))
}

// quarantineDelay computes base·2^count capped at max. The delay never
// shrinks as the quarantine count grows.
func quarantineDelay(base, max time.Duration, count int) time.Duration {
	delay := base
	for i := 0; i < count; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}
