// Package executor performs gateway calls with cache short-circuiting
// and ranked failover across providers.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"chain-rpc-gateway/internal/budget"
	"chain-rpc-gateway/internal/cache"
	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/fingerprint"
	"chain-rpc-gateway/internal/observability"
	"chain-rpc-gateway/internal/registry"
	"chain-rpc-gateway/internal/selector"
	"chain-rpc-gateway/internal/storage"
)

// HealthReporter receives live-traffic outcomes. Implemented by the
// health monitor so real calls share the probe accounting path.
type HealthReporter interface {
	ReportSuccess(id string, latency time.Duration)
	ReportFailure(id string, class domain.ErrorClass)
}

// Ranker produces ordered provider candidates for a request.
type Ranker interface {
	Rank(chain, method string, priority domain.Priority, opts selector.Options) []domain.Provider
}

// Config holds executor tunables.
type Config struct {
	// MaxAttempts bounds failover so a single call cannot storm every
	// provider on the chain.
	MaxAttempts int
	// DefaultTimeout applies when the request carries no deadline.
	DefaultTimeout time.Duration
	// AttemptTimeout bounds each individual provider attempt; always
	// clipped by the overall deadline.
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	return c
}

// Executor coordinates cache, budget, selection and transport for one
// call.
type Executor struct {
	client  Caller
	reg     *registry.Registry
	budget  *budget.Tracker
	cache   *cache.Cache
	policy  *cache.Policy
	ranker  Ranker
	health  HealthReporter
	callLog storage.CallLogStore
	clock   clock.Clock
	logger  *log.Logger
	cfg     Config
}

// Options groups the executor's collaborators. CallLog and Policy are
// optional.
type Options struct {
	Client   Caller
	Registry *registry.Registry
	Budget   *budget.Tracker
	Cache    *cache.Cache
	Policy   *cache.Policy
	Ranker   Ranker
	Health   HealthReporter
	CallLog  storage.CallLogStore
	Clock    clock.Clock
	Logger   *log.Logger
	Config   Config
}

// New creates an executor.
func New(opts Options) *Executor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[executor] ", log.LstdFlags)
	}
	return &Executor{
		client:  opts.Client,
		reg:     opts.Registry,
		budget:  opts.Budget,
		cache:   opts.Cache,
		policy:  opts.Policy,
		ranker:  opts.Ranker,
		health:  opts.Health,
		callLog: opts.CallLog,
		clock:   opts.Clock,
		logger:  opts.Logger,
		cfg:     opts.Config.withDefaults(),
	}
}

// Execute performs one call: cache first, then ranked failover bounded
// by MaxAttempts and the caller's overall deadline. Per-attempt errors
// are recovered locally; only the aggregate outcome is returned.
func (e *Executor) Execute(ctx context.Context, req domain.Request) (json.RawMessage, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fp, class, ttl := e.cacheKey(req)
	if fp != "" {
		if value, ok := e.cache.Get(fp); ok {
			observability.RecordCacheHit()
			observability.RecordCall(req.Chain, "cache_hit")
			return value, nil
		}
		observability.RecordCacheMiss()
	}

	candidates := e.ranker.Rank(req.Chain, req.Method, req.Priority, selector.Options{})
	if len(candidates) == 0 {
		observability.RecordCall(req.Chain, "unavailable")
		return nil, fmt.Errorf("%s.%s: %w", req.Chain, req.Method, ErrAllProvidersUnavailable)
	}

	var attempts []AttemptError
	tried := 0

	for _, p := range candidates {
		if tried >= e.cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			break
		}

		// Rate and budget exclusions are routing decisions, not attempts.
		if !e.reg.Allow(p.ID) {
			continue
		}
		if err := e.budget.Reserve(p.ID, p.CostPerCall); err != nil {
			observability.RecordBudgetDenial(p.ID)
			continue
		}

		tried++
		result, latency, err := e.attempt(ctx, p, req.Method, req.Params)
		e.logAttempt(p, req, latency, err)

		if err != nil {
			e.budget.Release(p.ID, p.CostPerCall)
			class := Classify(err)
			e.health.ReportFailure(p.ID, class)
			observability.RecordCallAttempt(p.ID, "error")
			attempts = append(attempts, AttemptError{ProviderID: p.ID, Class: class, Err: err})
			continue
		}

		e.budget.Commit(p.ID, p.CostPerCall)
		e.health.ReportSuccess(p.ID, latency)
		observability.RecordCallAttempt(p.ID, "success")
		observability.RecordCallLatency(p.ID, latency.Seconds())
		if tried > 1 {
			observability.RecordFailover()
		}

		if fp != "" {
			e.cache.Put(fp, result, req.Chain, class, ttl, e.clock.Now())
		}
		observability.RecordCall(req.Chain, "success")
		return result, nil
	}

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			observability.RecordCall(req.Chain, "canceled")
			return nil, &FailoverError{Chain: req.Chain, Method: req.Method, Attempts: attempts, cause: ctx.Err()}
		}
		observability.RecordDeadlineExpired()
		observability.RecordCall(req.Chain, "deadline")
		return nil, &FailoverError{Chain: req.Chain, Method: req.Method, Attempts: attempts, cause: ErrDeadlineExceeded}
	}
	if len(attempts) == 0 {
		// Every candidate was excluded by rate limits or budget before a
		// single attempt was made.
		observability.RecordCall(req.Chain, "unavailable")
		return nil, fmt.Errorf("%s.%s: %w", req.Chain, req.Method, ErrAllProvidersUnavailable)
	}

	observability.RecordCall(req.Chain, "error")
	return nil, &FailoverError{Chain: req.Chain, Method: req.Method, Attempts: attempts, cause: ErrAllAttemptsFailed}
}

// attempt issues one provider call bounded by the per-attempt timeout.
func (e *Executor) attempt(ctx context.Context, p domain.Provider, method string, params any) (json.RawMessage, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	start := e.clock.Now()
	result, err := e.client.Call(attemptCtx, p, method, params)
	return result, e.clock.Since(start), err
}

// cacheKey resolves the request's fingerprint and cache class. Empty
// fingerprint means the request bypasses the cache.
func (e *Executor) cacheKey(req domain.Request) (fp, class string, ttl time.Duration) {
	if !req.Cacheable || e.cache == nil {
		return "", "", 0
	}
	class, ttl, cacheable := e.policy.Lookup(req.Method)
	if !cacheable {
		return "", "", 0
	}

	fp, err := fingerprint.Compute(req.Chain, req.Method, req.Params)
	if err != nil {
		// Unhashable params just skip the cache; the call proceeds.
		e.logger.Printf("fingerprint %s.%s: %v", req.Chain, req.Method, err)
		return "", "", 0
	}
	return fp, class, ttl
}

// logAttempt writes one call record to the audit log, best-effort. A
// logging failure never affects the call outcome.
func (e *Executor) logAttempt(p domain.Provider, req domain.Request, latency time.Duration, callErr error) {
	if e.callLog == nil {
		return
	}

	rec := &domain.CallRecord{
		ProviderID:  p.ID,
		Chain:       req.Chain,
		Method:      req.Method,
		Success:     callErr == nil,
		ErrorClass:  Classify(callErr),
		LatencyMs:   float64(latency.Milliseconds()),
		Cost:        p.CostPerCall,
		TimestampMs: e.clock.Now().UnixMilli(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.callLog.Insert(ctx, rec); err != nil {
			e.logger.Printf("call log insert: %v", err)
		}
	}()
}
