package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chain-rpc-gateway/internal/budget"
	"chain-rpc-gateway/internal/cache"
	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/registry"
	"chain-rpc-gateway/internal/selector"
)

// fakeCaller returns canned outcomes per provider id and records the
// order providers were attempted in.
type fakeCaller struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	errs    map[string]error
	block   bool
	calls   []string
}

func (f *fakeCaller) Call(ctx context.Context, p domain.Provider, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p.ID)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := f.errs[p.ID]; ok {
		return nil, err
	}
	return f.results[p.ID], nil
}

func (f *fakeCaller) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeRanker returns a fixed candidate order.
type fakeRanker struct {
	providers []domain.Provider
}

func (f *fakeRanker) Rank(chain, method string, priority domain.Priority, opts selector.Options) []domain.Provider {
	return f.providers
}

// fakeHealth records reported outcomes.
type fakeHealth struct {
	mu        sync.Mutex
	successes []string
	failures  map[string]domain.ErrorClass
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{failures: make(map[string]domain.ErrorClass)}
}

func (f *fakeHealth) ReportSuccess(id string, latency time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, id)
}

func (f *fakeHealth) ReportFailure(id string, class domain.ErrorClass) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = class
}

type execFixture struct {
	reg    *registry.Registry
	budget *budget.Tracker
	caller *fakeCaller
	health *fakeHealth
	ranker *fakeRanker
	clk    *clock.Mock
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	return &execFixture{
		reg:    registry.New(),
		budget: budget.New(clk),
		caller: &fakeCaller{results: make(map[string]json.RawMessage), errs: make(map[string]error)},
		health: newFakeHealth(),
		ranker: &fakeRanker{},
		clk:    clk,
	}
}

func (f *execFixture) addProvider(t *testing.T, id string, mutate func(*domain.Provider)) {
	t.Helper()
	p := domain.Provider{
		ID:       id,
		Chain:    "ethereum",
		Endpoint: "https://" + id + ".example.com",
		Tier:     domain.TierPremium,
	}
	if mutate != nil {
		mutate(&p)
	}
	_, err := f.reg.Register(p)
	require.NoError(t, err)
	f.budget.Register(id, p.DailyBudget, "UTC")

	got, err := f.reg.Get(id)
	require.NoError(t, err)
	f.ranker.providers = append(f.ranker.providers, got)
}

func (f *execFixture) executor(opts Options) *Executor {
	opts.Client = f.caller
	opts.Registry = f.reg
	opts.Budget = f.budget
	opts.Ranker = f.ranker
	opts.Health = f.health
	if opts.Clock == nil {
		opts.Clock = f.clk
	}
	return New(opts)
}

func ethRequest() domain.Request {
	return domain.Request{
		Chain:  "ethereum",
		Method: "eth_blockNumber",
	}
}

func TestExecute_Success(t *testing.T) {
	f := newExecFixture(t)
	f.addProvider(t, "p1", func(p *domain.Provider) {
		p.CostPerCall = 0.5
		p.DailyBudget = 10
	})
	f.caller.results["p1"] = json.RawMessage(`"0x10"`)

	ex := f.executor(Options{})
	result, err := ex.Execute(context.Background(), ethRequest())
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"0x10"`), result)

	assert.Equal(t, []string{"p1"}, f.health.successes)
	assert.Equal(t, 9.5, f.budget.Remaining("p1"))
}

func TestExecute_FailoverToSecondProvider(t *testing.T) {
	f := newExecFixture(t)
	f.addProvider(t, "p1", nil)
	f.addProvider(t, "p2", nil)
	f.caller.errs["p1"] = errors.New("connection refused")
	f.caller.results["p2"] = json.RawMessage(`"0x20"`)

	ex := f.executor(Options{})
	result, err := ex.Execute(context.Background(), ethRequest())
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"0x20"`), result)

	assert.Equal(t, []string{"p1", "p2"}, f.caller.called())
	assert.Equal(t, domain.ErrorClassConnection, f.health.failures["p1"])
	assert.Equal(t, []string{"p2"}, f.health.successes)
}

func TestExecute_AllAttemptsFail(t *testing.T) {
	f := newExecFixture(t)
	f.addProvider(t, "p1", nil)
	f.addProvider(t, "p2", nil)
	f.caller.errs["p1"] = errors.New("boom 1")
	f.caller.errs["p2"] = errors.New("boom 2")

	ex := f.executor(Options{})
	_, err := ex.Execute(context.Background(), ethRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllAttemptsFailed))

	var fe *FailoverError
	require.True(t, errors.As(err, &fe))
	require.Len(t, fe.Attempts, 2)
	assert.Equal(t, "p1", fe.Attempts[0].ProviderID)
	assert.Equal(t, "p2", fe.Attempts[1].ProviderID)
	assert.Contains(t, err.Error(), "boom 1")
	assert.Contains(t, err.Error(), "boom 2")
}

func TestExecute_NoCandidates(t *testing.T) {
	f := newExecFixture(t)

	ex := f.executor(Options{})
	_, err := ex.Execute(context.Background(), ethRequest())
	assert.True(t, errors.Is(err, ErrAllProvidersUnavailable))
}

func TestExecute_MaxAttemptsBoundsFailover(t *testing.T) {
	f := newExecFixture(t)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		f.addProvider(t, id, nil)
		f.caller.errs[id] = errors.New("down")
	}

	ex := f.executor(Options{Config: Config{MaxAttempts: 2}})
	_, err := ex.Execute(context.Background(), ethRequest())
	require.Error(t, err)

	assert.Equal(t, []string{"p1", "p2"}, f.caller.called())

	var fe *FailoverError
	require.True(t, errors.As(err, &fe))
	assert.Len(t, fe.Attempts, 2)
}

func TestExecute_BudgetDenialIsNotAnAttempt(t *testing.T) {
	f := newExecFixture(t)
	f.addProvider(t, "broke", func(p *domain.Provider) {
		p.CostPerCall = 1
		p.DailyBudget = 1
	})
	f.addProvider(t, "funded", nil)
	f.caller.results["funded"] = json.RawMessage(`"ok"`)

	require.NoError(t, f.budget.Reserve("broke", 1))
	f.budget.Commit("broke", 1)

	ex := f.executor(Options{Config: Config{MaxAttempts: 1}})
	result, err := ex.Execute(context.Background(), ethRequest())
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"ok"`), result)

	// The broke provider was skipped before its transport was touched.
	assert.Equal(t, []string{"funded"}, f.caller.called())
}

func TestExecute_RateLimitSkip(t *testing.T) {
	f := newExecFixture(t)
	f.addProvider(t, "limited", func(p *domain.Provider) {
		p.RateLimit = 1
	})
	f.addProvider(t, "open", nil)
	f.caller.results["open"] = json.RawMessage(`"ok"`)

	// Drain the limited provider's only token.
	require.True(t, f.reg.Allow("limited"))

	ex := f.executor(Options{})
	result, err := ex.Execute(context.Background(), ethRequest())
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"ok"`), result)
	assert.Equal(t, []string{"open"}, f.caller.called())
}

func TestExecute_AllCandidatesExcluded(t *testing.T) {
	f := newExecFixture(t)
	f.addProvider(t, "broke", func(p *domain.Provider) {
		p.CostPerCall = 1
		p.DailyBudget = 1
	})
	require.NoError(t, f.budget.Reserve("broke", 1))
	f.budget.Commit("broke", 1)

	ex := f.executor(Options{})
	_, err := ex.Execute(context.Background(), ethRequest())
	assert.True(t, errors.Is(err, ErrAllProvidersUnavailable))
	assert.Empty(t, f.caller.called())
}

func TestExecute_FailureReleasesBudget(t *testing.T) {
	f := newExecFixture(t)
	f.addProvider(t, "p1", func(p *domain.Provider) {
		p.CostPerCall = 2
		p.DailyBudget = 10
	})
	f.caller.errs["p1"] = errors.New("down")

	ex := f.executor(Options{})
	_, err := ex.Execute(context.Background(), ethRequest())
	require.Error(t, err)

	assert.Equal(t, 10.0, f.budget.Remaining("p1"))
}

func TestExecute_DeadlineExceeded(t *testing.T) {
	f := newExecFixture(t)
	f.addProvider(t, "slow", nil)
	f.addProvider(t, "never-reached", nil)
	f.caller.block = true

	req := ethRequest()
	req.Timeout = 50 * time.Millisecond

	// Real clock: the blocked attempt must observe the context deadline.
	ex := f.executor(Options{Clock: clock.New()})
	_, err := ex.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeadlineExceeded))
	assert.Equal(t, []string{"slow"}, f.caller.called())
}

func TestExecute_CallerCancellationIsNotADeadline(t *testing.T) {
	f := newExecFixture(t)
	f.addProvider(t, "slow", nil)
	f.caller.block = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ex := f.executor(Options{Clock: clock.New()})
	_, err := ex.Execute(ctx, ethRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrDeadlineExceeded))
}

func TestExecute_CacheHitShortCircuits(t *testing.T) {
	f := newExecFixture(t)
	f.addProvider(t, "p1", nil)

	c, err := cache.New(16, f.clk)
	require.NoError(t, err)
	policy := cache.NewPolicy([]cache.Class{
		{Name: "state", TTL: time.Minute, Patterns: []string{"eth_blockNumber"}},
	}, 0)
	f.caller.results["p1"] = json.RawMessage(`"0x1"`)

	ex := f.executor(Options{Cache: c, Policy: policy})

	req := ethRequest()
	req.Cacheable = true

	first, err := ex.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"0x1"`), first)

	// Second identical call is served from cache; the provider is not
	// contacted again.
	second, err := ex.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"p1"}, f.caller.called())
}

func TestExecute_NonCacheableMethodSkipsCache(t *testing.T) {
	f := newExecFixture(t)
	f.addProvider(t, "p1", nil)

	c, err := cache.New(16, f.clk)
	require.NoError(t, err)
	policy := cache.NewPolicy([]cache.Class{
		{Name: "never", TTL: 0, Patterns: []string{"eth_sendRawTransaction"}},
	}, 0)
	f.caller.results["p1"] = json.RawMessage(`"0xhash"`)

	ex := f.executor(Options{Cache: c, Policy: policy})

	req := domain.Request{Chain: "ethereum", Method: "eth_sendRawTransaction", Cacheable: true}
	_, err = ex.Execute(context.Background(), req)
	require.NoError(t, err)
	_, err = ex.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p1"}, f.caller.called())
	assert.Equal(t, 0, c.Len())
}
