// Package budget enforces per-provider daily spend caps. Reservations
// are optimistic: the selector and executor reserve before a call,
// commit on success and release on abandonment, so routing decisions
// that never execute cannot exhaust the budget.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chain-rpc-gateway/internal/domain"
)

var (
	// ErrBudgetExceeded is returned when a reservation would push the
	// day's total past the limit.
	ErrBudgetExceeded = errors.New("daily budget exceeded")

	// ErrUnknownProvider is returned for providers never registered with
	// the tracker.
	ErrUnknownProvider = errors.New("provider not registered with budget tracker")
)

const dayFormat = "2006-01-02"

// providerBudget is one provider's accounting state. Guarded by its own
// mutex so reserve/commit/release are linearizable per provider.
type providerBudget struct {
	mu       sync.Mutex
	limit    float64 // 0 = unlimited
	loc      *time.Location
	day      string
	spent    float64
	reserved float64
}

// Tracker accumulates per-provider, per-day spend.
type Tracker struct {
	mu        sync.RWMutex
	providers map[string]*providerBudget
	clock     clock.Clock
}

// New creates a tracker using the given clock. Pass clock.New() in
// production; tests inject a mock.
func New(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		providers: make(map[string]*providerBudget),
		clock:     clk,
	}
}

// Register adds a provider with its daily limit and accounting
// timezone. An empty or invalid timezone falls back to UTC.
// Re-registering replaces the limit but keeps the current day's spend.
func (t *Tracker) Register(providerID string, dailyLimit float64, tz string) {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if pb, exists := t.providers[providerID]; exists {
		pb.mu.Lock()
		pb.limit = dailyLimit
		pb.loc = loc
		pb.mu.Unlock()
		return
	}

	t.providers[providerID] = &providerBudget{
		limit: dailyLimit,
		loc:   loc,
		day:   t.clock.Now().In(loc).Format(dayFormat),
	}
}

// Reserve performs a check-and-increment against the day's limit.
// Returns ErrBudgetExceeded when the post-increment total (including
// outstanding reservations) would exceed the limit.
func (t *Tracker) Reserve(providerID string, cost float64) error {
	pb, err := t.get(providerID)
	if err != nil {
		return err
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.rollover(t.clock)

	if pb.limit > 0 && pb.spent+pb.reserved+cost > pb.limit {
		return fmt.Errorf("%w: provider %s", ErrBudgetExceeded, providerID)
	}
	pb.reserved += cost
	return nil
}

// Commit converts a prior reservation into committed spend.
func (t *Tracker) Commit(providerID string, cost float64) {
	pb, err := t.get(providerID)
	if err != nil {
		return
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.rollover(t.clock)

	pb.reserved -= cost
	if pb.reserved < 0 {
		pb.reserved = 0
	}
	pb.spent += cost
}

// Release abandons a prior reservation without spending it.
func (t *Tracker) Release(providerID string, cost float64) {
	pb, err := t.get(providerID)
	if err != nil {
		return
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.rollover(t.clock)

	pb.reserved -= cost
	if pb.reserved < 0 {
		pb.reserved = 0
	}
}

// Remaining reports the budget headroom for today. Unlimited providers
// report +Inf. Unknown providers report 0 so the selector excludes
// them.
func (t *Tracker) Remaining(providerID string) float64 {
	pb, err := t.get(providerID)
	if err != nil {
		return 0
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.rollover(t.clock)

	if pb.limit <= 0 {
		return math.Inf(1)
	}
	rem := pb.limit - pb.spent - pb.reserved
	if rem < 0 {
		return 0
	}
	return rem
}

// Records returns a snapshot of every provider's current day record for
// persistence and the status endpoint.
func (t *Tracker) Records() []domain.BudgetRecord {
	t.mu.RLock()
	ids := make([]string, 0, len(t.providers))
	pbs := make([]*providerBudget, 0, len(t.providers))
	for id, pb := range t.providers {
		ids = append(ids, id)
		pbs = append(pbs, pb)
	}
	t.mu.RUnlock()

	now := t.clock.Now().UnixMilli()
	records := make([]domain.BudgetRecord, 0, len(pbs))
	for i, pb := range pbs {
		pb.mu.Lock()
		pb.rollover(t.clock)
		records = append(records, domain.BudgetRecord{
			ProviderID:  ids[i],
			Day:         pb.day,
			Spent:       pb.spent,
			Limit:       pb.limit,
			UpdatedAtMs: now,
		})
		pb.mu.Unlock()
	}
	return records
}

// Restore loads persisted day records. Records for a different day than
// the provider's current accounting day are ignored; reservations are
// never restored.
func (t *Tracker) Restore(records []domain.BudgetRecord) {
	for _, rec := range records {
		pb, err := t.get(rec.ProviderID)
		if err != nil {
			continue
		}

		pb.mu.Lock()
		pb.rollover(t.clock)
		if pb.day == rec.Day && rec.Spent > pb.spent {
			pb.spent = rec.Spent
		}
		pb.mu.Unlock()
	}
}

func (t *Tracker) get(providerID string) (*providerBudget, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pb, exists := t.providers[providerID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	return pb, nil
}

// rollover starts a fresh record when the accounting day has changed.
// Must be called with pb.mu held.
func (pb *providerBudget) rollover(clk clock.Clock) {
	day := clk.Now().In(pb.loc).Format(dayFormat)
	if day != pb.day {
		pb.day = day
		pb.spent = 0
		pb.reserved = 0
	}
}
