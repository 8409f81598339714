package memory

import (
	"context"
	"sort"
	"sync"

	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/storage"
)

type budgetKey struct {
	providerID string
	day        string
}

// BudgetStore is an in-memory implementation of storage.BudgetStore.
type BudgetStore struct {
	mu   sync.RWMutex
	data map[budgetKey]*domain.BudgetRecord
}

// NewBudgetStore creates a new in-memory budget store.
func NewBudgetStore() *BudgetStore {
	return &BudgetStore{
		data: make(map[budgetKey]*domain.BudgetRecord),
	}
}

// Upsert writes the record for (provider_id, day), replacing any previous row.
func (s *BudgetStore) Upsert(_ context.Context, r *domain.BudgetRecord) error {
	if r == nil || r.ProviderID == "" || r.Day == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recordCopy := *r
	s.data[budgetKey{r.ProviderID, r.Day}] = &recordCopy
	return nil
}

// Get retrieves the record for (provider_id, day). Returns ErrNotFound if not exists.
func (s *BudgetStore) Get(_ context.Context, providerID, day string) (*domain.BudgetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[budgetKey{providerID, day}]
	if !exists {
		return nil, storage.ErrNotFound
	}

	recordCopy := *r
	return &recordCopy, nil
}

// ListByDay retrieves all records for a day, ordered by provider_id ASC.
func (s *BudgetStore) ListByDay(_ context.Context, day string) ([]*domain.BudgetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.BudgetRecord
	for k, r := range s.data {
		if k.day == day {
			recordCopy := *r
			result = append(result, &recordCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ProviderID < result[j].ProviderID
	})

	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.BudgetStore = (*BudgetStore)(nil)
