package memory

import (
	"context"
	"sort"
	"sync"

	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/storage"
)

// ProviderStateStore is an in-memory implementation of storage.ProviderStateStore.
type ProviderStateStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ProviderState // keyed by provider_id
}

// NewProviderStateStore creates a new in-memory provider state store.
func NewProviderStateStore() *ProviderStateStore {
	return &ProviderStateStore{
		data: make(map[string]*domain.ProviderState),
	}
}

// Upsert writes the state for a provider, replacing any previous row.
func (s *ProviderStateStore) Upsert(_ context.Context, st *domain.ProviderState) error {
	if st == nil || st.ProviderID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation
	stateCopy := *st
	s.data[st.ProviderID] = &stateCopy
	return nil
}

// Get retrieves the state for a provider. Returns ErrNotFound if not exists.
func (s *ProviderStateStore) Get(_ context.Context, providerID string) (*domain.ProviderState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.data[providerID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	// Return a copy
	stateCopy := *st
	return &stateCopy, nil
}

// List retrieves all persisted provider states.
func (s *ProviderStateStore) List(_ context.Context) ([]*domain.ProviderState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ProviderState, 0, len(s.data))
	for _, st := range s.data {
		stateCopy := *st
		result = append(result, &stateCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ProviderID < result[j].ProviderID
	})

	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.ProviderStateStore = (*ProviderStateStore)(nil)
