package memory

import (
	"context"
	"sort"
	"sync"

	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/storage"
)

// CallLogStore is an in-memory implementation of storage.CallLogStore.
// Intended for tests and single-node runs without ClickHouse.
type CallLogStore struct {
	mu      sync.RWMutex
	records []*domain.CallRecord
}

// NewCallLogStore creates a new in-memory call log store.
func NewCallLogStore() *CallLogStore {
	return &CallLogStore{}
}

// Insert appends one call record.
func (s *CallLogStore) Insert(_ context.Context, r *domain.CallRecord) error {
	if r == nil || r.ProviderID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recordCopy := *r
	s.records = append(s.records, &recordCopy)
	return nil
}

// InsertBulk appends multiple call records in one batch.
func (s *CallLogStore) InsertBulk(ctx context.Context, records []*domain.CallRecord) error {
	for _, r := range records {
		if err := s.Insert(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// ListByProvider retrieves the most recent records for a provider,
// ordered by timestamp DESC. limit <= 0 means no limit.
func (s *CallLogStore) ListByProvider(_ context.Context, providerID string, limit int) ([]*domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.CallRecord
	for _, r := range s.records {
		if r.ProviderID == providerID {
			recordCopy := *r
			result = append(result, &recordCopy)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].TimestampMs > result[j].TimestampMs
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.CallLogStore = (*CallLogStore)(nil)
