package storage

import (
	"context"

	"chain-rpc-gateway/internal/domain"
)

// ProviderStateStore persists health snapshots so a restarted gateway
// resumes with known provider states instead of probing from scratch.
type ProviderStateStore interface {
	// Upsert writes the state for a provider, replacing any previous row.
	Upsert(ctx context.Context, s *domain.ProviderState) error

	// Get retrieves the state for a provider. Returns ErrNotFound if not exists.
	Get(ctx context.Context, providerID string) (*domain.ProviderState, error)

	// List retrieves all persisted provider states.
	List(ctx context.Context) ([]*domain.ProviderState, error)
}

// BudgetStore persists daily spend so budget accounting survives
// restarts within the same accounting day.
type BudgetStore interface {
	// Upsert writes the record for (provider_id, day), replacing any previous row.
	Upsert(ctx context.Context, r *domain.BudgetRecord) error

	// Get retrieves the record for (provider_id, day). Returns ErrNotFound if not exists.
	Get(ctx context.Context, providerID, day string) (*domain.BudgetRecord, error)

	// ListByDay retrieves all records for a day, ordered by provider_id ASC.
	ListByDay(ctx context.Context, day string) ([]*domain.BudgetRecord, error)
}

// CallLogStore is the append-only audit log of provider call attempts.
type CallLogStore interface {
	// Insert appends one call record.
	Insert(ctx context.Context, r *domain.CallRecord) error

	// InsertBulk appends multiple call records in one batch.
	InsertBulk(ctx context.Context, records []*domain.CallRecord) error

	// ListByProvider retrieves the most recent records for a provider,
	// ordered by timestamp DESC. limit <= 0 means no limit.
	ListByProvider(ctx context.Context, providerID string, limit int) ([]*domain.CallRecord, error)
}
