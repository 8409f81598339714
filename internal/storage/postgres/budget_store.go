package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/storage"
)

// BudgetStore implements storage.BudgetStore using PostgreSQL.
type BudgetStore struct {
	pool *Pool
}

// NewBudgetStore creates a new BudgetStore.
func NewBudgetStore(pool *Pool) *BudgetStore {
	return &BudgetStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BudgetStore = (*BudgetStore)(nil)

// Upsert writes the record for (provider_id, day), replacing any previous row.
func (s *BudgetStore) Upsert(ctx context.Context, r *domain.BudgetRecord) error {
	if r == nil || r.ProviderID == "" || r.Day == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO budget_records (
			provider_id, day, spent, budget_limit, updated_at_ms
		) VALUES (
			$1, $2, $3, $4, $5
		)
		ON CONFLICT (provider_id, day) DO UPDATE SET
			spent = EXCLUDED.spent,
			budget_limit = EXCLUDED.budget_limit,
			updated_at_ms = EXCLUDED.updated_at_ms
	`

	_, err := s.pool.Exec(ctx, query,
		r.ProviderID, r.Day, r.Spent, r.Limit, r.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("upsert budget record: %w", err)
	}
	return nil
}

// Get retrieves the record for (provider_id, day). Returns ErrNotFound if not exists.
func (s *BudgetStore) Get(ctx context.Context, providerID, day string) (*domain.BudgetRecord, error) {
	query := `
		SELECT provider_id, day, spent, budget_limit, updated_at_ms
		FROM budget_records
		WHERE provider_id = $1 AND day = $2
	`

	row := s.pool.QueryRow(ctx, query, providerID, day)
	r, err := scanBudgetRecord(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get budget record: %w", err)
	}
	return r, nil
}

// ListByDay retrieves all records for a day, ordered by provider_id ASC.
func (s *BudgetStore) ListByDay(ctx context.Context, day string) ([]*domain.BudgetRecord, error) {
	query := `
		SELECT provider_id, day, spent, budget_limit, updated_at_ms
		FROM budget_records
		WHERE day = $1
		ORDER BY provider_id ASC
	`

	rows, err := s.pool.Query(ctx, query, day)
	if err != nil {
		return nil, fmt.Errorf("list budget records by day: %w", err)
	}
	defer rows.Close()

	var records []*domain.BudgetRecord
	for rows.Next() {
		r, err := scanBudgetRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan budget record row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate budget record rows: %w", err)
	}

	return records, nil
}

// scanBudgetRecord scans a single row into a BudgetRecord.
func scanBudgetRecord(row pgx.Row) (*domain.BudgetRecord, error) {
	var r domain.BudgetRecord

	err := row.Scan(&r.ProviderID, &r.Day, &r.Spent, &r.Limit, &r.UpdatedAtMs)
	if err != nil {
		return nil, err
	}

	return &r, nil
}
