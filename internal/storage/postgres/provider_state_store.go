package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/storage"
)

// ProviderStateStore implements storage.ProviderStateStore using PostgreSQL.
type ProviderStateStore struct {
	pool *Pool
}

// NewProviderStateStore creates a new ProviderStateStore.
func NewProviderStateStore(pool *Pool) *ProviderStateStore {
	return &ProviderStateStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ProviderStateStore = (*ProviderStateStore)(nil)

// Upsert writes the state for a provider, replacing any previous row.
func (s *ProviderStateStore) Upsert(ctx context.Context, st *domain.ProviderState) error {
	if st == nil || st.ProviderID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO provider_states (
			provider_id, status, consecutive_failures, consecutive_successes,
			latency_ewma_ms, quarantine_count, quarantine_release_ms,
			last_health_check_ms, updated_at_ms
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (provider_id) DO UPDATE SET
			status = EXCLUDED.status,
			consecutive_failures = EXCLUDED.consecutive_failures,
			consecutive_successes = EXCLUDED.consecutive_successes,
			latency_ewma_ms = EXCLUDED.latency_ewma_ms,
			quarantine_count = EXCLUDED.quarantine_count,
			quarantine_release_ms = EXCLUDED.quarantine_release_ms,
			last_health_check_ms = EXCLUDED.last_health_check_ms,
			updated_at_ms = EXCLUDED.updated_at_ms
	`

	_, err := s.pool.Exec(ctx, query,
		st.ProviderID, string(st.Status), st.ConsecutiveFailures, st.ConsecutiveSuccesses,
		st.LatencyEWMAMs, st.QuarantineCount, st.QuarantineReleaseMs,
		st.LastHealthCheckMs, st.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("upsert provider state: %w", err)
	}
	return nil
}

// Get retrieves the state for a provider. Returns ErrNotFound if not exists.
func (s *ProviderStateStore) Get(ctx context.Context, providerID string) (*domain.ProviderState, error) {
	query := `
		SELECT
			provider_id, status, consecutive_failures, consecutive_successes,
			latency_ewma_ms, quarantine_count, quarantine_release_ms,
			last_health_check_ms, updated_at_ms
		FROM provider_states
		WHERE provider_id = $1
	`

	row := s.pool.QueryRow(ctx, query, providerID)
	st, err := scanProviderState(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get provider state: %w", err)
	}
	return st, nil
}

// List retrieves all persisted provider states.
func (s *ProviderStateStore) List(ctx context.Context) ([]*domain.ProviderState, error) {
	query := `
		SELECT
			provider_id, status, consecutive_failures, consecutive_successes,
			latency_ewma_ms, quarantine_count, quarantine_release_ms,
			last_health_check_ms, updated_at_ms
		FROM provider_states
		ORDER BY provider_id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list provider states: %w", err)
	}
	defer rows.Close()

	var states []*domain.ProviderState
	for rows.Next() {
		st, err := scanProviderState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider state row: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider state rows: %w", err)
	}

	return states, nil
}

// scanProviderState scans a single row into a ProviderState.
func scanProviderState(row pgx.Row) (*domain.ProviderState, error) {
	var st domain.ProviderState
	var status string

	err := row.Scan(
		&st.ProviderID, &status, &st.ConsecutiveFailures, &st.ConsecutiveSuccesses,
		&st.LatencyEWMAMs, &st.QuarantineCount, &st.QuarantineReleaseMs,
		&st.LastHealthCheckMs, &st.UpdatedAtMs,
	)
	if err != nil {
		return nil, err
	}

	st.Status = domain.ProviderStatus(status)
	return &st, nil
}
