package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/storage"
)

// CallLogStore implements storage.CallLogStore using ClickHouse. The
// call_log table is append-only; MergeTree does not enforce uniqueness
// and the gateway never needs it to.
type CallLogStore struct {
	conn *Conn
}

// NewCallLogStore creates a new CallLogStore.
func NewCallLogStore(conn *Conn) *CallLogStore {
	return &CallLogStore{conn: conn}
}

// Compile-time interface check.
var _ storage.CallLogStore = (*CallLogStore)(nil)

// Insert appends one call record.
func (s *CallLogStore) Insert(ctx context.Context, r *domain.CallRecord) error {
	if r == nil || r.ProviderID == "" {
		return storage.ErrInvalidInput
	}
	return s.InsertBulk(ctx, []*domain.CallRecord{r})
}

// InsertBulk appends multiple call records in one batch.
func (s *CallLogStore) InsertBulk(ctx context.Context, records []*domain.CallRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO call_log (
			provider_id, chain, method, success, error_class,
			latency_ms, cost, timestamp_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		if r == nil || r.ProviderID == "" {
			return storage.ErrInvalidInput
		}
		var success uint8
		if r.Success {
			success = 1
		}
		err = batch.Append(
			r.ProviderID, r.Chain, r.Method, success, string(r.ErrorClass),
			r.LatencyMs, r.Cost, uint64(r.TimestampMs),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// ListByProvider retrieves the most recent records for a provider,
// ordered by timestamp DESC. limit <= 0 means no limit.
func (s *CallLogStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*domain.CallRecord, error) {
	query := `
		SELECT provider_id, chain, method, success, error_class,
		       latency_ms, cost, timestamp_ms
		FROM call_log
		WHERE provider_id = ?
		ORDER BY timestamp_ms DESC
	`
	args := []any{providerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, uint64(limit))
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query call log by provider: %w", err)
	}
	defer rows.Close()

	return scanCallRecords(rows)
}

// scanCallRecords scans multiple rows.
func scanCallRecords(rows driver.Rows) ([]*domain.CallRecord, error) {
	var records []*domain.CallRecord

	for rows.Next() {
		var r domain.CallRecord
		var success uint8
		var errorClass string
		var timestampMs uint64

		err := rows.Scan(
			&r.ProviderID, &r.Chain, &r.Method, &success, &errorClass,
			&r.LatencyMs, &r.Cost, &timestampMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan call log row: %w", err)
		}

		r.Success = success == 1
		r.ErrorClass = domain.ErrorClass(errorClass)
		r.TimestampMs = int64(timestampMs)
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call log rows: %w", err)
	}

	return records, nil
}
