package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/storage"
)

func TestProviderStateStore_UpsertGetList(t *testing.T) {
	store := NewProviderStateStore()
	ctx := context.Background()

	st := &domain.ProviderState{
		ProviderID:    "eth-alpha",
		Status:        domain.StatusDegraded,
		LatencyEWMAMs: 120,
	}
	require.NoError(t, store.Upsert(ctx, st))

	// Mutating the original must not affect the stored copy
	st.Status = domain.StatusQuarantined

	got, err := store.Get(ctx, "eth-alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDegraded, got.Status)

	require.NoError(t, store.Upsert(ctx, &domain.ProviderState{ProviderID: "eth-beta", Status: domain.StatusHealthy}))

	states, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "eth-alpha", states[0].ProviderID)
	assert.Equal(t, "eth-beta", states[1].ProviderID)
}

func TestProviderStateStore_Errors(t *testing.T) {
	store := NewProviderStateStore()
	ctx := context.Background()

	assert.True(t, errors.Is(store.Upsert(ctx, nil), storage.ErrInvalidInput))

	_, err := store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestBudgetStore_UpsertGetListByDay(t *testing.T) {
	store := NewBudgetStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &domain.BudgetRecord{ProviderID: "eth-alpha", Day: "2026-08-23", Spent: 90, Limit: 100}))
	require.NoError(t, store.Upsert(ctx, &domain.BudgetRecord{ProviderID: "eth-alpha", Day: "2026-08-24", Spent: 3, Limit: 100}))
	require.NoError(t, store.Upsert(ctx, &domain.BudgetRecord{ProviderID: "eth-beta", Day: "2026-08-24", Spent: 7, Limit: 50}))

	got, err := store.Get(ctx, "eth-alpha", "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.Spent)

	records, err := store.ListByDay(ctx, "2026-08-24")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "eth-alpha", records[0].ProviderID)
	assert.Equal(t, "eth-beta", records[1].ProviderID)

	// Upsert replaces
	require.NoError(t, store.Upsert(ctx, &domain.BudgetRecord{ProviderID: "eth-alpha", Day: "2026-08-24", Spent: 11, Limit: 100}))
	got, err = store.Get(ctx, "eth-alpha", "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, 11.0, got.Spent)
}

func TestBudgetStore_Errors(t *testing.T) {
	store := NewBudgetStore()
	ctx := context.Background()

	assert.True(t, errors.Is(store.Upsert(ctx, &domain.BudgetRecord{ProviderID: "x"}), storage.ErrInvalidInput))

	_, err := store.Get(ctx, "missing", "2026-08-24")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCallLogStore_InsertListByProvider(t *testing.T) {
	store := NewCallLogStore()
	ctx := context.Background()

	require.NoError(t, store.InsertBulk(ctx, []*domain.CallRecord{
		{ProviderID: "eth-alpha", Method: "eth_blockNumber", Success: true, TimestampMs: 1000},
		{ProviderID: "eth-alpha", Method: "eth_getBalance", Success: false, ErrorClass: domain.ErrorClassTimeout, TimestampMs: 3000},
		{ProviderID: "eth-beta", Method: "eth_blockNumber", Success: true, TimestampMs: 2000},
	}))

	got, err := store.ListByProvider(ctx, "eth-alpha", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3000), got[0].TimestampMs)
	assert.Equal(t, int64(1000), got[1].TimestampMs)

	got, err = store.ListByProvider(ctx, "eth-alpha", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "eth_getBalance", got[0].Method)
}

func TestCallLogStore_InvalidInput(t *testing.T) {
	store := NewCallLogStore()
	ctx := context.Background()

	assert.True(t, errors.Is(store.Insert(ctx, nil), storage.ErrInvalidInput))
	assert.True(t, errors.Is(store.Insert(ctx, &domain.CallRecord{}), storage.ErrInvalidInput))
}
