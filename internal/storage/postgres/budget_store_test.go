package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/storage"
)

func TestBudgetStore_UpsertAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBudgetStore(pool)
	ctx := context.Background()

	r := &domain.BudgetRecord{
		ProviderID:  "eth-alpha",
		Day:         "2026-08-24",
		Spent:       12.5,
		Limit:       100,
		UpdatedAtMs: 1700000000000,
	}
	require.NoError(t, store.Upsert(ctx, r))

	got, err := store.Get(ctx, "eth-alpha", "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestBudgetStore_UpsertReplaces(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBudgetStore(pool)
	ctx := context.Background()

	r := &domain.BudgetRecord{ProviderID: "eth-alpha", Day: "2026-08-24", Spent: 1, Limit: 100}
	require.NoError(t, store.Upsert(ctx, r))

	r.Spent = 42
	require.NoError(t, store.Upsert(ctx, r))

	got, err := store.Get(ctx, "eth-alpha", "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, 42.0, got.Spent)
}

func TestBudgetStore_SeparateDays(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBudgetStore(pool)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &domain.BudgetRecord{ProviderID: "eth-alpha", Day: "2026-08-23", Spent: 99, Limit: 100}))
	require.NoError(t, store.Upsert(ctx, &domain.BudgetRecord{ProviderID: "eth-alpha", Day: "2026-08-24", Spent: 1, Limit: 100}))
	require.NoError(t, store.Upsert(ctx, &domain.BudgetRecord{ProviderID: "eth-beta", Day: "2026-08-24", Spent: 5, Limit: 50}))

	records, err := store.ListByDay(ctx, "2026-08-24")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "eth-alpha", records[0].ProviderID)
	assert.Equal(t, 1.0, records[0].Spent)
	assert.Equal(t, "eth-beta", records[1].ProviderID)
}

func TestBudgetStore_GetNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBudgetStore(pool)

	_, err := store.Get(context.Background(), "missing", "2026-08-24")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
