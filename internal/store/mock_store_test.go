// ABOUTME: Unit tests for MockStore edge cases and the secretbox sealer
// ABOUTME: Shared behavior with SQLiteStore is covered by the contract suite

package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tally-gateway/internal/flow"
	"github.com/2389/tally-gateway/internal/tenant"
)

func TestMockStore_ListReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	_, err := store.CreateTransaction(ctx, "t1", flow.Record{Type: flow.TypeIncome, AmountMinor: 100, Category: "Salary"})
	require.NoError(t, err)

	txs, err := store.ListTransactions(ctx, "t1", 0)
	require.NoError(t, err)
	txs[0].AmountMinor = 1

	again, err := store.ListTransactions(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), again[0].AmountMinor)
}

func TestMockStore_ConcurrentWrites(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateTransaction(ctx, "t1", flow.Record{Type: flow.TypeExpense, AmountMinor: int64(i + 1), Category: "Food"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	txs, err := store.ListTransactions(ctx, "t1", 100)
	require.NoError(t, err)
	assert.Len(t, txs, 50)
}

func TestMockStore_DeleteUnknownTenant(t *testing.T) {
	store := NewMockStore()
	assert.ErrorIs(t, store.DeleteTenant(context.Background(), "ghost"), ErrNotFound)
}

func TestSealer(t *testing.T) {
	_, err := NewSealer("")
	assert.ErrorIs(t, err, ErrNoEncryptionKey)

	s, err := NewSealer("passphrase")
	require.NoError(t, err)

	a, err := s.Seal("123:token")
	require.NoError(t, err)
	b, err := s.Seal("123:token")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each seal uses a fresh nonce")

	plain, err := s.Open(a)
	require.NoError(t, err)
	assert.Equal(t, "123:token", plain)

	a[len(a)-1] ^= 0xff
	_, err = s.Open(a)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = s.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestMockStore_CredentialDefaultsMode(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.PutCredential(ctx, tenant.Credential{TenantID: "t1", BotToken: "x"}))

	cred, err := store.GetCredential(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tenant.ModePolling, cred.Mode)
}
