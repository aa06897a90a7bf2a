package credit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/credit-engine/credit"
	memstore "github.com/meridian/credit-engine/credit/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// flakyStore wraps the memory store and can be switched to fail
// balance reads, simulating an unreachable backing store.
type flakyStore struct {
	credit.Store
	down bool
}

func (f *flakyStore) Balance(ctx context.Context, id credit.AccountID) (int64, error) {
	if f.down {
		return 0, credit.ErrStoreUnavailable
	}
	return f.Store.Balance(ctx, id)
}

func newCacheFixture(t *testing.T) (*credit.BalanceCache, *flakyStore, credit.AccountID) {
	t.Helper()
	mem := memstore.NewMemory()
	ctx := context.Background()
	acct := credit.AccountID("member-1")
	require.NoError(t, mem.CreateAccount(ctx, credit.Account{ID: acct}))
	_, err := mem.AppendEntry(ctx, credit.LedgerEntry{
		ID:             "e1",
		AccountID:      acct,
		Kind:           credit.KindPurchase,
		Amount:         100,
		IdempotencyKey: "fund",
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	flaky := &flakyStore{Store: mem}
	cache := credit.NewBalanceCache(flaky, time.Nanosecond)
	return cache, flaky, acct
}

// =============================================================================
// CACHE BEHAVIOR TESTS
// =============================================================================

func TestBalanceCache_ReadThrough(t *testing.T) {
	// GIVEN: An empty cache over an account holding 100
	// WHEN: Reading the balance
	// THEN: The store value is served, not marked stale

	cache, _, acct := newCacheFixture(t)

	view, err := cache.Get(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, int64(100), view.Balance)
	assert.False(t, view.Stale)
}

func TestBalanceCache_ServesStaleWhenStoreDown(t *testing.T) {
	// GIVEN: A cache that has seen the balance once
	// WHEN: The store goes down and the cached value has aged out
	// THEN: The last known value is served with Stale=true

	cache, flaky, acct := newCacheFixture(t)
	ctx := context.Background()

	_, err := cache.Get(ctx, acct)
	require.NoError(t, err)

	flaky.down = true
	time.Sleep(time.Millisecond) // let the nanosecond staleness lapse

	view, err := cache.Get(ctx, acct)
	require.NoError(t, err, "a degraded read beats a failed read")
	assert.Equal(t, int64(100), view.Balance)
	assert.True(t, view.Stale, "callers must see that this value is degraded")
}

func TestBalanceCache_ColdMissWithStoreDown_Fails(t *testing.T) {
	// GIVEN: A cache holding nothing for the account
	// WHEN: The store is down
	// THEN: The read fails; there is no value to degrade to

	cache, flaky, acct := newCacheFixture(t)
	flaky.down = true

	_, err := cache.Get(context.Background(), acct)
	assert.ErrorIs(t, err, credit.ErrStoreUnavailable)
}

func TestBalanceCache_UpdateAfterAppend(t *testing.T) {
	// GIVEN: A cache whose store is down
	// WHEN: Update records a balance learned from an append
	// THEN: Subsequent reads serve that value (stale, since the store
	//       read still fails past the staleness window)

	cache, flaky, acct := newCacheFixture(t)
	ctx := context.Background()

	cache.Update(acct, 70)
	flaky.down = true
	time.Sleep(time.Millisecond)

	view, err := cache.Get(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(70), view.Balance)
}

func TestBalanceCache_InvalidateForcesStoreRead(t *testing.T) {
	// GIVEN: A cache holding a wrong value via Update
	// WHEN: The entry is invalidated
	// THEN: The next read goes back to the store

	cache, _, acct := newCacheFixture(t)
	ctx := context.Background()

	cache.Update(acct, 9999)
	cache.Invalidate(acct)

	view, err := cache.Get(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(100), view.Balance)
}
