/*
cache.go - Read-optimized balance projection

PURPOSE:
  Low-latency balance reads without hitting the ledger on every GET.
  The cache is a disposable projection: it owns no authoritative data
  and can be rebuilt from the ledger at any time. It is refreshed on
  every successful append and lazily on read once its value is older
  than the staleness threshold.

STALENESS:
  When the authoritative store is unreachable, the last known value is
  served with Stale=true. Callers must render that explicitly. Spends
  never consult this cache; the store re-checks the balance inside the
  append transaction.
*/
package credit

import (
	"context"
	"sync"
	"time"
)

// DefaultStaleness is how old a cached balance may get before a read
// triggers a synchronous refresh.
const DefaultStaleness = 30 * time.Second

type cachedBalance struct {
	balance int64
	asOf    time.Time
}

// BalanceCache is a stale-tolerant projection of account balances.
type BalanceCache struct {
	store     Store
	staleness time.Duration

	mu      sync.RWMutex
	entries map[AccountID]cachedBalance

	// now is swappable for tests.
	now func() time.Time
}

func NewBalanceCache(store Store, staleness time.Duration) *BalanceCache {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &BalanceCache{
		store:     store,
		staleness: staleness,
		entries:   make(map[AccountID]cachedBalance),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the account's balance. Fresh cached values are served
// directly; stale or missing ones trigger a store read. If the store
// is unreachable and a cached value exists, it is served with
// Stale=true instead of failing the read.
func (c *BalanceCache) Get(ctx context.Context, id AccountID) (BalanceView, error) {
	c.mu.RLock()
	cached, ok := c.entries[id]
	c.mu.RUnlock()

	now := c.now()
	if ok && now.Sub(cached.asOf) < c.staleness {
		return BalanceView{AccountID: id, Balance: cached.balance, AsOf: cached.asOf}, nil
	}

	balance, err := c.store.Balance(ctx, id)
	if err != nil {
		if ok {
			return BalanceView{AccountID: id, Balance: cached.balance, AsOf: cached.asOf, Stale: true}, nil
		}
		return BalanceView{}, err
	}

	c.put(id, balance, now)
	return BalanceView{AccountID: id, Balance: balance, AsOf: now}, nil
}

// Update records a balance the caller just learned from an append.
// This is the post-mutation refresh path; it avoids a second store
// round trip since AppendEntry already returned the new balance.
func (c *BalanceCache) Update(id AccountID, balance int64) {
	c.put(id, balance, c.now())
}

// Refresh re-reads the account's balance from the store.
func (c *BalanceCache) Refresh(ctx context.Context, id AccountID) error {
	balance, err := c.store.Balance(ctx, id)
	if err != nil {
		return err
	}
	c.put(id, balance, c.now())
	return nil
}

// Invalidate drops the cached value so the next read goes to the store.
func (c *BalanceCache) Invalidate(id AccountID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *BalanceCache) put(id AccountID, balance int64, asOf time.Time) {
	c.mu.Lock()
	c.entries[id] = cachedBalance{balance: balance, asOf: asOf}
	c.mu.Unlock()
}
