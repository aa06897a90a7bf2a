/*
Package payment orchestrates purchase sessions against the external
payment processor.

PURPOSE:
  A purchase is not a synchronous ledger write: the member is sent to
  the processor's checkout page and credits only land once the
  processor's webhook confirms the charge. The Manager tracks that
  in-flight window with a session state machine:

    Initialized -> Pending -> {Settled, Failed, Expired}

  Transitions are forward-only and guarded by a version compare-and-
  swap, so a duplicate webhook racing the expiry sweep cannot both win.

SETTLEMENT:
  Settle appends the purchase entry under the processor's transaction
  id as the idempotency key, in the same atomic store unit as the
  Pending -> Settled flip. Exactly one ledger entry per session, ever.

SEE ALSO:
  - reconciler.go: Feeds webhook outcomes into this state machine
  - processor.go: Checkout URL generation
*/
package payment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/meridian/credit-engine/credit"
)

// DefaultSessionTTL bounds how long a purchase session may stay open.
const DefaultSessionTTL = 30 * time.Minute

// Manager owns session rows. Nothing else mutates session state.
type Manager struct {
	store credit.Store
	cache *credit.BalanceCache
	ttl   time.Duration

	// now is swappable for tests.
	now func() time.Time
}

func NewManager(store credit.Store, cache *credit.BalanceCache) *Manager {
	return &Manager{
		store: store,
		cache: cache,
		ttl:   DefaultSessionTTL,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithTTL overrides the session lifetime. Used by tests and config.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// WithClock overrides the time source. Tests use this to simulate
// expiry without sleeping.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// CreateSession opens a purchase session in Initialized for the given
// number of credits.
func (m *Manager) CreateSession(ctx context.Context, accountID credit.AccountID, credits int64) (*credit.Session, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("%w: session amount must be positive, got %d", credit.ErrInvalidAmount, credits)
	}

	now := m.now()
	sess := credit.Session{
		ID:              credit.SessionID(uuid.NewString()),
		AccountID:       accountID,
		Kind:            credit.KindPurchase,
		RequestedAmount: credits,
		State:           credit.SessionInitialized,
		Version:         0,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.ttl),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Get returns the current session record.
func (m *Manager) Get(ctx context.Context, id credit.SessionID) (*credit.Session, error) {
	return m.store.GetSession(ctx, id)
}

// MarkPending hands the session to the processor: Initialized -> Pending,
// recording the processor's transaction id. Exactly-once: a second
// caller loses the version CAS.
func (m *Manager) MarkPending(ctx context.Context, id credit.SessionID, processorRef string) (*credit.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if expired, err := m.expireIfDue(ctx, sess); expired || err != nil {
		if err != nil {
			return nil, err
		}
		return nil, &credit.ExpiredSessionError{SessionID: id, ExpiredAt: sess.ExpiresAt}
	}

	return m.store.TransitionSession(ctx, id, sess.Version, credit.SessionPending,
		credit.SessionUpdate{ProcessorRef: processorRef})
}

// Settle applies the processor's confirmation: Pending -> Settled plus
// exactly one purchase entry, atomically. idempotencyKey is the
// processor's transaction id, so a replayed confirmation can never
// produce a second entry.
func (m *Manager) Settle(ctx context.Context, id credit.SessionID, idempotencyKey string, appliedAmount int64) (*credit.Session, credit.AppendResult, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, credit.AppendResult{}, err
	}
	if sess.State.Terminal() {
		return nil, credit.AppendResult{}, &credit.TransitionError{SessionID: id, From: sess.State, To: credit.SessionSettled}
	}
	if expired, err := m.expireIfDue(ctx, sess); expired || err != nil {
		if err != nil {
			return nil, credit.AppendResult{}, err
		}
		return nil, credit.AppendResult{}, &credit.ExpiredSessionError{SessionID: id, ExpiredAt: sess.ExpiresAt}
	}
	if appliedAmount <= 0 {
		return nil, credit.AppendResult{}, fmt.Errorf("%w: settle amount must be positive, got %d", credit.ErrInvalidAmount, appliedAmount)
	}

	entry := credit.LedgerEntry{
		ID:             credit.EntryID(uuid.NewString()),
		AccountID:      sess.AccountID,
		Kind:           credit.KindPurchase,
		Amount:         appliedAmount,
		IdempotencyKey: idempotencyKey,
		Reason:         fmt.Sprintf("purchase session %s", sess.ID),
		CreatedAt:      m.now(),
	}

	settled, newBalance, err := m.store.SettleSession(ctx, id, sess.Version, entry)
	if err != nil {
		return nil, credit.AppendResult{}, err
	}

	if m.cache != nil {
		m.cache.Update(sess.AccountID, newBalance)
	}
	return settled, credit.AppendResult{Entry: entry, NewBalance: newBalance}, nil
}

// Fail records a processor-declined outcome: Pending -> Failed. No
// ledger mutation; the member was never charged credits.
func (m *Manager) Fail(ctx context.Context, id credit.SessionID, reason string) (*credit.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.store.TransitionSession(ctx, id, sess.Version, credit.SessionFailed,
		credit.SessionUpdate{FailureReason: reason})
}

// =============================================================================
// EXPIRY
// =============================================================================

// ExpireDue sweeps sessions past their ExpiresAt into Expired. Lost
// CAS races are fine: whoever won moved the session to a terminal
// state already.
func (m *Manager) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := m.store.ListExpirable(ctx, m.now(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sess := range due {
		_, err := m.store.TransitionSession(ctx, sess.ID, sess.Version, credit.SessionExpired, credit.SessionUpdate{})
		if err != nil {
			if credit.IsRetryable(err) || credit.IsClientError(err) {
				log.Printf("[Sessions] skip expiring %s: %v", sess.ID, err)
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// expireIfDue lazily expires a session whose deadline passed before
// the sweep got to it. Returns true when the session is now Expired.
func (m *Manager) expireIfDue(ctx context.Context, sess *credit.Session) (bool, error) {
	if sess.State.Terminal() || m.now().Before(sess.ExpiresAt) {
		return false, nil
	}
	_, err := m.store.TransitionSession(ctx, sess.ID, sess.Version, credit.SessionExpired, credit.SessionUpdate{})
	if err != nil && !credit.IsRetryable(err) && !credit.IsClientError(err) {
		return false, err
	}
	return true, nil
}
