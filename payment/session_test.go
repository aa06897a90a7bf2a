package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/credit-engine/credit"
	memstore "github.com/meridian/credit-engine/credit/store"
	"github.com/meridian/credit-engine/payment"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type sessionFixture struct {
	store   *memstore.Memory
	manager *payment.Manager
	clock   *fakeClock
	account credit.AccountID
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	store := memstore.NewMemory()
	ctx := context.Background()
	account := credit.AccountID("member-1")
	require.NoError(t, store.CreateAccount(ctx, credit.Account{ID: account}))

	clock := &fakeClock{t: time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)}
	cache := credit.NewBalanceCache(store, credit.DefaultStaleness)
	manager := payment.NewManager(store, cache).WithClock(clock.Now)

	return &sessionFixture{store: store, manager: manager, clock: clock, account: account}
}

func (f *sessionFixture) pendingSession(t *testing.T, credits int64, ref string) *credit.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.manager.CreateSession(ctx, f.account, credits)
	require.NoError(t, err)
	pending, err := f.manager.MarkPending(ctx, sess.ID, ref)
	require.NoError(t, err)
	return pending
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestManager_CreateSession(t *testing.T) {
	// GIVEN: A member wanting 100 credits
	// WHEN: Opening a session
	// THEN: It starts Initialized with a TTL-bounded expiry

	f := newSessionFixture(t)
	sess, err := f.manager.CreateSession(context.Background(), f.account, 100)
	require.NoError(t, err)

	assert.Equal(t, credit.SessionInitialized, sess.State)
	assert.Equal(t, int64(100), sess.RequestedAmount)
	assert.Equal(t, int64(0), sess.Version)
	assert.Equal(t, f.clock.Now().Add(payment.DefaultSessionTTL), sess.ExpiresAt)
}

func TestManager_CreateSession_RejectsNonPositive(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.manager.CreateSession(context.Background(), f.account, 0)
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)
}

func TestManager_MarkPending_RecordsProcessorRef(t *testing.T) {
	// GIVEN: An Initialized session
	// WHEN: Handing it to the processor
	// THEN: State is Pending, version bumped, ref queryable

	f := newSessionFixture(t)
	ctx := context.Background()

	sess, err := f.manager.CreateSession(ctx, f.account, 100)
	require.NoError(t, err)

	pending, err := f.manager.MarkPending(ctx, sess.ID, "ptx_abc")
	require.NoError(t, err)
	assert.Equal(t, credit.SessionPending, pending.State)
	assert.Equal(t, "ptx_abc", pending.ProcessorRef)
	assert.Equal(t, int64(1), pending.Version)

	byRef, err := f.store.GetSessionByProcessorRef(ctx, "ptx_abc")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byRef.ID)
}

func TestManager_Settle_FlipsStateAndAppendsOnce(t *testing.T) {
	// GIVEN: A Pending session for 100 credits
	// WHEN: Settling with the processor's transaction id as key
	// THEN: State is Settled and exactly one purchase entry landed

	f := newSessionFixture(t)
	ctx := context.Background()
	sess := f.pendingSession(t, 100, "ptx_abc")

	settled, result, err := f.manager.Settle(ctx, sess.ID, "ptx_abc", 100)
	require.NoError(t, err)
	assert.Equal(t, credit.SessionSettled, settled.State)
	assert.Equal(t, result.Entry.ID, settled.SettledEntryID)
	assert.Equal(t, int64(100), result.NewBalance)

	balance, err := f.store.Balance(ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	entries, _, err := f.store.ListEntries(ctx, f.account, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, credit.KindPurchase, entries[0].Kind)
	assert.Equal(t, "ptx_abc", entries[0].IdempotencyKey)
}

func TestManager_Settle_Twice_Rejected(t *testing.T) {
	// GIVEN: An already-settled session
	// WHEN: Settling again
	// THEN: ErrSessionAlreadyTerminal; the balance does not move

	f := newSessionFixture(t)
	ctx := context.Background()
	sess := f.pendingSession(t, 100, "ptx_abc")

	_, _, err := f.manager.Settle(ctx, sess.ID, "ptx_abc", 100)
	require.NoError(t, err)

	_, _, err = f.manager.Settle(ctx, sess.ID, "ptx_abc", 100)
	assert.ErrorIs(t, err, credit.ErrSessionAlreadyTerminal)

	balance, err := f.store.Balance(ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestManager_Fail_NoLedgerMutation(t *testing.T) {
	// GIVEN: A Pending session
	// WHEN: The processor declines
	// THEN: State is Failed with a reason, no entry written

	f := newSessionFixture(t)
	ctx := context.Background()
	sess := f.pendingSession(t, 100, "ptx_abc")

	failed, err := f.manager.Fail(ctx, sess.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, credit.SessionFailed, failed.State)
	assert.Equal(t, "card declined", failed.FailureReason)

	balance, err := f.store.Balance(ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestManager_Settle_FromInitialized_Rejected(t *testing.T) {
	// GIVEN: A session that never reached Pending
	// WHEN: Settling it directly
	// THEN: The state machine rejects the skip

	f := newSessionFixture(t)
	ctx := context.Background()
	sess, err := f.manager.CreateSession(ctx, f.account, 100)
	require.NoError(t, err)

	_, _, err = f.manager.Settle(ctx, sess.ID, "ptx_abc", 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, credit.ErrInvalidTransition)
}

// =============================================================================
// EXPIRY TESTS
// =============================================================================

func TestManager_ExpireDue_Sweep(t *testing.T) {
	// GIVEN: Two open sessions, one past its deadline
	// WHEN: The sweep runs
	// THEN: Only the overdue one flips to Expired

	f := newSessionFixture(t)
	ctx := context.Background()

	old := f.pendingSession(t, 100, "ptx_old")
	f.clock.Advance(10 * time.Minute)
	fresh := f.pendingSession(t, 50, "ptx_fresh")
	f.clock.Advance(25 * time.Minute) // old is 35m past creation, fresh 25m

	expired, err := f.manager.ExpireDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	oldSess, err := f.manager.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.SessionExpired, oldSess.State)

	freshSess, err := f.manager.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.SessionPending, freshSess.State)
}

func TestManager_Settle_AfterDeadline_LazilyExpires(t *testing.T) {
	// GIVEN: A Pending session whose deadline passed without a sweep
	// WHEN: A settle attempt arrives
	// THEN: The session is expired on the spot and the settle rejected

	f := newSessionFixture(t)
	ctx := context.Background()
	sess := f.pendingSession(t, 100, "ptx_abc")

	f.clock.Advance(payment.DefaultSessionTTL + time.Minute)

	_, _, err := f.manager.Settle(ctx, sess.ID, "ptx_abc", 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, credit.ErrSessionExpired)

	current, err := f.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.SessionExpired, current.State)

	balance, err := f.store.Balance(ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance, "no credits land on an expired session")
}

func TestManager_MarkPending_AfterDeadline_LazilyExpires(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	sess, err := f.manager.CreateSession(ctx, f.account, 100)
	require.NoError(t, err)

	f.clock.Advance(payment.DefaultSessionTTL + time.Minute)

	_, err = f.manager.MarkPending(ctx, sess.ID, "ptx_late")
	assert.ErrorIs(t, err, credit.ErrSessionExpired)
}

// =============================================================================
// CAS TESTS
// =============================================================================

func TestManager_StaleVersion_LosesCAS(t *testing.T) {
	// GIVEN: A session transitioned underneath a stale reader
	// WHEN: The stale reader writes with the old version
	// THEN: ErrVersionConflict

	f := newSessionFixture(t)
	ctx := context.Background()
	sess := f.pendingSession(t, 100, "ptx_abc")

	// Another writer wins first.
	_, err := f.store.TransitionSession(ctx, sess.ID, sess.Version, credit.SessionFailed,
		credit.SessionUpdate{FailureReason: "declined"})
	require.NoError(t, err)

	_, err = f.store.TransitionSession(ctx, sess.ID, sess.Version, credit.SessionExpired, credit.SessionUpdate{})
	assert.ErrorIs(t, err, credit.ErrVersionConflict)
}
