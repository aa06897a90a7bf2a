package sqlite_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/credit-engine/credit"
	"github.com/meridian/credit-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createAccount(t *testing.T, store *sqlite.Store, id string) credit.AccountID {
	t.Helper()
	accountID := credit.AccountID(id)
	require.NoError(t, store.CreateAccount(context.Background(), credit.Account{
		ID:        accountID,
		CreatedAt: time.Now().UTC(),
	}))
	return accountID
}

func entry(acct credit.AccountID, kind credit.EntryKind, amount int64, key string) credit.LedgerEntry {
	return credit.LedgerEntry{
		ID:             credit.EntryID("e-" + key),
		AccountID:      acct,
		Kind:           kind,
		Amount:         amount,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
}

// =============================================================================
// ACCOUNT TESTS
// =============================================================================

func TestSQLite_Accounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct := credit.Account{ID: "member-1", DisplayName: "Ada", CreatedAt: time.Now().UTC().Truncate(time.Microsecond)}
	require.NoError(t, store.CreateAccount(ctx, acct))

	got, err := store.GetAccount(ctx, "member-1")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)
	assert.Equal(t, "Ada", got.DisplayName)
	assert.True(t, acct.CreatedAt.Equal(got.CreatedAt), "timestamps must round-trip")

	_, err = store.GetAccount(ctx, "ghost")
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)
}

// =============================================================================
// APPEND TESTS
// =============================================================================

func TestSQLite_AppendEntry_BalanceAndRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, store, "member-1")

	e := entry(acct, credit.KindPurchase, 100, "buy-1")
	e.Reason = "initial purchase"
	balance, err := store.AppendEntry(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	got, err := store.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Kind, got.Kind)
	assert.Equal(t, e.Amount, got.Amount)
	assert.Equal(t, "initial purchase", got.Reason)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))

	byKey, err := store.GetEntryByKey(ctx, "buy-1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, byKey.ID)

	balance, err = store.Balance(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestSQLite_AppendEntry_DuplicateKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, store, "member-1")

	_, err := store.AppendEntry(ctx, entry(acct, credit.KindPurchase, 100, "buy-1"))
	require.NoError(t, err)

	dup := entry(acct, credit.KindPurchase, 999, "buy-1")
	dup.ID = "e-other"
	_, err = store.AppendEntry(ctx, dup)
	assert.ErrorIs(t, err, credit.ErrDuplicateIdempotencyKey)

	balance, err := store.Balance(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestSQLite_AppendEntry_BalanceFloor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, store, "member-1")

	_, err := store.AppendEntry(ctx, entry(acct, credit.KindPurchase, 50, "buy-1"))
	require.NoError(t, err)

	_, err = store.AppendEntry(ctx, entry(acct, credit.KindSpend, -60, "spend-1"))
	assert.ErrorIs(t, err, credit.ErrInsufficientBalance)

	// Adjustments bypass the floor.
	balance, err := store.AppendEntry(ctx, entry(acct, credit.KindAdjustment, -60, "adj-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(-10), balance)
}

func TestSQLite_AppendEntry_UnknownAccount(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AppendEntry(context.Background(),
		entry("ghost", credit.KindPurchase, 100, "buy-1"))
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)
}

func TestSQLite_RefundHeadroom(t *testing.T) {
	// GIVEN: A 25-credit spend refunded by 20
	// WHEN: A further refund of 10 is attempted
	// THEN: Rejected; the cumulative cap is checked inside the tx

	store := newTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, store, "member-1")

	_, err := store.AppendEntry(ctx, entry(acct, credit.KindPurchase, 100, "buy-1"))
	require.NoError(t, err)

	spend := entry(acct, credit.KindSpend, -25, "spend-1")
	_, err = store.AppendEntry(ctx, spend)
	require.NoError(t, err)

	refund1 := entry(acct, credit.KindRefund, 20, "refund-1")
	refund1.RelatedEntryID = spend.ID
	_, err = store.AppendEntry(ctx, refund1)
	require.NoError(t, err)

	refund2 := entry(acct, credit.KindRefund, 10, "refund-2")
	refund2.RelatedEntryID = spend.ID
	_, err = store.AppendEntry(ctx, refund2)
	require.Error(t, err)

	var exceeds *credit.RefundExceedsError
	require.ErrorAs(t, err, &exceeds)
	assert.Equal(t, int64(25), exceeds.Original)
	assert.Equal(t, int64(20), exceeds.AlreadyRefunded)
}

func TestSQLite_AppendPair_AllOrNothing(t *testing.T) {
	// GIVEN: A sender holding 10 credits
	// WHEN: A 40-credit transfer pair is appended
	// THEN: Neither leg lands

	store := newTestStore(t)
	ctx := context.Background()
	from := createAccount(t, store, "member-1")
	to := createAccount(t, store, "creator-1")

	_, err := store.AppendEntry(ctx, entry(from, credit.KindPurchase, 10, "buy-1"))
	require.NoError(t, err)

	out := entry(from, credit.KindTransferOut, -40, "tip-1:out")
	in := entry(to, credit.KindTransferIn, 40, "tip-1:in")
	in.RelatedEntryID = out.ID

	_, _, err = store.AppendPair(ctx, out, in)
	require.ErrorIs(t, err, credit.ErrInsufficientBalance)

	toBalance, err := store.Balance(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, int64(0), toBalance)

	_, err = store.GetEntryByKey(ctx, "tip-1:in")
	assert.Error(t, err, "in leg must not exist after a failed pair")
}

func TestSQLite_AppendPair_Succeeds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	from := createAccount(t, store, "member-1")
	to := createAccount(t, store, "creator-1")

	_, err := store.AppendEntry(ctx, entry(from, credit.KindPurchase, 100, "buy-1"))
	require.NoError(t, err)

	out := entry(from, credit.KindTransferOut, -40, "tip-1:out")
	in := entry(to, credit.KindTransferIn, 40, "tip-1:in")
	in.RelatedEntryID = out.ID

	outBalance, inBalance, err := store.AppendPair(ctx, out, in)
	require.NoError(t, err)
	assert.Equal(t, int64(60), outBalance)
	assert.Equal(t, int64(40), inBalance)

	// Retried pair hits the key check.
	_, _, err = store.AppendPair(ctx, out, in)
	assert.ErrorIs(t, err, credit.ErrDuplicateIdempotencyKey)
}

// =============================================================================
// PAGINATION TESTS
// =============================================================================

func TestSQLite_ListEntries_KeysetPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, store, "member-1")

	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := entry(acct, credit.KindPurchase, int64(i+1), fmt.Sprintf("buy-%d", i))
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := store.AppendEntry(ctx, e)
		require.NoError(t, err)
	}

	page1, cursor, err := store.ListEntries(ctx, acct, "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, int64(5), page1[0].Amount)
	assert.Equal(t, int64(4), page1[1].Amount)
	require.NotEmpty(t, cursor)

	page2, cursor, err := store.ListEntries(ctx, acct, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, int64(3), page2[0].Amount)
	assert.Equal(t, int64(2), page2[1].Amount)

	page3, cursor, err := store.ListEntries(ctx, acct, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, int64(1), page3[0].Amount)
	assert.Empty(t, cursor, "no cursor past the final page")
}

// =============================================================================
// SESSION TESTS
// =============================================================================

func testSession(acct credit.AccountID, id string) credit.Session {
	now := time.Now().UTC()
	return credit.Session{
		ID:              credit.SessionID(id),
		AccountID:       acct,
		Kind:            credit.KindPurchase,
		RequestedAmount: 100,
		State:           credit.SessionInitialized,
		CreatedAt:       now,
		ExpiresAt:       now.Add(30 * time.Minute),
	}
}

func TestSQLite_SessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, store, "member-1")

	sess := testSession(acct, "sess-1")
	require.NoError(t, store.CreateSession(ctx, sess))

	pending, err := store.TransitionSession(ctx, sess.ID, 0, credit.SessionPending,
		credit.SessionUpdate{ProcessorRef: "ptx_abc"})
	require.NoError(t, err)
	assert.Equal(t, credit.SessionPending, pending.State)
	assert.Equal(t, int64(1), pending.Version)
	assert.Equal(t, "ptx_abc", pending.ProcessorRef)

	byRef, err := store.GetSessionByProcessorRef(ctx, "ptx_abc")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byRef.ID)

	// Stale version loses.
	_, err = store.TransitionSession(ctx, sess.ID, 0, credit.SessionFailed, credit.SessionUpdate{})
	assert.ErrorIs(t, err, credit.ErrVersionConflict)

	// Illegal move rejected.
	_, err = store.TransitionSession(ctx, sess.ID, 1, credit.SessionPending, credit.SessionUpdate{})
	assert.ErrorIs(t, err, credit.ErrInvalidTransition)
}

func TestSQLite_SettleSession_Atomic(t *testing.T) {
	// GIVEN: A pending session
	// WHEN: Settling with a purchase entry
	// THEN: The flip and the append land together

	store := newTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, store, "member-1")

	sess := testSession(acct, "sess-1")
	require.NoError(t, store.CreateSession(ctx, sess))
	_, err := store.TransitionSession(ctx, sess.ID, 0, credit.SessionPending,
		credit.SessionUpdate{ProcessorRef: "ptx_abc"})
	require.NoError(t, err)

	e := entry(acct, credit.KindPurchase, 100, "ptx_abc")
	settled, balance, err := store.SettleSession(ctx, sess.ID, 1, e)
	require.NoError(t, err)
	assert.Equal(t, credit.SessionSettled, settled.State)
	assert.Equal(t, e.ID, settled.SettledEntryID)
	assert.Equal(t, int64(100), balance)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.SessionSettled, got.State)
	assert.Equal(t, e.ID, got.SettledEntryID)
}

func TestSQLite_SettleSession_DuplicateEntryKey_RollsBackFlip(t *testing.T) {
	// GIVEN: The settlement entry key already consumed
	// WHEN: SettleSession runs
	// THEN: The whole transaction rolls back; the session stays Pending

	store := newTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, store, "member-1")

	_, err := store.AppendEntry(ctx, entry(acct, credit.KindPurchase, 1, "ptx_abc"))
	require.NoError(t, err)

	sess := testSession(acct, "sess-1")
	require.NoError(t, store.CreateSession(ctx, sess))
	_, err = store.TransitionSession(ctx, sess.ID, 0, credit.SessionPending,
		credit.SessionUpdate{ProcessorRef: "ptx_abc"})
	require.NoError(t, err)

	e := entry(acct, credit.KindPurchase, 100, "ptx_abc")
	e.ID = "e-settle"
	_, _, err = store.SettleSession(ctx, sess.ID, 1, e)
	assert.ErrorIs(t, err, credit.ErrDuplicateIdempotencyKey)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.SessionPending, got.State, "failed append must roll back the state flip")
	assert.Equal(t, int64(1), got.Version)
}

func TestSQLite_ListExpirable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, store, "member-1")

	now := time.Now().UTC()

	overdue := testSession(acct, "sess-overdue")
	overdue.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, store.CreateSession(ctx, overdue))

	fresh := testSession(acct, "sess-fresh")
	fresh.ExpiresAt = now.Add(time.Hour)
	require.NoError(t, store.CreateSession(ctx, fresh))

	done := testSession(acct, "sess-done")
	done.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, store.CreateSession(ctx, done))
	_, err := store.TransitionSession(ctx, done.ID, 0, credit.SessionExpired, credit.SessionUpdate{})
	require.NoError(t, err)

	due, err := store.ListExpirable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, overdue.ID, due[0].ID)
}

// =============================================================================
// REVIEW QUEUE TESTS
// =============================================================================

func TestSQLite_ReviewEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := credit.ReviewEvent{
		ID:           "rev-1",
		ProcessorRef: "ptx_ghost",
		Outcome:      credit.OutcomeSuccess,
		Amount:       100,
		Reason:       credit.ReviewUnmatchedRef,
		ReceivedAt:   time.Now().UTC().Add(-time.Minute),
	}
	second := credit.ReviewEvent{
		ID:           "rev-2",
		ProcessorRef: "ptx_late",
		Outcome:      credit.OutcomeSuccess,
		Amount:       50,
		Reason:       credit.ReviewTerminalSession,
		SessionID:    "sess-1",
		ReceivedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.RecordReviewEvent(ctx, first))
	require.NoError(t, store.RecordReviewEvent(ctx, second))

	events, err := store.ListReviewEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "rev-2", events[0].ID, "newest first")
	assert.Equal(t, credit.SessionID("sess-1"), events[0].SessionID)
	assert.Equal(t, "rev-1", events[1].ID)
	assert.Empty(t, events[1].SessionID)
}
