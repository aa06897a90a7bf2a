package store_test

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

func newSessionStore(t *testing.T) (*memstore.Memory, credit.AccountID) {
	t.Helper()
	store := memstore.NewMemory()
	account := credit.AccountID("member-1")
	require.NoError(t, store.CreateAccount(context.Background(), credit.Account{
		ID:        account,
		CreatedAt: time.Now().UTC(),
	}))
	return store, account
}

func newInitializedSession(t *testing.T, store *memstore.Memory, account credit.AccountID, id string) credit.Session {
	t.Helper()
	sess := credit.Session{
		ID:              credit.SessionID(id),
		AccountID:       account,
		Kind:            credit.KindPurchase,
		RequestedAmount: 100,
		State:           credit.SessionInitialized,
		Version:         0,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       time.Now().UTC().Add(30 * time.Minute),
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	return sess
}

// =============================================================================
// SESSION TRANSITION TESTS
// =============================================================================

func TestMemory_TransitionSession_ProcessorRefUnique(t *testing.T) {
	// GIVEN: Session A pending under ref "ptx_abc"
	// WHEN: Session B transitions to pending claiming the same ref
	// THEN: The transition is rejected and the ref still resolves to A

	store, account := newSessionStore(t)
	ctx := context.Background()
	a := newInitializedSession(t, store, account, "sess-a")
	b := newInitializedSession(t, store, account, "sess-b")

	_, err := store.TransitionSession(ctx, a.ID, 0, credit.SessionPending, credit.SessionUpdate{ProcessorRef: "ptx_abc"})
	require.NoError(t, err)

	_, err = store.TransitionSession(ctx, b.ID, 0, credit.SessionPending, credit.SessionUpdate{ProcessorRef: "ptx_abc"})
	require.ErrorIs(t, err, credit.ErrVersionConflict, "a ref maps to at most one session")

	owner, err := store.GetSessionByProcessorRef(ctx, "ptx_abc")
	require.NoError(t, err)
	assert.Equal(t, a.ID, owner.ID)

	current, err := store.GetSession(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.SessionInitialized, current.State, "the rejected transition must not advance the session")
	assert.Empty(t, current.ProcessorRef)
}

func TestMemory_TransitionSession_OwnRefStaysWritable(t *testing.T) {
	// GIVEN: A session already pending under its own ref
	// WHEN: A later transition carries that same ref again
	// THEN: The transition proceeds; only foreign claims are conflicts

	store, account := newSessionStore(t)
	ctx := context.Background()
	sess := newInitializedSession(t, store, account, "sess-a")

	pending, err := store.TransitionSession(ctx, sess.ID, 0, credit.SessionPending, credit.SessionUpdate{ProcessorRef: "ptx_abc"})
	require.NoError(t, err)

	failed, err := store.TransitionSession(ctx, sess.ID, pending.Version, credit.SessionFailed, credit.SessionUpdate{
		ProcessorRef:  "ptx_abc",
		FailureReason: "card declined",
	})
	require.NoError(t, err)
	assert.Equal(t, credit.SessionFailed, failed.State)
	assert.Equal(t, "ptx_abc", failed.ProcessorRef)
}
