/*
store.go - Persistence interface for the credit ledger

PURPOSE:
  Defines the interface between the domain logic and the database.
  Implementations must keep the ledger append-only and must perform
  the stateful checks (idempotency, balance, refund headroom, session
  version) inside a single atomic unit per call.

APPEND-ONLY CONTRACT:
  - AppendEntry / AppendPair / SettleSession are the ONLY ledger writes
  - No Update() or Delete() methods exist for entries
  - Corrections happen via refund entries, never edits

ATOMICITY CONTRACT:
  AppendEntry must, as one atomic unit:
    1. Reserve the idempotency key (unique constraint or equivalent)
    2. For debiting kinds, verify the resulting balance stays >= 0
    3. For refunds, verify headroom against prior refunds of the target
    4. Insert the entry
  A concurrent double-submit of the same key must produce exactly one
  entry; the loser gets ErrDuplicateIdempotencyKey and the ledger layer
  turns that into a replay of the winner's result.

  SettleSession must flip the session Pending -> Settled (CAS on the
  version) and append the settlement entry in the same atomic unit, so
  a webhook retry racing the expiry sweep can never half-apply.

IMPLEMENTATIONS:
  - store/sqlite:   Production SQLite (WAL, unique idempotency index)
  - store/postgres: pgx-backed Postgres (row locks, 23505 mapping)
  - credit/store:   In-memory, for tests and dev

SEE ALSO:
  - ledger.go: Stateless validation layered on top of this interface
*/
package credit

import (
	"context"
	"time"
)

// Store handles persistence for accounts, the ledger, sessions, and the
// review queue. The ledger portion is APPEND-ONLY.
type Store interface {
	// ---- Accounts ----

	CreateAccount(ctx context.Context, acct Account) error
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// ---- Ledger (append-only) ----

	// AppendEntry atomically reserves the idempotency key, enforces the
	// balance and refund rules, and inserts the entry. Returns the new
	// balance. Returns ErrDuplicateIdempotencyKey when the key is taken.
	AppendEntry(ctx context.Context, entry LedgerEntry) (int64, error)

	// AppendPair atomically appends two entries (the legs of a transfer).
	// Both keys are reserved and the out leg is balance-checked; either
	// both entries land or neither does.
	AppendPair(ctx context.Context, out, in LedgerEntry) (outBalance, inBalance int64, err error)

	// Balance returns the authoritative balance: the sum of the
	// account's entry amounts.
	Balance(ctx context.Context, id AccountID) (int64, error)

	// GetEntry returns an entry by id, or ErrRelatedEntryNotFound.
	GetEntry(ctx context.Context, id EntryID) (*LedgerEntry, error)

	// GetEntryByKey returns the entry a consumed idempotency key maps to.
	// Used to serve replays.
	GetEntryByKey(ctx context.Context, idempotencyKey string) (*LedgerEntry, error)

	// ListEntries returns a page of the account's entries, newest first.
	// cursor is an opaque token from a previous page ("" for the first);
	// nextCursor is "" when exhausted.
	ListEntries(ctx context.Context, id AccountID, cursor string, limit int) (entries []LedgerEntry, nextCursor string, err error)

	// ---- Sessions (single-writer via version CAS) ----

	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id SessionID) (*Session, error)

	// GetSessionByProcessorRef looks a session up by the processor's
	// transaction id. Returns ErrSessionNotFound when nothing matches.
	GetSessionByProcessorRef(ctx context.Context, ref string) (*Session, error)

	// TransitionSession moves a session to next iff its current version
	// equals expectVersion and the state machine allows the move.
	// Returns ErrVersionConflict on a lost race. Never used for Settled.
	TransitionSession(ctx context.Context, id SessionID, expectVersion int64, next SessionState, update SessionUpdate) (*Session, error)

	// SettleSession atomically transitions Pending -> Settled and appends
	// the settlement entry (same contract as AppendEntry). If the append
	// fails for any reason the state flip rolls back with it; no partial
	// outcome exists.
	SettleSession(ctx context.Context, id SessionID, expectVersion int64, entry LedgerEntry) (*Session, int64, error)

	// ListExpirable returns sessions still Initialized or Pending whose
	// ExpiresAt is before now. The sweep transitions them to Expired.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]Session, error)

	// ---- Review queue (webhooks that could not be applied) ----

	RecordReviewEvent(ctx context.Context, ev ReviewEvent) error
	ListReviewEvents(ctx context.Context, limit int) ([]ReviewEvent, error)
}
