/*
Package credit provides the core credit-ledger engine.

PURPOSE:
  This package contains the domain types and algorithms for tracking a
  member's spendable credit balance. Purchases, spends, tips, refunds,
  and admin adjustments all flow through the same append-only ledger;
  the balance is always derived from the entry history, never stored as
  a mutable field of the account.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: An identity that can hold credits (member or creator)
  - LedgerEntry: An immutable record of one balance change
  - Session: An in-flight purchase awaiting processor confirmation
  - EntryKind/SessionState: Closed enumerations with exhaustive handling

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only offset by refunds
  2. Integer credits: Amounts are signed int64 credits, no floats
  3. Idempotency: Every entry carries a caller-supplied idempotency key
  4. Forward-only sessions: A session state machine never moves backward

SEE ALSO:
  - ledger.go: Validation rules and the append path
  - store.go: Persistence interface
  - errors.go: Sentinel and structured errors
*/
package credit

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string
type SessionID string

// =============================================================================
// ACCOUNT - An identity that can hold credits
// =============================================================================

// Account carries no balance field. Balance is derived from the ledger
// so the two can never disagree.
type Account struct {
	ID          AccountID
	DisplayName string
	CreatedAt   time.Time
}

// =============================================================================
// LEDGER ENTRY - Atomic change to an account's balance
// =============================================================================

type EntryKind string

const (
	KindPurchase    EntryKind = "purchase"     // Credits bought through the processor (+)
	KindSpend       EntryKind = "spend"        // Credits used on an unlock or item (-)
	KindRefund      EntryKind = "refund"       // Offsets a prior spend or purchase (+)
	KindTransferIn  EntryKind = "transfer_in"  // Receiving leg of a tip/transfer (+)
	KindTransferOut EntryKind = "transfer_out" // Sending leg of a tip/transfer (-)
	KindAdjustment  EntryKind = "adjustment"   // Manual admin correction (+/-)
)

// Kinds returns every known entry kind. Used for exhaustive validation
// at the ledger boundary.
func Kinds() []EntryKind {
	return []EntryKind{
		KindPurchase, KindSpend, KindRefund,
		KindTransferIn, KindTransferOut, KindAdjustment,
	}
}

// Debits reports whether entries of this kind remove credits and must
// therefore pass the non-negative balance check at write time.
func (k EntryKind) Debits() bool {
	return k == KindSpend || k == KindTransferOut
}

// LedgerEntry is an immutable record of one balance change.
// Amount is signed: positive kinds carry positive amounts, debiting
// kinds carry negative amounts. The sum of an account's entries at any
// point in time is its balance at that time.
type LedgerEntry struct {
	ID             EntryID
	AccountID      AccountID
	Kind           EntryKind
	Amount         int64 // signed credits
	IdempotencyKey string
	RelatedEntryID EntryID // set for refunds and transfer legs
	Reason         string
	CreatedAt      time.Time
}

// AppendResult is what every append-shaped operation returns.
// Replayed is true when the idempotency key had already been consumed
// and Entry is the previously written record.
type AppendResult struct {
	Entry      LedgerEntry
	NewBalance int64
	Replayed   bool
}

// =============================================================================
// SESSION - In-flight purchase awaiting external confirmation
// =============================================================================

type SessionState string

const (
	SessionInitialized SessionState = "initialized"
	SessionPending     SessionState = "pending"
	SessionSettled     SessionState = "settled"
	SessionFailed      SessionState = "failed"
	SessionExpired     SessionState = "expired"
)

// Terminal reports whether the state can never be left.
func (s SessionState) Terminal() bool {
	return s == SessionSettled || s == SessionFailed || s == SessionExpired
}

// CanTransitionTo encodes the forward-only state machine:
// Initialized -> Pending -> {Settled, Failed, Expired}.
// Initialized sessions may also expire directly.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	switch s {
	case SessionInitialized:
		return next == SessionPending || next == SessionExpired
	case SessionPending:
		return next == SessionSettled || next == SessionFailed || next == SessionExpired
	default:
		return false
	}
}

// Session tracks a purchase from creation until the processor confirms
// or the session times out. Version is bumped on every transition and
// used as the compare-and-swap token for single-writer semantics.
type Session struct {
	ID              SessionID
	AccountID       AccountID
	Kind            EntryKind // what the settled entry will be (purchase)
	RequestedAmount int64     // credits, always positive
	State           SessionState
	Version         int64
	ProcessorRef    string // processor's transaction id, set at markPending
	FailureReason   string
	SettledEntryID  EntryID
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// SessionUpdate carries the fields a transition is allowed to set.
// Everything else on a Session is immutable after creation.
type SessionUpdate struct {
	ProcessorRef  string
	FailureReason string
}

// =============================================================================
// WEBHOOK EVENT - What the processor delivers
// =============================================================================

type WebhookOutcome string

const (
	OutcomeSuccess WebhookOutcome = "success"
	OutcomeFailure WebhookOutcome = "failure"
)

// WebhookEvent is the decoded, signature-verified processor callback.
type WebhookEvent struct {
	ProcessorRef string
	Outcome      WebhookOutcome
	Amount       int64
	ReceivedAt   time.Time
}

// =============================================================================
// REVIEW EVENT - Webhooks that could not be applied
// =============================================================================

// ReviewReason classifies why a webhook was parked for manual review
// instead of being applied.
type ReviewReason string

const (
	ReviewUnmatchedRef    ReviewReason = "unmatched_ref"
	ReviewTerminalSession ReviewReason = "terminal_session"
	ReviewAmountMismatch  ReviewReason = "amount_mismatch"
)

// ReviewEvent is an unapplied webhook recorded for a human to look at.
// Recording one never creates a ledger entry.
type ReviewEvent struct {
	ID           string
	ProcessorRef string
	Outcome      WebhookOutcome
	Amount       int64
	Reason       ReviewReason
	SessionID    SessionID // empty when no session matched
	ReceivedAt   time.Time
}

// =============================================================================
// BALANCE READ - Cache-facing view
// =============================================================================

// BalanceView is what read paths serve. Stale is true when the value
// came from the cache while the authoritative store was unreachable;
// callers must surface that and must never authorize a spend from it.
type BalanceView struct {
	AccountID AccountID
	Balance   int64
	AsOf      time.Time
	Stale     bool
}
