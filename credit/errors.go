/*
errors.go - Centralized error types for the credit engine

PURPOSE:
  All domain error types in one place for consistency and
  discoverability. The api package maps these onto HTTP statuses;
  store implementations translate database failures into them.

ERROR CATEGORIES:
  1. Ledger errors - Balance rules and idempotency
  2. Session errors - State machine violations
  3. Webhook errors - Signature and matching failures

USAGE:
  if errors.Is(err, credit.ErrInsufficientBalance) {
      // spend rejected, nothing was written
  }
*/
package credit

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a debiting entry would drive
	// the account balance below zero. Nothing is written.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateIdempotencyKey is returned by stores when an idempotency
	// key already maps to an entry. The ledger converts this into a
	// replayed AppendResult rather than surfacing it to callers.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyKeyMismatch is returned when a replayed idempotency
	// key was first consumed by a different account. Keys are scoped to
	// the account that used them; another account's retry is a conflict,
	// never a replayed success.
	ErrIdempotencyKeyMismatch = errors.New("idempotency key used by another account")

	// ErrInvalidAmount is returned for zero amounts or amounts whose sign
	// does not match the entry kind.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrRefundExceedsOriginal is returned when a refund, together with
	// prior refunds of the same entry, would exceed the original magnitude.
	ErrRefundExceedsOriginal = errors.New("refund exceeds original entry")

	// ErrRelatedEntryNotFound is returned when a refund references an
	// entry that does not exist or belongs to another account.
	ErrRelatedEntryNotFound = errors.New("related entry not found")

	// ErrRelatedEntryKind is returned when a refund references an entry
	// that is not a spend or purchase.
	ErrRelatedEntryKind = errors.New("related entry is not refundable")

	// ErrSessionNotFound is returned when a session id or processor ref
	// matches nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionAlreadyTerminal is returned when a transition is attempted
	// on a settled, failed, or expired session. Late webhooks hit this.
	ErrSessionAlreadyTerminal = errors.New("session already terminal")

	// ErrInvalidTransition is returned for transitions the state machine
	// does not allow (e.g. settling an Initialized session).
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrVersionConflict is returned when the compare-and-swap version
	// check fails. The caller lost a race and must re-read.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrSessionExpired is returned when acting on a session past its
	// expiry. The purchase flow must be restarted.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidSignature is returned when a webhook signature does not
	// verify. Alert-worthy; no state change happens.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrAccountNotFound is returned when a referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrStoreUnavailable is returned when the authoritative store cannot
	// be reached. The balance cache may then serve a stale value.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports how short the account was.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: account %s has %d, requested %d",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// RefundExceedsError reports the refundable headroom that remained.
type RefundExceedsError struct {
	RelatedEntryID  EntryID
	Original        int64
	AlreadyRefunded int64
	Requested       int64
}

func (e *RefundExceedsError) Error() string {
	return fmt.Sprintf("refund of %d exceeds remaining %d on entry %s (original %d, refunded %d)",
		e.Requested, e.Original-e.AlreadyRefunded, e.RelatedEntryID, e.Original, e.AlreadyRefunded)
}

func (e *RefundExceedsError) Unwrap() error {
	return ErrRefundExceedsOriginal
}

// TransitionError reports a rejected state machine move.
type TransitionError struct {
	SessionID SessionID
	From      SessionState
	To        SessionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot transition %s -> %s", e.SessionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	if e.From.Terminal() {
		return ErrSessionAlreadyTerminal
	}
	return ErrInvalidTransition
}

// ExpiredSessionError reports when the session lapsed.
type ExpiredSessionError struct {
	SessionID SessionID
	ExpiredAt time.Time
}

func (e *ExpiredSessionError) Error() string {
	return fmt.Sprintf("session %s expired at %s", e.SessionID, e.ExpiredAt.Format(time.RFC3339))
}

func (e *ExpiredSessionError) Unwrap() error {
	return ErrSessionExpired
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to invalid client input
// rather than a server fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrRefundExceedsOriginal) ||
		errors.Is(err, ErrRelatedEntryNotFound) ||
		errors.Is(err, ErrRelatedEntryKind) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSessionExpired)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrRelatedEntryNotFound)
}
