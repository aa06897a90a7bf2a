/*
ledger.go - Append path and validation rules

PURPOSE:
  The Ledger is the single entry point for balance mutations. It
  normalizes and validates entries (shape, sign, kind), delegates the
  stateful checks to the Store's atomic append, and converts duplicate
  idempotency keys into replays of the original result so client
  retries are safe by construction.

VALIDATION SPLIT:
  Ledger (here):  stateless - kind known, amount nonzero, sign matches
                  kind, idempotency key present, refund references set
  Store (below):  stateful - key uniqueness, balance >= 0 for debits,
                  refund headroom, all inside one atomic unit

CORRECTIONS:
  Mistakes are never edited. A spend charged in error gets a refund
  entry referencing it; both remain in the ledger forever.
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ledger validates and appends entries through a Store.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store exposes the underlying store for components that need direct
// read access (the balance cache, the session manager).
func (l *Ledger) Store() Store {
	return l.store
}

// =============================================================================
// APPEND - The only write path
// =============================================================================

// Append validates and atomically appends an entry. A duplicate
// idempotency key is not an error: the previously written entry is
// returned with Replayed set, so every caller of the same key observes
// the same entry id.
func (l *Ledger) Append(ctx context.Context, entry LedgerEntry) (AppendResult, error) {
	entry = l.normalize(entry)
	if err := validateEntry(entry); err != nil {
		return AppendResult{}, err
	}

	newBalance, err := l.store.AppendEntry(ctx, entry)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return l.replay(ctx, entry.AccountID, entry.IdempotencyKey)
		}
		return AppendResult{}, err
	}
	return AppendResult{Entry: entry, NewBalance: newBalance}, nil
}

// Spend debits amount credits (amount given positive) from the account.
// Fails with ErrInsufficientBalance when the account cannot cover it;
// nothing is written in that case.
func (l *Ledger) Spend(ctx context.Context, accountID AccountID, amount int64, idempotencyKey, reason string) (AppendResult, error) {
	if amount <= 0 {
		return AppendResult{}, fmt.Errorf("%w: spend amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	return l.Append(ctx, LedgerEntry{
		AccountID:      accountID,
		Kind:           KindSpend,
		Amount:         -amount,
		IdempotencyKey: idempotencyKey,
		Reason:         reason,
	})
}

// Refund offsets a prior spend or purchase. amount is the positive
// magnitude to refund; the entry's sign is the opposite of the related
// entry's (refunding a spend credits the account, refunding a purchase
// claws the credits back). Cumulative refunds of one entry can never
// exceed its magnitude.
func (l *Ledger) Refund(ctx context.Context, accountID AccountID, relatedEntryID EntryID, amount int64, idempotencyKey, reason string) (AppendResult, error) {
	if amount <= 0 {
		return AppendResult{}, fmt.Errorf("%w: refund amount must be positive, got %d", ErrInvalidAmount, amount)
	}

	related, err := l.store.GetEntry(ctx, relatedEntryID)
	if err != nil {
		return AppendResult{}, err
	}
	if related.AccountID != accountID {
		return AppendResult{}, ErrRelatedEntryNotFound
	}
	if related.Kind != KindSpend && related.Kind != KindPurchase {
		return AppendResult{}, fmt.Errorf("%w: %s", ErrRelatedEntryKind, related.Kind)
	}

	signed := amount
	if related.Amount > 0 {
		// Refunding a credit-granting entry removes credits.
		signed = -amount
	}

	return l.Append(ctx, LedgerEntry{
		AccountID:      accountID,
		Kind:           KindRefund,
		Amount:         signed,
		IdempotencyKey: idempotencyKey,
		RelatedEntryID: relatedEntryID,
		Reason:         reason,
	})
}

// TransferResult is the pair of legs a transfer produced.
type TransferResult struct {
	Out      AppendResult
	In       AppendResult
	Replayed bool
}

// Transfer moves amount credits from one account to another as a
// double entry: a transfer_out leg (balance-checked) and a transfer_in
// leg, appended atomically. Each leg's idempotency key is derived from
// the caller's key so a retried transfer replays both legs.
func (l *Ledger) Transfer(ctx context.Context, from, to AccountID, amount int64, idempotencyKey, reason string) (TransferResult, error) {
	if amount <= 0 {
		return TransferResult{}, fmt.Errorf("%w: transfer amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	if from == to {
		return TransferResult{}, fmt.Errorf("%w: cannot transfer to self", ErrInvalidAmount)
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return TransferResult{}, fmt.Errorf("%w: idempotency key required", ErrInvalidAmount)
	}

	now := time.Now().UTC()
	out := l.normalize(LedgerEntry{
		AccountID:      from,
		Kind:           KindTransferOut,
		Amount:         -amount,
		IdempotencyKey: idempotencyKey + ":out",
		Reason:         reason,
		CreatedAt:      now,
	})
	in := l.normalize(LedgerEntry{
		AccountID:      to,
		Kind:           KindTransferIn,
		Amount:         amount,
		IdempotencyKey: idempotencyKey + ":in",
		RelatedEntryID: out.ID,
		Reason:         reason,
		CreatedAt:      now,
	})
	if err := validateEntry(out); err != nil {
		return TransferResult{}, err
	}
	if err := validateEntry(in); err != nil {
		return TransferResult{}, err
	}

	outBalance, inBalance, err := l.store.AppendPair(ctx, out, in)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return l.replayTransfer(ctx, from, to, idempotencyKey)
		}
		return TransferResult{}, err
	}
	return TransferResult{
		Out: AppendResult{Entry: out, NewBalance: outBalance},
		In:  AppendResult{Entry: in, NewBalance: inBalance},
	}, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the authoritative balance: the fold over the
// account's entry history.
func (l *Ledger) Balance(ctx context.Context, id AccountID) (int64, error) {
	return l.store.Balance(ctx, id)
}

// History returns a page of the account's entries, newest first.
func (l *Ledger) History(ctx context.Context, id AccountID, cursor string, limit int) ([]LedgerEntry, string, error) {
	if limit <= 0 || limit > maxHistoryPage {
		limit = defaultHistoryPage
	}
	return l.store.ListEntries(ctx, id, cursor, limit)
}

const (
	defaultHistoryPage = 50
	maxHistoryPage     = 200
)

// =============================================================================
// INTERNALS
// =============================================================================

func (l *Ledger) normalize(entry LedgerEntry) LedgerEntry {
	if entry.ID == "" {
		entry.ID = EntryID(uuid.NewString())
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return entry
}

// replay serves the previously written entry for a consumed key. The
// key must have been consumed by the same account: replay is a safety
// net for the caller's own retries, never a window into another
// account's ledger.
func (l *Ledger) replay(ctx context.Context, accountID AccountID, key string) (AppendResult, error) {
	existing, err := l.store.GetEntryByKey(ctx, key)
	if err != nil {
		return AppendResult{}, err
	}
	if existing.AccountID != accountID {
		return AppendResult{}, fmt.Errorf("%w: key %q", ErrIdempotencyKeyMismatch, key)
	}
	balance, err := l.store.Balance(ctx, existing.AccountID)
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Entry: *existing, NewBalance: balance, Replayed: true}, nil
}

func (l *Ledger) replayTransfer(ctx context.Context, from, to AccountID, key string) (TransferResult, error) {
	out, err := l.replay(ctx, from, key+":out")
	if err != nil {
		return TransferResult{}, err
	}
	in, err := l.replay(ctx, to, key+":in")
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{Out: out, In: in, Replayed: true}, nil
}

// validateEntry enforces the stateless rules. The kind switch is
// exhaustive on purpose: a new kind must be wired here before the
// ledger will accept it.
func validateEntry(entry LedgerEntry) error {
	if entry.AccountID == "" {
		return fmt.Errorf("%w: account id required", ErrInvalidAmount)
	}
	if strings.TrimSpace(entry.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key required", ErrInvalidAmount)
	}
	if entry.Amount == 0 {
		return fmt.Errorf("%w: amount must be nonzero", ErrInvalidAmount)
	}

	switch entry.Kind {
	case KindPurchase, KindTransferIn:
		if entry.Amount < 0 {
			return fmt.Errorf("%w: %s amount must be positive", ErrInvalidAmount, entry.Kind)
		}
	case KindSpend, KindTransferOut:
		if entry.Amount > 0 {
			return fmt.Errorf("%w: %s amount must be negative", ErrInvalidAmount, entry.Kind)
		}
	case KindRefund:
		if entry.RelatedEntryID == "" {
			return fmt.Errorf("%w: refund requires a related entry", ErrRelatedEntryNotFound)
		}
	case KindAdjustment:
		// Either sign; admins use these for corrections.
	default:
		return fmt.Errorf("%w: unknown entry kind %q", ErrInvalidAmount, entry.Kind)
	}
	return nil
}
