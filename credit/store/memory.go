// Package store provides an in-memory credit.Store for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meridian/credit-engine/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements credit.Store behind a single mutex, which gives
// every operation the atomicity the Store contract requires.
type Memory struct {
	mu sync.RWMutex

	accounts map[credit.AccountID]credit.Account
	balances map[credit.AccountID]int64

	entries       map[credit.AccountID][]credit.LedgerEntry // append order
	entriesByID   map[credit.EntryID]credit.LedgerEntry
	entriesByKey  map[string]credit.EntryID
	sessions      map[credit.SessionID]credit.Session
	sessionsByRef map[string]credit.SessionID
	review        []credit.ReviewEvent
}

func NewMemory() *Memory {
	return &Memory{
		accounts:      make(map[credit.AccountID]credit.Account),
		balances:      make(map[credit.AccountID]int64),
		entries:       make(map[credit.AccountID][]credit.LedgerEntry),
		entriesByID:   make(map[credit.EntryID]credit.LedgerEntry),
		entriesByKey:  make(map[string]credit.EntryID),
		sessions:      make(map[credit.SessionID]credit.Session),
		sessionsByRef: make(map[string]credit.SessionID),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, acct credit.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.ID] = acct
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id credit.AccountID) (*credit.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[id]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}
	return &acct, nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

func (m *Memory) AppendEntry(_ context.Context, entry credit.LedgerEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entry)
}

func (m *Memory) AppendPair(_ context.Context, out, in credit.LedgerEntry) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check both keys before writing anything so the pair is all-or-nothing.
	if _, taken := m.entriesByKey[out.IdempotencyKey]; taken {
		return 0, 0, credit.ErrDuplicateIdempotencyKey
	}
	if _, taken := m.entriesByKey[in.IdempotencyKey]; taken {
		return 0, 0, credit.ErrDuplicateIdempotencyKey
	}
	if err := m.checkLocked(out); err != nil {
		return 0, 0, err
	}
	if err := m.checkLocked(in); err != nil {
		return 0, 0, err
	}

	outBalance, err := m.appendLocked(out)
	if err != nil {
		return 0, 0, err
	}
	inBalance, err := m.appendLocked(in)
	if err != nil {
		// Unreachable given the pre-checks above; the mutex makes the
		// preceding checks authoritative.
		return 0, 0, err
	}
	return outBalance, inBalance, nil
}

// checkLocked runs the stateful validations without writing.
func (m *Memory) checkLocked(entry credit.LedgerEntry) error {
	if _, ok := m.accounts[entry.AccountID]; !ok {
		return credit.ErrAccountNotFound
	}
	if _, taken := m.entriesByKey[entry.IdempotencyKey]; taken {
		return credit.ErrDuplicateIdempotencyKey
	}

	if entry.Kind == credit.KindRefund {
		related, ok := m.entriesByID[entry.RelatedEntryID]
		if !ok || related.AccountID != entry.AccountID {
			return credit.ErrRelatedEntryNotFound
		}
		if related.Kind != credit.KindSpend && related.Kind != credit.KindPurchase {
			return credit.ErrRelatedEntryKind
		}
		refunded := m.refundedLocked(entry.RelatedEntryID)
		original := abs(related.Amount)
		if refunded+abs(entry.Amount) > original {
			return &credit.RefundExceedsError{
				RelatedEntryID:  entry.RelatedEntryID,
				Original:        original,
				AlreadyRefunded: refunded,
				Requested:       abs(entry.Amount),
			}
		}
	}

	// Non-negative balance invariant for everything that debits,
	// except admin adjustments.
	if entry.Amount < 0 && entry.Kind != credit.KindAdjustment {
		balance := m.balances[entry.AccountID]
		if balance+entry.Amount < 0 {
			return &credit.InsufficientBalanceError{
				AccountID: entry.AccountID,
				Available: balance,
				Requested: -entry.Amount,
			}
		}
	}
	return nil
}

func (m *Memory) appendLocked(entry credit.LedgerEntry) (int64, error) {
	if err := m.checkLocked(entry); err != nil {
		return 0, err
	}

	m.entries[entry.AccountID] = append(m.entries[entry.AccountID], entry)
	m.entriesByID[entry.ID] = entry
	m.entriesByKey[entry.IdempotencyKey] = entry.ID
	m.balances[entry.AccountID] += entry.Amount
	return m.balances[entry.AccountID], nil
}

func (m *Memory) refundedLocked(related credit.EntryID) int64 {
	var total int64
	for _, e := range m.entriesByID {
		if e.Kind == credit.KindRefund && e.RelatedEntryID == related {
			total += abs(e.Amount)
		}
	}
	return total
}

func (m *Memory) Balance(_ context.Context, id credit.AccountID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.accounts[id]; !ok {
		return 0, credit.ErrAccountNotFound
	}
	return m.balances[id], nil
}

func (m *Memory) GetEntry(_ context.Context, id credit.EntryID) (*credit.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entriesByID[id]
	if !ok {
		return nil, credit.ErrRelatedEntryNotFound
	}
	return &entry, nil
}

func (m *Memory) GetEntryByKey(_ context.Context, key string) (*credit.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entriesByKey[key]
	if !ok {
		return nil, credit.ErrRelatedEntryNotFound
	}
	entry := m.entriesByID[id]
	return &entry, nil
}

func (m *Memory) ListEntries(_ context.Context, id credit.AccountID, cursor string, limit int) ([]credit.LedgerEntry, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.accounts[id]; !ok {
		return nil, "", credit.ErrAccountNotFound
	}

	// Newest first: sort a copy by (CreatedAt, ID) descending.
	all := make([]credit.LedgerEntry, len(m.entries[id]))
	copy(all, m.entries[id])
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	start := 0
	if cursor != "" {
		at, lastID, err := credit.DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		for i, e := range all {
			if e.CreatedAt.Equal(at) && e.ID == lastID {
				start = i + 1
				break
			}
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]

	next := ""
	if end < len(all) && len(page) > 0 {
		last := page[len(page)-1]
		next = credit.EncodeCursor(last.CreatedAt, last.ID)
	}
	return page, next, nil
}

// =============================================================================
// SESSIONS (version CAS)
// =============================================================================

func (m *Memory) CreateSession(_ context.Context, s credit.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[s.AccountID]; !ok {
		return credit.ErrAccountNotFound
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, id credit.SessionID) (*credit.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, credit.ErrSessionNotFound
	}
	return &s, nil
}

func (m *Memory) GetSessionByProcessorRef(_ context.Context, ref string) (*credit.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionsByRef[ref]
	if !ok {
		return nil, credit.ErrSessionNotFound
	}
	s := m.sessions[id]
	return &s, nil
}

func (m *Memory) TransitionSession(_ context.Context, id credit.SessionID, expectVersion int64, next credit.SessionState, update credit.SessionUpdate) (*credit.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, credit.ErrSessionNotFound
	}
	if s.Version != expectVersion {
		return nil, credit.ErrVersionConflict
	}
	if !s.State.CanTransitionTo(next) {
		return nil, &credit.TransitionError{SessionID: id, From: s.State, To: next}
	}
	// Processor refs map to at most one session, matching the unique
	// index the SQL stores enforce.
	if update.ProcessorRef != "" {
		if owner, taken := m.sessionsByRef[update.ProcessorRef]; taken && owner != id {
			return nil, credit.ErrVersionConflict
		}
	}

	s.State = next
	s.Version++
	if update.ProcessorRef != "" {
		s.ProcessorRef = update.ProcessorRef
		m.sessionsByRef[update.ProcessorRef] = id
	}
	if update.FailureReason != "" {
		s.FailureReason = update.FailureReason
	}
	m.sessions[id] = s
	return &s, nil
}

func (m *Memory) SettleSession(_ context.Context, id credit.SessionID, expectVersion int64, entry credit.LedgerEntry) (*credit.Session, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, 0, credit.ErrSessionNotFound
	}
	if s.Version != expectVersion {
		return nil, 0, credit.ErrVersionConflict
	}
	if !s.State.CanTransitionTo(credit.SessionSettled) {
		return nil, 0, &credit.TransitionError{SessionID: id, From: s.State, To: credit.SessionSettled}
	}

	// Same atomic unit: the state flip and the append share the mutex.
	balance, err := m.appendLocked(entry)
	if err != nil {
		return nil, 0, err
	}

	s.State = credit.SessionSettled
	s.SettledEntryID = entry.ID
	s.Version++
	m.sessions[id] = s
	return &s, balance, nil
}

func (m *Memory) ListExpirable(_ context.Context, now time.Time, limit int) ([]credit.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []credit.Session
	for _, s := range m.sessions {
		if s.State.Terminal() || !s.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// REVIEW QUEUE
// =============================================================================

func (m *Memory) RecordReviewEvent(_ context.Context, ev credit.ReviewEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.review = append(m.review, ev)
	return nil
}

func (m *Memory) ListReviewEvents(_ context.Context, limit int) ([]credit.ReviewEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.review)
	if limit > 0 && limit < n {
		n = limit
	}
	// Newest first.
	out := make([]credit.ReviewEvent, 0, n)
	for i := len(m.review) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.review[i])
	}
	return out, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
