/*
Package sqlite provides a SQLite-backed implementation of credit.Store.

PURPOSE:
  Production persistence for the credit ledger on a single node.
  The same patterns apply to PostgreSQL (see store/postgres) - only
  SQL dialect and locking primitives differ.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the entries table
  - No DELETE statements on the entries table
  - Corrections via refund entries only

ATOMICITY:
  Every write runs inside a database transaction guarded by a process
  mutex (SQLite allows one writer at a time anyway). The idempotency
  key carries a UNIQUE index as the database-level backstop for the
  explicit check inside the transaction, so a concurrent double-submit
  can never double-apply even across processes.

KEY TABLES:
  accounts:      Identities, no balance column
  entries:       Immutable ledger of all balance changes
  sessions:      Purchase sessions with a version column for CAS
  review_events: Webhooks parked for manual review

WAL MODE:
  Opened with WAL for better read concurrency and crash recovery.

USAGE:
  store, err := sqlite.New("./data/credits.db")
  ledger := credit.NewLedger(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meridian/credit-engine/credit"
)

// Store implements credit.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between pooled
	// connections; the mutex serializes writers above it.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Accounts (identity only; balance is derived from entries)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	-- Entries (append-only ledger)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL,
		related_entry_id TEXT,
		reason TEXT,
		created_at INTEGER NOT NULL
	);

	-- CRITICAL: one entry per idempotency key, forever
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_idempotency
		ON entries(idempotency_key);

	-- Hot path: history pages and balance sums
	CREATE INDEX IF NOT EXISTS idx_entries_account_created
		ON entries(account_id, created_at DESC, id DESC);

	-- Refund headroom checks
	CREATE INDEX IF NOT EXISTS idx_entries_related
		ON entries(related_entry_id) WHERE related_entry_id IS NOT NULL;

	-- Sessions (version column drives the compare-and-swap)
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		requested_amount INTEGER NOT NULL,
		state TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		processor_ref TEXT,
		failure_reason TEXT NOT NULL DEFAULT '',
		settled_entry_id TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_processor_ref
		ON sessions(processor_ref) WHERE processor_ref IS NOT NULL AND processor_ref != '';
	CREATE INDEX IF NOT EXISTS idx_sessions_expiry
		ON sessions(state, expires_at);

	-- Review queue (webhooks that could not be applied)
	CREATE TABLE IF NOT EXISTS review_events (
		id TEXT PRIMARY KEY,
		processor_ref TEXT NOT NULL,
		outcome TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT NOT NULL,
		session_id TEXT,
		received_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_review_received
		ON review_events(received_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, acct credit.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, display_name, created_at) VALUES (?, ?, ?)`,
		acct.ID, acct.DisplayName, acct.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id credit.AccountID) (*credit.Account, error) {
	var acct credit.Account
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM accounts WHERE id = ?`, id,
	).Scan(&acct.ID, &acct.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credit.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acct.CreatedAt = time.Unix(0, createdAt).UTC()
	return &acct, nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, entry credit.LedgerEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newBalance int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		newBalance, err = s.appendTx(ctx, tx, entry)
		return err
	})
	return newBalance, err
}

func (s *Store) AppendPair(ctx context.Context, out, in credit.LedgerEntry) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outBalance, inBalance int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Both keys checked before either write so the pair is all-or-nothing.
		for _, key := range []string{out.IdempotencyKey, in.IdempotencyKey} {
			taken, err := s.keyTakenTx(ctx, tx, key)
			if err != nil {
				return err
			}
			if taken {
				return credit.ErrDuplicateIdempotencyKey
			}
		}
		var err error
		if outBalance, err = s.appendTx(ctx, tx, out); err != nil {
			return err
		}
		inBalance, err = s.appendTx(ctx, tx, in)
		return err
	})
	return outBalance, inBalance, err
}

// appendTx runs the stateful checks and the insert inside tx.
func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, entry credit.LedgerEntry) (int64, error) {
	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE id = ?`, entry.AccountID,
	).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, credit.ErrAccountNotFound
	}

	taken, err := s.keyTakenTx(ctx, tx, entry.IdempotencyKey)
	if err != nil {
		return 0, err
	}
	if taken {
		return 0, credit.ErrDuplicateIdempotencyKey
	}

	if entry.Kind == credit.KindRefund {
		if err := s.checkRefundTx(ctx, tx, entry); err != nil {
			return 0, err
		}
	}

	balance, err := s.balanceTx(ctx, tx, entry.AccountID)
	if err != nil {
		return 0, err
	}
	if entry.Amount < 0 && entry.Kind != credit.KindAdjustment && balance+entry.Amount < 0 {
		return 0, &credit.InsufficientBalanceError{
			AccountID: entry.AccountID,
			Available: balance,
			Requested: -entry.Amount,
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries
		(id, account_id, kind, amount, idempotency_key, related_entry_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AccountID,
		entry.Kind,
		entry.Amount,
		entry.IdempotencyKey,
		nullString(string(entry.RelatedEntryID)),
		entry.Reason,
		entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, credit.ErrDuplicateIdempotencyKey
		}
		return 0, fmt.Errorf("failed to append entry: %w", err)
	}
	return balance + entry.Amount, nil
}

func (s *Store) checkRefundTx(ctx context.Context, tx *sql.Tx, entry credit.LedgerEntry) error {
	var related credit.LedgerEntry
	row := tx.QueryRowContext(ctx,
		`SELECT id, account_id, kind, amount FROM entries WHERE id = ?`, entry.RelatedEntryID)
	if err := row.Scan(&related.ID, &related.AccountID, &related.Kind, &related.Amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credit.ErrRelatedEntryNotFound
		}
		return err
	}
	if related.AccountID != entry.AccountID {
		return credit.ErrRelatedEntryNotFound
	}
	if related.Kind != credit.KindSpend && related.Kind != credit.KindPurchase {
		return credit.ErrRelatedEntryKind
	}

	var refunded int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(ABS(amount)), 0) FROM entries WHERE kind = 'refund' AND related_entry_id = ?`,
		entry.RelatedEntryID,
	).Scan(&refunded); err != nil {
		return err
	}

	original := abs(related.Amount)
	requested := abs(entry.Amount)
	if refunded+requested > original {
		return &credit.RefundExceedsError{
			RelatedEntryID:  entry.RelatedEntryID,
			Original:        original,
			AlreadyRefunded: refunded,
			Requested:       requested,
		}
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, id credit.AccountID) (int64, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE id = ?`, id,
	).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, credit.ErrAccountNotFound
	}

	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM entries WHERE account_id = ?`, id,
	).Scan(&balance)
	return balance, err
}

func (s *Store) balanceTx(ctx context.Context, tx *sql.Tx, id credit.AccountID) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM entries WHERE account_id = ?`, id,
	).Scan(&balance)
	return balance, err
}

func (s *Store) GetEntry(ctx context.Context, id credit.EntryID) (*credit.LedgerEntry, error) {
	return s.queryEntry(ctx, `WHERE id = ?`, id)
}

func (s *Store) GetEntryByKey(ctx context.Context, key string) (*credit.LedgerEntry, error) {
	return s.queryEntry(ctx, `WHERE idempotency_key = ?`, key)
}

func (s *Store) queryEntry(ctx context.Context, where string, arg any) (*credit.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, kind, amount, idempotency_key, related_entry_id, reason, created_at
		FROM entries `+where, arg)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credit.ErrRelatedEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entry: %w", err)
	}
	return entry, nil
}

func (s *Store) ListEntries(ctx context.Context, id credit.AccountID, cursor string, limit int) ([]credit.LedgerEntry, string, error) {
	if _, err := s.GetAccount(ctx, id); err != nil {
		return nil, "", err
	}

	query := `
		SELECT id, account_id, kind, amount, idempotency_key, related_entry_id, reason, created_at
		FROM entries
		WHERE account_id = ?`
	args := []any{id}

	if cursor != "" {
		at, lastID, err := credit.DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, at.UnixNano(), at.UnixNano(), lastID)
	}

	// One extra row tells us whether another page exists.
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []credit.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, "", err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(entries) > limit {
		entries = entries[:limit]
		last := entries[len(entries)-1]
		next = credit.EncodeCursor(last.CreatedAt, last.ID)
	}
	return entries, next, nil
}

// =============================================================================
// SESSIONS (version CAS)
// =============================================================================

func (s *Store) CreateSession(ctx context.Context, sess credit.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE id = ?`, sess.AccountID,
	).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return credit.ErrAccountNotFound
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
		(id, account_id, kind, requested_amount, state, version, processor_ref,
		 failure_reason, settled_entry_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AccountID, sess.Kind, sess.RequestedAmount, sess.State, sess.Version,
		nullString(sess.ProcessorRef), sess.FailureReason, nullString(string(sess.SettledEntryID)),
		sess.CreatedAt.UnixNano(), sess.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id credit.SessionID) (*credit.Session, error) {
	return s.querySession(ctx, s.db, `WHERE id = ?`, id)
}

func (s *Store) GetSessionByProcessorRef(ctx context.Context, ref string) (*credit.Session, error) {
	return s.querySession(ctx, s.db, `WHERE processor_ref = ?`, ref)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) querySession(ctx context.Context, q querier, where string, arg any) (*credit.Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, account_id, kind, requested_amount, state, version, processor_ref,
		       failure_reason, settled_entry_id, created_at, expires_at
		FROM sessions `+where, arg)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credit.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

func (s *Store) TransitionSession(ctx context.Context, id credit.SessionID, expectVersion int64, next credit.SessionState, update credit.SessionUpdate) (*credit.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *credit.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = s.transitionTx(ctx, tx, id, expectVersion, next, update, "")
		return err
	})
	return result, err
}

func (s *Store) SettleSession(ctx context.Context, id credit.SessionID, expectVersion int64, entry credit.LedgerEntry) (*credit.Session, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *credit.Session
	var newBalance int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// State flip and append share the transaction: no partial outcome.
		var err error
		result, err = s.transitionTx(ctx, tx, id, expectVersion, credit.SessionSettled, credit.SessionUpdate{}, entry.ID)
		if err != nil {
			return err
		}
		newBalance, err = s.appendTx(ctx, tx, entry)
		return err
	})
	return result, newBalance, err
}

func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, id credit.SessionID, expectVersion int64, next credit.SessionState, update credit.SessionUpdate, settledEntryID credit.EntryID) (*credit.Session, error) {
	current, err := s.querySession(ctx, tx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectVersion {
		return nil, credit.ErrVersionConflict
	}
	if !current.State.CanTransitionTo(next) {
		return nil, &credit.TransitionError{SessionID: id, From: current.State, To: next}
	}

	processorRef := current.ProcessorRef
	if update.ProcessorRef != "" {
		processorRef = update.ProcessorRef
	}
	failureReason := current.FailureReason
	if update.FailureReason != "" {
		failureReason = update.FailureReason
	}
	settled := current.SettledEntryID
	if settledEntryID != "" {
		settled = settledEntryID
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, version = version + 1, processor_ref = ?, failure_reason = ?, settled_entry_id = ?
		WHERE id = ? AND version = ?`,
		next, nullString(processorRef), failureReason, nullString(string(settled)), id, expectVersion)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Two sessions can never share a processor ref.
			return nil, credit.ErrVersionConflict
		}
		return nil, fmt.Errorf("failed to transition session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, credit.ErrVersionConflict
	}

	current.State = next
	current.Version = expectVersion + 1
	current.ProcessorRef = processorRef
	current.FailureReason = failureReason
	current.SettledEntryID = settled
	return current, nil
}

func (s *Store) ListExpirable(ctx context.Context, now time.Time, limit int) ([]credit.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, kind, requested_amount, state, version, processor_ref,
		       failure_reason, settled_entry_id, created_at, expires_at
		FROM sessions
		WHERE state IN ('initialized', 'pending') AND expires_at < ?
		ORDER BY expires_at ASC
		LIMIT ?`,
		now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable sessions: %w", err)
	}
	defer rows.Close()

	var sessions []credit.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// =============================================================================
// REVIEW QUEUE
// =============================================================================

func (s *Store) RecordReviewEvent(ctx context.Context, ev credit.ReviewEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_events (id, processor_ref, outcome, amount, reason, session_id, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ProcessorRef, ev.Outcome, ev.Amount, ev.Reason,
		nullString(string(ev.SessionID)), ev.ReceivedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record review event: %w", err)
	}
	return nil
}

func (s *Store) ListReviewEvents(ctx context.Context, limit int) ([]credit.ReviewEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, processor_ref, outcome, amount, reason, session_id, received_at
		FROM review_events
		ORDER BY received_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list review events: %w", err)
	}
	defer rows.Close()

	var events []credit.ReviewEvent
	for rows.Next() {
		var ev credit.ReviewEvent
		var sessionID sql.NullString
		var receivedAt int64
		if err := rows.Scan(&ev.ID, &ev.ProcessorRef, &ev.Outcome, &ev.Amount,
			&ev.Reason, &sessionID, &receivedAt); err != nil {
			return nil, err
		}
		ev.SessionID = credit.SessionID(sessionID.String)
		ev.ReceivedAt = time.Unix(0, receivedAt).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) keyTakenTx(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE idempotency_key = ?`, key,
	).Scan(&count)
	return count > 0, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*credit.LedgerEntry, error) {
	var entry credit.LedgerEntry
	var related sql.NullString
	var createdAt int64
	err := row.Scan(&entry.ID, &entry.AccountID, &entry.Kind, &entry.Amount,
		&entry.IdempotencyKey, &related, &entry.Reason, &createdAt)
	if err != nil {
		return nil, err
	}
	entry.RelatedEntryID = credit.EntryID(related.String)
	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	return &entry, nil
}

func scanSession(row rowScanner) (*credit.Session, error) {
	var sess credit.Session
	var processorRef, settledEntryID sql.NullString
	var createdAt, expiresAt int64
	err := row.Scan(&sess.ID, &sess.AccountID, &sess.Kind, &sess.RequestedAmount,
		&sess.State, &sess.Version, &processorRef, &sess.FailureReason,
		&settledEntryID, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	sess.ProcessorRef = processorRef.String
	sess.SettledEntryID = credit.EntryID(settledEntryID.String)
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &sess, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
