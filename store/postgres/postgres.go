/*
Package postgres provides a pgx-backed implementation of credit.Store.

PURPOSE:
  Multi-node production persistence. Where the sqlite store leans on a
  process mutex, this one uses database primitives: a row lock on the
  account serializes concurrent appends for the same account, and the
  unique index on idempotency_key makes double-submits lose cleanly
  with a 23505 that maps to ErrDuplicateIdempotencyKey.

SCHEMA:
  Mirrors store/sqlite. Apply migrations with your migration tool of
  choice; Schema below is the reference DDL.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian/credit-engine/credit"
)

const uniqueViolation = "23505"

// Schema is the reference DDL for the Postgres store.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	kind TEXT NOT NULL,
	amount BIGINT NOT NULL,
	idempotency_key TEXT NOT NULL,
	related_entry_id TEXT,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_idempotency ON entries(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_entries_account_created ON entries(account_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_entries_related ON entries(related_entry_id) WHERE related_entry_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	kind TEXT NOT NULL,
	requested_amount BIGINT NOT NULL,
	state TEXT NOT NULL,
	version BIGINT NOT NULL DEFAULT 0,
	processor_ref TEXT,
	failure_reason TEXT NOT NULL DEFAULT '',
	settled_entry_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_processor_ref
	ON sessions(processor_ref) WHERE processor_ref IS NOT NULL AND processor_ref <> '';
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(state, expires_at);

CREATE TABLE IF NOT EXISTS review_events (
	id TEXT PRIMARY KEY,
	processor_ref TEXT NOT NULL,
	outcome TEXT NOT NULL,
	amount BIGINT NOT NULL,
	reason TEXT NOT NULL,
	session_id TEXT,
	received_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_review_received ON review_events(received_at DESC);
`

// Store implements credit.Store using a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

// New connects, pings, and applies the reference schema.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}
	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, acct credit.Account) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts (id, display_name, created_at) VALUES ($1, $2, $3)`,
		acct.ID, acct.DisplayName, acct.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id credit.AccountID) (*credit.Account, error) {
	var acct credit.Account
	err := s.db.QueryRow(ctx,
		`SELECT id, display_name, created_at FROM accounts WHERE id = $1`, id,
	).Scan(&acct.ID, &acct.DisplayName, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credit.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acct, nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, entry credit.LedgerEntry) (int64, error) {
	var newBalance int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		newBalance, err = s.appendTx(ctx, tx, entry)
		return err
	})
	return newBalance, err
}

func (s *Store) AppendPair(ctx context.Context, out, in credit.LedgerEntry) (int64, int64, error) {
	var outBalance, inBalance int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock both accounts in a deterministic order to prevent deadlock
		// between crossing transfers.
		first, second := out.AccountID, in.AccountID
		if first > second {
			first, second = second, first
		}
		if err := s.lockAccount(ctx, tx, first); err != nil {
			return err
		}
		if err := s.lockAccount(ctx, tx, second); err != nil {
			return err
		}

		for _, key := range []string{out.IdempotencyKey, in.IdempotencyKey} {
			taken, err := s.keyTaken(ctx, tx, key)
			if err != nil {
				return err
			}
			if taken {
				return credit.ErrDuplicateIdempotencyKey
			}
		}

		var err error
		if outBalance, err = s.appendLocked(ctx, tx, out); err != nil {
			return err
		}
		inBalance, err = s.appendLocked(ctx, tx, in)
		return err
	})
	return outBalance, inBalance, err
}

// appendTx locks the account row then runs the checked insert.
func (s *Store) appendTx(ctx context.Context, tx pgx.Tx, entry credit.LedgerEntry) (int64, error) {
	if err := s.lockAccount(ctx, tx, entry.AccountID); err != nil {
		return 0, err
	}

	taken, err := s.keyTaken(ctx, tx, entry.IdempotencyKey)
	if err != nil {
		return 0, err
	}
	if taken {
		return 0, credit.ErrDuplicateIdempotencyKey
	}

	return s.appendLocked(ctx, tx, entry)
}

// appendLocked assumes the account row is already locked in this tx.
func (s *Store) appendLocked(ctx context.Context, tx pgx.Tx, entry credit.LedgerEntry) (int64, error) {
	if entry.Kind == credit.KindRefund {
		if err := s.checkRefund(ctx, tx, entry); err != nil {
			return 0, err
		}
	}

	var balance int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM entries WHERE account_id = $1`, entry.AccountID,
	).Scan(&balance); err != nil {
		return 0, err
	}
	if entry.Amount < 0 && entry.Kind != credit.KindAdjustment && balance+entry.Amount < 0 {
		return 0, &credit.InsufficientBalanceError{
			AccountID: entry.AccountID,
			Available: balance,
			Requested: -entry.Amount,
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO entries
		(id, account_id, kind, amount, idempotency_key, related_entry_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		entry.ID, entry.AccountID, entry.Kind, entry.Amount,
		entry.IdempotencyKey, string(entry.RelatedEntryID), entry.Reason, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, credit.ErrDuplicateIdempotencyKey
		}
		return 0, fmt.Errorf("failed to append entry: %w", err)
	}
	return balance + entry.Amount, nil
}

func (s *Store) checkRefund(ctx context.Context, tx pgx.Tx, entry credit.LedgerEntry) error {
	var related credit.LedgerEntry
	err := tx.QueryRow(ctx,
		`SELECT id, account_id, kind, amount FROM entries WHERE id = $1`, entry.RelatedEntryID,
	).Scan(&related.ID, &related.AccountID, &related.Kind, &related.Amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.ErrRelatedEntryNotFound
	}
	if err != nil {
		return err
	}
	if related.AccountID != entry.AccountID {
		return credit.ErrRelatedEntryNotFound
	}
	if related.Kind != credit.KindSpend && related.Kind != credit.KindPurchase {
		return credit.ErrRelatedEntryKind
	}

	var refunded int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(ABS(amount)), 0) FROM entries WHERE kind = 'refund' AND related_entry_id = $1`,
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
	if _, err := s.GetAccount(ctx, id); err != nil {
		return 0, err
	}
	var balance int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM entries WHERE account_id = $1`, id,
	).Scan(&balance)
	return balance, err
}

func (s *Store) GetEntry(ctx context.Context, id credit.EntryID) (*credit.LedgerEntry, error) {
	return s.queryEntry(ctx, `WHERE id = $1`, id)
}

func (s *Store) GetEntryByKey(ctx context.Context, key string) (*credit.LedgerEntry, error) {
	return s.queryEntry(ctx, `WHERE idempotency_key = $1`, key)
}

func (s *Store) queryEntry(ctx context.Context, where string, arg any) (*credit.LedgerEntry, error) {
	var entry credit.LedgerEntry
	var related *string
	err := s.db.QueryRow(ctx, `
		SELECT id, account_id, kind, amount, idempotency_key, related_entry_id, reason, created_at
		FROM entries `+where, arg,
	).Scan(&entry.ID, &entry.AccountID, &entry.Kind, &entry.Amount,
		&entry.IdempotencyKey, &related, &entry.Reason, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credit.ErrRelatedEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entry: %w", err)
	}
	if related != nil {
		entry.RelatedEntryID = credit.EntryID(*related)
	}
	return &entry, nil
}

func (s *Store) ListEntries(ctx context.Context, id credit.AccountID, cursor string, limit int) ([]credit.LedgerEntry, string, error) {
	if _, err := s.GetAccount(ctx, id); err != nil {
		return nil, "", err
	}

	query := `
		SELECT id, account_id, kind, amount, idempotency_key, related_entry_id, reason, created_at
		FROM entries
		WHERE account_id = $1`
	args := []any{id}

	if cursor != "" {
		at, lastID, err := credit.DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (created_at < $2 OR (created_at = $2 AND id < $3))`
		args = append(args, at, lastID)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []credit.LedgerEntry
	for rows.Next() {
		var entry credit.LedgerEntry
		var related *string
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Kind, &entry.Amount,
			&entry.IdempotencyKey, &related, &entry.Reason, &entry.CreatedAt); err != nil {
			return nil, "", err
		}
		if related != nil {
			entry.RelatedEntryID = credit.EntryID(*related)
		}
		entries = append(entries, entry)
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

const sessionColumns = `id, account_id, kind, requested_amount, state, version, processor_ref,
	failure_reason, settled_entry_id, created_at, expires_at`

func (s *Store) CreateSession(ctx context.Context, sess credit.Session) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), $10, $11)`,
		sess.ID, sess.AccountID, sess.Kind, sess.RequestedAmount, sess.State, sess.Version,
		sess.ProcessorRef, sess.FailureReason, string(sess.SettledEntryID),
		sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return credit.ErrAccountNotFound
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id credit.SessionID) (*credit.Session, error) {
	return s.querySession(ctx, s.db, `WHERE id = $1`, id)
}

func (s *Store) GetSessionByProcessorRef(ctx context.Context, ref string) (*credit.Session, error) {
	return s.querySession(ctx, s.db, `WHERE processor_ref = $1`, ref)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) querySession(ctx context.Context, q rowQuerier, where string, arg any) (*credit.Session, error) {
	var sess credit.Session
	var processorRef, settledEntryID *string
	err := q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions `+where, arg,
	).Scan(&sess.ID, &sess.AccountID, &sess.Kind, &sess.RequestedAmount,
		&sess.State, &sess.Version, &processorRef, &sess.FailureReason,
		&settledEntryID, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credit.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if processorRef != nil {
		sess.ProcessorRef = *processorRef
	}
	if settledEntryID != nil {
		sess.SettledEntryID = credit.EntryID(*settledEntryID)
	}
	return &sess, nil
}

func (s *Store) TransitionSession(ctx context.Context, id credit.SessionID, expectVersion int64, next credit.SessionState, update credit.SessionUpdate) (*credit.Session, error) {
	var result *credit.Session
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		result, err = s.transitionTx(ctx, tx, id, expectVersion, next, update, "")
		return err
	})
	return result, err
}

func (s *Store) SettleSession(ctx context.Context, id credit.SessionID, expectVersion int64, entry credit.LedgerEntry) (*credit.Session, int64, error) {
	var result *credit.Session
	var newBalance int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
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

func (s *Store) transitionTx(ctx context.Context, tx pgx.Tx, id credit.SessionID, expectVersion int64, next credit.SessionState, update credit.SessionUpdate, settledEntryID credit.EntryID) (*credit.Session, error) {
	current, err := s.querySession(ctx, tx, `WHERE id = $1 FOR UPDATE`, id)
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

	tag, err := tx.Exec(ctx, `
		UPDATE sessions
		SET state = $1, version = version + 1, processor_ref = NULLIF($2, ''),
		    failure_reason = $3, settled_entry_id = NULLIF($4, '')
		WHERE id = $5 AND version = $6`,
		next, processorRef, failureReason, string(settled), id, expectVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, credit.ErrVersionConflict
		}
		return nil, fmt.Errorf("failed to transition session: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE state IN ('initialized', 'pending') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable sessions: %w", err)
	}
	defer rows.Close()

	var sessions []credit.Session
	for rows.Next() {
		var sess credit.Session
		var processorRef, settledEntryID *string
		if err := rows.Scan(&sess.ID, &sess.AccountID, &sess.Kind, &sess.RequestedAmount,
			&sess.State, &sess.Version, &processorRef, &sess.FailureReason,
			&settledEntryID, &sess.CreatedAt, &sess.ExpiresAt); err != nil {
			return nil, err
		}
		if processorRef != nil {
			sess.ProcessorRef = *processorRef
		}
		if settledEntryID != nil {
			sess.SettledEntryID = credit.EntryID(*settledEntryID)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// =============================================================================
// REVIEW QUEUE
// =============================================================================

func (s *Store) RecordReviewEvent(ctx context.Context, ev credit.ReviewEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO review_events (id, processor_ref, outcome, amount, reason, session_id, received_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		ev.ID, ev.ProcessorRef, ev.Outcome, ev.Amount, ev.Reason, string(ev.SessionID), ev.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to record review event: %w", err)
	}
	return nil
}

func (s *Store) ListReviewEvents(ctx context.Context, limit int) ([]credit.ReviewEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, processor_ref, outcome, amount, reason, session_id, received_at
		FROM review_events
		ORDER BY received_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list review events: %w", err)
	}
	defer rows.Close()

	var events []credit.ReviewEvent
	for rows.Next() {
		var ev credit.ReviewEvent
		var sessionID *string
		if err := rows.Scan(&ev.ID, &ev.ProcessorRef, &ev.Outcome, &ev.Amount,
			&ev.Reason, &sessionID, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		if sessionID != nil {
			ev.SessionID = credit.SessionID(*sessionID)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// lockAccount takes the per-account row lock that serializes the
// balance check against concurrent appends.
func (s *Store) lockAccount(ctx context.Context, tx pgx.Tx, id credit.AccountID) error {
	var found string
	err := tx.QueryRow(ctx,
		`SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, id,
	).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.ErrAccountNotFound
	}
	return err
}

func (s *Store) keyTaken(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	var count int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM entries WHERE idempotency_key = $1`, key,
	).Scan(&count)
	return count > 0, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
