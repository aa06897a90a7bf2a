/*
dto.go - Request/response data structures for the HTTP API

External representations. Ledger entries are redacted on the way out:
idempotency keys are internal correlation state and never leave the
service.
*/
package api

import (
	"time"

	"github.com/meridian/credit-engine/credit"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateAccountRequest struct {
	DisplayName string `json:"display_name"`
}

type SpendRequest struct {
	Amount         int64  `json:"amount"` // positive credits
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason,omitempty"`
}

type RefundRequest struct {
	RelatedEntryID string `json:"related_entry_id"`
	Amount         int64  `json:"amount"` // positive magnitude
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason,omitempty"`
}

type TransferRequest struct {
	ToAccountID    string `json:"to_account_id"`
	Amount         int64  `json:"amount"` // positive credits
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason,omitempty"`
}

type CreateSessionRequest struct {
	AccountID string `json:"account_id"`
	Credits   int64  `json:"credits"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type AccountDTO struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type BalanceDTO struct {
	AccountID string    `json:"account_id"`
	Balance   int64     `json:"balance"`
	AsOf      time.Time `json:"as_of"`
	Stale     bool      `json:"stale"`
}

// EntryDTO is the redacted external view of a ledger entry.
type EntryDTO struct {
	EntryID        string    `json:"entry_id"`
	Kind           string    `json:"kind"`
	Amount         int64     `json:"amount"`
	RelatedEntryID string    `json:"related_entry_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type EntryPageDTO struct {
	Entries    []EntryDTO `json:"entries"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type AppendResultDTO struct {
	EntryID    string `json:"entry_id"`
	NewBalance int64  `json:"new_balance"`
	Replayed   bool   `json:"replayed,omitempty"`
}

type TransferResultDTO struct {
	OutEntryID string `json:"out_entry_id"`
	InEntryID  string `json:"in_entry_id"`
	NewBalance int64  `json:"new_balance"` // sender's balance
	Replayed   bool   `json:"replayed,omitempty"`
}

type QuoteDTO struct {
	Credits      int64  `json:"credits"`
	SubtotalUSD  string `json:"subtotal_usd"`
	EstimatedFee string `json:"estimated_fee_usd"`
	TotalUSD     string `json:"total_usd"`
}

type SessionDTO struct {
	SessionID           string    `json:"session_id"`
	AccountID           string    `json:"account_id"`
	State               string    `json:"state"`
	RequestedAmount     int64     `json:"requested_amount"`
	SettledEntryID      string    `json:"settled_entry_id,omitempty"`
	FailureReason       string    `json:"failure_reason,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
	ProcessorPaymentURL string    `json:"processor_payment_url,omitempty"`
	Quote               *QuoteDTO `json:"quote,omitempty"`
}

type WebhookAckDTO struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	EntryID   string `json:"entry_id,omitempty"`
}

type ReviewEventDTO struct {
	ID           string    `json:"id"`
	ProcessorRef string    `json:"processor_ref"`
	Outcome      string    `json:"outcome"`
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason"`
	SessionID    string    `json:"session_id,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(acct *credit.Account) AccountDTO {
	return AccountDTO{
		ID:          string(acct.ID),
		DisplayName: acct.DisplayName,
		CreatedAt:   acct.CreatedAt,
	}
}

func toEntryDTO(entry credit.LedgerEntry) EntryDTO {
	return EntryDTO{
		EntryID:        string(entry.ID),
		Kind:           string(entry.Kind),
		Amount:         entry.Amount,
		RelatedEntryID: string(entry.RelatedEntryID),
		Reason:         entry.Reason,
		CreatedAt:      entry.CreatedAt,
	}
}

func toQuoteDTO(q credit.Quote) *QuoteDTO {
	return &QuoteDTO{
		Credits:      q.Credits,
		SubtotalUSD:  q.Subtotal.StringFixed(2),
		EstimatedFee: q.EstimatedFee.StringFixed(2),
		TotalUSD:     q.Total.StringFixed(2),
	}
}

func toSessionDTO(sess *credit.Session) SessionDTO {
	return SessionDTO{
		SessionID:       string(sess.ID),
		AccountID:       string(sess.AccountID),
		State:           string(sess.State),
		RequestedAmount: sess.RequestedAmount,
		SettledEntryID:  string(sess.SettledEntryID),
		FailureReason:   sess.FailureReason,
		ExpiresAt:       sess.ExpiresAt,
		CreatedAt:       sess.CreatedAt,
	}
}

func toReviewEventDTO(ev credit.ReviewEvent) ReviewEventDTO {
	return ReviewEventDTO{
		ID:           ev.ID,
		ProcessorRef: ev.ProcessorRef,
		Outcome:      string(ev.Outcome),
		Amount:       ev.Amount,
		Reason:       string(ev.Reason),
		SessionID:    string(ev.SessionID),
		ReceivedAt:   ev.ReceivedAt,
	}
}
