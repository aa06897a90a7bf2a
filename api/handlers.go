/*
handlers.go - HTTP API handlers for the credit engine

PURPOSE:
  Exposes the ledger and session orchestrator via REST. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                     Create account
    GET    /api/accounts/{id}                Account record
    GET    /api/accounts/{id}/balance        Balance (cache-served)
    GET    /api/accounts/{id}/transactions   Paged entry history
    POST   /api/accounts/{id}/spend          Synchronous spend
    POST   /api/accounts/{id}/refund         Refund a prior entry
    POST   /api/accounts/{id}/transfers      Tip another account

  Sessions:
    POST   /api/sessions                     Open a purchase session
    GET    /api/sessions/{id}                Poll session state

  Processor:
    POST   /api/webhooks/processor           Signed confirmation callback

  Ops:
    GET    /api/review/events                Parked webhooks
    GET    /healthz                          Liveness
    GET    /metrics                          Prometheus

ERROR HANDLING:
  Domain errors map onto HTTP statuses in writeDomainError:
  - 400: validation, malformed input
  - 401: bad webhook signature
  - 404: unknown account/session/entry
  - 409: insufficient balance, terminal session, lost CAS race
  - 410: expired session
  - 500: everything else
  A replayed idempotency key is NOT an error: the original result is
  returned with 200 so client retries are safe.
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian/credit-engine/credit"
	"github.com/meridian/credit-engine/payment"

	"github.com/google/uuid"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      credit.Store
	Ledger     *credit.Ledger
	Cache      *credit.BalanceCache
	Sessions   *payment.Manager
	Reconciler *payment.Reconciler
	Processor  *payment.Processor
}

func NewHandler(store credit.Store, ledger *credit.Ledger, cache *credit.BalanceCache,
	sessions *payment.Manager, reconciler *payment.Reconciler, processor *payment.Processor) *Handler {
	return &Handler{
		Store:      store,
		Ledger:     ledger,
		Cache:      cache,
		Sessions:   sessions,
		Reconciler: reconciler,
		Processor:  processor,
	}
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// CreateAccount creates a new account with zero balance.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acct := credit.Account{
		ID:          credit.AccountID(uuid.NewString()),
		DisplayName: req.DisplayName,
		CreatedAt:   nowUTC(),
	}
	if err := h.Store.CreateAccount(r.Context(), acct); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(&acct))
}

// GetAccount returns the account record.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	acct, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetBalance serves the balance through the cache. A stale flag means
// the authoritative store was unreachable and this is the last known
// value; the UI must render it as such.
// GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	view, err := h.Cache.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(view.AccountID),
		Balance:   view.Balance,
		AsOf:      view.AsOf,
		Stale:     view.Stale,
	})
}

// GetTransactions returns a redacted, newest-first page of the
// account's ledger history.
// GET /api/accounts/{id}/transactions?cursor=&limit=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	cursor := r.URL.Query().Get("cursor")
	limit := intQuery(r, "limit", 50)

	entries, next, err := h.Ledger.History(r.Context(), id, cursor, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, EntryPageDTO{Entries: dtos, NextCursor: next})
}

// Spend synchronously debits credits. Always re-checks the
// authoritative balance inside the store transaction; the cache plays
// no part in authorization.
// POST /api/accounts/{id}/spend
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	var req SpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key is required", nil)
		return
	}

	result, err := h.Ledger.Spend(r.Context(), id, req.Amount, req.IdempotencyKey, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Cache.Update(id, result.NewBalance)

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, AppendResultDTO{
		EntryID:    string(result.Entry.ID),
		NewBalance: result.NewBalance,
		Replayed:   result.Replayed,
	})
}

// Refund offsets a prior spend or purchase entry.
// POST /api/accounts/{id}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key is required", nil)
		return
	}

	result, err := h.Ledger.Refund(r.Context(), id, credit.EntryID(req.RelatedEntryID),
		req.Amount, req.IdempotencyKey, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Cache.Update(id, result.NewBalance)

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, AppendResultDTO{
		EntryID:    string(result.Entry.ID),
		NewBalance: result.NewBalance,
		Replayed:   result.Replayed,
	})
}

// Transfer tips credits to another account as an atomic double entry.
// POST /api/accounts/{id}/transfers
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	from := credit.AccountID(chi.URLParam(r, "id"))
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key is required", nil)
		return
	}

	result, err := h.Ledger.Transfer(r.Context(), from, credit.AccountID(req.ToAccountID),
		req.Amount, req.IdempotencyKey, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Cache.Update(from, result.Out.NewBalance)
	h.Cache.Update(credit.AccountID(req.ToAccountID), result.In.NewBalance)

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, TransferResultDTO{
		OutEntryID: string(result.Out.Entry.ID),
		InEntryID:  string(result.In.Entry.ID),
		NewBalance: result.Out.NewBalance,
		Replayed:   result.Replayed,
	})
}

// =============================================================================
// SESSION ENDPOINTS
// =============================================================================

// CreateSession opens a purchase session and hands it straight to the
// processor: the response carries the hosted-checkout URL and a price
// quote. The session then waits for the processor's webhook.
// POST /api/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	quote, err := credit.QuoteFor(req.Credits)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sess, err := h.Sessions.CreateSession(r.Context(), credit.AccountID(req.AccountID), req.Credits)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sess, err = h.Sessions.MarkPending(r.Context(), sess.ID, h.Processor.NewRef())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dto := toSessionDTO(sess)
	dto.ProcessorPaymentURL = h.Processor.PaymentURL(sess, quote)
	dto.Quote = toQuoteDTO(quote)
	writeJSON(w, http.StatusCreated, dto)
}

// GetSession is the polling endpoint for purchase flows.
// GET /api/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := credit.SessionID(chi.URLParam(r, "id"))
	sess, err := h.Sessions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(sess))
}

// =============================================================================
// PROCESSOR WEBHOOK
// =============================================================================

// ProcessorWebhook receives signed confirmation callbacks. Every
// delivery is possibly-duplicate and possibly-late; anything that was
// dropped idempotently is still acknowledged with 200 so the
// processor stops redelivering.
// POST /api/webhooks/processor
func (h *Handler) ProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read body", err)
		return
	}

	ack, err := h.Reconciler.HandleWebhook(r.Context(), payload, r.Header.Get(payment.SignatureHeader))
	if err != nil {
		if errors.Is(err, credit.ErrInvalidSignature) {
			writeError(w, http.StatusUnauthorized, "Invalid signature", nil)
			return
		}
		if credit.IsRetryable(err) {
			// Let the processor redeliver.
			writeError(w, http.StatusServiceUnavailable, "Temporarily unable to apply webhook", err)
			return
		}
		writeError(w, http.StatusBadRequest, "Webhook rejected", err)
		return
	}

	CountWebhook(ack.Status)
	writeJSON(w, http.StatusOK, WebhookAckDTO{
		Status:    ack.Status,
		SessionID: string(ack.SessionID),
		EntryID:   string(ack.EntryID),
	})
}

// =============================================================================
// OPS ENDPOINTS
// =============================================================================

// ListReviewEvents returns webhooks parked for manual review.
// GET /api/review/events?limit=
func (h *Handler) ListReviewEvents(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 100)
	events, err := h.Store.ListReviewEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list review events", err)
		return
	}
	dtos := make([]ReviewEventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, toReviewEventDTO(ev))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health is the liveness endpoint.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps credit package errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credit.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, "Insufficient balance", err)
	case errors.Is(err, credit.ErrIdempotencyKeyMismatch):
		writeError(w, http.StatusConflict, "Idempotency key already used by another account", err)
	case credit.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, credit.ErrSessionExpired):
		writeError(w, http.StatusGone, "Session expired, restart the purchase", err)
	case errors.Is(err, credit.ErrSessionAlreadyTerminal), errors.Is(err, credit.ErrVersionConflict):
		writeError(w, http.StatusConflict, "Session already finalized", err)
	case errors.Is(err, credit.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "Invalid signature", nil)
	case credit.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
