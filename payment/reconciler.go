/*
reconciler.go - Webhook reconciliation

PURPOSE:
  The processor confirms or declines charges asynchronously, retries
  deliveries at unpredictable times, and may deliver the same event
  many times - including after the session already expired. The
  Reconciler treats every inbound event as possibly-duplicate and
  possibly-late:

    - bad signature        -> rejected, nothing changes
    - no matching session  -> parked for manual review, acknowledged
    - session pending      -> settle (success) or fail (failure)
    - session terminal     -> dropped idempotently, acknowledged

  Acknowledging drops is what makes processor retries safe: the
  processor stops redelivering once it gets a 2xx, and replaying an
  already-applied event can never double-apply because settlement is
  keyed by the processor ref.

  There is no in-process retry for a missing session; the processor's
  own redelivery policy handles that.
*/
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/meridian/credit-engine/credit"
)

// ReviewSink receives events that could not be applied. The production
// sink is the async review queue worker; tests use an in-memory one.
type ReviewSink interface {
	Record(ev credit.ReviewEvent)
}

// Ack tells the webhook endpoint what happened. Anything other than an
// error is acknowledged to the processor with a 2xx.
type Ack struct {
	Status    string // "applied" or "dropped"
	SessionID credit.SessionID
	EntryID   credit.EntryID
}

const (
	AckApplied = "applied"
	AckDropped = "dropped"
)

// webhookPayload is the processor's wire format.
type webhookPayload struct {
	ProcessorRef string `json:"processor_ref"`
	Outcome      string `json:"outcome"`
	Amount       int64  `json:"amount"`
}

// Reconciler drains processor webhooks into the session state machine.
type Reconciler struct {
	manager  *Manager
	store    credit.Store
	verifier *Verifier
	review   ReviewSink
}

func NewReconciler(manager *Manager, store credit.Store, verifier *Verifier, review ReviewSink) *Reconciler {
	return &Reconciler{manager: manager, store: store, verifier: verifier, review: review}
}

// HandleWebhook verifies, decodes, and applies one webhook delivery.
// Safe to call any number of times with the same payload.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (Ack, error) {
	if err := r.verifier.Verify(payload, signature); err != nil {
		log.Printf("[Reconciler] rejected webhook: bad signature")
		return Ack{}, err
	}

	var wp webhookPayload
	if err := json.Unmarshal(payload, &wp); err != nil {
		return Ack{}, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if wp.ProcessorRef == "" {
		return Ack{}, fmt.Errorf("malformed webhook payload: missing processor_ref")
	}
	outcome := credit.WebhookOutcome(wp.Outcome)
	if outcome != credit.OutcomeSuccess && outcome != credit.OutcomeFailure {
		return Ack{}, fmt.Errorf("malformed webhook payload: unknown outcome %q", wp.Outcome)
	}
	// A confirmed charge always carries a positive amount. Rejecting it
	// here keeps a broken delivery out of settlement and out of the
	// review queue, so processor retries of it cannot pile up events.
	if outcome == credit.OutcomeSuccess && wp.Amount <= 0 {
		return Ack{}, fmt.Errorf("malformed webhook payload: success amount must be positive, got %d", wp.Amount)
	}

	event := credit.WebhookEvent{
		ProcessorRef: wp.ProcessorRef,
		Outcome:      outcome,
		Amount:       wp.Amount,
		ReceivedAt:   r.manager.now(),
	}
	return r.apply(ctx, event)
}

func (r *Reconciler) apply(ctx context.Context, event credit.WebhookEvent) (Ack, error) {
	sess, err := r.store.GetSessionByProcessorRef(ctx, event.ProcessorRef)
	if err != nil {
		if errors.Is(err, credit.ErrSessionNotFound) {
			// Never create a ledger entry without a session. Park it.
			log.Printf("[Reconciler] no session for ref %s, parked for review", event.ProcessorRef)
			r.park(event, credit.ReviewUnmatchedRef, "")
			return Ack{Status: AckDropped}, nil
		}
		return Ack{}, err
	}

	if sess.State.Terminal() {
		log.Printf("[Reconciler] dropped %s webhook for %s session %s (ref %s)",
			event.Outcome, sess.State, sess.ID, event.ProcessorRef)
		if sess.State == credit.SessionExpired && event.Outcome == credit.OutcomeSuccess {
			// Money may have moved for a session we gave up on. A human
			// needs to see this one.
			r.park(event, credit.ReviewTerminalSession, sess.ID)
		}
		return Ack{Status: AckDropped, SessionID: sess.ID}, nil
	}

	switch event.Outcome {
	case credit.OutcomeSuccess:
		return r.settle(ctx, sess, event)
	default:
		return r.fail(ctx, sess, event)
	}
}

func (r *Reconciler) settle(ctx context.Context, sess *credit.Session, event credit.WebhookEvent) (Ack, error) {
	amount := event.Amount
	if amount != sess.RequestedAmount {
		// The processor's amount is what was actually charged; settle
		// with it but flag the discrepancy.
		log.Printf("[Reconciler] amount mismatch on %s: requested %d, webhook %d",
			sess.ID, sess.RequestedAmount, amount)
		r.park(event, credit.ReviewAmountMismatch, sess.ID)
	}

	settled, result, err := r.manager.Settle(ctx, sess.ID, event.ProcessorRef, amount)
	if err != nil {
		return r.resolveRace(ctx, sess.ID, event, err)
	}
	log.Printf("[Reconciler] settled session %s: +%d credits (entry %s)",
		settled.ID, result.Entry.Amount, result.Entry.ID)
	return Ack{Status: AckApplied, SessionID: settled.ID, EntryID: result.Entry.ID}, nil
}

func (r *Reconciler) fail(ctx context.Context, sess *credit.Session, event credit.WebhookEvent) (Ack, error) {
	failed, err := r.manager.Fail(ctx, sess.ID, "processor declined")
	if err != nil {
		return r.resolveRace(ctx, sess.ID, event, err)
	}
	log.Printf("[Reconciler] failed session %s", failed.ID)
	return Ack{Status: AckApplied, SessionID: failed.ID}, nil
}

// resolveRace re-reads the session after a rejected transition. If it
// reached a terminal state in the meantime (duplicate webhook, expiry
// sweep), the delivery is dropped idempotently; true failures surface.
func (r *Reconciler) resolveRace(ctx context.Context, id credit.SessionID, event credit.WebhookEvent, cause error) (Ack, error) {
	if !credit.IsRetryable(cause) && !errors.Is(cause, credit.ErrSessionAlreadyTerminal) &&
		!errors.Is(cause, credit.ErrSessionExpired) {
		return Ack{}, cause
	}

	current, err := r.store.GetSession(ctx, id)
	if err != nil {
		return Ack{}, cause
	}
	if current.State.Terminal() {
		log.Printf("[Reconciler] dropped %s webhook for session %s: already %s",
			event.Outcome, id, current.State)
		if current.State == credit.SessionExpired && event.Outcome == credit.OutcomeSuccess {
			r.park(event, credit.ReviewTerminalSession, id)
		}
		return Ack{Status: AckDropped, SessionID: id}, nil
	}
	return Ack{}, cause
}

func (r *Reconciler) park(event credit.WebhookEvent, reason credit.ReviewReason, sessionID credit.SessionID) {
	if r.review == nil {
		return
	}
	r.review.Record(credit.ReviewEvent{
		ID:           uuid.NewString(),
		ProcessorRef: event.ProcessorRef,
		Outcome:      event.Outcome,
		Amount:       event.Amount,
		Reason:       reason,
		SessionID:    sessionID,
		ReceivedAt:   event.ReceivedAt,
	})
}
