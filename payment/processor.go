/*
processor.go - Checkout handoff to the external processor

The orchestrator never talks card networks. It mints a processor
transaction reference for the session and builds the hosted-checkout
URL the member is redirected to; everything after that arrives back as
a signed webhook.
*/
package payment

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/meridian/credit-engine/credit"
)

// Processor holds the handoff configuration for the hosted checkout.
type Processor struct {
	// BaseURL is the processor's hosted checkout endpoint.
	BaseURL string
}

func NewProcessor(baseURL string) *Processor {
	if baseURL == "" {
		baseURL = "https://checkout.processor.example/pay"
	}
	return &Processor{BaseURL: baseURL}
}

// NewRef mints the processor transaction id for a session. This id is
// the correlation key for webhooks and the idempotency key for the
// eventual settlement entry.
func (p *Processor) NewRef() string {
	return "ptx_" + uuid.NewString()
}

// PaymentURL builds the hosted-checkout URL for a session and its
// price quote.
func (p *Processor) PaymentURL(sess *credit.Session, quote credit.Quote) string {
	q := url.Values{}
	q.Set("ref", sess.ProcessorRef)
	q.Set("amount", quote.Total.StringFixed(2))
	q.Set("currency", "USD")
	q.Set("credits", fmt.Sprintf("%d", quote.Credits))
	return p.BaseURL + "?" + q.Encode()
}
