/*
pricing.go - Dollar pricing for credit purchases

PURPOSE:
  Converts between credits and USD for the purchase flow. Credits are
  the unit of account: the ledger only ever sees integer credits, and
  conversion happens at the session boundary. Processor fees are a
  display-only preview on the session response; they never produce
  ledger entries (fee accounting lives with payouts, not here).

PRECISION:
  Dollar math uses decimal.Decimal. Never float64 for money.
*/
package credit

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Credits convert 1:1 to dollars.
var creditPriceUSD = decimal.NewFromInt(1)

// Default processor fee schedule used for the preview line:
// 2.9% + $0.30, rounded up to the cent.
var (
	defaultFeeRate = decimal.NewFromFloat(0.029)
	defaultFeeFlat = decimal.NewFromFloat(0.30)
)

// Quote is the price breakdown attached to a purchase session.
// Total is what the processor will charge; EstimatedFee is informational.
type Quote struct {
	Credits      int64
	Subtotal     decimal.Decimal
	EstimatedFee decimal.Decimal
	Total        decimal.Decimal
}

// QuoteFor prices a credit purchase. credits must be positive.
func QuoteFor(credits int64) (Quote, error) {
	if credits <= 0 {
		return Quote{}, fmt.Errorf("%w: cannot quote %d credits", ErrInvalidAmount, credits)
	}

	subtotal := decimal.NewFromInt(credits).Mul(creditPriceUSD)
	fee := subtotal.Mul(defaultFeeRate).Add(defaultFeeFlat).RoundUp(2)

	return Quote{
		Credits:      credits,
		Subtotal:     subtotal,
		EstimatedFee: fee,
		Total:        subtotal.Add(fee),
	}, nil
}

// CreditsForUSD converts a custom dollar amount to whole credits.
// The amount must be a positive whole-credit multiple; partial credits
// are rejected rather than rounded so nobody is silently over- or
// under-charged.
func CreditsForUSD(usd decimal.Decimal) (int64, error) {
	if !usd.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	credits := usd.Div(creditPriceUSD)
	if !credits.Equal(credits.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s does not convert to whole credits", ErrInvalidAmount, usd.StringFixed(2))
	}
	return credits.IntPart(), nil
}
