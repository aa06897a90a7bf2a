package credit_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/credit-engine/credit"
)

func TestQuoteFor_FeePreview(t *testing.T) {
	// GIVEN: A 100-credit purchase at $1/credit
	// WHEN: Quoting it
	// THEN: Fee is 2.9% + $0.30 rounded up to the cent

	quote, err := credit.QuoteFor(100)
	require.NoError(t, err)

	assert.Equal(t, int64(100), quote.Credits)
	assert.Equal(t, "100.00", quote.Subtotal.StringFixed(2))
	assert.Equal(t, "3.20", quote.EstimatedFee.StringFixed(2))
	assert.Equal(t, "103.20", quote.Total.StringFixed(2))
}

func TestQuoteFor_RoundsFeeUp(t *testing.T) {
	// 33 credits: 33*0.029 + 0.30 = 1.257 -> 1.26
	quote, err := credit.QuoteFor(33)
	require.NoError(t, err)
	assert.Equal(t, "1.26", quote.EstimatedFee.StringFixed(2))
}

func TestQuoteFor_RejectsNonPositive(t *testing.T) {
	_, err := credit.QuoteFor(0)
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)

	_, err = credit.QuoteFor(-5)
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)
}

func TestCreditsForUSD(t *testing.T) {
	credits, err := credit.CreditsForUSD(decimal.NewFromInt(25))
	require.NoError(t, err)
	assert.Equal(t, int64(25), credits)

	_, err = credit.CreditsForUSD(decimal.NewFromFloat(10.50))
	assert.ErrorIs(t, err, credit.ErrInvalidAmount, "partial credits are rejected, not rounded")

	_, err = credit.CreditsForUSD(decimal.Zero)
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)
}
