// Package takeprofit computes the cycle's sell target: the adaptive TP
// percentage recomputed on every buy fill, and the trailing state machine
// that rides the price up after the target is touched.
package takeprofit

import (
	"github.com/shopspring/decimal"

	"dca_engine/pkg/tradingutils"
)

var (
	// MinTPPct floors the computed breakeven when nothing was spent yet
	MinTPPct = decimal.RequireFromString("0.5")
	// SafetyMarginMultiplier pads the breakeven so a TP fill never loses money
	SafetyMarginMultiplier = decimal.RequireFromString("1.5")
	// roundTripFeeRate estimates buy+sell fees against the spent quote
	roundTripFeeRate = decimal.RequireFromString("0.002")
)

// Params is the outcome of one adaptive TP computation
type Params struct {
	MinBreakevenPct decimal.Decimal
	EffectiveTPPct  decimal.Decimal
	TPPrice         decimal.Decimal
}

// Compute derives the effective TP from the configured percentage and the
// cycle's overhead. Overhead = one precision step of base (lost to
// truncation, valued at the average price) plus the round-trip fee
// estimate. The effective TP never drops below 1.5x breakeven.
func Compute(configTPPct, avgPrice, totalQuoteSpent decimal.Decimal, amountPrecision, pricePrecision int) Params {
	minTPPct := MinTPPct
	if totalQuoteSpent.IsPositive() {
		step := tradingutils.StepSize(amountPrecision)
		precisionLoss := step.Mul(avgPrice.Round(0))
		fees := totalQuoteSpent.Mul(roundTripFeeRate)
		overhead := precisionLoss.Add(fees)
		minTPPct = overhead.Div(totalQuoteSpent).Mul(decimal.NewFromInt(100))
	}

	safeTPPct := SafetyMarginMultiplier.Mul(minTPPct)
	effective := decimal.Max(configTPPct, safeTPPct)

	return Params{
		MinBreakevenPct: minTPPct,
		EffectiveTPPct:  effective,
		TPPrice:         tradingutils.RoundPrice(tradingutils.ApplyPct(avgPrice, effective), pricePrecision),
	}
}
