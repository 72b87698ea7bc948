package accounting

import (
	"github.com/shopspring/decimal"

	"dca_engine/pkg/tradingutils"
)

// DustResult is the outcome of folding accumulated dust into a sell amount
type DustResult struct {
	Sellable decimal.Decimal
	NewDust  decimal.Decimal
}

// ProcessDust adds carried dust to the amount about to be sold, truncates
// to the tradable precision and keeps the sub-precision residue for the
// next TP update. Dust resets to zero when the cycle closes.
func ProcessDust(amountToSell, accumulatedDust decimal.Decimal, amountPrecision int) DustResult {
	pending := amountToSell.Add(accumulatedDust)
	sellable := tradingutils.TruncateAmount(pending, amountPrecision)
	return DustResult{
		Sellable: sellable,
		NewDust:  pending.Sub(sellable),
	}
}
