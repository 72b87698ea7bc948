// Package grid computes the safety-order ladder for a DCA cycle.
package grid

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dca_engine/pkg/tradingutils"
)

// Input are the parameters for one grid computation
type Input struct {
	CurrentPrice        decimal.Decimal
	TotalBudget         decimal.Decimal
	GridLevels          int
	GridLengthPct       decimal.Decimal
	FirstOrderOffsetPct decimal.Decimal
	VolumeScalePct      decimal.Decimal
	AmountPrecision     int
	PricePrecision      int
}

// Rung is one level of the ladder. Rung 0 sits closest to market.
type Rung struct {
	Index       int
	Price       decimal.Decimal
	AmountQuote decimal.Decimal
	AmountBase  decimal.Decimal
}

var one = decimal.NewFromInt(1)

// Calculate builds the ladder: prices spaced linearly from
// current*(1-F/100) down to first*(1-L/100), quote volumes scaled
// geometrically by 1+V/100 so later rungs buy progressively more.
// Base amounts are truncated down to the amount precision; rounding up
// would make the exchange reject the order for insufficient balance.
func Calculate(in Input) ([]Rung, error) {
	if in.GridLevels < 1 {
		return nil, fmt.Errorf("grid levels must be >= 1, got %d", in.GridLevels)
	}
	if !in.CurrentPrice.IsPositive() {
		return nil, fmt.Errorf("current price must be positive, got %s", in.CurrentPrice)
	}
	if !in.TotalBudget.IsPositive() {
		return nil, fmt.Errorf("total budget must be positive, got %s", in.TotalBudget)
	}

	firstPrice := tradingutils.ApplyPct(in.CurrentPrice, in.FirstOrderOffsetPct.Neg())
	lastPrice := tradingutils.ApplyPct(firstPrice, in.GridLengthPct.Neg())

	priceStep := decimal.Zero
	if in.GridLevels > 1 {
		priceStep = firstPrice.Sub(lastPrice).Div(decimal.NewFromInt(int64(in.GridLevels - 1)))
	}

	multiplier := one.Add(in.VolumeScalePct.Div(decimal.NewFromInt(100)))
	weights := make([]decimal.Decimal, in.GridLevels)
	sumWeights := decimal.Zero
	w := one
	for i := 0; i < in.GridLevels; i++ {
		weights[i] = w
		sumWeights = sumWeights.Add(w)
		w = w.Mul(multiplier)
	}

	baseQuote := in.TotalBudget.Div(sumWeights)

	rungs := make([]Rung, 0, in.GridLevels)
	for i := 0; i < in.GridLevels; i++ {
		price := tradingutils.RoundPrice(
			firstPrice.Sub(priceStep.Mul(decimal.NewFromInt(int64(i)))),
			in.PricePrecision,
		)
		if !price.IsPositive() {
			return nil, fmt.Errorf("rung %d price is not positive: %s", i, price)
		}
		quote := baseQuote.Mul(weights[i])
		base := tradingutils.TruncateAmount(quote.Div(price), in.AmountPrecision)

		rungs = append(rungs, Rung{
			Index:       i,
			Price:       price,
			AmountQuote: quote,
			AmountBase:  base,
		})
	}

	return rungs, nil
}
