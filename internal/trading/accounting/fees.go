// Package accounting holds the arithmetic helpers around fills: fee
// conversion, balance validation and dust bookkeeping.
package accounting

import (
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
)

var (
	// FallbackFeeRate is assumed when the exchange omits fee details
	FallbackFeeRate = decimal.RequireFromString("0.001")
	// EstimatedRoundTripFeeRate covers buy+sell fees for TP sizing
	EstimatedRoundTripFeeRate = decimal.RequireFromString("0.002")
)

// BuyFeeInBase converts a buy-fill fee into base-asset units. Exchanges
// report fees in whichever currency they charged; anything unrecognized
// falls back to an estimate off the filled quantity.
func BuyFeeInBase(u *core.OrderUpdate, baseAsset, quoteAsset string) decimal.Decimal {
	if u.Fee == nil || u.Fee.Cost.IsZero() {
		return FallbackFeeRate.Mul(u.Filled)
	}
	switch u.Fee.Currency {
	case baseAsset:
		return u.Fee.Cost
	case quoteAsset:
		price := u.Price
		if price.IsZero() && u.Filled.IsPositive() {
			price = u.Cost.Div(u.Filled)
		}
		if price.IsZero() {
			return FallbackFeeRate.Mul(u.Filled)
		}
		return u.Fee.Cost.Div(price)
	default:
		return FallbackFeeRate.Mul(u.Filled)
	}
}

// SellFeeInQuote extracts the quote-denominated fee of a sell fill,
// falling back to 0.1% of the reported cost.
func SellFeeInQuote(u *core.OrderUpdate, quoteAsset string) decimal.Decimal {
	if u.Fee != nil && u.Fee.Currency == quoteAsset && u.Fee.Cost.IsPositive() {
		return u.Fee.Cost
	}
	return FallbackFeeRate.Mul(u.Cost)
}

// OrderCost returns the exchange-supplied cost, or price*filled when the
// exchange left it out.
func OrderCost(u *core.OrderUpdate) decimal.Decimal {
	if u.Cost.IsPositive() {
		return u.Cost
	}
	return u.Price.Mul(u.Filled)
}
