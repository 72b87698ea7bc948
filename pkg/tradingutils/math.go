package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// TruncateAmount truncates a base quantity down to the specified decimals.
// Rounding up is forbidden for order sizing: an amount above the funded
// quantity gets rejected by the exchange as insufficient balance.
func TruncateAmount(amount decimal.Decimal, amountDecimals int) decimal.Decimal {
	return amount.Truncate(int32(amountDecimals))
}

// Notional returns the quote value of an order
func Notional(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Mul(price)
}

// CheckMinNotional reports whether amount*price meets the exchange minimum
func CheckMinNotional(amount, price, minNotional decimal.Decimal) bool {
	return Notional(amount, price).GreaterThanOrEqual(minNotional)
}

// PctOf returns value scaled by pct/100
func PctOf(value, pct decimal.Decimal) decimal.Decimal {
	return value.Mul(pct).Div(decimal.NewFromInt(100))
}

// ApplyPct returns value * (1 + pct/100); pass a negative pct to discount
func ApplyPct(value, pct decimal.Decimal) decimal.Decimal {
	return value.Mul(decimal.NewFromInt(1).Add(pct.Div(decimal.NewFromInt(100))))
}

// DeviationPct returns |actual-expected| / expected * 100, zero when the
// expected value is zero
func DeviationPct(expected, actual decimal.Decimal) decimal.Decimal {
	if expected.IsZero() {
		return decimal.Zero
	}
	return actual.Sub(expected).Abs().Div(expected).Mul(decimal.NewFromInt(100))
}

// StepSize returns 10^(-decimals), the smallest representable increment
func StepSize(decimals int) decimal.Decimal {
	return decimal.New(1, -int32(decimals))
}
