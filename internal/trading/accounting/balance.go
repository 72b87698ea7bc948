package accounting

import (
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/tradingutils"
)

// Deviation buckets between expected inventory and free balance.
// Empirically tuned; kept as variables so operators can widen them.
var (
	DeviationExactPct    = decimal.RequireFromString("0.1")
	DeviationWarnPct     = decimal.RequireFromString("1")
	DeviationCriticalPct = decimal.RequireFromString("5")
)

// DeviationLevel classifies how far the free balance drifted from the
// quantity the cycle believes it accumulated
type DeviationLevel int

const (
	DeviationExact DeviationLevel = iota
	DeviationMinor
	DeviationWarning
)

// BalanceCheck is the outcome of validating free base balance against the
// cycle's expected inventory
type BalanceCheck struct {
	AmountToSell decimal.Decimal
	DeviationPct decimal.Decimal
	Level        DeviationLevel
}

// ValidateBaseBalance decides how much base can be sold. A deviation above
// the critical bucket aborts the fill's onward progression; within the warn
// bucket it proceeds with the smaller of the two quantities.
func ValidateBaseBalance(available, expected decimal.Decimal) (*BalanceCheck, error) {
	if !available.IsPositive() {
		return nil, fmt.Errorf("no free base balance available (got %s)", available)
	}
	if !expected.IsPositive() {
		return &BalanceCheck{AmountToSell: available, Level: DeviationExact}, nil
	}

	deviation := tradingutils.DeviationPct(expected, available)
	if deviation.GreaterThan(DeviationCriticalPct) {
		return nil, &apperrors.BalanceDeviationError{
			Expected:     expected,
			Available:    available,
			DeviationPct: deviation,
		}
	}

	check := &BalanceCheck{DeviationPct: deviation}
	switch {
	case deviation.LessThan(DeviationExactPct):
		check.Level = DeviationExact
		check.AmountToSell = available
	case deviation.GreaterThan(DeviationWarnPct):
		check.Level = DeviationWarning
		check.AmountToSell = decimal.Min(available, expected)
	default:
		check.Level = DeviationMinor
		check.AmountToSell = decimal.Min(available, expected)
	}
	return check, nil
}
