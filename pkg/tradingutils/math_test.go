package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTruncateAmount_RoundsDown(t *testing.T) {
	assert.True(t, TruncateAmount(d("0.12349"), 4).Equal(d("0.1234")))
	assert.True(t, TruncateAmount(d("0.12341"), 4).Equal(d("0.1234")))
	assert.True(t, TruncateAmount(d("5"), 4).Equal(d("5")))
}

func TestTruncateAmount_NeverExceedsInput(t *testing.T) {
	inputs := []string{"0.00335112", "1.99999999", "0.0001", "123.456789"}
	for _, in := range inputs {
		x := d(in)
		tr := TruncateAmount(x, 4)
		assert.True(t, tr.LessThanOrEqual(x), "truncate(%s) must not exceed input", in)
		assert.True(t, x.Sub(tr).LessThan(StepSize(4)), "residue of %s must be below one step", in)
	}
}

func TestCheckMinNotional(t *testing.T) {
	assert.True(t, CheckMinNotional(d("0.002"), d("3000"), d("5")))
	assert.False(t, CheckMinNotional(d("0.001"), d("3000"), d("5")))
	// Exactly at the minimum passes
	assert.True(t, CheckMinNotional(d("0.001"), d("5000"), d("5")))
}

func TestApplyPct(t *testing.T) {
	assert.True(t, ApplyPct(d("3000"), d("-0.5")).Equal(d("2985")))
	assert.True(t, ApplyPct(d("2985"), d("-5")).Equal(d("2835.75")))
	assert.True(t, ApplyPct(d("100"), d("1.2")).Equal(d("101.2")))
}

func TestDeviationPct(t *testing.T) {
	assert.True(t, DeviationPct(d("100"), d("99")).Equal(d("1")))
	assert.True(t, DeviationPct(d("100"), d("101")).Equal(d("1")))
	assert.True(t, DeviationPct(d("0"), d("5")).IsZero())
}

func TestStepSize(t *testing.T) {
	assert.True(t, StepSize(4).Equal(d("0.0001")))
	assert.True(t, StepSize(2).Equal(d("0.01")))
	assert.True(t, StepSize(0).Equal(d("1")))
}
