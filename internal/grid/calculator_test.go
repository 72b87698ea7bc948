package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ethInput() Input {
	return Input{
		CurrentPrice:        d("3000"),
		TotalBudget:         d("100"),
		GridLevels:          5,
		GridLengthPct:       d("5"),
		FirstOrderOffsetPct: d("0.5"),
		VolumeScalePct:      d("40"),
		AmountPrecision:     4,
		PricePrecision:      2,
	}
}

func TestCalculate_ETHSeed(t *testing.T) {
	rungs, err := Calculate(ethInput())
	require.NoError(t, err)
	require.Len(t, rungs, 5)

	// first = 3000*(1-0.005) = 2985.00, last = 2985*(1-0.05) = 2835.75,
	// step = (2985-2835.75)/4 = 37.3125
	assert.True(t, rungs[0].Price.Equal(d("2985")), "rung0 price %s", rungs[0].Price)
	assert.True(t, rungs[1].Price.Equal(d("2947.69")), "rung1 price %s", rungs[1].Price)
	assert.True(t, rungs[2].Price.Equal(d("2910.38")), "rung2 price %s", rungs[2].Price)
	assert.True(t, rungs[3].Price.Equal(d("2873.06")), "rung3 price %s", rungs[3].Price)
	assert.True(t, rungs[4].Price.Equal(d("2835.75")), "rung4 price %s", rungs[4].Price)

	// Quote volumes scale by 1.4 per rung
	ratio := rungs[1].AmountQuote.Div(rungs[0].AmountQuote)
	assert.True(t, ratio.Sub(d("1.4")).Abs().LessThan(d("0.0000001")), "ratio %s", ratio)

	// Base amounts hold at most 4 fractional digits
	for _, r := range rungs {
		assert.True(t, r.AmountBase.Equal(r.AmountBase.Truncate(4)), "rung %d base %s", r.Index, r.AmountBase)
	}
}

func TestCalculate_BudgetConserved(t *testing.T) {
	rungs, err := Calculate(ethInput())
	require.NoError(t, err)

	sum := decimal.Zero
	for _, r := range rungs {
		sum = sum.Add(r.AmountQuote)
	}
	diff := d("100").Sub(sum).Abs()
	assert.True(t, diff.LessThan(d("0.0000001")), "quote sum %s deviates by %s", sum, diff)
}

func TestCalculate_PricesStrictlyDecreasing(t *testing.T) {
	in := ethInput()
	in.GridLevels = 20
	rungs, err := Calculate(in)
	require.NoError(t, err)
	require.Len(t, rungs, 20)

	for i := 1; i < len(rungs); i++ {
		assert.True(t, rungs[i].Price.LessThan(rungs[i-1].Price),
			"rung %d price %s not below rung %d price %s", i, rungs[i].Price, i-1, rungs[i-1].Price)
	}
}

func TestCalculate_VolumesNonDecreasing(t *testing.T) {
	for _, scale := range []string{"0", "10", "40", "100"} {
		in := ethInput()
		in.VolumeScalePct = d(scale)
		rungs, err := Calculate(in)
		require.NoError(t, err)
		for i := 1; i < len(rungs); i++ {
			assert.True(t, rungs[i].AmountQuote.GreaterThanOrEqual(rungs[i-1].AmountQuote),
				"scale %s rung %d quote shrank", scale, i)
		}
	}
}

func TestCalculate_SingleLevel(t *testing.T) {
	in := ethInput()
	in.GridLevels = 1
	rungs, err := Calculate(in)
	require.NoError(t, err)
	require.Len(t, rungs, 1)

	// With one rung the whole budget lands on it at the offset price
	assert.True(t, rungs[0].Price.Equal(d("2985")))
	assert.True(t, rungs[0].AmountQuote.Equal(d("100")))
}

func TestCalculate_BaseNeverRoundsUp(t *testing.T) {
	rungs, err := Calculate(ethInput())
	require.NoError(t, err)
	for _, r := range rungs {
		exact := r.AmountQuote.Div(r.Price)
		assert.True(t, r.AmountBase.LessThanOrEqual(exact),
			"rung %d base %s exceeds exact %s", r.Index, r.AmountBase, exact)
	}
}

func TestCalculate_InvalidInput(t *testing.T) {
	in := ethInput()
	in.GridLevels = 0
	_, err := Calculate(in)
	assert.Error(t, err)

	in = ethInput()
	in.CurrentPrice = decimal.Zero
	_, err = Calculate(in)
	assert.Error(t, err)

	in = ethInput()
	in.TotalBudget = d("-1")
	_, err = Calculate(in)
	assert.Error(t, err)
}
