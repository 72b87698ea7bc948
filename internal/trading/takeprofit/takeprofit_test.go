package takeprofit

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca_engine/internal/core"
	"dca_engine/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCompute_ConfigDominates(t *testing.T) {
	// Small position, generous config TP: config wins
	p := Compute(d("1.2"), d("2988.31"), d("9.8505"), 4, 2)
	assert.True(t, p.EffectiveTPPct.GreaterThanOrEqual(d("1.2")))
	assert.True(t, p.TPPrice.GreaterThan(d("2988.31")), "TP must sit above avg price")
}

func TestCompute_BreakevenDominates(t *testing.T) {
	// Tiny spend with a coarse precision step: overhead dwarfs a 0.1% config TP
	p := Compute(d("0.1"), d("3000"), d("5"), 2, 2)
	// precision_loss = 0.01*3000 = 30; fees = 0.01; min_tp = 30.01/5*100
	assert.True(t, p.EffectiveTPPct.GreaterThan(d("0.1")))
	assert.True(t, p.EffectiveTPPct.Equal(p.MinBreakevenPct.Mul(d("1.5"))))
}

func TestCompute_ZeroSpendUsesFloor(t *testing.T) {
	p := Compute(d("0.2"), d("3000"), decimal.Zero, 4, 2)
	assert.True(t, p.MinBreakevenPct.Equal(d("0.5")))
	assert.True(t, p.EffectiveTPPct.Equal(d("0.75")), "1.5x the 0.5 floor")
}

func TestCompute_TPPriceRounded(t *testing.T) {
	p := Compute(d("1.2"), d("2988.31"), d("9.8505"), 4, 2)
	assert.True(t, p.TPPrice.Equal(p.TPPrice.Round(2)))
}

func newTestTrailer() *Trailer {
	tr := NewTrailer("ETH/USDT", d("0.8"), d("1.0"), nil, noopLogger{})
	tr.SetTargets(d("3000"), d("3036"), d("1.2"))
	return tr
}

func TestTrailer_ActivatesAfterThreeTouches(t *testing.T) {
	tr := newTestTrailer()
	ctx := context.Background()

	tr.OnTick(ctx, d("3036"))
	assert.Equal(t, PhasePending, tr.Phase())
	tr.OnTick(ctx, d("3037"))
	assert.Equal(t, PhasePending, tr.Phase())
	tr.OnTick(ctx, d("3038"))
	require.Equal(t, PhaseActive, tr.Phase())
	assert.True(t, tr.Snapshot().MaxPriceTracked.Equal(d("3038")))
}

func TestTrailer_PendingResetsBelowTP(t *testing.T) {
	tr := newTestTrailer()
	ctx := context.Background()

	tr.OnTick(ctx, d("3036"))
	tr.OnTick(ctx, d("3037"))
	tr.OnTick(ctx, d("3035.99"))
	assert.Equal(t, PhaseIdle, tr.Phase())

	// The counter restarted: two more touches are not enough
	tr.OnTick(ctx, d("3036"))
	tr.OnTick(ctx, d("3036.5"))
	assert.Equal(t, PhasePending, tr.Phase())
}

func TestTrailer_ActivatesOnOvershoot(t *testing.T) {
	tr := newTestTrailer()
	// 3036 * 1.002 = 3042.072: one tick at 3043 confirms immediately
	tr.OnTick(context.Background(), d("3043"))
	assert.Equal(t, PhaseActive, tr.Phase())
}

func TestTrailer_ActivatesOnTimeout(t *testing.T) {
	tr := newTestTrailer()
	now := time.Now()
	tr.now = func() time.Time { return now }

	tr.OnTick(context.Background(), d("3036"))
	assert.Equal(t, PhasePending, tr.Phase())

	now = now.Add(31 * time.Second)
	tr.OnTick(context.Background(), d("3036.5"))
	assert.Equal(t, PhaseActive, tr.Phase())
}

func TestTrailer_GapAboveTPTracksGap(t *testing.T) {
	tr := newTestTrailer()
	tr.OnTick(context.Background(), d("3050")) // overshoot activation
	require.Equal(t, PhaseActive, tr.Phase())
	assert.True(t, tr.Snapshot().MaxPriceTracked.Equal(d("3050")))
}

func TestTrailer_NormalExit(t *testing.T) {
	tr := newTestTrailer()
	ctx := context.Background()

	for _, p := range []string{"3036", "3037", "3038"} {
		tr.OnTick(ctx, d(p))
	}
	require.Equal(t, PhaseActive, tr.Phase())

	// callback price = 3038*(1-0.008) = 3013.696; profit floor = 3030.
	// A retrace to 3029 sits under the floor-dominated exit but above the
	// emergency margin (3030*0.995 = 3014.85).
	res := tr.OnTick(ctx, d("3029"))
	require.Equal(t, DecisionExit, res.Decision)
	assert.True(t, res.ExitPrice.Equal(d("3030")), "exit at max(callback, floor), got %s", res.ExitPrice)
}

func TestTrailer_ExitPriceNeverBelowProfitFloor(t *testing.T) {
	tr := newTestTrailer()
	ctx := context.Background()
	tr.OnTick(ctx, d("3050"))
	require.Equal(t, PhaseActive, tr.Phase())

	res := tr.OnTick(ctx, d("3031"))
	if res.Decision == DecisionExit {
		assert.True(t, res.ExitPrice.GreaterThanOrEqual(d("3030")))
	}
}

func TestTrailer_MaxPriceMonotonic(t *testing.T) {
	tr := newTestTrailer()
	ctx := context.Background()
	for _, p := range []string{"3036", "3037", "3038"} {
		tr.OnTick(ctx, d(p))
	}

	prices := []string{"3040", "3039", "3045", "3044", "3046"}
	prevMax := tr.Snapshot().MaxPriceTracked
	for _, p := range prices {
		tr.OnTick(ctx, d(p))
		cur := tr.Snapshot().MaxPriceTracked
		assert.True(t, cur.GreaterThanOrEqual(prevMax))
		prevMax = cur
	}
	assert.True(t, prevMax.Equal(d("3046")))
}

func TestTrailer_DumpEmergency(t *testing.T) {
	tr := newTestTrailer()
	ctx := context.Background()
	for _, p := range []string{"3036", "3037", "3038"} {
		tr.OnTick(ctx, d(p))
	}
	require.Equal(t, PhaseActive, tr.Phase())

	// Build dump history at a stable high, then a 2.03% collapse
	for i := 0; i < 7; i++ {
		res := tr.OnTick(ctx, d("3060"))
		assert.Equal(t, DecisionNone, res.Decision)
	}
	res := tr.OnTick(ctx, d("2998"))
	require.Equal(t, DecisionEmergency, res.Decision)
	assert.Equal(t, "Dump detected", res.Reason)
}

func TestTrailer_FloorBreachEmergency(t *testing.T) {
	tr := newTestTrailer()
	ctx := context.Background()
	for _, p := range []string{"3036", "3037", "3038"} {
		tr.OnTick(ctx, d(p))
	}

	// floor = 3030, margin = 3014.85; a slow slide under it still exits
	res := tr.OnTick(ctx, d("3014"))
	require.Equal(t, DecisionEmergency, res.Decision)
	assert.Equal(t, "Price below minimum profit floor", res.Reason)
}

func TestTrailer_AdaptiveCallbackBuckets(t *testing.T) {
	cases := []struct {
		atr      string
		expected string
	}{
		{"6", "1.6"},    // >5: x2.0
		{"4", "1.2"},    // >3: x1.5
		{"0.5", "0.56"}, // <1: x0.7
		{"2", "0.8"},    // base
	}
	for _, tc := range cases {
		tr := NewTrailer("ETH/USDT", d("0.8"), d("1.0"), atrProviderWith(t, tc.atr), noopLogger{})
		tr.SetTargets(d("3000"), d("3036"), d("1.2"))
		cb := tr.adaptiveCallbackPct(context.Background())
		assert.True(t, cb.Equal(d(tc.expected)), "atr %s: got %s want %s", tc.atr, cb, tc.expected)
	}
}

func TestTrailer_SnapshotRestore(t *testing.T) {
	tr := newTestTrailer()
	ctx := context.Background()
	for _, p := range []string{"3036", "3037", "3038"} {
		tr.OnTick(ctx, d(p))
	}
	snap := tr.Snapshot()
	require.True(t, snap.Active)

	restored := newTestTrailer()
	restored.Restore(snap)
	assert.Equal(t, PhaseActive, restored.Phase())
	assert.True(t, restored.Snapshot().MaxPriceTracked.Equal(snap.MaxPriceTracked))
}

func TestTrailer_Reset(t *testing.T) {
	tr := newTestTrailer()
	ctx := context.Background()
	for _, p := range []string{"3036", "3037", "3038"} {
		tr.OnTick(ctx, d(p))
	}
	tr.Reset()
	assert.Equal(t, PhaseIdle, tr.Phase())
	assert.False(t, tr.Snapshot().Active)
}

// atrProviderWith builds a provider whose next ATRPct returns a fixed value
func atrProviderWith(t *testing.T, atrPct string) *risk.ATRProvider {
	t.Helper()
	// Constant-range candles: range r around close c gives ATR% = r/c*100.
	c := d("3000")
	r := d(atrPct).Mul(c).Div(d("100"))
	half := r.Div(d("2"))
	candles := make([]core.Candle, 15)
	for i := range candles {
		candles[i] = core.Candle{Open: c, High: c.Add(half), Low: c.Sub(half), Close: c}
	}
	return risk.NewATRProvider(&stubExchange{candles: candles}, noopLogger{})
}

type stubExchange struct {
	core.IExchange
	candles []core.Candle
}

func (s *stubExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	return s.candles, nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                   {}
func (noopLogger) Info(string, ...interface{})                    {}
func (noopLogger) Warn(string, ...interface{})                    {}
func (noopLogger) Error(string, ...interface{})                   {}
func (noopLogger) Fatal(string, ...interface{})                   {}
func (noopLogger) WithField(string, interface{}) core.ILogger     { return noopLogger{} }
func (noopLogger) WithFields(map[string]interface{}) core.ILogger { return noopLogger{} }
