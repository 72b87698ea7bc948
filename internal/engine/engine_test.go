package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca_engine/internal/core"
	"dca_engine/internal/market"
	"dca_engine/internal/mock"
	"dca_engine/internal/repository"
	apperrors "dca_engine/pkg/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testMarket() *core.Market {
	return &core.Market{
		Symbol:          "ETH/USDT",
		BaseAsset:       "ETH",
		QuoteAsset:      "USDT",
		AmountPrecision: 4,
		PricePrecision:  2,
		MinNotional:     d("5"),
		TakerFeeRate:    d("0.001"),
	}
}

func testConfig() *core.BotConfig {
	return &core.BotConfig{
		ID:                    uuid.New(),
		UserID:                uuid.New(),
		Symbol:                "ETH/USDT",
		TotalBudget:           d("100"),
		GridLevels:            5,
		GridLengthPct:         d("5"),
		FirstOrderOffsetPct:   d("0.5"),
		VolumeScalePct:        d("40"),
		GridShiftThresholdPct: d("0.6"),
		TakeProfitPct:         d("1.2"),
		TrailingEnabled:       false,
		TrailingCallbackPct:   d("0.8"),
		TrailingMinProfitPct:  d("1.0"),
		IsActive:              true,
	}
}

type bot struct {
	sup   *Supervisor
	ex    *mock.Exchange
	store *repository.Store
	cfg   *core.BotConfig
}

func newTestBot(t *testing.T, cfg *core.BotConfig) *bot {
	t.Helper()
	ctx := context.Background()

	store, err := repository.Open(ctx, "sqlite3", ":memory:", noopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.WithTx(ctx, func(tx *repository.Tx) error {
		return tx.CreateConfig(ctx, cfg)
	}))

	ex := mock.NewExchange("mock")
	ex.SetMarket(testMarket())
	ex.SetBalance("USDT", d("1000"))
	ex.SetPrice("ETH/USDT", d("3000"))

	sup := NewSupervisor(cfg, testMarket(), ex, store, market.NewPriceCache(), noopLogger{})
	return &bot{sup: sup, ex: ex, store: store, cfg: cfg}
}

func (b *bot) openCycle(t *testing.T) *core.Cycle {
	t.Helper()
	ctx := context.Background()
	var cycle *core.Cycle
	require.NoError(t, b.store.WithTx(ctx, func(tx *repository.Tx) error {
		c, err := tx.GetOpenCycle(ctx, b.cfg.ID)
		if err != nil {
			return err
		}
		cycle = c
		return nil
	}))
	return cycle
}

func (b *bot) orders(t *testing.T, cycleID uuid.UUID, statuses ...core.OrderStatus) []*core.Order {
	t.Helper()
	ctx := context.Background()
	var out []*core.Order
	require.NoError(t, b.store.WithTx(ctx, func(tx *repository.Tx) error {
		o, err := tx.ListOrdersByStatus(ctx, cycleID, statuses...)
		if err != nil {
			return err
		}
		out = o
		return nil
	}))
	return out
}

func TestStartFirstCycle(t *testing.T) {
	b := newTestBot(t, testConfig())
	ctx := context.Background()

	require.NoError(t, b.sup.StartFirstCycle(ctx))

	cycle := b.openCycle(t)
	assert.True(t, cycle.InitialFirstOrderPrice.Equal(d("2985")), "got %s", cycle.InitialFirstOrderPrice)

	all := b.orders(t, cycle.ID, core.OrderStatusPending, core.OrderStatusActive)
	require.Len(t, all, 5)

	active := b.orders(t, cycle.ID, core.OrderStatusActive)
	require.Len(t, active, 1, "only rung 0 is live")
	assert.Equal(t, 0, active[0].OrderIndex)
	assert.NotEmpty(t, active[0].ExchangeOrderID)
	assert.True(t, active[0].Price.Equal(d("2985")))
}

func TestStartFirstCycleInsufficientBalance(t *testing.T) {
	b := newTestBot(t, testConfig())
	b.ex.SetBalance("USDT", d("5"))

	err := b.sup.StartFirstCycle(context.Background())
	require.Error(t, err)
	var insufficientErr *apperrors.InsufficientBalanceError
	assert.ErrorAs(t, err, &insufficientErr)
}

func TestStartFirstCycleCapsBudgetToFreeBalance(t *testing.T) {
	cfg := testConfig()
	b := newTestBot(t, cfg)
	b.ex.SetBalance("USDT", d("50"))
	ctx := context.Background()

	require.NoError(t, b.sup.StartFirstCycle(ctx))

	full := newTestBot(t, testConfig())
	require.NoError(t, full.sup.StartFirstCycle(ctx))

	capped := b.orders(t, b.openCycle(t).ID, core.OrderStatusActive)[0]
	uncapped := full.orders(t, full.openCycle(t).ID, core.OrderStatusActive)[0]
	assert.True(t, capped.Amount.LessThan(uncapped.Amount),
		"rung sized off min(budget, free*0.99): %s vs %s", capped.Amount, uncapped.Amount)
}

// buyFill builds the first-rung fill update matching the live order
func buyFill(o *core.Order) *core.OrderUpdate {
	filled := d("0.0033")
	return &core.OrderUpdate{
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          "ETH/USDT",
		Side:            core.SideBuy,
		Kind:            core.OrderKindLimit,
		Status:          "closed",
		Price:           d("2985"),
		Amount:          o.Amount,
		Filled:          filled,
		Remaining:       decimal.Zero,
		Cost:            d("9.8505"),
		Fee:             &core.Fee{Cost: d("0.0000033"), Currency: "ETH"},
		Timestamp:       time.Now(),
	}
}

func TestBuyFillUpdatesCycleAndPlacesTP(t *testing.T) {
	b := newTestBot(t, testConfig())
	ctx := context.Background()
	require.NoError(t, b.sup.StartFirstCycle(ctx))

	cycle := b.openCycle(t)
	rung0 := b.orders(t, cycle.ID, core.OrderStatusActive)[0]
	b.ex.SetBalance("ETH", d("0.0032967"))

	outcome, err := b.sup.lifecycle.HandleFill(ctx, buyFill(rung0))
	require.NoError(t, err)
	require.True(t, outcome.Processed)
	assert.False(t, outcome.CycleClosed)

	cycle = b.openCycle(t)
	assert.True(t, cycle.TotalBaseQty.Equal(d("0.0032967")), "got %s", cycle.TotalBaseQty)
	assert.True(t, cycle.TotalQuoteSpent.Equal(d("9.8505")))

	// avg = spent / qty
	diff := cycle.AvgPrice.Sub(cycle.TotalQuoteSpent.Div(cycle.TotalBaseQty)).Abs()
	assert.True(t, diff.LessThan(d("0.00000001")))

	// A TP is live above the average and sized off the free balance + dust
	require.NotEmpty(t, cycle.CurrentTPOrderID)
	assert.True(t, cycle.CurrentTPPrice.GreaterThan(cycle.AvgPrice))
	require.NotNil(t, outcome.TPParams)
	assert.True(t, outcome.TPParams.EffectiveTPPct.GreaterThanOrEqual(b.cfg.TakeProfitPct))

	tps := b.orders(t, cycle.ID, core.OrderStatusActive)
	var tp, nextRung *core.Order
	for _, o := range tps {
		if o.OrderType == core.OrderTypeSellTP {
			tp = o
		} else if o.OrderIndex == 1 {
			nextRung = o
		}
	}
	require.NotNil(t, tp, "SELL_TP must be active")
	assert.True(t, tp.Amount.Equal(d("0.0032")), "sellable truncated to precision, got %s", tp.Amount)
	assert.True(t, cycle.AccumulatedDust.Equal(d("0.0000967")), "got %s", cycle.AccumulatedDust)

	require.NotNil(t, nextRung, "next safety rung placed after fill")
	assert.NotEmpty(t, nextRung.ExchangeOrderID)
}

func TestBuyFillIdempotent(t *testing.T) {
	b := newTestBot(t, testConfig())
	ctx := context.Background()
	require.NoError(t, b.sup.StartFirstCycle(ctx))

	rung0 := b.orders(t, b.openCycle(t).ID, core.OrderStatusActive)[0]
	b.ex.SetBalance("ETH", d("0.0032967"))
	fill := buyFill(rung0)

	first, err := b.sup.lifecycle.HandleFill(ctx, fill)
	require.NoError(t, err)
	require.True(t, first.Processed)
	after := b.openCycle(t)

	second, err := b.sup.lifecycle.HandleFill(ctx, fill)
	require.NoError(t, err)
	assert.False(t, second.Processed, "redelivery must be a no-op")

	again := b.openCycle(t)
	assert.True(t, again.TotalBaseQty.Equal(after.TotalBaseQty))
	assert.True(t, again.TotalQuoteSpent.Equal(after.TotalQuoteSpent))
	assert.Equal(t, after.CurrentTPOrderID, again.CurrentTPOrderID)
}

// failSecondCreate lets the first order placement of a handler through and
// fails the one after it
type failSecondCreate struct {
	*mock.Exchange
	calls int
}

func (f *failSecondCreate) CreateOrder(ctx context.Context, symbol string, kind core.OrderKind, side core.Side, amount, price decimal.Decimal) (*core.OrderUpdate, error) {
	f.calls++
	if f.calls == 2 {
		return nil, errors.New("exchange unavailable")
	}
	return f.Exchange.CreateOrder(ctx, symbol, kind, side, amount, price)
}

func sellOrders(t *testing.T, ex *mock.Exchange) []core.OrderUpdate {
	t.Helper()
	open, err := ex.FetchOpenOrders(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	var sells []core.OrderUpdate
	for _, o := range open {
		if o.Side == core.SideSell {
			sells = append(sells, o)
		}
	}
	return sells
}

func TestBuyFillNextRungFailureLeavesNoOrphanTP(t *testing.T) {
	b := newTestBot(t, testConfig())
	ctx := context.Background()
	require.NoError(t, b.sup.StartFirstCycle(ctx))

	cycle := b.openCycle(t)
	rung0 := b.orders(t, cycle.ID, core.OrderStatusActive)[0]
	b.ex.SetBalance("ETH", d("0.0032967"))

	// TP placement succeeds, the next-rung placement right after it fails
	flaky := &failSecondCreate{Exchange: b.ex}
	lc := NewLifecycle(b.cfg, testMarket(), flaky, b.store, noopLogger{})
	_, err := lc.HandleFill(ctx, buyFill(rung0))
	require.Error(t, err)

	// The rollback erased the TP locally; the exchange side must match
	assert.Empty(t, sellOrders(t, b.ex), "no sell may survive the rollback")
	assert.Empty(t, b.openCycle(t).CurrentTPOrderID)

	// The redelivered fill replays cleanly and ends with exactly one TP
	outcome, err := b.sup.lifecycle.HandleFill(ctx, buyFill(rung0))
	require.NoError(t, err)
	require.True(t, outcome.Processed)

	sells := sellOrders(t, b.ex)
	require.Len(t, sells, 1, "exactly one live sell after replay")
	assert.Equal(t, b.openCycle(t).CurrentTPOrderID, sells[0].ExchangeOrderID)
}

func TestSecondBuyFillReplacesTP(t *testing.T) {
	b := newTestBot(t, testConfig())
	ctx := context.Background()
	require.NoError(t, b.sup.StartFirstCycle(ctx))

	cycle := b.openCycle(t)
	rung0 := b.orders(t, cycle.ID, core.OrderStatusActive)[0]
	b.ex.SetBalance("ETH", d("0.0032967"))
	_, err := b.sup.lifecycle.HandleFill(ctx, buyFill(rung0))
	require.NoError(t, err)

	oldTP := b.openCycle(t).CurrentTPOrderID
	require.NotEmpty(t, oldTP)

	// Fill rung 1 at its limit price
	var rung1 *core.Order
	for _, o := range b.orders(t, cycle.ID, core.OrderStatusActive) {
		if o.OrderType == core.OrderTypeBuySafety && o.OrderIndex == 1 {
			rung1 = o
		}
	}
	require.NotNil(t, rung1)
	update, err := b.ex.FillOrder(rung1.ExchangeOrderID)
	require.NoError(t, err)
	b.ex.SetBalance("ETH", d("0.0074"))

	_, err = b.sup.lifecycle.HandleFill(ctx, update)
	require.NoError(t, err)

	cycle = b.openCycle(t)
	assert.NotEqual(t, oldTP, cycle.CurrentTPOrderID, "TP must be replaced")
	assert.Contains(t, b.ex.CanceledOrders(), oldTP, "old TP canceled on exchange")

	var activeTPs int
	for _, o := range b.orders(t, cycle.ID, core.OrderStatusActive) {
		if o.OrderType == core.OrderTypeSellTP {
			activeTPs++
		}
	}
	assert.Equal(t, 1, activeTPs, "exactly one live SELL_TP")
}

func TestTPFillClosesCycle(t *testing.T) {
	b := newTestBot(t, testConfig())
	ctx := context.Background()
	require.NoError(t, b.sup.StartFirstCycle(ctx))

	cycle := b.openCycle(t)
	rung0 := b.orders(t, cycle.ID, core.OrderStatusActive)[0]
	b.ex.SetBalance("ETH", d("0.0032967"))
	_, err := b.sup.lifecycle.HandleFill(ctx, buyFill(rung0))
	require.NoError(t, err)

	cycle = b.openCycle(t)
	tpUpdate, err := b.ex.FillOrder(cycle.CurrentTPOrderID)
	require.NoError(t, err)

	outcome, err := b.sup.lifecycle.HandleFill(ctx, tpUpdate)
	require.NoError(t, err)
	require.True(t, outcome.Processed)
	assert.True(t, outcome.CycleClosed)

	var closed *core.Cycle
	require.NoError(t, b.store.WithTx(ctx, func(tx *repository.Tx) error {
		c, err := tx.GetCycle(ctx, cycle.ID)
		if err != nil {
			return err
		}
		closed = c
		return nil
	}))
	assert.Equal(t, core.CycleStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	assert.True(t, closed.AccumulatedDust.IsZero(), "dust resets on close")

	// received = cost - fee; profit = received - spent
	fee := tpUpdate.Cost.Mul(d("0.001"))
	wantProfit := tpUpdate.Cost.Sub(fee).Sub(closed.TotalQuoteSpent)
	assert.True(t, closed.ProfitQuote.Equal(wantProfit), "got %s want %s", closed.ProfitQuote, wantProfit)

	// Resting rung canceled
	assert.Empty(t, b.orders(t, cycle.ID, core.OrderStatusActive))
}

func TestGridShift(t *testing.T) {
	b := newTestBot(t, testConfig())
	ctx := context.Background()
	require.NoError(t, b.sup.StartFirstCycle(ctx))

	cycle := b.openCycle(t)
	oldRung0 := b.orders(t, cycle.ID, core.OrderStatusActive)[0]

	// 3060 -> ideal entry 3044.70; drift vs 2985 = 2.0% >= 0.6%
	shifted, err := b.sup.shifter.OnTick(ctx, d("3060"))
	require.NoError(t, err)
	require.True(t, shifted)

	cycle = b.openCycle(t)
	assert.True(t, cycle.InitialFirstOrderPrice.Equal(d("3044.7")), "got %s", cycle.InitialFirstOrderPrice)
	assert.Contains(t, b.ex.CanceledOrders(), oldRung0.ExchangeOrderID)

	all := b.orders(t, cycle.ID, core.OrderStatusPending, core.OrderStatusActive)
	require.Len(t, all, 5, "grid fully reconstructed")
	active := b.orders(t, cycle.ID, core.OrderStatusActive)
	require.Len(t, active, 1)
	assert.True(t, active[0].Price.Equal(d("3044.7")))

	// Throttled: an immediate second tick is a no-op
	shifted, err = b.sup.shifter.OnTick(ctx, d("3120"))
	require.NoError(t, err)
	assert.False(t, shifted)
}

func TestGridShiftSkipsBelowThreshold(t *testing.T) {
	b := newTestBot(t, testConfig())
	ctx := context.Background()
	require.NoError(t, b.sup.StartFirstCycle(ctx))

	// 3010 -> ideal 2994.95; drift 0.33% < 0.6%
	shifted, err := b.sup.shifter.OnTick(ctx, d("3010"))
	require.NoError(t, err)
	assert.False(t, shifted)
}

func TestGridShiftSkipsWhenRung0Filled(t *testing.T) {
	b := newTestBot(t, testConfig())
	ctx := context.Background()
	require.NoError(t, b.sup.StartFirstCycle(ctx))

	cycle := b.openCycle(t)
	rung0 := b.orders(t, cycle.ID, core.OrderStatusActive)[0]
	b.ex.SetBalance("ETH", d("0.0032967"))
	_, err := b.sup.lifecycle.HandleFill(ctx, buyFill(rung0))
	require.NoError(t, err)

	shifted, err := b.sup.shifter.OnTick(ctx, d("3060"))
	require.NoError(t, err)
	assert.False(t, shifted, "no shift once inventory accumulated")
}
