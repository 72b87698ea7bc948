// Package engine runs the per-bot trading state machines: fill handling,
// grid shifting, trailing supervision, startup recovery and the process-wide
// supervisor registry.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/internal/repository"
	"dca_engine/internal/trading/accounting"
	"dca_engine/internal/trading/takeprofit"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/telemetry"
	"dca_engine/pkg/tradingutils"
)

// minProfitCheckRatio flags a closed cycle whose realized profit came in
// under half the configured TP
var minProfitCheckRatio = decimal.RequireFromString("0.5")

// FillOutcome tells the supervisor what the fill changed
type FillOutcome struct {
	// Processed is false when the event was a duplicate or unknown order
	Processed bool
	// CycleClosed means a SELL_TP filled and a fresh cycle should start
	CycleClosed bool
	// Cycle is the post-commit cycle state, nil when not Processed
	Cycle *core.Cycle
	// TPParams is set after a buy fill that produced a new TP target
	TPParams *takeprofit.Params
}

// Lifecycle reacts to exchange fill events for one bot. All mutations of a
// single event run inside one repository transaction; the order row is
// locked for the duration so a redelivered event serializes behind us and
// hits the FILLED early-return.
type Lifecycle struct {
	config   *core.BotConfig
	market   *core.Market
	exchange core.IExchange
	store    *repository.Store
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

func NewLifecycle(config *core.BotConfig, market *core.Market, exchange core.IExchange, store *repository.Store, logger core.ILogger) *Lifecycle {
	return &Lifecycle{
		config:   config,
		market:   market,
		exchange: exchange,
		store:    store,
		logger:   logger.WithField("component", "order_lifecycle").WithField("config_id", config.ID.String()),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// HandleFill processes one completed-fill event. Idempotent: a redelivery
// of an already-FILLED order commits nothing.
func (l *Lifecycle) HandleFill(ctx context.Context, u *core.OrderUpdate) (*FillOutcome, error) {
	start := time.Now()
	outcome := &FillOutcome{}

	err := l.store.WithTx(ctx, func(tx *repository.Tx) error {
		order, cycle, err := l.lookupOrder(ctx, tx, u)
		if err != nil {
			return err
		}
		if order == nil {
			l.logger.Warn("fill for unknown order dropped", "exchange_order_id", u.ExchangeOrderID)
			return nil
		}
		if order.Status == core.OrderStatusFilled {
			l.logger.Debug("duplicate fill ignored", "exchange_order_id", u.ExchangeOrderID)
			return nil
		}
		if cycle == nil {
			cycle, err = tx.GetCycle(ctx, order.CycleID)
			if err != nil {
				return fmt.Errorf("failed to load cycle %s: %w", order.CycleID, err)
			}
		}

		outcome.Processed = true
		switch order.OrderType {
		case core.OrderTypeBuySafety:
			err = l.handleBuyFill(ctx, tx, cycle, order, u, outcome)
		case core.OrderTypeSellTP:
			err = l.handleTPFill(ctx, tx, cycle, order, u, outcome)
		default:
			err = fmt.Errorf("unknown order type %q", order.OrderType)
		}
		if err != nil {
			return err
		}
		outcome.Cycle = cycle
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Processed {
		if l.metrics.FillsProcessedTotal != nil {
			l.metrics.FillsProcessedTotal.Add(ctx, 1)
		}
		if l.metrics.LatencyFillToPersist != nil {
			l.metrics.LatencyFillToPersist.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}
	return outcome, nil
}

// lookupOrder locks the order row by exchange id. When the row is missing
// but the open cycle's current_tp_order_id matches, the TP was placed on
// the exchange and its local row lost; synthesize it and continue.
func (l *Lifecycle) lookupOrder(ctx context.Context, tx *repository.Tx, u *core.OrderUpdate) (*core.Order, *core.Cycle, error) {
	order, err := tx.GetOrderByExchangeIDForUpdate(ctx, u.ExchangeOrderID)
	if err == nil {
		return order, nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, err
	}

	cycle, err := tx.GetOpenCycle(ctx, l.config.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if cycle.CurrentTPOrderID != u.ExchangeOrderID {
		return nil, nil, nil
	}

	l.logger.Warn("TP known to cycle but missing locally, synthesizing row",
		"exchange_order_id", u.ExchangeOrderID)
	synth := &core.Order{
		ID:              uuid.New(),
		CycleID:         cycle.ID,
		ExchangeOrderID: u.ExchangeOrderID,
		OrderType:       core.OrderTypeSellTP,
		OrderIndex:      core.TPOrderIndex,
		Price:           u.Price,
		Amount:          u.Amount,
		Status:          core.OrderStatusActive,
	}
	if err := tx.InsertOrder(ctx, synth); err != nil {
		return nil, nil, err
	}
	return synth, cycle, nil
}

func (l *Lifecycle) handleBuyFill(ctx context.Context, tx *repository.Tx, cycle *core.Cycle, order *core.Order, u *core.OrderUpdate, outcome *FillOutcome) error {
	order.Status = core.OrderStatusFilled
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return err
	}

	feeBase := accounting.BuyFeeInBase(u, l.market.BaseAsset, l.market.QuoteAsset)
	netQty := u.Filled.Sub(feeBase)
	cost := accounting.OrderCost(u)

	cycle.TotalBaseQty = cycle.TotalBaseQty.Add(netQty)
	cycle.TotalQuoteSpent = cycle.TotalQuoteSpent.Add(cost)
	if cycle.TotalBaseQty.IsPositive() {
		cycle.AvgPrice = cycle.TotalQuoteSpent.Div(cycle.TotalBaseQty)
	}

	l.logger.Info("safety order filled",
		"order_index", order.OrderIndex, "filled", u.Filled, "cost", cost,
		"fee_base", feeBase, "avg_price", cycle.AvgPrice)

	if cycle.CurrentTPOrderID != "" {
		l.cancelTP(ctx, tx, cycle)
	}

	available, err := l.exchange.FetchFreeBalance(ctx, l.market.BaseAsset)
	if err != nil {
		return fmt.Errorf("failed to fetch free base balance: %w", err)
	}
	check, err := accounting.ValidateBaseBalance(available, cycle.TotalBaseQty)
	if err != nil {
		// Critical deviation: persist the accounting, stop progressing
		var devErr *apperrors.BalanceDeviationError
		if errors.As(err, &devErr) {
			l.logger.Error("critical balance deviation, cycle progression halted",
				"expected", devErr.Expected, "available", devErr.Available,
				"deviation_pct", devErr.DeviationPct)
			return tx.UpdateCycle(ctx, cycle)
		}
		return err
	}
	if check.Level == accounting.DeviationWarning {
		l.logger.Warn("balance deviation above warn threshold",
			"deviation_pct", check.DeviationPct)
	}

	dust := accounting.ProcessDust(check.AmountToSell, cycle.AccumulatedDust, l.market.AmountPrecision)
	cycle.AccumulatedDust = dust.NewDust

	params := takeprofit.Compute(l.config.TakeProfitPct, cycle.AvgPrice, cycle.TotalQuoteSpent,
		l.market.AmountPrecision, l.market.PricePrecision)
	outcome.TPParams = &params

	var placedTP string
	if !tradingutils.CheckMinNotional(dust.Sellable, params.TPPrice, l.market.MinNotional) {
		l.logger.Info("TP below min notional, waiting for more fills",
			"sellable", dust.Sellable, "tp_price", params.TPPrice)
		cycle.CurrentTPOrderID = ""
		cycle.CurrentTPPrice = decimal.Zero
	} else {
		if err := l.placeTP(ctx, tx, cycle, dust.Sellable, params.TPPrice); err != nil {
			return err
		}
		placedTP = cycle.CurrentTPOrderID
	}

	if err := tx.UpdateCycle(ctx, cycle); err != nil {
		l.unwindTP(ctx, placedTP)
		return err
	}

	if err := l.placeNextRung(ctx, tx, cycle, order.OrderIndex+1); err != nil {
		l.unwindTP(ctx, placedTP)
		return err
	}
	return nil
}

// unwindTP cancels a TP placed earlier in a handler whose transaction is
// about to roll back. The rollback erases the TP row and the cycle's pointer
// to it, so the exchange-side order has to go too; otherwise the replayed
// fill would place a second sell against the same position.
func (l *Lifecycle) unwindTP(ctx context.Context, exchangeOrderID string) {
	if exchangeOrderID == "" {
		return
	}
	if err := l.exchange.CancelOrder(ctx, exchangeOrderID, l.config.Symbol); err != nil {
		cerr := &apperrors.OrderCancellationError{ExchangeOrderID: exchangeOrderID, Err: err}
		l.logger.Error("failed to unwind TP after aborted fill handling, sell may be orphaned",
			"exchange_order_id", exchangeOrderID, "error", cerr)
		return
	}
	l.logger.Warn("unwound TP after aborted fill handling", "exchange_order_id", exchangeOrderID)
}

// cancelTP cancels the cycle's live TP before it is replaced. The order may
// have filled concurrently, so a cancel failure is logged and tolerated;
// the fill event for it is either in flight or will be replayed.
func (l *Lifecycle) cancelTP(ctx context.Context, tx *repository.Tx, cycle *core.Cycle) {
	if err := l.exchange.CancelOrder(ctx, cycle.CurrentTPOrderID, l.config.Symbol); err != nil {
		l.logger.Warn("failed to cancel TP on exchange", "error",
			&apperrors.OrderCancellationError{ExchangeOrderID: cycle.CurrentTPOrderID, Err: err})
	}
	old, err := tx.GetOrderByExchangeIDForUpdate(ctx, cycle.CurrentTPOrderID)
	if err == nil && old.Status != core.OrderStatusFilled {
		old.Status = core.OrderStatusCanceled
		if err := tx.UpdateOrder(ctx, old); err != nil {
			l.logger.Warn("failed to mark TP canceled", "error", err)
		}
	}
	cycle.CurrentTPOrderID = ""
	cycle.CurrentTPPrice = decimal.Zero
}

func (l *Lifecycle) placeTP(ctx context.Context, tx *repository.Tx, cycle *core.Cycle, amount, price decimal.Decimal) error {
	placed, err := l.exchange.CreateOrder(ctx, l.config.Symbol, core.OrderKindLimit, core.SideSell, amount, price)
	if err != nil {
		return &apperrors.OrderCreationError{Symbol: l.config.Symbol, Side: string(core.SideSell), Err: err}
	}

	row := &core.Order{
		ID:              uuid.New(),
		CycleID:         cycle.ID,
		ExchangeOrderID: placed.ExchangeOrderID,
		OrderType:       core.OrderTypeSellTP,
		OrderIndex:      core.TPOrderIndex,
		Price:           price,
		Amount:          amount,
		Status:          core.OrderStatusActive,
	}
	if err := tx.InsertOrder(ctx, row); err != nil {
		return err
	}
	cycle.CurrentTPOrderID = placed.ExchangeOrderID
	cycle.CurrentTPPrice = price

	if l.metrics.TPUpdatesTotal != nil {
		l.metrics.TPUpdatesTotal.Add(ctx, 1)
	}
	l.logger.Info("TP placed", "amount", amount, "price", price,
		"exchange_order_id", placed.ExchangeOrderID)
	return nil
}

// placeNextRung activates the next safety order down the ladder. Missing or
// sub-notional rungs are skipped silently; the cycle then progresses only
// through TP fills or a grid shift.
func (l *Lifecycle) placeNextRung(ctx context.Context, tx *repository.Tx, cycle *core.Cycle, index int) error {
	rung, err := tx.GetOrderByCycleAndIndex(ctx, cycle.ID, index)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			l.logger.Info("ladder exhausted, no next rung", "index", index)
			return nil
		}
		return err
	}
	if rung.Status != core.OrderStatusPending {
		return nil
	}
	if !tradingutils.CheckMinNotional(rung.Amount, rung.Price, l.market.MinNotional) {
		l.logger.Info("next rung skipped", "index", index, "reason",
			&apperrors.MinNotionalError{
				Symbol:   l.config.Symbol,
				Notional: rung.Amount.Mul(rung.Price),
				Minimum:  l.market.MinNotional,
			})
		return nil
	}

	placed, err := l.exchange.CreateOrder(ctx, l.config.Symbol, core.OrderKindLimit, core.SideBuy, rung.Amount, rung.Price)
	if err != nil {
		return &apperrors.OrderCreationError{Symbol: l.config.Symbol, Side: string(core.SideBuy), Err: err}
	}
	rung.ExchangeOrderID = placed.ExchangeOrderID
	rung.Status = core.OrderStatusActive
	if err := tx.UpdateOrder(ctx, rung); err != nil {
		return err
	}
	l.logger.Info("next safety order placed", "index", index,
		"price", rung.Price, "exchange_order_id", placed.ExchangeOrderID)
	return nil
}

func (l *Lifecycle) handleTPFill(ctx context.Context, tx *repository.Tx, cycle *core.Cycle, order *core.Order, u *core.OrderUpdate, outcome *FillOutcome) error {
	order.Status = core.OrderStatusFilled
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return err
	}

	// Cancel whatever is still resting for this cycle
	active, err := tx.ListOrdersByStatus(ctx, cycle.ID, core.OrderStatusActive, core.OrderStatusPartial)
	if err != nil {
		return err
	}
	for _, o := range active {
		if o.ExchangeOrderID != "" {
			if err := l.exchange.CancelOrder(ctx, o.ExchangeOrderID, l.config.Symbol); err != nil {
				l.logger.Warn("failed to cancel resting order on cycle close",
					"exchange_order_id", o.ExchangeOrderID, "error", err)
			}
		}
		o.Status = core.OrderStatusCanceled
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
	}

	quoteFee := accounting.SellFeeInQuote(u, l.market.QuoteAsset)
	received := accounting.OrderCost(u).Sub(quoteFee)
	profit := received.Sub(cycle.TotalQuoteSpent)

	if cycle.TotalQuoteSpent.IsPositive() {
		actualPct := profit.Div(cycle.TotalQuoteSpent).Mul(decimal.NewFromInt(100))
		if actualPct.LessThan(minProfitCheckRatio.Mul(l.config.TakeProfitPct)) {
			l.logger.Warn("cycle closed well under target profit",
				"actual_pct", actualPct, "target_pct", l.config.TakeProfitPct)
		}
	}

	now := time.Now().UTC()
	cycle.Status = core.CycleStatusClosed
	cycle.ClosedAt = &now
	cycle.ProfitQuote = profit
	cycle.AccumulatedDust = decimal.Zero
	cycle.CurrentTPOrderID = ""
	if err := tx.UpdateCycle(ctx, cycle); err != nil {
		return err
	}

	outcome.CycleClosed = true
	if l.metrics.CyclesClosedTotal != nil {
		l.metrics.CyclesClosedTotal.Add(ctx, 1)
	}
	if l.metrics.ProfitRealizedTotal != nil {
		pf, _ := profit.Float64()
		l.metrics.ProfitRealizedTotal.Add(ctx, pf)
	}
	l.logger.Info("cycle closed", "cycle_id", cycle.ID.String(),
		"profit_quote", profit, "received", received, "spent", cycle.TotalQuoteSpent)
	return nil
}
