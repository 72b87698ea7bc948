package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/internal/grid"
	"dca_engine/internal/repository"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/telemetry"
	"dca_engine/pkg/tradingutils"
)

// shiftInterval throttles grid reconstruction
const shiftInterval = 15 * time.Second

// Shifter tracks upward price drift and rebuilds the unfilled ladder when
// the market runs away from rung 0. Driven from the supervisor's ticker
// loop, one instance per bot.
type Shifter struct {
	config   *core.BotConfig
	market   *core.Market
	exchange core.IExchange
	store    *repository.Store
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	lastShift time.Time
	now       func() time.Time
}

func NewShifter(config *core.BotConfig, market *core.Market, exchange core.IExchange, store *repository.Store, logger core.ILogger) *Shifter {
	return &Shifter{
		config:   config,
		market:   market,
		exchange: exchange,
		store:    store,
		logger:   logger.WithField("component", "grid_shifter").WithField("config_id", config.ID.String()),
		metrics:  telemetry.GetGlobalMetrics(),
		now:      time.Now,
	}
}

// OnTick checks the drift condition and shifts when warranted. Returns
// true when a shift was performed.
func (s *Shifter) OnTick(ctx context.Context, price decimal.Decimal) (bool, error) {
	if s.now().Sub(s.lastShift) < shiftInterval {
		return false, nil
	}

	shifted := false
	err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
		cycle, err := tx.GetOpenCycleForUpdate(ctx, s.config.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		rung0, err := tx.GetOrderByCycleAndIndex(ctx, cycle.ID, 0)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if rung0.Status == core.OrderStatusFilled {
			return nil
		}

		reference := cycle.InitialFirstOrderPrice
		if !reference.IsPositive() {
			reference = rung0.Price
		}
		if !reference.IsPositive() {
			return nil
		}

		idealEntry := tradingutils.ApplyPct(price, s.config.FirstOrderOffsetPct.Neg())
		drift := idealEntry.Sub(reference).Div(reference).Mul(decimal.NewFromInt(100))
		if drift.LessThan(s.config.GridShiftThresholdPct) {
			return nil
		}

		s.logger.Info("upward drift detected, shifting grid",
			"price", price, "reference", reference, "drift_pct", drift)

		if err := s.rebuild(ctx, tx, cycle, price); err != nil {
			return err
		}
		shifted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if shifted {
		s.lastShift = s.now()
		if s.metrics.GridShiftsTotal != nil {
			s.metrics.GridShiftsTotal.Add(ctx, 1)
		}
	}
	return shifted, nil
}

func (s *Shifter) rebuild(ctx context.Context, tx *repository.Tx, cycle *core.Cycle, price decimal.Decimal) error {
	// Cancel resting rungs on the exchange, then drop their rows
	resting, err := tx.ListOrdersByStatus(ctx, cycle.ID,
		core.OrderStatusActive, core.OrderStatusPartial, core.OrderStatusPending)
	if err != nil {
		return err
	}
	for _, o := range resting {
		if o.OrderType != core.OrderTypeBuySafety || o.ExchangeOrderID == "" {
			continue
		}
		if err := s.exchange.CancelOrder(ctx, o.ExchangeOrderID, s.config.Symbol); err != nil {
			s.logger.Warn("failed to cancel rung during shift",
				"exchange_order_id", o.ExchangeOrderID, "error", err)
		}
	}
	if _, err := tx.DeleteUnfilledSafetyOrders(ctx, cycle.ID); err != nil {
		return err
	}

	rungs, err := grid.Calculate(grid.Input{
		CurrentPrice:        price,
		TotalBudget:         s.config.TotalBudget,
		GridLevels:          s.config.GridLevels,
		GridLengthPct:       s.config.GridLengthPct,
		FirstOrderOffsetPct: s.config.FirstOrderOffsetPct,
		VolumeScalePct:      s.config.VolumeScalePct,
		AmountPrecision:     s.market.AmountPrecision,
		PricePrecision:      s.market.PricePrecision,
	})
	if err != nil {
		return err
	}

	rows := make([]*core.Order, 0, len(rungs))
	for _, r := range rungs {
		rows = append(rows, &core.Order{
			ID:         uuid.New(),
			CycleID:    cycle.ID,
			OrderType:  core.OrderTypeBuySafety,
			OrderIndex: r.Index,
			Price:      r.Price,
			Amount:     r.AmountBase,
			Status:     core.OrderStatusPending,
		})
	}
	if err := tx.InsertOrders(ctx, rows); err != nil {
		return err
	}

	first := rows[0]
	placed, err := s.exchange.CreateOrder(ctx, s.config.Symbol, core.OrderKindLimit, core.SideBuy, first.Amount, first.Price)
	if err != nil {
		return &apperrors.OrderCreationError{Symbol: s.config.Symbol, Side: string(core.SideBuy), Err: err}
	}
	first.ExchangeOrderID = placed.ExchangeOrderID
	first.Status = core.OrderStatusActive
	if err := tx.UpdateOrder(ctx, first); err != nil {
		return err
	}

	cycle.InitialFirstOrderPrice = first.Price
	if err := tx.UpdateCycle(ctx, cycle); err != nil {
		return err
	}

	s.logger.Info("grid shifted", "new_first_price", first.Price,
		"rungs", len(rows), "exchange_order_id", placed.ExchangeOrderID)
	return nil
}
