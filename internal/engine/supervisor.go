package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"dca_engine/internal/alert"
	"dca_engine/internal/core"
	"dca_engine/internal/grid"
	"dca_engine/internal/market"
	"dca_engine/internal/repository"
	"dca_engine/internal/risk"
	"dca_engine/internal/trading/accounting"
	"dca_engine/internal/trading/takeprofit"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/telemetry"
	"dca_engine/pkg/tradingutils"
)

const (
	// tpUpdateInterval rate-limits replacements of the same cycle's TP
	tpUpdateInterval = 10 * time.Second
	// restartGrace lets the exchange release order state between cycles
	restartGrace = 500 * time.Millisecond
	// streamBackoff before resubscribing a failed stream
	streamBackoff = 5 * time.Second
	// stopWait bounds how long Stop waits for the loops to drain
	stopWait = 5 * time.Second
)

var (
	// minTradingAmount is the least free quote needed to start a cycle
	minTradingAmount = decimal.NewFromInt(10)
	// balanceReservePct keeps headroom for fees when capping the budget
	balanceReservePct = decimal.RequireFromString("0.99")
)

// Supervisor owns the live trading activity for one bot config: the order
// stream, the ticker stream, and everything they drive. Each bot holds its
// own authenticated exchange session; supervisors never share one.
type Supervisor struct {
	config   *core.BotConfig
	marketMd *core.Market
	exchange core.IExchange
	store    *repository.Store
	prices   *market.PriceCache
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	lifecycle *Lifecycle
	shifter   *Shifter
	trailer   *takeprofit.Trailer
	alerts    *alert.AlertManager

	mu           sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	stopOnce     sync.Once
	lastTPUpdate time.Time

	now           func() time.Time
	restartGrace  time.Duration
	streamBackoff time.Duration
}

func NewSupervisor(config *core.BotConfig, marketMd *core.Market, exchange core.IExchange, store *repository.Store, prices *market.PriceCache, logger core.ILogger) *Supervisor {
	log := logger.WithField("component", "bot_supervisor").
		WithField("config_id", config.ID.String()).
		WithField("symbol", config.Symbol)

	s := &Supervisor{
		config:        config,
		marketMd:      marketMd,
		exchange:      exchange,
		store:         store,
		prices:        prices,
		logger:        log,
		metrics:       telemetry.GetGlobalMetrics(),
		lifecycle:     NewLifecycle(config, marketMd, exchange, store, logger),
		shifter:       NewShifter(config, marketMd, exchange, store, logger),
		now:           time.Now,
		restartGrace:  restartGrace,
		streamBackoff: streamBackoff,
	}
	if config.TrailingEnabled {
		atr := risk.NewATRProvider(exchange, logger)
		s.trailer = takeprofit.NewTrailer(config.Symbol, config.TrailingCallbackPct, config.TrailingMinProfitPct, atr, logger)
	}
	return s
}

// ConfigID identifies the bot this supervisor runs
func (s *Supervisor) ConfigID() uuid.UUID { return s.config.ID }

// Prices exposes the cache this supervisor's ticker loop writes into.
// The cache is shared across all supervisors so readers can price any
// symbol for unrealized-profit display.
func (s *Supervisor) Prices() *market.PriceCache { return s.prices }

// SetAlerter attaches an operator alert sink. Optional; nil disables it.
func (s *Supervisor) SetAlerter(am *alert.AlertManager) { s.alerts = am }

// StartFirstCycle opens a fresh cycle: computes the grid against the
// current price, persists the cycle and all rungs, and places rung 0.
// Everything commits in one transaction; an exchange failure rolls back.
func (s *Supervisor) StartFirstCycle(ctx context.Context) error {
	freeQuote, err := s.exchange.FetchFreeBalance(ctx, s.marketMd.QuoteAsset)
	if err != nil {
		return err
	}
	if freeQuote.LessThan(minTradingAmount) {
		return &apperrors.InsufficientBalanceError{
			Required:  minTradingAmount,
			Available: freeQuote,
			Asset:     s.marketMd.QuoteAsset,
		}
	}
	effectiveBudget := decimal.Min(s.config.TotalBudget, freeQuote.Mul(balanceReservePct))

	ticker, err := s.exchange.FetchTicker(ctx, s.config.Symbol)
	if err != nil {
		return err
	}

	rungs, err := grid.Calculate(grid.Input{
		CurrentPrice:        ticker.Last,
		TotalBudget:         effectiveBudget,
		GridLevels:          s.config.GridLevels,
		GridLengthPct:       s.config.GridLengthPct,
		FirstOrderOffsetPct: s.config.FirstOrderOffsetPct,
		VolumeScalePct:      s.config.VolumeScalePct,
		AmountPrecision:     s.marketMd.AmountPrecision,
		PricePrecision:      s.marketMd.PricePrecision,
	})
	if err != nil {
		return err
	}

	err = s.store.WithTx(ctx, func(tx *repository.Tx) error {
		cycle := &core.Cycle{
			ID:                     uuid.New(),
			ConfigID:               s.config.ID,
			Status:                 core.CycleStatusOpen,
			InitialFirstOrderPrice: rungs[0].Price,
		}
		if err := tx.CreateCycle(ctx, cycle); err != nil {
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
		return tx.SetConfigActive(ctx, s.config.ID, true)
	})
	if err != nil {
		return err
	}

	if s.trailer != nil {
		s.trailer.Reset()
	}
	if s.metrics.CyclesOpenedTotal != nil {
		s.metrics.CyclesOpenedTotal.Add(ctx, 1)
	}
	s.logger.Info("cycle started", "budget", effectiveBudget,
		"first_price", rungs[0].Price, "rungs", len(rungs))
	return nil
}

// Run starts both stream loops. It returns immediately; Stop tears the
// loops down.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { s.orderLoop(gctx); return nil })
	g.Go(func() error { s.tickerLoop(gctx); return nil })
	go func() {
		_ = g.Wait()
		close(s.done)
	}()
}

// Stop cancels the streams, closes the exchange session and flips the
// config inactive. Safe to call more than once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel, done := s.cancel, s.done
		s.mu.Unlock()

		if cancel != nil {
			cancel()
			select {
			case <-done:
			case <-time.After(stopWait):
				s.logger.Warn("stop timed out waiting for stream loops")
			}
		}
		if err := s.exchange.Close(); err != nil {
			s.logger.Warn("failed to close exchange session", "error", err)
		}

		ctx, ctxCancel := context.WithTimeout(context.Background(), stopWait)
		defer ctxCancel()
		err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
			return tx.SetConfigActive(ctx, s.config.ID, false)
		})
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("failed to deactivate config", "error", err)
		}
		s.logger.Info("supervisor stopped")
	})
}

func (s *Supervisor) orderLoop(ctx context.Context) {
	for {
		ch, err := s.exchange.WatchOrders(ctx, s.config.Symbol)
		if err != nil {
			s.logger.Error("order stream subscribe failed", "error", err)
			if !sleepCtx(ctx, s.streamBackoff) {
				return
			}
			continue
		}
		for u := range ch {
			s.dispatchOrderUpdate(ctx, &u)
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("order stream closed, reconnecting")
		if !sleepCtx(ctx, s.streamBackoff) {
			return
		}
	}
}

func (s *Supervisor) dispatchOrderUpdate(ctx context.Context, u *core.OrderUpdate) {
	switch {
	case u.IsFillEvent():
		s.handleFill(ctx, u)
	case u.IsCanceled():
		s.markCanceled(ctx, u)
	}
}

func (s *Supervisor) handleFill(ctx context.Context, u *core.OrderUpdate) {
	outcome, err := s.lifecycle.HandleFill(ctx, u)
	if err != nil {
		var creationErr *apperrors.OrderCreationError
		switch {
		case errors.As(err, &creationErr):
			// Rolled back; the redelivered event resumes from scratch
			s.logger.Warn("order placement failed during fill, awaiting redelivery", "error", err)
		default:
			s.logger.Error("fill handling failed", "exchange_order_id", u.ExchangeOrderID, "error", err)
		}
		return
	}
	if !outcome.Processed {
		return
	}

	if outcome.TPParams != nil && s.trailer != nil && outcome.Cycle != nil {
		s.trailer.SetTargets(outcome.Cycle.AvgPrice, outcome.Cycle.CurrentTPPrice, outcome.TPParams.EffectiveTPPct)
	}
	if s.metrics != nil && outcome.Cycle != nil {
		qty, _ := outcome.Cycle.TotalBaseQty.Float64()
		s.metrics.SetInventory(s.config.Symbol, qty)
	}

	if outcome.CycleClosed {
		if s.trailer != nil {
			s.trailer.Reset()
		}
		if !sleepCtx(ctx, s.restartGrace) {
			return
		}
		if err := s.StartFirstCycle(ctx); err != nil {
			s.logger.Error("failed to start next cycle", "error", err)
		}
	}
}

func (s *Supervisor) markCanceled(ctx context.Context, u *core.OrderUpdate) {
	err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
		order, err := tx.GetOrderByExchangeIDForUpdate(ctx, u.ExchangeOrderID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if order.Status == core.OrderStatusFilled || order.Status == core.OrderStatusCanceled {
			return nil
		}
		order.Status = core.OrderStatusCanceled
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		s.logger.Warn("failed to record cancellation", "exchange_order_id", u.ExchangeOrderID, "error", err)
	}
}

func (s *Supervisor) tickerLoop(ctx context.Context) {
	for {
		ch, err := s.exchange.WatchTicker(ctx, s.config.Symbol)
		if err != nil {
			s.logger.Error("ticker stream subscribe failed", "error", err)
			if !sleepCtx(ctx, s.streamBackoff) {
				return
			}
			continue
		}
		for t := range ch {
			s.onTick(ctx, t.Last)
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("ticker stream closed, reconnecting")
		if !sleepCtx(ctx, s.streamBackoff) {
			return
		}
	}
}

func (s *Supervisor) onTick(ctx context.Context, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	s.prices.Set(s.config.Symbol, price)

	if _, err := s.shifter.OnTick(ctx, price); err != nil {
		s.logger.Error("grid shift failed", "error", err)
	}

	if s.trailer == nil {
		return
	}
	wasActive := s.trailer.Phase() == takeprofit.PhaseActive
	res := s.trailer.OnTick(ctx, price)
	if !wasActive && s.trailer.Phase() == takeprofit.PhaseActive {
		s.persistTrailingState(ctx)
	}

	switch res.Decision {
	case takeprofit.DecisionExit:
		s.trailingExit(ctx, res.ExitPrice)
	case takeprofit.DecisionEmergency:
		s.emergencyExit(ctx, res.Reason)
	}
}

// trailingExit replaces the TP with a limit sell at the computed exit
// price. Throttled, and guarded against a TP that filled concurrently.
func (s *Supervisor) trailingExit(ctx context.Context, exitPrice decimal.Decimal) {
	if s.now().Sub(s.lastTPUpdate) < tpUpdateInterval {
		return
	}

	err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
		cycle, err := tx.GetOpenCycleForUpdate(ctx, s.config.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		if cycle.CurrentTPOrderID != "" {
			// The TP may have filled while this tick was in flight
			status, err := s.exchange.FetchOrder(ctx, cycle.CurrentTPOrderID, s.config.Symbol)
			if err == nil && status.IsClosed() {
				s.logger.Info("TP filled concurrently, skipping trailing replace")
				return nil
			}
			s.cancelTPRow(ctx, tx, cycle)
		}

		available, err := s.exchange.FetchFreeBalance(ctx, s.marketMd.BaseAsset)
		if err != nil {
			return err
		}
		check, err := accounting.ValidateBaseBalance(available, cycle.TotalBaseQty)
		if err != nil {
			return err
		}
		dust := accounting.ProcessDust(check.AmountToSell, cycle.AccumulatedDust, s.marketMd.AmountPrecision)
		if !tradingutils.CheckMinNotional(dust.Sellable, exitPrice, s.marketMd.MinNotional) {
			return nil
		}

		placed, err := s.exchange.CreateOrder(ctx, s.config.Symbol, core.OrderKindLimit, core.SideSell, dust.Sellable, exitPrice)
		if err != nil {
			return &apperrors.OrderCreationError{Symbol: s.config.Symbol, Side: string(core.SideSell), Err: err}
		}
		row := &core.Order{
			ID:              uuid.New(),
			CycleID:         cycle.ID,
			ExchangeOrderID: placed.ExchangeOrderID,
			OrderType:       core.OrderTypeSellTP,
			OrderIndex:      core.TPOrderIndex,
			Price:           exitPrice,
			Amount:          dust.Sellable,
			Status:          core.OrderStatusActive,
		}
		if err := tx.InsertOrder(ctx, row); err != nil {
			return err
		}
		cycle.AccumulatedDust = dust.NewDust
		cycle.CurrentTPOrderID = placed.ExchangeOrderID
		cycle.CurrentTPPrice = exitPrice
		applyTrailingSnapshot(cycle, s.trailer.Snapshot())
		return tx.UpdateCycle(ctx, cycle)
	})
	if err != nil {
		s.logger.Error("trailing exit failed", "error", err)
		return
	}

	s.lastTPUpdate = s.now()
	if s.metrics.TPUpdatesTotal != nil {
		s.metrics.TPUpdatesTotal.Add(ctx, 1)
	}
	s.logger.Info("trailing exit placed", "exit_price", exitPrice)
}

// emergencyExit markets out of the whole position. The market sell's fill
// event closes the cycle through the normal SELL_TP path.
func (s *Supervisor) emergencyExit(ctx context.Context, reason string) {
	err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
		cycle, err := tx.GetOpenCycleForUpdate(ctx, s.config.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if cycle.EmergencyExit {
			return nil
		}

		if cycle.CurrentTPOrderID != "" {
			s.cancelTPRow(ctx, tx, cycle)
		}

		available, err := s.exchange.FetchFreeBalance(ctx, s.marketMd.BaseAsset)
		if err != nil {
			return err
		}
		amount := tradingutils.TruncateAmount(available, s.marketMd.AmountPrecision)
		if !amount.IsPositive() {
			s.logger.Error("emergency exit with no free base to sell", "reason", reason)
			return nil
		}

		placed, err := s.exchange.CreateOrder(ctx, s.config.Symbol, core.OrderKindMarket, core.SideSell, amount, decimal.Zero)
		if err != nil {
			return &apperrors.OrderCreationError{Symbol: s.config.Symbol, Side: string(core.SideSell), Err: err}
		}

		now := time.Now().UTC()
		cycle.EmergencyExit = true
		cycle.EmergencyExitReason = reason
		cycle.EmergencyExitTime = &now
		cycle.CurrentTPOrderID = placed.ExchangeOrderID
		cycle.CurrentTPPrice = decimal.Zero
		applyTrailingSnapshot(cycle, s.trailer.Snapshot())
		return tx.UpdateCycle(ctx, cycle)
	})
	if err != nil {
		s.logger.Error("emergency exit failed", "reason", reason, "error", err)
		return
	}

	if s.metrics.EmergencyExitsTotal != nil {
		s.metrics.EmergencyExitsTotal.Add(ctx, 1)
	}
	if s.alerts != nil {
		s.alerts.Alert(ctx, "Emergency market exit", reason, alert.Critical, map[string]string{
			"config_id": s.config.ID.String(),
			"symbol":    s.config.Symbol,
		})
	}
	s.logger.Warn("emergency market exit executed", "reason", reason)
}

func (s *Supervisor) cancelTPRow(ctx context.Context, tx *repository.Tx, cycle *core.Cycle) {
	if err := s.exchange.CancelOrder(ctx, cycle.CurrentTPOrderID, s.config.Symbol); err != nil {
		s.logger.Warn("failed to cancel TP on exchange", "error",
			&apperrors.OrderCancellationError{ExchangeOrderID: cycle.CurrentTPOrderID, Err: err})
	}
	old, err := tx.GetOrderByExchangeIDForUpdate(ctx, cycle.CurrentTPOrderID)
	if err == nil && old.Status != core.OrderStatusFilled {
		old.Status = core.OrderStatusCanceled
		if err := tx.UpdateOrder(ctx, old); err != nil {
			s.logger.Warn("failed to mark TP canceled", "error", err)
		}
	}
	cycle.CurrentTPOrderID = ""
	cycle.CurrentTPPrice = decimal.Zero
}

func (s *Supervisor) persistTrailingState(ctx context.Context) {
	err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
		cycle, err := tx.GetOpenCycleForUpdate(ctx, s.config.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		applyTrailingSnapshot(cycle, s.trailer.Snapshot())
		return tx.UpdateCycle(ctx, cycle)
	})
	if err != nil {
		s.logger.Warn("failed to persist trailing state", "error", err)
	}
}

func applyTrailingSnapshot(cycle *core.Cycle, snap takeprofit.Snapshot) {
	cycle.TrailingActive = snap.Active
	cycle.MaxPriceTracked = snap.MaxPriceTracked
	cycle.TrailingActivationPrice = snap.ActivationPrice
	cycle.TrailingActivationTime = snap.ActivationTime
}

// sleepCtx sleeps unless the context ends first; false means shut down
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
