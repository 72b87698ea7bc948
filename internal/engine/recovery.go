package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"dca_engine/internal/core"
	"dca_engine/internal/repository"
	"dca_engine/internal/trading/takeprofit"
	"dca_engine/pkg/concurrency"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/retry"
)

// SupervisorFactory builds a supervisor with its own authenticated
// exchange session for one config
type SupervisorFactory func(ctx context.Context, cfg *core.BotConfig) (*Supervisor, error)

// Recoverer reconciles every active bot with the exchange at startup:
// missed fills are replayed through the normal fill handler, stale rows
// are canceled, closed cycles roll into fresh ones, and each bot's
// supervisor is registered and resumed. A bot that fails recovery is
// deactivated; the rest proceed.
type Recoverer struct {
	store    *repository.Store
	registry *Registry
	factory  SupervisorFactory
	pool     *concurrency.WorkerPool
	logger   core.ILogger
}

func NewRecoverer(store *repository.Store, registry *Registry, factory SupervisorFactory, pool *concurrency.WorkerPool, logger core.ILogger) *Recoverer {
	return &Recoverer{
		store:    store,
		registry: registry,
		factory:  factory,
		pool:     pool,
		logger:   logger.WithField("component", "recovery"),
	}
}

// Run recovers all active configs concurrently and reports the aggregate
func (r *Recoverer) Run(ctx context.Context) (*core.RecoveryStats, error) {
	start := time.Now()

	var configs []*core.BotConfig
	err := r.store.WithTx(ctx, func(tx *repository.Tx) error {
		var err error
		configs, err = tx.ListActiveConfigs(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("recovery started", "active_configs", len(configs))

	stats := &core.RecoveryStats{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, cfg := range configs {
		wg.Add(1)
		c := cfg
		task := func() {
			defer wg.Done()
			if err := r.recoverBot(ctx, c); err != nil {
				r.logger.Error("bot recovery failed, deactivating",
					"config_id", c.ID.String(), "error", &apperrors.RecoveryError{ConfigID: c.ID.String(), Err: err})
				r.deactivate(ctx, c)
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				return
			}
			mu.Lock()
			stats.Recovered++
			mu.Unlock()
		}
		if r.pool != nil {
			if err := r.pool.Submit(task); err != nil {
				go task()
			}
		} else {
			go task()
		}
	}
	wg.Wait()

	stats.Duration = time.Since(start)
	r.logger.Info("recovery finished",
		"recovered", stats.Recovered, "failed", stats.Failed, "duration", stats.Duration)
	return stats, nil
}

func (r *Recoverer) recoverBot(ctx context.Context, cfg *core.BotConfig) error {
	sup, err := r.factory(ctx, cfg)
	if err != nil {
		return err
	}

	cycle, err := r.openCycle(ctx, cfg)
	if err != nil {
		return err
	}

	if cycle != nil {
		if err := r.replayMissedFills(ctx, sup, cycle); err != nil {
			return err
		}
		// The replay may have closed the cycle (a missed TP fill cascades)
		cycle, err = r.openCycle(ctx, cfg)
		if err != nil {
			return err
		}
	}

	if cycle == nil {
		if err := sup.StartFirstCycle(ctx); err != nil {
			return err
		}
	} else if sup.trailer != nil {
		r.restoreTrailing(sup, cycle)
	}

	sup.Run(ctx)
	r.registry.Add(cfg.ID, sup)
	return nil
}

func (r *Recoverer) openCycle(ctx context.Context, cfg *core.BotConfig) (*core.Cycle, error) {
	var cycle *core.Cycle
	err := r.store.WithTx(ctx, func(tx *repository.Tx) error {
		c, err := tx.GetOpenCycle(ctx, cfg.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		cycle = c
		return nil
	})
	return cycle, err
}

// replayMissedFills walks the cycle's live order rows and reconciles each
// against the exchange. Fills that happened while the process was down go
// through the normal fill handler.
func (r *Recoverer) replayMissedFills(ctx context.Context, sup *Supervisor, cycle *core.Cycle) error {
	var orders []*core.Order
	err := r.store.WithTx(ctx, func(tx *repository.Tx) error {
		var err error
		orders, err = tx.ListOrdersByStatus(ctx, cycle.ID,
			core.OrderStatusActive, core.OrderStatusPartial, core.OrderStatusPending)
		return err
	})
	if err != nil {
		return err
	}

	for _, o := range orders {
		if o.ExchangeOrderID == "" {
			continue
		}
		var u *core.OrderUpdate
		err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
			var fetchErr error
			u, fetchErr = sup.exchange.FetchOrder(ctx, o.ExchangeOrderID, sup.config.Symbol)
			return fetchErr
		})
		if err != nil {
			r.logger.Warn("order not found on exchange, marking canceled",
				"exchange_order_id", o.ExchangeOrderID, "error", err)
			r.markCanceled(ctx, sup, o)
			continue
		}
		switch {
		case u.IsFillEvent():
			r.logger.Info("replaying missed fill", "exchange_order_id", o.ExchangeOrderID)
			if _, err := sup.lifecycle.HandleFill(ctx, u); err != nil {
				return err
			}
		case u.IsCanceled():
			r.markCanceled(ctx, sup, o)
		default:
			// Still open; the live stream picks it up from here
		}
	}
	return nil
}

func (r *Recoverer) markCanceled(ctx context.Context, sup *Supervisor, o *core.Order) {
	err := r.store.WithTx(ctx, func(tx *repository.Tx) error {
		row, err := tx.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if row.Status == core.OrderStatusFilled || row.Status == core.OrderStatusCanceled {
			return nil
		}
		row.Status = core.OrderStatusCanceled
		return tx.UpdateOrder(ctx, row)
	})
	if err != nil {
		r.logger.Warn("failed to mark order canceled during recovery",
			"order_id", o.ID.String(), "error", err)
	}
}

// restoreTrailing rehydrates the trailing machine from the persisted
// cycle projection
func (r *Recoverer) restoreTrailing(sup *Supervisor, cycle *core.Cycle) {
	params := takeprofit.Compute(sup.config.TakeProfitPct, cycle.AvgPrice, cycle.TotalQuoteSpent,
		sup.marketMd.AmountPrecision, sup.marketMd.PricePrecision)
	sup.trailer.SetTargets(cycle.AvgPrice, cycle.CurrentTPPrice, params.EffectiveTPPct)
	sup.trailer.Restore(takeprofit.Snapshot{
		Active:          cycle.TrailingActive,
		MaxPriceTracked: cycle.MaxPriceTracked,
		ActivationPrice: cycle.TrailingActivationPrice,
		ActivationTime:  cycle.TrailingActivationTime,
	})
}

func (r *Recoverer) deactivate(ctx context.Context, cfg *core.BotConfig) {
	err := r.store.WithTx(ctx, func(tx *repository.Tx) error {
		return tx.SetConfigActive(ctx, cfg.ID, false)
	})
	if err != nil {
		r.logger.Error("failed to deactivate config after recovery failure",
			"config_id", cfg.ID.String(), "error", err)
	}
}
