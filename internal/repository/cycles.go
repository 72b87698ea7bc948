package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dca_engine/internal/core"
)

const cycleColumns = `id, config_id, status, total_base_qty, total_quote_spent, avg_price,
	initial_first_order_price, current_tp_order_id, current_tp_price, accumulated_dust,
	trailing_active, max_price_tracked, trailing_activation_price, trailing_activation_time,
	emergency_exit, emergency_exit_reason, emergency_exit_time, profit_quote,
	created_at, closed_at`

// CreateCycle inserts a new OPEN cycle. The one-open-cycle-per-config
// invariant is checked here rather than by a partial index, which SQLite
// lacks in the shape we need.
func (t *Tx) CreateCycle(ctx context.Context, c *core.Cycle) error {
	open, err := t.GetOpenCycle(ctx, c.ConfigID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if open != nil {
		return fmt.Errorf("config %s already has open cycle %s", c.ConfigID, open.ID)
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = core.CycleStatusOpen

	_, err = t.tx.ExecContext(ctx, t.rebind(`INSERT INTO dca_cycles (`+cycleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID.String(), c.ConfigID.String(), string(c.Status),
		decStr(c.TotalBaseQty), decStr(c.TotalQuoteSpent), decStr(c.AvgPrice),
		decStr(c.InitialFirstOrderPrice), nullStr(c.CurrentTPOrderID), decStr(c.CurrentTPPrice),
		decStr(c.AccumulatedDust),
		c.TrailingActive, decStr(c.MaxPriceTracked), decStr(c.TrailingActivationPrice), c.TrailingActivationTime,
		c.EmergencyExit, nullStr(c.EmergencyExitReason), c.EmergencyExitTime, decStr(c.ProfitQuote),
		c.CreatedAt, c.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle: %w", err)
	}
	return nil
}

// GetCycle loads one cycle by id
func (t *Tx) GetCycle(ctx context.Context, id uuid.UUID) (*core.Cycle, error) {
	row := t.tx.QueryRowContext(ctx,
		t.rebind(`SELECT `+cycleColumns+` FROM dca_cycles WHERE id = ?`), id.String())
	return scanCycle(row)
}

// GetOpenCycle returns the config's OPEN cycle or (nil, sql.ErrNoRows)
func (t *Tx) GetOpenCycle(ctx context.Context, configID uuid.UUID) (*core.Cycle, error) {
	row := t.tx.QueryRowContext(ctx, t.rebind(
		`SELECT `+cycleColumns+` FROM dca_cycles
		 WHERE config_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`),
		configID.String(), string(core.CycleStatusOpen))
	return scanCycle(row)
}

// GetOpenCycleForUpdate is GetOpenCycle with the row locked for the rest of
// the transaction. Ticker-path writers use this so a fill committing on the
// order loop cannot be overwritten from a stale read.
func (t *Tx) GetOpenCycleForUpdate(ctx context.Context, configID uuid.UUID) (*core.Cycle, error) {
	q := forUpdate(t.dialect,
		`SELECT `+cycleColumns+` FROM dca_cycles
		 WHERE config_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`)
	row := t.tx.QueryRowContext(ctx, t.rebind(q), configID.String(), string(core.CycleStatusOpen))
	return scanCycle(row)
}

// UpdateCycle writes back every mutable cycle field
func (t *Tx) UpdateCycle(ctx context.Context, c *core.Cycle) error {
	res, err := t.tx.ExecContext(ctx, t.rebind(
		`UPDATE dca_cycles SET status = ?, total_base_qty = ?, total_quote_spent = ?,
			avg_price = ?, initial_first_order_price = ?, current_tp_order_id = ?,
			current_tp_price = ?, accumulated_dust = ?, trailing_active = ?,
			max_price_tracked = ?, trailing_activation_price = ?, trailing_activation_time = ?,
			emergency_exit = ?, emergency_exit_reason = ?, emergency_exit_time = ?,
			profit_quote = ?, closed_at = ?
		 WHERE id = ?`),
		string(c.Status), decStr(c.TotalBaseQty), decStr(c.TotalQuoteSpent),
		decStr(c.AvgPrice), decStr(c.InitialFirstOrderPrice), nullStr(c.CurrentTPOrderID),
		decStr(c.CurrentTPPrice), decStr(c.AccumulatedDust), c.TrailingActive,
		decStr(c.MaxPriceTracked), decStr(c.TrailingActivationPrice), c.TrailingActivationTime,
		c.EmergencyExit, nullStr(c.EmergencyExitReason), c.EmergencyExitTime,
		decStr(c.ProfitQuote), c.ClosedAt,
		c.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update cycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetCycleStats aggregates closed-cycle profit for one config
func (t *Tx) GetCycleStats(ctx context.Context, configID uuid.UUID) (*core.CycleStats, error) {
	stats := &core.CycleStats{ConfigID: configID}

	var count int
	var profit sql.NullString
	err := t.tx.QueryRowContext(ctx, t.rebind(
		`SELECT COUNT(*), COALESCE(SUM(profit_quote), 0) FROM dca_cycles
		 WHERE config_id = ? AND status = ?`),
		configID.String(), string(core.CycleStatusClosed)).Scan(&count, &profit)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate cycle stats: %w", err)
	}
	stats.CompletedCycles = count
	stats.TotalProfitQuote = fromNullDec(profit)

	open, err := t.GetOpenCycle(ctx, configID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if open != nil {
		id := open.ID
		stats.OpenCycleID = &id
	}
	return stats, nil
}

func scanCycle(row rowScanner) (*core.Cycle, error) {
	var (
		c                                  core.Cycle
		id, configID, status               string
		baseQty, quoteSpent, avgPrice      sql.NullString
		initialPrice, tpPrice, dust        sql.NullString
		maxPrice, activationPrice, profit  sql.NullString
		tpOrderID, exitReason              sql.NullString
		activationTime, exitTime, closedAt sql.NullTime
	)
	err := row.Scan(&id, &configID, &status, &baseQty, &quoteSpent, &avgPrice,
		&initialPrice, &tpOrderID, &tpPrice, &dust,
		&c.TrailingActive, &maxPrice, &activationPrice, &activationTime,
		&c.EmergencyExit, &exitReason, &exitTime, &profit,
		&c.CreatedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	c.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid cycle id %q: %w", id, err)
	}
	c.ConfigID, err = uuid.Parse(configID)
	if err != nil {
		return nil, fmt.Errorf("invalid config id %q: %w", configID, err)
	}

	c.Status = core.CycleStatus(status)
	c.TotalBaseQty = fromNullDec(baseQty)
	c.TotalQuoteSpent = fromNullDec(quoteSpent)
	c.AvgPrice = fromNullDec(avgPrice)
	c.InitialFirstOrderPrice = fromNullDec(initialPrice)
	c.CurrentTPOrderID = fromNullStr(tpOrderID)
	c.CurrentTPPrice = fromNullDec(tpPrice)
	c.AccumulatedDust = fromNullDec(dust)
	c.MaxPriceTracked = fromNullDec(maxPrice)
	c.TrailingActivationPrice = fromNullDec(activationPrice)
	c.TrailingActivationTime = fromNullTime(activationTime)
	c.EmergencyExitReason = fromNullStr(exitReason)
	c.EmergencyExitTime = fromNullTime(exitTime)
	c.ProfitQuote = fromNullDec(profit)
	c.ClosedAt = fromNullTime(closedAt)

	if c.TotalBaseQty.IsPositive() && c.AvgPrice.IsZero() && c.TotalQuoteSpent.IsPositive() {
		c.AvgPrice = c.TotalQuoteSpent.Div(c.TotalBaseQty)
	}
	return &c, nil
}
