package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dca_engine/internal/core"
)

const configColumns = `id, user_id, symbol, api_key_encrypted, api_secret_encrypted,
	total_budget, grid_levels, grid_length_pct, first_order_offset_pct,
	volume_scale_pct, grid_shift_threshold_pct, take_profit_pct,
	trailing_enabled, trailing_callback_pct, trailing_min_profit_pct,
	is_active, created_at, updated_at`

// CreateConfig inserts a bot configuration
func (t *Tx) CreateConfig(ctx context.Context, c *core.BotConfig) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := t.tx.ExecContext(ctx, t.rebind(`INSERT INTO bot_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID.String(), c.UserID.String(), c.Symbol, c.APIKeyEncrypted, c.APISecretEncrypted,
		decStr(c.TotalBudget), c.GridLevels, decStr(c.GridLengthPct), decStr(c.FirstOrderOffsetPct),
		decStr(c.VolumeScalePct), decStr(c.GridShiftThresholdPct), decStr(c.TakeProfitPct),
		c.TrailingEnabled, decStr(c.TrailingCallbackPct), decStr(c.TrailingMinProfitPct),
		c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert config: %w", err)
	}
	return nil
}

// GetConfig loads one config by id
func (t *Tx) GetConfig(ctx context.Context, id uuid.UUID) (*core.BotConfig, error) {
	row := t.tx.QueryRowContext(ctx,
		t.rebind(`SELECT `+configColumns+` FROM bot_configs WHERE id = ?`), id.String())
	return scanConfig(row)
}

// ListActiveConfigs returns every config with is_active = true
func (t *Tx) ListActiveConfigs(ctx context.Context) ([]*core.BotConfig, error) {
	rows, err := t.tx.QueryContext(ctx,
		t.rebind(`SELECT `+configColumns+` FROM bot_configs WHERE is_active = ? ORDER BY created_at`), true)
	if err != nil {
		return nil, fmt.Errorf("failed to list active configs: %w", err)
	}
	defer rows.Close()

	var configs []*core.BotConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// SetConfigActive flips the is_active flag
func (t *Tx) SetConfigActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := t.tx.ExecContext(ctx,
		t.rebind(`UPDATE bot_configs SET is_active = ?, updated_at = ? WHERE id = ?`),
		active, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("failed to update config active flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row rowScanner) (*core.BotConfig, error) {
	var (
		c                            core.BotConfig
		id, userID                   string
		budget, lengthPct, offsetPct sql.NullString
		scalePct, shiftPct, tpPct    sql.NullString
		callbackPct, minProfitPct    sql.NullString
	)
	err := row.Scan(&id, &userID, &c.Symbol, &c.APIKeyEncrypted, &c.APISecretEncrypted,
		&budget, &c.GridLevels, &lengthPct, &offsetPct,
		&scalePct, &shiftPct, &tpPct,
		&c.TrailingEnabled, &callbackPct, &minProfitPct,
		&c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid config id %q: %w", id, err)
	}
	c.UserID, err = uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", userID, err)
	}

	c.TotalBudget = fromNullDec(budget)
	c.GridLengthPct = fromNullDec(lengthPct)
	c.FirstOrderOffsetPct = fromNullDec(offsetPct)
	c.VolumeScalePct = fromNullDec(scalePct)
	c.GridShiftThresholdPct = fromNullDec(shiftPct)
	c.TakeProfitPct = fromNullDec(tpPct)
	c.TrailingCallbackPct = fromNullDec(callbackPct)
	c.TrailingMinProfitPct = fromNullDec(minProfitPct)
	return &c, nil
}
