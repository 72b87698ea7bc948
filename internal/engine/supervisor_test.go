package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca_engine/internal/core"
	"dca_engine/internal/repository"
)

func trailingConfig() *core.BotConfig {
	cfg := testConfig()
	cfg.TrailingEnabled = true
	return cfg
}

// fundedBot starts a cycle and processes the first rung fill so there is
// inventory and a live TP
func fundedBot(t *testing.T, cfg *core.BotConfig) *bot {
	t.Helper()
	b := newTestBot(t, cfg)
	ctx := context.Background()
	require.NoError(t, b.sup.StartFirstCycle(ctx))

	rung0 := b.orders(t, b.openCycle(t).ID, core.OrderStatusActive)[0]
	b.ex.SetBalance("ETH", d("0.0032967"))
	_, err := b.sup.lifecycle.HandleFill(ctx, buyFill(rung0))
	require.NoError(t, err)
	return b
}

func TestTrailingExitReplacesTP(t *testing.T) {
	b := fundedBot(t, trailingConfig())
	ctx := context.Background()

	oldTP := b.openCycle(t).CurrentTPOrderID
	require.NotEmpty(t, oldTP)

	b.sup.trailingExit(ctx, d("3030"))

	cycle := b.openCycle(t)
	assert.NotEqual(t, oldTP, cycle.CurrentTPOrderID)
	assert.True(t, cycle.CurrentTPPrice.Equal(d("3030")))
	assert.Contains(t, b.ex.CanceledOrders(), oldTP)
}

func TestTrailingExitRateLimited(t *testing.T) {
	b := fundedBot(t, trailingConfig())
	ctx := context.Background()

	base := time.Now()
	b.sup.now = func() time.Time { return base }
	b.sup.trailingExit(ctx, d("3030"))
	replaced := b.openCycle(t).CurrentTPOrderID

	// 5s later: inside the 10s window, no second replacement
	b.sup.now = func() time.Time { return base.Add(5 * time.Second) }
	b.sup.trailingExit(ctx, d("3025"))
	assert.Equal(t, replaced, b.openCycle(t).CurrentTPOrderID)

	// 11s later: allowed again
	b.sup.now = func() time.Time { return base.Add(11 * time.Second) }
	b.sup.trailingExit(ctx, d("3025"))
	assert.NotEqual(t, replaced, b.openCycle(t).CurrentTPOrderID)
}

func TestTrailingExitSkipsWhenTPFilledConcurrently(t *testing.T) {
	b := fundedBot(t, trailingConfig())
	ctx := context.Background()

	tpID := b.openCycle(t).CurrentTPOrderID
	_, err := b.ex.FillOrder(tpID)
	require.NoError(t, err)

	b.sup.trailingExit(ctx, d("3030"))

	cycle := b.openCycle(t)
	assert.Equal(t, tpID, cycle.CurrentTPOrderID, "filled TP must not be overwritten")
	assert.NotContains(t, b.ex.CanceledOrders(), tpID)
}

func TestEmergencyExitMarketsOut(t *testing.T) {
	b := fundedBot(t, trailingConfig())
	ctx := context.Background()

	oldTP := b.openCycle(t).CurrentTPOrderID
	b.ex.SetBalance("ETH", d("0.0032"))

	b.sup.emergencyExit(ctx, "Dump detected")

	cycle := b.openCycle(t)
	assert.True(t, cycle.EmergencyExit)
	assert.Equal(t, "Dump detected", cycle.EmergencyExitReason)
	require.NotNil(t, cycle.EmergencyExitTime)
	assert.Contains(t, b.ex.CanceledOrders(), oldTP)

	marketOrder := b.ex.Order(cycle.CurrentTPOrderID)
	require.NotNil(t, marketOrder)
	assert.Equal(t, core.OrderKindMarket, marketOrder.Kind)
	assert.Equal(t, "closed", marketOrder.Status)

	// Re-entry is a no-op
	before := cycle.CurrentTPOrderID
	b.sup.emergencyExit(ctx, "Dump detected")
	assert.Equal(t, before, b.openCycle(t).CurrentTPOrderID)
}

// The emergency market sell has no local order row; its fill must close the
// cycle through the synthesized-TP path.
func TestEmergencyFillClosesCycleViaSynthesizedTP(t *testing.T) {
	b := fundedBot(t, trailingConfig())
	ctx := context.Background()

	b.ex.SetBalance("ETH", d("0.0032"))
	b.sup.emergencyExit(ctx, "Dump detected")

	cycle := b.openCycle(t)
	update := b.ex.Order(cycle.CurrentTPOrderID)
	require.NotNil(t, update)

	outcome, err := b.sup.lifecycle.HandleFill(ctx, update)
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
	assert.True(t, closed.EmergencyExit)
}

func TestStopIsIdempotent(t *testing.T) {
	b := newTestBot(t, testConfig())
	ctx := context.Background()
	require.NoError(t, b.sup.StartFirstCycle(ctx))

	b.sup.Run(ctx)
	b.sup.Stop()
	b.sup.Stop()

	var cfg *core.BotConfig
	require.NoError(t, b.store.WithTx(ctx, func(tx *repository.Tx) error {
		c, err := tx.GetConfig(ctx, b.cfg.ID)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	}))
	assert.False(t, cfg.IsActive, "stop deactivates the config")
}
