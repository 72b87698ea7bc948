package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca_engine/internal/repository"
)

func TestRegistryAddGetRemove(t *testing.T) {
	registry := NewRegistry(nil, noopLogger{})

	b := newTestBot(t, testConfig())
	registry.Add(b.cfg.ID, b.sup)
	assert.Equal(t, 1, registry.Count())
	assert.Same(t, b.sup, registry.Get(b.cfg.ID))

	registry.Remove(b.cfg.ID)
	assert.Equal(t, 0, registry.Count())
	assert.Nil(t, registry.Get(b.cfg.ID))
}

func TestRegistryReplaceStopsOldSupervisor(t *testing.T) {
	registry := NewRegistry(nil, noopLogger{})

	cfg := testConfig()
	old := newTestBot(t, cfg)
	registry.Add(cfg.ID, old.sup)

	replacement := newTestBot(t, cfg)
	registry.Add(cfg.ID, replacement.sup)

	assert.Equal(t, 1, registry.Count())
	assert.Same(t, replacement.sup, registry.Get(cfg.ID))

	// The evictee's detached teardown deactivates its config
	require.Eventually(t, func() bool {
		var active bool
		err := old.store.WithTx(context.Background(), func(tx *repository.Tx) error {
			c, err := tx.GetConfig(context.Background(), cfg.ID)
			if err != nil {
				return err
			}
			active = c.IsActive
			return nil
		})
		return err == nil && !active
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistryStopAll(t *testing.T) {
	registry := NewRegistry(nil, noopLogger{})

	a := newTestBot(t, testConfig())
	b := newTestBot(t, testConfig())
	registry.Add(a.cfg.ID, a.sup)
	registry.Add(b.cfg.ID, b.sup)

	registry.StopAll(2 * time.Second)
	assert.Equal(t, 0, registry.Count())

	// Stop is sync-safe to call again afterwards
	a.sup.Stop()
	b.sup.Stop()
}
