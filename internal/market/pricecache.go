// Package market holds shared market-data state for the engine.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
)

// DefaultMaxAge is how old a cached price may be before callers should
// fall back to a REST fetch.
const DefaultMaxAge = 10 * time.Second

type entry struct {
	price decimal.Decimal
	at    time.Time
}

// PriceCache is the last-trade price per symbol, fed by the ticker streams
// and read by every supervisor on its symbol. Safe for concurrent use.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

func NewPriceCache() *PriceCache {
	return &PriceCache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Set records the latest price for symbol
func (c *PriceCache) Set(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = entry{price: price, at: c.now()}
}

// Get returns the cached price and whether one exists
func (c *PriceCache) Get(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	return e.price, ok
}

// Age returns how long ago the symbol's price was updated
func (c *PriceCache) Age(symbol string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok {
		return 0, false
	}
	return c.now().Sub(e.at), true
}

// GetFresh returns the cached price when it is younger than maxAge;
// otherwise it fetches the ticker over REST and records the result.
func (c *PriceCache) GetFresh(ctx context.Context, ex core.IExchange, symbol string, maxAge time.Duration) (decimal.Decimal, error) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.at) <= maxAge {
		return e.price, nil
	}

	t, err := ex.FetchTicker(ctx, symbol)
	if err != nil {
		if ok {
			// Stale beats nothing while the stream recovers
			return e.price, nil
		}
		return decimal.Zero, err
	}
	c.Set(symbol, t.Last)
	return t.Last, nil
}
