package market

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca_engine/internal/mock"
)

func TestSetAndGet(t *testing.T) {
	c := NewPriceCache()

	_, ok := c.Get("ETH/USDT")
	assert.False(t, ok)

	c.Set("ETH/USDT", decimal.NewFromInt(3000))
	p, ok := c.Get("ETH/USDT")
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(3000)))
}

func TestGetFreshUsesCacheInsideMaxAge(t *testing.T) {
	c := NewPriceCache()
	base := time.Now()
	c.now = func() time.Time { return base }

	ex := mock.NewExchange("mock")
	ex.SetPrice("ETH/USDT", decimal.NewFromInt(2990))
	c.Set("ETH/USDT", decimal.NewFromInt(3000))

	p, err := c.GetFresh(context.Background(), ex, "ETH/USDT", DefaultMaxAge)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(3000)), "fresh cache entry must win over REST")
}

func TestGetFreshRefetchesWhenStale(t *testing.T) {
	c := NewPriceCache()
	base := time.Now()
	c.now = func() time.Time { return base }

	ex := mock.NewExchange("mock")
	ex.SetPrice("ETH/USDT", decimal.NewFromInt(2990))
	c.Set("ETH/USDT", decimal.NewFromInt(3000))

	c.now = func() time.Time { return base.Add(time.Minute) }
	p, err := c.GetFresh(context.Background(), ex, "ETH/USDT", DefaultMaxAge)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(2990)))

	// The fetched price is cached again
	got, ok := c.Get("ETH/USDT")
	require.True(t, ok)
	assert.True(t, got.Equal(decimal.NewFromInt(2990)))
}

func TestGetFreshFallsBackToStaleOnFetchError(t *testing.T) {
	c := NewPriceCache()
	base := time.Now()
	c.now = func() time.Time { return base }

	ex := mock.NewExchange("mock") // no ticker seeded, FetchTicker errors
	c.Set("ETH/USDT", decimal.NewFromInt(3000))

	c.now = func() time.Time { return base.Add(time.Minute) }
	p, err := c.GetFresh(context.Background(), ex, "ETH/USDT", DefaultMaxAge)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(3000)))
}

func TestGetFreshErrorsWithNoCacheAndNoTicker(t *testing.T) {
	c := NewPriceCache()
	ex := mock.NewExchange("mock")

	_, err := c.GetFresh(context.Background(), ex, "ETH/USDT", DefaultMaxAge)
	assert.Error(t, err)
}
