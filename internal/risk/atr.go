// Package risk holds the volatility measurements backing the trailing
// take-profit: ATR-derived callback scaling and rapid-drop detection.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
)

const (
	// ATRTimeframe and ATRWindow define the bars behind the callback scaling
	ATRTimeframe = "5m"
	ATRWindow    = 14
	// atrCacheTTL bounds how often we hit the OHLCV endpoint per symbol
	atrCacheTTL = 5 * time.Minute
)

// CalculateATRPct computes the average true range over the window as a
// percentage of the last close. TR = Max(H-L, |H-PrevClose|, |L-PrevClose|),
// ATR = SMA(TR, window).
func CalculateATRPct(candles []core.Candle, window int) decimal.Decimal {
	if len(candles) < 2 || window < 1 {
		return decimal.Zero
	}

	var trSum decimal.Decimal
	count := 0
	for i := len(candles) - 1; i > 0 && count < window; i-- {
		current := candles[i]
		prev := candles[i-1]

		tr := current.High.Sub(current.Low)
		if hc := current.High.Sub(prev.Close).Abs(); hc.GreaterThan(tr) {
			tr = hc
		}
		if lc := current.Low.Sub(prev.Close).Abs(); lc.GreaterThan(tr) {
			tr = lc
		}
		trSum = trSum.Add(tr)
		count++
	}
	if count == 0 {
		return decimal.Zero
	}

	atr := trSum.Div(decimal.NewFromInt(int64(count)))
	lastClose := candles[len(candles)-1].Close
	if !lastClose.IsPositive() {
		return decimal.Zero
	}
	return atr.Div(lastClose).Mul(decimal.NewFromInt(100))
}

// ATRProvider fetches OHLCV and caches the resulting ATR% per symbol
type ATRProvider struct {
	exchange core.IExchange
	logger   core.ILogger

	mu      sync.Mutex
	cached  decimal.Decimal
	fetched time.Time

	now func() time.Time
}

// NewATRProvider creates an ATR provider bound to one exchange session
func NewATRProvider(exchange core.IExchange, logger core.ILogger) *ATRProvider {
	return &ATRProvider{
		exchange: exchange,
		logger:   logger.WithField("component", "atr_provider"),
		now:      time.Now,
	}
}

// ATRPct returns the cached ATR% for the symbol, refreshing it when the TTL
// expired. A fetch failure falls back to the previous value; zero means
// "unknown" and callers keep the base callback.
func (p *ATRProvider) ATRPct(ctx context.Context, symbol string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.fetched.IsZero() && p.now().Sub(p.fetched) < atrCacheTTL {
		return p.cached
	}

	candles, err := p.exchange.FetchOHLCV(ctx, symbol, ATRTimeframe, ATRWindow+1)
	if err != nil {
		p.logger.Warn("OHLCV fetch failed, keeping cached ATR", "symbol", symbol, "error", err)
		return p.cached
	}

	p.cached = CalculateATRPct(candles, ATRWindow)
	p.fetched = p.now()
	return p.cached
}
