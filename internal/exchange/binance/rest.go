package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/pkg/tradingutils"
)

// fallbackFeeRate applies when the operator does not configure one
var fallbackFeeRate = decimal.RequireFromString("0.001")

// LoadMarkets fetches exchangeInfo and fills the metadata cache.
// Symbols that are not trading are skipped.
func (e *Exchange) LoadMarkets(ctx context.Context) error {
	body, err := e.public.Get(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return parseError(err)
	}

	var info struct {
		Symbols []symbolInfo `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("failed to parse exchangeInfo: %w", err)
	}

	feeRate := e.opts.FeeRate
	if feeRate.IsZero() {
		feeRate = fallbackFeeRate
	}

	markets := make(map[string]*core.Market, len(info.Symbols))
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Status != "TRADING" {
			continue
		}
		m := symbolToMarket(s, feeRate)
		markets[m.Symbol] = m
	}

	e.mu.Lock()
	e.markets = markets
	e.mu.Unlock()

	e.logger.Debug("markets loaded", "count", len(markets))
	return nil
}

// FetchBalance returns all non-zero account balances
func (e *Exchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := e.signed.Get(ctx, "/api/v3/account", map[string]string{
		"omitZeroBalances": "true",
	})
	if err != nil {
		return nil, parseError(err)
	}

	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("failed to parse account: %w", err)
	}

	balances := make(map[string]core.Balance, len(account.Balances))
	for _, b := range account.Balances {
		free := parseDecimal(b.Free)
		locked := parseDecimal(b.Locked)
		balances[b.Asset] = core.Balance{
			Free:  free,
			Used:  locked,
			Total: free.Add(locked),
		}
	}
	return balances, nil
}

// FetchFreeBalance returns the free balance of one asset
func (e *Exchange) FetchFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := e.FetchBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[asset].Free, nil
}

// FetchTicker returns the last traded price
func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	body, err := e.public.Get(ctx, "/api/v3/ticker/price", map[string]string{
		"symbol": toExchangeSymbol(symbol),
	})
	if err != nil {
		return nil, parseError(err)
	}

	var t struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("failed to parse ticker: %w", err)
	}
	return &core.Ticker{
		Symbol:    symbol,
		Last:      parseDecimal(t.Price),
		Timestamp: time.Now(),
	}, nil
}

// FetchOHLCV returns up to limit closed candles for the timeframe
func (e *Exchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	body, err := e.public.Get(ctx, "/api/v3/klines", map[string]string{
		"symbol":   toExchangeSymbol(symbol),
		"interval": timeframe,
		"limit":    fmt.Sprintf("%d", limit),
	})
	if err != nil {
		return nil, parseError(err)
	}

	// klines come back as mixed-type arrays:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	candles := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		var o, h, l, c, v string
		for i, dst := range []*string{&o, &h, &l, &c, &v} {
			if err := json.Unmarshal(row[i+1], dst); err != nil {
				break
			}
		}
		candles = append(candles, core.Candle{
			OpenTime: time.UnixMilli(openTime),
			Open:     parseDecimal(o),
			High:     parseDecimal(h),
			Low:      parseDecimal(l),
			Close:    parseDecimal(c),
			Volume:   parseDecimal(v),
		})
	}
	return candles, nil
}

// FetchOrder returns a snapshot of one order
func (e *Exchange) FetchOrder(ctx context.Context, exchangeOrderID, symbol string) (*core.OrderUpdate, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := e.signed.Get(ctx, "/api/v3/order", map[string]string{
		"symbol":  toExchangeSymbol(symbol),
		"orderId": exchangeOrderID,
	})
	if err != nil {
		return nil, parseError(err)
	}

	var o restOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}
	return e.orderToUpdate(&o), nil
}

// FetchOpenOrders returns all resting orders for the symbol
func (e *Exchange) FetchOpenOrders(ctx context.Context, symbol string) ([]core.OrderUpdate, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := e.signed.Get(ctx, "/api/v3/openOrders", map[string]string{
		"symbol": toExchangeSymbol(symbol),
	})
	if err != nil {
		return nil, parseError(err)
	}

	var raw []restOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse open orders: %w", err)
	}

	orders := make([]core.OrderUpdate, 0, len(raw))
	for i := range raw {
		orders = append(orders, *e.orderToUpdate(&raw[i]))
	}
	return orders, nil
}

// CreateOrder places a limit or market order. Amounts and prices are
// snapped to exchange precision before submission.
func (e *Exchange) CreateOrder(ctx context.Context, symbol string, kind core.OrderKind, side core.Side, amount decimal.Decimal, price decimal.Decimal) (*core.OrderUpdate, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]string{
		"symbol":           toExchangeSymbol(symbol),
		"side":             "BUY",
		"type":             "LIMIT",
		"quantity":         e.AmountToPrecision(symbol, amount).String(),
		"newOrderRespType": "FULL",
	}
	if side == core.SideSell {
		params["side"] = "SELL"
	}
	if kind == core.OrderKindMarket {
		params["type"] = "MARKET"
	} else {
		params["price"] = e.PriceToPrecision(symbol, price).String()
		params["timeInForce"] = "GTC"
	}

	// order placement goes through the query string, not a JSON body
	body, err := e.signed.PostForm(ctx, "/api/v3/order", params)
	if err != nil {
		return nil, parseError(err)
	}

	var o restOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	u := e.orderToUpdate(&o)
	e.logger.Debug("order placed",
		"symbol", symbol, "side", side, "kind", kind,
		"order_id", u.ExchangeOrderID, "status", u.Status)
	return u, nil
}

// CancelOrder cancels one resting order
func (e *Exchange) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := e.signed.Delete(ctx, "/api/v3/order", map[string]string{
		"symbol":  toExchangeSymbol(symbol),
		"orderId": exchangeOrderID,
	})
	if err != nil {
		return parseError(err)
	}
	return nil
}

// AmountToPrecision truncates an amount to the symbol's step size
func (e *Exchange) AmountToPrecision(symbol string, amount decimal.Decimal) decimal.Decimal {
	m, err := e.Market(symbol)
	if err != nil {
		return amount
	}
	return tradingutils.TruncateAmount(amount, m.AmountPrecision)
}

// PriceToPrecision rounds a price to the symbol's tick size
func (e *Exchange) PriceToPrecision(symbol string, price decimal.Decimal) decimal.Decimal {
	m, err := e.Market(symbol)
	if err != nil {
		return price
	}
	return tradingutils.RoundPrice(price, m.PricePrecision)
}
