// Package mock provides a scriptable in-memory exchange for engine tests.
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/pkg/tradingutils"
)

// Exchange implements core.IExchange against in-memory state. Tests seed
// markets, balances and tickers, then drive the streams with Emit* and
// FillOrder.
type Exchange struct {
	name string

	mu            sync.RWMutex
	markets       map[string]*core.Market
	balances      map[string]core.Balance
	tickers       map[string]core.Ticker
	candles       map[string][]core.Candle
	orders        map[string]*core.OrderUpdate
	canceled      []string
	orderIDSeq    int64
	nextCreateErr error
	nextCancelErr error

	orderSubs  map[int]chan core.OrderUpdate
	tickerSubs map[int]chan core.Ticker
	subSeq     int
	closed     bool
}

func NewExchange(name string) *Exchange {
	return &Exchange{
		name:       name,
		markets:    make(map[string]*core.Market),
		balances:   make(map[string]core.Balance),
		tickers:    make(map[string]core.Ticker),
		candles:    make(map[string][]core.Candle),
		orders:     make(map[string]*core.OrderUpdate),
		orderIDSeq: 1000,
		orderSubs:  make(map[int]chan core.OrderUpdate),
		tickerSubs: make(map[int]chan core.Ticker),
	}
}

// --- test seeding ---

func (m *Exchange) SetMarket(market *core.Market) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets[market.Symbol] = market
}

func (m *Exchange) SetBalance(asset string, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = core.Balance{Free: free, Total: free}
}

func (m *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[symbol] = core.Ticker{Symbol: symbol, Last: price, Timestamp: time.Now()}
}

func (m *Exchange) SetCandles(symbol string, candles []core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol] = candles
}

// FailNextCreate makes the next CreateOrder call return err
func (m *Exchange) FailNextCreate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCreateErr = err
}

// FailNextCancel makes the next CancelOrder call return err
func (m *Exchange) FailNextCancel(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCancelErr = err
}

// CanceledOrders returns the exchange ids canceled so far
func (m *Exchange) CanceledOrders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.canceled))
	copy(out, m.canceled)
	return out
}

// Order returns a copy of the tracked order, or nil
func (m *Exchange) Order(exchangeOrderID string) *core.OrderUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[exchangeOrderID]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

// --- core.IExchange ---

func (m *Exchange) GetName() string { return m.name }

func (m *Exchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]core.Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

func (m *Exchange) FetchFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[asset].Free, nil
}

func (m *Exchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("mock: no ticker for %s", symbol)
	}
	cp := t
	return &cp, nil
}

func (m *Exchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	candles := m.candles[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]core.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (m *Exchange) Market(symbol string) (*core.Market, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("mock: unknown market %s", symbol)
	}
	cp := *mk
	return &cp, nil
}

func (m *Exchange) FetchOrder(ctx context.Context, exchangeOrderID, symbol string) (*core.OrderUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[exchangeOrderID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown order %s", exchangeOrderID)
	}
	cp := *o
	return &cp, nil
}

func (m *Exchange) FetchOpenOrders(ctx context.Context, symbol string) ([]core.OrderUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var open []core.OrderUpdate
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Status == "open" {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (m *Exchange) CreateOrder(ctx context.Context, symbol string, kind core.OrderKind, side core.Side, amount, price decimal.Decimal) (*core.OrderUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextCreateErr != nil {
		err := m.nextCreateErr
		m.nextCreateErr = nil
		return nil, err
	}

	m.orderIDSeq++
	u := &core.OrderUpdate{
		ExchangeOrderID: strconv.FormatInt(m.orderIDSeq, 10),
		Symbol:          symbol,
		Side:            side,
		Kind:            kind,
		Status:          "open",
		Price:           price,
		Amount:          amount,
		Remaining:       amount,
		Timestamp:       time.Now(),
	}
	if kind == core.OrderKindMarket {
		// Market orders fill instantly at the last ticker price
		last := m.tickers[symbol].Last
		m.fillLocked(u, last)
	}
	m.orders[u.ExchangeOrderID] = u

	cp := *u
	if kind == core.OrderKindMarket {
		m.broadcastOrderLocked(cp)
	}
	return &cp, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextCancelErr != nil {
		err := m.nextCancelErr
		m.nextCancelErr = nil
		return err
	}

	o, ok := m.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("mock: unknown order %s", exchangeOrderID)
	}
	o.Status = "canceled"
	m.canceled = append(m.canceled, exchangeOrderID)
	return nil
}

func (m *Exchange) AmountToPrecision(symbol string, amount decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mk, ok := m.markets[symbol]; ok {
		return tradingutils.TruncateAmount(amount, mk.AmountPrecision)
	}
	return amount
}

func (m *Exchange) PriceToPrecision(symbol string, price decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mk, ok := m.markets[symbol]; ok {
		return tradingutils.RoundPrice(price, mk.PricePrecision)
	}
	return price
}

func (m *Exchange) WatchOrders(ctx context.Context, symbol string) (<-chan core.OrderUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan core.OrderUpdate, 64)
	id := m.subSeq
	m.subSeq++
	m.orderSubs[id] = ch

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.orderSubs[id]; ok {
			delete(m.orderSubs, id)
			close(ch)
		}
	}()
	return ch, nil
}

func (m *Exchange) WatchTicker(ctx context.Context, symbol string) (<-chan core.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan core.Ticker, 64)
	id := m.subSeq
	m.subSeq++
	m.tickerSubs[id] = ch

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.tickerSubs[id]; ok {
			delete(m.tickerSubs, id)
			close(ch)
		}
	}()
	return ch, nil
}

func (m *Exchange) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.orderSubs {
		delete(m.orderSubs, id)
		close(ch)
	}
	for id, ch := range m.tickerSubs {
		delete(m.tickerSubs, id)
		close(ch)
	}
	return nil
}

// --- stream drivers ---

// EmitTicker pushes a price to every ticker subscriber and records it
func (m *Exchange) EmitTicker(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := core.Ticker{Symbol: symbol, Last: price, Timestamp: time.Now()}
	m.tickers[symbol] = t
	for _, ch := range m.tickerSubs {
		select {
		case ch <- t:
		default:
		}
	}
}

// EmitOrderUpdate pushes a raw update to every order subscriber
func (m *Exchange) EmitOrderUpdate(u core.OrderUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[u.ExchangeOrderID]; ok {
		*o = u
	}
	m.broadcastOrderLocked(u)
}

// FillOrder marks the order fully filled at its limit price and broadcasts
// the closed update, fee charged in the received currency at the market's
// taker rate
func (m *Exchange) FillOrder(exchangeOrderID string) (*core.OrderUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[exchangeOrderID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown order %s", exchangeOrderID)
	}
	m.fillLocked(o, o.Price)
	cp := *o
	m.broadcastOrderLocked(cp)
	return &cp, nil
}

func (m *Exchange) fillLocked(o *core.OrderUpdate, fillPrice decimal.Decimal) {
	if fillPrice.IsZero() {
		fillPrice = o.Price
	}
	o.Status = "closed"
	o.Price = fillPrice
	o.Filled = o.Amount
	o.Remaining = decimal.Zero
	o.Cost = fillPrice.Mul(o.Amount)

	rate := decimal.Zero
	if mk, ok := m.markets[o.Symbol]; ok {
		rate = mk.TakerFeeRate
	}
	if o.Side == core.SideBuy {
		o.Fee = &core.Fee{Cost: o.Filled.Mul(rate), Currency: baseAsset(m.markets, o.Symbol)}
	} else {
		o.Fee = &core.Fee{Cost: o.Cost.Mul(rate), Currency: quoteAsset(m.markets, o.Symbol)}
	}
}

func (m *Exchange) broadcastOrderLocked(u core.OrderUpdate) {
	for _, ch := range m.orderSubs {
		select {
		case ch <- u:
		default:
		}
	}
}

func baseAsset(markets map[string]*core.Market, symbol string) string {
	if mk, ok := markets[symbol]; ok {
		return mk.BaseAsset
	}
	return ""
}

func quoteAsset(markets map[string]*core.Market, symbol string) string {
	if mk, ok := markets[symbol]; ok {
		return mk.QuoteAsset
	}
	return ""
}
