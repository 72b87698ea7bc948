// Package core defines the domain model and capability interfaces for the
// DCA grid trading engine.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchange is the capability interface a bot holds against the exchange.
// Each bot constructs its own authenticated session; implementations must be
// safe for use by the bot's two stream loops.
type IExchange interface {
	// Identity
	GetName() string

	// Account
	FetchBalance(ctx context.Context) (map[string]Balance, error)
	FetchFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// Market data
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	Market(symbol string) (*Market, error)

	// Orders
	FetchOrder(ctx context.Context, exchangeOrderID, symbol string) (*OrderUpdate, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]OrderUpdate, error)
	CreateOrder(ctx context.Context, symbol string, kind OrderKind, side Side, amount decimal.Decimal, price decimal.Decimal) (*OrderUpdate, error)
	CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error

	// Precision helpers backed by exchange metadata
	AmountToPrecision(symbol string, amount decimal.Decimal) decimal.Decimal
	PriceToPrecision(symbol string, price decimal.Decimal) decimal.Decimal

	// Streams. Channels close when ctx is canceled or the stream shuts down.
	WatchOrders(ctx context.Context, symbol string) (<-chan OrderUpdate, error)
	WatchTicker(ctx context.Context, symbol string) (<-chan Ticker, error)

	// Close releases sessions, stream handles and listen keys
	Close() error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
