package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderType classifies an order row within a cycle
type OrderType string

const (
	OrderTypeBuySafety OrderType = "BUY_SAFETY"
	OrderTypeSellTP    OrderType = "SELL_TP"
)

// OrderStatus is the local lifecycle state of an order row
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusActive   OrderStatus = "ACTIVE"
	OrderStatusPartial  OrderStatus = "PARTIAL"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
)

// CycleStatus is the state of one DCA round
type CycleStatus string

const (
	CycleStatusOpen   CycleStatus = "OPEN"
	CycleStatusClosed CycleStatus = "CLOSED"
)

// Side is the exchange order side
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderKind is the exchange order type
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// TPOrderIndex marks the take-profit row, which sits outside the rung ladder
const TPOrderIndex = -1

// BotConfig holds one user's bot parameters. API credentials are stored
// encrypted at rest and decrypted only when an exchange session is built.
type BotConfig struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	Symbol                string
	APIKeyEncrypted       string
	APISecretEncrypted    string
	TotalBudget           decimal.Decimal
	GridLevels            int
	GridLengthPct         decimal.Decimal
	FirstOrderOffsetPct   decimal.Decimal
	VolumeScalePct        decimal.Decimal
	GridShiftThresholdPct decimal.Decimal
	TakeProfitPct         decimal.Decimal
	TrailingEnabled       bool
	TrailingCallbackPct   decimal.Decimal
	TrailingMinProfitPct  decimal.Decimal
	IsActive              bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Cycle is one DCA round: a ladder of safety buys closed out by a single
// take-profit sell. avg_price = total_quote_spent / total_base_qty whenever
// total_base_qty > 0; at most one OPEN cycle exists per config.
type Cycle struct {
	ID                      uuid.UUID
	ConfigID                uuid.UUID
	Status                  CycleStatus
	TotalBaseQty            decimal.Decimal
	TotalQuoteSpent         decimal.Decimal
	AvgPrice                decimal.Decimal
	InitialFirstOrderPrice  decimal.Decimal
	CurrentTPOrderID        string
	CurrentTPPrice          decimal.Decimal
	AccumulatedDust         decimal.Decimal
	TrailingActive          bool
	MaxPriceTracked         decimal.Decimal
	TrailingActivationPrice decimal.Decimal
	TrailingActivationTime  *time.Time
	EmergencyExit           bool
	EmergencyExitReason     string
	EmergencyExitTime       *time.Time
	ProfitQuote             decimal.Decimal
	CreatedAt               time.Time
	ClosedAt                *time.Time
}

// Order is one exchange order row owned by a cycle. ExchangeOrderID is
// globally unique when set; a transition out of FILLED is forbidden.
type Order struct {
	ID              uuid.UUID
	CycleID         uuid.UUID
	ExchangeOrderID string
	OrderType       OrderType
	OrderIndex      int
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Fee is an exchange-reported fill fee
type Fee struct {
	Cost     decimal.Decimal
	Currency string
}

// OrderUpdate is a normalized exchange order event or snapshot
type OrderUpdate struct {
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Kind            OrderKind
	Status          string // raw exchange status, lowercased ("open", "closed", "canceled", ...)
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Filled          decimal.Decimal
	Remaining       decimal.Decimal
	Cost            decimal.Decimal
	Fee             *Fee
	Timestamp       time.Time
}

// IsFillEvent reports whether this update should be treated as a completed
// fill. Exchanges flap between partial snapshots; anything at or beyond 99%
// of the requested amount counts as done.
func (u *OrderUpdate) IsFillEvent() bool {
	switch u.Status {
	case "closed", "filled":
		return true
	}
	if !u.Amount.IsPositive() || !u.Filled.IsPositive() {
		return false
	}
	if u.Filled.GreaterThanOrEqual(u.Amount.Mul(fillThreshold)) {
		return true
	}
	return u.Remaining.LessThanOrEqual(u.Amount.Mul(remainingSlack))
}

var (
	fillThreshold  = decimal.RequireFromString("0.99")
	remainingSlack = decimal.RequireFromString("0.01")
)

// IsClosed reports whether the exchange considers the order finished
func (u *OrderUpdate) IsClosed() bool {
	return u.Status == "closed" || u.Status == "filled"
}

// IsCanceled reports whether the exchange canceled or expired the order
func (u *OrderUpdate) IsCanceled() bool {
	switch u.Status {
	case "canceled", "cancelled", "expired", "rejected":
		return true
	}
	return false
}

// Ticker is a normalized market ticker event
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Timestamp time.Time
}

// Candle is one OHLCV bar
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Market is exchange metadata for a symbol
type Market struct {
	Symbol          string
	BaseAsset       string
	QuoteAsset      string
	AmountPrecision int
	PricePrecision  int
	MinNotional     decimal.Decimal
	TakerFeeRate    decimal.Decimal
}

// Balance is a per-asset account balance
type Balance struct {
	Free  decimal.Decimal
	Used  decimal.Decimal
	Total decimal.Decimal
}

// CycleStats is the per-config read model surfaced to the boundary layer
type CycleStats struct {
	ConfigID         uuid.UUID
	CompletedCycles  int
	TotalProfitQuote decimal.Decimal
	OpenCycleID      *uuid.UUID
	UnrealizedQuote  decimal.Decimal
}

// RecoveryStats summarizes one startup reconciliation pass
type RecoveryStats struct {
	Recovered int
	Failed    int
	Duration  time.Duration
}
