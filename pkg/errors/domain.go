package apperrors

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Domain error kinds raised by the trading core. The boundary layer maps
// these to response codes; loggers and the recovery path match on them.

// InsufficientBalanceError is returned when a cycle cannot start because the
// free quote balance is below the minimum trading amount.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Asset     string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %s, available %s",
		e.Asset, e.Required, e.Available)
}

// BalanceDeviationError signals a critical mismatch between the cycle's
// expected inventory and the exchange free balance. The current fill stops
// progressing; an operator has to reconcile out-of-band.
type BalanceDeviationError struct {
	Expected     decimal.Decimal
	Available    decimal.Decimal
	DeviationPct decimal.Decimal
}

func (e *BalanceDeviationError) Error() string {
	return fmt.Sprintf("balance deviation %s%%: expected %s, available %s",
		e.DeviationPct.StringFixed(2), e.Expected, e.Available)
}

// OrderCreationError wraps an exchange failure while placing an order.
// The handler aborts; the next redelivery of the fill resumes it.
type OrderCreationError struct {
	Symbol string
	Side   string
	Err    error
}

func (e *OrderCreationError) Error() string {
	return fmt.Sprintf("failed to create %s order for %s: %v", e.Side, e.Symbol, e.Err)
}

func (e *OrderCreationError) Unwrap() error { return e.Err }

// OrderCancellationError wraps an exchange failure while canceling an order
type OrderCancellationError struct {
	ExchangeOrderID string
	Err             error
}

func (e *OrderCancellationError) Error() string {
	return fmt.Sprintf("failed to cancel order %s: %v", e.ExchangeOrderID, e.Err)
}

func (e *OrderCancellationError) Unwrap() error { return e.Err }

// MinNotionalError is raised when an order's value is below the exchange
// minimum. Logged and skipped; grid progression continues.
type MinNotionalError struct {
	Symbol   string
	Notional decimal.Decimal
	Minimum  decimal.Decimal
}

func (e *MinNotionalError) Error() string {
	return fmt.Sprintf("order value %s below minimum notional %s for %s",
		e.Notional, e.Minimum, e.Symbol)
}

// RecoveryError is a per-bot failure during startup reconciliation. The bot
// is deactivated and recovery continues with the next one.
type RecoveryError struct {
	ConfigID string
	Err      error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failed for config %s: %v", e.ConfigID, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }
