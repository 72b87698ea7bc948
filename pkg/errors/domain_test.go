package apperrors

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrderCancellationErrorWraps(t *testing.T) {
	cause := errors.New("rate limited")
	err := &OrderCancellationError{ExchangeOrderID: "EX-9", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "EX-9")
}

func TestMinNotionalErrorMessage(t *testing.T) {
	err := &MinNotionalError{
		Symbol:   "ETH/USDT",
		Notional: decimal.RequireFromString("4.2"),
		Minimum:  decimal.RequireFromString("5"),
	}
	assert.Contains(t, err.Error(), "ETH/USDT")
	assert.Contains(t, err.Error(), "4.2")
}
