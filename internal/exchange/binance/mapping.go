package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
	httpclient "dca_engine/pkg/http"
)

// apiError is the Binance error body
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// parseError maps Binance error responses to the sentinel errors the
// engine branches on. Anything unrecognized keeps the raw message.
func parseError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *httpclient.APIError
	if !errors.As(err, &httpErr) {
		return err
	}

	var body apiError
	if jsonErr := json.Unmarshal(httpErr.Body, &body); jsonErr != nil {
		return err
	}

	switch body.Code {
	case -2015, -2014, -1022:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, body.Msg)
	case -2010:
		if strings.Contains(strings.ToLower(body.Msg), "insufficient") {
			return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, body.Msg)
		}
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, body.Msg)
	case -2011:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, body.Msg)
	case -1003, -1015:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, body.Msg)
	case -1013, -1111:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, body.Msg)
	case -1021:
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampOutOfBounds, body.Msg)
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, body.Msg)
	}

	if httpErr.StatusCode == 503 {
		return fmt.Errorf("%w: %s", apperrors.ErrExchangeMaintenance, body.Msg)
	}
	return fmt.Errorf("binance error %d: %s", body.Code, body.Msg)
}

// mapOrderStatus lowers the Binance order status to the normalized form
func mapOrderStatus(status string) string {
	switch status {
	case "NEW", "PARTIALLY_FILLED":
		return "open"
	case "FILLED":
		return "closed"
	case "CANCELED", "PENDING_CANCEL":
		return "canceled"
	case "REJECTED":
		return "rejected"
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return "expired"
	default:
		return strings.ToLower(status)
	}
}

func mapSide(side string) core.Side {
	if side == "SELL" {
		return core.SideSell
	}
	return core.SideBuy
}

func mapKind(orderType string) core.OrderKind {
	if orderType == "MARKET" {
		return core.OrderKindMarket
	}
	return core.OrderKindLimit
}

// parseDecimal is tolerant of the empty strings Binance uses for unset
// numeric fields
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// restOrder is the order shape shared by the order, openOrders and
// order-placement endpoints
type restOrder struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	Type               string `json:"type"`
	Side               string `json:"side"`
	Time               int64  `json:"time"`
	TransactTime       int64  `json:"transactTime"`
	Fills              []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

func (e *Exchange) orderToUpdate(o *restOrder) *core.OrderUpdate {
	amount := parseDecimal(o.OrigQty)
	filled := parseDecimal(o.ExecutedQty)
	ts := o.Time
	if ts == 0 {
		ts = o.TransactTime
	}

	u := &core.OrderUpdate{
		ExchangeOrderID: fmt.Sprintf("%d", o.OrderID),
		Symbol:          e.fromExchangeSymbol(o.Symbol),
		Side:            mapSide(o.Side),
		Kind:            mapKind(o.Type),
		Status:          mapOrderStatus(o.Status),
		Price:           parseDecimal(o.Price),
		Amount:          amount,
		Filled:          filled,
		Remaining:       amount.Sub(filled),
		Cost:            parseDecimal(o.CumulativeQuoteQty),
		Timestamp:       time.UnixMilli(ts),
	}

	// Market fills carry an average price instead of a limit price
	if u.Price.IsZero() && filled.IsPositive() && u.Cost.IsPositive() {
		u.Price = u.Cost.Div(filled)
	}

	// Aggregate per-trade commissions; mixed fee assets never occur on
	// one spot order
	if len(o.Fills) > 0 {
		fee := decimal.Zero
		currency := o.Fills[0].CommissionAsset
		for _, f := range o.Fills {
			fee = fee.Add(parseDecimal(f.Commission))
		}
		u.Fee = &core.Fee{Cost: fee, Currency: currency}
	}

	return u
}

// executionReport is the user-data-stream order event
type executionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	Price           string `json:"p"`
	OrigQty         string `json:"q"`
	CumFilledQty    string `json:"z"`
	CumQuoteQty     string `json:"Z"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	LastPrice       string `json:"L"`
}

func (e *Exchange) reportToUpdate(r *executionReport) *core.OrderUpdate {
	amount := parseDecimal(r.OrigQty)
	filled := parseDecimal(r.CumFilledQty)

	u := &core.OrderUpdate{
		ExchangeOrderID: fmt.Sprintf("%d", r.OrderID),
		Symbol:          e.fromExchangeSymbol(r.Symbol),
		Side:            mapSide(r.Side),
		Kind:            mapKind(r.OrderType),
		Status:          mapOrderStatus(r.Status),
		Price:           parseDecimal(r.Price),
		Amount:          amount,
		Filled:          filled,
		Remaining:       amount.Sub(filled),
		Cost:            parseDecimal(r.CumQuoteQty),
		Timestamp:       time.UnixMilli(r.EventTime),
	}

	if u.Price.IsZero() {
		u.Price = parseDecimal(r.LastPrice)
	}
	if r.CommissionAsset != "" {
		u.Fee = &core.Fee{Cost: parseDecimal(r.Commission), Currency: r.CommissionAsset}
	}
	return u
}

// miniTicker is the 24h rolling window mini-ticker stream event
type miniTicker struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

func (e *Exchange) miniTickerToTicker(m *miniTicker) core.Ticker {
	return core.Ticker{
		Symbol:    e.fromExchangeSymbol(m.Symbol),
		Last:      parseDecimal(m.Close),
		Timestamp: time.UnixMilli(m.EventTime),
	}
}

// symbolInfo is one exchangeInfo entry
type symbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Filters    []struct {
		FilterType  string `json:"filterType"`
		TickSize    string `json:"tickSize"`
		StepSize    string `json:"stepSize"`
		MinNotional string `json:"minNotional"`
	} `json:"filters"`
}

// symbolToMarket translates exchangeInfo filters into market metadata.
// Precision is derived from the tick and step sizes rather than the
// advertised precision fields, which overstate what the engine may send.
func symbolToMarket(s *symbolInfo, feeRate decimal.Decimal) *core.Market {
	m := &core.Market{
		Symbol:       s.BaseAsset + "/" + s.QuoteAsset,
		BaseAsset:    s.BaseAsset,
		QuoteAsset:   s.QuoteAsset,
		TakerFeeRate: feeRate,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			m.PricePrecision = stepToPrecision(f.TickSize)
		case "LOT_SIZE":
			m.AmountPrecision = stepToPrecision(f.StepSize)
		case "NOTIONAL", "MIN_NOTIONAL":
			m.MinNotional = parseDecimal(f.MinNotional)
		}
	}
	return m
}

// stepToPrecision converts "0.00010000" to 4
func stepToPrecision(step string) int {
	d := parseDecimal(step)
	if d.IsZero() {
		return 8
	}
	trimmed := strings.TrimRight(d.String(), "0")
	if i := strings.IndexByte(trimmed, '.'); i >= 0 {
		return len(trimmed) - i - 1
	}
	return 0
}
