package binance

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"dca_engine/internal/core"
	"dca_engine/pkg/websocket"
)

const listenKeyKeepalive = 30 * time.Minute

// WatchOrders opens the user data stream and emits normalized order
// events for the symbol. The channel closes when ctx is canceled or the
// session is closed.
func (e *Exchange) WatchOrders(ctx context.Context, symbol string) (<-chan core.OrderUpdate, error) {
	listenKey, err := e.createListenKey(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan core.OrderUpdate, 64)
	handler := func(message []byte) {
		var probe struct {
			EventType string `json:"e"`
		}
		if err := json.Unmarshal(message, &probe); err != nil || probe.EventType != "executionReport" {
			return
		}
		var report executionReport
		if err := json.Unmarshal(message, &report); err != nil {
			e.logger.Warn("failed to parse execution report", "error", err)
			return
		}
		u := e.reportToUpdate(&report)
		if u.Symbol != symbol {
			return
		}
		select {
		case ch <- *u:
		default:
			e.logger.Warn("order stream buffer full, dropping event",
				"order_id", u.ExchangeOrderID)
		}
	}

	ws := websocket.NewClient(e.wsURL+"/"+listenKey, handler, e.logger)
	ws.Start()

	streamCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := func() { once.Do(cancel) }
	e.registerStream(stop)

	go func() {
		defer close(ch)
		defer ws.Stop()
		ticker := time.NewTicker(listenKeyKeepalive)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				e.releaseListenKey(listenKey)
				return
			case <-ticker.C:
				if err := e.keepaliveListenKey(streamCtx, listenKey); err != nil {
					e.logger.Warn("listen key keepalive failed", "error", err)
				}
			}
		}
	}()

	return ch, nil
}

// WatchTicker subscribes to the symbol's mini-ticker stream
func (e *Exchange) WatchTicker(ctx context.Context, symbol string) (<-chan core.Ticker, error) {
	ch := make(chan core.Ticker, 64)
	handler := func(message []byte) {
		var m miniTicker
		if err := json.Unmarshal(message, &m); err != nil || m.Close == "" {
			return
		}
		t := e.miniTickerToTicker(&m)
		select {
		case ch <- t:
		default:
			// price events are superseded by the next one; drop quietly
		}
	}

	stream := strings.ToLower(toExchangeSymbol(symbol)) + "@miniTicker"
	ws := websocket.NewClient(e.wsURL+"/"+stream, handler, e.logger)
	ws.Start()

	streamCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := func() { once.Do(cancel) }
	e.registerStream(stop)

	go func() {
		defer close(ch)
		defer ws.Stop()
		<-streamCtx.Done()
	}()

	return ch, nil
}

func (e *Exchange) createListenKey(ctx context.Context) (string, error) {
	body, err := e.keyed.Post(ctx, "/api/v3/userDataStream", nil)
	if err != nil {
		return "", parseError(err)
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

func (e *Exchange) keepaliveListenKey(ctx context.Context, listenKey string) error {
	_, err := e.keyed.Put(ctx, "/api/v3/userDataStream", map[string]string{
		"listenKey": listenKey,
	})
	if err != nil {
		return parseError(err)
	}
	return nil
}

func (e *Exchange) releaseListenKey(listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.keyed.Delete(ctx, "/api/v3/userDataStream", map[string]string{
		"listenKey": listenKey,
	}); err != nil {
		e.logger.Debug("failed to release listen key", "error", err)
	}
}
