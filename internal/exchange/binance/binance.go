// Package binance implements the exchange capability against Binance spot.
package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"dca_engine/internal/core"
	httpclient "dca_engine/pkg/http"
)

const (
	defaultBaseURL = "https://api.binance.com"
	defaultWSURL   = "wss://stream.binance.com:9443/ws"

	requestTimeout = 10 * time.Second
	recvWindowMS   = "5000"
)

// Options configures one authenticated Binance spot session
type Options struct {
	APIKey    string
	APISecret string
	BaseURL   string // override for the REST endpoint
	WSURL     string // override for the stream endpoint
	RateLimit int    // signed requests per second
	FeeRate   decimal.Decimal
}

// Exchange is a Binance spot session implementing core.IExchange.
// One instance belongs to one bot; the streams it opens are torn down
// by Close.
type Exchange struct {
	opts   Options
	wsURL  string
	logger core.ILogger

	public *httpclient.Client // unauthenticated market data
	keyed  *httpclient.Client // API key header only (listen keys)
	signed *httpclient.Client // HMAC-signed account and order endpoints

	limiter *rate.Limiter

	mu      sync.RWMutex
	markets map[string]*core.Market // keyed by unified symbol ("ETH/USDT")

	streamMu sync.Mutex
	streams  []func()
}

// NewExchange builds a session. Markets are not loaded yet; call
// LoadMarkets before trading.
func NewExchange(opts Options, logger core.ILogger) *Exchange {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	wsURL := opts.WSURL
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	rps := opts.RateLimit
	if rps <= 0 {
		rps = 10
	}

	return &Exchange{
		opts:   opts,
		wsURL:  wsURL,
		logger: logger.WithField("exchange", "binance_spot"),
		public: httpclient.NewClient(baseURL, requestTimeout, nil),
		keyed: httpclient.NewClient(baseURL, requestTimeout, &headerSigner{
			apiKey: opts.APIKey,
		}),
		signed: httpclient.NewClient(baseURL, requestTimeout, &hmacSigner{
			apiKey:    opts.APIKey,
			apiSecret: opts.APISecret,
		}),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		markets: make(map[string]*core.Market),
	}
}

// GetName returns the exchange identifier
func (e *Exchange) GetName() string {
	return "binance_spot"
}

// headerSigner attaches the API key header without signing the query.
// Listen-key endpoints authenticate this way.
type headerSigner struct {
	apiKey string
}

func (s *headerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	return nil
}

// hmacSigner signs requests per the Binance signed-endpoint scheme:
// timestamp and recvWindow join the query, and an HMAC-SHA256 of the
// encoded query is appended as the signature parameter.
type hmacSigner struct {
	apiKey    string
	apiSecret string
}

func (s *hmacSigner) SignRequest(req *http.Request) error {
	q := req.URL.Query()
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("recvWindow", recvWindowMS)

	payload := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	if _, err := mac.Write([]byte(payload)); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	req.URL.RawQuery = payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	return nil
}

// toExchangeSymbol converts "ETH/USDT" to "ETHUSDT"
func toExchangeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// fromExchangeSymbol maps "ETHUSDT" back to the unified symbol using the
// markets cache. Unknown symbols come back unchanged.
func (e *Exchange) fromExchangeSymbol(raw string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for unified, m := range e.markets {
		if m.BaseAsset+m.QuoteAsset == raw {
			return unified
		}
	}
	return raw
}

// Market returns cached metadata for a symbol
func (e *Exchange) Market(symbol string) (*core.Market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("market %s not loaded", symbol)
	}
	cp := *m
	return &cp, nil
}

// Close tears down every open stream and releases the listen key
func (e *Exchange) Close() error {
	e.streamMu.Lock()
	stops := e.streams
	e.streams = nil
	e.streamMu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return nil
}

func (e *Exchange) registerStream(stop func()) {
	e.streamMu.Lock()
	e.streams = append(e.streams, stop)
	e.streamMu.Unlock()
}
