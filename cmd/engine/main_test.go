package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca_engine/internal/alert"
	"dca_engine/internal/config"
	"dca_engine/internal/core"
	"dca_engine/internal/market"
	"dca_engine/internal/repository"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                   {}
func (noopLogger) Info(string, ...interface{})                    {}
func (noopLogger) Warn(string, ...interface{})                    {}
func (noopLogger) Error(string, ...interface{})                   {}
func (noopLogger) Fatal(string, ...interface{})                   {}
func (noopLogger) WithField(string, interface{}) core.ILogger     { return noopLogger{} }
func (noopLogger) WithFields(map[string]interface{}) core.ILogger { return noopLogger{} }

func testBotConfig(t *testing.T, cipher *config.Cipher) *core.BotConfig {
	t.Helper()
	key, err := cipher.Encrypt("api-key")
	require.NoError(t, err)
	secret, err := cipher.Encrypt("api-secret")
	require.NoError(t, err)
	return &core.BotConfig{
		ID:                 uuid.New(),
		UserID:             uuid.New(),
		Symbol:             "ETH/USDT",
		APIKeyEncrypted:    key,
		APISecretEncrypted: secret,
	}
}

func TestSupervisorFactoryRefusesUnknownExchange(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Exchange.Name = "mock"

	_, err := supervisorFactory(cfg, nil, nil, market.NewPriceCache(), noopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exchange")
}

func TestSupervisorFactorySharesPriceCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/exchangeInfo", r.URL.Path)
		w.Write([]byte(`{"symbols":[
			{"symbol":"ETHUSDT","status":"TRADING","baseAsset":"ETH","quoteAsset":"USDT","filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.01000000"},
				{"filterType":"LOT_SIZE","stepSize":"0.00010000"},
				{"filterType":"NOTIONAL","minNotional":"5.00000000"}
			]}
		]}`))
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Exchange.Name = "binance_spot"
	cfg.Exchange.BaseURL = srv.URL
	cfg.Security.MasterKey = config.Secret("unit-test-master-key")
	cfg.Security.Salt = "unit-test-salt"

	cipher, err := config.NewCipher(cfg.Security.MasterKey, cfg.Security.Salt)
	require.NoError(t, err)

	ctx := context.Background()
	store, err := repository.Open(ctx, "sqlite3", ":memory:", noopLogger{})
	require.NoError(t, err)
	defer store.Close()

	prices := market.NewPriceCache()
	factory, err := supervisorFactory(cfg, store, alert.NewAlertManager(noopLogger{}), prices, noopLogger{})
	require.NoError(t, err)

	first, err := factory(ctx, testBotConfig(t, cipher))
	require.NoError(t, err)
	second, err := factory(ctx, testBotConfig(t, cipher))
	require.NoError(t, err)

	// Every bot writes into the one process-wide cache
	assert.Same(t, prices, first.Prices())
	assert.Same(t, prices, second.Prices())
}
