// Command engine runs the DCA grid trading engine: it recovers every
// active bot from the database, supervises their trading loops, and
// shuts them down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"dca_engine/internal/alert"
	"dca_engine/internal/config"
	"dca_engine/internal/core"
	"dca_engine/internal/engine"
	"dca_engine/internal/exchange/binance"
	"dca_engine/internal/infrastructure/health"
	"dca_engine/internal/infrastructure/metrics"
	"dca_engine/internal/market"
	"dca_engine/internal/repository"
	"dca_engine/pkg/concurrency"
	"dca_engine/pkg/logging"
	"dca_engine/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobalLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("engine exited with error", "error", err)
	}
}

func run(cfg *config.Config, logger core.ILogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting DCA engine",
		"environment", cfg.App.Environment,
		"exchange", cfg.Exchange.Name,
		"database", cfg.Database.Driver)

	tel, err := telemetry.Setup("dca-engine")
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(shutdownCtx)
	}()

	store, err := repository.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	healthMgr := health.NewHealthManager(logger)
	healthMgr.Register("database", func() error {
		return store.Ping(context.Background())
	})

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, healthMgr, logger)
		metricsServer.Start()
	}

	alerts := alert.NewAlertManager(logger)
	if cfg.Alerts.Enabled {
		if url := cfg.Alerts.SlackWebhookURL.Value(); url != "" {
			alerts.AddChannel(alert.NewSlackChannel(url))
		}
		if token := cfg.Alerts.TelegramBotToken.Value(); token != "" {
			alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
		}
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "bots",
		MaxWorkers:  cfg.Engine.RecoveryPoolSize,
		MaxCapacity: cfg.Engine.RecoveryPoolSize * 4,
	}, logger)
	defer pool.Stop()

	registry := engine.NewRegistry(pool, logger)

	// One process-wide cache; every supervisor's ticker loop writes into it
	prices := market.NewPriceCache()

	factory, err := supervisorFactory(cfg, store, alerts, prices, logger)
	if err != nil {
		return err
	}

	recoverer := engine.NewRecoverer(store, registry, factory, pool, logger)
	stats, err := recoverer.Run(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	logger.Info("recovery complete",
		"recovered", stats.Recovered,
		"failed", stats.Failed,
		"duration", stats.Duration)
	if stats.Failed > 0 {
		alerts.Alert(ctx, "Bot recovery failures",
			fmt.Sprintf("%d bot(s) failed to recover and were deactivated", stats.Failed),
			alert.Error, nil)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	registry.StopAll(time.Duration(cfg.Engine.StopTimeoutSeconds) * time.Second)

	if metricsServer != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Stop(stopCtx)
	}

	logger.Info("engine stopped")
	return nil
}

// supervisorFactory builds the per-bot supervisor constructor. Each bot
// gets its own authenticated exchange session from its encrypted
// credentials.
func supervisorFactory(cfg *config.Config, store *repository.Store, alerts *alert.AlertManager, prices *market.PriceCache, logger core.ILogger) (engine.SupervisorFactory, error) {
	if cfg.Exchange.Name != "binance_spot" {
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange.Name)
	}

	cipher, err := config.NewCipher(cfg.Security.MasterKey, cfg.Security.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential cipher: %w", err)
	}

	return func(ctx context.Context, botCfg *core.BotConfig) (*engine.Supervisor, error) {
		apiKey, err := cipher.Decrypt(botCfg.APIKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt API key: %w", err)
		}
		apiSecret, err := cipher.Decrypt(botCfg.APISecretEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt API secret: %w", err)
		}

		ex := binance.NewExchange(binance.Options{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   cfg.Exchange.BaseURL,
			WSURL:     cfg.Exchange.WSURL,
			RateLimit: cfg.Exchange.RateLimit,
			FeeRate:   decimal.NewFromFloat(cfg.Exchange.FeeRate),
		}, logger)

		if err := ex.LoadMarkets(ctx); err != nil {
			return nil, fmt.Errorf("failed to load markets: %w", err)
		}
		marketMd, err := ex.Market(botCfg.Symbol)
		if err != nil {
			return nil, err
		}

		sup := engine.NewSupervisor(botCfg, marketMd, ex, store, prices, logger)
		sup.SetAlerter(alerts)
		return sup, nil
	}, nil
}
