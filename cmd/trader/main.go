package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"binance-grid-trader-go/internal/api"
	"binance-grid-trader-go/internal/backtest"
	"binance-grid-trader-go/internal/binance"
	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/database"
	"binance-grid-trader-go/internal/event"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/live"
	"binance-grid-trader-go/internal/logger"
	"binance-grid-trader-go/internal/marketdata"
	"binance-grid-trader-go/internal/strategy"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(false); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	registry := strategy.NewDefaultRegistry()

	// Live fills are journaled; simulated fills stay on their own bus.
	bus := event.NewBus(log)
	journal, err := database.NewJournal(db, log)
	if err != nil {
		log.Fatal("Failed to load trade journal", zap.Error(err))
	}
	journal.Subscribe(bus)

	var store backtest.ResultStore = backtest.NewMemoryStore()
	if cfg.Backtest.ResultStore == "database" {
		store = database.NewResultStore(db)
	}
	backtests := backtest.NewService(backtest.ServiceConfig{
		DataDir:               cfg.Backtest.DataDir,
		InitialBalance:        decimal.NewFromFloat(cfg.Backtest.InitialBalance),
		SpotCommissionRate:    decimal.NewFromFloat(cfg.Backtest.SpotCommissionRate),
		FuturesCommissionRate: decimal.NewFromFloat(cfg.Backtest.FuturesCommissionRate),
		Leverage:              cfg.Backtest.Leverage,
	}, registry, store, event.NewBus(log), log)

	market, err := exchange.ParseMarketKind(cfg.Trading.MarketType)
	if err != nil {
		log.Fatal("Invalid market type", zap.Error(err))
	}
	if cfg.Validate(true) != nil {
		log.Warn("Binance credentials are missing; live strategies cannot be started")
	}
	newClient := func(m exchange.MarketKind) (binance.RestClientInterface, error) {
		if err := cfg.Validate(true); err != nil {
			return nil, err
		}
		return binance.NewRestClient(cfg.Binance, m, log), nil
	}
	trader := live.NewService(live.ServiceConfig{
		PollInterval:  cfg.Trading.PollInterval,
		KlineInterval: cfg.Trading.KlineInterval,
		MarketKind:    market,
		HistoryLimit:  cfg.Trading.HistoryLimit,
	}, registry, newClient, bus, log)

	server := api.NewServer(api.Config{
		Port:       cfg.Server.Port,
		Name:       "binance-grid-trader",
		Strategies: registry.List(),
		Backtests:  backtests,
		Trader:     trader,
		Journal:    journal,
		Data:       marketdata.NewDownloader(cfg.MarketData, cfg.Backtest.DataDir, log),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received, gracefully shutting down...")
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return trader.Shutdown(shCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("Trader stopped with error", zap.Error(err))
	}
	log.Info("Trader has been shut down.")
}
