// Command backtest replays one kline file through a strategy and prints the
// result as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/backtest"
	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/logger"
	"binance-grid-trader-go/internal/strategy"
)

// paramFlag collects repeated key=value strategy parameters.
type paramFlag map[string]any

func (p paramFlag) String() string { return fmt.Sprint(map[string]any(p)) }

func (p paramFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	var decoded any
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		decoded = value
	}
	p[key] = decoded
	return nil
}

func main() {
	params := paramFlag{}
	var (
		configDir = flag.String("config", "./configs", "directory holding config.yml")
		name      = flag.String("strategy", "GridStrategy", "strategy to run")
		symbol    = flag.String("symbol", "BTCUSDT", "trading pair")
		interval  = flag.String("interval", "1h", "kline interval of the data file")
		dataFile  = flag.String("data", "", "CSV file inside the data directory; defaults to <symbol>-<interval>.csv")
		market    = flag.String("market", "SPOT", "SPOT or USDT_FUTURE")
		balance   = flag.String("balance", "", "initial quote balance; defaults to the configured one")
		leverage  = flag.Int("leverage", 0, "futures leverage; defaults to the configured one")
	)
	flag.Var(params, "param", "strategy parameter as key=value, repeatable")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
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

	req := backtest.RunRequest{
		StrategyName: *name,
		Symbol:       *symbol,
		Interval:     *interval,
		DataFile:     *dataFile,
		MarketKind:   exchange.MarketKind(*market),
		Leverage:     *leverage,
		Params:       params,
	}
	if *balance != "" {
		req.InitialBalance, err = decimal.NewFromString(*balance)
		if err != nil {
			log.Fatal("Invalid balance", zap.String("balance", *balance), zap.Error(err))
		}
	}

	svc := backtest.NewService(backtest.ServiceConfig{
		DataDir:               cfg.Backtest.DataDir,
		InitialBalance:        decimal.NewFromFloat(cfg.Backtest.InitialBalance),
		SpotCommissionRate:    decimal.NewFromFloat(cfg.Backtest.SpotCommissionRate),
		FuturesCommissionRate: decimal.NewFromFloat(cfg.Backtest.FuturesCommissionRate),
		Leverage:              cfg.Backtest.Leverage,
	}, strategy.NewDefaultRegistry(), backtest.NewMemoryStore(), nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, err := svc.Run(ctx, req)
	if err != nil {
		log.Fatal("Backtest failed", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatal("Failed to write result", zap.Error(err))
	}
}
