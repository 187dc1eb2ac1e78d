package backtest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/event"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/strategy"
)

// ServiceConfig holds the defaults a run falls back to.
type ServiceConfig struct {
	DataDir               string
	InitialBalance        decimal.Decimal
	SpotCommissionRate    decimal.Decimal
	FuturesCommissionRate decimal.Decimal
	Leverage              int
}

// RunRequest describes one simulation run.
type RunRequest struct {
	StrategyName string `json:"strategy_name" binding:"required"`
	Symbol       string `json:"symbol" binding:"required"`
	Interval     string `json:"interval"`
	// DataFile names a file inside the data directory and overrides the
	// <symbol>-<interval>.csv convention.
	DataFile       string              `json:"data_file"`
	MarketKind     exchange.MarketKind `json:"market_type"`
	InitialBalance decimal.Decimal     `json:"initial_balance"`
	Leverage       int                 `json:"leverage"`
	Params         map[string]any      `json:"parameters"`
}

// Service replays historical candles through a strategy against a fresh
// simulated broker and keeps the results.
type Service struct {
	cfg      ServiceConfig
	registry *strategy.Registry
	store    ResultStore
	bus      *event.Bus
	logger   *zap.Logger
}

// NewService creates a Service. bus may be nil.
func NewService(cfg ServiceConfig, registry *strategy.Registry, store ResultStore, bus *event.Bus, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		registry: registry,
		store:    store,
		bus:      bus,
		logger:   logger.Named("backtest"),
	}
}

// Run executes req synchronously and stores the result.
func (s *Service) Run(ctx context.Context, req RunRequest) (Result, error) {
	if req.StrategyName == "" || req.Symbol == "" {
		return Result{}, fmt.Errorf("%w: strategy_name and symbol are required", strategy.ErrInvalidParams)
	}
	kind, err := exchange.ParseMarketKind(string(req.MarketKind))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", strategy.ErrInvalidParams, err)
	}

	l := s.logger.With(
		zap.String("strategy", req.StrategyName),
		zap.String("symbol", req.Symbol),
		zap.String("market", string(kind)),
	)
	l.Info("Starting backtest")

	candles, err := LoadCandles(s.dataPath(req))
	if err != nil {
		return Result{}, err
	}
	l.Info("Loaded candles", zap.Int("count", len(candles)))

	initial := req.InitialBalance
	if !initial.IsPositive() {
		initial = s.cfg.InitialBalance
	}
	leverage := req.Leverage
	if leverage < 1 {
		leverage = s.cfg.Leverage
	}
	rate := s.cfg.SpotCommissionRate
	if kind == exchange.MarketUSDTFutures {
		rate = s.cfg.FuturesCommissionRate
	}

	broker, err := NewBroker(BrokerConfig{
		MarketKind:     kind,
		InitialBalance: initial,
		CommissionRate: rate,
		Leverage:       leverage,
	}, l)
	if err != nil {
		return Result{}, err
	}

	deps := strategy.Deps{Logger: l, Broker: broker, Bus: s.bus, Symbol: req.Symbol}
	strat, err := s.registry.New(req.StrategyName, deps, req.Params)
	if err != nil {
		return Result{}, err
	}
	inst := strategy.NewInstance(strat, deps)

	if err := inst.Start(ctx); err != nil {
		return Result{}, err
	}
	replayErr := s.replay(ctx, broker, strat, req.Symbol, candles)
	if err := inst.Stop(context.WithoutCancel(ctx)); err != nil {
		replayErr = errors.Join(replayErr, err)
	}
	if replayErr != nil {
		return Result{}, replayErr
	}

	result := s.buildResult(req, kind, initial, len(candles), broker)
	if err := s.store.Save(ctx, result); err != nil {
		return Result{}, fmt.Errorf("save backtest result: %w", err)
	}
	l.Info("Backtest finished",
		zap.String("id", result.ID),
		zap.Stringer("final_balance", result.FinalBalance),
		zap.Stringer("profit", result.Profit),
		zap.Int("trades", result.TotalTrades),
	)
	return result, nil
}

func (s *Service) replay(ctx context.Context, broker *Broker, strat strategy.Strategy, symbol string, candles []exchange.Candle) error {
	for _, c := range candles {
		if err := ctx.Err(); err != nil {
			return err
		}
		broker.Observe(symbol, c)
		if err := strat.OnCandle(ctx, c); err != nil {
			return fmt.Errorf("candle %d: %w", c.OpenTime, err)
		}
	}
	return nil
}

func (s *Service) buildResult(req RunRequest, kind exchange.MarketKind, initial decimal.Decimal, candles int, broker *Broker) Result {
	final := broker.Equity()
	profit := final.Sub(initial)
	percent := decimal.Zero
	if initial.IsPositive() {
		percent = profit.Div(initial).Mul(decimal.NewFromInt(100))
	}
	trades := broker.Trades()
	return Result{
		ID:             uuid.NewString(),
		StrategyName:   req.StrategyName,
		Symbol:         req.Symbol,
		Interval:       req.Interval,
		MarketKind:     kind,
		Candles:        candles,
		InitialBalance: initial,
		FinalBalance:   final,
		Profit:         profit,
		ProfitPercent:  percent,
		MarginHeld:     broker.MarginHeld(),
		TotalTrades:    len(trades),
		Trades:         trades,
		CreatedAt:      time.Now(),
	}
}

func (s *Service) dataPath(req RunRequest) string {
	name := req.DataFile
	if name == "" {
		name = DataFile(req.Symbol, req.Interval)
	}
	return filepath.Join(s.cfg.DataDir, filepath.Base(name))
}

// Get returns a stored result.
func (s *Service) Get(ctx context.Context, id string) (Result, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns stored result summaries, newest first.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	return s.store.List(ctx)
}
