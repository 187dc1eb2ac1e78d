package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"binance-grid-trader-go/internal/binance"
	"binance-grid-trader-go/internal/event"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/strategy"
)

// ErrStrategyNotFound is returned for an unknown strategy instance id.
var ErrStrategyNotFound = errors.New("strategy instance not found")

// ClientFactory returns the REST client for a market.
type ClientFactory func(market exchange.MarketKind) (binance.RestClientInterface, error)

// ServiceConfig controls the polling loops.
type ServiceConfig struct {
	PollInterval  time.Duration
	KlineInterval string
	// MarketKind is used when the start parameters carry no market_type.
	MarketKind exchange.MarketKind
	// HistoryLimit is passed as "history_limit" unless the start parameters
	// set one.
	HistoryLimit int
}

// StrategyInfo is a running or stopped live strategy with the parameters it
// was started with.
type StrategyInfo struct {
	strategy.Info
	Parameters map[string]any `json:"parameters"`
}

type runner struct {
	instance *strategy.Instance
	client   binance.RestClientInterface
	symbol   string
	params   map[string]any
	cancel   context.CancelFunc
	done     chan struct{}
}

// Service starts live strategies and feeds each one the latest kline of its
// symbol on a fixed interval.
type Service struct {
	cfg       ServiceConfig
	registry  *strategy.Registry
	bus       *event.Bus
	newClient ClientFactory
	logger    *zap.Logger

	mu      sync.Mutex
	runners map[string]*runner
	order   []string
}

// withDefaults copies params and fills in service-wide defaults.
func (s *Service) withDefaults(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if _, ok := out["history_limit"]; !ok && s.cfg.HistoryLimit > 0 {
		out["history_limit"] = s.cfg.HistoryLimit
	}
	return out
}

// NewService creates a live trading service.
func NewService(cfg ServiceConfig, registry *strategy.Registry, newClient ClientFactory, bus *event.Bus, logger *zap.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1m"
	}
	if cfg.MarketKind == "" {
		cfg.MarketKind = exchange.MarketSpot
	}
	return &Service{
		cfg:       cfg,
		registry:  registry,
		bus:       bus,
		newClient: newClient,
		logger:    logger.Named("live-service"),
		runners:   make(map[string]*runner),
	}
}

// StartStrategy builds strategy name on symbol, starts it and launches its
// polling loop. params may carry "market_type" to pick the market.
func (s *Service) StartStrategy(ctx context.Context, name, symbol string, params map[string]any) (string, error) {
	if symbol == "" {
		return "", fmt.Errorf("%w: symbol is required", strategy.ErrInvalidParams)
	}
	market := s.cfg.MarketKind
	if raw, ok := params["market_type"]; ok {
		str, _ := raw.(string)
		kind, err := exchange.ParseMarketKind(str)
		if err != nil {
			return "", fmt.Errorf("%w: %v", strategy.ErrInvalidParams, err)
		}
		market = kind
	}

	params = s.withDefaults(params)

	client, err := s.newClient(market)
	if err != nil {
		return "", fmt.Errorf("create %s client: %w", market, err)
	}
	deps := strategy.Deps{
		Logger: s.logger.With(zap.String("symbol", symbol)),
		Broker: NewBroker(client, s.logger),
		Bus:    s.bus,
		Symbol: symbol,
	}
	strat, err := s.registry.New(name, deps, params)
	if err != nil {
		return "", err
	}
	instance := strategy.NewInstance(strat, deps)
	if err := instance.Start(ctx); err != nil {
		return "", err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &runner{
		instance: instance,
		client:   client,
		symbol:   symbol,
		params:   params,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.runners[instance.ID()] = r
	s.order = append(s.order, instance.ID())
	s.mu.Unlock()

	go s.run(loopCtx, r)

	s.logger.Info("Live strategy started",
		zap.String("id", instance.ID()),
		zap.String("strategy", name),
		zap.String("symbol", symbol),
		zap.String("market", string(market)),
	)
	return instance.ID(), nil
}

// StopStrategy cancels the polling loop of id, waits for it to exit and
// stops the strategy. Stopping a stopped strategy is a no-op.
func (s *Service) StopStrategy(ctx context.Context, id string) error {
	s.mu.Lock()
	r, ok := s.runners[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}

	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		// The loop is canceled and exits on its own; the strategy is
		// stopped either way.
		return errors.Join(ctx.Err(), r.instance.Stop(context.WithoutCancel(ctx)))
	}
	return r.instance.Stop(ctx)
}

// List returns every strategy started by the service in start order,
// including stopped ones.
func (s *Service) List() []StrategyInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]StrategyInfo, 0, len(s.order))
	for _, id := range s.order {
		r := s.runners[id]
		infos = append(infos, StrategyInfo{Info: r.instance.Info(), Parameters: r.params})
	}
	return infos
}

// Shutdown stops every strategy that is still running.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.StopStrategy(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) run(ctx context.Context, r *runner) {
	defer close(r.done)
	l := s.logger.With(zap.String("id", r.instance.ID()), zap.String("symbol", r.symbol))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	l.Info("Starting polling loop", zap.Duration("interval", s.cfg.PollInterval))
	for {
		s.poll(ctx, r, l)
		select {
		case <-ctx.Done():
			l.Info("Polling loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// poll feeds the latest kline to the strategy. Failures are logged and the
// loop carries on with the next tick.
func (s *Service) poll(ctx context.Context, r *runner, l *zap.Logger) {
	candles, err := r.client.GetKlines(ctx, r.symbol, s.cfg.KlineInterval, 1)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.Error("Failed to fetch market data", zap.Error(err))
		s.bus.Publish(ctx, event.Event{Type: event.SystemError, Source: r.instance.Strategy().Name(), Payload: err.Error()})
		return
	}
	if len(candles) == 0 {
		return
	}

	latest := candles[len(candles)-1]
	s.bus.Publish(ctx, event.Event{
		Type:   event.TickerUpdate,
		Source: r.symbol,
		Payload: map[string]any{
			"symbol": r.symbol,
			"candle": latest,
		},
	})
	if err := r.instance.Strategy().OnCandle(ctx, latest); err != nil {
		l.Error("Strategy failed to process candle", zap.Error(err))
	}
}
