package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/event"
	"binance-grid-trader-go/internal/exchange"
)

// Status is the lifecycle state of an Instance.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Info describes an Instance for listings.
type Info struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Symbol    string              `json:"symbol"`
	Market    exchange.MarketKind `json:"market_type"`
	Status    Status              `json:"status"`
	StartedAt time.Time           `json:"started_at"`
	StoppedAt *time.Time          `json:"stopped_at,omitempty"`
}

// Instance wraps a Strategy with an id and a running/stopped lifecycle, and
// announces transitions on the event bus.
type Instance struct {
	id       string
	strategy Strategy
	symbol   string
	market   exchange.MarketKind
	bus      *event.Bus
	logger   *zap.Logger

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	stoppedAt *time.Time
}

// NewInstance wraps s. deps must be the ones s was built with.
func NewInstance(s Strategy, deps Deps) *Instance {
	id := uuid.NewString()
	var market exchange.MarketKind
	if deps.Broker != nil {
		market = deps.Broker.MarketKind()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instance{
		id:       id,
		strategy: s,
		symbol:   deps.Symbol,
		market:   market,
		bus:      deps.Bus,
		logger:   logger.With(zap.String("strategy", s.Name()), zap.String("instance_id", id)),
		status:   StatusCreated,
	}
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// Strategy returns the wrapped strategy.
func (i *Instance) Strategy() Strategy { return i.strategy }

// Start starts the strategy once; starting a running instance is a no-op.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status == StatusRunning {
		i.logger.Warn("Strategy is already running")
		return nil
	}
	if err := i.strategy.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", i.strategy.Name(), err)
	}
	i.status = StatusRunning
	i.startedAt = time.Now()
	i.stoppedAt = nil
	i.logger.Info("Strategy started", zap.String("symbol", i.symbol))
	i.publish(ctx, event.StrategyStarted)
	return nil
}

// Stop stops a running strategy; stopping anything else is a no-op.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusRunning {
		i.logger.Warn("Strategy is not running")
		return nil
	}
	now := time.Now()
	i.status = StatusStopped
	i.stoppedAt = &now
	err := i.strategy.Stop(ctx)
	i.logger.Info("Strategy stopped")
	i.publish(ctx, event.StrategyStopped)
	if err != nil {
		return fmt.Errorf("stop %s: %w", i.strategy.Name(), err)
	}
	return nil
}

// Info returns a snapshot of the instance.
func (i *Instance) Info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Info{
		ID:        i.id,
		Name:      i.strategy.Name(),
		Symbol:    i.symbol,
		Market:    i.market,
		Status:    i.status,
		StartedAt: i.startedAt,
		StoppedAt: i.stoppedAt,
	}
}

func (i *Instance) publish(ctx context.Context, t event.Type) {
	i.bus.Publish(ctx, event.Event{
		Type:   t,
		Source: i.strategy.Name(),
		Payload: map[string]any{
			"id":     i.id,
			"name":   i.strategy.Name(),
			"symbol": i.symbol,
		},
	})
}
