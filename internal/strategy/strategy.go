// Package strategy defines the trading strategy contract, the registry that
// builds strategies by name, and the grid strategy.
package strategy

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"binance-grid-trader-go/internal/event"
	"binance-grid-trader-go/internal/exchange"
)

var (
	// ErrNotFound is returned when no factory is registered under a name.
	ErrNotFound = errors.New("strategy not found")
	// ErrInvalidParams is returned when strategy parameters fail validation.
	ErrInvalidParams = errors.New("invalid strategy parameters")
)

// Deps gives a strategy access to the components it trades through.
type Deps struct {
	Logger *zap.Logger
	Broker exchange.Broker
	// Bus is optional; a nil bus drops events.
	Bus    *event.Bus
	Symbol string
}

// Strategy consumes candles and trades through its broker.
type Strategy interface {
	// Name returns the registered name of the strategy.
	Name() string

	// Start prepares the strategy before the first candle.
	Start(ctx context.Context) error

	// Stop releases whatever Start acquired.
	Stop(ctx context.Context) error

	// OnCandle is called once per candle, in open-time order for replays.
	OnCandle(ctx context.Context, candle exchange.Candle) error
}

// Factory builds a strategy from its dependencies and raw parameters.
type Factory func(deps Deps, params map[string]any) (Strategy, error)
