package strategy

import (
	"context"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/event"
	"binance-grid-trader-go/internal/exchange"
)

// GridName is the registry name of the grid strategy.
const GridName = "GridStrategy"

// GridParams configures a Grid. Values arrive from JSON or YAML and are
// decoded leniently, so "0.01" and 0.01 are both accepted.
type GridParams struct {
	// GridSize is the distance of each level from the center, as a fraction.
	GridSize decimal.Decimal `mapstructure:"grid_size"`
	// Quantity is the fixed base quantity per trade, used when
	// InvestmentPerGrid is zero.
	Quantity decimal.Decimal `mapstructure:"quantity"`
	// InvestmentPerGrid sizes each trade as a quote notional.
	InvestmentPerGrid decimal.Decimal `mapstructure:"investment_per_grid"`
	// InitialInvestment is the notional bought on the first candle when no
	// history is adopted. Falls back to InvestmentPerGrid.
	InitialInvestment decimal.Decimal `mapstructure:"initial_investment"`
	// ForceInitialBuy skips history recovery.
	ForceInitialBuy bool `mapstructure:"force_initial_buy"`
	// HistoryLimit bounds the order history read during recovery.
	HistoryLimit int `mapstructure:"history_limit"`
}

// DefaultGridParams returns the parameters a Grid uses for missing keys.
func DefaultGridParams() GridParams {
	return GridParams{
		GridSize:     decimal.RequireFromString("0.01"),
		Quantity:     decimal.RequireFromString("0.001"),
		HistoryLimit: 10,
	}
}

// Validate checks the parameter ranges.
func (p GridParams) Validate() error {
	if !p.GridSize.IsPositive() || p.GridSize.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: grid_size must be in (0, 1), got %s", ErrInvalidParams, p.GridSize)
	}
	if p.InvestmentPerGrid.IsNegative() || p.InitialInvestment.IsNegative() {
		return fmt.Errorf("%w: investments must not be negative", ErrInvalidParams)
	}
	if !p.InvestmentPerGrid.IsPositive() && !p.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive when investment_per_grid is not set", ErrInvalidParams)
	}
	if p.HistoryLimit < 1 {
		return fmt.Errorf("%w: history_limit must be at least 1, got %d", ErrInvalidParams, p.HistoryLimit)
	}
	return nil
}

// DecodeGridParams overlays raw onto the defaults and validates the result.
func DecodeGridParams(raw map[string]any) (GridParams, error) {
	params := DefaultGridParams()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decimalHook,
		WeaklyTypedInput: true,
		Result:           &params,
	})
	if err != nil {
		return GridParams{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return GridParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := params.Validate(); err != nil {
		return GridParams{}, err
	}
	return params, nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func decimalHook(from, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	}
	return nil, fmt.Errorf("cannot decode %s into a decimal", from)
}

// Grid is a dynamic grid: it keeps one buy level below and one sell level
// above a center price, trades when the close crosses a level and moves the
// center to that level once the broker confirms the fill.
type Grid struct {
	params GridParams
	symbol string
	broker exchange.Broker
	bus    *event.Bus
	logger *zap.Logger

	initialized bool
	center      decimal.Decimal
	buyLevel    decimal.Decimal
	sellLevel   decimal.Decimal
}

// NewGrid is the registry Factory of the grid strategy.
func NewGrid(deps Deps, raw map[string]any) (Strategy, error) {
	if deps.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidParams)
	}
	if deps.Broker == nil {
		return nil, fmt.Errorf("grid strategy requires a broker")
	}
	params, err := DecodeGridParams(raw)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Grid{
		params: params,
		symbol: deps.Symbol,
		broker: deps.Broker,
		bus:    deps.Bus,
		logger: logger.Named("grid").With(zap.String("symbol", deps.Symbol)),
	}, nil
}

func (g *Grid) Name() string { return GridName }

// Params returns the decoded parameters.
func (g *Grid) Params() GridParams { return g.params }

// Levels returns the center, buy and sell prices. ok is false before the
// first candle.
func (g *Grid) Levels() (center, buy, sell decimal.Decimal, ok bool) {
	return g.center, g.buyLevel, g.sellLevel, g.initialized
}

func (g *Grid) Start(_ context.Context) error {
	mode, value := "fixed quantity", g.params.Quantity
	if g.params.InvestmentPerGrid.IsPositive() {
		mode, value = "fixed notional", g.params.InvestmentPerGrid
	}
	g.logger.Info("Starting grid strategy",
		zap.Stringer("grid_size", g.params.GridSize),
		zap.String("mode", mode),
		zap.Stringer("value", value),
	)
	return nil
}

func (g *Grid) Stop(_ context.Context) error {
	g.logger.Info("Grid strategy stopped")
	return nil
}

func (g *Grid) OnCandle(ctx context.Context, candle exchange.Candle) error {
	price := candle.Close
	if !price.IsPositive() {
		return fmt.Errorf("candle at %d has non-positive close %s", candle.OpenTime, price)
	}

	if !g.initialized {
		if err := g.initialize(ctx, price); err != nil {
			return err
		}
		return nil
	}

	switch {
	case price.LessThanOrEqual(g.buyLevel):
		return g.trade(ctx, exchange.SideBuy, g.buyLevel, price)
	case price.GreaterThanOrEqual(g.sellLevel):
		return g.trade(ctx, exchange.SideSell, g.sellLevel, price)
	}
	return nil
}

func (g *Grid) initialize(ctx context.Context, price decimal.Decimal) error {
	if !g.params.ForceInitialBuy {
		center, ok, err := g.recoverCenter(ctx)
		if err != nil {
			return err
		}
		if ok {
			g.logger.Info("Resumed from order history", zap.Stringer("center", center))
			g.recenter(center)
			return nil
		}
	}

	investment := g.params.InitialInvestment
	if !investment.IsPositive() {
		investment = g.params.InvestmentPerGrid
	}
	if investment.IsPositive() {
		g.logger.Info("Placing initial buy", zap.Stringer("investment", investment))
		order := exchange.NewMarketOrder(g.symbol, exchange.SideBuy, investment.Div(price), g.broker.MarketKind())
		if _, err := g.submit(ctx, order, price); err != nil {
			return err
		}
	}
	g.recenter(price)
	return nil
}

// recoverCenter adopts the price of the most recent filled order.
func (g *Grid) recoverCenter(ctx context.Context) (decimal.Decimal, bool, error) {
	orders, err := g.broker.GetHistoryOrders(ctx, g.symbol, g.params.HistoryLimit)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("read order history: %w", err)
	}
	for _, o := range orders {
		if o.Status != exchange.OrderStatusFilled {
			continue
		}
		if p, ok := o.ReferencePrice(); ok {
			return p, true, nil
		}
	}
	return decimal.Zero, false, nil
}

func (g *Grid) trade(ctx context.Context, side exchange.Side, level, price decimal.Decimal) error {
	g.logger.Info("Grid level crossed",
		zap.String("side", string(side)),
		zap.Stringer("level", level),
		zap.Stringer("close", price),
	)
	order := exchange.NewMarketOrder(g.symbol, side, g.quantityAt(level), g.broker.MarketKind())
	filled, err := g.submit(ctx, order, price)
	if err != nil {
		return err
	}
	if filled {
		g.recenter(level)
	}
	return nil
}

// submit sends order and reports whether it filled. Rejections are published
// and logged but are not errors.
func (g *Grid) submit(ctx context.Context, order *exchange.Order, price decimal.Decimal) (bool, error) {
	result, err := g.broker.CreateOrder(ctx, order)
	if err != nil {
		g.bus.Publish(ctx, event.Event{Type: event.SystemError, Source: GridName, Payload: err.Error()})
		return false, fmt.Errorf("create %s order: %w", order.Side, err)
	}
	if result.Status == exchange.OrderStatusFilled {
		g.bus.Publish(ctx, event.Event{Type: event.OrderFilled, Source: GridName, Payload: *result})
		return true, nil
	}
	g.logger.Warn("Order not filled, keeping grid levels",
		zap.String("order_id", result.ID),
		zap.String("status", string(result.Status)),
		zap.String("reason", result.RejectReason),
		zap.Stringer("close", price),
	)
	g.bus.Publish(ctx, event.Event{Type: event.OrderRejected, Source: GridName, Payload: *result})
	return false, nil
}

func (g *Grid) quantityAt(level decimal.Decimal) decimal.Decimal {
	if g.params.InvestmentPerGrid.IsPositive() {
		return g.params.InvestmentPerGrid.Div(level)
	}
	return g.params.Quantity
}

func (g *Grid) recenter(center decimal.Decimal) {
	one := decimal.NewFromInt(1)
	g.center = center
	g.buyLevel = center.Mul(one.Sub(g.params.GridSize))
	g.sellLevel = center.Mul(one.Add(g.params.GridSize))
	g.initialized = true
	g.logger.Info("New grid levels",
		zap.Stringer("buy", g.buyLevel),
		zap.Stringer("sell", g.sellLevel),
		zap.Stringer("center", g.center),
	)
}
