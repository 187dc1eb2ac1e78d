package backtest

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/logger"
)

// accountingPolicy is the market-specific part of the simulated exchange.
// A Broker picks one at construction and keeps it for its whole life.
type accountingPolicy interface {
	kind() exchange.MarketKind
	// apply settles o at price against l. It either fills o and commits every
	// ledger change, or rejects o and leaves l untouched.
	apply(l *Ledger, o *exchange.Order, price decimal.Decimal) bool
	position(l *Ledger, symbol string, mark decimal.Decimal) exchange.Position
	balance(l *Ledger, asset string, marks map[string]decimal.Decimal) decimal.Decimal
	equity(l *Ledger, marks map[string]decimal.Decimal) decimal.Decimal
}

// BrokerConfig parameterizes a simulated Broker.
type BrokerConfig struct {
	MarketKind     exchange.MarketKind
	InitialBalance decimal.Decimal
	// CommissionRate overrides the market default when positive.
	CommissionRate decimal.Decimal
	// Leverage applies to futures only; values below 1 mean 1.
	Leverage int
}

// Ensure Broker implements the exchange contract.
var _ exchange.Broker = (*Broker)(nil)

// Broker is the simulated exchange. Every order is resolved immediately at the
// current mark price of its symbol; nothing ever rests on a book.
type Broker struct {
	logger *zap.Logger
	policy accountingPolicy
	ledger *Ledger
	marks  map[string]decimal.Decimal
	clock  map[string]int64
}

// NewBroker creates a simulated broker for cfg.MarketKind.
func NewBroker(cfg BrokerConfig, log *zap.Logger) (*Broker, error) {
	if cfg.InitialBalance.IsNegative() {
		return nil, fmt.Errorf("initial balance must not be negative, got %s", cfg.InitialBalance)
	}

	var policy accountingPolicy
	switch cfg.MarketKind {
	case exchange.MarketSpot:
		rate := DefaultSpotCommissionRate
		if cfg.CommissionRate.IsPositive() {
			rate = cfg.CommissionRate
		}
		policy = spotPolicy{rate: rate}
	case exchange.MarketUSDTFutures:
		rate := DefaultFuturesCommissionRate
		if cfg.CommissionRate.IsPositive() {
			rate = cfg.CommissionRate
		}
		leverage := cfg.Leverage
		if leverage < 1 {
			leverage = 1
		}
		policy = futuresPolicy{rate: rate, leverage: leverage}
	default:
		return nil, fmt.Errorf("unsupported market type %q", cfg.MarketKind)
	}

	return &Broker{
		logger: logger.Component(log, "sim-broker", zap.String("market", string(cfg.MarketKind))),
		policy: policy,
		ledger: newLedger(cfg.InitialBalance),
		marks:  make(map[string]decimal.Decimal),
		clock:  make(map[string]int64),
	}, nil
}

// MarketKind returns the market the broker was built for.
func (b *Broker) MarketKind() exchange.MarketKind {
	return b.policy.kind()
}

// Observe makes the candle's close the reference price of symbol.
func (b *Broker) Observe(symbol string, c exchange.Candle) {
	b.marks[symbol] = c.Close
	b.clock[symbol] = c.OpenTime
}

// SetMarkPrice sets the reference price of symbol directly.
func (b *Broker) SetMarkPrice(symbol string, price decimal.Decimal) {
	b.marks[symbol] = price
}

// CreateOrder resolves order against the ledger. Insufficient funds, margin
// or inventory reject the order; the returned error is reserved for orders
// that were already resolved.
func (b *Broker) CreateOrder(_ context.Context, order *exchange.Order) (*exchange.Order, error) {
	if order.Resolved() {
		return order, fmt.Errorf("%w: order %s is %s", exchange.ErrOrderResolved, order.ID, order.Status)
	}

	l := b.logger.With(
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Stringer("quantity", order.Quantity),
	)

	b.resolve(order)
	b.ledger.appendOrder(*order)

	if order.Status != exchange.OrderStatusFilled {
		l.Debug("Order rejected", zap.String("reason", order.RejectReason))
		return order, nil
	}

	b.ledger.appendTrade(exchange.Trade{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      order.FilledPrice,
		Quantity:   order.FilledQuantity,
		Cost:       order.FilledPrice.Mul(order.FilledQuantity),
		Commission: order.Commission,
		Time:       b.clock[order.Symbol],
	})
	l.Debug("Order filled",
		zap.Stringer("price", order.FilledPrice),
		zap.Stringer("commission", order.Commission),
		zap.Stringer("wallet", b.ledger.wallet),
	)
	return order, nil
}

func (b *Broker) resolve(order *exchange.Order) {
	if order.MarketKind != b.policy.kind() {
		order.Reject(fmt.Sprintf("market type %s does not match broker %s", order.MarketKind, b.policy.kind()))
		return
	}
	if err := order.Validate(); err != nil {
		order.Reject(err.Error())
		return
	}
	price, ok := b.marks[order.Symbol]
	if !ok || !price.IsPositive() {
		order.Reject("no reference price for " + order.Symbol)
		return
	}
	b.policy.apply(b.ledger, order, price)
}

// CancelOrder is a no-op: simulated orders never rest.
func (b *Broker) CancelOrder(_ context.Context, _, _ string) error {
	return nil
}

// GetAccountBalance returns the free quote balance (spot), the equity (futures
// quote asset) or the held inventory (spot base asset).
func (b *Broker) GetAccountBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	return b.policy.balance(b.ledger, asset, b.marks), nil
}

// GetOpenOrders always returns an empty list.
func (b *Broker) GetOpenOrders(_ context.Context, _ string) ([]exchange.Order, error) {
	return []exchange.Order{}, nil
}

// GetHistoryOrders returns resolved orders for symbol, newest first.
func (b *Broker) GetHistoryOrders(_ context.Context, symbol string, limit int) ([]exchange.Order, error) {
	return b.ledger.historyOrders(symbol, limit), nil
}

// GetPosition returns the exposure on symbol marked at its reference price.
func (b *Broker) GetPosition(_ context.Context, symbol string) (exchange.Position, error) {
	return b.policy.position(b.ledger, symbol, b.marks[symbol]), nil
}

// Equity is the account's mark-to-market net worth: wallet plus inventory
// value for spot, wallet plus unrealized PnL for futures.
func (b *Broker) Equity() decimal.Decimal {
	return b.policy.equity(b.ledger, b.marks)
}

// WalletBalance is the raw quote balance, excluding held margin and
// unrealized PnL.
func (b *Broker) WalletBalance() decimal.Decimal {
	return b.ledger.wallet
}

// MarginHeld sums the margin reserved by open futures positions.
func (b *Broker) MarginHeld() decimal.Decimal {
	total := decimal.Zero
	for _, p := range b.ledger.positions {
		total = total.Add(p.margin)
	}
	return total
}

// Trades returns a copy of the trade log in execution order.
func (b *Broker) Trades() []exchange.Trade {
	return b.ledger.tradesCopy()
}
