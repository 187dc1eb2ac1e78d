// Package backtest implements the simulated exchange: an in-memory account
// ledger, the spot and USDT-futures accounting policies, the Broker that
// binds them to order intake, and the loop that replays candles through a
// strategy.
package backtest

import (
	"github.com/shopspring/decimal"

	"binance-grid-trader-go/internal/exchange"
)

// holding is spot inventory of one symbol.
type holding struct {
	amount  decimal.Decimal
	avgCost decimal.Decimal
}

// position is the net derivative exposure of one symbol.
// margin is zero exactly when amount is zero.
type position struct {
	amount     decimal.Decimal
	entryPrice decimal.Decimal
	margin     decimal.Decimal
}

// Ledger is the unit of truth for one broker's account. It is owned by a
// single Broker and never shared, so it carries no locks.
type Ledger struct {
	wallet    decimal.Decimal
	holdings  map[string]holding
	positions map[string]position
	trades    []exchange.Trade
	orders    []exchange.Order
}

func newLedger(initial decimal.Decimal) *Ledger {
	return &Ledger{
		wallet:    initial,
		holdings:  make(map[string]holding),
		positions: make(map[string]position),
	}
}

func (l *Ledger) holding(symbol string) holding {
	h, ok := l.holdings[symbol]
	if !ok {
		return holding{}
	}
	return h
}

func (l *Ledger) setHolding(symbol string, h holding) {
	if h.amount.IsZero() {
		delete(l.holdings, symbol)
		return
	}
	l.holdings[symbol] = h
}

func (l *Ledger) position(symbol string) position {
	p, ok := l.positions[symbol]
	if !ok {
		return position{}
	}
	return p
}

func (l *Ledger) setPosition(symbol string, p position) {
	if p.amount.IsZero() {
		delete(l.positions, symbol)
		return
	}
	l.positions[symbol] = p
}

func (l *Ledger) appendTrade(t exchange.Trade) {
	l.trades = append(l.trades, t)
}

func (l *Ledger) appendOrder(o exchange.Order) {
	l.orders = append(l.orders, o)
}

// historyOrders returns up to limit resolved orders for symbol, newest first.
// A non-positive limit returns all of them.
func (l *Ledger) historyOrders(symbol string, limit int) []exchange.Order {
	out := make([]exchange.Order, 0)
	for i := len(l.orders) - 1; i >= 0; i-- {
		if l.orders[i].Symbol != symbol {
			continue
		}
		out = append(out, l.orders[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (l *Ledger) tradesCopy() []exchange.Trade {
	out := make([]exchange.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}
