package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"

	"binance-grid-trader-go/internal/exchange"
)

// DefaultSpotCommissionRate is the taker fee applied to spot fills (0.1%).
var DefaultSpotCommissionRate = decimal.RequireFromString("0.001")

// spotPolicy settles cash-market fills: buys spend quote balance, sells spend
// inventory. There is no short selling and no partial fill.
type spotPolicy struct {
	rate decimal.Decimal
}

func (p spotPolicy) kind() exchange.MarketKind { return exchange.MarketSpot }

func (p spotPolicy) apply(l *Ledger, o *exchange.Order, price decimal.Decimal) bool {
	cost := price.Mul(o.Quantity)
	commission := cost.Mul(p.rate)
	h := l.holding(o.Symbol)

	switch o.Side {
	case exchange.SideBuy:
		total := cost.Add(commission)
		if l.wallet.LessThan(total) {
			o.Reject(fmt.Sprintf("insufficient balance: need %s, have %s", total, l.wallet))
			return false
		}
		l.wallet = l.wallet.Sub(total)
		amount := h.amount.Add(o.Quantity)
		h.avgCost = h.amount.Mul(h.avgCost).Add(cost).Div(amount)
		h.amount = amount
	case exchange.SideSell:
		if h.amount.LessThan(o.Quantity) {
			o.Reject(fmt.Sprintf("insufficient inventory: need %s, have %s", o.Quantity, h.amount))
			return false
		}
		h.amount = h.amount.Sub(o.Quantity)
		l.wallet = l.wallet.Add(cost.Sub(commission))
	}
	l.setHolding(o.Symbol, h)

	o.Fill(price, o.Quantity, commission, exchange.QuoteAsset)
	return true
}

func (p spotPolicy) position(l *Ledger, symbol string, mark decimal.Decimal) exchange.Position {
	h := l.holding(symbol)
	return exchange.Position{
		Symbol:        symbol,
		Amount:        h.amount,
		EntryPrice:    h.avgCost,
		Margin:        decimal.Zero,
		Leverage:      1,
		MarkPrice:     mark,
		UnrealizedPnL: exchange.UnrealizedPnL(h.amount, h.avgCost, mark),
	}
}

// balance returns the free quote balance for the quote asset and the summed
// inventory for a base asset.
func (p spotPolicy) balance(l *Ledger, asset string, _ map[string]decimal.Decimal) decimal.Decimal {
	if asset == exchange.QuoteAsset {
		return l.wallet
	}
	total := decimal.Zero
	for symbol, h := range l.holdings {
		if exchange.BaseAsset(symbol) == asset {
			total = total.Add(h.amount)
		}
	}
	return total
}

func (p spotPolicy) equity(l *Ledger, marks map[string]decimal.Decimal) decimal.Decimal {
	equity := l.wallet
	for symbol, h := range l.holdings {
		equity = equity.Add(h.amount.Mul(marks[symbol]))
	}
	return equity
}
