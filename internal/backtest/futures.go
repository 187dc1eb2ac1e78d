package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"

	"binance-grid-trader-go/internal/exchange"
)

// DefaultFuturesCommissionRate is the taker fee applied to USDT-margined
// futures fills (0.05%).
var DefaultFuturesCommissionRate = decimal.RequireFromString("0.0005")

// futuresPolicy settles fills on a net-position (one-way mode) leveraged
// market. Each symbol holds at most one signed position; margin moves out of
// the wallet when exposure grows and back in, proportionally, when it shrinks.
type futuresPolicy struct {
	rate     decimal.Decimal
	leverage int
}

func (p futuresPolicy) kind() exchange.MarketKind { return exchange.MarketUSDTFutures }

func (p futuresPolicy) requiredMargin(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Div(decimal.NewFromInt(int64(p.leverage)))
}

// apply stages every change on copies of the wallet and the position and
// commits them only once the whole order is known to succeed, so a rejected
// order leaves the ledger exactly as it was.
func (p futuresPolicy) apply(l *Ledger, o *exchange.Order, price decimal.Decimal) bool {
	qty := o.Quantity
	delta := o.SignedQuantity()
	commission := qty.Mul(price).Mul(p.rate)

	wallet := l.wallet
	pos := l.position(o.Symbol)
	current := pos.amount

	if current.IsZero() || current.Sign() == delta.Sign() {
		required := p.requiredMargin(qty, price)
		total := commission.Add(required)
		if wallet.LessThan(total) {
			o.Reject(fmt.Sprintf("insufficient balance for margin and commission: need %s, have %s", total, wallet))
			return false
		}
		wallet = wallet.Sub(total)
		amount := current.Add(delta)
		pos.entryPrice = current.Abs().Mul(pos.entryPrice).Add(qty.Mul(price)).Div(amount.Abs())
		pos.margin = pos.margin.Add(required)
		pos.amount = amount
	} else {
		held := current.Abs()
		closed := decimal.Min(qty, held)
		remaining := qty.Sub(closed)
		direction := decimal.NewFromInt(int64(current.Sign()))
		pnl := price.Sub(pos.entryPrice).Mul(closed).Mul(direction)

		released := pos.margin
		if closed.LessThan(held) {
			released = pos.margin.Mul(closed).Div(held)
		}
		wallet = wallet.Add(released).Add(pnl).Sub(commission)
		pos.margin = pos.margin.Sub(released)

		if remaining.IsZero() {
			pos.amount = current.Add(delta)
			if pos.amount.IsZero() {
				pos.entryPrice = decimal.Zero
				pos.margin = decimal.Zero
			}
		} else {
			required := p.requiredMargin(remaining, price)
			if wallet.LessThan(required) {
				o.Reject(fmt.Sprintf("insufficient balance to open reverse position: need %s, have %s", required, wallet))
				return false
			}
			wallet = wallet.Sub(required)
			pos.amount = remaining.Mul(decimal.NewFromInt(int64(delta.Sign())))
			pos.entryPrice = price
			pos.margin = required
		}
	}

	l.wallet = wallet
	l.setPosition(o.Symbol, pos)
	o.Fill(price, qty, commission, exchange.QuoteAsset)
	return true
}

func (p futuresPolicy) position(l *Ledger, symbol string, mark decimal.Decimal) exchange.Position {
	pos := l.position(symbol)
	return exchange.Position{
		Symbol:        symbol,
		Amount:        pos.amount,
		EntryPrice:    pos.entryPrice,
		Margin:        pos.margin,
		Leverage:      p.leverage,
		MarkPrice:     mark,
		UnrealizedPnL: exchange.UnrealizedPnL(pos.amount, pos.entryPrice, mark),
	}
}

// balance reports equity for the quote asset: wallet plus the unrealized PnL
// of every open position. Margin held is not part of it.
func (p futuresPolicy) balance(l *Ledger, asset string, marks map[string]decimal.Decimal) decimal.Decimal {
	if asset != exchange.QuoteAsset {
		return decimal.Zero
	}
	equity := l.wallet
	for symbol, pos := range l.positions {
		equity = equity.Add(exchange.UnrealizedPnL(pos.amount, pos.entryPrice, marks[symbol]))
	}
	return equity
}

func (p futuresPolicy) equity(l *Ledger, marks map[string]decimal.Decimal) decimal.Decimal {
	return p.balance(l, exchange.QuoteAsset, marks)
}
