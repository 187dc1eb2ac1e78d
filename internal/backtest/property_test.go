package backtest

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"binance-grid-trader-go/internal/exchange"
)

type step struct {
	side  exchange.Side
	qty   decimal.Decimal
	price decimal.Decimal
}

func drawStep(t *rapid.T, label string) step {
	side := exchange.SideBuy
	if rapid.Bool().Draw(t, label+"_sell") {
		side = exchange.SideSell
	}
	return step{
		side:  side,
		qty:   decimal.NewFromInt(rapid.Int64Range(1, 50).Draw(t, label+"_qty")),
		price: decimal.NewFromInt(rapid.Int64Range(1, 500).Draw(t, label+"_price")),
	}
}

func apply(t *rapid.T, b *Broker, s step) *exchange.Order {
	b.SetMarkPrice(symbol, s.price)
	o, err := b.CreateOrder(context.Background(), exchange.NewMarketOrder(symbol, s.side, s.qty, b.MarketKind()))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestProperty_SpotBalanceConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := decimal.NewFromInt(rapid.Int64Range(0, 20000).Draw(t, "initial"))
		b, err := NewBroker(BrokerConfig{MarketKind: exchange.MarketSpot, InitialBalance: initial}, zap.NewNop())
		if err != nil {
			t.Fatalf("new broker: %v", err)
		}

		expectedWallet := initial
		expectedInventory := decimal.Zero
		n := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < n; i++ {
			o := apply(t, b, drawStep(t, "step"))
			if o.Status != exchange.OrderStatusFilled {
				continue
			}
			cost := o.FilledPrice.Mul(o.FilledQuantity)
			if !o.Commission.Equal(cost.Mul(DefaultSpotCommissionRate)) {
				t.Fatalf("commission %s is not rate * cost %s", o.Commission, cost)
			}
			if o.Side == exchange.SideBuy {
				expectedWallet = expectedWallet.Sub(cost).Sub(o.Commission)
				expectedInventory = expectedInventory.Add(o.FilledQuantity)
			} else {
				expectedWallet = expectedWallet.Add(cost).Sub(o.Commission)
				expectedInventory = expectedInventory.Sub(o.FilledQuantity)
			}

			if b.WalletBalance().IsNegative() {
				t.Fatalf("wallet went negative: %s", b.WalletBalance())
			}
		}

		if !b.WalletBalance().Equal(expectedWallet) {
			t.Fatalf("wallet %s != initial plus cash flows %s", b.WalletBalance(), expectedWallet)
		}
		inventory, _ := b.GetAccountBalance(context.Background(), "BTC")
		if !inventory.Equal(expectedInventory) || inventory.IsNegative() {
			t.Fatalf("inventory %s, expected %s", inventory, expectedInventory)
		}
		mark := b.marks[symbol]
		if !b.Equity().Equal(expectedWallet.Add(expectedInventory.Mul(mark))) {
			t.Fatalf("equity %s does not match wallet plus inventory value", b.Equity())
		}
	})
}

func TestProperty_FuturesMarginInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		leverage := rapid.IntRange(1, 20).Draw(t, "leverage")
		initial := decimal.NewFromInt(rapid.Int64Range(100, 50000).Draw(t, "initial"))
		b, err := NewBroker(BrokerConfig{
			MarketKind:     exchange.MarketUSDTFutures,
			InitialBalance: initial,
			Leverage:       leverage,
		}, zap.NewNop())
		if err != nil {
			t.Fatalf("new broker: %v", err)
		}

		n := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < n; i++ {
			apply(t, b, drawStep(t, "step"))

			pos, _ := b.GetPosition(context.Background(), symbol)
			if pos.Margin.IsNegative() {
				t.Fatalf("negative margin %s", pos.Margin)
			}
			if pos.Margin.IsZero() != pos.Amount.IsZero() {
				t.Fatalf("margin %s and amount %s disagree on flatness", pos.Margin, pos.Amount)
			}
			if pos.Amount.IsZero() && !pos.EntryPrice.IsZero() {
				t.Fatalf("flat position kept entry price %s", pos.EntryPrice)
			}
			if !b.MarginHeld().Equal(pos.Margin) {
				t.Fatalf("margin held %s differs from position margin %s", b.MarginHeld(), pos.Margin)
			}
		}
	})
}

func TestProperty_RejectedOrdersLeaveLedgerUntouched(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind := rapid.SampledFrom([]exchange.MarketKind{exchange.MarketSpot, exchange.MarketUSDTFutures}).Draw(t, "kind")
		b, err := NewBroker(BrokerConfig{
			MarketKind:     kind,
			InitialBalance: decimal.NewFromInt(rapid.Int64Range(10, 5000).Draw(t, "initial")),
			Leverage:       rapid.IntRange(1, 5).Draw(t, "leverage"),
		}, zap.NewNop())
		if err != nil {
			t.Fatalf("new broker: %v", err)
		}

		n := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < n; i++ {
			s := drawStep(t, "step")
			b.SetMarkPrice(symbol, s.price)

			walletBefore := b.WalletBalance()
			posBefore, _ := b.GetPosition(context.Background(), symbol)
			tradesBefore := len(b.Trades())

			o := apply(t, b, s)

			if o.Status == exchange.OrderStatusFilled {
				if len(b.Trades()) != tradesBefore+1 {
					t.Fatalf("filled order must append exactly one trade")
				}
				continue
			}
			posAfter, _ := b.GetPosition(context.Background(), symbol)
			if !walletBefore.Equal(b.WalletBalance()) {
				t.Fatalf("rejected order moved wallet from %s to %s", walletBefore, b.WalletBalance())
			}
			if !posBefore.Amount.Equal(posAfter.Amount) ||
				!posBefore.EntryPrice.Equal(posAfter.EntryPrice) ||
				!posBefore.Margin.Equal(posAfter.Margin) {
				t.Fatalf("rejected order changed position %+v -> %+v", posBefore, posAfter)
			}
			if len(b.Trades()) != tradesBefore {
				t.Fatalf("rejected order appended a trade")
			}
		}
	})
}
