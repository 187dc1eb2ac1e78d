package exchange

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteAsset is the settlement asset of every market this system trades.
const QuoteAsset = "USDT"

// Candle is one OHLCV bar. OpenTime is in milliseconds since the epoch.
type Candle struct {
	OpenTime int64           `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Time returns OpenTime as a time.Time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime)
}

// Position is a point-in-time view of the exposure held on one symbol.
// Amount is signed: positive is net long, negative net short.
type Position struct {
	Symbol        string          `json:"symbol"`
	Amount        decimal.Decimal `json:"amount"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Margin        decimal.Decimal `json:"margin"`
	Leverage      int             `json:"leverage"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// IsFlat reports whether there is no open exposure.
func (p Position) IsFlat() bool {
	return p.Amount.IsZero()
}

// UnrealizedPnL marks a signed position against price.
func UnrealizedPnL(amount, entry, mark decimal.Decimal) decimal.Decimal {
	switch amount.Sign() {
	case 1:
		return mark.Sub(entry).Mul(amount)
	case -1:
		return entry.Sub(mark).Mul(amount.Abs())
	}
	return decimal.Zero
}

// Trade is an append-only record of one filled order.
type Trade struct {
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Cost       decimal.Decimal `json:"cost"`
	Commission decimal.Decimal `json:"commission"`
	Time       int64           `json:"time"`
}

// BaseAsset strips the quote asset suffix from a symbol, e.g. BTCUSDT -> BTC.
func BaseAsset(symbol string) string {
	return strings.TrimSuffix(strings.ToUpper(symbol), QuoteAsset)
}
