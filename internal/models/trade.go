package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trade is one filled order recorded in the trade journal.
type Trade struct {
	gorm.Model
	OrderID         string          `gorm:"uniqueIndex" json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Strategy        string          `json:"strategy"`
	Symbol          string          `gorm:"index" json:"symbol"`
	Market          string          `json:"market_type"`
	Side            string          `json:"side"` // "BUY" or "SELL"
	Price           decimal.Decimal `gorm:"type:text" json:"price"`
	Quantity        decimal.Decimal `gorm:"type:text" json:"quantity"`
	QuoteQuantity   decimal.Decimal `gorm:"type:text" json:"quote_quantity"`
	Commission      decimal.Decimal `gorm:"type:text" json:"commission"`
	CommissionAsset string          `json:"commission_asset,omitempty"`
	Timestamp       int64           `gorm:"index" json:"timestamp"`
	IsSimulation    bool            `json:"is_simulation"`
	// Closing marks fills that reduced an open position; only those carry a
	// realized Profit.
	Closing bool            `gorm:"index" json:"closing"`
	Profit  decimal.Decimal `gorm:"type:text" json:"profit"`
}
