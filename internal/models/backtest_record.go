package models

import (
	"time"

	"github.com/shopspring/decimal"

	"binance-grid-trader-go/internal/exchange"
)

// BacktestRecord is an archived backtest result.
type BacktestRecord struct {
	ID             string           `gorm:"primaryKey"`
	StrategyName   string           `gorm:"index"`
	Symbol         string           `gorm:"index"`
	Interval       string
	Market         string
	Candles        int
	InitialBalance decimal.Decimal  `gorm:"type:text"`
	FinalBalance   decimal.Decimal  `gorm:"type:text"`
	Profit         decimal.Decimal  `gorm:"type:text"`
	ProfitPercent  decimal.Decimal  `gorm:"type:text"`
	MarginHeld     decimal.Decimal  `gorm:"type:text"`
	TotalTrades    int
	Trades         []exchange.Trade `gorm:"serializer:json"`
	CreatedAt      time.Time        `gorm:"index"`
}
