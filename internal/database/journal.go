package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"binance-grid-trader-go/internal/event"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/models"
)

// netPosition tracks the open exposure of one symbol in one market to attribute realized
// profit to closing fills.
type netPosition struct {
	amount decimal.Decimal
	entry  decimal.Decimal
}

// positionKey separates spot and futures exposure of the same symbol.
type positionKey struct {
	market exchange.MarketKind
	symbol string
}

// Journal records filled orders and derives trading statistics from them.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger

	mu        sync.Mutex
	positions map[positionKey]netPosition
}

// NewJournal creates a journal and rebuilds open positions from the trades
// already recorded.
func NewJournal(db *gorm.DB, logger *zap.Logger) (*Journal, error) {
	j := &Journal{
		db:        db,
		logger:    logger.Named("journal"),
		positions: make(map[positionKey]netPosition),
	}

	var trades []models.Trade
	if err := db.Order("id asc").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to load trade journal: %w", err)
	}
	for _, t := range trades {
		key := positionKey{market: exchange.MarketKind(t.Market), symbol: t.Symbol}
		next, _, _ := applyFill(j.positions[key], exchange.Side(t.Side), t.Price, t.Quantity)
		j.positions[key] = next
	}
	return j, nil
}

// Subscribe records every ORDER_FILLED event published on bus.
func (j *Journal) Subscribe(bus *event.Bus) {
	bus.Subscribe(event.OrderFilled, func(ctx context.Context, e event.Event) {
		order, ok := e.Payload.(exchange.Order)
		if !ok {
			j.logger.Warn("Unexpected order event payload", zap.String("source", e.Source))
			return
		}
		if _, err := j.Record(ctx, e.Source, order, e.Time); err != nil {
			j.logger.Error("Failed to record trade", zap.String("order_id", order.ID), zap.Error(err))
		}
	})
}

// Record stores a filled order. Fills that reduce an open position carry the
// realized profit net of quote-asset commission.
func (j *Journal) Record(ctx context.Context, strategy string, order exchange.Order, at time.Time) (models.Trade, error) {
	if order.Status != exchange.OrderStatusFilled {
		return models.Trade{}, fmt.Errorf("order %s is %s, not filled", order.ID, order.Status)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	key := positionKey{market: order.MarketKind, symbol: order.Symbol}
	next, closing, gross := applyFill(j.positions[key], order.Side, order.FilledPrice, order.FilledQuantity)
	profit := decimal.Zero
	if closing {
		profit = gross
		if order.CommissionAsset == "" || order.CommissionAsset == exchange.QuoteAsset {
			profit = profit.Sub(order.Commission)
		}
	}

	trade := models.Trade{
		OrderID:         order.ID,
		ExchangeOrderID: order.ExchangeOrderID,
		Strategy:        strategy,
		Symbol:          order.Symbol,
		Market:          string(order.MarketKind),
		Side:            string(order.Side),
		Price:           order.FilledPrice,
		Quantity:        order.FilledQuantity,
		QuoteQuantity:   order.FilledPrice.Mul(order.FilledQuantity),
		Commission:      order.Commission,
		CommissionAsset: order.CommissionAsset,
		Timestamp:       at.UnixMilli(),
		IsSimulation:    order.ExchangeOrderID == "",
		Closing:         closing,
		Profit:          profit,
	}
	if err := j.db.WithContext(ctx).Create(&trade).Error; err != nil {
		return models.Trade{}, fmt.Errorf("failed to record trade %s: %w", order.ID, err)
	}
	j.positions[key] = next

	j.logger.Info("Trade recorded",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Stringer("profit", profit),
	)
	return trade, nil
}

// Trades returns up to limit recorded trades, most recent first. A limit
// below one returns all of them.
func (j *Journal) Trades(ctx context.Context, limit int) ([]models.Trade, error) {
	q := j.db.WithContext(ctx).Order("timestamp desc").Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var trades []models.Trade
	if err := q.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	return trades, nil
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64           `json:"total_trades"`
	ProfitableTrades int64           `json:"profitable_trades"`
	WinRate          float64         `json:"win_rate"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
}

// Statistics covers the last 24 hours and all time.
type Statistics struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// Statistics aggregates the closing trades as of now.
func (j *Journal) Statistics(ctx context.Context, now time.Time) (Statistics, error) {
	var closing []models.Trade
	if err := j.db.WithContext(ctx).Where("closing = ?", true).Find(&closing).Error; err != nil {
		return Statistics{}, fmt.Errorf("failed to get trades for statistics: %w", err)
	}

	since := now.Add(-24 * time.Hour).UnixMilli()
	stats := Statistics{}
	for _, t := range closing {
		stats.AllTime.add(t.Profit)
		if t.Timestamp > since {
			stats.Since24h.add(t.Profit)
		}
	}
	stats.AllTime.finish()
	stats.Since24h.finish()
	return stats, nil
}

func (s *StatsDetail) add(profit decimal.Decimal) {
	s.TotalTrades++
	if profit.IsPositive() {
		s.ProfitableTrades++
	}
	s.TotalProfit = s.TotalProfit.Add(profit)
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
	}
}

// applyFill moves pos by a fill and reports whether the fill reduced the
// position, with the gross profit of the reduced part.
func applyFill(pos netPosition, side exchange.Side, price, qty decimal.Decimal) (netPosition, bool, decimal.Decimal) {
	if !qty.IsPositive() {
		return pos, false, decimal.Zero
	}
	signed := qty
	if side == exchange.SideSell {
		signed = qty.Neg()
	}

	if pos.amount.IsZero() || pos.amount.Sign() == signed.Sign() {
		held := pos.amount.Abs()
		entry := held.Mul(pos.entry).Add(qty.Mul(price)).Div(held.Add(qty))
		return netPosition{amount: pos.amount.Add(signed), entry: entry}, false, decimal.Zero
	}

	closed := decimal.Min(pos.amount.Abs(), qty)
	gross := price.Sub(pos.entry).Mul(closed)
	if pos.amount.IsNegative() {
		gross = gross.Neg()
	}

	next := netPosition{amount: pos.amount.Add(signed), entry: pos.entry}
	switch {
	case next.amount.IsZero():
		next.entry = decimal.Zero
	case next.amount.Sign() != pos.amount.Sign():
		next.entry = price
	}
	return next, true, gross
}
