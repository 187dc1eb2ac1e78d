package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"binance-grid-trader-go/internal/backtest"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/models"
)

// ResultStore archives backtest results in the database.
type ResultStore struct {
	db *gorm.DB
}

var _ backtest.ResultStore = (*ResultStore)(nil)

// NewResultStore creates a ResultStore on a migrated database.
func NewResultStore(db *gorm.DB) *ResultStore {
	return &ResultStore{db: db}
}

func (s *ResultStore) Save(ctx context.Context, result backtest.Result) error {
	rec := toRecord(result)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to save backtest %s: %w", result.ID, err)
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, id string) (backtest.Result, bool, error) {
	var rec models.BacktestRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return backtest.Result{}, false, nil
	}
	if err != nil {
		return backtest.Result{}, false, fmt.Errorf("failed to get backtest %s: %w", id, err)
	}
	return fromRecord(rec), true, nil
}

func (s *ResultStore) List(ctx context.Context) ([]backtest.Summary, error) {
	var recs []models.BacktestRecord
	if err := s.db.WithContext(ctx).Omit("trades").Order("created_at desc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list backtests: %w", err)
	}
	out := make([]backtest.Summary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromRecord(rec).Summarize())
	}
	return out, nil
}

func toRecord(r backtest.Result) models.BacktestRecord {
	return models.BacktestRecord{
		ID:             r.ID,
		StrategyName:   r.StrategyName,
		Symbol:         r.Symbol,
		Interval:       r.Interval,
		Market:         string(r.MarketKind),
		Candles:        r.Candles,
		InitialBalance: r.InitialBalance,
		FinalBalance:   r.FinalBalance,
		Profit:         r.Profit,
		ProfitPercent:  r.ProfitPercent,
		MarginHeld:     r.MarginHeld,
		TotalTrades:    r.TotalTrades,
		Trades:         r.Trades,
		CreatedAt:      r.CreatedAt,
	}
}

func fromRecord(rec models.BacktestRecord) backtest.Result {
	trades := rec.Trades
	if trades == nil {
		trades = []exchange.Trade{}
	}
	return backtest.Result{
		ID:             rec.ID,
		StrategyName:   rec.StrategyName,
		Symbol:         rec.Symbol,
		Interval:       rec.Interval,
		MarketKind:     exchange.MarketKind(rec.Market),
		Candles:        rec.Candles,
		InitialBalance: rec.InitialBalance,
		FinalBalance:   rec.FinalBalance,
		Profit:         rec.Profit,
		ProfitPercent:  rec.ProfitPercent,
		MarginHeld:     rec.MarginHeld,
		TotalTrades:    rec.TotalTrades,
		Trades:         trades,
		CreatedAt:      rec.CreatedAt,
	}
}
