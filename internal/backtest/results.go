package backtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-grid-trader-go/internal/exchange"
)

// Result is the immutable outcome of one simulation run.
type Result struct {
	ID             string              `json:"id"`
	StrategyName   string              `json:"strategy_name"`
	Symbol         string              `json:"symbol"`
	Interval       string              `json:"interval"`
	MarketKind     exchange.MarketKind `json:"market_type"`
	Candles        int                 `json:"candles"`
	InitialBalance decimal.Decimal     `json:"initial_balance"`
	FinalBalance   decimal.Decimal     `json:"final_balance"`
	Profit         decimal.Decimal     `json:"profit"`
	ProfitPercent  decimal.Decimal     `json:"profit_percent"`
	MarginHeld     decimal.Decimal     `json:"margin_held"`
	TotalTrades    int                 `json:"total_trades"`
	Trades         []exchange.Trade    `json:"trades"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Summary is the list view of a Result, without the trade log.
type Summary struct {
	ID            string              `json:"id"`
	StrategyName  string              `json:"strategy_name"`
	Symbol        string              `json:"symbol"`
	Interval      string              `json:"interval"`
	MarketKind    exchange.MarketKind `json:"market_type"`
	FinalBalance  decimal.Decimal     `json:"final_balance"`
	ProfitPercent decimal.Decimal     `json:"profit_percent"`
	TotalTrades   int                 `json:"total_trades"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Summarize strips the trade log from r.
func (r Result) Summarize() Summary {
	return Summary{
		ID:            r.ID,
		StrategyName:  r.StrategyName,
		Symbol:        r.Symbol,
		Interval:      r.Interval,
		MarketKind:    r.MarketKind,
		FinalBalance:  r.FinalBalance,
		ProfitPercent: r.ProfitPercent,
		TotalTrades:   r.TotalTrades,
		CreatedAt:     r.CreatedAt,
	}
}

// ResultStore keeps finished runs. Results are written once and never updated.
type ResultStore interface {
	Save(ctx context.Context, result Result) error
	// Get reports false when no result has the id.
	Get(ctx context.Context, id string) (Result, bool, error)
	// List returns summaries, newest first.
	List(ctx context.Context) ([]Summary, error)
}

// Ensure MemoryStore implements ResultStore.
var _ ResultStore = (*MemoryStore)(nil)

// MemoryStore is a process-local ResultStore.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]Result
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]Result)}
}

func (s *MemoryStore) Save(_ context.Context, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.ID] = result
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r, ok, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r.Summarize())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
