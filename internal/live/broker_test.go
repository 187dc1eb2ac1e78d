package live

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/binance"
	"binance-grid-trader-go/internal/exchange"
)

// MockRestClient is a mock implementation of the RestClientInterface.
type MockRestClient struct {
	mock.Mock
	market exchange.MarketKind
}

func (m *MockRestClient) Market() exchange.MarketKind {
	return m.market
}

func (m *MockRestClient) GetServerTime(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRestClient) GetExchangeInfo(ctx context.Context) (*binance.ExchangeInfoResponse, error) {
	args := m.Called(ctx)
	info, _ := args.Get(0).(*binance.ExchangeInfoResponse)
	return info, args.Error(1)
}

func (m *MockRestClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	args := m.Called(ctx, symbol, interval, limit)
	candles, _ := args.Get(0).([]exchange.Candle)
	return candles, args.Error(1)
}

func (m *MockRestClient) CreateOrder(ctx context.Context, req binance.OrderRequest) (*binance.OrderResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*binance.OrderResponse)
	return resp, args.Error(1)
}

func (m *MockRestClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	args := m.Called(ctx, symbol, orderID)
	return args.Error(0)
}

func (m *MockRestClient) GetOpenOrders(ctx context.Context, symbol string) ([]binance.OrderResponse, error) {
	args := m.Called(ctx, symbol)
	orders, _ := args.Get(0).([]binance.OrderResponse)
	return orders, args.Error(1)
}

func (m *MockRestClient) GetAllOrders(ctx context.Context, symbol string, limit int) ([]binance.OrderResponse, error) {
	args := m.Called(ctx, symbol, limit)
	orders, _ := args.Get(0).([]binance.OrderResponse)
	return orders, args.Error(1)
}

func (m *MockRestClient) GetSpotAccount(ctx context.Context) (*binance.SpotAccount, error) {
	args := m.Called(ctx)
	account, _ := args.Get(0).(*binance.SpotAccount)
	return account, args.Error(1)
}

func (m *MockRestClient) GetFuturesAccount(ctx context.Context) (*binance.FuturesAccount, error) {
	args := m.Called(ctx)
	account, _ := args.Get(0).(*binance.FuturesAccount)
	return account, args.Error(1)
}

func (m *MockRestClient) GetPositionRisk(ctx context.Context, symbol string) ([]binance.PositionRisk, error) {
	args := m.Called(ctx, symbol)
	positions, _ := args.Get(0).([]binance.PositionRisk)
	return positions, args.Error(1)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var btcRules = &binance.ExchangeInfoResponse{Symbols: []binance.SymbolInfo{{
	Symbol: "BTCUSDT",
	Status: "TRADING",
	Filters: []binance.Filter{
		{FilterType: "LOT_SIZE", MinQty: "0.00100000", StepSize: "0.00100000"},
	},
}}}

func newMockBroker(market exchange.MarketKind) (*Broker, *MockRestClient) {
	client := &MockRestClient{market: market}
	return NewBroker(client, zap.NewNop()), client
}

func TestBroker_CreateOrder_SpotFill(t *testing.T) {
	// Arrange
	broker, client := newMockBroker(exchange.MarketSpot)
	order := exchange.NewMarketOrder("BTCUSDT", exchange.SideBuy, d("0.0019"), exchange.MarketSpot)

	client.On("GetExchangeInfo", mock.Anything).Return(btcRules, nil).Once()
	client.On("CreateOrder", mock.Anything, binance.OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: "MARKET", Quantity: "0.001", ClientOrderID: order.ID,
	}).Return(&binance.OrderResponse{
		Symbol:              "BTCUSDT",
		OrderID:             42,
		Status:              "FILLED",
		ExecutedQuantity:    "0.001",
		CummulativeQuoteQty: "60",
		Fills: []binance.Fill{
			{Price: "60000", Quantity: "0.001", Commission: "0.000001", CommissionAsset: "BTC"},
		},
	}, nil)

	// Act
	got, err := broker.CreateOrder(context.Background(), order)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusFilled, got.Status)
	assert.Equal(t, "42", got.ExchangeOrderID)
	assert.True(t, got.FilledPrice.Equal(d("60000")))
	assert.True(t, got.FilledQuantity.Equal(d("0.001")))
	assert.True(t, got.Commission.Equal(d("0.000001")))
	assert.Equal(t, "BTC", got.CommissionAsset)
	client.AssertExpectations(t)
}

func TestBroker_CreateOrder_FuturesUsesAvgPrice(t *testing.T) {
	broker, client := newMockBroker(exchange.MarketUSDTFutures)
	order := exchange.NewLimitOrder("BTCUSDT", exchange.SideSell, d("0.002"), d("61000"), exchange.MarketUSDTFutures)

	client.On("GetExchangeInfo", mock.Anything).Return(btcRules, nil)
	client.On("CreateOrder", mock.Anything, mock.MatchedBy(func(req binance.OrderRequest) bool {
		return req.Type == "LIMIT" && req.Price == "61000" && req.Quantity == "0.002"
	})).Return(&binance.OrderResponse{
		OrderID: 7, Status: "FILLED", ExecutedQuantity: "0.002", AvgPrice: "61000.5", CumQuote: "122.001",
	}, nil)

	got, err := broker.CreateOrder(context.Background(), order)

	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledPrice.Equal(d("61000.5")))
}

func TestBroker_CreateOrder_Rejections(t *testing.T) {
	t.Run("MarketMismatch", func(t *testing.T) {
		broker, client := newMockBroker(exchange.MarketSpot)
		order := exchange.NewMarketOrder("BTCUSDT", exchange.SideBuy, d("1"), exchange.MarketUSDTFutures)

		got, err := broker.CreateOrder(context.Background(), order)

		require.NoError(t, err)
		assert.Equal(t, exchange.OrderStatusRejected, got.Status)
		client.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	})

	t.Run("BelowMinQty", func(t *testing.T) {
		broker, client := newMockBroker(exchange.MarketSpot)
		client.On("GetExchangeInfo", mock.Anything).Return(btcRules, nil)
		order := exchange.NewMarketOrder("BTCUSDT", exchange.SideBuy, d("0.0005"), exchange.MarketSpot)

		got, err := broker.CreateOrder(context.Background(), order)

		require.NoError(t, err)
		assert.Equal(t, exchange.OrderStatusRejected, got.Status)
		assert.Contains(t, got.RejectReason, "minQty")
		client.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	})

	t.Run("ExchangeRefusal", func(t *testing.T) {
		broker, client := newMockBroker(exchange.MarketSpot)
		client.On("GetExchangeInfo", mock.Anything).Return(btcRules, nil)
		apiErr := &binance.APIError{Code: -2010, Message: "Account has insufficient balance for requested action."}
		client.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, errors.Join(errors.New("request failed"), apiErr))
		order := exchange.NewMarketOrder("BTCUSDT", exchange.SideBuy, d("1"), exchange.MarketSpot)

		got, err := broker.CreateOrder(context.Background(), order)

		require.NoError(t, err)
		assert.Equal(t, exchange.OrderStatusRejected, got.Status)
		assert.Equal(t, apiErr.Message, got.RejectReason)
	})

	t.Run("TransportErrorKeepsOrderNew", func(t *testing.T) {
		broker, client := newMockBroker(exchange.MarketSpot)
		client.On("GetExchangeInfo", mock.Anything).Return(btcRules, nil)
		client.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))
		order := exchange.NewMarketOrder("BTCUSDT", exchange.SideBuy, d("1"), exchange.MarketSpot)

		got, err := broker.CreateOrder(context.Background(), order)

		assert.Error(t, err)
		assert.Equal(t, exchange.OrderStatusNew, got.Status)
	})

	t.Run("ResolvedOrder", func(t *testing.T) {
		broker, _ := newMockBroker(exchange.MarketSpot)
		order := exchange.NewMarketOrder("BTCUSDT", exchange.SideBuy, d("1"), exchange.MarketSpot)
		order.Reject("earlier")

		_, err := broker.CreateOrder(context.Background(), order)

		assert.ErrorIs(t, err, exchange.ErrOrderResolved)
	})
}

func TestBroker_ExchangeInfoIsCached(t *testing.T) {
	broker, client := newMockBroker(exchange.MarketSpot)
	client.On("GetExchangeInfo", mock.Anything).Return(btcRules, nil).Once()
	client.On("CreateOrder", mock.Anything, mock.Anything).Return(&binance.OrderResponse{OrderID: 1, Status: "NEW"}, nil)

	for i := 0; i < 3; i++ {
		order := exchange.NewMarketOrder("BTCUSDT", exchange.SideBuy, d("0.01"), exchange.MarketSpot)
		got, err := broker.CreateOrder(context.Background(), order)
		require.NoError(t, err)
		assert.Equal(t, exchange.OrderStatusNew, got.Status)
	}

	client.AssertNumberOfCalls(t, "GetExchangeInfo", 1)
}

func TestFormatQuantity(t *testing.T) {
	rule := btcRules.Symbols[0]

	q, err := formatQuantity(rule, d("1.23456"))
	require.NoError(t, err)
	assert.Equal(t, "1.234", q.String())

	q, err = formatQuantity(binance.SymbolInfo{Symbol: "X"}, d("1.23456"))
	require.NoError(t, err)
	assert.Equal(t, "1.23456", q.String())

	_, err = formatQuantity(rule, d("0.0009"))
	assert.Error(t, err)
}

func TestBroker_GetHistoryOrders_NewestFirst(t *testing.T) {
	broker, client := newMockBroker(exchange.MarketUSDTFutures)
	client.On("GetAllOrders", mock.Anything, "BTCUSDT", 10).Return([]binance.OrderResponse{
		{OrderID: 1, ClientOrderID: "a", Status: "FILLED", Side: "BUY", Type: "MARKET", OrigQuantity: "1", ExecutedQuantity: "1", AvgPrice: "100"},
		{OrderID: 2, ClientOrderID: "b", Status: "CANCELED", Side: "SELL", Type: "LIMIT", OrigQuantity: "1", Price: "120"},
		{OrderID: 3, ClientOrderID: "c", Status: "NEW", Side: "SELL", Type: "LIMIT", OrigQuantity: "1", Price: "130"},
	}, nil)

	orders, err := broker.GetHistoryOrders(context.Background(), "BTCUSDT", 10)

	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "b", orders[0].ID)
	assert.Equal(t, exchange.OrderStatusCanceled, orders[0].Status)
	assert.Equal(t, "a", orders[1].ID)
	ref, ok := orders[1].ReferencePrice()
	require.True(t, ok)
	assert.True(t, ref.Equal(d("100")))
}

func TestBroker_GetOpenOrders(t *testing.T) {
	broker, client := newMockBroker(exchange.MarketSpot)
	client.On("GetOpenOrders", mock.Anything, "BTCUSDT").Return([]binance.OrderResponse{
		{OrderID: 9, Status: "PARTIALLY_FILLED", Side: "BUY", Type: "LIMIT", OrigQuantity: "2", ExecutedQuantity: "1", CummulativeQuoteQty: "95", Price: "95"},
	}, nil)

	orders, err := broker.GetOpenOrders(context.Background(), "BTCUSDT")

	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "9", orders[0].ID)
	assert.Equal(t, exchange.OrderStatusPartiallyFilled, orders[0].Status)
	assert.True(t, orders[0].FilledPrice.Equal(d("95")))
}

func TestBroker_CancelOrder(t *testing.T) {
	broker, client := newMockBroker(exchange.MarketSpot)
	client.On("CancelOrder", mock.Anything, "BTCUSDT", int64(9)).Return(nil)

	assert.NoError(t, broker.CancelOrder(context.Background(), "BTCUSDT", "9"))
	assert.Error(t, broker.CancelOrder(context.Background(), "BTCUSDT", "not-a-number"))
	client.AssertExpectations(t)
}

func TestBroker_Balances(t *testing.T) {
	t.Run("Spot", func(t *testing.T) {
		broker, client := newMockBroker(exchange.MarketSpot)
		client.On("GetSpotAccount", mock.Anything).Return(&binance.SpotAccount{Balances: []binance.SpotBalance{
			{Asset: "USDT", Free: "900", Locked: "100"},
			{Asset: "BTC", Free: "0.5", Locked: "0"},
		}}, nil)

		usdt, err := broker.GetAccountBalance(context.Background(), "USDT")
		require.NoError(t, err)
		assert.True(t, usdt.Equal(d("1000")))

		eth, err := broker.GetAccountBalance(context.Background(), "ETH")
		require.NoError(t, err)
		assert.True(t, eth.IsZero())

		pos, err := broker.GetPosition(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.True(t, pos.Amount.Equal(d("0.5")))
	})

	t.Run("Futures", func(t *testing.T) {
		broker, client := newMockBroker(exchange.MarketUSDTFutures)
		client.On("GetFuturesAccount", mock.Anything).Return(&binance.FuturesAccount{Assets: []binance.FuturesAsset{
			{Asset: "USDT", WalletBalance: "1000", UnrealizedProfit: "-12.5"},
		}}, nil)

		usdt, err := broker.GetAccountBalance(context.Background(), "USDT")

		require.NoError(t, err)
		assert.True(t, usdt.Equal(d("987.5")))
	})
}

func TestBroker_GetPosition_Futures(t *testing.T) {
	broker, client := newMockBroker(exchange.MarketUSDTFutures)
	client.On("GetPositionRisk", mock.Anything, "BTCUSDT").Return([]binance.PositionRisk{
		{Symbol: "BTCUSDT", PositionAmt: "-0.5", EntryPrice: "100", MarkPrice: "110", UnRealizedProfit: "-5", Leverage: "10", PositionSide: "BOTH"},
	}, nil)

	pos, err := broker.GetPosition(context.Background(), "BTCUSDT")

	require.NoError(t, err)
	assert.True(t, pos.Amount.Equal(d("-0.5")))
	assert.True(t, pos.EntryPrice.Equal(d("100")))
	assert.True(t, pos.Margin.Equal(d("5")))
	assert.Equal(t, 10, pos.Leverage)
	assert.True(t, pos.UnrealizedPnL.Equal(d("-5")))
}
