package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/exchange"
)

// setupTestServer creates a new test server and a RestClient configured to use it.
func setupTestServer(market exchange.MarketKind, handler http.Handler) (*RestClient, *httptest.Server) {
	server := httptest.NewServer(handler)

	paths := spotEndpoints
	if market == exchange.MarketUSDTFutures {
		paths = futuresEndpoints
	}
	rc := &RestClient{
		client:    resty.New().SetBaseURL(server.URL),
		market:    market,
		paths:     paths,
		apiKey:    "test_api_key",
		secretKey: "test_secret_key",
		logger:    zap.NewNop(),
		limiter:   rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
		retryBase: time.Millisecond,
	}
	return rc, server
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestGetServerTime(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		// Arrange
		expectedTime := time.Now().UnixMilli()
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v3/time", r.URL.Path)
			writeJSON(w, http.StatusOK, fmt.Sprintf(`{"serverTime": %d}`, expectedTime))
		})
		rc, server := setupTestServer(exchange.MarketSpot, handler)
		defer server.Close()

		// Act
		serverTime, err := rc.GetServerTime(context.Background())

		// Assert
		assert.NoError(t, err)
		assert.Equal(t, expectedTime, serverTime)
	})

	t.Run("ServerErrorIsRetried", func(t *testing.T) {
		// Arrange
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusInternalServerError, `{"code": -1001, "msg": "Internal error"}`)
		})
		rc, server := setupTestServer(exchange.MarketSpot, handler)
		defer server.Close()

		// Act
		serverTime, err := rc.GetServerTime(context.Background())

		// Assert
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get server time")
		assert.Contains(t, err.Error(), "request failed")
		assert.Equal(t, int64(0), serverTime)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("RecoversAfterTransientFailure", func(t *testing.T) {
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				writeJSON(w, http.StatusTooManyRequests, `{"code": -1003, "msg": "Too many requests"}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"serverTime": 42}`)
		})
		rc, server := setupTestServer(exchange.MarketSpot, handler)
		defer server.Close()

		serverTime, err := rc.GetServerTime(context.Background())

		assert.NoError(t, err)
		assert.Equal(t, int64(42), serverTime)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestNewRestClient(t *testing.T) {
	t.Run("SpotTestnet", func(t *testing.T) {
		cfg := config.Binance{Testnet: true, ApiKey: "k", SecretKey: "s", RateLimit: 10, RateLimitBurst: 1}
		rc := NewRestClient(cfg, exchange.MarketSpot, zap.NewNop())
		assert.Equal(t, spotTestnetBaseURL, rc.client.BaseURL)
		assert.Equal(t, spotEndpoints, rc.paths)
		assert.Equal(t, "k", rc.apiKey)
		assert.Equal(t, "s", rc.secretKey)
	})

	t.Run("FuturesProduction", func(t *testing.T) {
		cfg := config.Binance{RateLimit: 10, RateLimitBurst: 1}
		rc := NewRestClient(cfg, exchange.MarketUSDTFutures, zap.NewNop())
		assert.Equal(t, futuresBaseURL, rc.client.BaseURL)
		assert.Equal(t, futuresEndpoints, rc.paths)
		assert.Equal(t, exchange.MarketUSDTFutures, rc.Market())
	})

	t.Run("BaseURLOverride", func(t *testing.T) {
		cfg := config.Binance{Testnet: true, FuturesBaseURL: "http://localhost:9999"}
		rc := NewRestClient(cfg, exchange.MarketUSDTFutures, zap.NewNop())
		assert.Equal(t, "http://localhost:9999", rc.client.BaseURL)
	})
}

func TestGetKlines(t *testing.T) {
	// Arrange
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, `[[1700000000000,"100.1","101.2","99.3","100.4","12.5",1700000059999,"1250",10,"6","600","0"]]`)
	})
	rc, server := setupTestServer(exchange.MarketUSDTFutures, handler)
	defer server.Close()

	// Act
	candles, err := rc.GetKlines(context.Background(), "BTCUSDT", "1m", 1)

	// Assert
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, int64(1700000000000), candles[0].OpenTime)
	assert.Equal(t, "100.4", candles[0].Close.String())
	assert.Equal(t, "12.5", candles[0].Volume.String())
}

func TestCreateOrder(t *testing.T) {
	t.Run("SignedMarketOrder", func(t *testing.T) {
		// Arrange
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v3/order", r.URL.Path)
			assert.Equal(t, "test_api_key", r.Header.Get("X-MBX-APIKEY"))
			q := r.URL.Query()
			assert.Equal(t, "BTCUSDT", q.Get("symbol"))
			assert.Equal(t, "BUY", q.Get("side"))
			assert.Equal(t, "MARKET", q.Get("type"))
			assert.Equal(t, "0.001", q.Get("quantity"))
			assert.Empty(t, q.Get("price"))
			assert.NotEmpty(t, q.Get("timestamp"))
			assert.Len(t, q.Get("signature"), 64)
			writeJSON(w, http.StatusOK, `{"symbol":"BTCUSDT","orderId":7,"status":"FILLED","executedQty":"0.001","cummulativeQuoteQty":"60"}`)
		})
		rc, server := setupTestServer(exchange.MarketSpot, handler)
		defer server.Close()

		// Act
		resp, err := rc.CreateOrder(context.Background(), OrderRequest{
			Symbol: "BTCUSDT", Side: "BUY", Type: "MARKET", Quantity: "0.001",
		})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int64(7), resp.OrderID)
		assert.Equal(t, "FILLED", resp.Status)
	})

	t.Run("LimitOrderCarriesPrice", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/fapi/v1/order", r.URL.Path)
			assert.Equal(t, "95000", r.URL.Query().Get("price"))
			assert.Equal(t, "GTC", r.URL.Query().Get("timeInForce"))
			writeJSON(w, http.StatusOK, `{"symbol":"BTCUSDT","orderId":8,"status":"NEW"}`)
		})
		rc, server := setupTestServer(exchange.MarketUSDTFutures, handler)
		defer server.Close()

		resp, err := rc.CreateOrder(context.Background(), OrderRequest{
			Symbol: "BTCUSDT", Side: "SELL", Type: "LIMIT", Quantity: "1", Price: "95000",
		})

		require.NoError(t, err)
		assert.Equal(t, "NEW", resp.Status)
	})

	t.Run("APIErrorIsNotRetried", func(t *testing.T) {
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusBadRequest, `{"code": -2010, "msg": "Account has insufficient balance for requested action."}`)
		})
		rc, server := setupTestServer(exchange.MarketSpot, handler)
		defer server.Close()

		_, err := rc.CreateOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Type: "MARKET", Quantity: "1"})

		require.Error(t, err)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, -2010, apiErr.Code)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestGetAllOrdersAndAccounts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/allOrders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, `[{"orderId":1,"status":"FILLED","avgPrice":"100"},{"orderId":2,"status":"CANCELED"}]`)
	})
	mux.HandleFunc("/fapi/v2/account", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"assets":[{"asset":"USDT","walletBalance":"1000","unrealizedProfit":"5"}]}`)
	})
	mux.HandleFunc("/fapi/v2/positionRisk", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"symbol":"BTCUSDT","positionAmt":"-0.5","entryPrice":"100","leverage":"10"}]`)
	})
	mux.HandleFunc("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "9", r.URL.Query().Get("orderId"))
		writeJSON(w, http.StatusOK, `{}`)
	})
	rc, server := setupTestServer(exchange.MarketUSDTFutures, mux)
	defer server.Close()
	ctx := context.Background()

	orders, err := rc.GetAllOrders(ctx, "BTCUSDT", 5)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "100", orders[0].AvgPrice)

	account, err := rc.GetFuturesAccount(ctx)
	require.NoError(t, err)
	require.Len(t, account.Assets, 1)
	assert.Equal(t, "1000", account.Assets[0].WalletBalance)

	positions, err := rc.GetPositionRisk(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "-0.5", positions[0].PositionAmt)

	assert.NoError(t, rc.CancelOrder(ctx, "BTCUSDT", 9))

	_, err = rc.GetSpotAccount(ctx)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSymbolInfo_LotSize(t *testing.T) {
	info := SymbolInfo{Filters: []Filter{
		{FilterType: "PRICE_FILTER"},
		{FilterType: "LOT_SIZE", StepSize: "0.00100000"},
	}}

	f, ok := info.LotSize()

	assert.True(t, ok)
	assert.Equal(t, "0.00100000", f.StepSize)
}
