// Package binance is a small REST client for the Binance spot and USDT-M
// futures APIs, covering the endpoints the live broker needs.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/exchange"
)

const (
	spotBaseURL           = "https://api.binance.com"
	spotTestnetBaseURL    = "https://testnet.binance.vision"
	futuresBaseURL        = "https://fapi.binance.com"
	futuresTestnetBaseURL = "https://testnet.binancefuture.com"
	recvWindow            = "5000" // How long a request is valid in milliseconds
)

// endpoints holds the paths of one market's API.
type endpoints struct {
	time         string
	exchangeInfo string
	klines       string
	order        string
	openOrders   string
	allOrders    string
	account      string
	positionRisk string
}

var (
	spotEndpoints = endpoints{
		time:         "/api/v3/time",
		exchangeInfo: "/api/v3/exchangeInfo",
		klines:       "/api/v3/klines",
		order:        "/api/v3/order",
		openOrders:   "/api/v3/openOrders",
		allOrders:    "/api/v3/allOrders",
		account:      "/api/v3/account",
	}
	futuresEndpoints = endpoints{
		time:         "/fapi/v1/time",
		exchangeInfo: "/fapi/v1/exchangeInfo",
		klines:       "/fapi/v1/klines",
		order:        "/fapi/v1/order",
		openOrders:   "/fapi/v1/openOrders",
		allOrders:    "/fapi/v1/allOrders",
		account:      "/fapi/v2/account",
		positionRisk: "/fapi/v2/positionRisk",
	}
)

// ErrUnsupported is returned for endpoints the client's market does not have.
var ErrUnsupported = errors.New("endpoint not supported for market")

// APIError is the error body Binance returns with 4xx responses.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Message)
}

// RestClientInterface defines the interface for the Binance REST API client.
type RestClientInterface interface {
	Market() exchange.MarketKind
	GetServerTime(ctx context.Context) (int64, error)
	GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error)
	GetAllOrders(ctx context.Context, symbol string, limit int) ([]OrderResponse, error)
	GetSpotAccount(ctx context.Context) (*SpotAccount, error)
	GetFuturesAccount(ctx context.Context) (*FuturesAccount, error)
	GetPositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error)
}

// RestClient is a client for one Binance market.
// It implements the RestClientInterface.
type RestClient struct {
	client    *resty.Client
	market    exchange.MarketKind
	paths     endpoints
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
	// retryBase is the first backoff step; it doubles on every attempt.
	retryBase time.Duration
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a client for market. Base URLs from cfg take
// precedence over the production and testnet defaults.
func NewRestClient(cfg config.Binance, market exchange.MarketKind, logger *zap.Logger) *RestClient {
	logger = logger.Named("binance").With(zap.String("market", string(market)))

	paths := spotEndpoints
	base, override := spotBaseURL, cfg.SpotBaseURL
	if cfg.Testnet {
		base = spotTestnetBaseURL
	}
	if market == exchange.MarketUSDTFutures {
		paths = futuresEndpoints
		base, override = futuresBaseURL, cfg.FuturesBaseURL
		if cfg.Testnet {
			base = futuresTestnetBaseURL
		}
	}
	if override != "" {
		base = override
	}
	if cfg.Testnet {
		logger.Warn("Using Binance Testnet", zap.String("base_url", base))
	} else {
		logger.Info("Using Binance API", zap.String("base_url", base))
	}

	return &RestClient{
		client:    resty.New().SetBaseURL(base).SetTimeout(15 * time.Second),
		market:    market,
		paths:     paths,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		retryBase: time.Second,
	}
}

// Market returns the market the client talks to.
func (c *RestClient) Market() exchange.MarketKind {
	return c.market
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signed stamps params with a timestamp and appends the signature. The
// result must be sent verbatim.
func (c *RestClient) signed(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	query := params.Encode()
	return query + "&signature=" + c.sign(query)
}

func (c *RestClient) signedRequest(params url.Values) *resty.Request {
	return c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(c.signed(params)).
		SetError(&APIError{})
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, path string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	req.SetContext(ctx)
	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
		resp, err = req.Execute(method, path)

		if err == nil && !resp.IsError() {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
		} else {
			// Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			if apiErr, ok := resp.Error().(*APIError); ok && apiErr.Code != 0 {
				return nil, fmt.Errorf("request failed with status %s: %w", resp.Status(), apiErr)
			}
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		if i == maxRetries-1 {
			break
		}
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.retryBase
		}

		c.logger.Warn("Request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err == nil && resp != nil {
		err = fmt.Errorf("status %s: %s", resp.Status(), resp.String())
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().SetResult(&ServerTimeResponse{})
	resp, err := c.doRequest(ctx, http.MethodGet, c.paths.time, req)
	if err != nil {
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}
	return resp.Result().(*ServerTimeResponse).ServerTime, nil
}

// ExchangeInfoResponse represents the full response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo contains information about a specific trading symbol.
type SymbolInfo struct {
	Symbol  string   `json:"symbol"`
	Status  string   `json:"status"`
	Filters []Filter `json:"filters"`
}

// Filter represents a single filter for a symbol.
// We are interested in the LOT_SIZE filter to get the stepSize.
type Filter struct {
	FilterType string `json:"filterType"`
	MinQty     string `json:"minQty,omitempty"`
	MaxQty     string `json:"maxQty,omitempty"`
	StepSize   string `json:"stepSize,omitempty"`
}

// LotSize returns the LOT_SIZE filter of the symbol, if any.
func (s SymbolInfo) LotSize() (Filter, bool) {
	for _, f := range s.Filters {
		if f.FilterType == "LOT_SIZE" {
			return f, true
		}
	}
	return Filter{}, false
}

// GetExchangeInfo fetches exchange trading rules and symbol information.
func (c *RestClient) GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error) {
	req := c.client.R().SetResult(&ExchangeInfoResponse{})
	resp, err := c.doRequest(ctx, http.MethodGet, c.paths.exchangeInfo, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}
	return resp.Result().(*ExchangeInfoResponse), nil
}

// GetKlines fetches the most recent limit candles of symbol.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	var rows [][]any
	req := c.client.R().
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&rows)

	resp, err := c.doRequest(ctx, http.MethodGet, c.paths.klines, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", symbol, err)
	}

	result := *resp.Result().(*[][]any)
	candles := make([]exchange.Candle, 0, len(result))
	for _, row := range result {
		candle, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("failed to parse kline for %s: %w", symbol, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseKline(row []any) (exchange.Candle, error) {
	if len(row) < 6 {
		return exchange.Candle{}, fmt.Errorf("kline has %d fields", len(row))
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return exchange.Candle{}, fmt.Errorf("unexpected open time %v", row[0])
	}
	values := make([]decimal.Decimal, 5)
	for i := range values {
		s, ok := row[i+1].(string)
		if !ok {
			return exchange.Candle{}, fmt.Errorf("unexpected value %v at %d", row[i+1], i+1)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return exchange.Candle{}, err
		}
		values[i] = v
	}
	return exchange.Candle{
		OpenTime: int64(openTime),
		Open:     values[0],
		High:     values[1],
		Low:      values[2],
		Close:    values[3],
		Volume:   values[4],
	}, nil
}
