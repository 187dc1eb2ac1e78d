package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"binance-grid-trader-go/internal/exchange"
)

// OrderRequest is a new order. Quantity and Price are already formatted to
// the symbol's precision.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      string
	Price         string
	ClientOrderID string
}

// OrderResponse is an order as reported by either market. Spot fills report
// CummulativeQuoteQty; futures fills report CumQuote and AvgPrice.
type OrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	AvgPrice            string `json:"avgPrice"`
	OrigQuantity        string `json:"origQty"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	CumQuote            string `json:"cumQuote"`
	Status              string `json:"status"`
	TimeInForce         string `json:"timeInForce"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	TransactTime        int64  `json:"transactTime"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
	Fills               []Fill `json:"fills"`
}

// Fill is one execution of a spot order, present in FULL responses.
type Fill struct {
	Price           string `json:"price"`
	Quantity        string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// SpotBalance is one asset line of a spot account.
type SpotBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// SpotAccount is the response of the spot /account endpoint.
type SpotAccount struct {
	Balances []SpotBalance `json:"balances"`
}

// FuturesAsset is one asset line of a futures account.
type FuturesAsset struct {
	Asset            string `json:"asset"`
	WalletBalance    string `json:"walletBalance"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	MarginBalance    string `json:"marginBalance"`
	AvailableBalance string `json:"availableBalance"`
}

// FuturesAccount is the response of the futures /account endpoint.
type FuturesAccount struct {
	Assets []FuturesAsset `json:"assets"`
}

// PositionRisk is one entry of the futures /positionRisk endpoint.
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	IsolatedMargin   string `json:"isolatedMargin"`
	PositionSide     string `json:"positionSide"`
}

// CreateOrder places a new order on Binance.
func (c *RestClient) CreateOrder(ctx context.Context, order OrderRequest) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", order.Side)
	params.Set("type", order.Type)
	params.Set("quantity", order.Quantity)
	if order.Type == string(exchange.OrderTypeLimit) {
		params.Set("price", order.Price)
		params.Set("timeInForce", "GTC")
	}
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}
	if c.market == exchange.MarketSpot {
		params.Set("newOrderRespType", "FULL")
	} else {
		params.Set("newOrderRespType", "RESULT")
	}

	req := c.signedRequest(params).SetResult(&OrderResponse{})
	resp, err := c.doRequest(ctx, http.MethodPost, c.paths.order, req)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", order.Symbol),
			zap.String("side", order.Side),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	result := resp.Result().(*OrderResponse)
	c.logger.Info("Successfully created order",
		zap.String("symbol", result.Symbol),
		zap.Int64("order_id", result.OrderID),
		zap.String("status", result.Status),
	)
	return result, nil
}

// CancelOrder cancels a resting order.
func (c *RestClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	if _, err := c.doRequest(ctx, http.MethodDelete, c.paths.order, c.signedRequest(params)); err != nil {
		return fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}
	return nil
}

// GetOpenOrders lists resting orders of symbol.
func (c *RestClient) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var orders []OrderResponse
	resp, err := c.doRequest(ctx, http.MethodGet, c.paths.openOrders, c.signedRequest(params).SetResult(&orders))
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	return *resp.Result().(*[]OrderResponse), nil
}

// GetAllOrders lists up to limit orders of symbol, oldest first as Binance
// returns them.
func (c *RestClient) GetAllOrders(ctx context.Context, symbol string, limit int) ([]OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var orders []OrderResponse
	resp, err := c.doRequest(ctx, http.MethodGet, c.paths.allOrders, c.signedRequest(params).SetResult(&orders))
	if err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}
	return *resp.Result().(*[]OrderResponse), nil
}

// GetSpotAccount fetches spot balances.
func (c *RestClient) GetSpotAccount(ctx context.Context) (*SpotAccount, error) {
	if c.market != exchange.MarketSpot {
		return nil, fmt.Errorf("%w: spot account on %s", ErrUnsupported, c.market)
	}
	req := c.signedRequest(url.Values{}).SetResult(&SpotAccount{})
	resp, err := c.doRequest(ctx, http.MethodGet, c.paths.account, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return resp.Result().(*SpotAccount), nil
}

// GetFuturesAccount fetches futures wallet balances.
func (c *RestClient) GetFuturesAccount(ctx context.Context) (*FuturesAccount, error) {
	if c.market != exchange.MarketUSDTFutures {
		return nil, fmt.Errorf("%w: futures account on %s", ErrUnsupported, c.market)
	}
	req := c.signedRequest(url.Values{}).SetResult(&FuturesAccount{})
	resp, err := c.doRequest(ctx, http.MethodGet, c.paths.account, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return resp.Result().(*FuturesAccount), nil
}

// GetPositionRisk fetches the futures position of symbol.
func (c *RestClient) GetPositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error) {
	if c.paths.positionRisk == "" {
		return nil, fmt.Errorf("%w: position risk on %s", ErrUnsupported, c.market)
	}
	params := url.Values{}
	params.Set("symbol", symbol)

	var positions []PositionRisk
	resp, err := c.doRequest(ctx, http.MethodGet, c.paths.positionRisk, c.signedRequest(params).SetResult(&positions))
	if err != nil {
		return nil, fmt.Errorf("failed to get position risk: %w", err)
	}
	return *resp.Result().(*[]PositionRisk), nil
}
