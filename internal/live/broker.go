// Package live trades strategies against Binance: a Broker over the REST
// client and a Service that runs one polling loop per started strategy.
package live

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/binance"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/logger"
)

// Broker implements exchange.Broker on top of a Binance REST client. The
// client's market fixes the broker's MarketKind.
type Broker struct {
	client binance.RestClientInterface
	market exchange.MarketKind
	logger *zap.Logger

	mu    sync.Mutex
	rules map[string]binance.SymbolInfo
}

var _ exchange.Broker = (*Broker)(nil)

// NewBroker creates a broker for the client's market.
func NewBroker(client binance.RestClientInterface, log *zap.Logger) *Broker {
	market := client.Market()
	return &Broker{
		client: client,
		market: market,
		logger: logger.Component(log, "live-broker", zap.String("market", string(market))),
	}
}

// MarketKind returns the market of the underlying client.
func (b *Broker) MarketKind() exchange.MarketKind {
	return b.market
}

// CreateOrder sends order to Binance. Orders Binance refuses with an API
// error come back REJECTED; transport failures are returned as errors and
// leave the order NEW.
func (b *Broker) CreateOrder(ctx context.Context, order *exchange.Order) (*exchange.Order, error) {
	if order.Resolved() || order.ExchangeOrderID != "" {
		return order, exchange.ErrOrderResolved
	}
	l := b.logger.With(
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
	)

	if order.MarketKind != b.market {
		order.Reject(fmt.Sprintf("order market %s does not match broker market %s", order.MarketKind, b.market))
		l.Warn("Order rejected", zap.String("reason", order.RejectReason))
		return order, nil
	}
	if err := order.Validate(); err != nil {
		order.Reject(err.Error())
		l.Warn("Order rejected", zap.String("reason", order.RejectReason))
		return order, nil
	}

	rule, err := b.symbolRule(ctx, order.Symbol)
	if err != nil {
		return order, err
	}
	quantity, err := formatQuantity(rule, order.Quantity)
	if err != nil {
		order.Reject(err.Error())
		l.Warn("Order rejected", zap.String("reason", order.RejectReason))
		return order, nil
	}

	req := binance.OrderRequest{
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Type:          string(order.Type),
		Quantity:      quantity.String(),
		ClientOrderID: order.ID,
	}
	if order.Price != nil {
		req.Price = order.Price.String()
	}

	resp, err := b.client.CreateOrder(ctx, req)
	if err != nil {
		var apiErr *binance.APIError
		if errors.As(err, &apiErr) {
			order.Reject(apiErr.Message)
			l.Warn("Order rejected by exchange", zap.Int("code", apiErr.Code), zap.String("reason", apiErr.Message))
			return order, nil
		}
		return order, fmt.Errorf("create order %s: %w", order.ID, err)
	}

	applyResponse(order, *resp)
	l.Info("Order placed",
		zap.String("exchange_order_id", order.ExchangeOrderID),
		zap.String("status", string(order.Status)),
		zap.String("filled_price", order.FilledPrice.String()),
		zap.String("filled_quantity", order.FilledQuantity.String()),
	)
	return order, nil
}

// CancelOrder cancels a resting order by its exchange order id.
func (b *Broker) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid exchange order id %q: %w", orderID, err)
	}
	return b.client.CancelOrder(ctx, symbol, id)
}

// GetAccountBalance returns free plus locked for spot assets. On futures the
// quote asset reports wallet balance plus unrealized profit.
func (b *Broker) GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if b.market == exchange.MarketSpot {
		account, err := b.client.GetSpotAccount(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		for _, bal := range account.Balances {
			if bal.Asset == asset {
				return parseDecimal(bal.Free).Add(parseDecimal(bal.Locked)), nil
			}
		}
		return decimal.Zero, nil
	}

	account, err := b.client.GetFuturesAccount(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, a := range account.Assets {
		if a.Asset == asset {
			return parseDecimal(a.WalletBalance).Add(parseDecimal(a.UnrealizedProfit)), nil
		}
	}
	return decimal.Zero, nil
}

// GetOpenOrders lists resting orders of symbol.
func (b *Broker) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	resps, err := b.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	orders := make([]exchange.Order, 0, len(resps))
	for _, r := range resps {
		orders = append(orders, toOrder(r, b.market))
	}
	return orders, nil
}

// GetHistoryOrders lists the resolved orders among the last limit orders of
// symbol, newest first.
func (b *Broker) GetHistoryOrders(ctx context.Context, symbol string, limit int) ([]exchange.Order, error) {
	resps, err := b.client.GetAllOrders(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	orders := make([]exchange.Order, 0, len(resps))
	for i := len(resps) - 1; i >= 0; i-- {
		o := toOrder(resps[i], b.market)
		if o.Status == exchange.OrderStatusNew || o.Status == exchange.OrderStatusPartiallyFilled {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// GetPosition returns the futures position of symbol from positionRisk. On
// spot the position is the held base asset.
func (b *Broker) GetPosition(ctx context.Context, symbol string) (exchange.Position, error) {
	if b.market == exchange.MarketSpot {
		amount, err := b.GetAccountBalance(ctx, exchange.BaseAsset(symbol))
		if err != nil {
			return exchange.Position{}, err
		}
		return exchange.Position{Symbol: symbol, Amount: amount, Leverage: 1}, nil
	}

	risks, err := b.client.GetPositionRisk(ctx, symbol)
	if err != nil {
		return exchange.Position{}, err
	}
	for _, r := range risks {
		if r.Symbol != symbol || (r.PositionSide != "" && r.PositionSide != "BOTH") {
			continue
		}
		return toPosition(r), nil
	}
	return exchange.Position{Symbol: symbol, Leverage: 1}, nil
}

// symbolRule returns the cached trading rules of symbol, fetching the
// exchange info on first use.
func (b *Broker) symbolRule(ctx context.Context, symbol string) (binance.SymbolInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rules == nil {
		info, err := b.client.GetExchangeInfo(ctx)
		if err != nil {
			return binance.SymbolInfo{}, fmt.Errorf("could not get exchange info: %w", err)
		}
		b.rules = make(map[string]binance.SymbolInfo, len(info.Symbols))
		for _, s := range info.Symbols {
			b.rules[s.Symbol] = s
		}
		b.logger.Info("Cached exchange information", zap.Int("symbols", len(b.rules)))
	}

	rule, ok := b.rules[symbol]
	if !ok {
		b.logger.Warn("No exchange rule found for symbol, quantity is sent unformatted", zap.String("symbol", symbol))
	}
	return rule, nil
}

// formatQuantity floors quantity to the LOT_SIZE step of the symbol and
// enforces its minimum.
func formatQuantity(rule binance.SymbolInfo, quantity decimal.Decimal) (decimal.Decimal, error) {
	lot, ok := rule.LotSize()
	if !ok {
		return quantity, nil
	}

	minQty := parseDecimal(lot.MinQty)
	if quantity.LessThan(minQty) {
		return decimal.Zero, fmt.Errorf("quantity %s is less than minQty %s for symbol %s", quantity, minQty, rule.Symbol)
	}

	step := parseDecimal(lot.StepSize)
	if !step.IsPositive() {
		return quantity, nil
	}
	floored := quantity.Div(step).Floor().Mul(step)
	if !floored.IsPositive() || floored.LessThan(minQty) {
		return decimal.Zero, fmt.Errorf("formatted quantity %s is less than minQty %s for symbol %s", floored, minQty, rule.Symbol)
	}
	return floored, nil
}

func toOrder(r binance.OrderResponse, market exchange.MarketKind) exchange.Order {
	o := exchange.Order{
		ID:         r.ClientOrderID,
		Symbol:     r.Symbol,
		Side:       exchange.Side(r.Side),
		Type:       exchange.OrderType(r.Type),
		Quantity:   parseDecimal(r.OrigQuantity),
		MarketKind: market,
		CreatedAt:  time.UnixMilli(r.Time),
	}
	if o.ID == "" {
		o.ID = strconv.FormatInt(r.OrderID, 10)
	}
	if price := parseDecimal(r.Price); price.IsPositive() {
		o.Price = &price
	}
	applyResponse(&o, r)
	return o
}

// applyResponse writes the exchange's view of an order onto o.
func applyResponse(o *exchange.Order, r binance.OrderResponse) {
	o.ExchangeOrderID = strconv.FormatInt(r.OrderID, 10)

	executed := parseDecimal(r.ExecutedQuantity)
	price := parseDecimal(r.AvgPrice)
	if !price.IsPositive() && executed.IsPositive() {
		quote := parseDecimal(r.CummulativeQuoteQty)
		if !quote.IsPositive() {
			quote = parseDecimal(r.CumQuote)
		}
		price = quote.Div(executed)
	}

	commission := decimal.Zero
	var commissionAsset string
	for _, f := range r.Fills {
		commission = commission.Add(parseDecimal(f.Commission))
		commissionAsset = f.CommissionAsset
	}

	switch status := mapStatus(r.Status); status {
	case exchange.OrderStatusFilled:
		o.Fill(price, executed, commission, commissionAsset)
	case exchange.OrderStatusRejected:
		o.Reject("rejected by exchange")
	default:
		o.Status = status
		o.FilledPrice = price
		o.FilledQuantity = executed
		o.Commission = commission
		o.CommissionAsset = commissionAsset
	}
}

func mapStatus(s string) exchange.OrderStatus {
	switch s {
	case "PARTIALLY_FILLED":
		return exchange.OrderStatusPartiallyFilled
	case "FILLED":
		return exchange.OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL", "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.OrderStatusCanceled
	case "REJECTED":
		return exchange.OrderStatusRejected
	}
	return exchange.OrderStatusNew
}

func toPosition(r binance.PositionRisk) exchange.Position {
	amount := parseDecimal(r.PositionAmt)
	entry := parseDecimal(r.EntryPrice)
	leverage, err := strconv.Atoi(r.Leverage)
	if err != nil || leverage < 1 {
		leverage = 1
	}
	margin := parseDecimal(r.IsolatedMargin)
	if !margin.IsPositive() {
		margin = amount.Abs().Mul(entry).Div(decimal.NewFromInt(int64(leverage)))
	}
	return exchange.Position{
		Symbol:        r.Symbol,
		Amount:        amount,
		EntryPrice:    entry,
		Margin:        margin,
		Leverage:      leverage,
		MarkPrice:     parseDecimal(r.MarkPrice),
		UnrealizedPnL: parseDecimal(r.UnRealizedProfit),
	}
}

// parseDecimal reads a Binance numeric string; empty or malformed values are
// zero.
func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
