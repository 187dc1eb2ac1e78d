// Package exchange holds the data model shared by every broker variant and the
// Broker contract that strategies trade through.
package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// MarketKind selects the accounting model of a market.
type MarketKind string

const (
	MarketSpot        MarketKind = "SPOT"
	MarketUSDTFutures MarketKind = "USDT_FUTURE"
)

// ParseMarketKind maps a config or request value onto a MarketKind. An empty
// string means spot.
func ParseMarketKind(s string) (MarketKind, error) {
	switch MarketKind(s) {
	case "", MarketSpot:
		return MarketSpot, nil
	case MarketUSDTFutures:
		return MarketUSDTFutures, nil
	}
	return "", fmt.Errorf("unsupported market type %q", s)
}

// ErrOrderResolved is returned when an order that already left the NEW state
// is submitted again.
var ErrOrderResolved = errors.New("order already resolved")

// Order is an intent to trade. Everything except the status and fill fields
// is fixed at construction; the fill fields are written once by the broker
// that resolves the order.
type Order struct {
	ID         string           `json:"id"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Type       OrderType        `json:"type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	MarketKind MarketKind       `json:"market_kind"`
	CreatedAt  time.Time        `json:"created_at"`

	Status          OrderStatus     `json:"status"`
	FilledPrice     decimal.Decimal `json:"filled_price"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset,omitempty"`
	RejectReason    string          `json:"reject_reason,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
}

// NewMarketOrder creates a NEW market order.
func NewMarketOrder(symbol string, side Side, quantity decimal.Decimal, kind MarketKind) *Order {
	return &Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Type:       OrderTypeMarket,
		Quantity:   quantity,
		MarketKind: kind,
		CreatedAt:  time.Now(),
		Status:     OrderStatusNew,
	}
}

// NewLimitOrder creates a NEW limit order at price.
func NewLimitOrder(symbol string, side Side, quantity, price decimal.Decimal, kind MarketKind) *Order {
	o := NewMarketOrder(symbol, side, quantity, kind)
	o.Type = OrderTypeLimit
	o.Price = &price
	return o
}

// Validate checks the static shape of the order.
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return errors.New("symbol is required")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("invalid side %q", o.Side)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", o.Quantity)
	}
	switch o.Type {
	case OrderTypeMarket:
		if o.Price != nil {
			return errors.New("market order must not carry a limit price")
		}
	case OrderTypeLimit:
		if o.Price == nil || !o.Price.IsPositive() {
			return errors.New("limit order requires a positive price")
		}
	default:
		return fmt.Errorf("invalid order type %q", o.Type)
	}
	return nil
}

// Resolved reports whether the order has left the NEW state.
func (o *Order) Resolved() bool {
	return o.Status != OrderStatusNew
}

// Reject moves the order to REJECTED with a reason.
func (o *Order) Reject(reason string) {
	o.Status = OrderStatusRejected
	o.RejectReason = reason
}

// Fill moves the order to FILLED and records the execution.
func (o *Order) Fill(price, quantity, commission decimal.Decimal, commissionAsset string) {
	o.Status = OrderStatusFilled
	o.FilledPrice = price
	o.FilledQuantity = quantity
	o.Commission = commission
	o.CommissionAsset = commissionAsset
}

// SignedQuantity is +quantity for buys and -quantity for sells.
func (o *Order) SignedQuantity() decimal.Decimal {
	if o.Side == SideSell {
		return o.Quantity.Neg()
	}
	return o.Quantity
}

// ReferencePrice is the price a strategy can resume from: the fill price when
// the order executed, otherwise its limit price.
func (o *Order) ReferencePrice() (decimal.Decimal, bool) {
	if o.FilledPrice.IsPositive() {
		return o.FilledPrice, true
	}
	if o.Price != nil && o.Price.IsPositive() {
		return *o.Price, true
	}
	return decimal.Zero, false
}
