package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Broker is the contract strategies trade through. The simulated and the live
// implementations satisfy it identically; market specific behavior stays
// behind it.
//
// Business rejections (insufficient funds, margin or inventory) are reported
// through Order.Status, never as an error. An error means the broker could not
// process the call at all.
type Broker interface {
	// MarketKind is fixed for the lifetime of the broker.
	MarketKind() MarketKind

	// CreateOrder resolves a NEW order and returns it with its status and fill
	// fields written.
	CreateOrder(ctx context.Context, order *Order) (*Order, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetAccountBalance returns the balance held in asset.
	GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// GetOpenOrders lists resting orders for symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// GetHistoryOrders lists up to limit resolved orders for symbol, newest
	// first.
	GetHistoryOrders(ctx context.Context, symbol string, limit int) ([]Order, error)

	// GetPosition returns the exposure on symbol.
	GetPosition(ctx context.Context, symbol string) (Position, error)
}
