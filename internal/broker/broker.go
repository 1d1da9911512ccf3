// Package broker defines the order-routing interface and the gateway that
// wraps every call in rate limiting, retry, and circuit breaking.
package broker

import (
	"context"
	"time"

	"github.com/niranjank/dalalbot/internal/models"
)

// OrderType selects market or limit execution.
type OrderType string

const (
	// OrderTypeMarket executes at the prevailing price.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit executes at LimitPrice or better.
	OrderTypeLimit OrderType = "LIMIT"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	// StatusPending means the order is live but unfilled.
	StatusPending OrderStatus = "pending"
	// StatusComplete means the full quantity filled.
	StatusComplete OrderStatus = "complete"
	// StatusPartial means some quantity filled, remainder open or cancelled.
	StatusPartial OrderStatus = "partial"
	// StatusRejected means the broker refused the order.
	StatusRejected OrderStatus = "rejected"
	// StatusCancelled means the order was cancelled before completion.
	StatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == StatusComplete || s == StatusRejected || s == StatusCancelled
}

// OrderRequest describes one order to place.
type OrderRequest struct {
	Symbol     string
	Exchange   models.Exchange
	Side       models.TradeSide
	Quantity   int
	OrderType  OrderType
	LimitPrice float64
	Product    models.ProductType
}

// Order is the broker's view of a placed order.
type Order struct {
	ID              string
	Symbol          string
	Side            models.TradeSide
	RequestedQty    int
	FilledQty       int
	AvgPrice        float64
	Status          OrderStatus
	RejectionReason string
	PlacedAt        time.Time
}

// BrokerPosition is a position as the broker reports it, used for startup
// reconciliation against the local snapshot.
type BrokerPosition struct {
	Symbol   string
	Exchange models.Exchange
	Quantity int
	AvgPrice float64
	Product  models.ProductType
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Last float64
	Bid  float64
	Ask  float64
}

// Broker is an authenticated client handle. How the session was obtained is
// outside this package.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	OrderStatus(ctx context.Context, orderID string) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	Positions(ctx context.Context) ([]BrokerPosition, error)
	GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (Quote, error)
}
