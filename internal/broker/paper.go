package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/niranjank/dalalbot/internal/models"
)

// QuoteFunc resolves the current price of a symbol. The paper broker fills
// against it.
type QuoteFunc func(exchange models.Exchange, symbol string) (float64, error)

// PaperBroker simulates fills locally: market orders fill immediately at the
// quoted price adjusted by slippage, limit orders fill at the limit. Fills are
// deterministic given the quote source, so backtests replay exactly.
type PaperBroker struct {
	quote       QuoteFunc
	slippageBPS float64
	now         func() time.Time

	mu     sync.Mutex
	orders map[string]Order
	// net signed quantity per symbol, for Positions
	holdings map[string]*BrokerPosition
}

// NewPaperBroker builds a paper broker filling against quote with the given
// slippage in basis points.
func NewPaperBroker(quote QuoteFunc, slippageBPS float64) *PaperBroker {
	return &PaperBroker{
		quote:       quote,
		slippageBPS: slippageBPS,
		now:         time.Now,
		orders:      make(map[string]Order),
		holdings:    make(map[string]*BrokerPosition),
	}
}

var _ Broker = (*PaperBroker)(nil)

// PlaceOrder fills the order synchronously and returns a synthetic order ID.
func (b *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", &models.OrderError{Kind: models.OrderRejected, Reason: "non-positive quantity"}
	}
	if !req.Side.Valid() {
		return "", &models.OrderError{Kind: models.OrderRejected, Reason: fmt.Sprintf("invalid side %q", req.Side)}
	}

	price := req.LimitPrice
	if req.OrderType != OrderTypeLimit || price <= 0 {
		last, err := b.quote(req.Exchange, req.Symbol)
		if err != nil {
			return "", err
		}
		price = b.withSlippage(last, req.Side)
	}
	if price <= 0 {
		return "", &models.OrderError{Kind: models.OrderRejected, Symbol: req.Symbol, Reason: "no price available"}
	}

	order := Order{
		ID:           uuid.NewString(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		RequestedQty: req.Quantity,
		FilledQty:    req.Quantity,
		AvgPrice:     price,
		Status:       StatusComplete,
		PlacedAt:     b.now(),
	}

	b.mu.Lock()
	b.orders[order.ID] = order
	b.applyFill(req, order)
	b.mu.Unlock()

	return order.ID, nil
}

// withSlippage moves the fill price against the taker.
func (b *PaperBroker) withSlippage(last float64, side models.TradeSide) float64 {
	adj := last * b.slippageBPS / 10_000
	if side == models.SideBuy {
		return last + adj
	}
	return last - adj
}

func (b *PaperBroker) applyFill(req OrderRequest, order Order) {
	h, ok := b.holdings[req.Symbol]
	if !ok {
		h = &BrokerPosition{Symbol: req.Symbol, Exchange: req.Exchange, Product: req.Product}
		b.holdings[req.Symbol] = h
	}
	signed := order.FilledQty
	if order.Side == models.SideSell {
		signed = -signed
	}
	newQty := h.Quantity + signed
	if signed > 0 && newQty > 0 {
		// Weighted average entry over the accumulating side only.
		h.AvgPrice = (h.AvgPrice*float64(h.Quantity) + order.AvgPrice*float64(signed)) / float64(newQty)
	}
	h.Quantity = newQty
	if h.Quantity == 0 {
		delete(b.holdings, req.Symbol)
	}
}

// OrderStatus returns the stored order.
func (b *PaperBroker) OrderStatus(ctx context.Context, orderID string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return Order{}, &models.OrderError{Kind: models.OrderRejected, OrderID: orderID, Reason: "unknown order"}
	}
	return order, nil
}

// CancelOrder cancels a live order; terminal orders are left untouched.
func (b *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return &models.OrderError{Kind: models.OrderRejected, OrderID: orderID, Reason: "unknown order"}
	}
	if !order.Status.Terminal() {
		order.Status = StatusCancelled
		b.orders[orderID] = order
	}
	return nil
}

// Positions returns the simulated holdings.
func (b *PaperBroker) Positions(ctx context.Context) ([]BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BrokerPosition, 0, len(b.holdings))
	for _, h := range b.holdings {
		out = append(out, *h)
	}
	return out, nil
}

// GetQuote resolves the quote source into a flat top-of-book.
func (b *PaperBroker) GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (Quote, error) {
	last, err := b.quote(exchange, symbol)
	if err != nil {
		return Quote{}, err
	}
	spread := last * 0.0005
	return Quote{Last: last, Bid: last - spread, Ask: last + spread}, nil
}
