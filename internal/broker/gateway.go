package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/niranjank/dalalbot/internal/models"
	"github.com/niranjank/dalalbot/internal/ratelimit"
)

// GatewayConfig tunes fill polling and partial-fill acceptance.
type GatewayConfig struct {
	// FillTimeout is the wall-time budget for AwaitFill.
	FillTimeout time.Duration
	// AcceptRatio is the minimum fill fraction accepted at budget expiry.
	AcceptRatio float64
}

// DefaultGatewayConfig matches exchange order-resolution latencies.
var DefaultGatewayConfig = GatewayConfig{
	FillTimeout: 30 * time.Second,
	AcceptRatio: 0.9,
}

// Gateway adapts a Broker so that every call runs limiter → retry → breaker.
// One gateway instance serves the whole process; it is safe for concurrent
// use because the guard and the underlying broker are.
type Gateway struct {
	broker Broker
	guard  *ratelimit.Guard
	retry  RetryPolicy
	cfg    GatewayConfig
	logger zerolog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewGateway wraps broker. cfg fields left zero take defaults.
func NewGateway(b Broker, guard *ratelimit.Guard, retry RetryPolicy, cfg GatewayConfig, logger zerolog.Logger) *Gateway {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultGatewayConfig.FillTimeout
	}
	if cfg.AcceptRatio <= 0 || cfg.AcceptRatio > 1 {
		cfg.AcceptRatio = DefaultGatewayConfig.AcceptRatio
	}
	return &Gateway{
		broker: b,
		guard:  guard,
		retry:  retry,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// PlaceOrder routes an order through the protective stack and returns the
// broker order ID.
func (g *Gateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	var orderID string
	err := g.retry.Do(ctx, "place_order", g.logger, func() error {
		id, err := ratelimit.Call(ctx, g.guard, func() (string, error) {
			return g.broker.PlaceOrder(ctx, req)
		})
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("place order %s %s x%d: %w", req.Side, req.Symbol, req.Quantity, err)
	}
	g.logger.Info().
		Str("order_id", orderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int("qty", req.Quantity).
		Msg("order placed")
	return orderID, nil
}

// OrderStatus fetches the current order state.
func (g *Gateway) OrderStatus(ctx context.Context, orderID string) (Order, error) {
	var out Order
	err := g.retry.Do(ctx, "order_status", g.logger, func() error {
		ord, err := ratelimit.Call(ctx, g.guard, func() (Order, error) {
			return g.broker.OrderStatus(ctx, orderID)
		})
		if err != nil {
			return err
		}
		out = ord
		return nil
	})
	return out, err
}

// CancelOrder cancels the unfilled remainder of an order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	return g.retry.Do(ctx, "cancel_order", g.logger, func() error {
		_, err := ratelimit.Call(ctx, g.guard, func() (struct{}, error) {
			return struct{}{}, g.broker.CancelOrder(ctx, orderID)
		})
		return err
	})
}

// Positions lists the broker-side positions for reconciliation.
func (g *Gateway) Positions(ctx context.Context) ([]BrokerPosition, error) {
	var out []BrokerPosition
	err := g.retry.Do(ctx, "positions", g.logger, func() error {
		positions, err := ratelimit.Call(ctx, g.guard, func() ([]BrokerPosition, error) {
			return g.broker.Positions(ctx)
		})
		if err != nil {
			return err
		}
		out = positions
		return nil
	})
	return out, err
}

// GetQuote fetches a top-of-book snapshot.
func (g *Gateway) GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (Quote, error) {
	var out Quote
	err := g.retry.Do(ctx, "get_quote", g.logger, func() error {
		q, err := ratelimit.Call(ctx, g.guard, func() (Quote, error) {
			return g.broker.GetQuote(ctx, exchange, symbol)
		})
		if err != nil {
			return err
		}
		out = q
		return nil
	})
	return out, err
}

// AwaitFill polls an order until it resolves or the wall-time budget expires.
// At expiry, a fill at or above AcceptRatio keeps the filled portion and the
// remainder is cancelled; below it, the remainder is cancelled and the caller
// receives OrderPartialShortfall so nothing is recorded.
func (g *Gateway) AwaitFill(ctx context.Context, orderID string, requestedQty int) (Order, error) {
	deadline := g.now().Add(g.cfg.FillTimeout)
	var ord Order

	for step := 0; ; step++ {
		var err error
		ord, err = g.OrderStatus(ctx, orderID)
		if err != nil {
			return ord, err
		}

		switch ord.Status {
		case StatusComplete:
			return ord, nil
		case StatusRejected:
			return ord, &models.OrderError{
				Kind:    models.OrderRejected,
				OrderID: orderID,
				Reason:  ord.RejectionReason,
			}
		case StatusCancelled:
			return ord, &models.OrderError{
				Kind:      models.OrderRejected,
				OrderID:   orderID,
				FilledQty: ord.FilledQty,
				Reason:    "cancelled upstream",
			}
		}

		remaining := deadline.Sub(g.now())
		if remaining <= 0 {
			break
		}
		delay := pollDelay(step)
		if delay > remaining {
			delay = remaining
		}
		if err := g.sleep(ctx, delay); err != nil {
			return ord, err
		}
	}

	return g.reconcilePartial(ctx, ord, requestedQty)
}

// reconcilePartial applies the fill-ratio acceptance rule after the poll
// budget is spent.
func (g *Gateway) reconcilePartial(ctx context.Context, ord Order, requestedQty int) (Order, error) {
	if requestedQty <= 0 {
		requestedQty = ord.RequestedQty
	}

	if cancelErr := g.CancelOrder(ctx, ord.ID); cancelErr != nil {
		g.logger.Error().Str("order_id", ord.ID).Err(cancelErr).Msg("failed to cancel order remainder")
	}

	ratio := 0.0
	if requestedQty > 0 {
		ratio = float64(ord.FilledQty) / float64(requestedQty)
	}

	if ord.FilledQty == 0 {
		return ord, &models.OrderError{Kind: models.OrderTimeout, OrderID: ord.ID}
	}
	if ratio < g.cfg.AcceptRatio {
		g.logger.Warn().
			Str("order_id", ord.ID).
			Int("filled", ord.FilledQty).
			Int("requested", requestedQty).
			Float64("ratio", ratio).
			Msg("fill below acceptance threshold, discarding")
		return ord, &models.OrderError{
			Kind:      models.OrderPartialShortfall,
			OrderID:   ord.ID,
			FilledQty: ord.FilledQty,
			Reason:    fmt.Sprintf("filled %d of %d", ord.FilledQty, requestedQty),
		}
	}

	ord.Status = StatusPartial
	return ord, nil
}

// pollDelay follows the backoff ladder and then holds at its last rung.
func pollDelay(step int) time.Duration {
	if step >= len(backoffLadder) {
		step = len(backoffLadder) - 1
	}
	return backoffLadder[step]
}
