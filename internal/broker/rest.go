package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/niranjank/dalalbot/internal/models"
)

// RESTBroker routes orders to a broker's REST order-management API. Live mode
// uses it behind the gateway; the gateway supplies pacing, retries and the
// circuit breaker.
type RESTBroker struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

var _ Broker = (*RESTBroker)(nil)

// NewRESTBroker builds a connector for the API at baseURL.
func NewRESTBroker(baseURL, apiKey string, logger zerolog.Logger) *RESTBroker {
	return &RESTBroker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (b *RESTBroker) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := time.Second
		if v, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && v > 0 {
			wait = time.Duration(v) * time.Second
		}
		return &models.RateLimitError{Wait: wait}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Client errors are permanent: the broker refused the request.
		var fault struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&fault)
		return &models.OrderError{Kind: models.OrderRejected, Reason: fault.Message}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("broker API returned %s for %s", resp.Status, path)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type orderPayload struct {
	OrderID      string  `json:"order_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Quantity     int     `json:"quantity"`
	FilledQty    int     `json:"filled_quantity"`
	AveragePrice float64 `json:"average_price"`
	Status       string  `json:"status"`
	Reason       string  `json:"reason,omitempty"`
}

func (p orderPayload) order() Order {
	return Order{
		ID:              p.OrderID,
		Symbol:          p.Symbol,
		Side:            models.TradeSide(p.Side),
		RequestedQty:    p.Quantity,
		FilledQty:       p.FilledQty,
		AvgPrice:        p.AveragePrice,
		Status:          OrderStatus(p.Status),
		RejectionReason: p.Reason,
	}
}

// PlaceOrder submits the order and returns the broker's order ID.
func (b *RESTBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	payload := map[string]any{
		"symbol":     req.Symbol,
		"exchange":   string(req.Exchange),
		"side":       string(req.Side),
		"quantity":   req.Quantity,
		"order_type": string(req.OrderType),
		"product":    string(req.Product),
	}
	if req.OrderType == OrderTypeLimit {
		payload["limit_price"] = req.LimitPrice
	}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := b.do(ctx, http.MethodPost, "/api/v1/orders", payload, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("broker accepted order for %s without an order id", req.Symbol)
	}
	b.logger.Debug().Str("order_id", resp.OrderID).Str("symbol", req.Symbol).Msg("order placed")
	return resp.OrderID, nil
}

// OrderStatus fetches the current order state.
func (b *RESTBroker) OrderStatus(ctx context.Context, orderID string) (Order, error) {
	var payload orderPayload
	if err := b.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID), nil, &payload); err != nil {
		return Order{}, err
	}
	return payload.order(), nil
}

// CancelOrder cancels any unfilled remainder.
func (b *RESTBroker) CancelOrder(ctx context.Context, orderID string) error {
	return b.do(ctx, http.MethodDelete, "/api/v1/orders/"+url.PathEscape(orderID), nil, nil)
}

// Positions lists the broker-side book for startup reconciliation.
func (b *RESTBroker) Positions(ctx context.Context) ([]BrokerPosition, error) {
	var payload struct {
		Positions []struct {
			Symbol       string  `json:"symbol"`
			Exchange     string  `json:"exchange"`
			Quantity     int     `json:"quantity"`
			AveragePrice float64 `json:"average_price"`
			Product      string  `json:"product"`
		} `json:"positions"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/v1/positions", nil, &payload); err != nil {
		return nil, err
	}

	out := make([]BrokerPosition, 0, len(payload.Positions))
	for _, p := range payload.Positions {
		out = append(out, BrokerPosition{
			Symbol:   p.Symbol,
			Exchange: models.Exchange(p.Exchange),
			Quantity: p.Quantity,
			AvgPrice: p.AveragePrice,
			Product:  models.ProductType(p.Product),
		})
	}
	return out, nil
}

// GetQuote returns a top-of-book snapshot.
func (b *RESTBroker) GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (Quote, error) {
	q := url.Values{}
	q.Set("exchange", string(exchange))
	q.Set("symbol", symbol)

	var quote Quote
	if err := b.do(ctx, http.MethodGet, "/api/v1/quote?"+q.Encode(), nil, &quote); err != nil {
		return Quote{}, err
	}
	if quote.Last <= 0 {
		return Quote{}, &models.DataError{Kind: models.DataMissing, Symbol: symbol}
	}
	return quote, nil
}
