package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/niranjank/dalalbot/internal/models"
)

// HTTPSource is a Source backed by a REST market-data service. It speaks a
// plain JSON API: /api/v1/candles, /api/v1/quote, /api/v1/instruments.
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource builds a source for the service at baseURL. apiKey may be
// empty for unauthenticated feeds.
func NewHTTPSource(baseURL, apiKey string, logger zerolog.Logger) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (s *HTTPSource) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := time.Second
		if v, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && v > 0 {
			wait = time.Duration(v) * time.Second
		}
		return &models.RateLimitError{Wait: wait}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("data service returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type candlePayload struct {
	Candles []struct {
		Timestamp time.Time `json:"timestamp"`
		Open      float64   `json:"open"`
		High      float64   `json:"high"`
		Low       float64   `json:"low"`
		Close     float64   `json:"close"`
		Volume    int64     `json:"volume"`
	} `json:"candles"`
}

// FetchBars returns OHLCV bars for the symbol. The series is returned as the
// service sent it; the provider validates.
func (s *HTTPSource) FetchBars(ctx context.Context, symbol, interval string, lookbackDays int) (models.BarSeries, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("days", strconv.Itoa(lookbackDays))

	var payload candlePayload
	if err := s.get(ctx, "/api/v1/candles", q, &payload); err != nil {
		return nil, err
	}

	series := make(models.BarSeries, 0, len(payload.Candles))
	for _, c := range payload.Candles {
		series = append(series, models.Bar{
			Timestamp: c.Timestamp,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	return series, nil
}

type quotePayload struct {
	Last float64 `json:"last"`
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
}

// FetchQuote returns the last traded price on the given exchange.
func (s *HTTPSource) FetchQuote(ctx context.Context, exchange models.Exchange, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("exchange", string(exchange))
	q.Set("symbol", symbol)

	var payload quotePayload
	if err := s.get(ctx, "/api/v1/quote", q, &payload); err != nil {
		return 0, err
	}
	if payload.Last <= 0 {
		return 0, &models.DataError{Kind: models.DataMissing, Symbol: symbol}
	}
	return payload.Last, nil
}

type instrumentPayload struct {
	Instruments []Instrument `json:"instruments"`
}

// FetchInstruments lists the tradable instruments on an exchange.
func (s *HTTPSource) FetchInstruments(ctx context.Context, exchange models.Exchange) ([]Instrument, error) {
	q := url.Values{}
	q.Set("exchange", string(exchange))

	var payload instrumentPayload
	if err := s.get(ctx, "/api/v1/instruments", q, &payload); err != nil {
		return nil, err
	}
	return payload.Instruments, nil
}
