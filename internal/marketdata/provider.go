// Package marketdata fetches and caches OHLCV windows and quotes, pacing every
// upstream call through the rate-limit guard and falling back to a secondary
// source when the primary is unavailable.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/niranjank/dalalbot/internal/models"
	"github.com/niranjank/dalalbot/internal/ratelimit"
)

// Instrument is a tradable listing used for symbol→token resolution.
type Instrument struct {
	Token    string          `json:"token"`
	Symbol   string          `json:"symbol"`
	Name     string          `json:"name,omitempty"`
	Exchange models.Exchange `json:"exchange"`
	LotSize  int             `json:"lot_size,omitempty"`
	Expiry   time.Time       `json:"expiry,omitempty"`
	Strike   float64         `json:"strike,omitempty"`
}

// Source is a bar/quote upstream: the broker's historical API or the generic
// fallback feed.
type Source interface {
	FetchBars(ctx context.Context, symbol, interval string, lookbackDays int) (models.BarSeries, error)
	FetchInstruments(ctx context.Context, exchange models.Exchange) ([]Instrument, error)
	FetchQuote(ctx context.Context, exchange models.Exchange, symbol string) (float64, error)
}

// Config tunes the provider.
type Config struct {
	TTL             time.Duration
	BatchSize       int
	InterBatchDelay time.Duration
}

// DefaultConfig is the provider's default tuning.
var DefaultConfig = Config{
	TTL:             45 * time.Second,
	BatchSize:       10,
	InterBatchDelay: 300 * time.Millisecond,
}

// Provider serves validated bar series with TTL caching. Refreshes are
// single-flighted per key so a batch scan never stampedes the upstream.
type Provider struct {
	primary  Source
	fallback Source
	guard    *ratelimit.Guard
	cfg      Config
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
	sf    singleflight.Group
}

type cacheEntry struct {
	series  models.BarSeries
	fetched time.Time
}

// NewProvider builds a provider. fallback may be nil.
func NewProvider(primary, fallback Source, guard *ratelimit.Guard, cfg Config, logger zerolog.Logger) *Provider {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig.TTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if primary == nil {
		panic("marketdata.NewProvider: primary source must not be nil")
	}
	return &Provider{
		primary:  primary,
		fallback: fallback,
		guard:    guard,
		cfg:      cfg,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
	}
}

func cacheKey(symbol, interval string, lookbackDays int) string {
	return fmt.Sprintf("%s|%s|%d", symbol, interval, lookbackDays)
}

// FetchBars returns the bar window for one symbol, from cache when fresh.
// While the circuit is open, a stale entry within 2×TTL is served instead of
// failing.
func (p *Provider) FetchBars(ctx context.Context, symbol, interval string, lookbackDays int) (models.BarSeries, error) {
	key := cacheKey(symbol, interval, lookbackDays)

	if series, ok := p.cached(key, p.cfg.TTL); ok {
		return series, nil
	}

	v, err, _ := p.sf.Do(key, func() (any, error) {
		// Re-check under single-flight: a sibling may have refreshed.
		if series, ok := p.cached(key, p.cfg.TTL); ok {
			return series, nil
		}
		series, err := p.refresh(ctx, symbol, interval, lookbackDays)
		if err != nil {
			return nil, err
		}
		p.store(key, series)
		return series, nil
	})
	if err != nil {
		var open *models.CircuitOpenError
		if errors.As(err, &open) {
			if series, ok := p.cached(key, 2*p.cfg.TTL); ok {
				p.logger.Warn().Str("symbol", symbol).Msg("circuit open, serving stale bars")
				return series, nil
			}
			return nil, &models.DataError{Kind: models.DataStale, Symbol: symbol, Err: err}
		}
		return nil, err
	}
	return v.(models.BarSeries), nil
}

func (p *Provider) refresh(ctx context.Context, symbol, interval string, lookbackDays int) (models.BarSeries, error) {
	series, err := p.fetchFrom(ctx, p.primary, symbol, interval, lookbackDays)
	if err == nil && len(series) > 0 {
		return series, nil
	}

	var open *models.CircuitOpenError
	if errors.As(err, &open) {
		// The breaker owns recovery; do not hammer the fallback for every key.
		return nil, err
	}

	if p.fallback != nil {
		p.logger.Warn().Str("symbol", symbol).Err(err).Msg("primary source unavailable, trying fallback")
		fbSeries, fbErr := p.fetchFrom(ctx, p.fallback, symbol, interval, lookbackDays)
		if fbErr == nil && len(fbSeries) > 0 {
			return fbSeries, nil
		}
	}

	if err != nil {
		return nil, err
	}
	return nil, &models.DataError{Kind: models.DataMissing, Symbol: symbol}
}

func (p *Provider) fetchFrom(ctx context.Context, src Source, symbol, interval string, lookbackDays int) (models.BarSeries, error) {
	series, err := ratelimit.Call(ctx, p.guard, func() (models.BarSeries, error) {
		return src.FetchBars(ctx, symbol, interval, lookbackDays)
	})
	if err != nil {
		return nil, err
	}
	if len(series) == 0 && lookbackDays > 0 {
		return nil, &models.DataError{Kind: models.DataMissing, Symbol: symbol}
	}
	if err := series.Validate(); err != nil {
		return nil, &models.DataError{Kind: models.DataMalformed, Symbol: symbol, Err: err}
	}
	return series, nil
}

func (p *Provider) cached(key string, maxAge time.Duration) (models.BarSeries, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.cache[key]
	if !ok || time.Since(entry.fetched) > maxAge {
		return nil, false
	}
	return entry.series, true
}

func (p *Provider) store(key string, series models.BarSeries) {
	p.mu.Lock()
	p.cache[key] = cacheEntry{series: series, fetched: time.Now()}
	p.mu.Unlock()
}

// FetchBarsBatch fans out over the symbols with bounded concurrency, pausing
// between batches. Symbols that fail are omitted from the result; the caller
// skips them for the iteration.
func (p *Provider) FetchBarsBatch(ctx context.Context, symbols []string, interval string, lookbackDays int) map[string]models.BarSeries {
	out := make(map[string]models.BarSeries, len(symbols))
	var outMu sync.Mutex

	for start := 0; start < len(symbols); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.BatchSize)
		for _, symbol := range symbols[start:end] {
			symbol := symbol
			g.Go(func() error {
				series, err := p.FetchBars(gctx, symbol, interval, lookbackDays)
				if err != nil {
					p.logger.Warn().Str("symbol", symbol).Err(err).Msg("skipping symbol this iteration")
					return nil // one bad symbol must not sink the batch
				}
				outMu.Lock()
				out[symbol] = series
				outMu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if end < len(symbols) && p.cfg.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return out
			case <-time.After(p.cfg.InterBatchDelay):
			}
		}
	}
	return out
}

// FetchInstruments lists the tradable instruments on an exchange.
func (p *Provider) FetchInstruments(ctx context.Context, exchange models.Exchange) ([]Instrument, error) {
	return ratelimit.Call(ctx, p.guard, func() ([]Instrument, error) {
		return p.primary.FetchInstruments(ctx, exchange)
	})
}

// FetchCurrentPrices returns last prices for the given symbols. Option symbols
// are searched on NFO first and BFO second; cash symbols on NSE.
func (p *Provider) FetchCurrentPrices(ctx context.Context, symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		exchanges := []models.Exchange{models.ExchangeNSE}
		if models.IsOptionSymbol(symbol) {
			exchanges = []models.Exchange{models.ExchangeNFO, models.ExchangeBFO}
		}
		for _, ex := range exchanges {
			price, err := ratelimit.Call(ctx, p.guard, func() (float64, error) {
				return p.primary.FetchQuote(ctx, ex, symbol)
			})
			if err == nil && price > 0 {
				out[symbol] = price
				break
			}
		}
	}
	return out
}
