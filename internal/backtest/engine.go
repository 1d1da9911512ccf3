// Package backtest replays historical bars through the same strategy,
// aggregation and portfolio path the live scheduler uses, with a simulated
// clock and zero-latency fills.
package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/niranjank/dalalbot/internal/broker"
	"github.com/niranjank/dalalbot/internal/config"
	"github.com/niranjank/dalalbot/internal/models"
	"github.com/niranjank/dalalbot/internal/portfolio"
	"github.com/niranjank/dalalbot/internal/strategy"
	"github.com/niranjank/dalalbot/internal/util"
)

// warmupBars is the minimum history per symbol before it is tradable.
const warmupBars = 30

// Result summarizes one replay.
type Result struct {
	Days           int                        `json:"days"`
	StartValue     float64                    `json:"start_value"`
	EndValue       float64                    `json:"end_value"`
	ReturnPct      float64                    `json:"return_pct"`
	MaxDrawdownPct float64                    `json:"max_drawdown_pct"`
	Counters       models.PerformanceCounters `json:"counters"`
	Trades         []models.Trade             `json:"trades"`
}

// Engine drives a deterministic replay.
type Engine struct {
	cfg        *config.Config
	strategies []strategy.Strategy
	agg        *strategy.Aggregator
	logger     zerolog.Logger
}

// New builds a backtest engine over the given ensemble.
func New(cfg *config.Config, strategies []strategy.Strategy, agg *strategy.Aggregator, logger zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, strategies: strategies, agg: agg, logger: logger}
}

// replayExec fills orders instantly at the current replay price, with the
// configured slippage applied.
type replayExec struct {
	prices      map[string]float64
	slippageBPS float64
	n           int
	byID        map[string]broker.OrderRequest
}

func (e *replayExec) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	e.n++
	id := fmt.Sprintf("bt-%d", e.n)
	e.byID[id] = req
	return id, nil
}

func (e *replayExec) AwaitFill(ctx context.Context, orderID string, requestedQty int) (broker.Order, error) {
	req := e.byID[orderID]
	price, ok := e.prices[req.Symbol]
	if !ok || price <= 0 {
		return broker.Order{}, &models.OrderError{Kind: models.OrderRejected, OrderID: orderID, Reason: "no replay price"}
	}
	adj := price * e.slippageBPS / 10_000
	if req.Side == models.SideBuy {
		price += adj
	} else {
		price -= adj
	}
	return broker.Order{
		ID: orderID, Symbol: req.Symbol, Side: req.Side,
		RequestedQty: requestedQty, FilledQty: requestedQty,
		AvgPrice: price, Status: broker.StatusComplete,
	}, nil
}

// Run replays the history day by day: exits first, then entries by
// descending confidence, exactly as the live loop orders them.
func (e *Engine) Run(ctx context.Context, history map[string]models.BarSeries) (*Result, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("backtest: empty history")
	}
	for symbol, series := range history {
		if err := series.Validate(); err != nil {
			return nil, fmt.Errorf("backtest: series for %s: %w", symbol, err)
		}
	}

	timeline := buildTimeline(history)
	prices := make(map[string]float64)
	exec := &replayExec{
		prices:      prices,
		slippageBPS: e.cfg.Risk.SlippageBps,
		byID:        make(map[string]broker.OrderRequest),
	}

	clock := timeline[0]
	pf := portfolio.New(e.cfg, exec, e.logger)
	pf.SetClock(func() time.Time { return clock })

	cursors := make(map[string]int, len(history))
	start := e.cfg.Capital.Initial
	peak := start
	maxDrawdown := 0.0

	for _, day := range timeline {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clock = day.In(util.IST()).Add(10 * time.Hour)
		pf.StartTradingDay(util.TradingDay(clock))

		// Advance each symbol's window to this day.
		windows := make(map[string]models.BarSeries, len(history))
		for symbol, series := range history {
			i := cursors[symbol]
			for i < len(series) && !series[i].Timestamp.After(day) {
				i++
			}
			cursors[symbol] = i
			if i >= warmupBars {
				windows[symbol] = series[:i]
				prices[symbol] = series[i-1].Close
			}
		}
		if len(windows) == 0 {
			continue
		}

		e.runExits(ctx, pf, windows, prices)
		e.runEntries(ctx, pf, windows)

		equity := pf.MarkToMarket(prices, nil)
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak * 100; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}

	end := pf.MarkToMarket(prices, nil)
	return &Result{
		Days:           len(timeline),
		StartValue:     start,
		EndValue:       end,
		ReturnPct:      (end - start) / start * 100,
		MaxDrawdownPct: maxDrawdown,
		Counters:       pf.Counters(),
		Trades:         pf.Trades(),
	}, nil
}

func (e *Engine) runExits(ctx context.Context, pf *portfolio.Portfolio, windows map[string]models.BarSeries, prices map[string]float64) {
	held := pf.Positions()
	symbols := make([]string, 0, len(held))
	for symbol := range held {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		window, ok := windows[symbol]
		if !ok {
			continue
		}
		sig := strategy.Evaluate(e.strategies, e.agg, window, symbol, true)
		if sig.Action != models.ActionSell {
			continue
		}
		if _, err := pf.ClosePosition(ctx, symbol, prices[symbol], portfolio.ReasonSignalExit); err != nil {
			e.logger.Debug().Str("symbol", symbol).Err(err).Msg("replay exit skipped")
		}
	}
	pf.UpdateRiskExits(ctx, prices)
}

func (e *Engine) runEntries(ctx context.Context, pf *portfolio.Portfolio, windows map[string]models.BarSeries) {
	var candidates []models.AggregatedSignal
	for symbol, window := range windows {
		if _, held := pf.Position(symbol); held {
			continue
		}
		sig := strategy.Evaluate(e.strategies, e.agg, window, symbol, false)
		if sig.Action != models.ActionBuy || sig.LastClose <= 0 {
			continue
		}
		candidates = append(candidates, sig)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})

	for _, sig := range candidates {
		if pf.PositionCount() >= e.cfg.Risk.MaxPositions {
			break
		}
		if sig.Confidence < e.cfg.Signals.MinConfidenceEntry || pf.InCooldown(sig.Symbol) {
			continue
		}
		requested := int(math.Floor(e.cfg.Risk.MaxPositionValue / sig.LastClose))
		if requested <= 0 {
			continue
		}
		if _, err := pf.ExecuteBuy(ctx, sig.Symbol, requested, sig.LastClose, sig.Confidence,
			e.cfg.Sectors[sig.Symbol], sig.ATR, 1); err != nil {
			e.logger.Debug().Str("symbol", sig.Symbol).Err(err).Msg("replay entry rejected")
		}
	}
}

// buildTimeline returns the sorted union of bar timestamps.
func buildTimeline(history map[string]models.BarSeries) []time.Time {
	seen := make(map[int64]time.Time)
	for _, series := range history {
		for _, b := range series {
			seen[b.Timestamp.Unix()] = b.Timestamp
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
