package fno

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/niranjank/dalalbot/internal/broker"
	"github.com/niranjank/dalalbot/internal/config"
	"github.com/niranjank/dalalbot/internal/models"
	"github.com/niranjank/dalalbot/internal/portfolio"
	"github.com/niranjank/dalalbot/internal/strategy"
	"github.com/niranjank/dalalbot/internal/util"
)

// ErrNoSetup means the index offers no tradable structure right now. It is a
// normal outcome, not a failure.
var ErrNoSetup = errors.New("no suitable setup")

// LegExecutor routes individual option legs. The broker gateway implements it.
type LegExecutor interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error)
	AwaitFill(ctx context.Context, orderID string, requestedQty int) (broker.Order, error)
	GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (broker.Quote, error)
}

var _ LegExecutor = (*broker.Gateway)(nil)

// BarSource supplies index bar history.
type BarSource interface {
	FetchBars(ctx context.Context, symbol, interval string, lookbackDays int) (models.BarSeries, error)
}

// Composer scans indices in priority order and books structured option
// positions through the portfolio.
type Composer struct {
	cfg        *config.Config
	indices    []IndexCharacteristics
	matrix     *CorrelationMatrix
	detector   *strategy.RegimeDetector
	strategies []strategy.Strategy
	agg        *strategy.Aggregator
	exec       LegExecutor
	bars       BarSource
	pf         *portfolio.Portfolio
	logger     zerolog.Logger
}

// NewComposer wires the composer. indices defaults to the six seeded index
// underlyings when nil.
func NewComposer(cfg *config.Config, indices []IndexCharacteristics, matrix *CorrelationMatrix,
	strategies []strategy.Strategy, agg *strategy.Aggregator,
	exec LegExecutor, bars BarSource, pf *portfolio.Portfolio, logger zerolog.Logger) *Composer {
	if indices == nil {
		indices = DefaultIndices()
	}
	if matrix == nil {
		matrix = NewCorrelationMatrix()
	}
	return &Composer{
		cfg:        cfg,
		indices:    ByPriority(indices),
		matrix:     matrix,
		detector:   strategy.NewRegimeDetector(),
		strategies: strategies,
		agg:        agg,
		exec:       exec,
		bars:       bars,
		pf:         pf,
		logger:     logger,
	}
}

// ScanIndices attempts one entry across the indices in priority order. Risk
// blocks and no-setup outcomes are logged and skipped; the first booked
// structure ends the scan.
func (c *Composer) ScanIndices(ctx context.Context) {
	if !c.cfg.FnO.Enabled {
		return
	}
	for _, idx := range c.indices {
		sp, err := c.TryEnter(ctx, idx)
		if err != nil {
			var riskErr *models.RiskError
			switch {
			case errors.Is(err, ErrNoSetup):
				c.logger.Debug().Str("index", idx.Symbol).Msg("no setup")
			case errors.As(err, &riskErr):
				c.logger.Info().Str("index", idx.Symbol).Str("reason", riskErr.Error()).Msg("entry blocked")
			default:
				c.logger.Error().Str("index", idx.Symbol).Err(err).Msg("structured entry failed")
			}
			continue
		}
		c.logger.Info().
			Str("index", idx.Symbol).
			Str("strategy", sp.Strategy).
			Str("transaction_id", sp.TransactionID).
			Float64("max_loss", sp.MaxLoss).
			Msg("structured position opened")
		return
	}
}

// TryEnter runs the full entry decision for one index.
func (c *Composer) TryEnter(ctx context.Context, idx IndexCharacteristics) (*models.StructuredPosition, error) {
	if c.pf.HoldsUnderlying(idx.Symbol) {
		return nil, &models.RiskError{Kind: models.RiskAlreadyEngaged, Index: idx.Symbol,
			Detail: fmt.Sprintf("already_engaged(%s)", idx.Symbol)}
	}
	for _, held := range c.pf.EngagedUnderlyings() {
		rho := c.matrix.Rho(idx.Symbol, held)
		if math.Abs(rho) >= c.cfg.FnO.CorrelationBlockThreshold {
			return nil, &models.RiskError{Kind: models.RiskCorrelationBlock, Index: idx.Symbol,
				Detail: fmt.Sprintf("correlation_block(%s,%s,%.2f)", idx.Symbol, held, rho)}
		}
	}

	bars, err := c.bars.FetchBars(ctx, idx.Symbol, "day", 90)
	if err != nil {
		return nil, err
	}
	regime := c.detector.Detect(bars, idx.AvgDailyMove)
	signal := strategy.Evaluate(c.strategies, c.agg, bars, idx.Symbol, false)
	if signal.Confidence < c.cfg.FnO.MinEntryConfidence {
		return nil, ErrNoSetup
	}

	kind := SelectStrategy(regime)
	if kind == KindSkip {
		return nil, ErrNoSetup
	}

	now := util.NowIST()
	expiry := nextWeeklyExpiry(now, idx.ExpiryWeekday, 2)
	sigma := dailySigma(bars)
	legs := BuildLegs(kind, idx, signal.LastClose, sigma, expiry, now)
	if len(legs) == 0 {
		return nil, ErrNoSetup
	}

	premiums := make(map[string]float64, len(legs))
	for _, leg := range legs {
		symbol := leg.Contract.TradingSymbol()
		quote, err := c.exec.GetQuote(ctx, leg.Contract.Exchange, symbol)
		if err != nil {
			return nil, err
		}
		if quote.Last <= 0 {
			return nil, &models.ExecutionError{Kind: models.ExecInvalidPremium, Symbol: symbol,
				Detail: "no premium quote"}
		}
		premiums[symbol] = quote.Last
	}

	lossPerLot := maxLossPerLot(kind, legs, premiums, idx.LotSize)
	if lossPerLot <= 0 {
		return nil, &models.ExecutionError{Kind: models.ExecInvalidPremium, Symbol: idx.Symbol,
			Detail: fmt.Sprintf("non-positive worst case %.2f", lossPerLot)}
	}
	budget := c.pf.Cash() * c.cfg.Risk.MaxTradeRiskPct
	lots := int(math.Floor(budget / lossPerLot))
	if lots < 1 {
		return nil, &models.RiskError{Kind: models.RiskExposureExceeded, Index: idx.Symbol,
			Detail: fmt.Sprintf("max loss %.2f exceeds budget %.2f", lossPerLot, budget)}
	}

	return c.executeStructure(ctx, idx, kind, legs, lots, signal.Confidence)
}

// executeStructure places all legs as an atomic group: if any leg fails, the
// completed legs are reversed and the entry is abandoned.
func (c *Composer) executeStructure(ctx context.Context, idx IndexCharacteristics, kind StrategyKind, legs []LegSpec, lots int, confidence float64) (*models.StructuredPosition, error) {
	transactionID := uuid.NewString()
	now := util.NowIST()
	day := util.TradingDay(now)

	var (
		filled     []models.OptionLeg
		trades     []models.Trade
		cashDelta  float64
		netPremium float64
	)

	for _, spec := range legs {
		qty := lots * spec.Contract.LotSize
		symbol := spec.Contract.TradingSymbol()
		ord, err := c.placeLeg(ctx, spec, qty)
		if err != nil {
			c.logger.Error().
				Str("symbol", symbol).
				Str("transaction_id", transactionID).
				Err(err).
				Msg("leg failed, reversing completed legs")
			c.reverseLegs(ctx, filled)
			return nil, fmt.Errorf("leg %s: %w", symbol, err)
		}

		amount := float64(ord.FilledQty) * ord.AvgPrice
		fees := portfolio.OptionFees(amount, spec.Side).Total()
		if spec.Side == models.SideBuy {
			cashDelta -= amount + fees
			netPremium -= amount
		} else {
			cashDelta += amount - fees
			netPremium += amount
		}

		filled = append(filled, models.OptionLeg{
			Contract:   spec.Contract,
			Side:       spec.Side,
			Lots:       lots,
			EntryPrice: ord.AvgPrice,
			OrderID:    ord.ID,
		})
		trades = append(trades, models.Trade{
			Timestamp:     now,
			Symbol:        symbol,
			Side:          spec.Side,
			Shares:        ord.FilledQty,
			Price:         ord.AvgPrice,
			Fees:          fees,
			Mode:          c.cfg.Mode(),
			Confidence:    confidence,
			TradingDay:    day,
			Reason:        string(kind),
			TransactionID: transactionID,
		})
	}

	sp := &models.StructuredPosition{
		TransactionID: transactionID,
		Underlying:    idx.Symbol,
		Strategy:      string(kind),
		Legs:          filled,
		MaxLoss:       maxLossFromFills(kind, filled) * float64(lots),
		NetPremium:    netPremium,
		EntryTime:     now,
	}
	if err := c.pf.AddStructured(sp, cashDelta, trades); err != nil {
		c.reverseLegs(ctx, filled)
		return nil, err
	}
	return sp, nil
}

func (c *Composer) placeLeg(ctx context.Context, spec LegSpec, qty int) (broker.Order, error) {
	orderID, err := c.exec.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:    spec.Contract.TradingSymbol(),
		Exchange:  spec.Contract.Exchange,
		Side:      spec.Side,
		Quantity:  qty,
		OrderType: broker.OrderTypeMarket,
		Product:   models.ProductNormal,
	})
	if err != nil {
		return broker.Order{}, err
	}
	return c.exec.AwaitFill(ctx, orderID, qty)
}

// reverseLegs closes out already-filled legs after a group failure,
// best-effort.
func (c *Composer) reverseLegs(ctx context.Context, filled []models.OptionLeg) {
	for _, leg := range filled {
		side := models.SideSell
		if leg.Side == models.SideSell {
			side = models.SideBuy
		}
		if _, err := c.placeLeg(ctx, LegSpec{Contract: leg.Contract, Side: side}, leg.Quantity()); err != nil {
			c.logger.Error().
				Str("symbol", leg.Contract.TradingSymbol()).
				Str("order_id", leg.OrderID).
				Err(err).
				Msg("reversal leg failed, manual intervention may be required")
		}
	}
}

// maxLossFromFills recomputes the per-lot worst case from actual fill prices.
func maxLossFromFills(kind StrategyKind, legs []models.OptionLeg) float64 {
	if len(legs) == 0 {
		return 0
	}
	specs := make([]LegSpec, len(legs))
	premiums := make(map[string]float64, len(legs))
	for i, leg := range legs {
		specs[i] = LegSpec{Contract: leg.Contract, Side: leg.Side}
		premiums[leg.Contract.TradingSymbol()] = leg.EntryPrice
	}
	return maxLossPerLot(kind, specs, premiums, legs[0].Contract.LotSize)
}

// structureProfitTakePct closes a structure once it has captured this share
// of the premium at stake.
const structureProfitTakePct = 0.5

// ManagePositions runs the exit scan over every open structure: legs are
// re-quoted, and a structure is unwound when it breaches its max loss, hits
// the profit target, or reaches its expiry day. Returns the fetched premiums
// keyed by trading symbol for mark-to-market.
func (c *Composer) ManagePositions(ctx context.Context) map[string]float64 {
	open := c.pf.StructuredPositions()
	if len(open) == 0 {
		return nil
	}

	premiums := make(map[string]float64)
	today := util.TradingDay(util.NowIST())
	for _, sp := range open {
		marked := true
		for _, leg := range sp.Legs {
			symbol := leg.Contract.TradingSymbol()
			if _, ok := premiums[symbol]; ok {
				continue
			}
			quote, err := c.exec.GetQuote(ctx, leg.Contract.Exchange, symbol)
			if err != nil || quote.Last <= 0 {
				c.logger.Warn().Str("symbol", symbol).Err(err).Msg("leg quote unavailable")
				marked = false
				continue
			}
			premiums[symbol] = quote.Last
		}

		if expiresBy(sp, today) {
			c.unwind(ctx, sp, "expiry_close")
			continue
		}
		if !marked {
			// Never exit on a partial mark.
			continue
		}

		// Entry value is -NetPremium, so this is the unrealized move.
		pnl := sp.MarkToMarket(premiums) + sp.NetPremium
		target := structureProfitTakePct * math.Abs(sp.NetPremium)
		switch {
		case sp.MaxLoss > 0 && pnl <= -sp.MaxLoss:
			c.unwind(ctx, sp, "stop_loss")
		case target > 0 && pnl >= target:
			c.unwind(ctx, sp, "take_profit")
		}
	}
	return premiums
}

// expiresBy reports whether any leg expires on or before the trading day.
func expiresBy(sp *models.StructuredPosition, day string) bool {
	for _, leg := range sp.Legs {
		if util.TradingDay(leg.Contract.Expiry) <= day {
			return true
		}
	}
	return false
}

func (c *Composer) unwind(ctx context.Context, sp *models.StructuredPosition, reason string) {
	if err := c.Unwind(ctx, sp, reason); err != nil {
		c.logger.Error().
			Str("transaction_id", sp.TransactionID).
			Str("reason", reason).
			Err(err).
			Msg("structured unwind failed")
		return
	}
	c.logger.Info().
		Str("transaction_id", sp.TransactionID).
		Str("underlying", sp.Underlying).
		Str("reason", reason).
		Msg("structured position closed")
}

// Unwind closes a structured position by reversing every leg, realizing PnL
// per leg, and releasing it from the portfolio.
func (c *Composer) Unwind(ctx context.Context, sp *models.StructuredPosition, reason string) error {
	now := util.NowIST()
	day := util.TradingDay(now)

	var (
		trades    []models.Trade
		cashDelta float64
	)
	for _, leg := range sp.Legs {
		exitSide := models.SideSell
		if leg.Side == models.SideSell {
			exitSide = models.SideBuy
		}
		ord, err := c.placeLeg(ctx, LegSpec{Contract: leg.Contract, Side: exitSide}, leg.Quantity())
		if err != nil {
			return fmt.Errorf("unwind %s leg %s: %w", sp.TransactionID, leg.Contract.TradingSymbol(), err)
		}

		amount := float64(ord.FilledQty) * ord.AvgPrice
		fees := portfolio.OptionFees(amount, exitSide).Total()
		var pnl float64
		if leg.Side == models.SideBuy {
			cashDelta += amount - fees
			pnl = (ord.AvgPrice-leg.EntryPrice)*float64(ord.FilledQty) - fees
		} else {
			cashDelta -= amount + fees
			pnl = (leg.EntryPrice-ord.AvgPrice)*float64(ord.FilledQty) - fees
		}

		trades = append(trades, models.Trade{
			Timestamp:     now,
			Symbol:        leg.Contract.TradingSymbol(),
			Side:          exitSide,
			Shares:        ord.FilledQty,
			Price:         ord.AvgPrice,
			Fees:          fees,
			PnL:           &pnl,
			Mode:          c.cfg.Mode(),
			TradingDay:    day,
			Reason:        reason,
			TransactionID: sp.TransactionID,
		})
	}

	return c.pf.CloseStructured(sp.TransactionID, cashDelta, trades)
}

// UnwindAll closes every open structure, used by the manual flatten command.
func (c *Composer) UnwindAll(ctx context.Context, reason string) {
	for _, sp := range c.pf.StructuredPositions() {
		c.unwind(ctx, sp, reason)
	}
}
