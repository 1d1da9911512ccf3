// Package scheduler drives the per-iteration trading pipeline: market-hours
// gate, batched symbol scans, exits strictly before entries, structured
// option scans, end-of-day close and state persistence.
package scheduler

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/niranjank/dalalbot/internal/broker"
	"github.com/niranjank/dalalbot/internal/config"
	"github.com/niranjank/dalalbot/internal/fno"
	"github.com/niranjank/dalalbot/internal/marketdata"
	"github.com/niranjank/dalalbot/internal/models"
	"github.com/niranjank/dalalbot/internal/portfolio"
	"github.com/niranjank/dalalbot/internal/state"
	"github.com/niranjank/dalalbot/internal/strategy"
	"github.com/niranjank/dalalbot/internal/telemetry"
	"github.com/niranjank/dalalbot/internal/util"
)

const (
	barInterval    = "day"
	barLookback    = 90
	entryCutoff    = 20 * time.Minute // no fresh entries inside this window
	dayCloseWindow = 5 * time.Minute  // day-close fires once inside it
)

// MarketData feeds the scan loop. The cached provider implements it.
type MarketData interface {
	FetchBarsBatch(ctx context.Context, symbols []string, interval string, lookbackDays int) map[string]models.BarSeries
	FetchCurrentPrices(ctx context.Context, symbols []string) map[string]float64
}

var _ MarketData = (*marketdata.Provider)(nil)

// StructureTrader scans indices for structured option entries, manages open
// structures and unwinds them. Nil disables the F&O leg of the pipeline.
type StructureTrader interface {
	ScanIndices(ctx context.Context)
	ManagePositions(ctx context.Context) map[string]float64
	UnwindAll(ctx context.Context, reason string)
}

var _ StructureTrader = (*fno.Composer)(nil)

// PositionSource reports live broker positions for startup reconciliation.
type PositionSource interface {
	Positions(ctx context.Context) ([]broker.BrokerPosition, error)
}

// Deps collects the scheduler's collaborators.
type Deps struct {
	Data       MarketData
	Portfolio  *portfolio.Portfolio
	Strategies []strategy.Strategy
	Aggregator *strategy.Aggregator
	Structures StructureTrader
	Store      *state.Store
	Telemetry  *telemetry.Publisher
	Broker     PositionSource
	Calendar   Calendar
}

// Scheduler is the single writer to portfolio state. One instance per
// process; its loop runs sequentially.
type Scheduler struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	iteration        int64
	tradingDay       string
	dayCloseExecuted string
	lastPrices       map[string]float64
	lastPremiums     map[string]float64
	loggedTrades     int
}

// New builds a scheduler. A nil telemetry publisher is replaced with a
// disabled one so call sites never branch.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Scheduler {
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NewPublisher(telemetry.Config{}, logger)
	}
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    util.NowIST,
	}
}

// Restore loads persisted state, reconciles with the broker and republishes
// snapshots so external observers are consistent. A missing snapshot, a mode
// mismatch or a future trading day all start fresh.
func (s *Scheduler) Restore(ctx context.Context) error {
	st, err := s.deps.Store.LoadState()
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	if st.Mode != "" && st.Mode != string(s.cfg.Mode()) {
		s.logger.Warn().Str("saved_mode", st.Mode).Str("mode", string(s.cfg.Mode())).
			Msg("saved state belongs to a different mode, starting fresh")
		return nil
	}
	today := util.TradingDay(s.now())
	if st.TradingDay > today {
		s.logger.Warn().Str("saved_day", st.TradingDay).Msg("saved state is from the future, starting fresh")
		return nil
	}

	s.deps.Portfolio.Restore(st.Portfolio)
	s.iteration = st.Iteration
	s.tradingDay = st.TradingDay
	s.dayCloseExecuted = st.DayCloseExecuted
	s.lastPrices = st.LastPrices
	s.loggedTrades = len(s.deps.Portfolio.TradesForDay(st.TradingDay))

	s.reconcileBroker(ctx)
	s.restoreCarried(st.TradingDay)

	total := s.deps.Portfolio.MarkToMarket(s.lastPrices, s.lastPremiums)
	s.publishPortfolio(total)
	s.deps.Telemetry.PublishPerformance(s.deps.Portfolio.Counters())
	s.logger.Info().
		Int64("iteration", st.Iteration).
		Str("trading_day", st.TradingDay).
		Int("positions", s.deps.Portfolio.PositionCount()).
		Msg("state restored")
	return nil
}

// reconcileBroker aligns the restored book with the broker's: unmatched
// broker positions are imported, orphan local records dropped. Only
// meaningful in live mode; a paper broker starts flat every process.
func (s *Scheduler) reconcileBroker(ctx context.Context) {
	if s.deps.Broker == nil || s.cfg.Mode() != models.ModeLive {
		return
	}
	live, err := s.deps.Broker.Positions(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("broker reconciliation skipped")
		return
	}

	liveQty := make(map[string]broker.BrokerPosition)
	for _, bp := range live {
		if bp.Quantity <= 0 || models.IsOptionSymbol(bp.Symbol) {
			continue
		}
		liveQty[bp.Symbol] = bp
	}

	local := s.deps.Portfolio.Positions()
	for symbol, bp := range liveQty {
		if _, held := local[symbol]; held {
			continue
		}
		s.deps.Portfolio.ImportPosition(models.Position{
			Symbol:     symbol,
			Shares:     bp.Quantity,
			EntryPrice: bp.AvgPrice,
			Product:    bp.Product,
		})
	}
	for symbol := range local {
		if _, ok := liveQty[symbol]; !ok {
			s.logger.Error().Str("symbol", symbol).Msg("orphan position record dropped")
			s.deps.Portfolio.RemovePosition(symbol)
		}
	}
}

// restoreCarried re-imports overnight option structures from the day's carry
// file when the snapshot predates them, so the exit scan resumes managing
// every open structure.
func (s *Scheduler) restoreCarried(day string) {
	if day == "" {
		return
	}
	carried, err := s.deps.Store.LoadCarryFile(day)
	if err != nil {
		s.logger.Warn().Str("day", day).Err(err).Msg("carry file unreadable")
		return
	}
	open := make(map[string]struct{})
	for _, sp := range s.deps.Portfolio.StructuredPositions() {
		open[sp.TransactionID] = struct{}{}
	}
	for _, sp := range carried {
		if _, ok := open[sp.TransactionID]; ok {
			continue
		}
		// Cash already reflects the entry; only the record was lost.
		if err := s.deps.Portfolio.AddStructured(sp, 0, nil); err != nil {
			s.logger.Error().Str("transaction_id", sp.TransactionID).Err(err).Msg("carried structure rejected")
			continue
		}
		s.logger.Info().
			Str("transaction_id", sp.TransactionID).
			Str("underlying", sp.Underlying).
			Msg("carried structure restored")
	}
}

// FlattenStructures unwinds every open option structure, then flushes trades
// and persists. Backs the manual flatten command.
func (s *Scheduler) FlattenStructures(ctx context.Context) error {
	if s.deps.Structures == nil {
		return errors.New("structured option trading is disabled")
	}
	day := util.TradingDay(s.now())
	if day != s.tradingDay {
		s.tradingDay = day
		s.deps.Portfolio.StartTradingDay(day)
		s.loggedTrades = len(s.deps.Portfolio.TradesForDay(day))
	}
	s.deps.Structures.UnwindAll(ctx, "manual_flatten")
	s.lastPremiums = nil
	s.flushTrades(day)
	s.persist(s.deps.Portfolio.MarkToMarket(s.lastPrices, nil))
	return nil
}

// Run drives the loop until the context is cancelled, then flushes trades,
// persists once more and reports a final status.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Str("mode", string(s.cfg.Mode())).
		Int("symbols", len(s.cfg.Symbols)).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		default:
		}

		interval := s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (s *Scheduler) shutdown() {
	total := s.deps.Portfolio.MarkToMarket(s.lastPrices, s.lastPremiums)
	s.flushTrades(s.tradingDay)
	s.persist(total)
	s.publishStatus("stopped", "")
	s.logger.Info().Int64("iteration", s.iteration).Msg("scheduler stopped")
}

// RunOnce executes one pipeline iteration and returns the sleep before the
// next. Split out from Run so tests can step the loop deterministically.
func (s *Scheduler) RunOnce(ctx context.Context) time.Duration {
	s.iteration++
	now := s.now().In(util.IST())
	day := util.TradingDay(now)
	if day != s.tradingDay {
		s.tradingDay = day
		s.deps.Portfolio.StartTradingDay(day)
		s.loggedTrades = len(s.deps.Portfolio.TradesForDay(day))
	}

	session := s.deps.Calendar.SessionAt(now)
	if s.cfg.Environment.BypassMarketHours && session != SessionOpen {
		session = SessionOpen
	}
	s.publishStatus(string(session), "")

	if session == SessionClosed {
		s.lastPrices = nil
		s.persist(s.deps.Portfolio.MarkToMarket(nil, s.lastPremiums))
		return s.cfg.OffHoursInterval()
	}

	if session == SessionAfterClose {
		s.runDayClose(ctx, now, day, s.lastPrices)
		total := s.deps.Portfolio.MarkToMarket(s.lastPrices, s.lastPremiums)
		s.flushTrades(day)
		s.publishPortfolio(total)
		s.deps.Telemetry.PublishPerformance(s.deps.Portfolio.Counters())
		s.persist(total)
		return s.cfg.OffHoursInterval()
	}

	bars := s.deps.Data.FetchBarsBatch(ctx, s.cfg.Symbols, barInterval, barLookback)
	prices := make(map[string]float64, len(bars))
	for symbol, series := range bars {
		if last, ok := series.Last(); ok {
			prices[symbol] = last.Close
		}
	}
	s.lastPrices = prices

	// Pre-open scans and publishes but never places orders.
	placing := session == SessionOpen || session == SessionClosing

	if placing {
		s.runExits(ctx, bars, prices)
	}

	// Structure exits run before any entries, like the equity leg.
	if s.deps.Structures != nil && placing {
		s.lastPremiums = s.deps.Structures.ManagePositions(ctx)
	}

	ttc := s.deps.Calendar.TimeToClose(now)
	if session == SessionOpen && (ttc > entryCutoff || s.cfg.Environment.BypassMarketHours) {
		s.runEntries(ctx, bars)
	}

	if s.deps.Structures != nil && session == SessionOpen {
		s.deps.Structures.ScanIndices(ctx)
	}

	if placing && ttc <= dayCloseWindow {
		s.runDayClose(ctx, now, day, prices)
	}

	total := s.deps.Portfolio.MarkToMarket(prices, s.lastPremiums)
	s.flushTrades(day)
	s.publishPortfolio(total)
	s.deps.Telemetry.PublishPerformance(s.deps.Portfolio.Counters())
	s.persist(total)
	return s.cfg.CheckInterval()
}

// runExits closes positions with an aggregated sell signal at the exit
// threshold, then enforces stops, targets and trailing ratchets. Exits are
// never gated on trend, cooldown or entry confidence.
func (s *Scheduler) runExits(ctx context.Context, bars map[string]models.BarSeries, prices map[string]float64) {
	held := s.deps.Portfolio.Positions()
	symbols := make([]string, 0, len(held))
	for symbol := range held {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		series, ok := bars[symbol]
		if !ok {
			continue
		}
		sig := strategy.Evaluate(s.deps.Strategies, s.deps.Aggregator, series, symbol, true)
		if sig.Action != models.ActionSell {
			continue
		}
		s.deps.Telemetry.PublishSignal(sig)
		if _, err := s.deps.Portfolio.ClosePosition(ctx, symbol, prices[symbol], portfolio.ReasonSignalExit); err != nil {
			s.logger.Warn().Str("symbol", symbol).Err(err).Msg("signal exit failed")
		}
	}

	s.deps.Portfolio.UpdateRiskExits(ctx, prices)
}

// runEntries evaluates entry signals, filters them and buys in descending
// confidence order until the position cap binds.
func (s *Scheduler) runEntries(ctx context.Context, bars map[string]models.BarSeries) {
	var candidates []models.AggregatedSignal
	for symbol, series := range bars {
		if _, held := s.deps.Portfolio.Position(symbol); held {
			continue
		}
		sig := strategy.Evaluate(s.deps.Strategies, s.deps.Aggregator, series, symbol, false)
		if sig.Action != models.ActionBuy || sig.LastClose <= 0 {
			continue
		}
		if s.cfg.TrendFilterEnabled() && !uptrend(series) {
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
		if s.deps.Portfolio.PositionCount() >= s.cfg.Risk.MaxPositions {
			break
		}
		if sig.Confidence < s.cfg.Signals.MinConfidenceEntry {
			continue
		}
		if s.deps.Portfolio.InCooldown(sig.Symbol) {
			s.logger.Debug().Str("symbol", sig.Symbol).Msg("entry skipped, symbol cooling down")
			continue
		}
		s.deps.Telemetry.PublishSignal(sig)

		requested := int(math.Floor(s.cfg.Risk.MaxPositionValue / sig.LastClose))
		if requested <= 0 {
			continue
		}
		_, err := s.deps.Portfolio.ExecuteBuy(ctx, sig.Symbol, requested, sig.LastClose,
			sig.Confidence, s.cfg.Sectors[sig.Symbol], sig.ATR, 1)
		if err != nil {
			s.logger.Debug().Str("symbol", sig.Symbol).Err(err).Msg("entry rejected")
		}
	}
}

// runDayClose closes every equity position, archives the day and saves the
// carry file for option structures held overnight. Latched per trading day.
func (s *Scheduler) runDayClose(ctx context.Context, now time.Time, day string, prices map[string]float64) {
	if s.dayCloseExecuted == day {
		return
	}
	ttc := s.deps.Calendar.TimeToClose(now)
	if ttc > dayCloseWindow || ttc <= -time.Duration(afterCloseMin)*time.Minute {
		return
	}

	held := s.deps.Portfolio.Positions()
	symbols := make([]string, 0, len(held))
	for symbol := range held {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		if _, err := s.deps.Portfolio.ClosePosition(ctx, symbol, prices[symbol], portfolio.ReasonDayEndClose); err != nil {
			s.logger.Error().Str("symbol", symbol).Err(err).Msg("day-end close failed")
		}
	}

	s.dayCloseExecuted = day
	s.flushTrades(day)

	summary := s.deps.Portfolio.DailySummary(day)
	if _, err := s.deps.Store.ArchiveDay(day, summary, s.deps.Portfolio.TradesForDay(day)); err != nil {
		s.logger.Error().Str("day", day).Err(err).Msg("archive failed")
	}
	if err := s.deps.Store.SaveCarryFile(day, s.deps.Portfolio.StructuredPositions()); err != nil {
		s.logger.Error().Str("day", day).Err(err).Msg("carry file failed")
	}
	s.logger.Info().
		Str("day", day).
		Int("trades", summary.TotalTrades).
		Float64("pnl", summary.TotalPnL).
		Msg("day closed")
}

// flushTrades appends trades booked since the last flush to the day's JSONL
// log and publishes them.
func (s *Scheduler) flushTrades(day string) {
	trades := s.deps.Portfolio.TradesForDay(day)
	for i := s.loggedTrades; i < len(trades); i++ {
		if err := s.deps.Store.AppendTrade(trades[i]); err != nil {
			s.logger.Error().Err(err).Msg("trade log append failed")
		}
		s.deps.Telemetry.PublishTrade(trades[i])
	}
	s.loggedTrades = len(trades)
}

func (s *Scheduler) persist(total float64) {
	st := &state.EngineState{
		Mode:             string(s.cfg.Mode()),
		Iteration:        s.iteration,
		TradingDay:       s.tradingDay,
		DayCloseExecuted: s.dayCloseExecuted,
		TotalValue:       total,
		LastPrices:       s.lastPrices,
		Portfolio:        s.deps.Portfolio.Snapshot(),
	}
	if err := s.deps.Store.SaveState(st); err != nil {
		s.logger.Error().Err(err).Msg("state persist failed")
	}
}

func (s *Scheduler) publishPortfolio(total float64) {
	s.deps.Telemetry.PublishPortfolio(telemetry.PortfolioUpdate{
		Timestamp:  s.now(),
		TotalValue: total,
		Cash:       s.deps.Portfolio.Cash(),
		Positions:  s.deps.Portfolio.Positions(),
		DayPnL:     s.deps.Portfolio.DailySummary(s.tradingDay).TotalPnL,
	})
}

func (s *Scheduler) publishStatus(state, msg string) {
	s.deps.Telemetry.PublishStatus(telemetry.StatusEvent{
		Timestamp: s.now(),
		State:     state,
		Iteration: s.iteration,
		Message:   msg,
	})
}

// uptrend is the scheduler-level trend filter: last close above the 50-bar
// simple moving average. Short histories pass the filter.
func uptrend(bars models.BarSeries) bool {
	closes := bars.Closes()
	if len(closes) < 50 {
		return true
	}
	window := closes[len(closes)-50:]
	sum := 0.0
	for _, c := range window {
		sum += c
	}
	return closes[len(closes)-1] > sum/50
}
