// Package portfolio owns cash, open positions and the trade history. Every
// mutation happens under one lock; order placement occurs inside it so a
// position can never be observed mid-entry.
package portfolio

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/niranjank/dalalbot/internal/broker"
	"github.com/niranjank/dalalbot/internal/config"
	"github.com/niranjank/dalalbot/internal/models"
	"github.com/niranjank/dalalbot/internal/util"
)

// Exit reasons recorded on sell trades. Stop-loss, take-profit and the two
// close-of-day reasons bypass the minimum holding period.
const (
	ReasonSignalExit  = "signal_exit"
	ReasonStopLoss    = "stop_loss"
	ReasonTakeProfit  = "take_profit"
	ReasonDayEndClose = "day_end_close"
	ReasonMarketClose = "market_close"
)

func bypassesHoldingPeriod(reason string) bool {
	switch reason {
	case ReasonStopLoss, ReasonTakeProfit, ReasonDayEndClose, ReasonMarketClose:
		return true
	default:
		return false
	}
}

// OrderExecutor places orders and resolves their fills. The broker gateway
// implements it; tests substitute a scripted fake.
type OrderExecutor interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error)
	AwaitFill(ctx context.Context, orderID string, requestedQty int) (broker.Order, error)
}

var _ OrderExecutor = (*broker.Gateway)(nil)

// Portfolio is the single source of truth for cash and positions.
type Portfolio struct {
	cfg    *config.Config
	exec   OrderExecutor
	logger zerolog.Logger
	mode   models.Mode
	now    func() time.Time

	mu          sync.Mutex
	cash        float64
	openingCash float64
	tradingDay  string
	positions   map[string]*models.Position
	structured  map[string]*models.StructuredPosition
	cooldowns   map[string]time.Time
	history     *tradeRing
	counters    models.PerformanceCounters
}

// New builds a portfolio with the configured starting capital.
func New(cfg *config.Config, exec OrderExecutor, logger zerolog.Logger) *Portfolio {
	return &Portfolio{
		cfg:         cfg,
		exec:        exec,
		logger:      logger,
		mode:        cfg.Mode(),
		now:         util.NowIST,
		cash:        cfg.Capital.Initial,
		openingCash: cfg.Capital.Initial,
		positions:   make(map[string]*models.Position),
		structured:  make(map[string]*models.StructuredPosition),
		cooldowns:   make(map[string]time.Time),
		history:     newTradeRing(10_000),
	}
}

// ExecuteBuy sizes, validates and places a buy, creating the position on fill.
// Any rejection or order failure leaves state untouched.
func (p *Portfolio) ExecuteBuy(ctx context.Context, symbol string, requestedShares int, priceHint, confidence float64, sector string, atr float64, lotSize int) (models.Trade, error) {
	if requestedShares <= 0 || priceHint <= 0 || !models.ValidEquitySymbol(symbol) {
		return models.Trade{}, &models.ExecutionError{
			Kind: models.ExecInsufficientSize, Symbol: symbol,
			Detail: fmt.Sprintf("invalid request: %d shares at %.2f", requestedShares, priceHint),
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, held := p.positions[symbol]; held {
		return models.Trade{}, &models.ExecutionError{
			Kind: models.ExecPositionCap, Symbol: symbol, Detail: "position already open",
		}
	}

	finalShares := p.sizeShares(requestedShares, priceHint, confidence, atr)
	if lotSize > 0 {
		finalShares = util.FloorToLot(finalShares, lotSize)
	}
	if finalShares <= 0 {
		return models.Trade{}, &models.ExecutionError{
			Kind: models.ExecInsufficientSize, Symbol: symbol, Detail: "sizing rounded to zero",
		}
	}

	// Market fills can land above the hint; budget at a slippage-padded price
	// so the actual debit cannot push cash negative.
	padded := priceHint * (1 + p.cfg.Risk.SlippageBps/10_000)
	paddedAmount := float64(finalShares) * padded
	feeEstimate := EquityFees(paddedAmount, models.SideBuy).Total()
	if paddedAmount+feeEstimate > p.cash {
		return models.Trade{}, &models.ExecutionError{
			Kind: models.ExecInsufficientCash, Symbol: symbol,
			Detail: fmt.Sprintf("need %.2f, have %.2f", paddedAmount+feeEstimate, p.cash),
		}
	}
	amount := float64(finalShares) * priceHint
	if amount > p.cfg.Risk.MaxPositionValue {
		return models.Trade{}, &models.ExecutionError{
			Kind: models.ExecPositionCap, Symbol: symbol,
			Detail: fmt.Sprintf("%.2f exceeds cap %.2f", amount, p.cfg.Risk.MaxPositionValue),
		}
	}

	ord, err := p.placeAndAwait(ctx, broker.OrderRequest{
		Symbol:    symbol,
		Exchange:  models.ExchangeNSE,
		Side:      models.SideBuy,
		Quantity:  finalShares,
		OrderType: broker.OrderTypeMarket,
		Product:   models.ProductDelivery,
	})
	if err != nil {
		return models.Trade{}, err
	}

	fillAmount := float64(ord.FilledQty) * ord.AvgPrice
	fees := EquityFees(fillAmount, models.SideBuy).Total()
	p.cash -= fillAmount + fees

	stopLoss, takeProfit := p.exitBounds(ord.AvgPrice, atr)
	now := p.now()
	pos := &models.Position{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Shares:     ord.FilledQty,
		EntryPrice: ord.AvgPrice,
		EntryTime:  now,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Confidence: confidence,
		Sector:     sector,
		ATR:        atr,
		LotSize:    lotSize,
		Product:    models.ProductDelivery,
	}
	p.positions[symbol] = pos

	trade := models.Trade{
		Timestamp:  now,
		Symbol:     symbol,
		Side:       models.SideBuy,
		Shares:     ord.FilledQty,
		Price:      ord.AvgPrice,
		Fees:       fees,
		Mode:       p.mode,
		Confidence: confidence,
		Sector:     sector,
		CashAfter:  p.cash,
		ATR:        atr,
		TradingDay: util.TradingDay(now),
	}
	p.history.Append(trade)
	p.logger.Info().
		Str("symbol", symbol).
		Int("shares", ord.FilledQty).
		Float64("price", ord.AvgPrice).
		Float64("stop_loss", stopLoss).
		Float64("take_profit", takeProfit).
		Msg("position opened")
	return trade, nil
}

// sizeShares applies ATR risk sizing when ATR is known, otherwise buckets by
// confidence. The result is always clamped to the per-position value cap.
func (p *Portfolio) sizeShares(requested int, priceHint, confidence, atr float64) int {
	final := requested
	if atr > 0 {
		maxLossPerShare := atr * p.cfg.Risk.ATRStopMultiplier
		riskBudget := p.cash * p.cfg.Risk.RiskPerTradePct
		if allowed := int(math.Floor(riskBudget / maxLossPerShare)); allowed < final {
			final = allowed
		}
	} else {
		var fraction float64
		switch {
		case confidence >= 0.7:
			fraction = 0.10
		case confidence >= 0.55:
			fraction = 0.07
		default:
			fraction = 0.05
		}
		if allowed := int(math.Floor(p.cash * fraction / priceHint)); allowed < final {
			final = allowed
		}
	}
	if capShares := int(math.Floor(p.cfg.Risk.MaxPositionValue / priceHint)); capShares < final {
		final = capShares
	}
	return final
}

// exitBounds derives the stop and target from ATR, falling back to percentage
// distances when ATR is unavailable or degenerate.
func (p *Portfolio) exitBounds(entry, atr float64) (stopLoss, takeProfit float64) {
	if atr > 0 {
		stopLoss = entry - atr*p.cfg.Risk.ATRStopMultiplier
		takeProfit = entry + atr*p.cfg.Risk.ATRTargetMultiplier
	}
	if atr <= 0 || stopLoss <= 0 {
		stopLoss = entry * (1 - p.cfg.Risk.FallbackStopLossPct)
		takeProfit = entry * (1 + p.cfg.Risk.FallbackTargetPct)
	}
	return stopLoss, takeProfit
}

// ExecuteSell sells shares from an open position, realizing PnL.
func (p *Portfolio) ExecuteSell(ctx context.Context, symbol string, shares int, priceHint float64, reason string) (models.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executeSellLocked(ctx, symbol, shares, priceHint, reason)
}

func (p *Portfolio) executeSellLocked(ctx context.Context, symbol string, shares int, priceHint float64, reason string) (models.Trade, error) {
	pos, held := p.positions[symbol]
	if !held {
		return models.Trade{}, &models.ExecutionError{
			Kind: models.ExecInsufficientSize, Symbol: symbol, Detail: "no open position",
		}
	}
	if shares <= 0 || shares > pos.Shares {
		return models.Trade{}, &models.ExecutionError{
			Kind: models.ExecInsufficientSize, Symbol: symbol,
			Detail: fmt.Sprintf("requested %d of %d held", shares, pos.Shares),
		}
	}
	if !bypassesHoldingPeriod(reason) {
		if held := p.now().Sub(pos.EntryTime); held < p.cfg.MinHoldingPeriod() {
			return models.Trade{}, &models.ExecutionError{
				Kind: models.ExecInsufficientSize, Symbol: symbol,
				Detail: fmt.Sprintf("held %s, minimum %s", held.Round(time.Second), p.cfg.MinHoldingPeriod()),
			}
		}
	}

	ord, err := p.placeAndAwait(ctx, broker.OrderRequest{
		Symbol:    symbol,
		Exchange:  models.ExchangeNSE,
		Side:      models.SideSell,
		Quantity:  shares,
		OrderType: broker.OrderTypeMarket,
		Product:   pos.Product,
	})
	if err != nil {
		return models.Trade{}, err
	}

	gross := float64(ord.FilledQty) * ord.AvgPrice
	fees := EquityFees(gross, models.SideSell).Total()
	p.cash += gross - fees

	pnl := (ord.AvgPrice-pos.EntryPrice)*float64(ord.FilledQty) - fees
	p.recordRealized(pnl)

	now := p.now()
	if ord.FilledQty >= pos.Shares {
		delete(p.positions, symbol)
		cooldown := p.cfg.NormalCooldown()
		if reason == ReasonStopLoss {
			cooldown = p.cfg.StopLossCooldown()
		}
		p.cooldowns[symbol] = now.Add(cooldown)
	} else {
		pos.Shares -= ord.FilledQty
	}

	trade := models.Trade{
		Timestamp:  now,
		Symbol:     symbol,
		Side:       models.SideSell,
		Shares:     ord.FilledQty,
		Price:      ord.AvgPrice,
		Fees:       fees,
		PnL:        &pnl,
		Mode:       p.mode,
		Confidence: pos.Confidence,
		Sector:     pos.Sector,
		CashAfter:  p.cash,
		ATR:        pos.ATR,
		TradingDay: util.TradingDay(now),
		Reason:     reason,
	}
	p.history.Append(trade)
	p.logger.Info().
		Str("symbol", symbol).
		Int("shares", ord.FilledQty).
		Float64("price", ord.AvgPrice).
		Float64("pnl", pnl).
		Str("reason", reason).
		Msg("position reduced")
	return trade, nil
}

func (p *Portfolio) recordRealized(pnl float64) {
	p.counters.Total++
	p.counters.TotalPnL += pnl
	if pnl >= 0 {
		p.counters.Wins++
	} else {
		p.counters.Losses++
	}
	if p.counters.Total == 1 || pnl > p.counters.Best {
		p.counters.Best = pnl
	}
	if p.counters.Total == 1 || pnl < p.counters.Worst {
		p.counters.Worst = pnl
	}
}

// placeAndAwait routes an order and resolves its fill. Callers hold the lock;
// order resolution is serialized with every other portfolio mutation.
func (p *Portfolio) placeAndAwait(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	orderID, err := p.exec.PlaceOrder(ctx, req)
	if err != nil {
		return broker.Order{}, err
	}
	return p.exec.AwaitFill(ctx, orderID, req.Quantity)
}

// ClosePosition sells the full position.
func (p *Portfolio) ClosePosition(ctx context.Context, symbol string, currentPrice float64, reason string) (models.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, held := p.positions[symbol]
	if !held {
		return models.Trade{}, &models.ExecutionError{
			Kind: models.ExecInsufficientSize, Symbol: symbol, Detail: "no open position",
		}
	}
	if currentPrice <= 0 {
		currentPrice = pos.EntryPrice
	}
	return p.executeSellLocked(ctx, symbol, pos.Shares, currentPrice, reason)
}

// UpdateRiskExits enforces hard stops and targets, then ratchets trailing
// stops. Iterates a key snapshot so closes do not disturb iteration.
func (p *Portfolio) UpdateRiskExits(ctx context.Context, prices map[string]float64) []models.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()

	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var closed []models.Trade
	for _, symbol := range symbols {
		pos := p.positions[symbol]
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}

		switch {
		case price <= pos.StopLoss:
			trade, err := p.executeSellLocked(ctx, symbol, pos.Shares, price, ReasonStopLoss)
			if err != nil {
				p.logger.Error().Str("symbol", symbol).Err(err).Msg("stop-loss exit failed")
				continue
			}
			closed = append(closed, trade)
		case price >= pos.TakeProfit:
			trade, err := p.executeSellLocked(ctx, symbol, pos.Shares, price, ReasonTakeProfit)
			if err != nil {
				p.logger.Error().Str("symbol", symbol).Err(err).Msg("take-profit exit failed")
				continue
			}
			closed = append(closed, trade)
		case pos.ATR > 0 && price > pos.EntryPrice:
			gain := price - pos.EntryPrice
			if gain >= pos.ATR*p.cfg.Risk.TrailingActivation {
				trailing := price - pos.ATR*p.cfg.Risk.TrailingStop
				breakeven := pos.EntryPrice * 1.001
				if trailing < breakeven {
					trailing = breakeven
				}
				if trailing > pos.StopLoss {
					p.logger.Debug().
						Str("symbol", symbol).
						Float64("old_stop", pos.StopLoss).
						Float64("new_stop", trailing).
						Msg("trailing stop ratcheted")
					pos.StopLoss = trailing
				}
			}
		}
	}
	return closed
}

// MarkToMarket values the whole book: cash plus equity positions at last
// prices plus structured positions at leg premiums. Symbols without a quote
// are valued at entry.
func (p *Portfolio) MarkToMarket(prices map[string]float64, premiums map[string]float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.cash
	for symbol, pos := range p.positions {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			price = pos.EntryPrice
		}
		total += price * float64(pos.Shares)
	}
	for _, sp := range p.structured {
		total += sp.MarkToMarket(premiums)
	}
	return total
}

// InCooldown reports whether the symbol is still cooling down after an exit.
// Expired entries are pruned as they are observed.
func (p *Portfolio) InCooldown(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.cooldowns[symbol]
	if !ok {
		return false
	}
	if p.now().After(until) {
		delete(p.cooldowns, symbol)
		return false
	}
	return true
}

// AddStructured books a multi-leg option structure. cashDelta is negative for
// net-debit structures (premium plus fees paid), positive for net credit.
func (p *Portfolio) AddStructured(sp *models.StructuredPosition, cashDelta float64, trades []models.Trade) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if cashDelta < 0 && -cashDelta > p.cash {
		return &models.ExecutionError{
			Kind: models.ExecInsufficientCash, Symbol: sp.Underlying,
			Detail: fmt.Sprintf("need %.2f, have %.2f", -cashDelta, p.cash),
		}
	}
	p.cash += cashDelta
	p.structured[sp.TransactionID] = sp
	for i := range trades {
		trades[i].CashAfter = p.cash
		p.history.Append(trades[i])
	}
	return nil
}

// CloseStructured removes a structure and applies the unwind cash flow.
func (p *Portfolio) CloseStructured(transactionID string, cashDelta float64, trades []models.Trade) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sp, ok := p.structured[transactionID]
	if !ok {
		return &models.ExecutionError{
			Kind: models.ExecInsufficientSize, Symbol: transactionID, Detail: "unknown structured position",
		}
	}
	p.cash += cashDelta
	delete(p.structured, transactionID)

	var pnl float64
	for i := range trades {
		trades[i].CashAfter = p.cash
		if trades[i].PnL != nil {
			pnl += *trades[i].PnL
		}
		p.history.Append(trades[i])
	}
	if len(trades) > 0 {
		p.recordRealized(pnl)
	}
	p.cooldowns[sp.Underlying] = p.now().Add(p.cfg.NormalCooldown())
	return nil
}

// HoldsUnderlying reports whether any structured position is on the index.
func (p *Portfolio) HoldsUnderlying(underlying string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sp := range p.structured {
		if sp.Underlying == underlying {
			return true
		}
	}
	return false
}

// EngagedUnderlyings lists indices with live structures.
func (p *Portfolio) EngagedUnderlyings() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, sp := range p.structured {
		if _, dup := seen[sp.Underlying]; !dup {
			seen[sp.Underlying] = struct{}{}
			out = append(out, sp.Underlying)
		}
	}
	sort.Strings(out)
	return out
}

// StructuredPositions returns copies of the open structures.
func (p *Portfolio) StructuredPositions() []*models.StructuredPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.StructuredPosition, 0, len(p.structured))
	for _, sp := range p.structured {
		cp := *sp
		cp.Legs = append([]models.OptionLeg(nil), sp.Legs...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out
}

// Cash returns the available cash balance.
func (p *Portfolio) Cash() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// PositionCount returns the number of open equity positions.
func (p *Portfolio) PositionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.positions)
}

// Positions returns copies of the open equity positions keyed by symbol.
func (p *Portfolio) Positions() map[string]models.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]models.Position, len(p.positions))
	for symbol, pos := range p.positions {
		out[symbol] = *pos
	}
	return out
}

// Position returns a copy of one position.
func (p *Portfolio) Position(symbol string) (models.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Counters returns the cumulative performance counters.
func (p *Portfolio) Counters() models.PerformanceCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// Trades returns the retained trade history, oldest first.
func (p *Portfolio) Trades() []models.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.All()
}

// TradesForDay filters the history to one trading day.
func (p *Portfolio) TradesForDay(day string) []models.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Trade
	for _, t := range p.history.All() {
		if t.TradingDay == day {
			out = append(out, t)
		}
	}
	return out
}

// DailySummary aggregates one day's trades for the archive.
func (p *Portfolio) DailySummary(day string) models.DailySummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	summary := models.DailySummary{
		TradingDay:  day,
		OpeningCash: p.openingCash,
		ClosingCash: p.cash,
	}
	first := true
	for _, t := range p.history.All() {
		if t.TradingDay != day {
			continue
		}
		summary.TotalTrades++
		if t.Side == models.SideBuy {
			summary.BuyTrades++
			continue
		}
		summary.SellTrades++
		if t.PnL == nil {
			continue
		}
		pnl := *t.PnL
		summary.TotalPnL += pnl
		if pnl >= 0 {
			summary.Winners++
		} else {
			summary.Losers++
		}
		if first || pnl > summary.Best {
			summary.Best = pnl
		}
		if first || pnl < summary.Worst {
			summary.Worst = pnl
		}
		first = false
	}
	return summary
}

// StartTradingDay records the opening cash for the new day's summary.
func (p *Portfolio) StartTradingDay(day string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tradingDay != day {
		p.tradingDay = day
		p.openingCash = p.cash
	}
}

// ImportPosition registers a position the broker reports but the local book
// does not, such as after a crash between fill and persist. Cash is not
// adjusted; the debit happened in a previous run.
func (p *Portfolio) ImportPosition(pos models.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.EntryTime.IsZero() {
		pos.EntryTime = p.now()
	}
	if pos.StopLoss <= 0 || pos.TakeProfit <= 0 {
		pos.StopLoss, pos.TakeProfit = p.exitBounds(pos.EntryPrice, pos.ATR)
	}
	cp := pos
	p.positions[pos.Symbol] = &cp
	p.logger.Warn().Str("symbol", pos.Symbol).Int("shares", pos.Shares).Msg("imported broker position")
}

// RemovePosition drops a local record with no backing broker position.
// Reports whether a record existed.
func (p *Portfolio) RemovePosition(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.positions[symbol]
	delete(p.positions, symbol)
	return ok
}

// SetClock overrides the time source. Tests use it to pin trading days.
func (p *Portfolio) SetClock(now func() time.Time) {
	p.now = now
}

// Snapshot is the persistable portfolio state.
type Snapshot struct {
	Cash        float64                                `json:"cash"`
	OpeningCash float64                                `json:"opening_cash"`
	TradingDay  string                                 `json:"trading_day"`
	Positions   map[string]*models.Position            `json:"positions"`
	Structured  map[string]*models.StructuredPosition  `json:"structured_positions,omitempty"`
	Cooldowns   map[string]time.Time                   `json:"cooldowns,omitempty"`
	Counters    models.PerformanceCounters             `json:"counters"`
	Trades      []models.Trade                         `json:"trades"`
}

// Snapshot captures the full state for persistence.
func (p *Portfolio) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Cash:        p.cash,
		OpeningCash: p.openingCash,
		TradingDay:  p.tradingDay,
		Positions:   make(map[string]*models.Position, len(p.positions)),
		Structured:  make(map[string]*models.StructuredPosition, len(p.structured)),
		Cooldowns:   make(map[string]time.Time, len(p.cooldowns)),
		Counters:    p.counters,
		Trades:      p.history.All(),
	}
	for symbol, pos := range p.positions {
		cp := *pos
		snap.Positions[symbol] = &cp
	}
	for id, sp := range p.structured {
		cp := *sp
		cp.Legs = append([]models.OptionLeg(nil), sp.Legs...)
		snap.Structured[id] = &cp
	}
	for symbol, until := range p.cooldowns {
		snap.Cooldowns[symbol] = until
	}
	return snap
}

// Restore replaces the in-memory state from a snapshot. Expired cooldowns are
// dropped.
func (p *Portfolio) Restore(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cash = snap.Cash
	p.openingCash = snap.OpeningCash
	p.tradingDay = snap.TradingDay
	p.counters = snap.Counters

	p.positions = make(map[string]*models.Position, len(snap.Positions))
	for symbol, pos := range snap.Positions {
		cp := *pos
		p.positions[symbol] = &cp
	}
	p.structured = make(map[string]*models.StructuredPosition, len(snap.Structured))
	for id, sp := range snap.Structured {
		cp := *sp
		cp.Legs = append([]models.OptionLeg(nil), sp.Legs...)
		p.structured[id] = &cp
	}
	now := p.now()
	p.cooldowns = make(map[string]time.Time, len(snap.Cooldowns))
	for symbol, until := range snap.Cooldowns {
		if until.After(now) {
			p.cooldowns[symbol] = until
		}
	}
	p.history = newTradeRing(10_000)
	for _, t := range snap.Trades {
		p.history.Append(t)
	}
}
