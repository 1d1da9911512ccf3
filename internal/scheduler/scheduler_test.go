package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niranjank/dalalbot/internal/broker"
	"github.com/niranjank/dalalbot/internal/config"
	"github.com/niranjank/dalalbot/internal/models"
	"github.com/niranjank/dalalbot/internal/portfolio"
	"github.com/niranjank/dalalbot/internal/state"
	"github.com/niranjank/dalalbot/internal/strategy"
	"github.com/niranjank/dalalbot/internal/util"
)

// 2025-08-22 is a Friday.
func at(h, m int) time.Time {
	return time.Date(2025, 8, 22, h, m, 0, 0, util.IST())
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

type stubStrategy struct {
	name    string
	signals map[string]models.Signal
}

func (s stubStrategy) Name() string { return s.name }

func (s stubStrategy) Evaluate(bars models.BarSeries, symbol string) models.Signal {
	if sig, ok := s.signals[symbol]; ok {
		return sig
	}
	return models.Hold("no view")
}

type fakeData struct {
	bars  map[string]models.BarSeries
	calls int
}

func (f *fakeData) FetchBarsBatch(ctx context.Context, symbols []string, interval string, lookbackDays int) map[string]models.BarSeries {
	f.calls++
	out := make(map[string]models.BarSeries, len(symbols))
	for _, s := range symbols {
		if b, ok := f.bars[s]; ok {
			out[s] = b
		}
	}
	return out
}

func (f *fakeData) FetchCurrentPrices(ctx context.Context, symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if b, ok := f.bars[s]; ok {
			if last, k := b.Last(); k {
				out[s] = last.Close
			}
		}
	}
	return out
}

type fakeExec struct {
	prices map[string]float64
	orders []broker.OrderRequest
	byID   map[string]broker.OrderRequest
	n      int
}

func newFakeExec() *fakeExec {
	return &fakeExec{prices: make(map[string]float64), byID: make(map[string]broker.OrderRequest)}
}

func (f *fakeExec) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	f.n++
	id := fmt.Sprintf("ord-%d", f.n)
	f.orders = append(f.orders, req)
	f.byID[id] = req
	return id, nil
}

func (f *fakeExec) AwaitFill(ctx context.Context, orderID string, requestedQty int) (broker.Order, error) {
	req := f.byID[orderID]
	price := f.prices[req.Symbol]
	if price <= 0 {
		price = 100
	}
	return broker.Order{
		ID: orderID, Symbol: req.Symbol, Side: req.Side,
		RequestedQty: requestedQty, FilledQty: requestedQty,
		AvgPrice: price, Status: broker.StatusComplete,
	}, nil
}

type fakeBrokerPositions struct {
	list []broker.BrokerPosition
	err  error
}

func (f *fakeBrokerPositions) Positions(ctx context.Context) ([]broker.BrokerPosition, error) {
	return f.list, f.err
}

// dailyBars returns n strictly rising daily bars starting at price start.
func dailyBars(n int, start float64) models.BarSeries {
	day0 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make(models.BarSeries, 0, n)
	for i := 0; i < n; i++ {
		c := start * (1 + 0.001*float64(i))
		out = append(out, models.Bar{
			Timestamp: day0.AddDate(0, 0, i),
			Open:      c * 0.999,
			High:      c * 1.004,
			Low:       c * 0.996,
			Close:     c,
			Volume:    250_000,
		})
	}
	return out
}

type rig struct {
	sched   *Scheduler
	cfg     *config.Config
	pf      *portfolio.Portfolio
	exec    *fakeExec
	data    *fakeData
	store   *state.Store
	clock   *testClock
	signals map[string]models.Signal
}

func newRig(t *testing.T, symbols ...string) *rig {
	t.Helper()
	cfg := config.Default()
	cfg.Symbols = symbols

	clock := &testClock{t: at(10, 0)}
	exec := newFakeExec()
	data := &fakeData{bars: make(map[string]models.BarSeries)}
	for _, s := range symbols {
		bars := dailyBars(60, 100)
		data.bars[s] = bars
		last, _ := bars.Last()
		exec.prices[s] = last.Close
	}

	pf := portfolio.New(cfg, exec, zerolog.Nop())
	pf.SetClock(clock.now)

	store, err := state.NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	signals := make(map[string]models.Signal)
	strategies := []strategy.Strategy{
		stubStrategy{name: "alpha", signals: signals},
		stubStrategy{name: "beta", signals: signals},
	}
	agg := strategy.NewAggregator(
		strategy.Thresholds{Agreement: cfg.Signals.AgreementEntry, MinConfidence: cfg.Signals.MinConfidenceEntry},
		strategy.Thresholds{Agreement: cfg.Signals.AgreementExit, MinConfidence: cfg.Signals.MinConfidenceExit},
	)

	sched := New(cfg, Deps{
		Data:       data,
		Portfolio:  pf,
		Strategies: strategies,
		Aggregator: agg,
		Store:      store,
		Calendar:   Calendar{},
	}, zerolog.Nop())
	sched.now = clock.now

	return &rig{sched: sched, cfg: cfg, pf: pf, exec: exec, data: data, store: store, clock: clock, signals: signals}
}

func buySignal(strength float64) models.Signal {
	return models.Signal{Direction: models.DirectionBuy, Strength: strength, Reason: "stub buy"}
}

func sellSignal(strength float64) models.Signal {
	return models.Signal{Direction: models.DirectionSell, Strength: strength, Reason: "stub sell"}
}

func TestRunOnce_OpensPositionOnAgreedBuy(t *testing.T) {
	r := newRig(t, "ACME")
	r.signals["ACME"] = buySignal(0.9)

	interval := r.sched.RunOnce(context.Background())

	assert.Equal(t, r.cfg.CheckInterval(), interval)
	assert.Equal(t, 1, r.pf.PositionCount())

	st, err := r.store.LoadState()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, int64(1), st.Iteration)
	assert.Equal(t, "2025-08-22", st.TradingDay)
	assert.Contains(t, st.Portfolio.Positions, "ACME")

	trades, err := r.store.ReadTrades("2025-08-22")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.SideBuy, trades[0].Side)
}

func TestRunOnce_MarketClosedPersistsAndSleepsLong(t *testing.T) {
	r := newRig(t, "ACME")
	r.signals["ACME"] = buySignal(0.9)
	r.clock.t = at(7, 30)

	interval := r.sched.RunOnce(context.Background())

	assert.Equal(t, r.cfg.OffHoursInterval(), interval)
	assert.Zero(t, r.data.calls, "no market data fetched while closed")
	assert.Zero(t, r.pf.PositionCount())

	st, err := r.store.LoadState()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, int64(1), st.Iteration)
}

func TestRunOnce_WeekendIsClosed(t *testing.T) {
	r := newRig(t, "ACME")
	r.signals["ACME"] = buySignal(0.9)
	r.clock.t = time.Date(2025, 8, 23, 11, 0, 0, 0, util.IST()) // Saturday

	interval := r.sched.RunOnce(context.Background())
	assert.Equal(t, r.cfg.OffHoursInterval(), interval)
	assert.Zero(t, r.data.calls)
}

func TestRunOnce_ExitsRunBeforeEntries(t *testing.T) {
	r := newRig(t, "ACME", "GLOBEX")
	ctx := context.Background()

	// Seed an ACME position half an hour before the scan.
	last := r.exec.prices["ACME"]
	_, err := r.pf.ExecuteBuy(ctx, "ACME", 100, last, 0.8, "", 0, 1)
	require.NoError(t, err)
	r.clock.t = at(10, 30)

	r.signals["ACME"] = sellSignal(0.9)
	r.signals["GLOBEX"] = buySignal(0.9)
	r.sched.RunOnce(ctx)

	require.GreaterOrEqual(t, len(r.exec.orders), 3)
	assert.Equal(t, models.SideSell, r.exec.orders[1].Side)
	assert.Equal(t, "ACME", r.exec.orders[1].Symbol)
	assert.Equal(t, models.SideBuy, r.exec.orders[2].Side)
	assert.Equal(t, "GLOBEX", r.exec.orders[2].Symbol)
}

func TestRunOnce_NoEntriesInsideClosingWindow(t *testing.T) {
	r := newRig(t, "ACME")
	r.signals["ACME"] = buySignal(0.9)
	r.clock.t = at(15, 12) // 18 minutes to close

	r.sched.RunOnce(context.Background())
	assert.Empty(t, r.exec.orders, "no entries in the last 20 minutes")
	assert.Zero(t, r.pf.PositionCount())
}

func TestRunOnce_CooldownBlocksReentry(t *testing.T) {
	r := newRig(t, "ACME")
	ctx := context.Background()

	r.signals["ACME"] = buySignal(0.9)
	r.sched.RunOnce(ctx)
	require.Equal(t, 1, r.pf.PositionCount())

	r.clock.t = at(10, 30)
	r.signals["ACME"] = sellSignal(0.9)
	r.sched.RunOnce(ctx)
	require.Zero(t, r.pf.PositionCount())

	ordersAfterExit := len(r.exec.orders)
	r.clock.t = at(10, 35)
	r.signals["ACME"] = buySignal(0.9)
	r.sched.RunOnce(ctx)

	assert.Zero(t, r.pf.PositionCount(), "symbol still cooling down")
	assert.Equal(t, ordersAfterExit, len(r.exec.orders))
}

func TestDayClose_AfterRestartThenLatchHolds(t *testing.T) {
	r := newRig(t, "ACME", "GLOBEX", "INITECH")
	ctx := context.Background()

	// Three positions opened mid-morning, state persisted at 15:00.
	r.clock.t = at(11, 0)
	for _, sym := range []string{"ACME", "GLOBEX", "INITECH"} {
		_, err := r.pf.ExecuteBuy(ctx, sym, 100, r.exec.prices[sym], 0.8, "", 0, 1)
		require.NoError(t, err)
	}
	r.clock.t = at(15, 0)
	r.sched.RunOnce(ctx)
	require.Equal(t, 3, r.pf.PositionCount())

	// Crash and restart at 15:26: snapshot restored, latch clear.
	r2 := newRig(t, "ACME", "GLOBEX", "INITECH")
	r2.store = r.store
	r2.sched.deps.Store = r.store
	r2.clock.t = at(15, 26)
	require.NoError(t, r2.sched.Restore(ctx))
	require.Equal(t, 3, r2.pf.PositionCount())
	assert.Empty(t, r2.sched.dayCloseExecuted)

	// Next iteration is inside the close window: everything unwinds once.
	r2.sched.RunOnce(ctx)
	assert.Zero(t, r2.pf.PositionCount())
	assert.Equal(t, "2025-08-22", r2.sched.dayCloseExecuted)
	for _, req := range r2.exec.orders {
		assert.Equal(t, models.SideSell, req.Side)
	}

	archive, err := r.store.ReadArchive("2025-08-22")
	require.NoError(t, err)
	assert.Equal(t, 3, archive.Summary.SellTrades)

	// Restart again at 15:40: the latch persisted, close does not re-run.
	r3 := newRig(t, "ACME", "GLOBEX", "INITECH")
	r3.sched.deps.Store = r.store
	r3.clock.t = at(15, 40)
	require.NoError(t, r3.sched.Restore(ctx))
	assert.Equal(t, "2025-08-22", r3.sched.dayCloseExecuted)

	r3.sched.RunOnce(ctx)
	assert.Empty(t, r3.exec.orders, "day close must not re-run after the latch is set")
}

func TestRestore_ModeMismatchStartsFresh(t *testing.T) {
	r := newRig(t, "ACME")
	st := &state.EngineState{
		Mode:       string(models.ModeLive),
		Iteration:  9,
		TradingDay: "2025-08-22",
		Portfolio:  portfolio.Snapshot{Cash: 500_000},
	}
	require.NoError(t, r.store.SaveState(st))

	require.NoError(t, r.sched.Restore(context.Background()))
	assert.Zero(t, r.sched.iteration)
	assert.Equal(t, r.cfg.Capital.Initial, r.pf.Cash(), "mismatched snapshot must not be applied")
}

func TestRestore_ReconcilesWithBroker(t *testing.T) {
	r := newRig(t, "ACME")
	r.cfg.Environment.Mode = string(models.ModeLive)

	snap := portfolio.Snapshot{
		Cash:       800_000,
		TradingDay: "2025-08-22",
		Positions: map[string]*models.Position{
			"GLOBEX": {ID: "p-orphan", Symbol: "GLOBEX", Shares: 50, EntryPrice: 60,
				EntryTime: at(10, 0), StopLoss: 58, TakeProfit: 65, Product: models.ProductDelivery},
		},
	}
	require.NoError(t, r.store.SaveState(&state.EngineState{
		Mode: string(models.ModeLive), Iteration: 3, TradingDay: "2025-08-22", Portfolio: snap,
	}))

	r.sched.deps.Broker = &fakeBrokerPositions{list: []broker.BrokerPosition{
		{Symbol: "ACME", Exchange: models.ExchangeNSE, Quantity: 40, AvgPrice: 101.5, Product: models.ProductDelivery},
	}}
	require.NoError(t, r.sched.Restore(context.Background()))

	_, holdsOrphan := r.pf.Position("GLOBEX")
	assert.False(t, holdsOrphan, "orphan record dropped")

	imported, holds := r.pf.Position("ACME")
	require.True(t, holds, "unmatched broker position imported")
	assert.Equal(t, 40, imported.Shares)
	assert.InDelta(t, 101.5, imported.EntryPrice, 1e-9)
	assert.Greater(t, imported.TakeProfit, imported.StopLoss)
}

func TestCalendar_Sessions(t *testing.T) {
	cal := Calendar{}
	cases := []struct {
		at   time.Time
		want SessionState
	}{
		{at(8, 59), SessionClosed},
		{at(9, 0), SessionPreOpen},
		{at(9, 14), SessionPreOpen},
		{at(9, 15), SessionOpen},
		{at(15, 9), SessionOpen},
		{at(15, 10), SessionClosing},
		{at(15, 29), SessionClosing},
		{at(15, 30), SessionAfterClose},
		{at(16, 29), SessionAfterClose},
		{at(16, 30), SessionClosed},
		{time.Date(2025, 8, 24, 11, 0, 0, 0, util.IST()), SessionClosed}, // Sunday
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, cal.SessionAt(tc.at), tc.at.Format("Mon 15:04"))
	}
}

func TestCalendar_HolidayPredicate(t *testing.T) {
	cal := Calendar{IsHoliday: func(t time.Time) bool {
		return t.Format("2006-01-02") == "2025-08-22"
	}}
	assert.Equal(t, SessionClosed, cal.SessionAt(at(11, 0)))
}

func TestCalendar_TimeToClose(t *testing.T) {
	cal := Calendar{}
	assert.Equal(t, 30*time.Minute, cal.TimeToClose(at(15, 0)))
	assert.Equal(t, -10*time.Minute, cal.TimeToClose(at(15, 40)))
}

func TestUptrend(t *testing.T) {
	rising := dailyBars(60, 100)
	assert.True(t, uptrend(rising))

	falling := make(models.BarSeries, 0, 60)
	day0 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		c := 100 * (1 - 0.001*float64(i))
		falling = append(falling, models.Bar{
			Timestamp: day0.AddDate(0, 0, i),
			Open:      c, High: c * 1.002, Low: c * 0.998, Close: c, Volume: 1000,
		})
	}
	assert.False(t, uptrend(falling))

	short := dailyBars(20, 100)
	assert.True(t, uptrend(short), "short histories pass the filter")
}

// stubStructures records the pipeline's calls into the F&O leg.
type stubStructures struct {
	calls    []string
	premiums map[string]float64
	unwound  []string
}

func (s *stubStructures) ScanIndices(context.Context) { s.calls = append(s.calls, "scan") }

func (s *stubStructures) ManagePositions(context.Context) map[string]float64 {
	s.calls = append(s.calls, "manage")
	return s.premiums
}

func (s *stubStructures) UnwindAll(_ context.Context, reason string) {
	s.calls = append(s.calls, "unwind")
	s.unwound = append(s.unwound, reason)
}

func TestRunOnce_StructureExitsRunBeforeIndexScan(t *testing.T) {
	r := newRig(t, "ACME")
	structures := &stubStructures{premiums: map[string]float64{"NIFTY28AUG2524500CE": 180}}
	r.sched.deps.Structures = structures

	r.clock.t = at(10, 0)
	r.sched.RunOnce(context.Background())

	require.Equal(t, []string{"manage", "scan"}, structures.calls)
	assert.Equal(t, structures.premiums, r.sched.lastPremiums)
}

func TestRunOnce_ClosingManagesStructuresButNeverScans(t *testing.T) {
	r := newRig(t, "ACME")
	structures := &stubStructures{}
	r.sched.deps.Structures = structures

	r.clock.t = at(15, 12)
	r.sched.RunOnce(context.Background())

	assert.Equal(t, []string{"manage"}, structures.calls)
}

func carriedStructure(txn string) *models.StructuredPosition {
	return &models.StructuredPosition{
		TransactionID: txn,
		Underlying:    "NIFTY",
		Strategy:      "bull_call_spread",
		EntryTime:     at(11, 0),
		MaxLoss:       1875,
		NetPremium:    -1875,
		Legs: []models.OptionLeg{
			{
				Contract: models.OptionContract{
					Underlying: "NIFTY",
					Expiry:     time.Date(2025, 8, 28, 0, 0, 0, 0, util.IST()),
					Strike:     24500,
					Right:      models.RightCall,
					Exchange:   models.ExchangeNFO,
					LotSize:    75,
				},
				Side: models.SideBuy, Lots: 5, EntryPrice: 200,
			},
		},
	}
}

func TestRestore_ReimportsCarriedStructures(t *testing.T) {
	r := newRig(t, "ACME")
	day := "2025-08-22"

	// Snapshot written before the structure was carried over.
	require.NoError(t, r.store.SaveState(&state.EngineState{
		Mode:       "paper",
		Iteration:  4,
		TradingDay: day,
		Portfolio:  r.pf.Snapshot(),
	}))
	require.NoError(t, r.store.SaveCarryFile(day, []*models.StructuredPosition{
		carriedStructure("txn-carry"),
	}))

	r2 := newRig(t, "ACME")
	r2.sched.deps.Store = r.store
	require.NoError(t, r2.sched.Restore(context.Background()))

	open := r2.pf.StructuredPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "txn-carry", open[0].TransactionID)
	assert.True(t, r2.pf.HoldsUnderlying("NIFTY"))
}

func TestRestore_CarryFileSkipsAlreadySnapshottedStructure(t *testing.T) {
	r := newRig(t, "ACME")
	day := "2025-08-22"
	sp := carriedStructure("txn-dup")
	require.NoError(t, r.pf.AddStructured(sp, 0, nil))

	require.NoError(t, r.store.SaveState(&state.EngineState{
		Mode:       "paper",
		TradingDay: day,
		Portfolio:  r.pf.Snapshot(),
	}))
	require.NoError(t, r.store.SaveCarryFile(day, []*models.StructuredPosition{sp}))

	r2 := newRig(t, "ACME")
	r2.sched.deps.Store = r.store
	require.NoError(t, r2.sched.Restore(context.Background()))
	assert.Len(t, r2.pf.StructuredPositions(), 1)
}

func TestFlattenStructures(t *testing.T) {
	r := newRig(t, "ACME")
	structures := &stubStructures{}
	r.sched.deps.Structures = structures

	require.NoError(t, r.sched.FlattenStructures(context.Background()))
	assert.Equal(t, []string{"manual_flatten"}, structures.unwound)

	st, err := r.store.LoadState()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "2025-08-22", st.TradingDay)
}

func TestFlattenStructures_DisabledFails(t *testing.T) {
	r := newRig(t, "ACME")
	assert.Error(t, r.sched.FlattenStructures(context.Background()))
}
