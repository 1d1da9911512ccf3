package portfolio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niranjank/dalalbot/internal/broker"
	"github.com/niranjank/dalalbot/internal/config"
	"github.com/niranjank/dalalbot/internal/models"
)

// fakeExec fills every order completely at the configured price.
type fakeExec struct {
	mu     sync.Mutex
	price  float64
	err    error
	placed []broker.OrderRequest
}

func (f *fakeExec) PlaceOrder(_ context.Context, req broker.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.placed = append(f.placed, req)
	return "ORD", nil
}

func (f *fakeExec) AwaitFill(_ context.Context, orderID string, requestedQty int) (broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.placed[len(f.placed)-1]
	return broker.Order{
		ID:           orderID,
		Symbol:       last.Symbol,
		Side:         last.Side,
		RequestedQty: requestedQty,
		FilledQty:    requestedQty,
		AvgPrice:     f.price,
		Status:       broker.StatusComplete,
	}, nil
}

func newTestPortfolio(t *testing.T) (*Portfolio, *fakeExec, *time.Time) {
	t.Helper()
	cfg := config.Default()
	cfg.Risk.MaxPositionValue = 1_000_000
	exec := &fakeExec{price: 100}
	p := New(cfg, exec, zerolog.Nop())
	now := time.Date(2025, 8, 22, 10, 0, 0, 0, time.UTC)
	clock := &now
	p.now = func() time.Time { return *clock }
	return p, exec, clock
}

func TestExecuteBuy_ATRSizingAndBounds(t *testing.T) {
	p, exec, _ := newTestPortfolio(t)

	// risk budget 1,000,000·0.015 = 15,000; max loss/share 2·1.8 = 3.6;
	// allowed = ⌊15,000/3.6⌋ = 4166.
	trade, err := p.ExecuteBuy(context.Background(), "ACME", 10_000, 100, 0.7, "it", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 4166, trade.Shares)

	pos, ok := p.Position("ACME")
	require.True(t, ok)
	assert.InDelta(t, 96.4, pos.StopLoss, 1e-9)
	assert.InDelta(t, 109.0, pos.TakeProfit, 1e-9)
	require.NoError(t, pos.Validate())

	amount := 4166.0 * 100
	fees := EquityFees(amount, models.SideBuy).Total()
	assert.InDelta(t, 1_000_000-amount-fees, p.Cash(), 1e-6)
	assert.Len(t, exec.placed, 1)
}

func TestExecuteBuy_TakeProfitRoundTrip(t *testing.T) {
	p, exec, _ := newTestPortfolio(t)

	_, err := p.ExecuteBuy(context.Background(), "ACME", 10_000, 100, 0.7, "it", 2, 0)
	require.NoError(t, err)

	exec.price = 110 // above TP=109
	closed := p.UpdateRiskExits(context.Background(), map[string]float64{"ACME": 110})
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonTakeProfit, closed[0].Reason)

	gross := 110.0 * 4166
	fees := EquityFees(gross, models.SideSell).Total()
	require.NotNil(t, closed[0].PnL)
	assert.InDelta(t, (110-100)*4166-fees, *closed[0].PnL, 1e-6)

	counters := p.Counters()
	assert.Equal(t, 1, counters.Wins)
	assert.InDelta(t, *closed[0].PnL, counters.Best, 1e-9)
	assert.Zero(t, p.PositionCount())
}

func TestStopLoss_LongerCooldown(t *testing.T) {
	p, exec, clock := newTestPortfolio(t)

	_, err := p.ExecuteBuy(context.Background(), "ACME", 10_000, 100, 0.7, "it", 2, 0)
	require.NoError(t, err)

	exec.price = 96 // below SL=96.4
	closed := p.UpdateRiskExits(context.Background(), map[string]float64{"ACME": 96})
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonStopLoss, closed[0].Reason)

	assert.True(t, p.InCooldown("ACME"), "stop-loss exit must start a cooldown")

	*clock = clock.Add(29 * time.Minute)
	assert.True(t, p.InCooldown("ACME"), "30m cooldown still active at 29m")

	*clock = clock.Add(2 * time.Minute)
	assert.False(t, p.InCooldown("ACME"), "cooldown expired at 31m")
}

func TestExecuteBuy_FallbackBoundsWithoutATR(t *testing.T) {
	p, _, _ := newTestPortfolio(t)

	_, err := p.ExecuteBuy(context.Background(), "ACME", 100, 100, 0.8, "it", 0, 0)
	require.NoError(t, err)

	pos, ok := p.Position("ACME")
	require.True(t, ok)
	assert.InDelta(t, 98.0, pos.StopLoss, 1e-9)
	assert.InDelta(t, 105.0, pos.TakeProfit, 1e-9)
}

func TestExecuteBuy_CashCheckCoversSlippage(t *testing.T) {
	p, exec, _ := newTestPortfolio(t)
	p.cfg.Risk.SlippageBps = 100
	p.cash = 1005
	exec.price = 101 // market fill lands 1% above the hint

	// 10 shares at the 100 hint fit in 1005, but the padded cost 1010 plus
	// fees does not; accepting would leave the account overdrawn at fill.
	_, err := p.ExecuteBuy(context.Background(), "ACME", 10, 100, 0.7, "it", 0.01, 0)
	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, models.ExecInsufficientCash, execErr.Kind)

	assert.InDelta(t, 1005, p.Cash(), 1e-9, "rejected buy must not move cash")
	assert.Empty(t, exec.placed)
}

func TestExecuteBuy_Rejections(t *testing.T) {
	p, exec, _ := newTestPortfolio(t)
	cashBefore := p.Cash()

	cases := []struct {
		name string
		run  func() error
		kind models.ExecutionErrorKind
	}{
		{"zero shares", func() error {
			_, err := p.ExecuteBuy(context.Background(), "ACME", 0, 100, 0.5, "", 0, 0)
			return err
		}, models.ExecInsufficientSize},
		{"bad symbol", func() error {
			_, err := p.ExecuteBuy(context.Background(), "acme!", 10, 100, 0.5, "", 0, 0)
			return err
		}, models.ExecInsufficientSize},
		{"lot rounds to zero", func() error {
			_, err := p.ExecuteBuy(context.Background(), "NIFTYBEES", 40, 100, 0.5, "", 0, 75)
			return err
		}, models.ExecInsufficientSize},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			var execErr *models.ExecutionError
			require.ErrorAs(t, err, &execErr)
			assert.Equal(t, tc.kind, execErr.Kind)
		})
	}

	assert.InDelta(t, cashBefore, p.Cash(), 1e-9, "rejections must not move cash")
	assert.Empty(t, exec.placed, "rejections must not reach the broker")
}

func TestExecuteBuy_DuplicatePositionRejected(t *testing.T) {
	p, _, _ := newTestPortfolio(t)
	_, err := p.ExecuteBuy(context.Background(), "ACME", 100, 100, 0.6, "", 2, 0)
	require.NoError(t, err)

	_, err = p.ExecuteBuy(context.Background(), "ACME", 100, 100, 0.6, "", 2, 0)
	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, models.ExecPositionCap, execErr.Kind)
}

func TestExecuteSell_MinimumHoldingPeriod(t *testing.T) {
	p, _, clock := newTestPortfolio(t)
	_, err := p.ExecuteBuy(context.Background(), "ACME", 100, 100, 0.6, "", 2, 0)
	require.NoError(t, err)

	_, err = p.ExecuteSell(context.Background(), "ACME", 100, 100, ReasonSignalExit)
	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr, "signal exit inside 15m must be refused")

	// Risk exits bypass the holding period.
	_, err = p.ExecuteSell(context.Background(), "ACME", 100, 100, ReasonStopLoss)
	require.NoError(t, err)

	// And after 15 minutes a discretionary exit is allowed.
	_, err = p.ExecuteBuy(context.Background(), "GLOBEX", 100, 100, 0.6, "", 2, 0)
	require.NoError(t, err)
	*clock = clock.Add(16 * time.Minute)
	_, err = p.ExecuteSell(context.Background(), "GLOBEX", 100, 100, ReasonSignalExit)
	assert.NoError(t, err)
}

func TestRoundTripAtSamePriceLosesFees(t *testing.T) {
	p, _, clock := newTestPortfolio(t)
	_, err := p.ExecuteBuy(context.Background(), "ACME", 1000, 100, 0.6, "", 2, 0)
	require.NoError(t, err)

	*clock = clock.Add(20 * time.Minute)
	trade, err := p.ClosePosition(context.Background(), "ACME", 100, ReasonSignalExit)
	require.NoError(t, err)
	require.NotNil(t, trade.PnL)
	assert.Negative(t, *trade.PnL, "round trip at identical price pays fees")
	assert.Less(t, p.Cash(), 1_000_000.0)
}

func TestTrailingStop_RatchetsMonotonically(t *testing.T) {
	p, exec, _ := newTestPortfolio(t)
	_, err := p.ExecuteBuy(context.Background(), "ACME", 1000, 100, 0.6, "", 2, 0)
	require.NoError(t, err)

	// gain 3 ≥ activation 2·1.3 = 2.6 ⇒ stop moves to 103 − 2·0.7 = 101.6.
	p.UpdateRiskExits(context.Background(), map[string]float64{"ACME": 103})
	pos, _ := p.Position("ACME")
	assert.InDelta(t, 101.6, pos.StopLoss, 1e-9)

	// A pullback never lowers the stop.
	p.UpdateRiskExits(context.Background(), map[string]float64{"ACME": 102})
	pos, _ = p.Position("ACME")
	assert.InDelta(t, 101.6, pos.StopLoss, 1e-9)

	// A new high ratchets it further up.
	p.UpdateRiskExits(context.Background(), map[string]float64{"ACME": 105})
	pos, _ = p.Position("ACME")
	assert.InDelta(t, 103.6, pos.StopLoss, 1e-9)

	// Falling through the trailed stop closes with reason stop_loss.
	exec.price = 103
	closed := p.UpdateRiskExits(context.Background(), map[string]float64{"ACME": 103})
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonStopLoss, closed[0].Reason)
}

func TestMarkToMarket_FallsBackToEntry(t *testing.T) {
	p, _, _ := newTestPortfolio(t)
	_, err := p.ExecuteBuy(context.Background(), "ACME", 1000, 100, 0.6, "", 2, 0)
	require.NoError(t, err)

	withQuote := p.MarkToMarket(map[string]float64{"ACME": 105}, nil)
	withoutQuote := p.MarkToMarket(map[string]float64{}, nil)
	assert.InDelta(t, withQuote-withoutQuote, 5.0*1000, 1e-6)
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	p, exec, clock := newTestPortfolio(t)
	_, err := p.ExecuteBuy(context.Background(), "ACME", 1000, 100, 0.7, "it", 2, 0)
	require.NoError(t, err)
	exec.price = 96
	p.UpdateRiskExits(context.Background(), map[string]float64{"ACME": 96})
	_, err = p.ExecuteBuy(context.Background(), "GLOBEX", 500, 200, 0.6, "energy", 4, 0)
	require.NoError(t, err)

	snap := p.Snapshot()

	restored := New(config.Default(), exec, zerolog.Nop())
	restored.now = func() time.Time { return *clock }
	restored.Restore(snap)

	assert.Equal(t, snap, restored.Snapshot())
	assert.True(t, restored.InCooldown("ACME"), "live cooldown survives restore")
}

func TestRestore_DropsExpiredCooldowns(t *testing.T) {
	p, exec, clock := newTestPortfolio(t)
	_, err := p.ExecuteBuy(context.Background(), "ACME", 100, 100, 0.6, "", 2, 0)
	require.NoError(t, err)
	exec.price = 96
	p.UpdateRiskExits(context.Background(), map[string]float64{"ACME": 96})

	snap := p.Snapshot()
	*clock = clock.Add(2 * time.Hour)
	p.Restore(snap)
	assert.False(t, p.InCooldown("ACME"))
}

func TestStructuredPositions_EngageAndClose(t *testing.T) {
	p, _, _ := newTestPortfolio(t)
	sp := &models.StructuredPosition{
		TransactionID: "txn-1",
		Underlying:    "NIFTY",
		Strategy:      "long_straddle",
		EntryTime:     time.Now(),
		MaxLoss:       15_000,
		NetPremium:    -15_000,
		Legs: []models.OptionLeg{
			{
				Contract: models.OptionContract{
					Underlying: "NIFTY", Expiry: time.Date(2025, 8, 28, 0, 0, 0, 0, time.UTC),
					Strike: 24500, Right: models.RightCall, Exchange: models.ExchangeNFO, LotSize: 75,
				},
				Side: models.SideBuy, Lots: 1, EntryPrice: 100,
			},
			{
				Contract: models.OptionContract{
					Underlying: "NIFTY", Expiry: time.Date(2025, 8, 28, 0, 0, 0, 0, time.UTC),
					Strike: 24500, Right: models.RightPut, Exchange: models.ExchangeNFO, LotSize: 75,
				},
				Side: models.SideBuy, Lots: 1, EntryPrice: 100,
			},
		},
	}

	require.NoError(t, p.AddStructured(sp, -15_000, nil))
	assert.True(t, p.HoldsUnderlying("NIFTY"))
	assert.Equal(t, []string{"NIFTY"}, p.EngagedUnderlyings())
	assert.InDelta(t, 985_000, p.Cash(), 1e-9)

	pnl := 3_000.0
	closeTrade := models.Trade{
		Timestamp: time.Now(), Symbol: "NIFTY28AUG2524500CE", Side: models.SideSell,
		Shares: 75, Price: 140, Mode: models.ModePaper, TradingDay: "2025-08-22", PnL: &pnl,
	}
	require.NoError(t, p.CloseStructured("txn-1", 18_000, []models.Trade{closeTrade}))
	assert.False(t, p.HoldsUnderlying("NIFTY"))
	assert.InDelta(t, 1_003_000, p.Cash(), 1e-9)
	assert.Equal(t, 1, p.Counters().Wins)
	assert.True(t, p.InCooldown("NIFTY"))
}

func TestDailySummary_AggregatesDay(t *testing.T) {
	p, exec, clock := newTestPortfolio(t)
	_, err := p.ExecuteBuy(context.Background(), "ACME", 1000, 100, 0.7, "it", 2, 0)
	require.NoError(t, err)
	exec.price = 110
	closed := p.UpdateRiskExits(context.Background(), map[string]float64{"ACME": 110})
	require.Len(t, closed, 1)

	day := closed[0].TradingDay
	summary := p.DailySummary(day)
	assert.Equal(t, 2, summary.TotalTrades)
	assert.Equal(t, 1, summary.BuyTrades)
	assert.Equal(t, 1, summary.SellTrades)
	assert.Equal(t, 1, summary.Winners)
	assert.InDelta(t, *closed[0].PnL, summary.TotalPnL, 1e-9)
	_ = clock
}

func TestTradeRing_DropsOldest(t *testing.T) {
	r := newTradeRing(3)
	for i := 0; i < 5; i++ {
		r.Append(models.Trade{Shares: i + 1})
	}
	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, 3, all[0].Shares)
	assert.Equal(t, 5, all[2].Shares)
}
