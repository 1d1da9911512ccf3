package strategy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niranjank/dalalbot/internal/models"
)

// barsFromCloses builds a series with synthetic OHLC around the closes and a
// flat volume unless overridden.
func barsFromCloses(closes []float64) models.BarSeries {
	start := time.Date(2025, 8, 1, 9, 15, 0, 0, time.UTC)
	out := make(models.BarSeries, len(closes))
	for i, c := range closes {
		out[i] = models.Bar{
			Timestamp: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      c * 0.999,
			High:      c * 1.004,
			Low:       c * 0.996,
			Close:     c,
			Volume:    100_000,
		}
	}
	return out
}

func declining(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start - float64(i)*step
	}
	return out
}

func rising(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestAllStrategies_EmptySeriesHolds(t *testing.T) {
	for _, s := range DefaultSet() {
		sig := s.Evaluate(models.BarSeries{}, "ACME")
		assert.Equal(t, models.DirectionHold, sig.Direction, "%s must hold on empty input", s.Name())
		assert.Zero(t, sig.Strength)
	}
}

func TestAllStrategies_Deterministic(t *testing.T) {
	bars := barsFromCloses(rising(80, 100, 0.5))
	for _, s := range DefaultSet() {
		first := s.Evaluate(bars, "ACME")
		second := s.Evaluate(bars, "ACME")
		assert.Equal(t, first, second, "%s must be deterministic", s.Name())
	}
}

func TestAllStrategies_DoNotMutateInput(t *testing.T) {
	bars := barsFromCloses(rising(80, 100, 0.5))
	snapshot := make(models.BarSeries, len(bars))
	copy(snapshot, bars)
	for _, s := range DefaultSet() {
		s.Evaluate(bars, "ACME")
	}
	assert.Equal(t, snapshot, bars)
}

func TestRSI_OversoldBuys(t *testing.T) {
	s := NewRSI(14, 30, 70)
	sig := s.Evaluate(barsFromCloses(declining(40, 200, 2)), "ACME")
	assert.Equal(t, models.DirectionBuy, sig.Direction)
	assert.Greater(t, sig.Strength, 0.5)
}

func TestRSI_OverboughtSells(t *testing.T) {
	s := NewRSI(14, 30, 70)
	sig := s.Evaluate(barsFromCloses(rising(40, 100, 2)), "ACME")
	assert.Equal(t, models.DirectionSell, sig.Direction)
}

func TestMACrossover_FreshCrossBuys(t *testing.T) {
	// Long decline followed by a sharp recovery produces an upward cross.
	closes := declining(50, 200, 1)
	closes = append(closes, rising(25, 150, 3)...)
	s := NewMACrossover(10, 30)
	sig := s.Evaluate(barsFromCloses(closes), "ACME")
	assert.Equal(t, models.DirectionBuy, sig.Direction)
	assert.Greater(t, sig.Strength, 0.0)
}

func TestBollinger_LowerBandBuys(t *testing.T) {
	// Stable closes then a sharp drop through the lower band.
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + math.Sin(float64(i))*0.5
	}
	closes = append(closes, 94)
	s := NewBollinger(20, 2.0)
	sig := s.Evaluate(barsFromCloses(closes), "ACME")
	assert.Equal(t, models.DirectionBuy, sig.Direction)
}

func TestVolumeBreakout_FiresOnSpike(t *testing.T) {
	bars := barsFromCloses(rising(25, 100, 0.01))
	n := len(bars)
	bars[n-1].Volume = 500_000 // 5x baseline
	bars[n-1].Close = bars[n-2].Close * 1.01
	bars[n-1].High = bars[n-1].Close * 1.002

	s := NewVolumeBreakout(20, 2.0, 0.002)
	sig := s.Evaluate(bars, "ACME")
	assert.Equal(t, models.DirectionBuy, sig.Direction)
	assert.Greater(t, sig.Strength, 0.3)
}

func TestVolumeBreakout_QuietVolumeHolds(t *testing.T) {
	s := NewVolumeBreakout(20, 2.0, 0.002)
	sig := s.Evaluate(barsFromCloses(rising(25, 100, 0.01)), "ACME")
	assert.Equal(t, models.DirectionHold, sig.Direction)
}

func TestMomentum_AlignedUptrend(t *testing.T) {
	// Accelerating rise aligns every component.
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)*float64(i)*0.02
	}
	s := NewMomentum()
	sig := s.Evaluate(barsFromCloses(closes), "ACME")
	assert.Equal(t, models.DirectionBuy, sig.Direction)
}

func TestATR_ZeroOnShortSeries(t *testing.T) {
	assert.Zero(t, ATR(barsFromCloses(rising(5, 100, 1)), 14))
	assert.Greater(t, ATR(barsFromCloses(rising(40, 100, 1)), 14), 0.0)
}

func TestAggregator_BuyConsensus(t *testing.T) {
	agg := NewAggregator(
		Thresholds{Agreement: 0.4, MinConfidence: 0.45},
		Thresholds{Agreement: 0.25, MinConfidence: 0.25},
	)

	signals := []models.Signal{
		{Direction: models.DirectionBuy, Strength: 0.8, Reason: "a"},
		{Direction: models.DirectionBuy, Strength: 0.6, Reason: "b"},
		{Direction: models.DirectionHold},
		{Direction: models.DirectionHold},
		{Direction: models.DirectionHold},
	}

	out := agg.Aggregate(signals, "ACME")
	require.Equal(t, models.ActionBuy, out.Action)
	// 2/5 agreement = 0.4, mean strength 0.7, weighted 0.7*(0.6+0.16)=0.532
	assert.InDelta(t, 0.532, out.Confidence, 1e-9)
	assert.Equal(t, []string{"a", "b"}, out.Reasons)
}

func TestAggregator_BelowAgreementHolds(t *testing.T) {
	agg := NewAggregator(
		Thresholds{Agreement: 0.4, MinConfidence: 0.45},
		Thresholds{Agreement: 0.25, MinConfidence: 0.25},
	)
	signals := []models.Signal{
		{Direction: models.DirectionBuy, Strength: 0.9},
		{Direction: models.DirectionHold},
		{Direction: models.DirectionHold},
		{Direction: models.DirectionHold},
		{Direction: models.DirectionHold},
	}
	out := agg.Aggregate(signals, "ACME")
	assert.Equal(t, models.ActionHold, out.Action)
	assert.Zero(t, out.Confidence)
}

func TestAggregator_ExitThresholdLower(t *testing.T) {
	agg := NewAggregator(
		Thresholds{Agreement: 0.4, MinConfidence: 0.45},
		Thresholds{Agreement: 0.25, MinConfidence: 0.25},
	)
	// One sell out of four: 25% agreement passes exit but not entry.
	signals := []models.Signal{
		{Direction: models.DirectionSell, Strength: 0.5, Reason: "weak sell"},
		{Direction: models.DirectionHold},
		{Direction: models.DirectionHold},
		{Direction: models.DirectionHold},
	}
	assert.Equal(t, models.ActionHold, agg.Aggregate(signals, "ACME").Action)
	assert.Equal(t, models.ActionSell, agg.AggregateForExit(signals, "ACME").Action)
}

func TestAggregator_TieBreaksOnWeightedConfidence(t *testing.T) {
	agg := NewAggregator(
		Thresholds{Agreement: 0.2, MinConfidence: 0.2},
		Thresholds{Agreement: 0.2, MinConfidence: 0.2},
	)
	signals := []models.Signal{
		{Direction: models.DirectionBuy, Strength: 0.9},
		{Direction: models.DirectionSell, Strength: 0.4},
	}
	out := agg.Aggregate(signals, "ACME")
	assert.Equal(t, models.ActionBuy, out.Action)
}

func TestEvaluate_AttachesATRAndClose(t *testing.T) {
	agg := NewAggregator(
		Thresholds{Agreement: 0.4, MinConfidence: 0.45},
		Thresholds{Agreement: 0.25, MinConfidence: 0.25},
	)
	bars := barsFromCloses(rising(80, 100, 0.5))
	out := Evaluate(DefaultSet(), agg, bars, "ACME", false)
	assert.Greater(t, out.ATR, 0.0)
	assert.InDelta(t, bars[len(bars)-1].Close, out.LastClose, 1e-9)
	assert.NoError(t, out.Validate())
}

func TestRegimeDetector_Bullish(t *testing.T) {
	d := NewRegimeDetector()
	r := d.Detect(barsFromCloses(rising(60, 20000, 40)), 150)
	assert.Equal(t, TrendBullish, r.Trend)
	assert.Greater(t, r.Confidence, 0.2)
}

func TestRegimeDetector_ShortSeriesSideways(t *testing.T) {
	d := NewRegimeDetector()
	r := d.Detect(barsFromCloses(rising(10, 20000, 40)), 150)
	assert.Equal(t, TrendSideways, r.Trend)
	assert.Zero(t, r.Confidence)
}

func TestRegimeDetector_VolatilityBuckets(t *testing.T) {
	d := NewRegimeDetector()

	// avgDailyMove far above the realized range ⇒ low volatility bucket.
	calm := d.Detect(barsFromCloses(rising(60, 20000, 1)), 100000)
	assert.Equal(t, VolLow, calm.Volatility)

	// Tiny avgDailyMove ⇒ extreme bucket.
	wild := d.Detect(barsFromCloses(rising(60, 20000, 40)), 1)
	assert.Equal(t, VolExtreme, wild.Volatility)
}
