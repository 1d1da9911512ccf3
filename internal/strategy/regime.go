package strategy

import (
	"github.com/markcheno/go-talib"

	"github.com/niranjank/dalalbot/internal/models"
)

// Trend is the index-level directional regime.
type Trend string

const (
	// TrendBullish means the short average leads with directional strength.
	TrendBullish Trend = "bullish"
	// TrendBearish means the short average lags with directional strength.
	TrendBearish Trend = "bearish"
	// TrendSideways means no directional conviction.
	TrendSideways Trend = "sideways"
)

// Volatility buckets realized movement against the index's typical daily move.
type Volatility string

const (
	// VolLow is under 0.6× the average daily move.
	VolLow Volatility = "low"
	// VolNormal is under 1.4×.
	VolNormal Volatility = "normal"
	// VolHigh is under 2.2×.
	VolHigh Volatility = "high"
	// VolExtreme is 2.2× and beyond; the composer skips entries here.
	VolExtreme Volatility = "extreme"
)

// Regime is the detector's output for one index.
type Regime struct {
	Trend      Trend      `json:"trend"`
	Volatility Volatility `json:"volatility"`
	Confidence float64    `json:"confidence"`
}

// RegimeDetector classifies an index from daily-scale bars. It feeds only the
// F&O composer; single-name decisions never consult it.
type RegimeDetector struct {
	shortEMA  int
	longEMA   int
	adxPeriod int
}

// NewRegimeDetector builds a detector with standard periods.
func NewRegimeDetector() *RegimeDetector {
	return &RegimeDetector{shortEMA: 5, longEMA: 20, adxPeriod: 14}
}

// Detect classifies trend and volatility. avgDailyMove is the index's typical
// absolute daily move in points (from its static characteristics).
func (d *RegimeDetector) Detect(bars models.BarSeries, avgDailyMove float64) Regime {
	out := Regime{Trend: TrendSideways, Volatility: VolNormal, Confidence: 0}
	if len(bars) < d.longEMA+d.adxPeriod {
		return out
	}

	closes := bars.Closes()
	emaShort := talib.Ema(closes, d.shortEMA)
	emaLong := talib.Ema(closes, d.longEMA)
	adx := talib.Adx(bars.Highs(), bars.Lows(), closes, d.adxPeriod)

	sNow, ok1 := last(emaShort)
	lNow, ok2 := last(emaLong)
	adxNow, ok3 := last(adx)
	if !ok1 || !ok2 || !ok3 || lNow == 0 {
		return out
	}

	separation := (sNow - lNow) / lNow

	// ADX below ~18 means no meaningful directional movement.
	if adxNow >= 18 {
		if separation > 0 {
			out.Trend = TrendBullish
		} else if separation < 0 {
			out.Trend = TrendBearish
		}
	}

	// Realized volatility: mean absolute daily range over the last 10 bars,
	// bucketed against the index's typical move.
	if avgDailyMove > 0 {
		window := bars[len(bars)-10:]
		sum := 0.0
		for _, b := range window {
			sum += b.High - b.Low
		}
		realized := sum / float64(len(window))
		ratio := realized / avgDailyMove
		switch {
		case ratio < 0.6:
			out.Volatility = VolLow
		case ratio < 1.4:
			out.Volatility = VolNormal
		case ratio < 2.2:
			out.Volatility = VolHigh
		default:
			out.Volatility = VolExtreme
		}
	}

	// Confidence blends directional strength (ADX) with EMA separation.
	conf := adxNow/50 + absFloat(separation)*10
	out.Confidence = clamp01(conf)
	return out
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
