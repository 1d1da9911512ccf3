package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/niranjank/dalalbot/internal/models"
)

// Momentum is a composite of rate-of-change, RSI bias, MACD histogram, EMA
// slope and close acceleration. It fires only when the weighted score clears
// its threshold and nearly all components agree on direction.
type Momentum struct {
	rocPeriod  int
	rsiPeriod  int
	emaPeriod  int
	macdFast   int
	macdSlow   int
	macdSignal int
	threshold  float64
}

// NewMomentum builds the composite momentum strategy with standard periods.
func NewMomentum() *Momentum {
	return &Momentum{
		rocPeriod:  10,
		rsiPeriod:  14,
		emaPeriod:  20,
		macdFast:   12,
		macdSlow:   26,
		macdSignal: 9,
		threshold:  0.5,
	}
}

// Name implements Strategy.
func (s *Momentum) Name() string { return "momentum" }

// minBars is the longest component window plus settling room.
func (s *Momentum) minBars() int {
	return s.macdSlow + s.macdSignal + 10
}

// Evaluate implements Strategy.
func (s *Momentum) Evaluate(bars models.BarSeries, symbol string) models.Signal {
	if len(bars) < s.minBars() {
		return models.Hold("insufficient bars for momentum")
	}

	closes := bars.Closes()
	n := len(closes)

	roc := talib.Roc(closes, s.rocPeriod)
	rsi := talib.Rsi(closes, s.rsiPeriod)
	_, _, hist := talib.Macd(closes, s.macdFast, s.macdSlow, s.macdSignal)
	ema := talib.Ema(closes, s.emaPeriod)

	rocNow, ok1 := last(roc)
	rsiNow, ok2 := last(rsi)
	histNow, ok3 := last(hist)
	emaNow, ok4 := last(ema)
	if !ok1 || !ok2 || !ok3 || !ok4 || len(ema) < 4 {
		return models.Hold("momentum components unavailable")
	}

	emaPrev := ema[len(ema)-4]
	slope := 0.0
	if emaPrev != 0 {
		slope = (emaNow - emaPrev) / emaPrev
	}
	accel := (closes[n-1] - closes[n-2]) - (closes[n-2] - closes[n-3])

	// Component votes in [-1, 1].
	votes := []struct {
		value  float64
		weight float64
	}{
		{value: clampSigned(rocNow / 2), weight: 0.25},          // ROC in percent
		{value: clampSigned((rsiNow - 50) / 25), weight: 0.20},  // RSI bias around 50
		{value: signOf(histNow), weight: 0.20},                  // MACD histogram sign
		{value: clampSigned(slope * 200), weight: 0.20},         // EMA slope
		{value: signOf(accel) * 0.5, weight: 0.15},              // acceleration, half weight
	}

	score := 0.0
	positives, negatives := 0, 0
	for _, v := range votes {
		score += v.value * v.weight
		if v.value > 0 {
			positives++
		} else if v.value < 0 {
			negatives++
		}
	}

	switch {
	case score >= s.threshold*0.5 && positives >= 4:
		return models.Signal{
			Direction: models.DirectionBuy,
			Strength:  clamp01(score + 0.3),
			Reason:    fmt.Sprintf("momentum aligned up (score %.2f, %d/5 components)", score, positives),
		}
	case score <= -s.threshold*0.5 && negatives >= 4:
		return models.Signal{
			Direction: models.DirectionSell,
			Strength:  clamp01(-score + 0.3),
			Reason:    fmt.Sprintf("momentum aligned down (score %.2f, %d/5 components)", score, negatives),
		}
	default:
		return models.Hold(fmt.Sprintf("momentum mixed (score %.2f)", score))
	}
}

func clampSigned(v float64) float64 {
	if v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func signOf(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
