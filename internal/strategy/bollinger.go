package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/niranjank/dalalbot/internal/models"
)

// Bollinger signals mean reversion at the bands: close at or below the lower
// band buys, at or above the upper band sells. Strength scales with how far
// the close penetrated the band relative to the band width.
type Bollinger struct {
	period int
	dev    float64
}

// NewBollinger builds the Bollinger band strategy.
func NewBollinger(period int, dev float64) *Bollinger {
	if period <= 0 {
		period = 20
	}
	if dev <= 0 {
		dev = 2.0
	}
	return &Bollinger{period: period, dev: dev}
}

// Name implements Strategy.
func (s *Bollinger) Name() string { return "bollinger" }

// Evaluate implements Strategy.
func (s *Bollinger) Evaluate(bars models.BarSeries, symbol string) models.Signal {
	if len(bars) < s.period+5 {
		return models.Hold("insufficient bars for Bollinger")
	}

	closes := bars.Closes()
	upper, _, lower := talib.BBands(closes, s.period, s.dev, s.dev, talib.SMA)

	up, ok1 := last(upper)
	lo, ok2 := last(lower)
	if !ok1 || !ok2 {
		return models.Hold("bands unavailable")
	}
	width := up - lo
	if width <= 0 {
		return models.Hold("bands collapsed")
	}

	close := closes[len(closes)-1]
	switch {
	case close <= lo:
		strength := clamp01(0.5 + (lo-close)/width*2)
		return models.Signal{
			Direction: models.DirectionBuy,
			Strength:  strength,
			Reason:    fmt.Sprintf("close %.2f at lower band %.2f", close, lo),
		}
	case close >= up:
		strength := clamp01(0.5 + (close-up)/width*2)
		return models.Signal{
			Direction: models.DirectionSell,
			Strength:  strength,
			Reason:    fmt.Sprintf("close %.2f at upper band %.2f", close, up),
		}
	default:
		return models.Hold("close inside bands")
	}
}
