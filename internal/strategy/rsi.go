package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/niranjank/dalalbot/internal/models"
)

// RSI signals on Wilder RSI extremes: oversold buys, overbought sells, with
// strength proportional to the distance beyond the threshold.
type RSI struct {
	period     int
	oversold   float64
	overbought float64
}

// NewRSI builds the RSI strategy.
func NewRSI(period int, oversold, overbought float64) *RSI {
	if period <= 0 {
		period = 14
	}
	if oversold <= 0 || overbought <= oversold {
		oversold, overbought = 30, 70
	}
	return &RSI{period: period, oversold: oversold, overbought: overbought}
}

// Name implements Strategy.
func (s *RSI) Name() string { return "rsi" }

// Evaluate implements Strategy.
func (s *RSI) Evaluate(bars models.BarSeries, symbol string) models.Signal {
	if len(bars) < s.period+5 {
		return models.Hold("insufficient bars for RSI")
	}

	rsi := talib.Rsi(bars.Closes(), s.period)
	v, ok := last(rsi)
	if !ok {
		return models.Hold("RSI unavailable")
	}

	switch {
	case v <= s.oversold:
		strength := clamp01(0.5 + (s.oversold-v)/s.oversold)
		return models.Signal{
			Direction: models.DirectionBuy,
			Strength:  strength,
			Reason:    fmt.Sprintf("RSI oversold: %.1f <= %.0f", v, s.oversold),
		}
	case v >= s.overbought:
		strength := clamp01(0.5 + (v-s.overbought)/(100-s.overbought))
		return models.Signal{
			Direction: models.DirectionSell,
			Strength:  strength,
			Reason:    fmt.Sprintf("RSI overbought: %.1f >= %.0f", v, s.overbought),
		}
	default:
		return models.Hold(fmt.Sprintf("RSI neutral: %.1f", v))
	}
}
