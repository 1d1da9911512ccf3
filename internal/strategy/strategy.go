// Package strategy holds the technical strategies, the multi-strategy signal
// aggregator and the index regime detector.
//
// Every strategy is pure and stateless: identical bars produce identical
// signals, the input series is never mutated, and anything that goes wrong
// internally degrades to a hold signal rather than an error.
package strategy

import (
	"github.com/markcheno/go-talib"

	"github.com/niranjank/dalalbot/internal/models"
)

// Strategy evaluates one symbol's bars into a directional vote.
type Strategy interface {
	Name() string
	Evaluate(bars models.BarSeries, symbol string) models.Signal
}

// DefaultSet returns the standard five-strategy ensemble.
func DefaultSet() []Strategy {
	return []Strategy{
		NewMACrossover(10, 30),
		NewRSI(14, 30, 70),
		NewBollinger(20, 2.0),
		NewVolumeBreakout(20, 2.0, 0.002),
		NewMomentum(),
	}
}

// ATR returns the current Average True Range over the given period, or 0 when
// the series is too short.
func ATR(bars models.BarSeries, period int) float64 {
	if len(bars) <= period {
		return 0
	}
	atr := talib.Atr(bars.Highs(), bars.Lows(), bars.Closes(), period)
	if len(atr) == 0 {
		return 0
	}
	v := atr[len(atr)-1]
	if v != v || v < 0 { // NaN guard
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func last(xs []float64) (float64, bool) {
	if len(xs) == 0 {
		return 0, false
	}
	v := xs[len(xs)-1]
	if v != v {
		return 0, false
	}
	return v, true
}
