package strategy

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/niranjank/dalalbot/internal/models"
)

// MACrossover signals on EMA cross events. A fresh cross fires at strength
// proportional to the separation between the averages; an established trend
// without a fresh cross fires at reduced strength.
type MACrossover struct {
	short int
	long  int
}

// NewMACrossover builds the crossover strategy with the given EMA periods.
func NewMACrossover(short, long int) *MACrossover {
	if short <= 0 {
		short = 10
	}
	if long <= short {
		long = short * 3
	}
	return &MACrossover{short: short, long: long}
}

// Name implements Strategy.
func (s *MACrossover) Name() string { return "ma_crossover" }

// Evaluate implements Strategy.
func (s *MACrossover) Evaluate(bars models.BarSeries, symbol string) models.Signal {
	if len(bars) < s.long+5 {
		return models.Hold("insufficient bars for MA crossover")
	}

	closes := bars.Closes()
	emaShort := talib.Ema(closes, s.short)
	emaLong := talib.Ema(closes, s.long)

	n := len(closes)
	sNow, ok1 := last(emaShort)
	lNow, ok2 := last(emaLong)
	if !ok1 || !ok2 || lNow == 0 {
		return models.Hold("EMA unavailable")
	}
	sPrev, lPrev := emaShort[n-2], emaLong[n-2]
	if sPrev != sPrev || lPrev != lPrev {
		return models.Hold("EMA unavailable")
	}

	diffNow := sNow - lNow
	diffPrev := sPrev - lPrev
	separation := math.Abs(diffNow) / lNow

	// Fresh cross: the sign of the separation flipped on the latest bar.
	crossedUp := diffPrev <= 0 && diffNow > 0
	crossedDown := diffPrev >= 0 && diffNow < 0

	switch {
	case crossedUp:
		strength := clamp01(0.6 + separation*40)
		return models.Signal{
			Direction: models.DirectionBuy,
			Strength:  strength,
			Reason:    fmt.Sprintf("EMA%d crossed above EMA%d (sep %.2f%%)", s.short, s.long, separation*100),
		}
	case crossedDown:
		strength := clamp01(0.6 + separation*40)
		return models.Signal{
			Direction: models.DirectionSell,
			Strength:  strength,
			Reason:    fmt.Sprintf("EMA%d crossed below EMA%d (sep %.2f%%)", s.short, s.long, separation*100),
		}
	case diffNow > 0:
		strength := clamp01(separation * 20)
		if strength > 0.4 {
			strength = 0.4
		}
		if strength == 0 {
			return models.Hold("EMAs flat")
		}
		return models.Signal{
			Direction: models.DirectionBuy,
			Strength:  strength,
			Reason:    fmt.Sprintf("uptrend: EMA%d above EMA%d", s.short, s.long),
		}
	case diffNow < 0:
		strength := clamp01(separation * 20)
		if strength > 0.4 {
			strength = 0.4
		}
		if strength == 0 {
			return models.Hold("EMAs flat")
		}
		return models.Signal{
			Direction: models.DirectionSell,
			Strength:  strength,
			Reason:    fmt.Sprintf("downtrend: EMA%d below EMA%d", s.short, s.long),
		}
	default:
		return models.Hold("EMAs equal")
	}
}
