package fno

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/niranjank/dalalbot/internal/models"
	"github.com/niranjank/dalalbot/internal/strategy"
	"github.com/niranjank/dalalbot/internal/util"
)

// StrategyKind names a structured option strategy.
type StrategyKind string

const (
	// KindLongStraddle buys the ATM call and put.
	KindLongStraddle StrategyKind = "long_straddle"
	// KindShortStrangle sells OTM call and put with protective wings.
	KindShortStrangle StrategyKind = "short_strangle"
	// KindIronCondor sells an OTM strangle and buys further wings.
	KindIronCondor StrategyKind = "iron_condor"
	// KindBullCallSpread buys ATM call, sells an OTM call.
	KindBullCallSpread StrategyKind = "bull_call_spread"
	// KindBearPutSpread buys ATM put, sells an OTM put.
	KindBearPutSpread StrategyKind = "bear_put_spread"
	// KindSkip means no structure is suitable in this regime.
	KindSkip StrategyKind = ""
)

// SelectStrategy maps {trend, volatility} to a structure. Extreme volatility
// always skips.
func SelectStrategy(r strategy.Regime) StrategyKind {
	if r.Volatility == strategy.VolExtreme {
		return KindSkip
	}
	high := r.Volatility == strategy.VolHigh
	switch r.Trend {
	case strategy.TrendBullish:
		if high {
			return KindLongStraddle
		}
		return KindBullCallSpread
	case strategy.TrendBearish:
		if high {
			return KindLongStraddle
		}
		return KindBearPutSpread
	default:
		if high {
			return KindShortStrangle
		}
		return KindIronCondor
	}
}

// Strike offsets in units of σ·√T.
const (
	strangleK = 1.0
	wingK     = 2.0
)

// LegSpec is an abstract leg before premiums are known.
type LegSpec struct {
	Contract models.OptionContract
	Side     models.TradeSide
}

// dailySigma estimates the daily close-to-close move in index points.
func dailySigma(bars models.BarSeries) float64 {
	if len(bars) < 10 {
		return 0
	}
	closes := bars.Closes()
	diffs := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		diffs = append(diffs, closes[i]-closes[i-1])
	}
	sigma := stat.StdDev(diffs, nil)
	if math.IsNaN(sigma) {
		return 0
	}
	return sigma
}

// strikeOffset converts σ·√T into a strike distance, at least one step.
func strikeOffset(sigma float64, daysToExpiry int, k, step float64) float64 {
	if daysToExpiry < 1 {
		daysToExpiry = 1
	}
	offset := util.RoundToStrike(k*sigma*math.Sqrt(float64(daysToExpiry)), step)
	if offset < step {
		offset = step
	}
	return offset
}

// BuildLegs constructs the leg specs for a strategy at the given spot.
// sigma is the daily move estimate in points.
func BuildLegs(kind StrategyKind, idx IndexCharacteristics, spot, sigma float64, expiry time.Time, now time.Time) []LegSpec {
	atm := util.RoundToStrike(spot, idx.StrikeStep)
	days := int(expiry.Sub(now).Hours() / 24)
	near := strikeOffset(sigma, days, strangleK, idx.StrikeStep)
	far := strikeOffset(sigma, days, wingK, idx.StrikeStep)
	if far <= near {
		far = near + idx.StrikeStep
	}

	contract := func(strike float64, right models.OptionRight) models.OptionContract {
		return models.OptionContract{
			Underlying: idx.Symbol,
			Expiry:     expiry,
			Strike:     strike,
			Right:      right,
			Exchange:   idx.Exchange,
			LotSize:    idx.LotSize,
		}
	}

	switch kind {
	case KindLongStraddle:
		return []LegSpec{
			{Contract: contract(atm, models.RightCall), Side: models.SideBuy},
			{Contract: contract(atm, models.RightPut), Side: models.SideBuy},
		}
	case KindShortStrangle:
		// Short body with bought wings so the worst case stays defined.
		return []LegSpec{
			{Contract: contract(atm+near, models.RightCall), Side: models.SideSell},
			{Contract: contract(atm-near, models.RightPut), Side: models.SideSell},
			{Contract: contract(atm+far, models.RightCall), Side: models.SideBuy},
			{Contract: contract(atm-far, models.RightPut), Side: models.SideBuy},
		}
	case KindIronCondor:
		return []LegSpec{
			{Contract: contract(atm+near, models.RightCall), Side: models.SideSell},
			{Contract: contract(atm+far, models.RightCall), Side: models.SideBuy},
			{Contract: contract(atm-near, models.RightPut), Side: models.SideSell},
			{Contract: contract(atm-far, models.RightPut), Side: models.SideBuy},
		}
	case KindBullCallSpread:
		return []LegSpec{
			{Contract: contract(atm, models.RightCall), Side: models.SideBuy},
			{Contract: contract(atm+near, models.RightCall), Side: models.SideSell},
		}
	case KindBearPutSpread:
		return []LegSpec{
			{Contract: contract(atm, models.RightPut), Side: models.SideBuy},
			{Contract: contract(atm-near, models.RightPut), Side: models.SideSell},
		}
	default:
		return nil
	}
}

// maxLossPerLot computes the defined worst-case loss of one lot given leg
// premiums keyed by trading symbol. Net-debit structures lose the debit;
// credit structures lose spread width minus the credit.
func maxLossPerLot(kind StrategyKind, legs []LegSpec, premiums map[string]float64, lotSize int) float64 {
	netDebit := 0.0 // per unit
	for _, leg := range legs {
		px := premiums[leg.Contract.TradingSymbol()]
		if leg.Side == models.SideBuy {
			netDebit += px
		} else {
			netDebit -= px
		}
	}

	switch kind {
	case KindLongStraddle, KindBullCallSpread, KindBearPutSpread:
		return netDebit * float64(lotSize)
	case KindShortStrangle, KindIronCondor:
		// Worst case: spot pins beyond a wing; loss = width − credit.
		width := condorWidth(legs)
		return (width + netDebit) * float64(lotSize)
	default:
		return 0
	}
}

// condorWidth is the distance between a short strike and its wing.
func condorWidth(legs []LegSpec) float64 {
	var shortCall, longCall float64
	for _, leg := range legs {
		if leg.Contract.Right != models.RightCall {
			continue
		}
		if leg.Side == models.SideSell {
			shortCall = leg.Contract.Strike
		} else {
			longCall = leg.Contract.Strike
		}
	}
	return longCall - shortCall
}
