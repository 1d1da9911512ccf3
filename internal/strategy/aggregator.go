package strategy

import (
	"fmt"

	"github.com/niranjank/dalalbot/internal/models"
)

// Thresholds gate the aggregated decision. Exits use a lower bar than entries
// so positions can unwind in weaker conditions.
type Thresholds struct {
	Agreement     float64
	MinConfidence float64
}

// Aggregator combines the votes of N strategies into one decision per symbol.
type Aggregator struct {
	entry Thresholds
	exit  Thresholds
}

// NewAggregator builds an aggregator with entry and exit thresholds.
func NewAggregator(entry, exit Thresholds) *Aggregator {
	return &Aggregator{entry: entry, exit: exit}
}

// Aggregate applies the entry thresholds.
func (a *Aggregator) Aggregate(signals []models.Signal, symbol string) models.AggregatedSignal {
	return a.aggregate(signals, symbol, a.entry)
}

// AggregateForExit applies the lower exit thresholds; used for symbols that
// already have an open position.
func (a *Aggregator) AggregateForExit(signals []models.Signal, symbol string) models.AggregatedSignal {
	return a.aggregate(signals, symbol, a.exit)
}

func (a *Aggregator) aggregate(signals []models.Signal, symbol string, th Thresholds) models.AggregatedSignal {
	hold := models.AggregatedSignal{Symbol: symbol, Action: models.ActionHold}
	if len(signals) == 0 {
		return hold
	}

	var buys, sells []models.Signal
	for _, s := range signals {
		switch s.Direction {
		case models.DirectionBuy:
			buys = append(buys, s)
		case models.DirectionSell:
			sells = append(sells, s)
		}
	}

	total := float64(len(signals))
	buyAgreement := float64(len(buys)) / total
	sellAgreement := float64(len(sells)) / total
	buyConfidence := meanStrength(buys)
	sellConfidence := meanStrength(sells)

	buyOK := buyAgreement >= th.Agreement && buyConfidence >= th.MinConfidence
	sellOK := sellAgreement >= th.Agreement && sellConfidence >= th.MinConfidence

	buyScore := weighted(buyConfidence, buyAgreement)
	sellScore := weighted(sellConfidence, sellAgreement)

	switch {
	case buyOK && (!sellOK || buyScore >= sellScore):
		return models.AggregatedSignal{
			Symbol:     symbol,
			Action:     models.ActionBuy,
			Confidence: buyScore,
			Reasons:    reasons(buys),
		}
	case sellOK:
		return models.AggregatedSignal{
			Symbol:     symbol,
			Action:     models.ActionSell,
			Confidence: sellScore,
			Reasons:    reasons(sells),
		}
	default:
		return hold
	}
}

// weighted blends mean strength with the agreement fraction:
// confidence · (0.6 + 0.4·agreement).
func weighted(confidence, agreement float64) float64 {
	return clamp01(confidence * (0.6 + 0.4*agreement))
}

func meanStrength(signals []models.Signal) float64 {
	if len(signals) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range signals {
		sum += s.Strength
	}
	return sum / float64(len(signals))
}

func reasons(signals []models.Signal) []string {
	out := make([]string, 0, len(signals))
	for _, s := range signals {
		if s.Reason != "" {
			out = append(out, s.Reason)
		}
	}
	return out
}

// Evaluate runs the full ensemble on one symbol's bars and aggregates with
// entry thresholds, attaching ATR and last close for downstream sizing.
func Evaluate(strategies []Strategy, agg *Aggregator, bars models.BarSeries, symbol string, forExit bool) models.AggregatedSignal {
	signals := make([]models.Signal, 0, len(strategies))
	for _, s := range strategies {
		sig := s.Evaluate(bars, symbol)
		if err := sig.Validate(); err != nil {
			// A misbehaving strategy degrades to hold; it must never break
			// the ensemble.
			sig = models.Hold(fmt.Sprintf("%s: invalid signal discarded", s.Name()))
		}
		signals = append(signals, sig)
	}

	var out models.AggregatedSignal
	if forExit {
		out = agg.AggregateForExit(signals, symbol)
	} else {
		out = agg.Aggregate(signals, symbol)
	}
	out.ATR = ATR(bars, 14)
	if bar, ok := bars.Last(); ok {
		out.LastClose = bar.Close
	}
	return out
}
