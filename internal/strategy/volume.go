package strategy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/niranjank/dalalbot/internal/models"
)

// VolumeBreakout signals when the latest bar's volume spikes above its rolling
// mean while price moves decisively. The direction follows the price move.
type VolumeBreakout struct {
	window     int
	multiplier float64
	minMove    float64 // fraction of previous close
}

// NewVolumeBreakout builds the volume-breakout strategy.
func NewVolumeBreakout(window int, multiplier, minMove float64) *VolumeBreakout {
	if window <= 0 {
		window = 20
	}
	if multiplier <= 1 {
		multiplier = 2.0
	}
	if minMove <= 0 {
		minMove = 0.002
	}
	return &VolumeBreakout{window: window, multiplier: multiplier, minMove: minMove}
}

// Name implements Strategy.
func (s *VolumeBreakout) Name() string { return "volume_breakout" }

// Evaluate implements Strategy.
func (s *VolumeBreakout) Evaluate(bars models.BarSeries, symbol string) models.Signal {
	if len(bars) < s.window {
		return models.Hold("insufficient bars for volume breakout")
	}

	vols := bars.Volumes()
	n := len(vols)
	// Baseline excludes the bar being judged.
	baseline := stat.Mean(vols[n-s.window:n-1], nil)
	if baseline <= 0 {
		return models.Hold("no volume baseline")
	}

	latest := bars[n-1]
	prev := bars[n-2]
	if prev.Close <= 0 {
		return models.Hold("invalid previous close")
	}
	move := (latest.Close - prev.Close) / prev.Close
	ratio := float64(latest.Volume) / baseline

	if ratio < s.multiplier || math.Abs(move) < s.minMove {
		return models.Hold("no volume breakout")
	}

	strength := clamp01(0.4 + (ratio-s.multiplier)/s.multiplier*0.4 + math.Abs(move)*20)
	dir := models.DirectionBuy
	if move < 0 {
		dir = models.DirectionSell
	}
	return models.Signal{
		Direction: dir,
		Strength:  strength,
		Reason:    fmt.Sprintf("volume %.1fx baseline with %.2f%% move", ratio, move*100),
	}
}
