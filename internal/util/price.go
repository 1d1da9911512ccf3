// Package util provides price, lot and market-time helpers shared across the engine.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Floor(x/tick) * tick
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Ceil(x/tick) * tick
}

// FloorToLot rounds a quantity down to a multiple of the lot size.
// A lot size of zero or less leaves the quantity unchanged.
func FloorToLot(qty, lot int) int {
	if lot <= 0 {
		return qty
	}
	return (qty / lot) * lot
}

// RoundToStrike rounds a price to the nearest strike step.
func RoundToStrike(price, step float64) float64 {
	if step <= 0 {
		return price
	}
	return math.Round(price/step) * step
}
