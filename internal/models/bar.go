// Package models defines the value types shared across the engine: bars,
// signals, trades, positions and the error taxonomy.
package models

import (
	"fmt"
	"math"
	"time"
)

// Bar is a single OHLCV interval summary.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Validate checks that the bar's numerics are finite and internally consistent.
func (b Bar) Validate() error {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bar at %s: non-finite price", b.Timestamp.Format(time.RFC3339))
		}
	}
	if b.Low > b.Open || b.Low > b.Close || b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar at %s: OHLC ordering violated (o=%.2f h=%.2f l=%.2f c=%.2f)",
			b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar at %s: negative volume %d", b.Timestamp.Format(time.RFC3339), b.Volume)
	}
	return nil
}

// BarSeries is an ordered sequence of bars with strictly increasing timestamps.
type BarSeries []Bar

// Validate checks every bar and the timestamp ordering of the series.
func (s BarSeries) Validate() error {
	for i, b := range s {
		if err := b.Validate(); err != nil {
			return err
		}
		if i > 0 && !s[i-1].Timestamp.Before(b.Timestamp) {
			return fmt.Errorf("bar series: timestamps not strictly increasing at index %d", i)
		}
	}
	return nil
}

// Closes returns the close prices of the series.
func (s BarSeries) Closes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Close
	}
	return out
}

// Highs returns the high prices of the series.
func (s BarSeries) Highs() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.High
	}
	return out
}

// Lows returns the low prices of the series.
func (s BarSeries) Lows() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Low
	}
	return out
}

// Volumes returns the volumes of the series as floats for indicator math.
func (s BarSeries) Volumes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = float64(b.Volume)
	}
	return out
}

// Last returns the most recent bar, or false when the series is empty.
func (s BarSeries) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}
