// Package fno composes multi-leg index option structures: regime-driven
// strategy selection, contract construction, correlation gating and atomic
// leg execution.
package fno

import (
	"sort"
	"time"

	"github.com/niranjank/dalalbot/internal/models"
)

// IndexCharacteristics is the static profile of a tradable index.
type IndexCharacteristics struct {
	Symbol       string          `json:"symbol"`
	Exchange     models.Exchange `json:"exchange"`
	LotSize      int             `json:"lot_size"`
	StrikeStep   float64         `json:"strike_step"`
	AvgDailyMove float64         `json:"avg_daily_move"`
	// ExpiryWeekday is the weekly expiry day for this index's options.
	ExpiryWeekday time.Weekday `json:"expiry_weekday"`
	// Priority ranks scan order; lower scans first so scarce capital goes to
	// the most suitable index.
	Priority int `json:"priority"`
}

// DefaultIndices seeds the six NSE/BSE index option underlyings.
func DefaultIndices() []IndexCharacteristics {
	return []IndexCharacteristics{
		{Symbol: "NIFTY", Exchange: models.ExchangeNFO, LotSize: 75, StrikeStep: 50, AvgDailyMove: 150, ExpiryWeekday: time.Thursday, Priority: 1},
		{Symbol: "BANKNIFTY", Exchange: models.ExchangeNFO, LotSize: 30, StrikeStep: 100, AvgDailyMove: 400, ExpiryWeekday: time.Thursday, Priority: 2},
		{Symbol: "FINNIFTY", Exchange: models.ExchangeNFO, LotSize: 65, StrikeStep: 50, AvgDailyMove: 200, ExpiryWeekday: time.Thursday, Priority: 3},
		{Symbol: "MIDCPNIFTY", Exchange: models.ExchangeNFO, LotSize: 120, StrikeStep: 25, AvgDailyMove: 120, ExpiryWeekday: time.Thursday, Priority: 4},
		{Symbol: "SENSEX", Exchange: models.ExchangeBFO, LotSize: 20, StrikeStep: 100, AvgDailyMove: 500, ExpiryWeekday: time.Tuesday, Priority: 5},
		{Symbol: "BANKEX", Exchange: models.ExchangeBFO, LotSize: 30, StrikeStep: 100, AvgDailyMove: 450, ExpiryWeekday: time.Tuesday, Priority: 6},
	}
}

// ByPriority returns the indices sorted low rank first.
func ByPriority(indices []IndexCharacteristics) []IndexCharacteristics {
	out := append([]IndexCharacteristics(nil), indices...)
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// nextWeeklyExpiry returns the nearest weekly expiry at least minDays away,
// otherwise the following week's.
func nextWeeklyExpiry(now time.Time, weekday time.Weekday, minDays int) time.Time {
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	daysAhead := (int(weekday) - int(date.Weekday()) + 7) % 7
	expiry := date.AddDate(0, 0, daysAhead)
	if daysAhead < minDays {
		expiry = expiry.AddDate(0, 0, 7)
	}
	return expiry
}
