package util

import "time"

// ist is the exchange timezone. Loaded once at init; falls back to a fixed
// UTC+05:30 zone on minimal containers without tzdata.
var ist *time.Location

func init() {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	ist = loc
}

// IST returns the exchange timezone (UTC+05:30).
func IST() *time.Location {
	return ist
}

// NowIST returns the current wall-clock time in the exchange timezone.
func NowIST() time.Time {
	return time.Now().In(ist)
}

// TradingDay formats t as the exchange calendar day (YYYY-MM-DD in IST).
func TradingDay(t time.Time) string {
	return t.In(ist).Format("2006-01-02")
}
