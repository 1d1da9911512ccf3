package scheduler

import (
	"time"

	"github.com/niranjank/dalalbot/internal/util"
)

// SessionState classifies an instant against exchange hours.
type SessionState string

const (
	SessionClosed     SessionState = "closed"
	SessionPreOpen    SessionState = "pre_open"
	SessionOpen       SessionState = "open"
	SessionClosing    SessionState = "closing"
	SessionAfterClose SessionState = "after_close"
)

// Market hours in minutes since midnight IST.
const (
	preOpenMinute = 9 * 60      // 09:00
	openMinute    = 9*60 + 15   // 09:15
	closeMinute   = 15*60 + 30  // 15:30
	closingMins   = 20          // entries suppressed in the last 20 minutes
	afterCloseMin = 60          // one-shot unwind window after the bell
)

// Calendar maps wall-clock instants to market sessions. Weekends are built
// in; exchange holidays come from the injected predicate.
type Calendar struct {
	IsHoliday func(t time.Time) bool
}

func (c Calendar) holiday(t time.Time) bool {
	return c.IsHoliday != nil && c.IsHoliday(t)
}

// SessionAt returns the session state at t.
func (c Calendar) SessionAt(t time.Time) SessionState {
	t = t.In(util.IST())
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionClosed
	}
	if c.holiday(t) {
		return SessionClosed
	}

	m := t.Hour()*60 + t.Minute()
	switch {
	case m < preOpenMinute:
		return SessionClosed
	case m < openMinute:
		return SessionPreOpen
	case m < closeMinute-closingMins:
		return SessionOpen
	case m < closeMinute:
		return SessionClosing
	case m < closeMinute+afterCloseMin:
		return SessionAfterClose
	default:
		return SessionClosed
	}
}

// TimeToClose returns the duration until the closing bell; negative after it.
func (c Calendar) TimeToClose(t time.Time) time.Duration {
	t = t.In(util.IST())
	bell := time.Date(t.Year(), t.Month(), t.Day(), closeMinute/60, closeMinute%60, 0, 0, util.IST())
	return bell.Sub(t)
}
