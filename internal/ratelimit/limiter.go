// Package ratelimit enforces request pacing and failure isolation for every
// external call the engine makes.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter with two coupled windows: a
// per-second bucket and a per-minute bucket. A request is admitted only when
// both windows have room.
type Limiter struct {
	mu        sync.Mutex
	perSecond int
	perMinute int
	second    []time.Time
	minute    []time.Time
	now       func() time.Time
}

// NewLimiter creates a limiter admitting at most perSecond requests per second
// and perMinute per minute.
func NewLimiter(perSecond, perMinute int) *Limiter {
	if perSecond <= 0 {
		perSecond = 3
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Limiter{
		perSecond: perSecond,
		perMinute: perMinute,
		second:    make([]time.Time, 0, perSecond),
		minute:    make([]time.Time, 0, perMinute),
		now:       time.Now,
	}
}

// Reserve attempts to take a slot without blocking. When both windows admit
// the request it records the timestamp and returns (true, 0). Otherwise it
// returns false and the duration after which the earliest slot frees up.
func (l *Limiter) Reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.second = dropOlder(l.second, now.Add(-time.Second))
	l.minute = dropOlder(l.minute, now.Add(-time.Minute))

	if len(l.second) < l.perSecond && len(l.minute) < l.perMinute {
		l.second = append(l.second, now)
		l.minute = append(l.minute, now)
		return true, 0
	}

	// Wake when the binding window releases its oldest stamp.
	var wait time.Duration
	if len(l.second) >= l.perSecond {
		wait = l.second[0].Add(time.Second).Sub(now)
	}
	if len(l.minute) >= l.perMinute {
		if w := l.minute[0].Add(time.Minute).Sub(now); w > wait {
			wait = w
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

// Acquire blocks until a slot is available or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		ok, wait := l.Reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func dropOlder(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
