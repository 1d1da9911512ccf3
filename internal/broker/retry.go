package broker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/niranjank/dalalbot/internal/models"
)

// backoffLadder is the shared delay schedule for retries and status polls.
var backoffLadder = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// RetryPolicy retries transient failures with exponential backoff and jitter.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
	// JitterFrac perturbs each delay by ±frac (0 disables jitter).
	JitterFrac float64

	sleep func(context.Context, time.Duration) error
}

// DefaultRetryPolicy matches the broker API tolerances.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Delays:      backoffLadder,
		JitterFrac:  0.2,
	}
}

// IsTransient reports whether an error is worth retrying. Open circuits and
// broker-level rejections are permanent; everything else (network hiccups,
// upstream 5xx) is retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var circuitOpen *models.CircuitOpenError
	var orderErr *models.OrderError
	var execErr *models.ExecutionError
	switch {
	case errors.As(err, &circuitOpen),
		errors.As(err, &orderErr),
		errors.As(err, &execErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Do runs fn up to MaxAttempts times, backing off between failures.
func (p RetryPolicy) Do(ctx context.Context, op string, logger zerolog.Logger, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		delay := p.delay(attempt)
		logger.Warn().
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Err(err).
			Msg("transient failure, retrying")
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return time.Second
	}
	if attempt >= len(p.Delays) {
		attempt = len(p.Delays) - 1
	}
	d := p.Delays[attempt]
	if p.JitterFrac > 0 {
		spread := float64(d) * p.JitterFrac
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
