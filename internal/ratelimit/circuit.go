package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/niranjank/dalalbot/internal/models"
)

// BreakerSettings configures the circuit breaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// circuit.
	FailureThreshold uint32
	// ResetTimeout is how long the circuit stays open before a half-open probe.
	ResetTimeout time.Duration
}

// DefaultBreakerSettings match the broker API tolerances.
var DefaultBreakerSettings = BreakerSettings{
	FailureThreshold: 5,
	ResetTimeout:     60 * time.Second,
}

// Guard combines the sliding-window limiter with a circuit breaker. Every
// external call goes through Do: the limiter paces it, the breaker isolates a
// failing upstream, and an open circuit fails fast with CircuitOpenError.
type Guard struct {
	limiter *Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	mu       sync.Mutex
	openedAt time.Time
	timeout  time.Duration
}

// NewGuard builds a Guard from the limiter and breaker settings.
func NewGuard(name string, limiter *Limiter, settings BreakerSettings, logger zerolog.Logger) *Guard {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultBreakerSettings.FailureThreshold
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = DefaultBreakerSettings.ResetTimeout
	}

	g := &Guard{
		limiter: limiter,
		logger:  logger,
		timeout: settings.ResetTimeout,
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: settings.ResetTimeout,
		// Half-open admits a single probe; success closes, failure reopens.
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				g.mu.Lock()
				g.openedAt = time.Now()
				g.mu.Unlock()
			}
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit state change")
		},
	})
	return g
}

// State returns the current breaker state.
func (g *Guard) State() gobreaker.State {
	return g.breaker.State()
}

// retryAfter reports how long until the open circuit transitions to half-open.
func (g *Guard) retryAfter() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openedAt.IsZero() {
		return g.timeout
	}
	remaining := g.timeout - time.Since(g.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Do paces fn through the limiter and executes it under the breaker.
// While the circuit is open it fails fast without touching the upstream.
func (g *Guard) Do(ctx context.Context, fn func() (any, error)) (any, error) {
	// Fail fast before consuming a rate-limit token.
	if g.breaker.State() == gobreaker.StateOpen {
		return nil, &models.CircuitOpenError{RetryAfter: g.retryAfter()}
	}
	if g.limiter != nil {
		if err := g.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
	}
	res, err := g.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &models.CircuitOpenError{RetryAfter: g.retryAfter()}
		}
		return nil, err
	}
	return res, nil
}

// Call is a typed convenience wrapper over Do.
func Call[T any](ctx context.Context, g *Guard, fn func() (T, error)) (T, error) {
	var zero T
	res, err := g.Do(ctx, func() (any, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("ratelimit: type assertion failed")
	}
	return v, nil
}
