package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niranjank/dalalbot/internal/models"
)

func newTestGuard(t *testing.T, threshold uint32, reset time.Duration) *Guard {
	t.Helper()
	return NewGuard("test", nil, BreakerSettings{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
	}, zerolog.Nop())
}

func TestGuard_TripsAfterConsecutiveFailures(t *testing.T) {
	g := newTestGuard(t, 3, time.Minute)
	ctx := context.Background()
	boom := errors.New("upstream down")

	for i := 0; i < 3; i++ {
		_, err := g.Do(ctx, func() (any, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, gobreaker.StateOpen, g.State())

	called := false
	_, err := g.Do(ctx, func() (any, error) { called = true; return nil, nil })
	var openErr *models.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.False(t, called, "open circuit must not touch the upstream")
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, openErr.RetryAfter, time.Minute)
}

func TestGuard_SuccessResetsFailureCount(t *testing.T) {
	g := newTestGuard(t, 3, time.Minute)
	ctx := context.Background()
	boom := errors.New("transient")

	for i := 0; i < 2; i++ {
		_, _ = g.Do(ctx, func() (any, error) { return nil, boom })
	}
	_, err := g.Do(ctx, func() (any, error) { return "ok", nil })
	require.NoError(t, err)

	// Two more failures should not trip: the success reset the streak.
	for i := 0; i < 2; i++ {
		_, _ = g.Do(ctx, func() (any, error) { return nil, boom })
	}
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestGuard_HalfOpenRecovery(t *testing.T) {
	g := newTestGuard(t, 1, 30*time.Millisecond)
	ctx := context.Background()

	_, _ = g.Do(ctx, func() (any, error) { return nil, errors.New("down") })
	require.Equal(t, gobreaker.StateOpen, g.State())

	time.Sleep(50 * time.Millisecond)

	// Probe succeeds, circuit closes.
	v, err := Call(ctx, g, func() (string, error) { return "alive", nil })
	require.NoError(t, err)
	assert.Equal(t, "alive", v)
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestGuard_HalfOpenAdmitsOneCall(t *testing.T) {
	g := newTestGuard(t, 1, 20*time.Millisecond)
	ctx := context.Background()

	_, _ = g.Do(ctx, func() (any, error) { return nil, errors.New("down") })
	require.Equal(t, gobreaker.StateOpen, g.State())

	time.Sleep(40 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := g.Do(ctx, func() (any, error) {
			close(started)
			<-release
			return "ok", nil
		})
		done <- err
	}()
	<-started

	// The half-open slot is taken; the concurrent caller must get the same
	// typed fail-fast error as a fully open circuit.
	_, err := g.Do(ctx, func() (any, error) { return "second", nil })
	var openErr *models.CircuitOpenError
	require.ErrorAs(t, err, &openErr)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestCall_TypedResult(t *testing.T) {
	g := newTestGuard(t, 5, time.Minute)
	v, err := Call(context.Background(), g, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
