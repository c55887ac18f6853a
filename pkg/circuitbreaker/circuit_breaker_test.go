package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures, maxProbes int, cooldown time.Duration) (*Breaker, *clock) {
	clk := &clock{t: time.Unix(1000, 0)}
	b := New("test", maxFailures, maxProbes, cooldown, nil)
	b.now = clk.now
	return b, clk
}

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsOpenError(err))
	assert.False(t, called)
	assert.Equal(t, "circuit breaker 'test' is OPEN", err.Error())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, 1, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Stats().Failures)
	assert.Equal(t, 3, b.Stats().Requests)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(1, 2, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	clk.advance(time.Minute)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(1, 2, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clk.advance(time.Minute)

	assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, IsOpenError(b.Execute(ctx, succeed)))
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	b, clk := newTestBreaker(1, 1, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clk.advance(time.Minute)

	release := make(chan struct{})
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.True(t, IsOpenError(b.Execute(ctx, succeed)))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailurePredicate(t *testing.T) {
	b, _ := newTestBreaker(1, 1, time.Minute)
	b.WithFailurePredicate(func(err error) bool { return !errors.Is(err, context.Canceled) })
	ctx := context.Background()

	err := b.Execute(ctx, func(context.Context) error { return fmt.Errorf("request: %w", context.Canceled) })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())

	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
