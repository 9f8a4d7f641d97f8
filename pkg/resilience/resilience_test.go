package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/errors"
)

var errBoom = errors.New("boom")

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("db", CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Hour,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
	assert.Equal(t, []string{"db:closed->open"}, transitions)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("db", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Now:              clock.now,
	})
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Equal(t, StateOpen, cb.GetState())

	clock.advance(30 * time.Second)
	require.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	clock.advance(30 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := NewCircuitBreaker("db", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Now:              clock.now,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	require.Error(t, cb.Execute(func() error { return errBoom }))
	clock.advance(time.Minute)

	// A second caller is rejected while the probe is running.
	err := cb.Execute(func() error {
		assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->open"}, transitions)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("db", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	err := cb.Execute(func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())

	assert.False(t, IsFailure(nil))
	assert.True(t, IsFailure(context.DeadlineExceeded))
}

func TestRetryStopsOnSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), "op", RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryHonoursRetryable(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), "op", RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(error) bool { return false },
	}, func(context.Context) error {
		attempts++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, attempts)
}

func TestRetryGivesUp(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), "ping pbx1", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func(context.Context) error {
		attempts++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, "op", RetryConfig{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour}, func(context.Context) error {
		attempts++
		cancel()
		return errBoom
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 4 * time.Second}.withDefaults()
	for attempt := 1; attempt <= 70; attempt++ {
		d := cfg.delay(attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestWithTimeout(t *testing.T) {
	v, err := WithTimeout(context.Background(), time.Second, "fast", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = WithTimeout(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
}
