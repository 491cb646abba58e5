package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(_ context.Context) error { return errors.New("fail") }
func passing(_ context.Context) error { return nil }

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []string
	cb := NewCircuitBreaker("census", CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	cb.nowFunc = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), failing)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), passing)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Execute(context.Background(), passing))
	assert.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, []string{
		"census:closed->open",
		"census:open->half-open",
		"census:half-open->closed",
	}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("google", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), failing)
	now = now.Add(2 * time.Second)
	_ = cb.Execute(context.Background(), failing)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_QuotaDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("anthropic", CircuitBreakerConfig{FailureThreshold: 1})
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return NewQuotaError(errors.New("429"), 0)
	})
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker("x", DefaultCircuitBreakerConfig())
	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestServiceBreakers(t *testing.T) {
	sb := NewServiceBreakers(DefaultCircuitBreakerConfig())
	a := sb.Get("census")
	assert.Same(t, a, sb.Get("census"))
	sb.Get("google")
	assert.Equal(t, map[string]CircuitState{"census": CircuitClosed, "google": CircuitClosed}, sb.States())
}
