package geocode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/locsync/internal/resilience"
)

type stubStrategy struct {
	name   string
	result *Result
	err    error
	calls  int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Geocode(_ context.Context, _ AddressInput) (*Result, error) {
	s.calls++
	return s.result, s.err
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: 2,
		Backoff:     resilience.Backoff{Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond},
	}
}

func TestChain_FirstMatchWins(t *testing.T) {
	census := &stubStrategy{name: "census", result: &Result{Matched: true, Source: "census", Latitude: 1, Longitude: 2}}
	google := &stubStrategy{name: "google", result: &Result{Matched: true, Source: "google"}}

	out, err := NewChain([]Strategy{census, google}, WithRetry(fastRetry())).Geocode(context.Background(), AddressInput{Street: "x"})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, "census", out.Result.Source)
	assert.Equal(t, 0, google.calls)
	assert.Equal(t, []Attempt{{Strategy: "census", Matched: true}}, out.Attempts)
}

func TestChain_FallsThroughMissesAndErrors(t *testing.T) {
	census := &stubStrategy{name: "census", result: &Result{Matched: false, Source: "census"}}
	google := &stubStrategy{name: "google", err: resilience.NewTransientError(errors.New("timeout"), 503)}
	def := NewDefault(39.8283, -98.5795, 0)

	out, err := NewChain([]Strategy{census, google, nil, def}, WithRetry(fastRetry())).Geocode(context.Background(), AddressInput{Street: "x"})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, "default", out.Result.Source)
	assert.Equal(t, 2, google.calls, "transient errors are retried in-call")
	require.Len(t, out.Attempts, 3)
	assert.False(t, out.Attempts[0].Matched)
	assert.NotEmpty(t, out.Attempts[1].Error)
	assert.True(t, out.Attempts[2].Matched)
}

func TestChain_PermanentErrorNotRetried(t *testing.T) {
	google := &stubStrategy{name: "google", err: resilience.NewPermanentError(errors.New("denied"))}
	out, err := NewChain([]Strategy{google}, WithRetry(fastRetry())).Geocode(context.Background(), AddressInput{})
	require.NoError(t, err)
	assert.Nil(t, out.Result)
	assert.Equal(t, 1, google.calls)
}

func TestChain_OpenBreakerSkipsStrategy(t *testing.T) {
	sb := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	failing := &stubStrategy{name: "census", err: errors.New("connection refused")}
	chain := NewChain([]Strategy{failing}, WithBreakers(sb), WithRetry(resilience.RetryConfig{MaxAttempts: 1}))

	_, err := chain.Geocode(context.Background(), AddressInput{})
	require.NoError(t, err)
	assert.Equal(t, resilience.CircuitOpen, sb.Get("geocode:census").State())

	out, err := chain.Geocode(context.Background(), AddressInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, failing.calls)
	assert.Contains(t, out.Attempts[0].Error, "circuit breaker is open")
}

func TestChain_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewChain([]Strategy{NewDefault(0, 0, 0)}).Geocode(ctx, AddressInput{})
	assert.Error(t, err)
}

func TestChain_Strategies(t *testing.T) {
	c := NewChain([]Strategy{NewCensus(), NewGoogle(""), NewDefault(0, 0, 0)})
	assert.Equal(t, []string{"census", "google", "default"}, c.Strategies())
}
