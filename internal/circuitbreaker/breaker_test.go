package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func goodQuote(clock *fakeClock) Observation {
	return Observation{
		Payout:     5000,
		LossProb:   0.03,
		Premium:    180,
		HasPremium: true,
		ValidUntil: clock.Now().Add(10 * time.Minute).Unix(),
	}
}

func TestCircuitBreaker_BasicFunctionality(t *testing.T) {
	clock := newClock()
	cb := New(DefaultThresholds()).WithClock(clock.Now)
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit breaker should start closed")

	err := cb.Check(goodQuote(clock))
	assert.NoError(t, err, "Valid quote should pass checks")
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_Thresholds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Observation, *fakeClock)
		reason string
	}{
		{
			name:   "loss probability too high",
			mutate: func(o *Observation, _ *fakeClock) { o.LossProb = 0.9 },
			reason: "loss probability out of range",
		},
		{
			name:   "negative loss probability",
			mutate: func(o *Observation, _ *fakeClock) { o.LossProb = -0.1 },
			reason: "loss probability out of range",
		},
		{
			name:   "premium above payout",
			mutate: func(o *Observation, _ *fakeClock) { o.Premium = 6000 },
			reason: "premium/payout ratio too high",
		},
		{
			name:   "quote about to expire",
			mutate: func(o *Observation, c *fakeClock) { o.ValidUntil = c.Now().Add(5 * time.Second).Unix() },
			reason: "quote validity too short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newClock()
			cb := New(DefaultThresholds()).WithClock(clock.Now)

			obs := goodQuote(clock)
			tt.mutate(&obs, clock)

			err := cb.Check(obs)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrThresholdViolation)
			assert.Contains(t, err.Error(), tt.reason)
			assert.Equal(t, StateOpen, cb.GetState(), "Circuit should be open after trip")

			err = cb.Check(goodQuote(clock))
			assert.ErrorIs(t, err, ErrCircuitOpen, "Open circuit rejects further quotes")
		})
	}
}

func TestCircuitBreaker_AbsentPremiumSkipsRatio(t *testing.T) {
	clock := newClock()
	cb := New(DefaultThresholds()).WithClock(clock.Now)

	obs := goodQuote(clock)
	obs.HasPremium = false
	obs.Premium = 1e12
	assert.NoError(t, cb.Check(obs))
}

func TestCircuitBreaker_ConsecutiveFailures(t *testing.T) {
	clock := newClock()
	th := DefaultThresholds()
	th.MaxConsecutiveFailures = 3
	cb := New(th).WithClock(clock.Now)

	cb.RecordFailure(errors.New("timeout"))
	cb.RecordFailure(errors.New("timeout"))
	assert.Equal(t, StateClosed, cb.GetState())

	require.NoError(t, cb.Check(goodQuote(clock)), "a success resets the failure count")
	cb.RecordFailure(errors.New("timeout"))
	cb.RecordFailure(errors.New("timeout"))
	assert.Equal(t, StateClosed, cb.GetState())

	cb.RecordFailure(errors.New("502"))
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	assert.Equal(t, 3, cb.Status().ConsecutiveFailures)
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	clock := newClock()
	cb := New(DefaultThresholds()).
		WithClock(clock.Now).
		WithResetDelay(time.Minute).
		WithSuccessThreshold(2)

	bad := goodQuote(clock)
	bad.LossProb = 0.99
	require.Error(t, cb.Check(bad))
	assert.Equal(t, StateOpen, cb.GetState())

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "reset delay not yet elapsed")

	clock.Advance(31 * time.Second)
	require.NoError(t, cb.Check(goodQuote(clock)))
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Check(goodQuote(clock)))
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit should close after enough successes")
}

func TestCircuitBreaker_FailureWhileHalfOpen(t *testing.T) {
	clock := newClock()
	cb := New(DefaultThresholds()).WithClock(clock.Now).WithResetDelay(time.Minute)

	bad := goodQuote(clock)
	bad.LossProb = 0.99
	require.Error(t, cb.Check(bad))

	clock.Advance(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.GetState())

	cb.RecordFailure(errors.New("connection refused"))
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_LastGood(t *testing.T) {
	clock := newClock()
	cb := New(DefaultThresholds()).WithClock(clock.Now)

	assert.Nil(t, cb.LastGood(), "LastGood should return nil before any quote")

	require.NoError(t, cb.Check(goodQuote(clock)))
	lastGood := cb.LastGood()
	require.Len(t, lastGood, 1)
	assert.Equal(t, clock.Now(), lastGood[0].ObservedAt)
	assert.Equal(t, 1, cb.Status().AcceptedQuotes)
}

func TestCircuitBreaker_CallbackExecution(t *testing.T) {
	clock := newClock()
	reasons := make(chan string, 1)
	cb := New(DefaultThresholds()).WithClock(clock.Now).WithTripCallback(func(reason string, _ []Observation) {
		reasons <- reason
	})

	bad := goodQuote(clock)
	bad.LossProb = 0.99
	require.Error(t, cb.Check(bad))

	select {
	case reason := <-reasons:
		assert.Contains(t, reason, "loss probability out of range")
	case <-time.After(time.Second):
		t.Fatal("trip callback was not called")
	}
}

func TestCircuitBreaker_ManualReset(t *testing.T) {
	clock := newClock()
	cb := New(DefaultThresholds()).WithClock(clock.Now)

	bad := goodQuote(clock)
	bad.LossProb = 0.99
	require.Error(t, cb.Check(bad))
	assert.Equal(t, "open", cb.Status().State)
	assert.NotEmpty(t, cb.Status().Reason)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit should be closed after manual reset")
	assert.Empty(t, cb.Status().Reason)
	assert.NoError(t, cb.Check(goodQuote(clock)))
}
