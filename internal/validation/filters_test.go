package validation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/ensuro-policy-ea/internal/riskmodule"
)

var now = time.Unix(1700000000, 0)

func days(n int) int64 { return now.Add(time.Duration(n) * 24 * time.Hour).Unix() }

func testOptions() ValidationOptions {
	return OptionsFromParams(riskmodule.Params{MaxPayoutPerPolicy: 10000, MaxDuration: 24 * 90}, now)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		candidate Candidate
		reason    string
	}{
		{name: "valid", candidate: Candidate{Payout: 5000, LossProb: 0.03, Expiration: days(30)}},
		{name: "zero payout", candidate: Candidate{Payout: 0, LossProb: 0.03, Expiration: days(30)}, reason: "payout must be positive"},
		{name: "payout above max", candidate: Candidate{Payout: 20000, LossProb: 0.03, Expiration: days(30)}, reason: "exceeds max payout"},
		{name: "loss probability zero", candidate: Candidate{Payout: 100, LossProb: 0, Expiration: days(30)}, reason: "loss probability"},
		{name: "loss probability above one", candidate: Candidate{Payout: 100, LossProb: 3, Expiration: days(30)}, reason: "loss probability"},
		{name: "expired", candidate: Candidate{Payout: 100, LossProb: 0.1, Expiration: now.Unix() - 1}, reason: "already expired"},
		{name: "too short", candidate: Candidate{Payout: 100, LossProb: 0.1, Expiration: now.Unix() + 10}, reason: "shorter than"},
		{name: "too long", candidate: Candidate{Payout: 100, LossProb: 0.1, Expiration: days(91)}, reason: "exceeds max duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.candidate, testOptions())
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestOptionsFromParams_Unbounded(t *testing.T) {
	opts := OptionsFromParams(riskmodule.Params{}, now)
	assert.NoError(t, Validate(Candidate{Payout: 1e12, LossProb: 1, Expiration: days(3650)}, opts))
}

func TestFilterInvalid_KeepsOrder(t *testing.T) {
	candidates := []Candidate{
		{Ref: "a", Payout: 100, LossProb: 0.1, Expiration: days(10)},
		{Ref: "b", Payout: -1, LossProb: 0.1, Expiration: days(10)},
		{Ref: "c", Payout: 200, LossProb: 0.2, Expiration: days(20)},
	}

	valid, rejected := FilterInvalid(candidates, testOptions())
	require.Len(t, valid, 2)
	assert.Equal(t, "a", valid[0].Ref)
	assert.Equal(t, "c", valid[1].Ref)
	require.Len(t, rejected, 1)
	assert.Equal(t, "b", rejected[0].Candidate.Ref)
	assert.Equal(t, "payout must be positive", rejected[0].Reason)
}

func TestFilterOutliers(t *testing.T) {
	tests := []struct {
		name  string
		probs []float64
		want  int
	}{
		{name: "no outliers", probs: []float64{0.03, 0.031, 0.029, 0.032}, want: 4},
		{name: "unit mistake", probs: []float64{0.03, 0.031, 0.029, 0.032, 0.3}, want: 4},
		{name: "too few for outlier detection", probs: []float64{0.03, 0.3}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var candidates []Candidate
			for i, p := range tt.probs {
				candidates = append(candidates, Candidate{Ref: fmt.Sprint(i), Payout: 100, LossProb: p, Expiration: days(10)})
			}
			opts := testOptions()
			opts.EnableOutlierDetection = true

			valid, rejected := FilterInvalid(candidates, opts)
			assert.Len(t, valid, tt.want)
			assert.Len(t, rejected, len(tt.probs)-tt.want)
		})
	}
}

func TestFilterInvalidConcurrently(t *testing.T) {
	var candidates []Candidate
	for i := 0; i < 200; i++ {
		candidates = append(candidates, Candidate{
			Ref:        fmt.Sprintf("ok-%d", i),
			Payout:     100 + float64(i),
			LossProb:   0.01 + float64(i%10)*0.001,
			Expiration: days(1 + i%60),
		})
	}
	for i := 0; i < 50; i++ {
		c := Candidate{Ref: fmt.Sprintf("bad-%d", i), Payout: 100, LossProb: 0.05, Expiration: days(10)}
		switch i % 3 {
		case 0:
			c.Payout = 0
		case 1:
			c.LossProb = 1.5
		case 2:
			c.Expiration = now.Unix() - 60
		}
		candidates = append(candidates, c)
	}

	concurrent, rejectedConcurrent := FilterInvalidConcurrently(candidates, testOptions())
	sequential, rejectedSequential := FilterInvalid(candidates, testOptions())

	assert.Len(t, concurrent, 200)
	assert.Len(t, rejectedConcurrent, 50)
	assert.Equal(t, sequential, concurrent, "concurrent filtering keeps input order")
	assert.Equal(t, rejectedSequential, rejectedConcurrent)
}
