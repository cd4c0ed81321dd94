// Package premium estimates the minimum premium a risk module would accept for a policy.
//
// The computation is a pure function of its inputs. The current time is passed in by
// the caller so that results are reproducible.
package premium

import (
	"errors"
	"fmt"
	"math"

	"github.com/yourorg/ensuro-policy-ea/internal/riskmodule"
)

// SecondsPerYear is the 365-day year used for cost of capital.
const SecondsPerYear = 3600 * 24 * 365

var (
	ErrNegativePremium = errors.New("computed minimum premium is negative")
	ErrNonFiniteInput  = errors.New("premium inputs must be finite")
)

// Breakdown is the result of a premium computation.
type Breakdown struct {
	MinimumPremium   float64 `json:"minimumPremium"`
	PurePremium      float64 `json:"purePremium"`
	EnsuroCommission float64 `json:"ensuroCommission"`
	JrCoc            float64 `json:"jrCoc"`
	SrCoc            float64 `json:"srCoc"`
	JrScr            float64 `json:"jrScr"`
	SrScr            float64 `json:"srScr"`
}

// NegativePremiumError carries the full breakdown of a computation that ended below
// zero, so the caller can show how it got there.
type NegativePremiumError struct {
	Breakdown Breakdown
}

func (e *NegativePremiumError) Error() string {
	return fmt.Sprintf("%s: %g", ErrNegativePremium, e.Breakdown.MinimumPremium)
}

func (e *NegativePremiumError) Unwrap() error { return ErrNegativePremium }

// Compute returns the premium breakdown for a policy expiring at expiration (unix
// seconds) when evaluated at now. An expiration at or before now yields non-positive
// cost of capital; rejecting expired policies is the caller's job. A negative minimum
// premium is returned as a *NegativePremiumError, never clamped.
func Compute(params riskmodule.Params, payout, lossProb float64, expiration, now int64) (Breakdown, error) {
	if !finite(payout) || !finite(lossProb) {
		return Breakdown{}, fmt.Errorf("%w: payout=%v lossProb=%v", ErrNonFiniteInput, payout, lossProb)
	}

	purePremium := payout * lossProb * params.Moc
	jrScr := math.Max(payout*params.JrCollRatio-purePremium, 0)
	srScr := math.Max(payout*params.CollRatio-purePremium-jrScr, 0)
	yearsToExp := float64(expiration-now) / SecondsPerYear
	jrCoc := yearsToExp * params.JrRoc * jrScr
	srCoc := yearsToExp * params.SrRoc * srScr
	ensuroCommission := purePremium*params.EnsuroPpFee + (jrCoc+srCoc)*params.EnsuroCocFee

	b := Breakdown{
		MinimumPremium:   purePremium + jrCoc + srCoc + ensuroCommission,
		PurePremium:      purePremium,
		EnsuroCommission: ensuroCommission,
		JrCoc:            jrCoc,
		SrCoc:            srCoc,
		JrScr:            jrScr,
		SrScr:            srScr,
	}
	if b.MinimumPremium < 0 {
		return b, &NegativePremiumError{Breakdown: b}
	}
	return b, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
