// Package riskmodule maps the fixed-point parameters a risk module stores on-chain into
// the human-scale values used for off-chain premium estimation.
package riskmodule

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/yourorg/ensuro-policy-ea/internal/fixedpoint"
)

const (
	// RatioDigits is the number of fractional digits kept when mapping a ratio.
	// Mapped ratios are an estimation aid only and never flow back on-chain.
	RatioDigits = 4

	// AmountDigits is the number of fractional digits kept when mapping an amount bound.
	AmountDigits = 2
)

var ErrUnsupportedRatioScale = errors.New("ratios must be wad or ray scaled")

// RawParams is what the ledger returns: ratios in RatioScale units, amount bounds in
// the deployment's Amount units and the duration bound in hours.
type RawParams struct {
	RatioScale fixedpoint.Scale

	Moc          uint256.Int
	JrCollRatio  uint256.Int
	CollRatio    uint256.Int
	EnsuroPpFee  uint256.Int
	EnsuroCocFee uint256.Int
	JrRoc        uint256.Int
	SrRoc        uint256.Int

	MaxPayoutPerPolicy uint256.Int
	ExposureLimit      uint256.Int
	MaxDuration        uint64
}

// Params holds the mapped risk module parameters. It is immutable for the duration
// of a premium computation and can be loaded from, or written to, a JSON file.
type Params struct {
	// Moc is the margin of conservatism applied to the expected loss.
	Moc float64 `json:"moc"`

	// JrCollRatio and CollRatio are the junior and total collateralization ratios.
	JrCollRatio float64 `json:"jrCollRatio"`
	CollRatio   float64 `json:"collRatio"`

	// EnsuroPpFee is charged on the pure premium, EnsuroCocFee on the cost of capital.
	EnsuroPpFee  float64 `json:"ensuroPpFee"`
	EnsuroCocFee float64 `json:"ensuroCocFee"`

	// JrRoc and SrRoc are the annual returns on junior and senior capital.
	JrRoc float64 `json:"jrRoc"`
	SrRoc float64 `json:"srRoc"`

	MaxPayoutPerPolicy float64 `json:"maxPayoutPerPolicy"`
	ExposureLimit      float64 `json:"exposureLimit"`

	// MaxDuration is the longest policy the module accepts, in hours.
	MaxDuration uint64 `json:"maxDuration"`
}

// MapParams converts raw to human scale. Ratios keep RatioDigits fractional digits and
// amounts AmountDigits, both truncated.
func MapParams(raw RawParams, set fixedpoint.Set) (Params, error) {
	if raw.RatioScale != fixedpoint.ScaleWad && raw.RatioScale != fixedpoint.ScaleRay {
		return Params{}, fmt.Errorf("%w: got %s", ErrUnsupportedRatioScale, raw.RatioScale)
	}
	ratio := set.For(raw.RatioScale)
	amount := set.Amount
	if ratio == nil || amount == nil {
		return Params{}, fmt.Errorf("converter set is incomplete")
	}

	r := func(n *uint256.Int) float64 { return ratio.ToFloat(n, RatioDigits) }
	a := func(n *uint256.Int) float64 { return amount.ToFloat(n, AmountDigits) }

	return Params{
		Moc:                r(&raw.Moc),
		JrCollRatio:        r(&raw.JrCollRatio),
		CollRatio:          r(&raw.CollRatio),
		EnsuroPpFee:        r(&raw.EnsuroPpFee),
		EnsuroCocFee:       r(&raw.EnsuroCocFee),
		JrRoc:              r(&raw.JrRoc),
		SrRoc:              r(&raw.SrRoc),
		MaxPayoutPerPolicy: a(&raw.MaxPayoutPerPolicy),
		ExposureLimit:      a(&raw.ExposureLimit),
		MaxDuration:        raw.MaxDuration,
	}, nil
}
