// Package validation screens policy candidates before pricing or issuance.
package validation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/ensuro-policy-ea/internal/riskmodule"
)

var ErrInvalidPolicy = errors.New("invalid policy candidate")

// Candidate is a policy to be priced. Expiration is an absolute unix timestamp.
type Candidate struct {
	Ref        string  `json:"ref,omitempty"`
	Payout     float64 `json:"payout"`
	LossProb   float64 `json:"lossProb"`
	Expiration int64   `json:"expiration"`
}

// Rejection pairs a candidate with the reason it was filtered.
type Rejection struct {
	Candidate Candidate `json:"candidate"`
	Reason    string    `json:"reason"`
}

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// Now is the reference time for expiration checks
	Now time.Time

	// MaxPayout caps the payout of a single policy. Zero means no cap.
	MaxPayout float64

	// MaxDuration caps the time between Now and expiration. Zero means no cap.
	MaxDuration time.Duration

	// MinDuration is the shortest acceptable policy
	MinDuration time.Duration

	// EnableOutlierDetection rejects candidates whose loss probability is far from the
	// rest of the batch, usually a unit mistake (3 instead of 0.03)
	EnableOutlierDetection bool

	// OutlierIQRMultiplier defines sensitivity for outlier detection (1.5 is standard)
	OutlierIQRMultiplier float64
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		Now:                    time.Now(),
		MinDuration:            time.Minute,
		EnableOutlierDetection: false,
		OutlierIQRMultiplier:   1.5,
	}
}

// OptionsFromParams applies the risk module bounds to the defaults.
func OptionsFromParams(p riskmodule.Params, now time.Time) ValidationOptions {
	opts := DefaultValidationOptions()
	opts.Now = now
	opts.MaxPayout = p.MaxPayoutPerPolicy
	opts.MaxDuration = time.Duration(p.MaxDuration) * time.Hour
	return opts
}

// Validate checks a single candidate.
func Validate(c Candidate, opts ValidationOptions) error {
	if reason := invalidReason(c, opts); reason != "" {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, reason)
	}
	return nil
}

// FilterInvalid splits candidates into valid ones and rejections, keeping input order.
func FilterInvalid(candidates []Candidate, opts ValidationOptions) ([]Candidate, []Rejection) {
	reasons := make([]string, len(candidates))
	for i, c := range candidates {
		reasons[i] = invalidReason(c, opts)
	}
	return finish(candidates, reasons, opts)
}

// FilterInvalidConcurrently performs validation in parallel for large batches.
func FilterInvalidConcurrently(candidates []Candidate, opts ValidationOptions) ([]Candidate, []Rejection) {
	if len(candidates) < 100 {
		// For small batches, parallel processing overhead isn't worth it
		return FilterInvalid(candidates, opts)
	}

	workerCount := 4
	chunkSize := (len(candidates) + workerCount - 1) / workerCount
	reasons := make([]string, len(candidates))
	var wg sync.WaitGroup

	for i := 0; i < workerCount; i++ {
		start := i * chunkSize
		if start >= len(candidates) {
			break
		}
		end := start + chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			// each worker owns reasons[start:end]
			for j := start; j < end; j++ {
				reasons[j] = invalidReason(candidates[j], opts)
			}
		}(start, end)
	}
	wg.Wait()

	return finish(candidates, reasons, opts)
}

func finish(candidates []Candidate, reasons []string, opts ValidationOptions) ([]Candidate, []Rejection) {
	valid := make([]Candidate, 0, len(candidates))
	var rejected []Rejection
	for i, c := range candidates {
		if reasons[i] == "" {
			valid = append(valid, c)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"ref":    c.Ref,
			"reason": reasons[i],
		}).Debug("Filtered invalid policy candidate")
		rejected = append(rejected, Rejection{Candidate: c, Reason: reasons[i]})
	}

	if opts.EnableOutlierDetection && len(valid) > 3 {
		var outliers []Rejection
		valid, outliers = filterOutliers(valid, opts.OutlierIQRMultiplier)
		rejected = append(rejected, outliers...)
	}
	return valid, rejected
}

func invalidReason(c Candidate, opts ValidationOptions) string {
	switch {
	case math.IsNaN(c.Payout) || c.Payout <= 0:
		return "payout must be positive"
	case opts.MaxPayout > 0 && c.Payout > opts.MaxPayout:
		return fmt.Sprintf("payout %.2f exceeds max payout per policy %.2f", c.Payout, opts.MaxPayout)
	case math.IsNaN(c.LossProb) || c.LossProb <= 0 || c.LossProb > 1:
		return "loss probability must be in (0, 1]"
	}

	duration := time.Unix(c.Expiration, 0).Sub(opts.Now)
	switch {
	case duration <= 0:
		return "policy is already expired"
	case duration < opts.MinDuration:
		return fmt.Sprintf("duration %s is shorter than %s", duration, opts.MinDuration)
	case opts.MaxDuration > 0 && duration > opts.MaxDuration:
		return fmt.Sprintf("duration %s exceeds max duration %s", duration, opts.MaxDuration)
	}
	return ""
}

// filterOutliers removes loss probability outliers using the IQR method
func filterOutliers(candidates []Candidate, iqrMultiplier float64) ([]Candidate, []Rejection) {
	probs := make([]float64, len(candidates))
	for i, c := range candidates {
		probs[i] = c.LossProb
	}

	sort.Float64s(probs)
	q1 := probs[len(probs)/4]
	q3 := probs[len(probs)*3/4]
	iqr := q3 - q1

	lowerBound := q1 - iqrMultiplier*iqr
	upperBound := q3 + iqrMultiplier*iqr

	// A batch of near-identical probabilities gives a degenerate range
	if upperBound-lowerBound < 1e-4 {
		mean := calculateMean(probs)
		lowerBound = mean * 0.5
		upperBound = mean * 2.0
	}

	valid := make([]Candidate, 0, len(candidates))
	var rejected []Rejection
	for _, c := range candidates {
		if c.LossProb >= lowerBound && c.LossProb <= upperBound {
			valid = append(valid, c)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"ref":      c.Ref,
			"lossProb": c.LossProb,
			"bounds":   []float64{lowerBound, upperBound},
		}).Info("Filtered outlier policy candidate")
		rejected = append(rejected, Rejection{
			Candidate: c,
			Reason:    fmt.Sprintf("loss probability %.4f outside [%.4f, %.4f]", c.LossProb, lowerBound, upperBound),
		})
	}
	return valid, rejected
}

// calculateMean computes the arithmetic mean of a slice of float64
func calculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
