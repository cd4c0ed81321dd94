// Package circuitbreaker guards policy issuance against a misbehaving quote service:
// quotes with implausible prices, quotes that are about to expire, and repeated
// transport failures open the circuit until the service has recovered.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, no quotes accepted
	StateHalfOpen              // Testing if the quote service has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrCircuitOpen        = errors.New("circuit breaker open: quote service protection engaged")
	ErrThresholdViolation = errors.New("quote violates circuit breaker thresholds")
)

// Observation is the part of a quote response the breaker inspects.
type Observation struct {
	Payout   float64 `json:"payout"`
	LossProb float64 `json:"loss_prob"`

	// Premium is meaningful only when HasPremium is set; quotes may leave the premium
	// to the risk module.
	Premium    float64 `json:"premium,omitempty"`
	HasPremium bool    `json:"has_premium"`

	ValidUntil int64     `json:"valid_until"`
	ObservedAt time.Time `json:"observed_at"`
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// MaxLossProb is the highest loss probability accepted from the quote service.
	MaxLossProb float64 `json:"max_loss_prob" yaml:"max_loss_prob"`

	// MaxPremiumRatio is the highest premium/payout ratio accepted (e.g. 1.0 means the
	// premium may not exceed the payout).
	MaxPremiumRatio float64 `json:"max_premium_ratio" yaml:"max_premium_ratio"`

	// MinValidity is the minimum time a quote must remain valid after it is received.
	MinValidity time.Duration `json:"min_validity" yaml:"min_validity"`

	// MaxConsecutiveFailures trips the circuit after that many transport failures in
	// a row. Zero disables the check.
	MaxConsecutiveFailures int `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// DefaultThresholds returns conservative defaults
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxLossProb:            0.5,
		MaxPremiumRatio:        1.0,
		MinValidity:            30 * time.Second,
		MaxConsecutiveFailures: 5,
	}
}

// CircuitBreaker implements the circuit breaker pattern around the quote service.
type CircuitBreaker struct {
	thresholds Thresholds

	state    State
	lastTrip time.Time
	reason   string

	// Duration before auto-reset attempt
	resetDelay time.Duration

	mu sync.RWMutex

	// Recently accepted quotes, for status reporting
	history []Observation

	consecutiveFailures int

	// Successful checks in HalfOpen state, and how many close the circuit
	successCount     int
	successThreshold int

	onTripCallback func(reason string, history []Observation)

	now func() time.Time
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 3,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful checks needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string, history []Observation)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// WithClock replaces the time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow reports whether a quote request may be sent. An open circuit moves to
// half-open once the reset delay has passed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.allowLocked()
}

func (cb *CircuitBreaker) allowLocked() error {
	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastTrip) > cb.resetDelay {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: testing quote service recovery")
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.reason)
}

// Check evaluates a received quote against the thresholds. A violation trips the
// circuit and is returned wrapping ErrThresholdViolation.
func (cb *CircuitBreaker) Check(obs Observation) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err := cb.allowLocked(); err != nil {
		return err
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = cb.now()
	}

	if reason := cb.violation(obs); reason != "" {
		cb.trip(reason)
		return fmt.Errorf("%w: %s", ErrThresholdViolation, reason)
	}

	logrus.Debug("Circuit breaker checks passed")
	cb.consecutiveFailures = 0
	cb.addToHistory(obs)

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: quote service has recovered")
		}
	}
	return nil
}

func (cb *CircuitBreaker) violation(obs Observation) string {
	t := cb.thresholds
	if obs.LossProb < 0 || (t.MaxLossProb > 0 && obs.LossProb > t.MaxLossProb) {
		return fmt.Sprintf("loss probability out of range: %f (max %f)", obs.LossProb, t.MaxLossProb)
	}
	if obs.HasPremium && obs.Payout > 0 && t.MaxPremiumRatio > 0 {
		if ratio := obs.Premium / obs.Payout; ratio > t.MaxPremiumRatio {
			return fmt.Sprintf("premium/payout ratio too high: %.4f (max %.4f)", ratio, t.MaxPremiumRatio)
		}
	}
	if t.MinValidity > 0 {
		left := time.Unix(obs.ValidUntil, 0).Sub(obs.ObservedAt)
		if left < t.MinValidity {
			return fmt.Sprintf("quote validity too short: %s (min %s)", left, t.MinValidity)
		}
	}
	return ""
}

// RecordFailure counts a failed quote request. Enough consecutive failures trip the
// circuit.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	logrus.WithFields(logrus.Fields{
		"failures": cb.consecutiveFailures,
		"error":    err,
	}).Debug("Quote request failed")

	if cb.state == StateHalfOpen {
		cb.trip(fmt.Sprintf("quote request failed while half-open: %v", err))
		return
	}
	max := cb.thresholds.MaxConsecutiveFailures
	if max > 0 && cb.consecutiveFailures >= max && cb.state == StateClosed {
		cb.trip(fmt.Sprintf("%d consecutive quote failures, last: %v", cb.consecutiveFailures, err))
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Status is a snapshot for monitoring endpoints.
type Status struct {
	State               string    `json:"state"`
	Reason              string    `json:"reason,omitempty"`
	LastTrip            time.Time `json:"last_trip,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AcceptedQuotes      int       `json:"accepted_quotes"`
}

// Status returns a snapshot of the breaker.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Status{
		State:               cb.state.String(),
		Reason:              cb.reason,
		LastTrip:            cb.lastTrip,
		ConsecutiveFailures: cb.consecutiveFailures,
		AcceptedQuotes:      len(cb.history),
	}
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	cb.consecutiveFailures = 0
	cb.reason = ""
	logrus.Info("Circuit breaker manually reset to closed state")
}

// LastGood returns a copy of the recently accepted quotes
func (cb *CircuitBreaker) LastGood() []Observation {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if len(cb.history) == 0 {
		return nil
	}
	out := make([]Observation, len(cb.history))
	copy(out, cb.history)
	return out
}

// trip opens the circuit; callers hold the write lock
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.reason = reason
	cb.successCount = 0
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		history := make([]Observation, len(cb.history))
		copy(history, cb.history)
		go cb.onTripCallback(reason, history)
	}
}

// addToHistory keeps the history bounded
func (cb *CircuitBreaker) addToHistory(obs Observation) {
	cb.history = append(cb.history, obs)

	const maxHistorySize = 100
	if len(cb.history) > maxHistorySize {
		cb.history = cb.history[len(cb.history)-maxHistorySize:]
	}
}
