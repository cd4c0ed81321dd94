package premium

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// LegacyAbsoluteThreshold is the smallest bare number read as a unix timestamp
	// (early January 2023).
	LegacyAbsoluteThreshold = 1672691181

	// LegacyDaysThreshold bounds bare numbers read as a count of days.
	LegacyDaysThreshold = 1000

	secondsPerDay = 24 * 3600

	// MaxTimestamp is the largest expiration the ledger stores (uint40). It also bounds
	// relative expirations so Resolve cannot overflow.
	MaxTimestamp = 1<<40 - 1
)

var ErrAmbiguousExpiration = errors.New("ambiguous expiration")

// ExpirationKind says how an Expiration value is interpreted.
type ExpirationKind uint8

const (
	ExpirationAbsolute ExpirationKind = iota
	ExpirationRelativeDays
	ExpirationRelativeSeconds
)

func (k ExpirationKind) String() string {
	switch k {
	case ExpirationAbsolute:
		return "absolute"
	case ExpirationRelativeDays:
		return "days"
	case ExpirationRelativeSeconds:
		return "seconds"
	default:
		return fmt.Sprintf("expirationKind(%d)", uint8(k))
	}
}

// Expiration is a policy expiration as the caller meant it.
type Expiration struct {
	kind  ExpirationKind
	value int64
}

// Absolute is a unix timestamp in seconds.
func Absolute(ts int64) Expiration { return Expiration{kind: ExpirationAbsolute, value: ts} }

// RelativeDays expires n days after the reference time.
func RelativeDays(n int64) Expiration { return Expiration{kind: ExpirationRelativeDays, value: n} }

// RelativeSeconds expires n seconds after the reference time.
func RelativeSeconds(n int64) Expiration {
	return Expiration{kind: ExpirationRelativeSeconds, value: n}
}

func (e Expiration) Kind() ExpirationKind { return e.kind }

func (e Expiration) Value() int64 { return e.value }

// inRange reports whether e's value is non-negative and, once resolved, stays within
// MaxTimestamp seconds.
func (e Expiration) inRange() bool {
	limit := int64(MaxTimestamp)
	if e.kind == ExpirationRelativeDays {
		limit /= secondsPerDay
	}
	return e.value >= 0 && e.value <= limit
}

// Resolve returns the absolute unix timestamp of e relative to now.
func (e Expiration) Resolve(now time.Time) int64 {
	switch e.kind {
	case ExpirationRelativeDays:
		return now.Unix() + e.value*secondsPerDay
	case ExpirationRelativeSeconds:
		return now.Unix() + e.value
	default:
		return e.value
	}
}

// ParseLegacyExpiration decodes the bare numbers found in existing policy files by
// magnitude alone: at least LegacyAbsoluteThreshold is a timestamp, below
// LegacyDaysThreshold is days, anything in between is seconds.
func ParseLegacyExpiration(v float64) (Expiration, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v != math.Trunc(v) {
		return Expiration{}, fmt.Errorf("%w: %v is not a non-negative whole number", ErrAmbiguousExpiration, v)
	}
	if v > MaxTimestamp {
		return Expiration{}, fmt.Errorf("%w: %v is past the largest timestamp %d", ErrAmbiguousExpiration, v, int64(MaxTimestamp))
	}
	n := int64(v)
	switch {
	case n >= LegacyAbsoluteThreshold:
		return Absolute(n), nil
	case n < LegacyDaysThreshold:
		return RelativeDays(n), nil
	default:
		return RelativeSeconds(n), nil
	}
}

type taggedExpiration struct {
	Absolute *int64 `json:"absolute,omitempty"`
	Days     *int64 `json:"days,omitempty"`
	Seconds  *int64 `json:"seconds,omitempty"`
}

// UnmarshalJSON accepts a tagged object such as {"days": 29} or, for existing files,
// a bare number decoded with ParseLegacyExpiration.
func (e *Expiration) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var t taggedExpiration
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&t); err != nil {
			return fmt.Errorf("%w: %v", ErrAmbiguousExpiration, err)
		}
		var set []Expiration
		if t.Absolute != nil {
			set = append(set, Absolute(*t.Absolute))
		}
		if t.Days != nil {
			set = append(set, RelativeDays(*t.Days))
		}
		if t.Seconds != nil {
			set = append(set, RelativeSeconds(*t.Seconds))
		}
		if len(set) != 1 {
			return fmt.Errorf("%w: exactly one of absolute, days or seconds is required", ErrAmbiguousExpiration)
		}
		if !set[0].inRange() {
			return fmt.Errorf("%w: %s %d is negative or too far out", ErrAmbiguousExpiration, set[0].kind, set[0].value)
		}
		*e = set[0]
		return nil
	}

	var v float64
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrAmbiguousExpiration, err)
	}
	parsed, err := ParseLegacyExpiration(v)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// MarshalJSON always writes the tagged form.
func (e Expiration) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int64{e.kind.String(): e.value})
}
