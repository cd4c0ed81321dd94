// Package fixedpoint converts human-entered amounts and ratios into the fixed-point
// integers used on-chain, and back.
//
// Inputs are a closed set of kinds (see Value). Each kind has exactly one conversion
// rule, so a pre-scaled integer can never be reinterpreted as a raw decimal.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// MinAmountDecimals is the lowest precision accepted for Amount converters.
	MinAmountDecimals = 6

	// FloatDigits is the number of fractional digits kept from float inputs.
	FloatDigits = 6

	// WadDecimals and RayDecimals are the fixed ratio precisions.
	WadDecimals = 18
	RayDecimals = 27

	// maxDecimals keeps 10^decimals inside 256 bits.
	maxDecimals = 77
)

var (
	ErrMalformedDecimalString  = errors.New("malformed decimal string")
	ErrInvalidDecimalPrecision = errors.New("invalid decimal precision")
	ErrInvalidFloat            = errors.New("invalid float amount")
	ErrOverflow                = errors.New("fixed-point value overflows 256 bits")
)

// Pow10 returns 10^n as a new 256-bit integer. n must not exceed 77.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// Wad returns 10^18.
func Wad() *uint256.Int { return Pow10(WadDecimals) }

// Ray returns Wad scaled by a further 10^9.
func Ray() *uint256.Int { return new(uint256.Int).Mul(Wad(), Pow10(9)) }

// Kind enumerates the accepted input shapes.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindScaled
	KindDecimal
	KindFloat
	KindInteger
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindScaled:
		return "scaled"
	case KindDecimal:
		return "decimal"
	case KindFloat:
		return "float"
	case KindInteger:
		return "integer"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is an unconverted input. The zero Value is Absent.
type Value struct {
	kind    Kind
	scaled  uint256.Int
	text    string
	float   float64
	integer uint64
}

// Absent is the "not specified" input. It is distinct from zero.
func Absent() Value { return Value{} }

// Scaled wraps an integer that is already in the target fixed-point representation.
func Scaled(n *uint256.Int) Value {
	v := Value{kind: KindScaled}
	if n != nil {
		v.scaled.Set(n)
	}
	return v
}

// Decimal wraps a decimal string such as "100.5". This is the precision-preserving path.
func Decimal(s string) Value { return Value{kind: KindDecimal, text: s} }

// Float wraps a float. Only FloatDigits fractional digits survive conversion.
func Float(f float64) Value { return Value{kind: KindFloat, float: f} }

// Integer wraps a whole number of units.
func Integer(n uint64) Value { return Value{kind: KindInteger, integer: n} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

func (v Value) String() string {
	switch v.kind {
	case KindScaled:
		return v.scaled.ToBig().String()
	case KindDecimal:
		return v.text
	case KindFloat:
		return decimal.NewFromFloat(v.float).String()
	case KindInteger:
		return fmt.Sprintf("%d", v.integer)
	default:
		return "absent"
	}
}

// Fixed is a converted fixed-point integer, or the absent marker.
type Fixed struct {
	n       uint256.Int
	present bool
}

// Present wraps n as a present Fixed value.
func Present(n *uint256.Int) Fixed {
	f := Fixed{present: true}
	if n != nil {
		f.n.Set(n)
	}
	return f
}

func (f Fixed) IsAbsent() bool { return !f.present }

// Int returns a copy of the integer, or nil when absent.
func (f Fixed) Int() *uint256.Int {
	if !f.present {
		return nil
	}
	return new(uint256.Int).Set(&f.n)
}

// Big returns the integer as a big.Int, or nil when absent.
func (f Fixed) Big() *big.Int {
	if !f.present {
		return nil
	}
	return f.n.ToBig()
}

func (f Fixed) String() string {
	if !f.present {
		return "absent"
	}
	return f.n.ToBig().String()
}

// Converter scales inputs to a fixed number of decimals.
type Converter struct {
	decimals uint8
	scale    *uint256.Int
}

// NewConverter returns a converter for any precision up to 77 decimals.
func NewConverter(decimals uint8) (*Converter, error) {
	if decimals > maxDecimals {
		return nil, fmt.Errorf("%w: %d decimals exceed 256-bit range", ErrInvalidDecimalPrecision, decimals)
	}
	return &Converter{decimals: decimals, scale: Pow10(decimals)}, nil
}

// NewAmountConverter returns the converter for monetary amounts. Amounts need at
// least MinAmountDecimals decimals.
func NewAmountConverter(decimals uint8) (*Converter, error) {
	if decimals < MinAmountDecimals {
		return nil, fmt.Errorf("%w: amount decimals must be >= %d, got %d",
			ErrInvalidDecimalPrecision, MinAmountDecimals, decimals)
	}
	return NewConverter(decimals)
}

// NewWadConverter returns the 18-decimal converter.
func NewWadConverter() *Converter {
	return &Converter{decimals: WadDecimals, scale: Wad()}
}

// NewRayConverter returns the 27-decimal converter.
func NewRayConverter() *Converter {
	return &Converter{decimals: RayDecimals, scale: Ray()}
}

func (c *Converter) Decimals() uint8 { return c.decimals }

// Scale returns 10^decimals.
func (c *Converter) Scale() *uint256.Int { return new(uint256.Int).Set(c.scale) }

// ToFixed converts v into the converter's fixed-point representation.
func (c *Converter) ToFixed(v Value) (Fixed, error) {
	switch v.kind {
	case KindAbsent:
		return Fixed{}, nil
	case KindScaled:
		return Present(&v.scaled), nil
	case KindDecimal:
		return c.fromDecimal(v.text)
	case KindFloat:
		return c.fromFloat(v.float)
	case KindInteger:
		n, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(v.integer), c.scale)
		if overflow {
			return Fixed{}, fmt.Errorf("%w: %d * 10^%d", ErrOverflow, v.integer, c.decimals)
		}
		return Present(n), nil
	default:
		return Fixed{}, fmt.Errorf("unsupported value kind %s", v.kind)
	}
}

// plainDecimal is the only accepted text form: digits with an optional fraction. Signs,
// exponents and bare leading or trailing points are rejected.
var plainDecimal = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseDecimal parses a non-negative plain decimal string such as "100.5".
func ParseDecimal(s string) (decimal.Decimal, error) {
	text := strings.TrimSpace(s)
	if text == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty string", ErrMalformedDecimalString)
	}
	if !plainDecimal.MatchString(text) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q is not a plain non-negative decimal", ErrMalformedDecimalString, s)
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q: %v", ErrMalformedDecimalString, s, err)
	}
	return d, nil
}

// fromDecimal truncates digits beyond the converter precision toward zero.
func (c *Converter) fromDecimal(s string) (Fixed, error) {
	d, err := ParseDecimal(s)
	if err != nil {
		return Fixed{}, err
	}
	scaled := d.Truncate(int32(c.decimals)).Shift(int32(c.decimals))
	n, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return Fixed{}, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return Present(n), nil
}

func (c *Converter) fromFloat(f float64) (Fixed, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return Fixed{}, fmt.Errorf("%w: %v", ErrInvalidFloat, f)
	}
	micro, _ := new(big.Float).SetFloat64(math.Round(f * 1e6)).Int(nil)
	n, overflow := uint256.FromBig(micro)
	if overflow {
		return Fixed{}, fmt.Errorf("%w: %v", ErrOverflow, f)
	}
	if c.decimals >= FloatDigits {
		if _, overflow := n.MulOverflow(n, Pow10(c.decimals-FloatDigits)); overflow {
			return Fixed{}, fmt.Errorf("%w: %v", ErrOverflow, f)
		}
		return Present(n), nil
	}
	divisor := Pow10(FloatDigits - c.decimals)
	rem := new(uint256.Int).Mod(n, divisor)
	n.Div(n, divisor)
	if new(uint256.Int).Lsh(rem, 1).Cmp(divisor) >= 0 {
		n.AddUint64(n, 1)
	}
	return Present(n), nil
}

// Format renders f as an exact decimal string at the converter precision.
func (c *Converter) Format(f Fixed) string {
	if f.IsAbsent() {
		return ""
	}
	return decimal.NewFromBigInt(f.n.ToBig(), -int32(c.decimals)).String()
}

// ToFloat keeps digits fractional digits of n (truncating) and returns the result as
// a float. Digits above the converter precision are clamped to it.
func (c *Converter) ToFloat(n *uint256.Int, digits uint8) float64 {
	if n == nil {
		return 0
	}
	if digits > c.decimals {
		digits = c.decimals
	}
	q := new(uint256.Int).Div(n, Pow10(c.decimals-digits))
	whole, _ := new(big.Float).SetInt(q.ToBig()).Float64()
	return whole / math.Pow10(int(digits))
}
