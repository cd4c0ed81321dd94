package fixedpoint

import "fmt"

// Scale names the fixed-point unit an on-chain field is stored in.
type Scale uint8

const (
	ScaleNone Scale = iota
	ScaleAmount
	ScaleWad
	ScaleRay
)

func (s Scale) String() string {
	switch s {
	case ScaleNone:
		return "none"
	case ScaleAmount:
		return "amount"
	case ScaleWad:
		return "wad"
	case ScaleRay:
		return "ray"
	default:
		return fmt.Sprintf("scale(%d)", uint8(s))
	}
}

// Set bundles the three canonical converters for one deployment.
type Set struct {
	Amount *Converter
	Wad    *Converter
	Ray    *Converter
}

// NewSet builds the converters for the configured amount precision.
func NewSet(amountDecimals uint8) (Set, error) {
	amount, err := NewAmountConverter(amountDecimals)
	if err != nil {
		return Set{}, err
	}
	return Set{
		Amount: amount,
		Wad:    NewWadConverter(),
		Ray:    NewRayConverter(),
	}, nil
}

// For returns the converter for s, or nil for ScaleNone.
func (s Set) For(scale Scale) *Converter {
	switch scale {
	case ScaleAmount:
		return s.Amount
	case ScaleWad:
		return s.Wad
	case ScaleRay:
		return s.Ray
	default:
		return nil
	}
}
