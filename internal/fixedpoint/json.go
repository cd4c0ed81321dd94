package fixedpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// UnmarshalJSON maps null to Absent, strings to Decimal, integral numbers to Integer
// and fractional numbers to Float. Integers too large for uint64 keep their exact
// text as a Decimal.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*v = Absent()
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = Decimal(s)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(trimmed, &num); err != nil {
		return fmt.Errorf("amount must be a number, string or null: %w", err)
	}
	text := num.String()
	if strings.ContainsAny(text, ".eE") {
		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidFloat, text)
		}
		*v = Float(f)
		return nil
	}
	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			*v = Decimal(text)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrMalformedDecimalString, text)
	}
	*v = Integer(n)
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON. Scaled values have no JSON form
// because reading them back would change their kind.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindAbsent:
		return []byte("null"), nil
	case KindDecimal:
		return json.Marshal(v.text)
	case KindFloat:
		return json.Marshal(v.float)
	case KindInteger:
		return []byte(strconv.FormatUint(v.integer, 10)), nil
	default:
		return nil, fmt.Errorf("cannot marshal %s value", v.kind)
	}
}
