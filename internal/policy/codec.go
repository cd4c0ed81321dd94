package policy

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

const slotBytes = SlotBits / 8

// Codec converts between PolicyRecord and the packed blob of one schema. A Codec holds
// no mutable state and may be shared between goroutines.
type Codec struct {
	schema Schema
}

// NewCodec returns the codec for a configured schema version.
func NewCodec(version SchemaVersion) (*Codec, error) {
	s, err := LookupSchema(version)
	if err != nil {
		return nil, err
	}
	return &Codec{schema: s}, nil
}

func (c *Codec) Schema() Schema { return c.schema }

// Decode parses a hex blob, with or without a 0x prefix.
func (c *Codec) Decode(blob string) (PolicyRecord, error) {
	b, err := decodeHex(blob)
	if err != nil {
		return PolicyRecord{}, err
	}
	return c.DecodeBytes(b)
}

// DecodeBytes splits b into fields. The blob must be exactly the schema width and every
// bit outside the fields must be zero, so that re-encoding gives back the same bytes.
func (c *Codec) DecodeBytes(b []byte) (PolicyRecord, error) {
	if len(b) != c.schema.ByteLen() {
		if _, ok := schemaForLength(len(b)); !ok {
			return PolicyRecord{}, fmt.Errorf("%w: %w: %d bytes", ErrMalformedPolicyBlob, ErrUnknownSchemaVersion, len(b))
		}
		return PolicyRecord{}, fmt.Errorf("%w: schema %s needs %d bytes, got %d",
			ErrMalformedPolicyBlob, c.schema.Version, c.schema.ByteLen(), len(b))
	}

	var rec PolicyRecord
	for _, f := range c.schema.Fields {
		if err := rec.set(f.Name, extract(b, f)); err != nil {
			return PolicyRecord{}, err
		}
	}

	again, err := c.EncodeBytes(rec)
	if err != nil {
		return PolicyRecord{}, err
	}
	if !bytes.Equal(again, b) {
		return PolicyRecord{}, fmt.Errorf("%w: non-zero padding bits", ErrMalformedPolicyBlob)
	}
	return rec, nil
}

// Encode returns the lowercase 0x-prefixed hex blob of r.
func (c *Codec) Encode(r PolicyRecord) (string, error) {
	b, err := c.EncodeBytes(r)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(b), nil
}

// EncodeBytes zero-pads every field into its slot. Fields the schema does not carry
// must be zero.
func (c *Codec) EncodeBytes(r PolicyRecord) ([]byte, error) {
	for _, name := range allFields {
		if _, ok := c.schema.Field(name); ok {
			continue
		}
		v, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		if !v.IsZero() {
			return nil, fmt.Errorf("%w: %s in schema %s", ErrFieldNotInSchema, name, c.schema.Version)
		}
	}

	words := make([]uint256.Int, c.schema.TotalBits/SlotBits)
	for _, f := range c.schema.Fields {
		v, err := r.Get(f.Name)
		if err != nil {
			return nil, err
		}
		if uint(v.BitLen()) > f.WidthBits {
			return nil, fmt.Errorf("%w: %s needs %d bits, has %d", ErrFieldOverflow, f.Name, v.BitLen(), f.WidthBits)
		}
		v.Lsh(v, shift(f))
		w := &words[f.slot()]
		w.Or(w, v)
	}

	out := make([]byte, 0, c.schema.ByteLen())
	for i := range words {
		b := words[i].Bytes32()
		out = append(out, b[:]...)
	}
	return out, nil
}

// RawFields returns every field of r in schema order as a 0x-prefixed hex string of the
// field's full width, the form resolution calls take back verbatim.
func (c *Codec) RawFields(r PolicyRecord) ([]string, error) {
	raw := make([]string, len(c.schema.Fields))
	for i, f := range c.schema.Fields {
		v, err := r.Get(f.Name)
		if err != nil {
			return nil, err
		}
		if uint(v.BitLen()) > f.WidthBits {
			return nil, fmt.Errorf("%w: %s", ErrFieldOverflow, f.Name)
		}
		b := v.Bytes32()
		raw[i] = hexutil.Encode(b[slotBytes-int(f.WidthBits/8):])
	}
	return raw, nil
}

// FromRawFields rebuilds a record from the output of RawFields. Shorter hex strings
// are accepted and left-padded.
func (c *Codec) FromRawFields(raw []string) (PolicyRecord, error) {
	if len(raw) != len(c.schema.Fields) {
		return PolicyRecord{}, fmt.Errorf("%w: schema %s has %d fields, got %d",
			ErrMalformedPolicyBlob, c.schema.Version, len(c.schema.Fields), len(raw))
	}
	var rec PolicyRecord
	for i, f := range c.schema.Fields {
		digits := strings.TrimPrefix(strings.TrimPrefix(raw[i], "0x"), "0X")
		if digits == "" || len(digits) > f.HexLen() {
			return PolicyRecord{}, fmt.Errorf("%w: field %s: %q", ErrMalformedPolicyBlob, f.Name, raw[i])
		}
		b, err := hexutil.Decode("0x" + strings.Repeat("0", f.HexLen()-len(digits)) + digits)
		if err != nil {
			return PolicyRecord{}, fmt.Errorf("%w: field %s: %v", ErrMalformedPolicyBlob, f.Name, err)
		}
		if err := rec.set(f.Name, new(uint256.Int).SetBytes(b)); err != nil {
			return PolicyRecord{}, err
		}
	}
	return rec, nil
}

// DetectSchema picks a schema by exact blob length. Deployments configure their schema;
// this is only a fallback for blobs of unknown origin.
func DetectSchema(blob string) (Schema, error) {
	b, err := decodeHex(blob)
	if err != nil {
		return Schema{}, err
	}
	s, ok := schemaForLength(len(b))
	if !ok {
		return Schema{}, fmt.Errorf("%w: no schema is %d bytes long", ErrUnknownSchemaVersion, len(b))
	}
	return s, nil
}

// DecodeAny decodes blob with the schema its length identifies.
func DecodeAny(blob string) (PolicyRecord, Schema, error) {
	s, err := DetectSchema(blob)
	if err != nil {
		return PolicyRecord{}, Schema{}, err
	}
	rec, err := (&Codec{schema: s}).Decode(blob)
	return rec, s, err
}

func schemaForLength(n int) (Schema, bool) {
	for _, v := range Versions() {
		if s := schemas[v]; s.ByteLen() == n {
			return s, true
		}
	}
	return Schema{}, false
}

func decodeHex(blob string) ([]byte, error) {
	s := strings.TrimSpace(blob)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPolicyBlob, err)
	}
	return b, nil
}

// shift is the distance from the least significant bit of the slot to the field.
func shift(f FieldSpec) uint {
	return SlotBits - f.StartBit%SlotBits - f.WidthBits
}

func extract(b []byte, f FieldSpec) *uint256.Int {
	off := int(f.slot()) * slotBytes
	v := new(uint256.Int).SetBytes(b[off : off+slotBytes])
	v.Rsh(v, shift(f))
	if f.WidthBits < SlotBits {
		mask := new(uint256.Int).Lsh(uint256.NewInt(1), f.WidthBits)
		mask.SubUint64(mask, 1)
		v.And(v, mask)
	}
	return v
}
