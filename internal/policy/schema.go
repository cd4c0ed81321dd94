package policy

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/yourorg/ensuro-policy-ea/internal/fixedpoint"
)

// SlotBits is the width of one ABI word.
const SlotBits = 256

// FieldType is the natural on-chain type of a field.
type FieldType uint8

const (
	TypeUint256 FieldType = iota
	TypeAddress
	TypeUint40
)

// Bits returns the natural width of the type.
func (t FieldType) Bits() uint {
	switch t {
	case TypeAddress:
		return 160
	case TypeUint40:
		return 40
	default:
		return 256
	}
}

func (t FieldType) String() string {
	switch t {
	case TypeAddress:
		return "address"
	case TypeUint40:
		return "uint40"
	default:
		return "uint256"
	}
}

// FieldName identifies a PolicyRecord field.
type FieldName string

const (
	FieldID                FieldName = "id"
	FieldPayout            FieldName = "payout"
	FieldPremium           FieldName = "premium"
	FieldScr               FieldName = "scr"
	FieldJrScr             FieldName = "jrScr"
	FieldSrScr             FieldName = "srScr"
	FieldLossProb          FieldName = "lossProb"
	FieldPurePremium       FieldName = "purePremium"
	FieldPremiumForEnsuro  FieldName = "premiumForEnsuro"
	FieldPremiumForRm      FieldName = "premiumForRm"
	FieldPremiumForLps     FieldName = "premiumForLps"
	FieldEnsuroCommission  FieldName = "ensuroCommission"
	FieldPartnerCommission FieldName = "partnerCommission"
	FieldJrCoc             FieldName = "jrCoc"
	FieldSrCoc             FieldName = "srCoc"
	FieldRiskModule        FieldName = "riskModule"
	FieldStart             FieldName = "start"
	FieldExpiration        FieldName = "expiration"
)

// FieldSpec places one field in the blob. StartBit counts from the most significant
// bit of the blob; the field's bits are [StartBit, StartBit+WidthBits).
type FieldSpec struct {
	Name      FieldName
	StartBit  uint
	WidthBits uint
	Type      FieldType
	Scale     fixedpoint.Scale
}

func (f FieldSpec) slot() uint { return f.StartBit / SlotBits }

// HexLen is the number of hex digits in the raw form of the field.
func (f FieldSpec) HexLen() int { return int(f.WidthBits / 4) }

// SchemaVersion names a supported layout.
type SchemaVersion string

const (
	SchemaV1       SchemaVersion = "v1"
	SchemaV2       SchemaVersion = "v2"
	SchemaV2Packed SchemaVersion = "v2-packed"
)

// Schema is a fixed layout of a policy tuple. There is no in-band version tag, so the
// schema is always picked by configuration.
type Schema struct {
	Version   SchemaVersion
	Fields    []FieldSpec
	TotalBits uint

	// ABIEncoded is true when the layout equals the Solidity ABI encoding of the
	// tuple, one field per word.
	ABIEncoded bool
}

// ByteLen is the exact blob length in bytes.
func (s Schema) ByteLen() int { return int(s.TotalBits / 8) }

// Field returns the layout of the named field.
func (s Schema) Field(name FieldName) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// TupleSignature is the Solidity tuple type, e.g. "(uint256,...,address,uint40,uint40)".
func (s Schema) TupleSignature() string {
	types := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		types[i] = f.Type.String()
	}
	return "(" + strings.Join(types, ",") + ")"
}

// EventTopic is topic0 of the NewPolicy event carrying this tuple, or the zero hash
// when the layout is not what the ledger emits.
func (s Schema) EventTopic() common.Hash {
	if !s.ABIEncoded {
		return common.Hash{}
	}
	return crypto.Keccak256Hash([]byte("NewPolicy(address," + s.TupleSignature() + ")"))
}

func (s Schema) validate() error {
	if s.TotalBits == 0 || s.TotalBits%SlotBits != 0 {
		return fmt.Errorf("schema %s: total width %d is not a whole number of slots", s.Version, s.TotalBits)
	}
	for _, f := range s.Fields {
		if f.WidthBits == 0 || f.WidthBits > f.Type.Bits() || f.WidthBits%8 != 0 {
			return fmt.Errorf("schema %s: field %s has invalid width %d", s.Version, f.Name, f.WidthBits)
		}
		if f.StartBit/SlotBits != (f.StartBit+f.WidthBits-1)/SlotBits {
			return fmt.Errorf("schema %s: field %s straddles a slot boundary", s.Version, f.Name)
		}
		if f.StartBit+f.WidthBits > s.TotalBits {
			return fmt.Errorf("schema %s: field %s ends past the blob", s.Version, f.Name)
		}
	}
	return checkOverlap(s)
}

func checkOverlap(s Schema) error {
	for i, a := range s.Fields {
		for _, b := range s.Fields[i+1:] {
			if a.StartBit < b.StartBit+b.WidthBits && b.StartBit < a.StartBit+a.WidthBits {
				return fmt.Errorf("schema %s: fields %s and %s overlap", s.Version, a.Name, b.Name)
			}
		}
	}
	return nil
}

type slotField struct {
	name  FieldName
	typ   FieldType
	scale fixedpoint.Scale
}

// wordAligned lays fields out one per 256-bit word, right-aligned, as the ABI does.
func wordAligned(version SchemaVersion, fields []slotField) Schema {
	s := Schema{Version: version, ABIEncoded: true, TotalBits: uint(len(fields)) * SlotBits}
	for i, f := range fields {
		width := f.typ.Bits()
		s.Fields = append(s.Fields, FieldSpec{
			Name:      f.name,
			StartBit:  uint(i+1)*SlotBits - width,
			WidthBits: width,
			Type:      f.typ,
			Scale:     f.scale,
		})
	}
	return s
}

var v1Fields = []slotField{
	{FieldID, TypeUint256, fixedpoint.ScaleNone},
	{FieldPayout, TypeUint256, fixedpoint.ScaleAmount},
	{FieldPremium, TypeUint256, fixedpoint.ScaleAmount},
	{FieldScr, TypeUint256, fixedpoint.ScaleAmount},
	{FieldLossProb, TypeUint256, fixedpoint.ScaleRay},
	{FieldPurePremium, TypeUint256, fixedpoint.ScaleAmount},
	{FieldPremiumForEnsuro, TypeUint256, fixedpoint.ScaleAmount},
	{FieldPremiumForRm, TypeUint256, fixedpoint.ScaleAmount},
	{FieldPremiumForLps, TypeUint256, fixedpoint.ScaleAmount},
	{FieldRiskModule, TypeAddress, fixedpoint.ScaleNone},
	{FieldStart, TypeUint40, fixedpoint.ScaleNone},
	{FieldExpiration, TypeUint40, fixedpoint.ScaleNone},
}

var v2Fields = []slotField{
	{FieldID, TypeUint256, fixedpoint.ScaleNone},
	{FieldPayout, TypeUint256, fixedpoint.ScaleAmount},
	{FieldPremium, TypeUint256, fixedpoint.ScaleAmount},
	{FieldJrScr, TypeUint256, fixedpoint.ScaleAmount},
	{FieldSrScr, TypeUint256, fixedpoint.ScaleAmount},
	{FieldLossProb, TypeUint256, fixedpoint.ScaleWad},
	{FieldPurePremium, TypeUint256, fixedpoint.ScaleAmount},
	{FieldEnsuroCommission, TypeUint256, fixedpoint.ScaleAmount},
	{FieldPartnerCommission, TypeUint256, fixedpoint.ScaleAmount},
	{FieldJrCoc, TypeUint256, fixedpoint.ScaleAmount},
	{FieldSrCoc, TypeUint256, fixedpoint.ScaleAmount},
	{FieldRiskModule, TypeAddress, fixedpoint.ScaleNone},
	{FieldStart, TypeUint40, fixedpoint.ScaleNone},
	{FieldExpiration, TypeUint40, fixedpoint.ScaleNone},
}

// packedV2 keeps the first twelve v2 words and shares the last word between the
// timestamps: start in the low 40 bits, expiration in the 40 bits above it.
func packedV2() Schema {
	s := wordAligned(SchemaV2Packed, v2Fields[:12])
	s.ABIEncoded = false
	last := s.TotalBits
	s.TotalBits += SlotBits
	end := last + SlotBits
	s.Fields = append(s.Fields,
		FieldSpec{Name: FieldStart, StartBit: end - 40, WidthBits: 40, Type: TypeUint40},
		FieldSpec{Name: FieldExpiration, StartBit: end - 80, WidthBits: 40, Type: TypeUint40},
	)
	return s
}

var schemas = map[SchemaVersion]Schema{
	SchemaV1:       wordAligned(SchemaV1, v1Fields),
	SchemaV2:       wordAligned(SchemaV2, v2Fields),
	SchemaV2Packed: packedV2(),
}

func init() {
	for _, s := range schemas {
		if err := s.validate(); err != nil {
			panic(err)
		}
	}
}

// LookupSchema returns the schema for version.
func LookupSchema(version SchemaVersion) (Schema, error) {
	s, ok := schemas[version]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownSchemaVersion, version)
	}
	return s, nil
}

// Versions lists the supported schema versions.
func Versions() []SchemaVersion {
	return []SchemaVersion{SchemaV1, SchemaV2, SchemaV2Packed}
}
