package policy

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PolicyRecord is the structured form of a policy tuple. Fields a schema does not carry
// stay zero. Records are values; resolution yields a new record, never an update.
type PolicyRecord struct {
	ID      uint256.Int
	Payout  uint256.Int
	Premium uint256.Int

	// Scr is the single solvency requirement of v1 policies; v2 splits it.
	Scr   uint256.Int
	JrScr uint256.Int
	SrScr uint256.Int

	LossProb    uint256.Int
	PurePremium uint256.Int

	// v1 commission split.
	PremiumForEnsuro uint256.Int
	PremiumForRm     uint256.Int
	PremiumForLps    uint256.Int

	// v2 commission split and cost of capital.
	EnsuroCommission  uint256.Int
	PartnerCommission uint256.Int
	JrCoc             uint256.Int
	SrCoc             uint256.Int

	RiskModule common.Address
	Start      uint64
	Expiration uint64
}

// word returns the storage of a uint256 field, or nil for address and timestamp fields.
func (r *PolicyRecord) word(name FieldName) *uint256.Int {
	switch name {
	case FieldID:
		return &r.ID
	case FieldPayout:
		return &r.Payout
	case FieldPremium:
		return &r.Premium
	case FieldScr:
		return &r.Scr
	case FieldJrScr:
		return &r.JrScr
	case FieldSrScr:
		return &r.SrScr
	case FieldLossProb:
		return &r.LossProb
	case FieldPurePremium:
		return &r.PurePremium
	case FieldPremiumForEnsuro:
		return &r.PremiumForEnsuro
	case FieldPremiumForRm:
		return &r.PremiumForRm
	case FieldPremiumForLps:
		return &r.PremiumForLps
	case FieldEnsuroCommission:
		return &r.EnsuroCommission
	case FieldPartnerCommission:
		return &r.PartnerCommission
	case FieldJrCoc:
		return &r.JrCoc
	case FieldSrCoc:
		return &r.SrCoc
	default:
		return nil
	}
}

// Get returns the numeric value of a field.
func (r PolicyRecord) Get(name FieldName) (*uint256.Int, error) {
	switch name {
	case FieldRiskModule:
		return new(uint256.Int).SetBytes(r.RiskModule.Bytes()), nil
	case FieldStart:
		return uint256.NewInt(r.Start), nil
	case FieldExpiration:
		return uint256.NewInt(r.Expiration), nil
	}
	if w := r.word(name); w != nil {
		return new(uint256.Int).Set(w), nil
	}
	return nil, fmt.Errorf("unknown field %q", name)
}

func (r *PolicyRecord) set(name FieldName, v *uint256.Int) error {
	switch name {
	case FieldRiskModule:
		b := v.Bytes20()
		r.RiskModule = common.BytesToAddress(b[:])
		return nil
	case FieldStart:
		r.Start = v.Uint64()
		return nil
	case FieldExpiration:
		r.Expiration = v.Uint64()
		return nil
	}
	if w := r.word(name); w != nil {
		w.Set(v)
		return nil
	}
	return fmt.Errorf("unknown field %q", name)
}

// allFields lists every field a record can carry.
var allFields = []FieldName{
	FieldID, FieldPayout, FieldPremium, FieldScr, FieldJrScr, FieldSrScr, FieldLossProb,
	FieldPurePremium, FieldPremiumForEnsuro, FieldPremiumForRm, FieldPremiumForLps,
	FieldEnsuroCommission, FieldPartnerCommission, FieldJrCoc, FieldSrCoc,
	FieldRiskModule, FieldStart, FieldExpiration,
}

// PolicyID composes the id risk modules assign: the module address in the high
// 160 bits and a 96-bit internal id below it.
func PolicyID(riskModule common.Address, internalID uint64) uint256.Int {
	var id uint256.Int
	id.SetBytes(riskModule.Bytes())
	id.Lsh(&id, 96)
	id.Or(&id, uint256.NewInt(internalID))
	return id
}

// InternalID returns the low 96 bits of the policy id.
func (r PolicyRecord) InternalID() *uint256.Int {
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	mask.SubUint64(mask, 1)
	return new(uint256.Int).And(&r.ID, mask)
}
