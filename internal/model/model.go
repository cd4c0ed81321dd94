// Package model defines the JSON documents the service reads and writes: policy inputs
// (hand-written or produced from a quote) and decoded policy outputs.
package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/yourorg/ensuro-policy-ea/internal/fixedpoint"
	"github.com/yourorg/ensuro-policy-ea/internal/policy"
	"github.com/yourorg/ensuro-policy-ea/internal/premium"
)

// PolicyInput is the data needed to create a policy.
type PolicyInput struct {
	// Payout and LossProb are required. Strings keep full precision, numbers are
	// limited to six fractional digits.
	Payout   fixedpoint.Value `json:"payout"`
	LossProb fixedpoint.Value `json:"lossProb"`

	// Premium may be null or missing, meaning the risk module charges its minimum.
	Premium fixedpoint.Value `json:"premium"`

	// Expiration is either a tagged object or a bare legacy number.
	Expiration premium.Expiration `json:"expiration"`

	// DataHash and Quote are set for signed-quote policies.
	DataHash string       `json:"data_hash,omitempty"`
	Quote    *SignedQuote `json:"quote,omitempty"`

	// InternalID is the risk-module-local id of flight delay policies.
	InternalID uint64 `json:"internalId,omitempty"`
}

// SignedQuote is the quote service's signature over the policy terms, in the compact
// r/vs form.
type SignedQuote struct {
	SignatureR  string `json:"signature_r"`
	SignatureVS string `json:"signature_vs"`
	ValidUntil  int64  `json:"valid_until"`
}

// PolicyOutput is a decoded policy. Amounts are exact decimal strings at the
// deployment's precision. Data holds the raw fields in schema order and is the only
// part read back when resolving.
type PolicyOutput struct {
	Schema policy.SchemaVersion `json:"schema"`
	ID     string               `json:"id"`

	Payout      string `json:"payout"`
	Premium     string `json:"premium"`
	Scr         string `json:"scr,omitempty"`
	JrScr       string `json:"jrScr,omitempty"`
	SrScr       string `json:"srScr,omitempty"`
	LossProb    string `json:"lossProb"`
	PurePremium string `json:"purePremium"`

	PremiumForEnsuro  string `json:"premiumForEnsuro,omitempty"`
	PremiumForRm      string `json:"premiumForRm,omitempty"`
	PremiumForLps     string `json:"premiumForLps,omitempty"`
	EnsuroCommission  string `json:"ensuroCommission,omitempty"`
	PartnerCommission string `json:"partnerCommission,omitempty"`
	JrCoc             string `json:"jrCoc,omitempty"`
	SrCoc             string `json:"srCoc,omitempty"`

	RiskModule string `json:"riskModule"`
	Start      uint64 `json:"start"`
	Expiration uint64 `json:"expiration"`

	Data []string `json:"data"`
}

// NewPolicyOutput renders rec with the codec's schema.
func NewPolicyOutput(rec policy.PolicyRecord, codec *policy.Codec, set fixedpoint.Set) (PolicyOutput, error) {
	raw, err := codec.RawFields(rec)
	if err != nil {
		return PolicyOutput{}, err
	}
	schema := codec.Schema()
	out := PolicyOutput{
		Schema:     schema.Version,
		ID:         rec.ID.Dec(),
		RiskModule: strings.ToLower(rec.RiskModule.Hex()),
		Start:      rec.Start,
		Expiration: rec.Expiration,
		Data:       raw,
	}

	for _, f := range schema.Fields {
		dst := out.amountField(f.Name)
		if dst == nil {
			continue
		}
		v, err := rec.Get(f.Name)
		if err != nil {
			return PolicyOutput{}, err
		}
		*dst = render(v, set.For(f.Scale))
	}
	return out, nil
}

// Record rebuilds the policy from Data alone; the rendered fields are informative.
func (o PolicyOutput) Record(codec *policy.Codec) (policy.PolicyRecord, error) {
	if o.Schema != "" && o.Schema != codec.Schema().Version {
		return policy.PolicyRecord{}, fmt.Errorf("%w: output is %s, codec is %s",
			policy.ErrUnknownSchemaVersion, o.Schema, codec.Schema().Version)
	}
	return codec.FromRawFields(o.Data)
}

// WithCopiedFields returns o as a JSON object extended with the named top-level
// fields of input. Fields o already has are not overwritten.
func (o PolicyOutput) WithCopiedFields(input json.RawMessage, names []string) (map[string]json.RawMessage, error) {
	encoded, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return out, nil
	}
	var in map[string]json.RawMessage
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("copy fields: input is not a JSON object: %w", err)
	}
	for _, name := range names {
		v, ok := in[name]
		if !ok {
			continue
		}
		if _, exists := out[name]; !exists {
			out[name] = v
		}
	}
	return out, nil
}

func (o *PolicyOutput) amountField(name policy.FieldName) *string {
	switch name {
	case policy.FieldPayout:
		return &o.Payout
	case policy.FieldPremium:
		return &o.Premium
	case policy.FieldScr:
		return &o.Scr
	case policy.FieldJrScr:
		return &o.JrScr
	case policy.FieldSrScr:
		return &o.SrScr
	case policy.FieldLossProb:
		return &o.LossProb
	case policy.FieldPurePremium:
		return &o.PurePremium
	case policy.FieldPremiumForEnsuro:
		return &o.PremiumForEnsuro
	case policy.FieldPremiumForRm:
		return &o.PremiumForRm
	case policy.FieldPremiumForLps:
		return &o.PremiumForLps
	case policy.FieldEnsuroCommission:
		return &o.EnsuroCommission
	case policy.FieldPartnerCommission:
		return &o.PartnerCommission
	case policy.FieldJrCoc:
		return &o.JrCoc
	case policy.FieldSrCoc:
		return &o.SrCoc
	default:
		return nil
	}
}

func render(v *uint256.Int, conv *fixedpoint.Converter) string {
	if conv == nil {
		return v.Dec()
	}
	return conv.Format(fixedpoint.Present(v))
}
