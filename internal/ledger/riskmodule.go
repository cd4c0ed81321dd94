// Package ledger reads risk module parameters and builds the calls that create and
// resolve policies. Signing and submitting transactions is left to an injected
// Transactor.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/ensuro-policy-ea/internal/fixedpoint"
	"github.com/yourorg/ensuro-policy-ea/internal/model"
	"github.com/yourorg/ensuro-policy-ea/internal/otel"
	"github.com/yourorg/ensuro-policy-ea/internal/policy"
	"github.com/yourorg/ensuro-policy-ea/internal/riskmodule"
	"github.com/yourorg/ensuro-policy-ea/internal/security"
	"github.com/yourorg/ensuro-policy-ea/internal/types"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrUnsupportedOperation = errors.New("operation not supported by this risk module")
	ErrNotConfigured        = errors.New("ledger access not configured")
	ErrInvalidPolicyInput   = errors.New("invalid policy input")
	ErrNoNewPolicyEvent     = errors.New("receipt has no NewPolicy event")
)

const maxUint40 = 1<<40 - 1

// Caller runs read-only contract calls. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Transactor signs and submits a call to a contract and waits for its receipt.
type Transactor interface {
	Transact(ctx context.Context, to common.Address, data []byte) (*ethtypes.Receipt, error)
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// Options configures a RiskModule. Caller and Transactor may be nil when only
// calldata is needed.
type Options struct {
	Address    common.Address
	Type       types.RiskModuleType
	Codec      *policy.Codec
	Converters fixedpoint.Set
	Caller     Caller
	Transactor Transactor
}

// RiskModule is one deployed risk module contract.
type RiskModule struct {
	address    common.Address
	kind       types.RiskModuleType
	codec      *policy.Codec
	set        fixedpoint.Set
	caller     Caller
	transactor Transactor
}

func New(opts Options) (*RiskModule, error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrNotConfigured)
	}
	if opts.Converters.Amount == nil {
		return nil, fmt.Errorf("%w: converters are required", ErrNotConfigured)
	}
	if _, err := types.ParseRiskModuleType(string(opts.Type)); err != nil {
		return nil, err
	}
	return &RiskModule{
		address:    opts.Address,
		kind:       opts.Type,
		codec:      opts.Codec,
		set:        opts.Converters,
		caller:     opts.Caller,
		transactor: opts.Transactor,
	}, nil
}

func (rm *RiskModule) Address() common.Address { return rm.address }

func (rm *RiskModule) Type() types.RiskModuleType { return rm.kind }

// ratioScale is the scale the module stores ratios in; it follows the schema's lossProb.
func (rm *RiskModule) ratioScale() fixedpoint.Scale {
	if f, ok := rm.codec.Schema().Field(policy.FieldLossProb); ok {
		return f.Scale
	}
	return fixedpoint.ScaleWad
}

func (rm *RiskModule) call(ctx context.Context, contract abi.ABI, method string, args ...interface{}) (values []interface{}, err error) {
	if rm.caller == nil {
		return nil, fmt.Errorf("%w: no RPC caller", ErrNotConfigured)
	}
	ctx, span := otel.StartSpan(ctx, "ledger."+method, attribute.String("rm.address", rm.address.Hex()))
	defer otel.EndSpan(span, &err)

	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := rm.caller.CallContract(ctx, ethereum.CallMsg{To: &rm.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	values, err = contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return values, nil
}

func (rm *RiskModule) callUint(ctx context.Context, method string) (*uint256.Int, error) {
	out, err := rm.call(ctx, rmABI, method)
	if err != nil {
		return nil, err
	}
	return toUint256(*abi.ConvertType(out[0], new(*big.Int)).(**big.Int))
}

type paramsTuple struct {
	Moc          *big.Int
	JrCollRatio  *big.Int
	CollRatio    *big.Int
	EnsuroPpFee  *big.Int
	EnsuroCocFee *big.Int
	JrRoc        *big.Int
	SrRoc        *big.Int
}

// RawParams reads the module parameters in their on-chain fixed-point form.
func (rm *RiskModule) RawParams(ctx context.Context) (riskmodule.RawParams, error) {
	out, err := rm.call(ctx, rmABI, "params")
	if err != nil {
		return riskmodule.RawParams{}, err
	}
	p := *abi.ConvertType(out[0], new(paramsTuple)).(*paramsTuple)

	raw := riskmodule.RawParams{RatioScale: rm.ratioScale()}
	ratios := []struct {
		dst *uint256.Int
		src *big.Int
	}{
		{&raw.Moc, p.Moc},
		{&raw.JrCollRatio, p.JrCollRatio},
		{&raw.CollRatio, p.CollRatio},
		{&raw.EnsuroPpFee, p.EnsuroPpFee},
		{&raw.EnsuroCocFee, p.EnsuroCocFee},
		{&raw.JrRoc, p.JrRoc},
		{&raw.SrRoc, p.SrRoc},
	}
	for _, r := range ratios {
		n, err := toUint256(r.src)
		if err != nil {
			return riskmodule.RawParams{}, err
		}
		r.dst.Set(n)
	}

	maxPayout, err := rm.callUint(ctx, "maxPayoutPerPolicy")
	if err != nil {
		return riskmodule.RawParams{}, err
	}
	exposure, err := rm.callUint(ctx, "exposureLimit")
	if err != nil {
		return riskmodule.RawParams{}, err
	}
	duration, err := rm.callUint(ctx, "maxDuration")
	if err != nil {
		return riskmodule.RawParams{}, err
	}
	if !duration.IsUint64() {
		return riskmodule.RawParams{}, fmt.Errorf("maxDuration %s does not fit 64 bits", duration.Dec())
	}
	raw.MaxPayoutPerPolicy.Set(maxPayout)
	raw.ExposureLimit.Set(exposure)
	raw.MaxDuration = duration.Uint64()
	return raw, nil
}

// Params reads and maps the module parameters.
func (rm *RiskModule) Params(ctx context.Context) (riskmodule.Params, error) {
	raw, err := rm.RawParams(ctx)
	if err != nil {
		return riskmodule.Params{}, err
	}
	params, err := riskmodule.MapParams(raw, rm.set)
	if err != nil {
		return riskmodule.Params{}, err
	}
	logrus.WithFields(logrus.Fields{
		"riskModule": rm.address.Hex(),
		"moc":        params.Moc,
		"collRatio":  params.CollRatio,
	}).Debug("Fetched risk module params")
	return params, nil
}

// GetMinimumPremium asks the module for the premium it would charge. Payout is in
// Amount units and lossProb in the module's ratio scale.
func (rm *RiskModule) GetMinimumPremium(ctx context.Context, payout, lossProb fixedpoint.Fixed, expiration int64) (fixedpoint.Fixed, error) {
	if payout.IsAbsent() || lossProb.IsAbsent() {
		return fixedpoint.Fixed{}, fmt.Errorf("%w: payout and lossProb are required", ErrInvalidPolicyInput)
	}
	if expiration < 0 || expiration > maxUint40 {
		return fixedpoint.Fixed{}, fmt.Errorf("%w: expiration %d does not fit uint40", ErrInvalidPolicyInput, expiration)
	}
	out, err := rm.call(ctx, rmABI, "getMinimumPremium", payout.Big(), lossProb.Big(), big.NewInt(expiration))
	if err != nil {
		return fixedpoint.Fixed{}, err
	}
	n, err := toUint256(*abi.ConvertType(out[0], new(*big.Int)).(**big.Int))
	if err != nil {
		return fixedpoint.Fixed{}, err
	}
	return fixedpoint.Present(n), nil
}

// NewPolicyArgs are the converted arguments of a newPolicy call.
type NewPolicyArgs struct {
	Payout     fixedpoint.Fixed
	Premium    fixedpoint.Fixed
	LossProb   fixedpoint.Fixed
	Expiration int64
	Customer   common.Address

	// Set for signed-quote modules only.
	DataHash   common.Hash
	Quote      security.CompactSignature
	ValidUntil int64
}

// BuildNewPolicyArgs converts a policy input with the deployment's converters.
// Relative expirations are resolved against now.
func (rm *RiskModule) BuildNewPolicyArgs(in model.PolicyInput, customer common.Address, now time.Time) (NewPolicyArgs, error) {
	payout, err := rm.set.Amount.ToFixed(in.Payout)
	if err != nil {
		return NewPolicyArgs{}, fmt.Errorf("payout: %w", err)
	}
	premium, err := rm.set.Amount.ToFixed(in.Premium)
	if err != nil {
		return NewPolicyArgs{}, fmt.Errorf("premium: %w", err)
	}
	lossProb, err := rm.set.For(rm.ratioScale()).ToFixed(in.LossProb)
	if err != nil {
		return NewPolicyArgs{}, fmt.Errorf("lossProb: %w", err)
	}
	if payout.IsAbsent() || lossProb.IsAbsent() {
		return NewPolicyArgs{}, fmt.Errorf("%w: payout and lossProb are required", ErrInvalidPolicyInput)
	}

	args := NewPolicyArgs{
		Payout:     payout,
		Premium:    premium,
		LossProb:   lossProb,
		Expiration: in.Expiration.Resolve(now),
		Customer:   customer,
	}
	if args.Expiration <= now.Unix() || args.Expiration > maxUint40 {
		return NewPolicyArgs{}, fmt.Errorf("%w: expiration %d must be in the future and fit uint40",
			ErrInvalidPolicyInput, args.Expiration)
	}

	if !rm.kind.RequiresQuote() {
		return args, nil
	}
	if in.Quote == nil || in.DataHash == "" {
		return NewPolicyArgs{}, fmt.Errorf("%w: %s needs data_hash and quote", ErrInvalidPolicyInput, rm.kind)
	}
	hash, err := hexutil.Decode(in.DataHash)
	if err != nil || len(hash) != common.HashLength {
		return NewPolicyArgs{}, fmt.Errorf("%w: data_hash must be 32 bytes of 0x hex", ErrInvalidPolicyInput)
	}
	sig, err := security.ParseCompact(in.Quote.SignatureR, in.Quote.SignatureVS)
	if err != nil {
		return NewPolicyArgs{}, err
	}
	if in.Quote.ValidUntil < 0 || in.Quote.ValidUntil > maxUint40 {
		return NewPolicyArgs{}, fmt.Errorf("%w: valid_until %d does not fit uint40", ErrInvalidPolicyInput, in.Quote.ValidUntil)
	}
	args.DataHash = common.BytesToHash(hash)
	args.Quote = sig
	args.ValidUntil = in.Quote.ValidUntil
	return args, nil
}

// QuoteTerms returns the terms a signed quote for args covers.
func (rm *RiskModule) QuoteTerms(args NewPolicyArgs) security.QuoteTerms {
	return security.QuoteTerms{
		RiskModule: rm.address,
		Payout:     args.Payout.Int(),
		Premium:    premiumOrSentinel(args.Premium),
		LossProb:   args.LossProb.Int(),
		Expiration: uint64(args.Expiration),
		DataHash:   args.DataHash,
		ValidUntil: uint64(args.ValidUntil),
	}
}

// premiumOrSentinel maps an absent premium to max uint256, which the ledger reads as
// "charge the minimum premium".
func premiumOrSentinel(premium fixedpoint.Fixed) *uint256.Int {
	if premium.IsAbsent() {
		return new(uint256.Int).SetAllOne()
	}
	return premium.Int()
}

// NewPolicyCalldata packs the newPolicy call for the module type.
func (rm *RiskModule) NewPolicyCalldata(args NewPolicyArgs) ([]byte, error) {
	premium := premiumOrSentinel(args.Premium).ToBig()
	expiration := big.NewInt(args.Expiration)

	switch rm.kind {
	case types.TrustfulRiskModule:
		return rmABI.Pack("newPolicy", args.Payout.Big(), premium, args.LossProb.Big(), expiration, args.Customer)
	case types.SignedQuoteRiskModule:
		return signedQuoteRM.Pack("newPolicy", args.Payout.Big(), premium, args.LossProb.Big(), expiration,
			args.Customer, [32]byte(args.DataHash), [32]byte(args.Quote.R), [32]byte(args.Quote.VS),
			big.NewInt(args.ValidUntil))
	default:
		return nil, fmt.Errorf("%w: newPolicy on %s", ErrUnsupportedOperation, rm.kind)
	}
}

// NewPolicy submits a newPolicy call and decodes the created policy from the receipt.
func (rm *RiskModule) NewPolicy(ctx context.Context, args NewPolicyArgs) (policy.PolicyRecord, *ethtypes.Receipt, error) {
	data, err := rm.NewPolicyCalldata(args)
	if err != nil {
		return policy.PolicyRecord{}, nil, err
	}
	receipt, err := rm.transact(ctx, data)
	if err != nil {
		return policy.PolicyRecord{}, nil, err
	}
	rec, err := DecodeNewPolicyReceipt(rm.codec, receipt)
	if err != nil {
		return policy.PolicyRecord{}, receipt, err
	}
	logrus.WithFields(logrus.Fields{
		"policyId": rec.ID.Dec(),
		"tx":       receipt.TxHash.Hex(),
	}).Info("Policy created")
	return rec, receipt, nil
}

// ResolvePolicyCalldata packs resolvePolicy(policy, payout) with payout in Amount units.
func (rm *RiskModule) ResolvePolicyCalldata(rec policy.PolicyRecord, payout fixedpoint.Fixed) ([]byte, error) {
	if payout.IsAbsent() {
		return nil, fmt.Errorf("%w: payout is required", ErrInvalidPolicyInput)
	}
	return rm.resolveCalldata("resolvePolicy", "uint256", rec, payout.Int())
}

// ResolvePolicyFullPayoutCalldata packs resolvePolicyFullPayout(policy, customerWon).
func (rm *RiskModule) ResolvePolicyFullPayoutCalldata(rec policy.PolicyRecord, customerWon bool) ([]byte, error) {
	word := new(uint256.Int)
	if customerWon {
		word.SetOne()
	}
	return rm.resolveCalldata("resolvePolicyFullPayout", "bool", rec, word)
}

// resolveCalldata appends the policy tuple and one static word to the selector. A
// tuple of static fields is ABI-encoded in place, which is the codec's layout.
func (rm *RiskModule) resolveCalldata(method, argType string, rec policy.PolicyRecord, word *uint256.Int) ([]byte, error) {
	if rm.kind == types.FlightDelayRiskModule {
		return nil, fmt.Errorf("%w: %s resolves by policy id", ErrUnsupportedOperation, rm.kind)
	}
	schema := rm.codec.Schema()
	if !schema.ABIEncoded {
		return nil, fmt.Errorf("%w: schema %s is not the ledger's tuple encoding", ErrUnsupportedOperation, schema.Version)
	}
	tuple, err := rm.codec.EncodeBytes(rec)
	if err != nil {
		return nil, err
	}
	selector := crypto.Keccak256([]byte(method + "(" + schema.TupleSignature() + "," + argType + ")"))[:4]

	data := make([]byte, 0, 4+len(tuple)+32)
	data = append(data, selector...)
	data = append(data, tuple...)
	w := word.Bytes32()
	return append(data, w[:]...), nil
}

// ResolveFlightDelayCalldata packs the flight delay module's resolvePolicy(policyId).
func (rm *RiskModule) ResolveFlightDelayCalldata(policyID *uint256.Int) ([]byte, error) {
	if rm.kind != types.FlightDelayRiskModule {
		return nil, fmt.Errorf("%w: %s resolves with the policy data", ErrUnsupportedOperation, rm.kind)
	}
	return flightDelayRM.Pack("resolvePolicy", policyID.ToBig())
}

// ResolvePolicy submits resolvePolicy with a partial payout.
func (rm *RiskModule) ResolvePolicy(ctx context.Context, rec policy.PolicyRecord, payout fixedpoint.Fixed) (*ethtypes.Receipt, error) {
	data, err := rm.ResolvePolicyCalldata(rec, payout)
	if err != nil {
		return nil, err
	}
	return rm.transact(ctx, data)
}

// ResolvePolicyFullPayout submits resolvePolicyFullPayout.
func (rm *RiskModule) ResolvePolicyFullPayout(ctx context.Context, rec policy.PolicyRecord, customerWon bool) (*ethtypes.Receipt, error) {
	data, err := rm.ResolvePolicyFullPayoutCalldata(rec, customerWon)
	if err != nil {
		return nil, err
	}
	return rm.transact(ctx, data)
}

// ResolveFlightDelayPolicy submits the flight delay resolvePolicy for policyID.
func (rm *RiskModule) ResolveFlightDelayPolicy(ctx context.Context, policyID *uint256.Int) (*ethtypes.Receipt, error) {
	data, err := rm.ResolveFlightDelayCalldata(policyID)
	if err != nil {
		return nil, err
	}
	return rm.transact(ctx, data)
}

func (rm *RiskModule) transact(ctx context.Context, data []byte) (*ethtypes.Receipt, error) {
	if rm.transactor == nil {
		return nil, fmt.Errorf("%w: no transactor", ErrNotConfigured)
	}
	receipt, err := rm.transactor.Transact(ctx, rm.address, data)
	if err != nil {
		return nil, fmt.Errorf("transaction failed: %w", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", receipt.TxHash.Hex())
	}
	return receipt, nil
}

func toUint256(b *big.Int) (*uint256.Int, error) {
	if b == nil {
		return new(uint256.Int), nil
	}
	n, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("value %s does not fit 256 bits", b)
	}
	return n, nil
}
