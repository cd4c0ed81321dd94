// Package security provides integrity checks for signed quotes: the hash of the opaque
// policy data and the quote signer's signature over the policy terms.
package security

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidSignature = errors.New("invalid quote signature")
	ErrSignerMismatch   = errors.New("quote was not signed by the configured signer")
	ErrQuoteExpired     = errors.New("quote is no longer valid")
	ErrInvalidDataHash  = errors.New("data hash does not match policy data")
)

// VerificationOptions configures quote checks
type VerificationOptions struct {
	// VerificationRequired turns signature recovery on. When false every quote passes.
	VerificationRequired bool `json:"verification_required" yaml:"verification_required"`

	// StrictMode also rejects quotes whose valid_until has passed.
	StrictMode bool `json:"strict_mode" yaml:"strict_mode"`

	// ClockSkew is tolerated on top of valid_until in strict mode.
	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew"`
}

// DefaultVerificationOptions returns the options used when a signer is configured
func DefaultVerificationOptions() VerificationOptions {
	return VerificationOptions{
		VerificationRequired: true,
		StrictMode:           true,
		ClockSkew:            30 * time.Second,
	}
}

// DataHash is the keccak256 of the compact JSON encoding of data, the value stored
// on-chain in place of the data itself.
func DataHash(data json.RawMessage) (common.Hash, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return common.Hash{}, fmt.Errorf("policy data is not valid JSON: %w", err)
	}
	return crypto.Keccak256Hash(buf.Bytes()), nil
}

// VerifyDataHash checks that want is the hash of data.
func VerifyDataHash(data json.RawMessage, want common.Hash) error {
	got, err := DataHash(data)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: computed %s, quote has %s", ErrInvalidDataHash, got.Hex(), want.Hex())
	}
	return nil
}

// QuoteTerms are the policy terms a quote signature covers. Amounts are already in
// their on-chain fixed-point form.
type QuoteTerms struct {
	RiskModule common.Address
	Payout     *uint256.Int
	Premium    *uint256.Int
	LossProb   *uint256.Int
	Expiration uint64
	DataHash   common.Hash
	ValidUntil uint64
}

// Digest is the message hash the signer signs: the personal-message hash of the
// keccak256 of the tightly packed terms, with both timestamps as uint40.
func (t QuoteTerms) Digest() common.Hash {
	packed := make([]byte, 0, 20+3*32+5+32+5)
	packed = append(packed, t.RiskModule.Bytes()...)
	for _, n := range []*uint256.Int{t.Payout, t.Premium, t.LossProb} {
		if n == nil {
			n = new(uint256.Int)
		}
		b := n.Bytes32()
		packed = append(packed, b[:]...)
	}
	packed = append(packed, uint40(t.Expiration)...)
	packed = append(packed, t.DataHash.Bytes()...)
	packed = append(packed, uint40(t.ValidUntil)...)
	return common.BytesToHash(accounts.TextHash(crypto.Keccak256(packed)))
}

func uint40(v uint64) []byte {
	b := uint256.NewInt(v).Bytes32()
	return b[27:]
}

// CompactSignature is an EIP-2098 signature: vs carries the y parity in its top bit
// and s in the remaining 255 bits.
type CompactSignature struct {
	R  common.Hash `json:"r"`
	VS common.Hash `json:"vs"`
}

// ParseCompact reads the r and vs hex strings of a quote.
func ParseCompact(r, vs string) (CompactSignature, error) {
	rb, err := hexutil.Decode(r)
	if err != nil || len(rb) != 32 {
		return CompactSignature{}, fmt.Errorf("%w: r must be 32 bytes of 0x hex", ErrInvalidSignature)
	}
	vsb, err := hexutil.Decode(vs)
	if err != nil || len(vsb) != 32 {
		return CompactSignature{}, fmt.Errorf("%w: vs must be 32 bytes of 0x hex", ErrInvalidSignature)
	}
	return CompactSignature{R: common.BytesToHash(rb), VS: common.BytesToHash(vsb)}, nil
}

// CompactFromSignature converts a 65-byte [R || S || V] signature. V may be 0/1 or 27/28.
func CompactFromSignature(sig []byte) (CompactSignature, error) {
	if len(sig) != crypto.SignatureLength {
		return CompactSignature{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	v := sig[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	if v > 1 || sig[32]&0x80 != 0 {
		return CompactSignature{}, fmt.Errorf("%w: not a canonical signature", ErrInvalidSignature)
	}
	c := CompactSignature{R: common.BytesToHash(sig[:32]), VS: common.BytesToHash(sig[32:64])}
	c.VS[0] |= v << 7
	return c, nil
}

// Expand returns the 65-byte [R || S || V] form with V in {0, 1}.
func (c CompactSignature) Expand() []byte {
	sig := make([]byte, crypto.SignatureLength)
	copy(sig[:32], c.R[:])
	copy(sig[32:64], c.VS[:])
	sig[32] &= 0x7f
	sig[crypto.RecoveryIDOffset] = c.VS[0] >> 7
	return sig
}

// SignQuote signs terms with key.
func SignQuote(key *ecdsa.PrivateKey, terms QuoteTerms) (CompactSignature, error) {
	digest := terms.Digest()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return CompactSignature{}, fmt.Errorf("failed to sign quote: %w", err)
	}
	return CompactFromSignature(sig)
}

// RecoverSigner returns the address that produced sig over terms.
func RecoverSigner(terms QuoteTerms, sig CompactSignature) (common.Address, error) {
	digest := terms.Digest()
	pub, err := crypto.SigToPub(digest[:], sig.Expand())
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// QuoteVerifier checks quotes against a known signer
type QuoteVerifier struct {
	signer common.Address
	opts   VerificationOptions
}

// NewQuoteVerifier creates a verifier for quotes signed by signer
func NewQuoteVerifier(signer common.Address, opts VerificationOptions) *QuoteVerifier {
	logrus.WithFields(logrus.Fields{
		"signer":   signer.Hex(),
		"required": opts.VerificationRequired,
		"strict":   opts.StrictMode,
	}).Info("Quote verifier initialized")
	return &QuoteVerifier{signer: signer, opts: opts}
}

func (v *QuoteVerifier) Signer() common.Address { return v.signer }

// Verify checks that sig over terms comes from the configured signer and, in strict
// mode, that the quote has not expired at now.
func (v *QuoteVerifier) Verify(terms QuoteTerms, sig CompactSignature, now time.Time) error {
	if !v.opts.VerificationRequired {
		return nil
	}

	if v.opts.StrictMode {
		deadline := time.Unix(int64(terms.ValidUntil), 0).Add(v.opts.ClockSkew)
		if now.After(deadline) {
			return fmt.Errorf("%w: valid until %s, now %s", ErrQuoteExpired,
				time.Unix(int64(terms.ValidUntil), 0).UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
		}
	}

	got, err := RecoverSigner(terms, sig)
	if err != nil {
		return err
	}
	if got != v.signer {
		logrus.WithFields(logrus.Fields{
			"expected":  v.signer.Hex(),
			"recovered": got.Hex(),
		}).Warn("Quote signer mismatch")
		return fmt.Errorf("%w: recovered %s", ErrSignerMismatch, got.Hex())
	}
	return nil
}
