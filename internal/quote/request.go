// Package quote builds requests for the external pricing service and turns its
// responses into policy inputs.
package quote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yourorg/ensuro-policy-ea/internal/fixedpoint"
	"github.com/yourorg/ensuro-policy-ea/internal/model"
	"github.com/yourorg/ensuro-policy-ea/internal/premium"
)

var (
	// ErrAmbiguousExpiration is shared with the premium package so callers test one value.
	ErrAmbiguousExpiration = premium.ErrAmbiguousExpiration

	ErrInvalidRequest = errors.New("invalid quote request")
)

var (
	epochPattern    = regexp.MustCompile(`^1\d{9}$`)
	relativePattern = regexp.MustCompile(`^\d{1,8}$`)
)

// Expiration is the expiration sent to the pricing service: a unix timestamp, or an
// RFC 3339 string passed through verbatim.
type Expiration struct {
	unix int64
	text string
}

// ParseExpiration reads the expiration text a user typed. Ten digits starting with 1
// are a timestamp, up to eight digits are seconds from now, anything else must be
// RFC 3339.
func ParseExpiration(s string, now time.Time) (Expiration, error) {
	s = strings.TrimSpace(s)
	switch {
	case epochPattern.MatchString(s):
		n, _ := strconv.ParseInt(s, 10, 64)
		return Expiration{unix: n}, nil
	case relativePattern.MatchString(s):
		n, _ := strconv.ParseInt(s, 10, 64)
		return Expiration{unix: now.Unix() + n}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Expiration{}, fmt.Errorf("%w: %q is neither a timestamp, a relative number of seconds nor RFC 3339",
			ErrAmbiguousExpiration, s)
	}
	return Expiration{unix: t.Unix(), text: s}, nil
}

// Unix returns the expiration as a unix timestamp.
func (e Expiration) Unix() int64 { return e.unix }

// IsText reports whether the expiration is sent as a string.
func (e Expiration) IsText() bool { return e.text != "" }

func (e Expiration) MarshalJSON() ([]byte, error) {
	if e.text != "" {
		return json.Marshal(e.text)
	}
	return []byte(strconv.FormatInt(e.unix, 10)), nil
}

func (e *Expiration) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAmbiguousExpiration, err)
		}
		*e = Expiration{unix: t.Unix(), text: s}
		return nil
	}
	var n int64
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrAmbiguousExpiration, err)
	}
	*e = Expiration{unix: n}
	return nil
}

// Request is the body posted to the pricing service.
type Request struct {
	Payout     string          `json:"payout"`
	Expiration Expiration      `json:"expiration"`
	Data       json.RawMessage `json:"data"`
}

// NewRequest validates the user's inputs and builds a request. Missing data is sent
// as an empty object.
func NewRequest(payout, expiration string, data json.RawMessage, now time.Time) (Request, error) {
	payout = strings.TrimSpace(payout)
	d, err := decimal.NewFromString(payout)
	if err != nil || !d.IsPositive() {
		return Request{}, fmt.Errorf("%w: payout %q must be a positive decimal", ErrInvalidRequest, payout)
	}

	exp, err := ParseExpiration(expiration, now)
	if err != nil {
		return Request{}, err
	}

	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage(`{}`)
	}
	if !json.Valid(data) {
		return Request{}, fmt.Errorf("%w: data is not valid JSON", ErrInvalidRequest)
	}

	return Request{Payout: payout, Expiration: exp, Data: data}, nil
}

// Signature is the compact signature of a quote.
type Signature struct {
	R  string `json:"r"`
	VS string `json:"vs"`
}

// Response is the pricing service's answer. Premium may be null, meaning the risk
// module charges its minimum.
type Response struct {
	Premium    fixedpoint.Value `json:"premium"`
	LossProb   fixedpoint.Value `json:"loss_prob"`
	Expiration int64            `json:"expiration"`
	DataHash   string           `json:"data_hash"`
	ValidUntil int64            `json:"valid_until"`
	Signature  Signature        `json:"signature"`
}

// ToPolicyInput combines a request and its response into the input of a signed-quote
// newPolicy. The payout comes from the request; the expiration from the response when
// it has one.
func ToPolicyInput(req Request, resp Response) model.PolicyInput {
	expiration := resp.Expiration
	if expiration == 0 {
		expiration = req.Expiration.Unix()
	}
	return model.PolicyInput{
		Payout:     fixedpoint.Decimal(req.Payout),
		Premium:    resp.Premium,
		LossProb:   resp.LossProb,
		Expiration: premium.Absolute(expiration),
		DataHash:   resp.DataHash,
		Quote: &model.SignedQuote{
			SignatureR:  resp.Signature.R,
			SignatureVS: resp.Signature.VS,
			ValidUntil:  resp.ValidUntil,
		},
	}
}

// approxFloat is the float of a human-scale value, for sanity checks only.
func approxFloat(v fixedpoint.Value) (float64, bool) {
	if v.IsAbsent() || v.Kind() == fixedpoint.KindScaled {
		return 0, false
	}
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return 0, false
	}
	return d.InexactFloat64(), true
}
