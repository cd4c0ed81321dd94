package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/ensuro-policy-ea/internal/circuitbreaker"
	"github.com/yourorg/ensuro-policy-ea/internal/otel"
	"github.com/yourorg/ensuro-policy-ea/internal/security"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

var (
	ErrNotConfigured    = errors.New("quote endpoint not configured")
	ErrQuoteUnavailable = errors.New("quote service unavailable")
	ErrQuoteRejected    = errors.New("quote service rejected the request")
)

// ClientOptions configures a Client
type ClientOptions struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	// Breaker guards against a misbehaving service. Optional.
	Breaker *circuitbreaker.CircuitBreaker

	// CheckDataHash rejects responses whose data_hash is not the hash of the data sent.
	CheckDataHash bool
}

// Client requests signed quotes from the pricing service
type Client struct {
	opts    ClientOptions
	http    *retryablehttp.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, ErrNotConfigured
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 5
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 1
	}
	return &Client{
		opts:    opts,
		http:    newRetryClient(opts.Timeout),
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimitRPS), opts.RateLimitBurst),
		now:     time.Now,
	}, nil
}

// newRetryClient retries transport errors and 5xx responses
func newRetryClient(timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	return c
}

// Quote posts req and returns the checked response.
func (c *Client) Quote(ctx context.Context, req Request) (Response, error) {
	if c.opts.Breaker != nil {
		if err := c.opts.Breaker.Allow(); err != nil {
			return Response{}, err
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limiter: %w", err)
	}

	requestID := uuid.NewString()
	ctx, span := otel.StartSpan(ctx, "quote.request",
		attribute.String("quote.payout", req.Payout),
		attribute.Int64("quote.expiration", req.Expiration.Unix()),
		attribute.String("request.id", requestID),
	)
	defer span.End()

	resp, err := c.post(ctx, req, requestID)
	if err != nil {
		otel.RecordError(ctx, err)
		if errors.Is(err, ErrQuoteUnavailable) && c.opts.Breaker != nil {
			c.opts.Breaker.RecordFailure(err)
		}
		return Response{}, err
	}

	if c.opts.CheckDataHash {
		if err := security.VerifyDataHash(req.Data, common.HexToHash(resp.DataHash)); err != nil {
			otel.RecordError(ctx, err)
			return Response{}, err
		}
	}

	if c.opts.Breaker != nil {
		if err := c.opts.Breaker.Check(c.observe(req, resp)); err != nil {
			otel.RecordError(ctx, err)
			return Response{}, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"request_id":  requestID,
		"payout":      req.Payout,
		"loss_prob":   resp.LossProb.String(),
		"premium":     resp.Premium.String(),
		"valid_until": resp.ValidUntil,
	}).Info("Received quote")
	return resp, nil
}

func (c *Client) post(ctx context.Context, req Request, requestID string) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if c.opts.APIKey != "" {
		httpReq.Header.Set("x-api-key", c.opts.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 500 {
			return Response{}, fmt.Errorf("%w: status %d: %s", ErrQuoteUnavailable, resp.StatusCode, snippet)
		}
		return Response{}, fmt.Errorf("%w: status %d: %s", ErrQuoteRejected, resp.StatusCode, snippet)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("%w: failed to decode response: %v", ErrQuoteUnavailable, err)
	}
	return out, nil
}

func (c *Client) observe(req Request, resp Response) circuitbreaker.Observation {
	payout, _ := strconv.ParseFloat(req.Payout, 64)
	lossProb, _ := approxFloat(resp.LossProb)
	premium, hasPremium := approxFloat(resp.Premium)
	return circuitbreaker.Observation{
		Payout:     payout,
		LossProb:   lossProb,
		Premium:    premium,
		HasPremium: hasPremium,
		ValidUntil: resp.ValidUntil,
		ObservedAt: c.now(),
	}
}
