package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/ensuro-policy-ea/internal/circuitbreaker"
	"github.com/yourorg/ensuro-policy-ea/internal/fixedpoint"
	"github.com/yourorg/ensuro-policy-ea/internal/model"
	"github.com/yourorg/ensuro-policy-ea/internal/policy"
	"github.com/yourorg/ensuro-policy-ea/internal/premium"
	"github.com/yourorg/ensuro-policy-ea/internal/quote"
	"github.com/yourorg/ensuro-policy-ea/internal/riskmodule"
	"github.com/yourorg/ensuro-policy-ea/internal/types"
	"github.com/yourorg/ensuro-policy-ea/internal/validation"
)

// maxBatchSize caps the policies priced in one batch request
const maxBatchSize = 5000

// ChainlinkRequest matches the standard Chainlink External Adapter request format
type ChainlinkRequest struct {
	ID       string                 `json:"id"`
	JobRunID string                 `json:"jobRunId"`
	Data     json.RawMessage        `json:"data"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
}

// ChainlinkResponse matches the standard Chainlink External Adapter response format
type ChainlinkResponse struct {
	JobRunID   string                 `json:"jobRunId,omitempty"`
	StatusCode int                    `json:"statusCode"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data"`
	Error      string                 `json:"error,omitempty"`
}

// premiumRequest asks for the minimum premium of one policy. Params are read from the
// risk module when not given.
type premiumRequest struct {
	Params     *riskmodule.Params  `json:"params,omitempty"`
	Payout     fixedpoint.Value    `json:"payout"`
	LossProb   fixedpoint.Value    `json:"lossProb"`
	Expiration *premium.Expiration `json:"expiration"`
}

type premiumResponse struct {
	premium.Breakdown
	Payout     float64 `json:"payout"`
	LossProb   float64 `json:"lossProb"`
	Expiration int64   `json:"expiration"`
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.config.EnableMetrics {
		http.Error(w, "Metrics disabled", http.StatusServiceUnavailable)
		return
	}
	if s.breaker != nil {
		s.metrics.circuitBreaker.Set(float64(s.breaker.GetState()))
	}
	promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": version,
		"configuration": map[string]interface{}{
			"schema":          s.codec.Schema().Version,
			"amount_decimals": s.config.AmountDecimals,
			"risk_module":     s.riskModule.Address().Hex(),
			"rm_type":         s.riskModule.Type(),
			"quotes":          s.quotes != nil,
			"verifier":        s.verifier != nil,
		},
		"export": s.exporter.Status(),
	}

	if s.breaker != nil {
		status["circuit"] = s.breaker.Status()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleCircuitStatus allows viewing and controlling the circuit breaker
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		http.Error(w, "Circuit breaker not enabled", http.StatusServiceUnavailable)
		return
	}

	response := map[string]interface{}{}

	// Allow reset operation via POST
	if r.Method == http.MethodPost {
		if action := r.URL.Query().Get("action"); action == "reset" {
			s.breaker.Reset()
			response["message"] = "Circuit breaker reset"
		}
	}

	status := s.breaker.Status()
	response["state"] = status.State
	response["reason"] = status.Reason
	response["consecutive_failures"] = status.ConsecutiveFailures

	if history := s.breaker.LastGood(); len(history) > 0 {
		response["last_good_quotes_count"] = len(history)
		response["last_good_timestamp"] = history[len(history)-1].ObservedAt.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, response)
}

// handleRequest processes a Chainlink External Adapter request for a minimum premium
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var request ChainlinkRequest
	if err := decodeJSON(w, r, &request); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req premiumRequest
	if err := json.Unmarshal(request.Data, &req); err != nil {
		s.errorResponse(w, statusOrBadRequest(err), fmt.Sprintf("invalid data: %v", err))
		return
	}

	resp, err := s.minimumPremium(r.Context(), req)
	if err != nil {
		s.premiumError(w, resp, err)
		return
	}

	response := ChainlinkResponse{
		JobRunID:   request.JobRunID,
		StatusCode: http.StatusOK,
		Status:     "success",
		Data: map[string]interface{}{
			"result":     resp.MinimumPremium,
			"breakdown":  resp,
			"expiration": resp.Expiration,
			"timestamp":  s.now().Unix(),
		},
	}

	// Add request ID if provided
	if request.ID != "" {
		response.Data["id"] = request.ID
	}

	if request.Meta == nil {
		request.Meta = make(map[string]interface{})
	}
	request.Meta["latencyMs"] = time.Since(start).Milliseconds()
	request.Meta["schema"] = s.codec.Schema().Version
	response.Data["meta"] = request.Meta

	writeJSON(w, http.StatusOK, response)
}

// handlePremium computes the minimum premium of one policy
func (s *Server) handlePremium(w http.ResponseWriter, r *http.Request) {
	var req premiumRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}

	resp, err := s.minimumPremium(r.Context(), req)
	if err != nil {
		s.premiumError(w, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) minimumPremium(ctx context.Context, req premiumRequest) (premiumResponse, error) {
	payout, err := valueFloat("payout", req.Payout)
	if err != nil {
		return premiumResponse{}, err
	}
	lossProb, err := valueFloat("lossProb", req.LossProb)
	if err != nil {
		return premiumResponse{}, err
	}
	if req.Expiration == nil {
		return premiumResponse{}, fmt.Errorf("%w: expiration is required", errBadRequest)
	}

	params, err := s.params(ctx, req.Params)
	if err != nil {
		return premiumResponse{}, err
	}

	now := s.now()
	resp := premiumResponse{
		Payout:     payout,
		LossProb:   lossProb,
		Expiration: req.Expiration.Resolve(now),
	}
	resp.Breakdown, err = premium.Compute(params, payout, lossProb, resp.Expiration, now.Unix())
	if err != nil {
		return resp, err
	}
	if payout > 0 {
		s.metrics.minimumPremium.Observe(resp.MinimumPremium / payout)
	}
	return resp, nil
}

// premiumError reports a failed computation; a negative premium carries its breakdown
func (s *Server) premiumError(w http.ResponseWriter, resp premiumResponse, err error) {
	var negative *premium.NegativePremiumError
	if errors.As(err, &negative) {
		s.errorResponseWithData(w, http.StatusUnprocessableEntity, err.Error(), map[string]interface{}{
			"breakdown": resp,
		})
		return
	}
	s.errorResponse(w, statusFor(err), err.Error())
}

// params returns the given parameters or reads them from the risk module
func (s *Server) params(ctx context.Context, given *riskmodule.Params) (riskmodule.Params, error) {
	if given != nil {
		return *given, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	params, err := s.riskModule.Params(ctx)
	if err != nil {
		return riskmodule.Params{}, fmt.Errorf("risk module params unavailable: %w", err)
	}
	return params, nil
}

type batchRequest struct {
	Params           *riskmodule.Params `json:"params,omitempty"`
	OutlierDetection bool               `json:"outlierDetection,omitempty"`
	Policies         []batchItem        `json:"policies"`
}

type batchItem struct {
	Ref        string              `json:"ref"`
	Payout     fixedpoint.Value    `json:"payout"`
	LossProb   fixedpoint.Value    `json:"lossProb"`
	Expiration *premium.Expiration `json:"expiration"`
}

type batchResult struct {
	Ref string `json:"ref"`
	premium.Breakdown
}

type batchResponse struct {
	Results  []batchResult          `json:"results"`
	Rejected []validation.Rejection `json:"rejected"`
}

// handlePremiumBatch validates and prices many policies against one set of params
func (s *Server) handlePremiumBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	if len(req.Policies) == 0 || len(req.Policies) > maxBatchSize {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("policies must hold 1 to %d entries", maxBatchSize))
		return
	}

	params, err := s.params(r.Context(), req.Params)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}

	now := s.now()
	resp := batchResponse{Results: []batchResult{}, Rejected: []validation.Rejection{}}
	candidates := make([]validation.Candidate, 0, len(req.Policies))
	for _, item := range req.Policies {
		c, err := item.candidate(now)
		if err != nil {
			resp.Rejected = append(resp.Rejected, validation.Rejection{Candidate: c, Reason: err.Error()})
			continue
		}
		candidates = append(candidates, c)
	}

	opts := validation.OptionsFromParams(params, now)
	opts.EnableOutlierDetection = req.OutlierDetection
	valid, rejected := validation.FilterInvalidConcurrently(candidates, opts)
	resp.Rejected = append(resp.Rejected, rejected...)

	for _, c := range valid {
		b, err := premium.Compute(params, c.Payout, c.LossProb, c.Expiration, now.Unix())
		if err != nil {
			resp.Rejected = append(resp.Rejected, validation.Rejection{Candidate: c, Reason: err.Error()})
			continue
		}
		resp.Results = append(resp.Results, batchResult{Ref: c.Ref, Breakdown: b})
	}

	logrus.WithFields(logrus.Fields{
		"policies": len(req.Policies),
		"priced":   len(resp.Results),
		"rejected": len(resp.Rejected),
	}).Debug("Priced policy batch")
	writeJSON(w, http.StatusOK, resp)
}

func (item batchItem) candidate(now time.Time) (validation.Candidate, error) {
	c := validation.Candidate{Ref: item.Ref}
	var err error
	if c.Payout, err = valueFloat("payout", item.Payout); err != nil {
		return c, err
	}
	if c.LossProb, err = valueFloat("lossProb", item.LossProb); err != nil {
		return c, err
	}
	if item.Expiration == nil {
		return c, fmt.Errorf("%w: expiration is required", errBadRequest)
	}
	c.Expiration = item.Expiration.Resolve(now)
	return c, nil
}

type decodeRequest struct {
	Blob       string               `json:"blob"`
	Schema     policy.SchemaVersion `json:"schema,omitempty"`
	Detect     bool                 `json:"detect,omitempty"`
	Input      json.RawMessage      `json:"input,omitempty"`
	CopyFields []string             `json:"copyFields,omitempty"`
}

// handleDecode turns a policy blob into its decoded output
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}

	codec, err := s.codecFor(req.Schema, req.Detect, req.Blob)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	rec, err := codec.Decode(req.Blob)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	out, err := model.NewPolicyOutput(rec, codec, s.converters)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}

	s.metrics.decodedPolicies.WithLabelValues(string(codec.Schema().Version)).Inc()
	s.exporter.Add(out)

	if len(req.CopyFields) == 0 {
		writeJSON(w, http.StatusOK, out)
		return
	}
	merged, err := out.WithCopiedFields(req.Input, req.CopyFields)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

// codecFor picks the configured codec unless the request names a schema or asks for
// detection by length
func (s *Server) codecFor(version policy.SchemaVersion, detect bool, blob string) (*policy.Codec, error) {
	switch {
	case detect:
		schema, err := policy.DetectSchema(blob)
		if err != nil {
			return nil, err
		}
		return policy.NewCodec(schema.Version)
	case version != "" && version != s.codec.Schema().Version:
		return policy.NewCodec(version)
	default:
		return s.codec, nil
	}
}

// handleEncode turns a decoded output back into its blob. Only the raw data is read.
func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	var out model.PolicyOutput
	if err := decodeJSON(w, r, &out); err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}

	codec, err := s.codecFor(out.Schema, false, "")
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	rec, err := out.Record(codec)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	blob, err := codec.Encode(rec)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schema": codec.Schema().Version,
		"blob":   blob,
	})
}

type calldataRequest struct {
	Method string `json:"method"`

	// newPolicy
	Policy   *model.PolicyInput `json:"policy,omitempty"`
	Customer string             `json:"customer,omitempty"`

	// resolvePolicy and resolvePolicyFullPayout
	Output      *model.PolicyOutput `json:"output,omitempty"`
	Payout      fixedpoint.Value    `json:"payout"`
	CustomerWon bool                `json:"customerWon,omitempty"`

	// Flight delay resolution, by full id or by the module's internal id
	PolicyID   string  `json:"policyId,omitempty"`
	InternalID *uint64 `json:"internalId,omitempty"`
}

// handleCalldata builds the transaction data of a risk module call. Signing and
// submission are left to the caller.
func (s *Server) handleCalldata(w http.ResponseWriter, r *http.Request) {
	var req calldataRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}

	data, err := s.calldata(req)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"to":     s.riskModule.Address().Hex(),
		"method": req.Method,
		"data":   hexutil.Encode(data),
	})
}

func (s *Server) calldata(req calldataRequest) ([]byte, error) {
	rm := s.riskModule
	switch req.Method {
	case "newPolicy":
		if req.Policy == nil {
			return nil, fmt.Errorf("%w: policy is required", errBadRequest)
		}
		if !common.IsHexAddress(req.Customer) {
			return nil, fmt.Errorf("%w: customer %q is not an address", errBadRequest, req.Customer)
		}
		now := s.now()
		args, err := rm.BuildNewPolicyArgs(*req.Policy, common.HexToAddress(req.Customer), now)
		if err != nil {
			return nil, err
		}
		if s.verifier != nil && rm.Type().RequiresQuote() {
			if err := s.verifier.Verify(rm.QuoteTerms(args), args.Quote, now); err != nil {
				return nil, err
			}
		}
		return rm.NewPolicyCalldata(args)

	case "resolvePolicy", "resolvePolicyFullPayout":
		if rm.Type() == types.FlightDelayRiskModule && req.Method == "resolvePolicy" {
			id, err := s.flightDelayPolicyID(req)
			if err != nil {
				return nil, err
			}
			return rm.ResolveFlightDelayCalldata(id)
		}
		if req.Output == nil {
			return nil, fmt.Errorf("%w: output is required", errBadRequest)
		}
		rec, err := req.Output.Record(s.codec)
		if err != nil {
			return nil, err
		}
		if req.Method == "resolvePolicyFullPayout" {
			return rm.ResolvePolicyFullPayoutCalldata(rec, req.CustomerWon)
		}
		payout, err := s.converters.Amount.ToFixed(req.Payout)
		if err != nil {
			return nil, err
		}
		return rm.ResolvePolicyCalldata(rec, payout)

	default:
		return nil, fmt.Errorf("%w: unknown method %q", errBadRequest, req.Method)
	}
}

func (s *Server) flightDelayPolicyID(req calldataRequest) (*uint256.Int, error) {
	switch {
	case req.PolicyID != "":
		id, err := uint256.FromDecimal(req.PolicyID)
		if err != nil {
			return nil, fmt.Errorf("%w: policyId: %v", errBadRequest, err)
		}
		return id, nil
	case req.InternalID != nil:
		id := policy.PolicyID(s.riskModule.Address(), *req.InternalID)
		return &id, nil
	case req.Output != nil:
		rec, err := req.Output.Record(s.codec)
		if err != nil {
			return nil, err
		}
		return &rec.ID, nil
	default:
		return nil, fmt.Errorf("%w: policyId, internalId or output is required", errBadRequest)
	}
}

type quoteRequest struct {
	Payout     fixedpoint.Value `json:"payout"`
	Expiration json.RawMessage  `json:"expiration"`
	Data       json.RawMessage  `json:"data,omitempty"`
}

type quoteResponse struct {
	Request quote.Request     `json:"request"`
	Quote   quote.Response    `json:"quote"`
	Policy  model.PolicyInput `json:"policy"`
}

// handleQuote asks the quote service to price a policy and returns the signed quote
// together with the policy input it produces
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if s.quotes == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, quote.ErrNotConfigured.Error())
		return
	}

	var body quoteRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	if body.Payout.IsAbsent() || len(body.Expiration) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "payout and expiration are required")
		return
	}
	expiration, err := rawText(body.Expiration)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "expiration: "+err.Error())
		return
	}

	now := s.now()
	req, err := quote.NewRequest(body.Payout.String(), expiration, body.Data, now)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()
	resp, err := s.quotes.Quote(ctx, req)
	if s.breaker != nil {
		s.metrics.circuitBreaker.Set(float64(s.breaker.GetState()))
	}
	if err != nil {
		s.metrics.quoteErrors.WithLabelValues(quoteErrorKind(err)).Inc()
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}

	input := quote.ToPolicyInput(req, resp)
	if s.verifier != nil && s.riskModule.Type().RequiresQuote() {
		if err := s.verifyQuote(input, now); err != nil {
			s.metrics.quoteErrors.WithLabelValues("signature").Inc()
			s.errorResponse(w, http.StatusBadGateway, "quote signature: "+err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, quoteResponse{Request: req, Quote: resp, Policy: input})
}

// verifyQuote checks the quote signature over the converted terms. The customer is
// not part of the signed terms.
func (s *Server) verifyQuote(input model.PolicyInput, now time.Time) error {
	args, err := s.riskModule.BuildNewPolicyArgs(input, common.Address{}, now)
	if err != nil {
		return err
	}
	return s.verifier.Verify(s.riskModule.QuoteTerms(args), args.Quote, now)
}

func quoteErrorKind(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, circuitbreaker.ErrThresholdViolation):
		return "threshold"
	case errors.Is(err, quote.ErrQuoteRejected):
		return "rejected"
	case errors.Is(err, quote.ErrQuoteUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

// handleParams returns the mapped risk module parameters
func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	params, err := s.params(r.Context(), nil)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		s.errorResponse(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"riskModule": s.riskModule.Address().Hex(),
		"type":       s.riskModule.Type(),
		"params":     params,
	})
}

// errorResponse returns a formatted error response in the Chainlink envelope
func (s *Server) errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	s.errorResponseWithData(w, statusCode, errorMsg, nil)
}

func (s *Server) errorResponseWithData(w http.ResponseWriter, statusCode int, errorMsg string, data map[string]interface{}) {
	if statusCode >= http.StatusInternalServerError {
		logrus.Warn(errorMsg)
	} else {
		logrus.Debug(errorMsg)
	}

	if data == nil {
		data = make(map[string]interface{})
	}
	data["error"] = errorMsg

	writeJSON(w, statusCode, ChainlinkResponse{
		StatusCode: statusCode,
		Status:     "error",
		Error:      errorMsg,
		Data:       data,
	})
}

func statusOrBadRequest(err error) int {
	if status := statusFor(err); status != http.StatusInternalServerError {
		return status
	}
	return http.StatusBadRequest
}
