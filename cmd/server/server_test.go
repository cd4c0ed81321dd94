package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/ensuro-policy-ea/internal/circuitbreaker"
	"github.com/yourorg/ensuro-policy-ea/internal/config"
	"github.com/yourorg/ensuro-policy-ea/internal/fixedpoint"
	"github.com/yourorg/ensuro-policy-ea/internal/ledger"
	"github.com/yourorg/ensuro-policy-ea/internal/model"
	"github.com/yourorg/ensuro-policy-ea/internal/policy"
	"github.com/yourorg/ensuro-policy-ea/internal/premium"
	"github.com/yourorg/ensuro-policy-ea/internal/quote"
	"github.com/yourorg/ensuro-policy-ea/internal/security"
	"github.com/yourorg/ensuro-policy-ea/internal/types"
)

var testNow = time.Unix(1700000000, 0)

const (
	testRiskModule = "0xd6f5494e724baed8abd48d296ac06fbf98f4566e"
	testCustomer   = "0x4e1e1c2c8e3b1e1e2f4a7b0d3c6e9f1a2b3c4d5e"
)

func testConfig() config.Config {
	return config.Config{
		Port:           "0",
		AmountDecimals: 6,
		PolicySchema:   policy.SchemaV2,
		Ledger: types.LedgerConfig{
			RiskModule: testRiskModule,
			Type:       types.TrustfulRiskModule,
		},
		RequestTimeout: 5 * time.Second,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		EnableMetrics:  true,
	}
}

func newTestServer(t *testing.T, cfg config.Config, quotes *quote.Client) *Server {
	t.Helper()
	codec, err := policy.NewCodec(cfg.PolicySchema)
	require.NoError(t, err)
	set, err := cfg.Converters()
	require.NoError(t, err)
	rm, err := ledger.New(ledger.Options{
		Address:    common.HexToAddress(cfg.Ledger.RiskModule),
		Type:       cfg.Ledger.Type,
		Codec:      codec,
		Converters: set,
	})
	require.NoError(t, err)

	s := NewServer(cfg, Dependencies{
		Codec:      codec,
		Converters: set,
		RiskModule: rm,
		Quotes:     quotes,
		Breaker:    circuitbreaker.New(circuitbreaker.DefaultThresholds()),
	})
	s.now = func() time.Time { return testNow }
	return s
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func samplePolicy(t *testing.T) (policy.PolicyRecord, *policy.Codec) {
	t.Helper()
	codec, err := policy.NewCodec(policy.SchemaV2)
	require.NoError(t, err)
	rec := policy.PolicyRecord{
		ID:          *uint256.NewInt(7),
		Payout:      *uint256.NewInt(1000_000000),
		Premium:     *uint256.NewInt(120_500000),
		JrScr:       *uint256.NewInt(50_000000),
		SrScr:       *uint256.NewInt(150_000000),
		LossProb:    *new(uint256.Int).Mul(uint256.NewInt(1), fixedpoint.Pow10(17)),
		PurePremium: *uint256.NewInt(100_000000),
		JrCoc:       *uint256.NewInt(1_250000),
		RiskModule:  common.HexToAddress(testRiskModule),
		Start:       uint64(testNow.Unix()),
		Expiration:  uint64(testNow.Unix() + 30*86400),
	}
	return rec, codec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	rec := do(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, "2023-11-14T22:13:20Z", body["timestamp"])
}

func TestPremium(t *testing.T) {
	tests := []struct {
		name           string
		expiration     string
		wantExpiration int64
	}{
		{name: "tagged days", expiration: `{"days": 30}`, wantExpiration: testNow.Unix() + 30*86400},
		{name: "tagged seconds", expiration: `{"seconds": 3600}`, wantExpiration: testNow.Unix() + 3600},
		{name: "legacy days", expiration: `29`, wantExpiration: testNow.Unix() + 29*86400},
		{name: "legacy timestamp", expiration: `1700086400`, wantExpiration: 1700086400},
	}

	s := newTestServer(t, testConfig(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := fmt.Sprintf(`{"params": {"moc": 1}, "payout": "1000", "lossProb": 0.1, "expiration": %s}`, tt.expiration)
			rec := do(s, http.MethodPost, "/premium", body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var resp premiumResponse
			decodeBody(t, rec, &resp)
			assert.InDelta(t, 100, resp.MinimumPremium, 1e-9)
			assert.InDelta(t, 100, resp.PurePremium, 1e-9)
			assert.Zero(t, resp.JrScr)
			assert.Equal(t, tt.wantExpiration, resp.Expiration)
		})
	}
}

func TestPremium_WithCostOfCapital(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	body := `{
		"params": {"moc": 1, "jrCollRatio": 0.1, "collRatio": 0.2, "ensuroPpFee": 0.02,
		           "ensuroCocFee": 0.1, "jrRoc": 0.1, "srRoc": 0.05},
		"payout": 1000, "lossProb": 0.05, "expiration": {"seconds": 31536000}
	}`
	rec := do(s, http.MethodPost, "/premium", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp premium.Breakdown
	decodeBody(t, rec, &resp)
	// pure 50, jrScr 50, srScr 100, jrCoc 5, srCoc 5, commission 1 + 1
	assert.InDelta(t, 50, resp.PurePremium, 1e-9)
	assert.InDelta(t, 50, resp.JrScr, 1e-9)
	assert.InDelta(t, 100, resp.SrScr, 1e-9)
	assert.InDelta(t, 5, resp.JrCoc, 1e-9)
	assert.InDelta(t, 5, resp.SrCoc, 1e-9)
	assert.InDelta(t, 2, resp.EnsuroCommission, 1e-9)
	assert.InDelta(t, 62, resp.MinimumPremium, 1e-9)
}

func TestPremium_NegativeIsUnprocessable(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	rec := do(s, http.MethodPost, "/premium",
		`{"params": {"moc": -1}, "payout": "1000", "lossProb": "0.1", "expiration": {"days": 1}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Breakdown premium.Breakdown `json:"breakdown"`
		} `json:"data"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "error", resp.Status)
	assert.InDelta(t, -100, resp.Data.Breakdown.MinimumPremium, 1e-9)
}

func TestPremium_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "empty body", body: ``, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"params": {"moc": 1}, "payout": 1, "lossProb": 0.1, "expiration": 29, "extra": 1}`, want: http.StatusBadRequest},
		{name: "missing expiration", body: `{"params": {"moc": 1}, "payout": 1, "lossProb": 0.1}`, want: http.StatusBadRequest},
		{name: "two expiration tags", body: `{"params": {"moc": 1}, "payout": 1, "lossProb": 0.1, "expiration": {"days": 1, "seconds": 2}}`, want: http.StatusBadRequest},
		{name: "fractional legacy expiration", body: `{"params": {"moc": 1}, "payout": 1, "lossProb": 0.1, "expiration": 2.5}`, want: http.StatusBadRequest},
		{name: "legacy expiration past uint40", body: `{"params": {"moc": 1}, "payout": 1, "lossProb": 0.1, "expiration": 1e19}`, want: http.StatusBadRequest},
		{name: "day count past uint40", body: `{"params": {"moc": 1}, "payout": 1, "lossProb": 0.1, "expiration": {"days": 106751991167301}}`, want: http.StatusBadRequest},
		{name: "exponent payout", body: `{"params": {"moc": 1}, "payout": "1e3", "lossProb": 0.1, "expiration": 29}`, want: http.StatusBadRequest},
		{name: "malformed payout", body: `{"params": {"moc": 1}, "payout": "abc", "lossProb": 0.1, "expiration": 29}`, want: http.StatusBadRequest},
		{name: "missing loss probability", body: `{"params": {"moc": 1}, "payout": 1, "expiration": 29}`, want: http.StatusBadRequest},
		{name: "no params and no ledger", body: `{"payout": 1, "lossProb": 0.1, "expiration": 29}`, want: http.StatusServiceUnavailable},
	}

	s := newTestServer(t, testConfig(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, "/premium", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var resp ChainlinkResponse
			decodeBody(t, rec, &resp)
			assert.Equal(t, "error", resp.Status)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestChainlinkRequest(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	body := `{
		"id": "1",
		"jobRunId": "job-42",
		"data": {"params": {"moc": 1}, "payout": 1000, "lossProb": 0.1, "expiration": {"seconds": 3600}}
	}`
	rec := do(s, http.MethodPost, "/", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ChainlinkResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "job-42", resp.JobRunID)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "1", resp.Data["id"])
	assert.InDelta(t, 100, resp.Data["result"], 1e-9)
	assert.EqualValues(t, testNow.Unix()+3600, resp.Data["expiration"])
}

func TestChainlinkRequest_BadData(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	rec := do(s, http.MethodPost, "/", `{"id": "1", "data": {"payout": 1, "lossProb": 0.1, "expiration": {"weeks": 1}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPremiumBatch(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	body := `{
		"params": {"moc": 1, "maxPayoutPerPolicy": 10000, "maxDuration": 2160},
		"policies": [
			{"ref": "a", "payout": "1000", "lossProb": 0.05, "expiration": {"days": 30}},
			{"ref": "b", "payout": "20000", "lossProb": 0.05, "expiration": {"days": 30}},
			{"ref": "c", "payout": "1000", "expiration": {"days": 30}},
			{"ref": "d", "payout": "1000", "lossProb": 0.05, "expiration": {"days": 100}},
			{"ref": "e", "payout": 500, "lossProb": "0.1", "expiration": 10}
		]
	}`
	rec := do(s, http.MethodPost, "/premium/batch", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp batchResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].Ref)
	assert.InDelta(t, 50, resp.Results[0].MinimumPremium, 1e-9)
	assert.Equal(t, "e", resp.Results[1].Ref)
	assert.InDelta(t, 50, resp.Results[1].MinimumPremium, 1e-9)

	reasons := map[string]string{}
	for _, r := range resp.Rejected {
		reasons[r.Candidate.Ref] = r.Reason
	}
	require.Len(t, reasons, 3)
	assert.Contains(t, reasons["b"], "exceeds max payout")
	assert.Contains(t, reasons["c"], "lossProb is required")
	assert.Contains(t, reasons["d"], "exceeds max duration")
}

func TestPremiumBatch_Empty(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	rec := do(s, http.MethodPost, "/premium/batch", `{"params": {"moc": 1}, "policies": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecodeEncode_RoundTrip(t *testing.T) {
	rec, codec := samplePolicy(t)
	blob, err := codec.Encode(rec)
	require.NoError(t, err)

	s := newTestServer(t, testConfig(), nil)
	res := do(s, http.MethodPost, "/policies/decode", fmt.Sprintf(`{"blob": %q}`, blob))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var out model.PolicyOutput
	decodeBody(t, res, &out)
	assert.Equal(t, policy.SchemaV2, out.Schema)
	assert.Equal(t, "7", out.ID)
	assert.Equal(t, "1000", out.Payout)
	assert.Equal(t, "120.5", out.Premium)
	assert.Equal(t, "0.1", out.LossProb)
	assert.Equal(t, testRiskModule, out.RiskModule)
	assert.Equal(t, uint64(testNow.Unix()+30*86400), out.Expiration)

	res = do(s, http.MethodPost, "/policies/encode", res.Body.String())
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var encoded struct {
		Schema policy.SchemaVersion `json:"schema"`
		Blob   string               `json:"blob"`
	}
	decodeBody(t, res, &encoded)
	assert.Equal(t, policy.SchemaV2, encoded.Schema)
	assert.Equal(t, blob, encoded.Blob)
}

func TestDecode_CopyFields(t *testing.T) {
	rec, codec := samplePolicy(t)
	blob, err := codec.Encode(rec)
	require.NoError(t, err)

	s := newTestServer(t, testConfig(), nil)
	body := fmt.Sprintf(`{"blob": %q, "input": {"customer": "ACME", "payout": "999"}, "copyFields": ["customer", "payout"]}`, blob)
	res := do(s, http.MethodPost, "/policies/decode", body)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var out map[string]interface{}
	decodeBody(t, res, &out)
	assert.Equal(t, "ACME", out["customer"])
	assert.Equal(t, "1000", out["payout"], "decoded fields are not overwritten")
}

func TestDecode_Errors(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "not hex", body: `{"blob": "0xzz"}`},
		{name: "wrong length", body: `{"blob": "0x00"}`},
		{name: "detect unknown length", body: `{"blob": "0x0000", "detect": true}`},
		{name: "unknown schema", body: `{"blob": "0x00", "schema": "v9"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, "/policies/decode", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestDecode_DetectSchema(t *testing.T) {
	codec, err := policy.NewCodec(policy.SchemaV1)
	require.NoError(t, err)
	rec := policy.PolicyRecord{
		ID:         *uint256.NewInt(2),
		Payout:     *uint256.NewInt(400_000000),
		RiskModule: common.HexToAddress(testRiskModule),
		Expiration: uint64(testNow.Unix()),
	}
	blob, err := codec.Encode(rec)
	require.NoError(t, err)

	s := newTestServer(t, testConfig(), nil)
	res := do(s, http.MethodPost, "/policies/decode", fmt.Sprintf(`{"blob": %q, "detect": true}`, blob))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var out model.PolicyOutput
	decodeBody(t, res, &out)
	assert.Equal(t, policy.SchemaV1, out.Schema)
	assert.Equal(t, "400", out.Payout)
}

func TestCalldata_NewPolicy(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	body := fmt.Sprintf(`{
		"method": "newPolicy",
		"customer": %q,
		"policy": {"payout": "1000", "premium": null, "lossProb": "0.1", "expiration": {"days": 10}}
	}`, testCustomer)
	res := do(s, http.MethodPost, "/policies/calldata", body)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var resp map[string]string
	decodeBody(t, res, &resp)
	assert.Equal(t, common.HexToAddress(testRiskModule).Hex(), resp["to"])

	input := model.PolicyInput{
		Payout:     fixedpoint.Decimal("1000"),
		LossProb:   fixedpoint.Decimal("0.1"),
		Expiration: premium.RelativeDays(10),
	}
	args, err := s.riskModule.BuildNewPolicyArgs(input, common.HexToAddress(testCustomer), testNow)
	require.NoError(t, err)
	want, err := s.riskModule.NewPolicyCalldata(args)
	require.NoError(t, err)
	assert.Equal(t, hexutil.Encode(want), resp["data"])
}

func TestCalldata_Resolve(t *testing.T) {
	rec, codec := samplePolicy(t)
	s := newTestServer(t, testConfig(), nil)
	out, err := model.NewPolicyOutput(rec, codec, s.converters)
	require.NoError(t, err)
	encodedOutput, err := json.Marshal(out)
	require.NoError(t, err)

	t.Run("full payout", func(t *testing.T) {
		res := do(s, http.MethodPost, "/policies/calldata",
			fmt.Sprintf(`{"method": "resolvePolicyFullPayout", "customerWon": true, "output": %s}`, encodedOutput))
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())

		var resp map[string]string
		decodeBody(t, res, &resp)
		want, err := s.riskModule.ResolvePolicyFullPayoutCalldata(rec, true)
		require.NoError(t, err)
		assert.Equal(t, hexutil.Encode(want), resp["data"])
	})

	t.Run("partial payout", func(t *testing.T) {
		res := do(s, http.MethodPost, "/policies/calldata",
			fmt.Sprintf(`{"method": "resolvePolicy", "payout": "250.5", "output": %s}`, encodedOutput))
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())

		var resp map[string]string
		decodeBody(t, res, &resp)
		want, err := s.riskModule.ResolvePolicyCalldata(rec, fixedpoint.Present(uint256.NewInt(250_500000)))
		require.NoError(t, err)
		assert.Equal(t, hexutil.Encode(want), resp["data"])
	})
}

func TestCalldata_FlightDelay(t *testing.T) {
	cfg := testConfig()
	cfg.Ledger.Type = types.FlightDelayRiskModule
	s := newTestServer(t, cfg, nil)

	res := do(s, http.MethodPost, "/policies/calldata", `{"method": "resolvePolicy", "internalId": 5}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var resp map[string]string
	decodeBody(t, res, &resp)
	id := policy.PolicyID(common.HexToAddress(testRiskModule), 5)
	want, err := s.riskModule.ResolveFlightDelayCalldata(&id)
	require.NoError(t, err)
	assert.Equal(t, hexutil.Encode(want), resp["data"])

	res = do(s, http.MethodPost, "/policies/calldata", fmt.Sprintf(`{"method": "resolvePolicy", "policyId": %q}`, id.Dec()))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	decodeBody(t, res, &resp)
	assert.Equal(t, hexutil.Encode(want), resp["data"])

	res = do(s, http.MethodPost, "/policies/calldata",
		fmt.Sprintf(`{"method": "newPolicy", "customer": %q, "policy": {"payout": "1", "lossProb": "0.1", "expiration": {"days": 1}}}`, testCustomer))
	assert.Equal(t, http.StatusNotImplemented, res.Code)
}

func TestCalldata_Errors(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown method", body: `{"method": "cancelPolicy"}`},
		{name: "missing policy", body: `{"method": "newPolicy", "customer": "` + testCustomer + `"}`},
		{name: "bad customer", body: `{"method": "newPolicy", "customer": "acme", "policy": {"payout": "1", "lossProb": "0.1", "expiration": {"days": 1}}}`},
		{name: "expired policy", body: `{"method": "newPolicy", "customer": "` + testCustomer + `", "policy": {"payout": "1", "lossProb": "0.1", "expiration": {"absolute": 1600000000}}}`},
		{name: "missing output", body: `{"method": "resolvePolicyFullPayout"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, "/policies/calldata", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestQuote(t *testing.T) {
	data := `{"flight": "AR1234", "date": "2023-01-01"}`
	hash, err := security.DataHash(json.RawMessage(data))
	require.NoError(t, err)

	var received map[string]json.RawMessage
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &received)
		fmt.Fprintf(w, `{"premium": null, "loss_prob": 0.02, "data_hash": %q, "valid_until": %d,
			"signature": {"r": "0x01", "vs": "0x02"}}`, hash.Hex(), time.Now().Add(10*time.Minute).Unix())
	}))
	defer upstream.Close()

	client, err := quote.NewClient(quote.ClientOptions{Endpoint: upstream.URL, CheckDataHash: true, RateLimitRPS: 100})
	require.NoError(t, err)
	s := newTestServer(t, testConfig(), client)

	res := do(s, http.MethodPost, "/quote", fmt.Sprintf(`{"payout": "5000", "expiration": 3600, "data": %s}`, data))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	assert.JSONEq(t, `"5000"`, string(received["payout"]))
	assert.JSONEq(t, fmt.Sprint(testNow.Unix()+3600), string(received["expiration"]))

	var resp struct {
		Policy map[string]json.RawMessage `json:"policy"`
	}
	decodeBody(t, res, &resp)
	assert.Equal(t, "null", string(resp.Policy["premium"]))
	assert.JSONEq(t, `0.02`, string(resp.Policy["lossProb"]))
	assert.JSONEq(t, fmt.Sprintf(`{"absolute": %d}`, testNow.Unix()+3600), string(resp.Policy["expiration"]))
	assert.JSONEq(t, fmt.Sprintf(`%q`, hash.Hex()), string(resp.Policy["data_hash"]))
}

func TestQuote_Errors(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s := newTestServer(t, testConfig(), nil)
		rec := do(s, http.MethodPost, "/quote", `{"payout": "1", "expiration": 3600}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error": "unknown flight"}`)
	}))
	defer upstream.Close()
	client, err := quote.NewClient(quote.ClientOptions{Endpoint: upstream.URL, RateLimitRPS: 100})
	require.NoError(t, err)
	s := newTestServer(t, testConfig(), client)

	t.Run("rejected upstream", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/quote", `{"payout": "1", "expiration": 3600}`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("ambiguous expiration", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/quote", `{"payout": "1", "expiration": "123456789"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing payout", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/quote", `{"expiration": 3600}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestParams_NoLedger(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	rec := do(s, http.MethodGet, "/rm/params", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCircuit(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	rec := do(s, http.MethodGet, "/circuit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "closed", resp["state"])

	s.breaker.RecordFailure(fmt.Errorf("boom"))
	rec = do(s, http.MethodPost, "/circuit?action=reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = nil
	decodeBody(t, rec, &resp)
	assert.Equal(t, "Circuit breaker reset", resp["message"])
	assert.EqualValues(t, 0, resp["consecutive_failures"])
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	rec := do(s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status        string                 `json:"status"`
		Configuration map[string]interface{} `json:"configuration"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "operational", resp.Status)
	assert.Equal(t, "v2", resp.Configuration["schema"])
	assert.Equal(t, "TrustfulRiskModule", resp.Configuration["rm_type"])
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	do(s, http.MethodGet, "/health", "")

	rec := do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ensuro_ea_requests_total{route="/health",status="200"} 1`)

	cfg := testConfig()
	cfg.EnableMetrics = false
	s = newTestServer(t, cfg, nil)
	rec = do(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 1
	s := newTestServer(t, cfg, nil)

	body := `{"params": {"moc": 1}, "payout": 1, "lossProb": 0.1, "expiration": 29}`
	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/premium", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodPost, "/premium", body).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "").Code, "operational endpoints are not limited")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", premium.ErrNegativePremium), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", circuitbreaker.ErrCircuitOpen), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", circuitbreaker.ErrThresholdViolation), http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", quote.ErrQuoteUnavailable), http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", policy.ErrMalformedPolicyBlob), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", premium.ErrAmbiguousExpiration), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", fixedpoint.ErrInvalidDecimalPrecision), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", ledger.ErrUnsupportedOperation), http.StatusNotImplemented},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
