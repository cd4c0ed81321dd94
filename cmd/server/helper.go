package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/ensuro-policy-ea/internal/circuitbreaker"
	"github.com/yourorg/ensuro-policy-ea/internal/fixedpoint"
	"github.com/yourorg/ensuro-policy-ea/internal/ledger"
	"github.com/yourorg/ensuro-policy-ea/internal/policy"
	"github.com/yourorg/ensuro-policy-ea/internal/premium"
	"github.com/yourorg/ensuro-policy-ea/internal/quote"
	"github.com/yourorg/ensuro-policy-ea/internal/security"
	"github.com/yourorg/ensuro-policy-ea/internal/validation"
)

// maxBodyBytes bounds request bodies; batches of a few thousand policies fit easily
const maxBodyBytes = 4 << 20

var errBadRequest = errors.New("bad request")

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	// Set log formatter based on environment
	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	// Set log level based on environment
	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// decodeJSON reads a JSON request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty request body", errBadRequest)
		}
		// Value and expiration decoders return sentinels worth keeping
		if statusFor(err) == http.StatusBadRequest {
			return err
		}
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

// writeJSON sends v with the given status code
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to write response")
	}
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, premium.ErrNegativePremium):
		return http.StatusUnprocessableEntity
	case errors.Is(err, circuitbreaker.ErrCircuitOpen),
		errors.Is(err, quote.ErrNotConfigured),
		errors.Is(err, ledger.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrUnsupportedOperation):
		return http.StatusNotImplemented
	case errors.Is(err, circuitbreaker.ErrThresholdViolation),
		errors.Is(err, quote.ErrQuoteUnavailable),
		errors.Is(err, quote.ErrQuoteRejected),
		errors.Is(err, security.ErrInvalidDataHash):
		return http.StatusBadGateway
	case errors.Is(err, errBadRequest),
		errors.Is(err, fixedpoint.ErrMalformedDecimalString),
		errors.Is(err, fixedpoint.ErrInvalidDecimalPrecision),
		errors.Is(err, fixedpoint.ErrInvalidFloat),
		errors.Is(err, fixedpoint.ErrOverflow),
		errors.Is(err, policy.ErrMalformedPolicyBlob),
		errors.Is(err, policy.ErrUnknownSchemaVersion),
		errors.Is(err, policy.ErrFieldOverflow),
		errors.Is(err, policy.ErrFieldNotInSchema),
		errors.Is(err, premium.ErrAmbiguousExpiration),
		errors.Is(err, premium.ErrNonFiniteInput),
		errors.Is(err, quote.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInvalidPolicyInput),
		errors.Is(err, security.ErrInvalidSignature),
		errors.Is(err, security.ErrSignerMismatch),
		errors.Is(err, security.ErrQuoteExpired),
		errors.Is(err, validation.ErrInvalidPolicy):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// valueFloat is the float of a human-scale amount or ratio
func valueFloat(name string, v fixedpoint.Value) (float64, error) {
	if v.IsAbsent() {
		return 0, fmt.Errorf("%w: %s is required", errBadRequest, name)
	}
	if v.Kind() == fixedpoint.KindDecimal {
		d, err := fixedpoint.ParseDecimal(v.String())
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return d.InexactFloat64(), nil
	}
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", fixedpoint.ErrMalformedDecimalString, name, v.String())
	}
	return d.InexactFloat64(), nil
}

// rawText returns a JSON string's content or a JSON number's literal text
func rawText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: expected a string or a number", errBadRequest)
	}
	return n.String(), nil
}
