// Package config provides configuration loading and management for the application.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourorg/ensuro-policy-ea/internal/circuitbreaker"
	"github.com/yourorg/ensuro-policy-ea/internal/fixedpoint"
	"github.com/yourorg/ensuro-policy-ea/internal/policy"
	"github.com/yourorg/ensuro-policy-ea/internal/security"
	"github.com/yourorg/ensuro-policy-ea/internal/types"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// AmountDecimals is the precision of monetary amounts on the deployment's ledger.
	// It is read once at startup and passed to every converter.
	AmountDecimals int

	// PolicySchema selects the layout of policy blobs. Blobs carry no version tag, so
	// this is never inferred.
	PolicySchema policy.SchemaVersion

	// Risk module contract and RPC endpoint
	Ledger types.LedgerConfig

	// Quote service
	QuoteEndpoint string
	QuoteAPIKey   string
	QuoteSigner   string
	Verification  security.VerificationOptions

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Timeouts and limits
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	EnableMetrics  bool

	// Decoded policy export
	Export ExportConfig

	// Quote circuit breaker
	Breaker           circuitbreaker.Thresholds
	CircuitResetDelay time.Duration
}

// ExportConfig defines settings for the decoded policy webhook
type ExportConfig struct {
	WebhookURL    string        `yaml:"webhook_url"`
	WebhookAPIKey string        `yaml:"webhook_api_key"`
	BatchSize     int           `yaml:"batch_size"`
	Interval      time.Duration `yaml:"interval"`
}

// Enabled reports whether a webhook is configured
func (e ExportConfig) Enabled() bool { return e.WebhookURL != "" }

// Load creates a new Config from environment variables
func Load() Config {
	verification := security.DefaultVerificationOptions()
	verification.StrictMode = GetEnvAsBool("QUOTE_STRICT_MODE", verification.StrictMode)
	verification.ClockSkew = GetEnvAsDuration("QUOTE_CLOCK_SKEW", verification.ClockSkew)

	breaker := circuitbreaker.DefaultThresholds()
	breaker.MaxLossProb = GetEnvAsFloat("BREAKER_MAX_LOSS_PROB", breaker.MaxLossProb)
	breaker.MaxPremiumRatio = GetEnvAsFloat("BREAKER_MAX_PREMIUM_RATIO", breaker.MaxPremiumRatio)
	breaker.MinValidity = GetEnvAsDuration("BREAKER_MIN_VALIDITY", breaker.MinValidity)
	breaker.MaxConsecutiveFailures = GetEnvAsInt("BREAKER_MAX_FAILURES", breaker.MaxConsecutiveFailures)

	signer := GetEnvOrDefault("QUOTE_SIGNER", "")
	verification.VerificationRequired = signer != ""

	return Config{
		Port:           GetEnvOrDefault("PORT", "8080"),
		AmountDecimals: GetEnvAsInt("AMOUNT_DECIMALS", fixedpoint.MinAmountDecimals),
		PolicySchema:   policy.SchemaVersion(strings.ToLower(GetEnvOrDefault("POLICY_SCHEMA", string(policy.SchemaV2)))),
		Ledger: types.LedgerConfig{
			RPCEndpoint: GetEnvOrDefault("RPC_URL", ""),
			RiskModule:  GetEnvOrDefault("RM_ADDRESS", ""),
			Type:        types.RiskModuleType(GetEnvOrDefault("RM_TYPE", string(types.SignedQuoteRiskModule))),
		},
		QuoteEndpoint:     GetEnvOrDefault("QUOTE_ENDPOINT", ""),
		QuoteAPIKey:       GetEnvOrDefault("QUOTE_API_KEY", ""),
		QuoteSigner:       signer,
		Verification:      verification,
		OtelEndpoint:      GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		RequestTimeout:    GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		RateLimitRPS:      GetEnvAsFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:    GetEnvAsInt("RATE_LIMIT_BURST", 10),
		EnableMetrics:     GetEnvAsBool("ENABLE_METRICS", true),
		Breaker:           breaker,
		CircuitResetDelay: GetEnvAsDuration("CIRCUIT_RESET_DELAY", 5*time.Minute),
		Export: ExportConfig{
			WebhookURL:    GetEnvOrDefault("EXPORT_WEBHOOK_URL", ""),
			WebhookAPIKey: GetEnvOrDefault("EXPORT_WEBHOOK_API_KEY", ""),
			BatchSize:     GetEnvAsInt("EXPORT_BATCH_SIZE", 50),
			Interval:      GetEnvAsDuration("EXPORT_INTERVAL", time.Minute),
		},
	}
}

// Validate checks the settings that would otherwise fail deep inside a request.
func (c Config) Validate() error {
	if c.AmountDecimals < fixedpoint.MinAmountDecimals || c.AmountDecimals > 77 {
		return fmt.Errorf("%w: AMOUNT_DECIMALS must be between %d and 77, got %d",
			ErrInvalidConfig, fixedpoint.MinAmountDecimals, c.AmountDecimals)
	}
	if _, err := policy.LookupSchema(c.PolicySchema); err != nil {
		return fmt.Errorf("%w: POLICY_SCHEMA: %v", ErrInvalidConfig, err)
	}
	rmType, err := types.ParseRiskModuleType(string(c.Ledger.Type))
	if err != nil {
		return fmt.Errorf("%w: RM_TYPE: %v", ErrInvalidConfig, err)
	}
	if rmType != c.Ledger.Type {
		return fmt.Errorf("%w: RM_TYPE must be spelled %q", ErrInvalidConfig, rmType)
	}
	if c.Ledger.RiskModule != "" && !common.IsHexAddress(c.Ledger.RiskModule) {
		return fmt.Errorf("%w: RM_ADDRESS %q is not an address", ErrInvalidConfig, c.Ledger.RiskModule)
	}
	if c.QuoteSigner != "" && !common.IsHexAddress(c.QuoteSigner) {
		return fmt.Errorf("%w: QUOTE_SIGNER %q is not an address", ErrInvalidConfig, c.QuoteSigner)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("%w: rate limit must be positive", ErrInvalidConfig)
	}
	if c.Export.Enabled() && c.Export.BatchSize <= 0 {
		return fmt.Errorf("%w: EXPORT_BATCH_SIZE must be positive", ErrInvalidConfig)
	}
	return nil
}

// Converters returns the converter set for the configured amount precision.
func (c Config) Converters() (fixedpoint.Set, error) {
	return fixedpoint.NewSet(uint8(c.AmountDecimals))
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a bool with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
