package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/ensuro-policy-ea/internal/policy"
	"github.com/yourorg/ensuro-policy-ea/internal/security"
	"github.com/yourorg/ensuro-policy-ea/internal/types"
	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML overlay applied on top of the environment. Every field is
// optional; a missing key keeps the value already loaded.
type FileConfig struct {
	Server         *ServerSection  `yaml:"server"`
	AmountDecimals *int            `yaml:"amount_decimals"`
	PolicySchema   *string         `yaml:"policy_schema"`
	Ledger         *LedgerSection  `yaml:"ledger"`
	Quote          *QuoteSection   `yaml:"quote"`
	Breaker        *BreakerSection `yaml:"breaker"`
	Export         *ExportConfig   `yaml:"export"`
}

// ServerSection holds HTTP settings
type ServerSection struct {
	Port           *string        `yaml:"port"`
	RequestTimeout *time.Duration `yaml:"request_timeout"`
	RateLimitRPS   *float64       `yaml:"rate_limit_rps"`
	RateLimitBurst *int           `yaml:"rate_limit_burst"`
	EnableMetrics  *bool          `yaml:"enable_metrics"`
	OtelEndpoint   *string        `yaml:"otel_endpoint"`
}

// LedgerSection mirrors types.LedgerConfig with optional fields
type LedgerSection struct {
	RPCEndpoint *string `yaml:"rpc_endpoint"`
	RiskModule  *string `yaml:"risk_module"`
	Type        *string `yaml:"type"`
}

// QuoteSection configures the quote service and signature checks
type QuoteSection struct {
	Endpoint   *string        `yaml:"endpoint"`
	APIKey     *string        `yaml:"api_key"`
	Signer     *string        `yaml:"signer"`
	StrictMode *bool          `yaml:"strict_mode"`
	ClockSkew  *time.Duration `yaml:"clock_skew"`
}

// BreakerSection configures the quote circuit breaker
type BreakerSection struct {
	MaxLossProb            *float64       `yaml:"max_loss_prob"`
	MaxPremiumRatio        *float64       `yaml:"max_premium_ratio"`
	MinValidity            *time.Duration `yaml:"min_validity"`
	MaxConsecutiveFailures *int           `yaml:"max_consecutive_failures"`
	ResetDelay             *time.Duration `yaml:"reset_delay"`
}

// LoadFile reads a YAML file and overlays it on base. Secrets set in the environment
// win over the file.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := fc.Apply(base)
	cfg = applyEnvOverrides(cfg)

	logrus.Infof("Loaded configuration from %s", path)
	return cfg, nil
}

// Apply returns base with every set field of fc copied over it.
func (fc FileConfig) Apply(base Config) Config {
	cfg := base
	if s := fc.Server; s != nil {
		setIf(&cfg.Port, s.Port)
		setIf(&cfg.RequestTimeout, s.RequestTimeout)
		setIf(&cfg.RateLimitRPS, s.RateLimitRPS)
		setIf(&cfg.RateLimitBurst, s.RateLimitBurst)
		setIf(&cfg.EnableMetrics, s.EnableMetrics)
		setIf(&cfg.OtelEndpoint, s.OtelEndpoint)
	}
	setIf(&cfg.AmountDecimals, fc.AmountDecimals)
	if fc.PolicySchema != nil {
		cfg.PolicySchema = policy.SchemaVersion(*fc.PolicySchema)
	}
	if l := fc.Ledger; l != nil {
		setIf(&cfg.Ledger.RPCEndpoint, l.RPCEndpoint)
		setIf(&cfg.Ledger.RiskModule, l.RiskModule)
		if l.Type != nil {
			cfg.Ledger.Type = types.RiskModuleType(*l.Type)
		}
	}
	if q := fc.Quote; q != nil {
		setIf(&cfg.QuoteEndpoint, q.Endpoint)
		setIf(&cfg.QuoteAPIKey, q.APIKey)
		setIf(&cfg.QuoteSigner, q.Signer)
		setIf(&cfg.Verification.StrictMode, q.StrictMode)
		setIf(&cfg.Verification.ClockSkew, q.ClockSkew)
		cfg.Verification.VerificationRequired = cfg.QuoteSigner != ""
	}
	if b := fc.Breaker; b != nil {
		setIf(&cfg.Breaker.MaxLossProb, b.MaxLossProb)
		setIf(&cfg.Breaker.MaxPremiumRatio, b.MaxPremiumRatio)
		setIf(&cfg.Breaker.MinValidity, b.MinValidity)
		setIf(&cfg.Breaker.MaxConsecutiveFailures, b.MaxConsecutiveFailures)
		setIf(&cfg.CircuitResetDelay, b.ResetDelay)
	}
	if fc.Export != nil {
		cfg.Export = *fc.Export
	}
	return cfg
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// applyEnvOverrides keeps credentials out of config files
func applyEnvOverrides(cfg Config) Config {
	if port, ok := GetEnv("PORT"); ok && port != "" {
		cfg.Port = port
	}
	if key, ok := GetEnv("QUOTE_API_KEY"); ok && key != "" {
		cfg.QuoteAPIKey = key
	}
	if key, ok := GetEnv("EXPORT_WEBHOOK_API_KEY"); ok && key != "" {
		cfg.Export.WebhookAPIKey = key
	}
	return cfg
}

// CreateQuoteVerifier builds the signature verifier, or returns nil when no signer is
// configured.
func (c Config) CreateQuoteVerifier() *security.QuoteVerifier {
	if c.QuoteSigner == "" {
		return nil
	}
	return security.NewQuoteVerifier(common.HexToAddress(c.QuoteSigner), c.Verification)
}
