// Package main is the entry point for the Ensuro Policy External Adapter: premium
// estimation, policy blob decoding and encoding, signed quotes and risk module calldata
// over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/ensuro-policy-ea/internal/circuitbreaker"
	"github.com/yourorg/ensuro-policy-ea/internal/config"
	"github.com/yourorg/ensuro-policy-ea/internal/export"
	"github.com/yourorg/ensuro-policy-ea/internal/fixedpoint"
	"github.com/yourorg/ensuro-policy-ea/internal/ledger"
	"github.com/yourorg/ensuro-policy-ea/internal/otel"
	"github.com/yourorg/ensuro-policy-ea/internal/policy"
	"github.com/yourorg/ensuro-policy-ea/internal/quote"
	"github.com/yourorg/ensuro-policy-ea/internal/security"
	"golang.org/x/time/rate"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

const version = "1.0.0"

// Server represents the External Adapter server instance
type Server struct {
	// Configuration for the server
	config config.Config

	// Policy blob codec for the configured schema
	codec *policy.Codec

	// Converters for the configured amount precision
	converters fixedpoint.Set

	// Risk module contract; reads need an RPC endpoint
	riskModule *ledger.RiskModule

	// Quote service client, nil when no endpoint is configured
	quotes *quote.Client

	// Verifies quote signatures, nil when no signer is configured
	verifier *security.QuoteVerifier

	// Circuit breaker guarding the quote service
	breaker *circuitbreaker.CircuitBreaker

	// Decoded policy webhook
	exporter *export.Exporter

	// Inbound request limiter
	rateLimit *rate.Limiter

	// Metrics registry
	registry *prometheus.Registry
	metrics  *serverMetrics

	// HTTP server instance
	server *http.Server

	now func() time.Time
}

// Dependencies are the components a Server is built from
type Dependencies struct {
	Codec      *policy.Codec
	Converters fixedpoint.Set
	RiskModule *ledger.RiskModule
	Quotes     *quote.Client
	Verifier   *security.QuoteVerifier
	Breaker    *circuitbreaker.CircuitBreaker
	Exporter   *export.Exporter
}

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	quoteErrors     *prometheus.CounterVec
	circuitBreaker  prometheus.Gauge
	minimumPremium  prometheus.Histogram
	decodedPolicies *prometheus.CounterVec
}

// registerMetrics sets up Prometheus metrics collection on reg
func registerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensuro_ea_requests_total",
				Help: "Total number of requests processed",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ensuro_ea_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		quoteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensuro_ea_quote_errors_total",
				Help: "Total number of failed quote requests",
			},
			[]string{"kind"},
		),
		circuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ensuro_ea_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		minimumPremium: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ensuro_ea_minimum_premium_ratio",
				Help:    "Computed minimum premium as a fraction of the payout",
				Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
			},
		),
		decodedPolicies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensuro_ea_decoded_policies_total",
				Help: "Number of policy blobs decoded",
			},
			[]string{"schema"},
		),
	}

	reg.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.quoteErrors,
		m.circuitBreaker,
		m.minimumPremium,
		m.decodedPolicies,
	)

	return m
}

// main is the entry point for the application
func main() {
	// Configure logging
	setupLogging()

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatalf("Configuration error: %v", err)
	}

	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	deps, err := buildDependencies(context.Background(), cfg)
	if err != nil {
		logrus.Fatalf("Startup failed: %v", err)
	}

	// Create and start server
	server := NewServer(cfg, deps)
	server.Start()
}

// loadConfig reads the environment, overlays CONFIG_FILE when set, and validates
func loadConfig() (config.Config, error) {
	cfg := config.Load()
	if path, ok := config.GetEnv("CONFIG_FILE"); ok && path != "" {
		var err error
		if cfg, err = config.LoadFile(path, cfg); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// buildDependencies wires the codec, converters, risk module, quote client and exporter
func buildDependencies(ctx context.Context, cfg config.Config) (Dependencies, error) {
	codec, err := policy.NewCodec(cfg.PolicySchema)
	if err != nil {
		return Dependencies{}, err
	}
	converters, err := cfg.Converters()
	if err != nil {
		return Dependencies{}, err
	}

	var caller ledger.Caller
	if cfg.Ledger.RPCEndpoint != "" {
		client, err := ledger.Dial(ctx, cfg.Ledger.RPCEndpoint)
		if err != nil {
			return Dependencies{}, err
		}
		caller = client
	} else {
		logrus.Warn("RPC_URL not set: risk module reads are disabled")
	}

	riskModule, err := ledger.New(ledger.Options{
		Address:    common.HexToAddress(cfg.Ledger.RiskModule),
		Type:       cfg.Ledger.Type,
		Codec:      codec,
		Converters: converters,
		Caller:     caller,
	})
	if err != nil {
		return Dependencies{}, err
	}

	breaker := circuitbreaker.New(cfg.Breaker).
		WithResetDelay(cfg.CircuitResetDelay).
		WithTripCallback(func(reason string, history []circuitbreaker.Observation) {
			logrus.WithFields(logrus.Fields{
				"reason":          reason,
				"accepted_quotes": len(history),
			}).Warn("Quote service circuit opened")
		})

	deps := Dependencies{
		Codec:      codec,
		Converters: converters,
		RiskModule: riskModule,
		Verifier:   cfg.CreateQuoteVerifier(),
		Breaker:    breaker,
		Exporter:   export.NewExporter(cfg.Export),
	}

	if cfg.QuoteEndpoint != "" {
		deps.Quotes, err = quote.NewClient(quote.ClientOptions{
			Endpoint:       cfg.QuoteEndpoint,
			APIKey:         cfg.QuoteAPIKey,
			Timeout:        cfg.RequestTimeout,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
			Breaker:        breaker,
			CheckDataHash:  true,
		})
		if err != nil {
			return Dependencies{}, err
		}
	}
	return deps, nil
}

// NewServer creates a new server instance
func NewServer(cfg config.Config, deps Dependencies) *Server {
	registry := prometheus.NewRegistry()

	s := &Server{
		config:     cfg,
		codec:      deps.Codec,
		converters: deps.Converters,
		riskModule: deps.RiskModule,
		quotes:     deps.Quotes,
		verifier:   deps.Verifier,
		breaker:    deps.Breaker,
		exporter:   deps.Exporter,
		rateLimit:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		registry:   registry,
		metrics:    registerMetrics(registry),
		now:        time.Now,
	}
	if s.exporter == nil {
		s.exporter = export.NewExporter(config.ExportConfig{})
	}

	logrus.WithFields(logrus.Fields{
		"port":            cfg.Port,
		"schema":          cfg.PolicySchema,
		"amount_decimals": cfg.AmountDecimals,
		"risk_module":     cfg.Ledger.RiskModule,
		"rm_type":         cfg.Ledger.Type,
		"quotes":          s.quotes != nil,
		"verifier":        s.verifier != nil,
		"export":          cfg.Export.Enabled(),
		"metrics":         cfg.EnableMetrics,
	}).Info("Server initialized")

	return s
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	s.exporter.Start(ctx)

	// Configure server with timeouts
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second + s.config.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.Fatalf("Server shutdown failed: %v", err)
	}
	if err := s.exporter.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Final policy export failed")
	}

	logrus.Info("Server stopped")
}
