// Package export ships decoded policies to an external webhook in batches.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/ensuro-policy-ea/internal/config"
	"github.com/yourorg/ensuro-policy-ea/internal/model"
)

// Exporter batches policy outputs and posts them to a webhook
type Exporter struct {
	cfg    config.ExportConfig
	client *retryablehttp.Client

	mutex      sync.Mutex
	batch      []model.PolicyOutput
	lastExport time.Time
	exported   int
	failed     int

	cancel context.CancelFunc
	done   chan struct{}
}

// Payload is the body posted to the webhook
type Payload struct {
	Policies   []model.PolicyOutput `json:"policies"`
	ExportTime string               `json:"export_time"`
	Count      int                  `json:"count"`
}

// Status describes the exporter for the status endpoint
type Status struct {
	Enabled      bool   `json:"enabled"`
	BatchSize    int    `json:"batch_size"`
	Interval     string `json:"export_interval"`
	CurrentBatch int    `json:"current_batch"`
	Exported     int    `json:"exported"`
	Failed       int    `json:"failed"`
	LastExport   string `json:"last_export,omitempty"`
}

// NewExporter creates an exporter. A disabled config yields an exporter whose methods
// are no-ops.
func NewExporter(cfg config.ExportConfig) *Exporter {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Exporter{
		cfg:    cfg,
		client: newRetryClient(),
		batch:  make([]model.PolicyOutput, 0, cfg.BatchSize),
	}
}

func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil
	return c
}

// Start runs the periodic flush until ctx is done or Stop is called.
func (e *Exporter) Start(ctx context.Context) {
	if !e.cfg.Enabled() {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.Flush(ctx); err != nil {
					logrus.WithError(err).Error("Periodic policy export failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	logrus.WithFields(logrus.Fields{
		"webhook":  e.cfg.WebhookURL,
		"interval": e.cfg.Interval,
	}).Info("Policy exporter started")
}

// Stop halts the periodic flush and exports what is left.
func (e *Exporter) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	return e.Flush(ctx)
}

// Add queues outputs. Reaching the batch size triggers an asynchronous flush.
func (e *Exporter) Add(outputs ...model.PolicyOutput) {
	if !e.cfg.Enabled() || len(outputs) == 0 {
		return
	}

	e.mutex.Lock()
	e.batch = append(e.batch, outputs...)
	full := len(e.batch) >= e.cfg.BatchSize
	e.mutex.Unlock()

	if full {
		go func() {
			if err := e.Flush(context.Background()); err != nil {
				logrus.WithError(err).Error("Policy export failed")
			}
		}()
	}
}

// Flush posts the queued outputs. A failed batch is dropped and counted.
func (e *Exporter) Flush(ctx context.Context) error {
	if !e.cfg.Enabled() {
		return nil
	}

	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return nil
	}
	policies := e.batch
	e.batch = make([]model.PolicyOutput, 0, e.cfg.BatchSize)
	e.mutex.Unlock()

	err := e.post(ctx, policies)

	e.mutex.Lock()
	defer e.mutex.Unlock()
	if err != nil {
		e.failed += len(policies)
		return err
	}
	e.exported += len(policies)
	e.lastExport = time.Now()
	logrus.Infof("Exported %d policies to webhook", len(policies))
	return nil
}

func (e *Exporter) post(ctx context.Context, policies []model.PolicyOutput) error {
	body, err := json.Marshal(Payload{
		Policies:   policies,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(policies),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal policies: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.cfg.WebhookURL, body)
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if e.cfg.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.WebhookAPIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Status returns the current state of the exporter
func (e *Exporter) Status() Status {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	s := Status{
		Enabled:      e.cfg.Enabled(),
		BatchSize:    e.cfg.BatchSize,
		Interval:     e.cfg.Interval.String(),
		CurrentBatch: len(e.batch),
		Exported:     e.exported,
		Failed:       e.failed,
	}
	if !e.lastExport.IsZero() {
		s.LastExport = e.lastExport.UTC().Format(time.RFC3339)
	}
	return s
}
