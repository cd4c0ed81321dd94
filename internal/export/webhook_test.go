package export

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/ensuro-policy-ea/internal/config"
	"github.com/yourorg/ensuro-policy-ea/internal/model"
)

type recorder struct {
	mu       sync.Mutex
	payloads []Payload
	headers  []http.Header
	status   int
}

func (r *recorder) handler(w http.ResponseWriter, req *http.Request) {
	var p Payload
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.payloads = append(r.payloads, p)
	r.headers = append(r.headers, req.Header.Clone())
	status := r.status
	r.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func newTestExporter(t *testing.T, rec *recorder, batchSize int) *Exporter {
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	t.Cleanup(srv.Close)

	e := NewExporter(config.ExportConfig{
		WebhookURL:    srv.URL,
		WebhookAPIKey: "secret",
		BatchSize:     batchSize,
		Interval:      time.Hour,
	})
	e.client.RetryMax = 0
	return e
}

func output(id string) model.PolicyOutput {
	return model.PolicyOutput{Schema: "v2", ID: id, Payout: "1000", Data: []string{"0x01"}}
}

func TestExporter_Flush(t *testing.T) {
	rec := &recorder{}
	e := newTestExporter(t, rec, 10)

	e.Add(output("1"), output("2"))
	require.NoError(t, e.Flush(context.Background()))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, 2, rec.payloads[0].Count)
	assert.Equal(t, "1", rec.payloads[0].Policies[0].ID)
	assert.Equal(t, "Bearer secret", rec.headers[0].Get("Authorization"))
	assert.NotEmpty(t, rec.headers[0].Get("X-Request-ID"))

	status := e.Status()
	assert.Equal(t, 2, status.Exported)
	assert.Equal(t, 0, status.CurrentBatch)
	assert.NotEmpty(t, status.LastExport)

	require.NoError(t, e.Flush(context.Background()), "empty flush is a no-op")
	assert.Equal(t, 1, rec.count())
}

func TestExporter_BatchSizeTriggersFlush(t *testing.T) {
	rec := &recorder{}
	e := newTestExporter(t, rec, 2)

	e.Add(output("1"))
	assert.Equal(t, 0, rec.count())
	e.Add(output("2"))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestExporter_FailedBatchIsCounted(t *testing.T) {
	rec := &recorder{status: http.StatusInternalServerError}
	e := newTestExporter(t, rec, 10)

	e.Add(output("1"))
	err := e.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, e.Status().Failed)
	assert.Equal(t, 0, e.Status().CurrentBatch)
}

func TestExporter_StopFlushesRemaining(t *testing.T) {
	rec := &recorder{}
	e := newTestExporter(t, rec, 10)
	e.Start(context.Background())

	e.Add(output("1"))
	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, 1, rec.count())
}

func TestExporter_Disabled(t *testing.T) {
	e := NewExporter(config.ExportConfig{})
	e.Start(context.Background())
	e.Add(output("1"))
	assert.NoError(t, e.Flush(context.Background()))
	assert.NoError(t, e.Stop(context.Background()))
	assert.False(t, e.Status().Enabled)
	assert.Equal(t, 0, e.Status().CurrentBatch)
}
