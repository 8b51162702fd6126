package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// promauto registers into the default registry; each collector needs
// its own namespace to avoid duplicate-registration panics.
var namespaceSeq uint64

func newTestCollector() *Collector {
	seq := atomic.AddUint64(&namespaceSeq, 1)
	return NewCollector(fmt.Sprintf("qwengate_test_%d", seq), nil)
}

func TestNewCollector(t *testing.T) {
	c := newTestCollector()
	require.NotNil(t, c)
	require.NotNil(t, c.httpRequestsTotal)
	require.NotNil(t, c.chatRequestsTotal)
	require.NotNil(t, c.chatTokensUsed)
	require.NotNil(t, c.sessionsActive)
	require.NotNil(t, c.upstreamRetries)
}

func TestRecordHTTPRequest(t *testing.T) {
	c := newTestCollector()
	c.RecordHTTPRequest("POST", "/v1/chat/completions", 200, 120*time.Millisecond, 512, 2048)
	c.RecordHTTPRequest("POST", "/v1/chat/completions", 502, 80*time.Millisecond, 512, 128)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.httpRequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.httpRequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "5xx")))
}

func TestRecordChatRequest(t *testing.T) {
	c := newTestCollector()
	c.RecordChatRequest("qwen", "qwen3-max", "success", 2*time.Second, 100, 50)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.chatRequestsTotal.WithLabelValues("qwen", "qwen3-max", "success")))
	assert.Equal(t, float64(100), testutil.ToFloat64(
		c.chatTokensUsed.WithLabelValues("qwen", "qwen3-max", "prompt")))
	assert.Equal(t, float64(50), testutil.ToFloat64(
		c.chatTokensUsed.WithLabelValues("qwen", "qwen3-max", "completion")))
}

func TestSessionMetrics(t *testing.T) {
	c := newTestCollector()
	c.SetSessionsActive("qwen", 3)
	c.AddSessionsCreated("qwen", 5)
	c.AddSessionsCleaned("qwen", 2)

	assert.Equal(t, float64(3), testutil.ToFloat64(c.sessionsActive.WithLabelValues("qwen")))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.sessionsCreatedTotal.WithLabelValues("qwen")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.sessionsCleanedTotal.WithLabelValues("qwen")))
}

func TestProviderAndRetryMetrics(t *testing.T) {
	c := newTestCollector()
	c.SetProvidersRegistered(4)
	c.RecordUpstreamRetry("qwen")
	c.RecordStreamChunk("qwen")
	c.RecordStreamChunk("qwen")

	assert.Equal(t, float64(4), testutil.ToFloat64(c.providersRegistered))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.upstreamRetries.WithLabelValues("qwen")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.streamChunksTotal.WithLabelValues("qwen")))
}

func TestRecordDBConnections(t *testing.T) {
	c := newTestCollector()
	c.RecordDBConnections("sqlite", 10, 5)
	assert.Equal(t, float64(10), testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("sqlite")))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.dbConnectionsIdle.WithLabelValues("sqlite")))
}

func TestConcurrentRecording(t *testing.T) {
	c := newTestCollector()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordHTTPRequest("POST", "/v1/chat/completions", 200, time.Millisecond, 100, 100)
			c.RecordChatRequest("qwen", "qwen3-max", "success", time.Millisecond, 1, 1)
			c.RecordStreamChunk("qwen")
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(10), testutil.ToFloat64(
		c.httpRequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "2xx")))
	assert.Equal(t, float64(10), testutil.ToFloat64(c.streamChunksTotal.WithLabelValues("qwen")))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "3xx", statusClass(304))
	assert.Equal(t, "4xx", statusClass(429))
	assert.Equal(t, "5xx", statusClass(502))
	assert.Equal(t, "unknown", statusClass(42))
}
