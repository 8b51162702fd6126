// Package metrics is the gateway's prometheus collector. Internal;
// not for import by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every metric family the gateway records.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	chatRequestsTotal   *prometheus.CounterVec
	chatRequestDuration *prometheus.HistogramVec
	chatTokensUsed      *prometheus.CounterVec
	streamChunksTotal   *prometheus.CounterVec

	sessionsActive       *prometheus.GaugeVec
	sessionsCreatedTotal *prometheus.CounterVec
	sessionsCleanedTotal *prometheus.CounterVec

	providersRegistered prometheus.Gauge
	upstreamRetries     *prometheus.CounterVec

	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers all metric families under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)
	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.chatRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Total number of chat completion requests",
		},
		[]string{"provider", "model", "status"},
	)
	c.chatRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_request_duration_seconds",
			Help:      "Chat completion duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)
	c.chatTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)
	c.streamChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Total number of SSE chunks forwarded to clients",
		},
		[]string{"provider"},
	)

	c.sessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Active conversation sessions per provider",
		},
		[]string{"provider"},
	)
	c.sessionsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total conversation sessions created",
		},
		[]string{"provider"},
	)
	c.sessionsCleanedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_cleaned_total",
			Help:      "Total conversation sessions removed by TTL",
		},
		[]string{"provider"},
	)

	c.providersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "providers_registered",
			Help:      "Number of live registered providers",
		},
	)
	c.upstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Total upstream call retries",
		},
		[]string{"provider"},
	)

	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordChatRequest records one chat completion outcome.
func (c *Collector) RecordChatRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.chatRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.chatRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.chatTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.chatTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordStreamChunk counts one forwarded SSE chunk.
func (c *Collector) RecordStreamChunk(provider string) {
	c.streamChunksTotal.WithLabelValues(provider).Inc()
}

// SetSessionsActive publishes a provider's live session count.
func (c *Collector) SetSessionsActive(provider string, active int) {
	c.sessionsActive.WithLabelValues(provider).Set(float64(active))
}

// AddSessionsCreated counts newly created sessions.
func (c *Collector) AddSessionsCreated(provider string, n float64) {
	c.sessionsCreatedTotal.WithLabelValues(provider).Add(n)
}

// AddSessionsCleaned counts TTL-removed sessions.
func (c *Collector) AddSessionsCleaned(provider string, n float64) {
	c.sessionsCleanedTotal.WithLabelValues(provider).Add(n)
}

// SetProvidersRegistered publishes the live provider count.
func (c *Collector) SetProvidersRegistered(n int) {
	c.providersRegistered.Set(float64(n))
}

// RecordUpstreamRetry counts one retry against an upstream.
func (c *Collector) RecordUpstreamRetry(provider string) {
	c.upstreamRetries.WithLabelValues(provider).Inc()
}

// RecordDBConnections publishes pool gauges.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
