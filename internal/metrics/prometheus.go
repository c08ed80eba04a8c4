package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/speechchunks/internal/audio"
	"github.com/skypro1111/speechchunks/internal/vad"
)

// Metrics contains all Prometheus metrics for the speechchunks service. It
// also serves as the segmenter observer.
type Metrics struct {
	registry *prometheus.Registry

	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	PacketsDropped   prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Stream metrics
	ActiveStreams    prometheus.Gauge
	StreamsCreated   prometheus.Counter
	StreamsDestroyed prometheus.Counter
	StreamDuration   prometheus.Histogram
	WebSocketClients prometheus.Gauge

	// Segmentation metrics
	WindowsProcessed *prometheus.CounterVec
	WindowsDropped   *prometheus.CounterVec
	OracleFailures   prometheus.Counter

	// Utterance metrics
	UtterancesEmitted prometheus.Counter
	UtteranceDuration prometheus.Histogram
	UtteranceSize     prometheus.Histogram
	SinkStoreFailures prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on a dedicated registry, together with the
// Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// UDP packet metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "speechchunks_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "speechchunks_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		PacketsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "speechchunks_packets_dropped_total",
			Help: "Total number of UDP packets dropped because the queue was full",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "speechchunks_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "speechchunks_packet_queue_size",
			Help: "Current number of packets in processing queue",
		}),

		// Stream metrics
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "speechchunks_active_streams",
			Help: "Current number of active audio streams",
		}),
		StreamsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "speechchunks_streams_created_total",
			Help: "Total number of streams created",
		}),
		StreamsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "speechchunks_streams_destroyed_total",
			Help: "Total number of streams destroyed",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "speechchunks_stream_duration_seconds",
			Help:    "Duration of audio streams in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		WebSocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "speechchunks_websocket_clients",
			Help: "Current number of connected WebSocket ingest clients",
		}),

		// Segmentation metrics
		WindowsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "speechchunks_windows_processed_total",
			Help: "Total number of windows classified by the VAD oracle",
		}, []string{"kind"}),
		WindowsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "speechchunks_windows_dropped_total",
			Help: "Total number of windows dropped by the segmenter",
		}, []string{"reason"}),
		OracleFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "speechchunks_oracle_failures_total",
			Help: "Total number of windows skipped after a VAD oracle failure",
		}),

		// Utterance metrics
		UtterancesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "speechchunks_utterances_total",
			Help: "Total number of utterances emitted",
		}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "speechchunks_utterance_duration_seconds",
			Help:    "Duration of emitted utterances",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s to ~2 minutes
		}),
		UtteranceSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "speechchunks_utterance_size_bytes",
			Help:    "Size of emitted WAV containers in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		SinkStoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "speechchunks_sink_store_failures_total",
			Help: "Total number of utterances the sink failed to store",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "speechchunks_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speechchunks_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Registry returns the registry holding every metric
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordPacketDropped increments the packets dropped counter
func (m *Metrics) RecordPacketDropped() {
	m.PacketsDropped.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// SetActiveStreams sets the current number of active streams
func (m *Metrics) SetActiveStreams(count int) {
	m.ActiveStreams.Set(float64(count))
}

// RecordStreamCreated increments the streams created counter
func (m *Metrics) RecordStreamCreated() {
	m.StreamsCreated.Inc()
}

// RecordStreamDestroyed increments the streams destroyed counter and records duration
func (m *Metrics) RecordStreamDestroyed(durationSeconds float64) {
	m.StreamsDestroyed.Inc()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordSinkFailure increments the sink failure counter
func (m *Metrics) RecordSinkFailure() {
	m.SinkStoreFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// WindowProcessed counts a classified window
func (m *Metrics) WindowProcessed(kind vad.Kind) {
	m.WindowsProcessed.WithLabelValues(kind.String()).Inc()
}

// OracleFailed counts a window skipped after an oracle failure
func (m *Metrics) OracleFailed(error) {
	m.OracleFailures.Inc()
}

// WindowDropped counts a dropped window
func (m *Metrics) WindowDropped(reason string) {
	m.WindowsDropped.WithLabelValues(reason).Inc()
}

// UtteranceEmitted records an emitted utterance
func (m *Metrics) UtteranceEmitted(encoded audio.Encoded) {
	m.UtterancesEmitted.Inc()
	m.UtteranceDuration.Observe(encoded.Duration().Seconds())
	m.UtteranceSize.Observe(float64(encoded.Len()))
}
