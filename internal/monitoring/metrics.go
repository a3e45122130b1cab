package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the log fan-out broker.
// Scraped from /metrics and visualized in Grafana.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logfan_connections_total",
		Help: "Total number of subscriber connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logfan_connections_active",
		Help: "Current number of active subscriber connections",
	})

	connectionsRefused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logfan_connections_refused_total",
		Help: "Subscriber connections refused by admission control, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logfan_disconnects_total",
		Help: "Subscriber disconnections by reason",
	}, []string{"reason"})

	// Ingest metrics
	entriesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logfan_entries_ingested_total",
		Help: "Total log entries accepted by the ingest endpoint",
	})

	ingestRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logfan_ingest_rejected_total",
		Help: "Ingest requests rejected, by reason",
	}, []string{"reason"})

	rateLimitedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logfan_rate_limited_requests_total",
		Help: "Ingest requests rejected by the token-bucket rate limiter",
	})

	// Fan-out metrics
	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logfan_frames_sent_total",
		Help: "Total frames written to subscribers",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logfan_bytes_sent_total",
		Help: "Total bytes written to subscribers",
	})

	droppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logfan_dropped_frames_total",
		Help: "Frames dropped from subscriber queues, by channel and reason",
	}, []string{"channel", "reason"})

	publishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logfan_publish_errors_total",
		Help: "Publish-side errors (serialization failures, recovered panics)",
	})

	// Channel registry metrics
	channelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logfan_channels_active",
		Help: "Current number of registered channels",
	})

	channelsEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logfan_channels_evicted_total",
		Help: "Channels removed from the registry, by cause (lru, ttl)",
	}, []string{"cause"})
)

// Frame drop reasons recorded in droppedFrames.
const (
	DropReasonQueueFull = "queue_full"
	DropReasonClosed    = "subscriber_closed"
)

// Disconnect reasons recorded in disconnectsTotal.
const (
	DisconnectReasonClientGone = "client_gone"
	DisconnectReasonWriteError = "write_error"
	DisconnectReasonStale      = "stale"
	DisconnectReasonAdmin      = "admin"
	DisconnectReasonShutdown   = "shutdown"
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRefused,
		disconnectsTotal,
		entriesIngested,
		ingestRejected,
		rateLimitedRequests,
		framesSent,
		bytesSent,
		droppedFrames,
		publishErrors,
		channelsActive,
		channelsEvicted,
	)
}

// MetricsHandler returns the Prometheus scrape handler for /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func RecordConnection() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func RecordDisconnect(reason string) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason).Inc()
}

func RecordConnectionRefused(reason string) {
	connectionsRefused.WithLabelValues(reason).Inc()
}

func RecordEntriesIngested(n int) {
	entriesIngested.Add(float64(n))
}

func RecordIngestRejected(reason string) {
	ingestRejected.WithLabelValues(reason).Inc()
}

func RecordRateLimited() {
	rateLimitedRequests.Inc()
}

func RecordFrameSent(bytes int) {
	framesSent.Inc()
	bytesSent.Add(float64(bytes))
}

func RecordDroppedFrame(channel, reason string) {
	droppedFrames.WithLabelValues(channel, reason).Inc()
}

func RecordPublishError() {
	publishErrors.Inc()
}

func SetActiveChannels(n int) {
	channelsActive.Set(float64(n))
}

func RecordChannelEvicted(cause string) {
	channelsEvicted.WithLabelValues(cause).Inc()
}
