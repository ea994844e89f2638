// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PagesFetched       prometheus.Counter
	FetchRateLimits    prometheus.Counter
	MessagesConverted  prometheus.Counter
	ConversionFailures prometheus.Counter
	RelayUploads       prometheus.Counter
	RelayFailures      prometheus.Counter
	RelayOversized     prometheus.Counter
	SinkWrites         prometheus.Counter
	SinkWriteFailures  prometheus.Counter

	// Histograms (seconds)
	PageFetchDuration prometheus.Observer
	ConvertDuration   prometheus.Observer
	RelayDuration     prometheus.Observer
	SinkWriteDuration prometheus.Observer

	// Gauges
	SinkQueueDepthGauge prometheus.Gauge
	RemainingGauge      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PagesFetched = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_pages_fetched_total", Help: "Number of message pages fetched"})
		FetchRateLimits = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_fetch_rate_limits_total", Help: "Number of rate-limit cool-downs on the fetch path"})
		MessagesConverted = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_messages_converted_total", Help: "Number of messages converted"})
		ConversionFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_conversion_failures_total", Help: "Number of per-message conversion failures"})
		RelayUploads = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_relay_uploads_total", Help: "Number of attachments re-hosted successfully"})
		RelayFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_relay_failures_total", Help: "Number of attachments dropped after relay failure"})
		RelayOversized = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_relay_oversized_total", Help: "Number of attachments skipped for exceeding the size ceiling"})
		SinkWrites = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_sink_writes_total", Help: "Number of conversion results committed"})
		SinkWriteFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_sink_write_failures_total", Help: "Number of failed sink transactions"})
		PageFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archive_page_fetch_duration_seconds", Help: "Page fetch duration seconds", Buckets: prometheus.DefBuckets})
		ConvertDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archive_convert_duration_seconds", Help: "Per-message conversion duration seconds", Buckets: prometheus.DefBuckets})
		RelayDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archive_relay_duration_seconds", Help: "Attachment relay duration seconds", Buckets: prometheus.DefBuckets})
		SinkWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archive_sink_write_duration_seconds", Help: "Sink transaction duration seconds", Buckets: prometheus.DefBuckets})
		SinkQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "archive_sink_queue_depth", Help: "Conversion results waiting for the sink"})
		RemainingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "archive_messages_remaining", Help: "Estimated messages left in the current channel backfill"})
	})
}

// SetSinkQueueDepth records the current sink queue depth.
func SetSinkQueueDepth(n int) {
	if SinkQueueDepthGauge != nil {
		SinkQueueDepthGauge.Set(float64(n))
	}
}

// SetRemaining records the remaining-message estimate for the active channel.
func SetRemaining(n int) {
	if RemainingGauge != nil {
		if n < 0 {
			n = 0
		}
		RemainingGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
