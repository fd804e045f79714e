// Package observe provides application-wide observability primitives for the
// relay: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/relaytrans/relaytrans"

// Metrics holds all OpenTelemetry metric instruments for the relay. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ConnectedClients tracks the number of paired stream/datagram sessions
	// currently established.
	ConnectedClients metric.Int64UpDownCounter

	// Workers tracks the number of live transcription workers in the
	// dispatch pool.
	Workers metric.Int64UpDownCounter

	// QueueWait tracks how long a session waited on the dispatch queue
	// before a worker popped it.
	QueueWait metric.Float64Histogram

	// TranscriptionDuration tracks the latency of a single Transcribe call.
	TranscriptionDuration metric.Float64Histogram

	// EndToEndDuration tracks the time from a session's enqueue to the
	// transcription being sent back over the stream channel.
	EndToEndDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time for the
	// health/metrics HTTP surface. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// transcription-pipeline latencies, which run from sub-second queue waits to
// multi-second whisper.cpp inference passes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectedClients, err = m.Int64UpDownCounter("relay.connected_clients",
		metric.WithDescription("Number of paired stream/datagram sessions currently established."),
	); err != nil {
		return nil, err
	}
	if met.Workers, err = m.Int64UpDownCounter("relay.workers",
		metric.WithDescription("Number of live transcription workers in the dispatch pool."),
	); err != nil {
		return nil, err
	}
	if met.QueueWait, err = m.Float64Histogram("relay.queue.wait_time",
		metric.WithDescription("Time a session spent on the dispatch queue before a worker popped it."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("relay.transcription.duration",
		metric.WithDescription("Latency of a single speech-to-text transcription call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EndToEndDuration, err = m.Float64Histogram("relay.end_to_end.duration",
		metric.WithDescription("Time from a session's enqueue to its transcription being sent back."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("relay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
