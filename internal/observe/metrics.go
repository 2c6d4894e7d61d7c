// Package observe provides application-wide observability primitives for
// Vaani: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vaani metrics.
const meterName = "github.com/MrWong99/vaani"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// EncodeDuration tracks how long stopping a capture and encoding the
	// voice sample takes.
	EncodeDuration metric.Float64Histogram

	// SampleDuration tracks the length of captured voice samples.
	SampleDuration metric.Float64Histogram

	// BackendDuration tracks banking backend call latency. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	BackendDuration metric.Float64Histogram

	// --- Counters ---

	// AuthAttempts counts login steps. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("step", ...), attribute.String("status", ...)
	AuthAttempts metric.Int64Counter

	// IntentsApplied counts intents applied to a conversation. Use with attribute:
	//   attribute.String("kind", ...)
	IntentsApplied metric.Int64Counter

	// IntentsQueued counts intents parked behind the consent modal.
	IntentsQueued metric.Int64Counter

	// ConsentDecisions counts consent answers. Use with attribute:
	//   attribute.String("decision", ...)
	ConsentDecisions metric.Int64Counter

	// PINVerifications counts PIN verification outcomes. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	PINVerifications metric.Int64Counter

	// DeviceRevocations counts device binding revocations.
	DeviceRevocations metric.Int64Counter

	// Faults counts classified errors. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("code", ...)
	Faults metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of signed-in conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// encoding and backend round-trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sampleBuckets defines histogram bucket boundaries (in seconds) for voice
// sample length.
var sampleBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 12, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EncodeDuration, err = m.Float64Histogram("vaani.audio.encode.duration",
		metric.WithDescription("Latency of finishing a capture and encoding the voice sample."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SampleDuration, err = m.Float64Histogram("vaani.audio.sample.duration",
		metric.WithDescription("Length of captured voice samples."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sampleBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("vaani.backend.duration",
		metric.WithDescription("Latency of banking backend calls by operation and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AuthAttempts, err = m.Int64Counter("vaani.auth.attempts",
		metric.WithDescription("Login steps by mode, step, and status."),
	); err != nil {
		return nil, err
	}
	if met.IntentsApplied, err = m.Int64Counter("vaani.conversation.intents_applied",
		metric.WithDescription("Intents applied to a conversation by kind."),
	); err != nil {
		return nil, err
	}
	if met.IntentsQueued, err = m.Int64Counter("vaani.conversation.intents_queued",
		metric.WithDescription("Intents parked pending UPI consent."),
	); err != nil {
		return nil, err
	}
	if met.ConsentDecisions, err = m.Int64Counter("vaani.conversation.consent_decisions",
		metric.WithDescription("UPI consent answers by decision."),
	); err != nil {
		return nil, err
	}
	if met.PINVerifications, err = m.Int64Counter("vaani.payment.pin_verifications",
		metric.WithDescription("PIN verification outcomes by payment kind and status."),
	); err != nil {
		return nil, err
	}
	if met.DeviceRevocations, err = m.Int64Counter("vaani.device.revocations",
		metric.WithDescription("Device binding revocations."),
	); err != nil {
		return nil, err
	}
	if met.Faults, err = m.Int64Counter("vaani.faults",
		metric.WithDescription("Classified errors by kind and code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("vaani.active_sessions",
		metric.WithDescription("Number of signed-in conversation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vaani.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordAuthAttempt records one login step.
func (m *Metrics) RecordAuthAttempt(ctx context.Context, mode, step, status string) {
	m.AuthAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("step", step),
			attribute.String("status", status),
		),
	)
}

// RecordIntentApplied records an intent applied to a conversation.
func (m *Metrics) RecordIntentApplied(ctx context.Context, kind string) {
	m.IntentsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordConsent records a consent decision ("accepted" or "declined").
func (m *Metrics) RecordConsent(ctx context.Context, decision string) {
	m.ConsentDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordPINVerification records a PIN verification outcome.
func (m *Metrics) RecordPINVerification(ctx context.Context, kind, status string) {
	m.PINVerifications.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordFault records a classified error.
func (m *Metrics) RecordFault(ctx context.Context, kind, code string) {
	m.Faults.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("code", code),
		),
	)
}

// RecordBackendCall records the latency of one backend call.
func (m *Metrics) RecordBackendCall(ctx context.Context, op, status string, seconds float64) {
	m.BackendDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}
