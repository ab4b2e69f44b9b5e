// Package observe provides application-wide observability primitives for
// callcopilot: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all callcopilot metrics.
const meterName = "github.com/twelevegg/callcopilot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks end-to-end customer-turn processing latency, from
	// ingress receipt to the last agent result for that turn.
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency (Guidance, Marketing,
	// Gatekeeper classifier, and end-of-call analyzer calls alike).
	LLMDuration metric.Float64Histogram

	// RetrievalDuration tracks hybrid/staged retrieval query latency.
	RetrievalDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// GatekeeperDecisions counts Gatekeeper verdicts by tier and outcome. Use
	// with attributes: attribute.String("tier", ...), attribute.String("outcome", ...)
	GatekeeperDecisions metric.Int64Counter

	// CacheLookups counts Semantic Cache lookups by outcome ("hit"/"miss").
	CacheLookups metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of currently live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveMonitors tracks the number of connected monitor-console
	// WebSocket connections across all monitor rooms.
	ActiveMonitors metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes: method, path
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive call-turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("callcopilot.turn.duration",
		metric.WithDescription("End-to-end latency of processing one customer turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("callcopilot.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("callcopilot.retrieval.duration",
		metric.WithDescription("Latency of hybrid/staged retrieval queries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("callcopilot.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.GatekeeperDecisions, err = m.Int64Counter("callcopilot.gatekeeper.decisions",
		metric.WithDescription("Total Gatekeeper decisions by tier and outcome."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("callcopilot.cache.lookups",
		metric.WithDescription("Total Semantic Cache lookups by outcome (hit/miss)."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("callcopilot.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callcopilot.active_calls",
		metric.WithDescription("Number of currently live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveMonitors, err = m.Int64UpDownCounter("callcopilot.active_monitors",
		metric.WithDescription("Number of connected monitor-console WebSocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callcopilot.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordGatekeeperDecision is a convenience method that records a Gatekeeper
// decision counter increment.
func (m *Metrics) RecordGatekeeperDecision(ctx context.Context, tier, outcome string) {
	m.GatekeeperDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordCacheLookup is a convenience method that records a Semantic Cache
// lookup counter increment, outcome being "hit" or "miss".
func (m *Metrics) RecordCacheLookup(ctx context.Context, outcome string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
