// Package observe provides application-wide observability primitives for
// the MCP router: OpenTelemetry metrics, distributed tracing, structured
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all router metrics.
const meterName = "github.com/MrWong99/mcprouter"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RouteDuration tracks the wall time of a routing decision, cache hits
	// included.
	RouteDuration metric.Float64Histogram

	// ToolExecutionDuration tracks resilient tool execution latency across
	// all attempts.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// RoutingDecisions counts successful decisions. Use with attributes:
	//   attribute.String("strategy", ...), attribute.String("cache", "hit"|"miss")
	RoutingDecisions metric.Int64Counter

	// RoutingErrors counts failed decisions. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("kind", ...)
	RoutingErrors metric.Int64Counter

	// ExecutionAttempts counts attempts made by the resilience manager. Use
	// with attributes:
	//   attribute.String("tool", ...), attribute.String("server", ...), attribute.String("status", ...)
	ExecutionAttempts metric.Int64Counter

	// Fallbacks counts executions that succeeded on a server other than the
	// first one tried. Use with attribute:
	//   attribute.String("tool", ...)
	Fallbacks metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// BreakerRejections counts calls rejected by an open or saturated
	// breaker. Use with attribute:
	//   attribute.String("breaker", ...)
	BreakerRejections metric.Int64Counter

	// --- Gauges ---

	// RegisteredServers tracks the number of servers in the registry.
	RegisteredServers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// decisionBuckets defines histogram bucket boundaries (in seconds) for
// routing decisions, which are expected to finish well below 100ms.
var decisionBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for tool
// executions.
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
	if met.RouteDuration, err = m.Float64Histogram("mcprouter.route.duration",
		metric.WithDescription("Latency of routing decisions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(decisionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("mcprouter.tool_execution.duration",
		metric.WithDescription("Latency of resilient MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RoutingDecisions, err = m.Int64Counter("mcprouter.routing.decisions",
		metric.WithDescription("Total routing decisions by strategy and cache outcome."),
	); err != nil {
		return nil, err
	}
	if met.RoutingErrors, err = m.Int64Counter("mcprouter.routing.errors",
		metric.WithDescription("Total failed routing decisions by tool and error kind."),
	); err != nil {
		return nil, err
	}
	if met.ExecutionAttempts, err = m.Int64Counter("mcprouter.execution.attempts",
		metric.WithDescription("Total execution attempts by tool, server, and status."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("mcprouter.execution.fallbacks",
		metric.WithDescription("Total executions served by a fallback server."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("mcprouter.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}
	if met.BreakerRejections, err = m.Int64Counter("mcprouter.breaker.rejections",
		metric.WithDescription("Total calls rejected by a circuit breaker."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.RegisteredServers, err = m.Int64UpDownCounter("mcprouter.registered_servers",
		metric.WithDescription("Number of servers currently registered."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mcprouter.http.request.duration",
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

// RecordDecision records a successful routing decision and its latency.
func (m *Metrics) RecordDecision(ctx context.Context, strategy string, cached bool, d time.Duration) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("cache", cache),
	)
	m.RoutingDecisions.Add(ctx, 1, attrs)
	m.RouteDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRoutingError records a failed routing decision.
func (m *Metrics) RecordRoutingError(ctx context.Context, tool, kind string) {
	m.RoutingErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("kind", kind),
		),
	)
}

// RecordAttempt records a single execution attempt against server.
func (m *Metrics) RecordAttempt(ctx context.Context, tool, server, status string) {
	m.ExecutionAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("server", server),
			attribute.String("status", status),
		),
	)
}

// RecordExecution records the total latency of a resilient execution and,
// when fallback was used, increments [Metrics.Fallbacks].
func (m *Metrics) RecordExecution(ctx context.Context, tool, status string, usedFallback bool, d time.Duration) {
	m.ToolExecutionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	if usedFallback {
		m.Fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
	}
}

// RecordBreakerTransition records a circuit breaker moving to state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}

// RecordBreakerRejection records a call rejected by breaker.
func (m *Metrics) RecordBreakerRejection(ctx context.Context, breaker string) {
	m.BreakerRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("breaker", breaker)),
	)
}
