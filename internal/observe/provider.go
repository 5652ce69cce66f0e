package observe

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing how this router instance routes.
const (
	AttrInstanceID              = attribute.Key("service.instance.id")
	AttrDefaultStrategy         = attribute.Key("mcprouter.router.default_strategy")
	AttrCachingEnabled          = attribute.Key("mcprouter.router.caching_enabled")
	AttrBreakerFailureThreshold = attribute.Key("mcprouter.breaker.failure_threshold")
	AttrBreakerRecoveryTimeout  = attribute.Key("mcprouter.breaker.recovery_timeout")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "mcprouter".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// InstanceID tells router replicas apart. Default: a random UUID.
	InstanceID string

	// Routing and breaker defaults, attached to every exported series so
	// dashboards can compare instances running different settings.
	DefaultStrategy         string
	CachingEnabled          bool
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	// TraceSampleRatio samples root spans of Route and resilient executions.
	// Values outside (0,1) sample everything.
	TraceSampleRatio float64

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter
}

// newResource describes the router instance in cfg.
func newResource(cfg ProviderConfig) *resource.Resource {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mcprouter"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		AttrInstanceID.String(cfg.InstanceID),
		AttrCachingEnabled.Bool(cfg.CachingEnabled),
	}
	if cfg.DefaultStrategy != "" {
		attrs = append(attrs, AttrDefaultStrategy.String(cfg.DefaultStrategy))
	}
	if cfg.BreakerFailureThreshold > 0 {
		attrs = append(attrs, AttrBreakerFailureThreshold.Int(cfg.BreakerFailureThreshold))
	}
	if cfg.BreakerRecoveryTimeout > 0 {
		attrs = append(attrs, AttrBreakerRecoveryTimeout.String(cfg.BreakerRecoveryTimeout.String()))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// sampler returns the trace sampler for ratio.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// InitProvider registers a Prometheus-backed [sdkmetric.MeterProvider] and a
// [sdktrace.TracerProvider] as the global OTel providers, both tagged with
// the router resource built from cfg.
//
// The returned shutdown flushes and closes the exporters.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res := newResource(cfg)

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.TraceSampleRatio)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
