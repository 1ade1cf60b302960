// Package otelx installs the global OpenTelemetry tracer provider and
// propagators for the gateway.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"

	"github.com/keithlinneman/tenantgate/internal/xerrors"
)

const dialTimeout = 3 * time.Second

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string
	// Attributes are added to the resource, e.g. deployment environment.
	Attributes map[string]string
}

// Init sets the global tracer provider and returns its shutdown func.
// Disabled tracing still installs an SDK provider so spans carry valid
// ids for log correlation; nothing is exported.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(serviceName(o) + "/" + o.Version)),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	// New blocks without a deadline; the collector is local
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otlp exporter %s", o.Endpoint)
	}

	// partial resources (e.g. no host info in a container) are still usable
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(resourceAttrs(o)...),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(o)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func resourceAttrs(o Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName(o)),
		semconv.ServiceVersionKey.String(o.Version),
	}
	for k, v := range o.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// sampler follows an upstream sampling decision and samples new roots at
// the configured ratio.
func sampler(o Options) sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(o.Sample)))
}

func serviceName(o Options) string {
	if o.Component == "" {
		return o.Service
	}
	return o.Service + "." + o.Component
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
