// Package observability wraps OpenTelemetry tracing for the invocation
// pipeline: one span per invocation ("invocation.invoke") and one per
// chain ("chain.run"). VM reservation, guest execution and storage calls
// get no spans of their own.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nova-kvm/kvmruntime"

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// Configure installs a TracerProvider built around the given span
// processor. Passing nil uses an always-sample, in-process provider with
// no exporter, which is sufficient for span-attribute based tests; callers
// that want spans shipped off-box should build their own exporter and pass
// its processor in.
func Configure(sp sdktrace.SpanProcessor) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if sp != nil {
		opts = append(opts, sdktrace.WithSpanProcessor(sp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)
	return tp
}

// StartSpan opens a child span for the named pipeline stage.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// SetSpanError marks the span as failed and records the error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as having completed successfully.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// ExtractTraceContext pulls a remote trace context out of carrier headers
// (e.g. an incoming request's metadata map) so chained invocations keep a
// single trace across tenant boundaries.
func ExtractTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return propagator.Extract(ctx, carrier)
}

// InjectTraceContext writes the current span's trace context into carrier,
// for forwarding to a chained invocation or an async storage call.
func InjectTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	propagator.Inject(ctx, carrier)
}

// TenantAttr is a shorthand for the tenant attribute attached to nearly
// every span the runtime opens.
func TenantAttr(tenant string) attribute.KeyValue {
	return attribute.String("kvm.tenant", tenant)
}

// RequestIDAttr tags a span with the invocation's request id.
func RequestIDAttr(id string) attribute.KeyValue {
	return attribute.String("kvm.request_id", id)
}

// MapCarrier adapts a plain map[string]string to propagation.TextMapCarrier.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string { return c[key] }
func (c MapCarrier) Set(key, value string) { c[key] = value }
func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
