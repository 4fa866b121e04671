// Package telemetry configures OpenTelemetry tracing for chat turns, vendor
// dispatch and tool execution.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Daggahh/flow3.chat"

type Config struct {
	ServiceName string
	Version     string
	Instance    string
	// Endpoint is the OTLP gRPC collector address. Tracing is disabled when empty.
	Endpoint string
	// SampleRatio applies to root spans; children follow their parent.
	SampleRatio float64
}

var tracer trace.Tracer = otel.Tracer(instrumentationName)

// Init installs the global tracer provider and returns its shutdown func.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		slog.Info("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.ServiceInstanceID(cfg.Instance),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = tp.Tracer(instrumentationName)

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler samples every root span for ratios >= 1 and none for ratios <= 0.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, opts...)
}

// Turn describes the chat turn a span belongs to.
type Turn struct {
	RequestID string
	ChatID    string
	UserClass string
	Provider  string
	Model     string
}

func AddTurnAttributes(span trace.Span, t Turn) {
	span.SetAttributes(
		attribute.String("flow3.request_id", t.RequestID),
		attribute.String("flow3.chat_id", t.ChatID),
		attribute.String("flow3.user_class", t.UserClass),
		attribute.String("gen_ai.system", t.Provider),
		attribute.String("gen_ai.request.model", t.Model),
	)
}

func AddTokenAttributes(span trace.Span, inputTokens, outputTokens int) {
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int("gen_ai.usage.output_tokens", outputTokens),
	)
}

// AddCostAttribute annotates the span active in ctx, if any.
func AddCostAttribute(ctx context.Context, costUSD float64) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.Float64("flow3.cost_usd", costUSD))
}

func AddToolAttributes(span trace.Span, tool, callID string) {
	span.SetAttributes(
		attribute.String("flow3.tool.name", tool),
		attribute.String("flow3.tool.call_id", callID),
	)
}

func AddStepAttribute(span trace.Span, step int) {
	span.SetAttributes(attribute.Int("flow3.step", step))
}

func AddErrorAttribute(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}

// TraceID returns the trace id of the span in ctx, or "" when untraced.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Middleware starts a server span per request, continuing any trace carried
// in the incoming headers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
