package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const instrumentation = "github.com/comfortablynumb/pmp-imposter"

// Span attribute keys shared by the imposter pipeline
const (
	AttrImposter     = attribute.Key("mb.imposter")
	AttrResponseKind = attribute.Key("mb.response.kind")
	AttrStub         = attribute.Key("mb.stub")
)

var (
	tracerMu sync.RWMutex
	tracer   trace.Tracer
)

// InitTracing exports spans over OTLP gRPC to endpoint. Until it is called
// spans go to the global no-op provider. The returned function flushes and
// stops the exporter.
func InitTracing(serviceName, endpoint string) (func(context.Context) error, error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(appVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to describe service: %w", err)
	}

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracerMu.Lock()
	tracer = provider.Tracer(instrumentation)
	tracerMu.Unlock()

	return func(ctx context.Context) error {
		err := provider.Shutdown(ctx)
		if closeErr := conn.Close(); err == nil {
			err = closeErr
		}
		return err
	}, nil
}

func currentTracer() trace.Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if tracer == nil {
		return otel.Tracer(instrumentation)
	}
	return tracer
}

// StartSpan starts an internal span for one stage of request handling
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return currentTracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// TracingMiddleware opens a server span per imposter request, continuing
// any trace the client propagated. Responses of 500 and above mark the span
// as failed.
func TracingMiddleware(imposter string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := currentTracer().Start(ctx, "imposter "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				AttrImposter.String(imposter),
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				semconv.ClientAddress(r.RemoteAddr),
			),
		)
		defer span.End()

		recorder := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(recorder, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(recorder.statusCode))
		if recorder.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.statusCode))
		}
	}
}

// RecordSpanError marks the span in ctx as failed
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
