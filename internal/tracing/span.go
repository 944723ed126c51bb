package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrMethod        = attribute.Key("http.request.method")
	AttrURL           = attribute.Key("url.full")
	AttrStatus        = attribute.Key("http.response.status_code")
	AttrRequestID     = attribute.Key("httpauth.request_id")
	AttrAuthenticated = attribute.Key("httpauth.authenticated")
)

// StartProbeSpan starts a client span for one authentication probe.
func StartProbeSpan(ctx context.Context, tracer trace.Tracer, method, target string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "auth probe "+method,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		AttrMethod.String(method),
		AttrURL.String(target),
	)
	return ctx, span
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
