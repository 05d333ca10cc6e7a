package middleware

import (
	"context"

	"order-pipeline/message"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware continues the caller's trace from the request Meta and
// records one server span per request.
func TracingMiddleware() Middleware {
	tracer := otel.Tracer("order-pipeline/server")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(req.Meta))
			ctx, span := tracer.Start(ctx, req.ServiceMethod, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			resp := next(ctx, req)
			span.SetAttributes(attribute.String("rpc.code", resp.Code.String()))
			if resp.Failed() {
				span.SetStatus(otelcodes.Error, resp.Error)
			}
			return resp
		}
	}
}
