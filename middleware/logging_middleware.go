package middleware

import (
	"context"
	"time"

	"order-pipeline/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				logger.Info("rpc failed", append(fields, zap.Stringer("code", resp.Code), zap.String("error", resp.Error))...)
			} else {
				logger.Debug("rpc", fields...)
			}
			return resp
		}
	}
}
