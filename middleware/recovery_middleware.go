package middleware

import (
	"context"
	"fmt"

	"order-pipeline/message"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// RecoveryMiddleware turns a handler panic into an Internal response instead
// of taking the whole server down.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic", zap.String("method", req.ServiceMethod), zap.Any("panic", r), zap.Stack("stack"))
					resp = message.Errorf(req.ServiceMethod, codes.Internal, fmt.Sprintf("panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
