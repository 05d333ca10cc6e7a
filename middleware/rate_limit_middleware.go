package middleware

import (
	"context"

	"order-pipeline/message"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
)

// RateLimitMiddleware sheds load with a token bucket. Shed requests get
// ResourceExhausted, which callers treat as transient and fail over.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return message.Errorf(req.ServiceMethod, codes.ResourceExhausted, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
