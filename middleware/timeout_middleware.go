package middleware

import (
	"context"
	"strconv"
	"time"

	"order-pipeline/message"

	"google.golang.org/grpc/codes"
)

// TimeOutMiddleware bounds a request by timeout, or by the caller's deadline
// (message.MetaDeadline) when that comes first. The handler keeps running in
// the background after a timeout but its ctx is cancelled.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			deadline := time.Now().Add(timeout)
			if raw, ok := req.Meta[message.MetaDeadline]; ok {
				if ns, err := strconv.ParseInt(raw, 10, 64); err == nil {
					if callerDeadline := time.Unix(0, ns); callerDeadline.Before(deadline) {
						deadline = callerDeadline
					}
				}
			}
			ctx, cancel := context.WithDeadline(ctx, deadline)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Errorf(req.ServiceMethod, codes.DeadlineExceeded, "request timed out")
			}
		}
	}
}
