package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"ipcfabric/frame"
)

// RetryMiddleware retries a request-level failure (as opposed to the
// connection-level retries the pool performs on dial, spec §7) a bounded
// number of times with exponential backoff, generalizing the teacher's
// RetryMiddleware from message.RPCMessage's Error string to a Frame whose
// metadata["error"]=="true" marks a failure. Non-retryable errors (anything
// but a timeout or an unavailable worker) are returned immediately. log may
// be nil, in which case retries happen silently.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *frame.Frame) *frame.Frame {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !isError(resp) {
					return resp // Success, return response
				}
				msg := errorMessage(resp)
				if strings.Contains(msg, "timeout") || strings.Contains(msg, "unavailable") {
					log.Debug("retrying request",
						zap.Int("attempt", i+1),
						zap.String("service", req.Service),
						zap.String("method", req.Method),
						zap.String("error", msg))
					time.Sleep(baseDelay * time.Duration(1<<i)) // Exponential backoff
					resp = next(ctx, req)                       // Retry the request
				} else {
					return resp // Non-retryable error, return immediately
				}
			}
			return resp // Return last response after retries
		}
	}
}
