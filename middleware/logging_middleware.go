package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ipcfabric/frame"
)

// LoggingMiddleware records the service method, duration, and any error for
// each dispatched Frame. It captures the start time before calling next and
// logs the elapsed time after next returns, generalizing the teacher's
// LoggingMiddleware (which logged message.RPCMessage via log.Printf) to
// frame.Frame and to zap's structured logger, matching the hub's own
// ambient logging choice.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *frame.Frame) *frame.Frame {
			start := time.Now()

			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("service", req.Service),
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if isError(resp) {
				log.Warn("rpc call failed", append(fields, zap.String("error", errorMessage(resp)))...)
			} else {
				log.Debug("rpc call", fields...)
			}
			return resp
		}
	}
}
