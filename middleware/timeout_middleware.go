package middleware

import (
	"context"
	"time"

	"ipcfabric/frame"
)

// TimeOutMiddleware enforces a maximum duration for each RPC call. If the
// handler doesn't complete within the timeout, it returns a TIMEOUT response
// immediately, generalizing the teacher's TimeOutMiddleware from
// message.RPCMessage to frame.Frame.
//
// Implementation:
//  1. Create a context with timeout (ctx.Done() fires when timeout expires)
//  2. Run the next handler in a goroutine, sending its result to a channel
//  3. Select between the result channel and ctx.Done()
//
// The handler goroutine is NOT cancelled — it keeps running in the
// background. The timeout only controls when the caller gives up waiting;
// for true cancellation the handler must check ctx.Done() internally.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *frame.Frame) *frame.Frame {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *frame.Frame, 1) // Buffered: prevent goroutine leak if timeout fires
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp // Handler completed before timeout
			case <-ctx.Done():
				return errorFrame(req, "request timed out")
			}
		}
	}
}
