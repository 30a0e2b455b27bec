// Package middleware implements the onion-model middleware chain wrapping
// frame dispatch on the worker SDK (spec §9 design note 5: cross-cutting
// concerns layer around dispatch rather than inside it). It generalizes the
// teacher's message.RPCMessage-based chain to frame.Frame, keeping the same
// Chain/HandlerFunc/Middleware shapes and right-to-left composition.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
//
// Each middleware can do pre-processing, call next to pass down the chain,
// do post-processing, or short-circuit by returning without calling next
// (e.g. rate limiting).
package middleware

import (
	"context"

	"ipcfabric/frame"
)

// HandlerFunc is the function signature for frame handlers. Both the
// business handler (workersdk's reflect dispatch) and middleware-wrapped
// handlers share this signature.
type HandlerFunc func(ctx context.Context, req *frame.Frame) *frame.Frame

// Middleware takes a handler and returns a new handler wrapping it.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes multiple middlewares into one, with the first middleware
// in the list as the outermost layer (executed first on request, last on
// response).
//
//	chain := Chain(Logging, Timeout, RateLimit)
//	handler := chain(businessHandler)
//	// Execution: Logging → Timeout → RateLimit → businessHandler → RateLimit → Timeout → Logging
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// errorFrame builds a RESPONSE frame carrying msg as an error. It sets
// metadata["error"]="true" as hub and worker error responses do, but its
// payload is msg as plain text, not the {"error": msg} JSON object those
// responses carry.
func errorFrame(req *frame.Frame, msg string) *frame.Frame {
	return &frame.Frame{
		Kind:          frame.KindResponse,
		CorrelationID: req.CorrelationID,
		Metadata:      map[string]string{"error": "true"},
		Payload:       []byte(msg),
	}
}

func isError(resp *frame.Frame) bool {
	return resp != nil && resp.Metadata["error"] == "true"
}

func errorMessage(resp *frame.Frame) string {
	if resp == nil {
		return ""
	}
	return string(resp.Payload)
}
