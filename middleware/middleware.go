// Package middleware implements the onion-model chain that wraps dispatch
// to add cross-cutting concerns (logging, rate limiting) without touching
// the router or the registered handlers themselves.
//
// It generalizes the teacher's middleware package from wrapping a full
// (ctx, *message.RPCMessage) roundtrip to wrapping the pre-dispatch hook a
// connection calls before handing a decoded request to the router: by the
// time a handler actually runs, the protocol's own error folding (handler
// panics and returns become FAIL responses, never Go errors) already
// applies, so middleware here only ever sees success.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
package middleware

import "context"

// Request is the decoded, not-yet-dispatched request a middleware chain
// sees: the function name (for logging/metrics), the raw argument body the
// router still has to unpack, and the request id for correlation.
type Request struct {
	Name   string
	FuncID uint32
	ReqID  uint64
	Body   []byte
}

// Response is what a middleware chain produces: the packed response body
// ready for the wire, or Delayed=true if an async handler took over.
type Response struct {
	Body    []byte
	Delayed bool
}

// HandlerFunc dispatches one request. The innermost HandlerFunc in a chain
// is ordinarily router.Router.Route, adapted to this signature.
type HandlerFunc func(ctx context.Context, req Request) Response

// Middleware takes a handler and returns a new handler that wraps it.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed is the outermost
// layer: executed first on the way in, last on the way out.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
