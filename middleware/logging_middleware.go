package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware records the function name and dispatch duration for
// every request that passes through the chain, using the same structured
// logger the rest of the server writes through.
func LoggingMiddleware(log *zap.SugaredLogger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) Response {
			start := time.Now()
			resp := next(ctx, req)
			log.Debugw("dispatched", "func", req.Name, "req_id", req.ReqID, "duration", time.Since(start), "delayed", resp.Delayed)
			return resp
		}
	}
}
