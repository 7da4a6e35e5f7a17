package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-rpc/codec"
)

// RateLimitMiddleware caps dispatch across every connection combined, using
// a single shared token bucket. This is independent of (and coarser than)
// rpcserver's per-connection WithRateLimit option: that one throttles one
// noisy connection, this one protects the whole process.
//
// The limiter is created once, in the outer closure — creating it per
// request would hand every request a fresh full bucket and defeat rate
// limiting entirely.
func RateLimitMiddleware(r float64, burst int, c codec.Codec) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) Response {
			if !limiter.Allow() {
				payload, _ := c.Pack(codec.FAIL, "rate limit exceeded")
				return Response{Body: payload}
			}
			return next(ctx, req)
		}
	}
}
