package rpcserver

import (
	"time"

	"mini-rpc/middleware"
)

// options gathers the server-side configuration knobs.
type options struct {
	numThreads     int
	timeoutSeconds time.Duration
	checkSeconds   time.Duration
	connMaxAge     time.Duration
	tcpNoDelay     bool
	crossEnding    bool
	rateLimit      float64
	rateBurst      int
	chain          middleware.Middleware
}

func defaultOptions() options {
	return options{
		timeoutSeconds: 15 * time.Second,
		checkSeconds:   10 * time.Second,
		tcpNoDelay:     true,
	}
}

// Option configures a Server at construction time.
type Option func(*options)

// WithNumThreads sets the I/O pool concurrency. <= 0 means hardware
// concurrency.
func WithNumThreads(n int) Option { return func(o *options) { o.numThreads = n } }

// WithIdleTimeout sets the per-connection idle timeout. 0 disables it.
func WithIdleTimeout(d time.Duration) Option { return func(o *options) { o.timeoutSeconds = d } }

// WithSweepInterval sets how often the subscription sweep runs.
func WithSweepInterval(d time.Duration) Option { return func(o *options) { o.checkSeconds = d } }

// WithConnMaxAge enables the connection-age sweep: connections whose
// last-I/O timestamp is older than d are closed. 0 disables it.
func WithConnMaxAge(d time.Duration) Option { return func(o *options) { o.connMaxAge = d } }

// WithTCPNoDelay toggles TCP_NODELAY on accepted connections.
func WithTCPNoDelay(v bool) Option { return func(o *options) { o.tcpNoDelay = v } }

// WithCrossEnding switches the wire header's multi-byte fields to network
// byte order.
func WithCrossEnding(v bool) Option { return func(o *options) { o.crossEnding = v } }

// WithRateLimit caps dispatch to r requests/second per connection with the
// given burst, using a token bucket. Disabled (the default) when r <= 0.
func WithRateLimit(r float64, burst int) Option {
	return func(o *options) { o.rateLimit = r; o.rateBurst = burst }
}

// WithMiddleware installs a pre-dispatch chain in front of every request on
// every connection (see the middleware package). nil (the default) skips
// the chain and dispatches straight through the router.
func WithMiddleware(m middleware.Middleware) Option {
	return func(o *options) { o.chain = m }
}
