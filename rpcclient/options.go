package rpcclient

import "time"

// options gathers the client-side configuration knobs from spec §6.
type options struct {
	connectTimeout        time.Duration
	reconnectCount        int // -1 means unlimited
	reconnectDelay        time.Duration
	waitTimeout           time.Duration
	autoReconnect         bool
	autoHeartbeatInterval time.Duration
	tcpNoDelay            bool
	crossEnding           bool
	errCB                 func(error)
}

func defaultOptions() options {
	return options{
		connectTimeout: 2 * time.Second,
		reconnectCount: -1,
		reconnectDelay: time.Second,
		waitTimeout:    5 * time.Second,
		tcpNoDelay:     true,
	}
}

// Option configures a Client at construction time.
type Option func(*options)

// WithConnectTimeout bounds how long Connect waits for the handshake.
func WithConnectTimeout(d time.Duration) Option { return func(o *options) { o.connectTimeout = d } }

// WithReconnectCount sets how many reconnect attempts are made after a
// connect failure before giving up. -1 (the default) means unlimited.
func WithReconnectCount(n int) Option { return func(o *options) { o.reconnectCount = n } }

// WithReconnectDelay sets the pause between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option { return func(o *options) { o.reconnectDelay = d } }

// WithWaitTimeout sets the default deadline for synchronous Call.
func WithWaitTimeout(d time.Duration) Option { return func(o *options) { o.waitTimeout = d } }

// WithAutoReconnect enables automatic reconnection after a transport error.
func WithAutoReconnect(v bool) Option { return func(o *options) { o.autoReconnect = v } }

// WithHeartbeatInterval arms a periodic zero-body keepalive frame. 0 (the
// default) disables it.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) { o.autoHeartbeatInterval = d }
}

// WithTCPNoDelay toggles TCP_NODELAY on the client socket.
func WithTCPNoDelay(v bool) Option { return func(o *options) { o.tcpNoDelay = v } }

// WithCrossEnding switches the wire header's multi-byte fields to network
// byte order.
func WithCrossEnding(v bool) Option { return func(o *options) { o.crossEnding = v } }

// WithErrorCallback registers the function invoked once per transport
// failure (socket read/write error), after every pending call has been
// failed and before any reconnect attempt.
func WithErrorCallback(cb func(error)) Option { return func(o *options) { o.errCB = cb } }
