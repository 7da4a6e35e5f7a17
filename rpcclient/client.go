// Package rpcclient implements the client half of the RPC runtime: the
// request multiplexer described in spec §4.6, grounded in the teacher's
// client/transport pair (mini-rpc/client.Client, mini-rpc/transport.ClientTransport)
// — a single shared connection, a background goroutine reading responses
// and routing them back to their caller, a write path serialized so
// concurrent callers never interleave frames.
//
// It generalizes the teacher's design in three ways: request ids are
// 64-bit and client-assigned (not a transport-local uint32 sequence),
// pending calls can complete either as a future or via a callback with its
// own deadline (the teacher only had one style), and a pub/sub side
// channel rides the same connection and dispatch loop.
package rpcclient

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"mini-rpc/codec"
	"mini-rpc/internal/outbox"
	"mini-rpc/router"
	"mini-rpc/wire"
)

type subEntry struct {
	token string
	cb    func([]byte)
}

type topicSub struct {
	key   string
	token string
}

// Client is a single multiplexed connection to one server. It is safe for
// concurrent use by multiple goroutines.
type Client struct {
	opts  options
	codec codec.Codec

	mu   sync.Mutex
	conn net.Conn
	out  *outbox.Outbox

	reqIDSeq  atomic.Uint64
	pending   *pendingTable
	connected atomic.Bool
	closed    atomic.Bool

	subsMu        sync.Mutex
	subs          map[string][]subEntry
	resend        []topicSub
	scratch       []byte
	heartbeatStop chan struct{}
}

// New creates a disconnected client. Call Connect before issuing requests.
func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Client{
		opts:    o,
		codec:   codec.NewMsgpackCodec(),
		pending: newPendingTable(),
		subs:    make(map[string][]subEntry),
	}
}

// Connect dials host:port, arms the connect timeout, and on success starts
// the background read loop and, if configured, the heartbeat ticker. It
// re-sends every subscription registered before a prior disconnect.
func (c *Client) Connect(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, c.opts.connectTimeout)
	if err != nil {
		return err
	}
	if c.opts.tcpNoDelay {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.out = outbox.New(func(f outbox.Frame) error {
		return wire.WriteFrame(conn, f.ReqID, wire.ReqType(f.ReqType), f.FuncID, f.Body, c.opts.crossEnding)
	})
	c.mu.Unlock()

	c.closed.Store(false)
	c.connected.Store(true)

	go c.recvLoop(conn)
	if c.opts.autoHeartbeatInterval > 0 {
		c.heartbeatStop = make(chan struct{})
		go c.heartbeatLoop(c.opts.autoHeartbeatInterval, c.heartbeatStop)
	}

	c.resubscribeAll()
	return nil
}

// Close shuts down the connection and fails every pending call with
// ErrClosed. Per the resolved open question on spec §9's close-path
// inconsistency, connected is always left false here; only a successful
// Connect sets it back to true.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.connected.Store(false)
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.pending.failAll(ErrClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Call issues name(args) and blocks for at most the configured wait timeout
// (see WithWaitTimeout), unpacking a successful response into reply.
func (c *Client) Call(name string, args any, reply any) error {
	id, fut, err := c.issue(name, args)
	if err != nil {
		return err
	}
	body, err := fut.Wait(c.opts.waitTimeout)
	if err != nil {
		c.pending.cancel(id)
		return err
	}
	code, msg, err := router.UnpackResult(c.codec, body, reply)
	if err != nil {
		return err
	}
	if code != codec.OK {
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// AsyncCallFuture posts name(args) and returns immediately with a Future
// that completes when the response arrives.
func (c *Client) AsyncCallFuture(name string, args any) (*Future, error) {
	_, fut, err := c.issue(name, args)
	return fut, err
}

// AsyncCallCallback posts name(args) and registers cb to be invoked at
// most once: with the response body on arrival, or with ErrTimeout if
// timeout elapses first. timeout <= 0 disables the deadline.
func (c *Client) AsyncCallCallback(name string, args any, cb func(error, []byte), timeout time.Duration) error {
	if !c.connected.Load() {
		return ErrClosed
	}
	id := c.reqIDSeq.Add(1)
	body, err := router.PackCall(c.codec, name, args)
	if err != nil {
		return err
	}
	c.pending.insertCallback(id, name, cb, timeout)
	if err := c.writeReqRes(id, router.FuncID(name), body); err != nil {
		c.pending.cancel(id)
		return err
	}
	return nil
}

func (c *Client) issue(name string, args any) (uint64, *Future, error) {
	if !c.connected.Load() {
		return 0, nil, ErrClosed
	}
	id := c.reqIDSeq.Add(1)
	body, err := router.PackCall(c.codec, name, args)
	if err != nil {
		return 0, nil, err
	}
	fut := c.pending.insertFuture(id, name)
	if err := c.writeReqRes(id, router.FuncID(name), body); err != nil {
		c.pending.cancel(id)
		return 0, nil, err
	}
	return id, fut, nil
}

func (c *Client) writeReqRes(id uint64, funcID uint32, body []byte) error {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	return out.Enqueue(outbox.Frame{ReqID: id, ReqType: uint8(wire.ReqRes), FuncID: funcID, Body: body})
}

// Subscribe registers cb to be invoked with the raw packed value every time
// the server publishes to key (optionally scoped by token), and sends the
// subscribe frame immediately. The subscription is re-sent automatically on
// reconnect.
func (c *Client) Subscribe(key, token string, cb func(value []byte)) error {
	c.subsMu.Lock()
	c.subs[key] = append(c.subs[key], subEntry{token: token, cb: cb})
	c.resend = append(c.resend, topicSub{key: key, token: token})
	c.subsMu.Unlock()
	return c.sendSubscribe(key, token)
}

func (c *Client) sendSubscribe(key, token string) error {
	if !c.connected.Load() {
		return ErrClosed
	}
	body, err := c.codec.Pack(key, token)
	if err != nil {
		return err
	}
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	return out.Enqueue(outbox.Frame{ReqType: uint8(wire.SubPub), Body: body})
}

func (c *Client) resubscribeAll() {
	c.subsMu.Lock()
	resend := append([]topicSub(nil), c.resend...)
	c.subsMu.Unlock()
	for _, s := range resend {
		_ = c.sendSubscribe(s.key, s.token)
	}
}

// Publish is sugar for calling a server-registered "publish" RPC handler
// (see rpcserver.Server.EnablePublishRPC) with (key, token, value).
func (c *Client) Publish(key, token string, value any) error {
	type publishArgs struct {
		Key   string
		Token string
		Value any
	}
	var ignored struct{}
	return c.Call("publish", &publishArgs{Key: key, Token: token, Value: value}, &ignored)
}

func (c *Client) recvLoop(conn net.Conn) {
	for {
		h, body, scratch, err := wire.ReadFrame(conn, c.scratch, c.opts.crossEnding)
		c.scratch = scratch
		if err != nil {
			c.onTransportError(err)
			return
		}
		if h.BodyLen == 0 {
			continue
		}
		switch h.ReqType {
		case wire.ReqRes:
			c.pending.complete(h.ReqID, body)
		case wire.SubPub:
			c.dispatchPublish(body)
		}
	}
}

func (c *Client) dispatchPublish(body []byte) {
	var code codec.ResultCode
	var key string
	var raw msgpack.RawMessage
	if err := c.codec.Unpack(body, &code, &key, &raw); err != nil {
		if c.opts.errCB != nil {
			c.opts.errCB(err)
		}
		return
	}
	c.subsMu.Lock()
	entries := append([]subEntry(nil), c.subs[key]...)
	c.subsMu.Unlock()
	for _, e := range entries {
		e.cb([]byte(raw))
	}
}

func (c *Client) onTransportError(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.connected.Store(false)
	c.pending.failAll(err)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if c.opts.errCB != nil {
		c.opts.errCB(err)
	}
	if c.opts.autoReconnect {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	host, port := c.lastAddr()
	if host == "" {
		return
	}
	remaining := c.opts.reconnectCount
	for remaining != 0 {
		time.Sleep(c.opts.reconnectDelay)
		if err := c.Connect(host, port); err == nil {
			return
		}
		if remaining > 0 {
			remaining--
		}
	}
}

func (c *Client) lastAddr() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return "", 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func (c *Client) heartbeatLoop(interval time.Duration, stop chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			out := c.out
			c.mu.Unlock()
			if out == nil {
				return
			}
			if err := out.Enqueue(outbox.Frame{ReqType: uint8(wire.ReqRes)}); err != nil {
				return
			}
		}
	}
}
