package router

import (
	"fmt"
	"sync"

	"mini-rpc/codec"
	"mini-rpc/wire"
)

// Responder is the write side of a connection, as seen by a delayed (async)
// handler. The server connection implements it.
type Responder interface {
	Respond(reqID uint64, payload []byte) error
}

// Context is handed to a handler registered in async mode. The router
// invokes the handler inline, but the handler is free to call Respond (or
// RespondError) at any later time, from any goroutine — the router itself
// produces no response for an async call unless the handler returns an
// error or panics, in which case Route calls RespondError with that
// message. This mirrors the source's
// thread-local rpc_context, minus the thread-local part: the context is
// passed explicitly instead of being recovered from tls state.
type Context struct {
	mu        sync.Mutex
	responder Responder
	reqID     uint64
	codec     codec.Codec
	name      string
	responded bool
}

func newContext(responder Responder, reqID uint64, c codec.Codec, name string) *Context {
	return &Context{responder: responder, reqID: reqID, codec: c, name: name}
}

// Respond packs (OK, args...) and writes it as the delayed response.
func (c *Context) Respond(args ...any) error {
	return c.respond(codec.OK, args...)
}

// RespondError packs (FAIL, msg) and writes it as the delayed response.
func (c *Context) RespondError(msg string) error {
	return c.respond(codec.FAIL, msg)
}

func (c *Context) respond(code codec.ResultCode, args ...any) error {
	c.mu.Lock()
	if c.responded {
		c.mu.Unlock()
		return ErrHasResponse
	}
	c.responded = true
	c.mu.Unlock()

	packed := append([]any{code}, args...)
	payload, err := c.codec.Pack(packed...)
	if err != nil {
		return err
	}
	if len(payload) >= wire.MaxBody {
		payload, err = c.codec.Pack(codec.FAIL, fmt.Sprintf("the response result is out of range: more than 10M %s", c.name))
		if err != nil {
			return err
		}
	}
	return c.responder.Respond(c.reqID, payload)
}
