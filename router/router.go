// Package router implements the handler registry and dispatch trampoline
// described by the protocol: handlers are registered under a 32-bit
// function id derived from their name, and a routed call unpacks the
// argument tuple, invokes the handler, and packs the result — folding any
// handler failure into the same (result_code, value_or_message) response
// shape the wire format carries.
//
// It generalizes the teacher's reflection-based service dispatch
// (mini-rpc/server/service.go): instead of keying handlers by a literal
// "Service.Method" string looked up at request time, each handler is keyed
// by the hash of its name, computed once at registration and matched
// against the id the client embeds in the frame header.
package router

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"mini-rpc/codec"
)

// Mode is the execution mode a handler is registered under.
type Mode int

const (
	// Sync handlers return a result inline; the router produces the
	// response immediately.
	Sync Mode = iota
	// Async handlers receive a *Context and produce their response later,
	// at a time of their own choosing, possibly from another goroutine.
	// The router writes no response for an async call, except that a
	// handler returning an error (or panicking) gets a FAIL response sent
	// through its Context. Async responses carry no sequence number, so
	// they may reach the wire out of request order.
	Async
)

var contextType = reflect.TypeOf((*Context)(nil))
var errorType = reflect.TypeOf((*error)(nil)).Elem()

type entry struct {
	id        uint32
	name      string
	mode      Mode
	fn        reflect.Value
	argType   reflect.Type
	replyType reflect.Type // nil for async handlers
}

// Router maps function ids to registered handlers and dispatches requests
// to them.
type Router struct {
	codec codec.Codec

	mu     sync.RWMutex
	byID   map[uint32]*entry
	byName map[string]uint32
}

// New creates an empty Router using c to pack/unpack argument and result
// tuples.
func New(c codec.Codec) *Router {
	return &Router{
		codec:  c,
		byID:   make(map[uint32]*entry),
		byName: make(map[string]uint32),
	}
}

// Register registers fn under name. fn must have one of two shapes:
//
//	func(args *ArgsT, reply *ReplyT) error       — sync handler
//	func(ctx *router.Context, args *ArgsT) error — async handler
//
// The function id is hash32(name); registering a second handler whose name
// collides under that hash is a fatal configuration error
// (ErrDuplicateFunction).
func (r *Router) Register(name string, fn any) error {
	return r.register(name, reflect.ValueOf(fn))
}

// RegisterService scans rcvr's exported methods for the sync signature
// func (receiver) Method(args *ArgsT, reply *ReplyT) error and registers
// each one as "TypeName.MethodName", exactly as the teacher's
// server.Register did — generalized to hash-based dispatch.
func (r *Router) RegisterService(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("router: RegisterService requires a pointer to a struct, got %s", typ)
	}
	val := reflect.ValueOf(rcvr)
	svcName := typ.Elem().Name()

	registered := 0
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		bound := val.Method(i)
		if !isSyncShape(bound.Type()) {
			continue
		}
		name := svcName + "." + m.Name
		if err := r.register(name, bound); err != nil {
			return err
		}
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("router: %s has no RPC-compatible methods", svcName)
	}
	return nil
}

func isSyncShape(t reflect.Type) bool {
	return t.Kind() == reflect.Func &&
		t.NumIn() == 2 && t.NumOut() == 1 &&
		t.Out(0) == errorType &&
		t.In(0).Kind() == reflect.Ptr && t.In(0).Elem().Kind() == reflect.Struct &&
		t.In(1).Kind() == reflect.Ptr && t.In(1).Elem().Kind() == reflect.Struct
}

func isAsyncShape(t reflect.Type) bool {
	return t.Kind() == reflect.Func &&
		t.NumIn() == 2 && t.NumOut() == 1 &&
		t.Out(0) == errorType &&
		t.In(0) == contextType &&
		t.In(1).Kind() == reflect.Ptr && t.In(1).Elem().Kind() == reflect.Struct
}

func (r *Router) register(name string, fn reflect.Value) error {
	typ := fn.Type()
	var e entry
	switch {
	case isAsyncShape(typ):
		e = entry{mode: Async, fn: fn, argType: typ.In(1).Elem()}
	case isSyncShape(typ):
		e = entry{mode: Sync, fn: fn, argType: typ.In(0).Elem(), replyType: typ.In(1).Elem()}
	default:
		return fmt.Errorf("router: %s has an unsupported handler signature %s", name, typ)
	}
	e.id = FuncID(name)
	e.name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[e.id]; exists {
		return fmt.Errorf("%w: %q collides with an existing registration (id %d)", ErrDuplicateFunction, name, e.id)
	}
	r.byID[e.id] = &e
	r.byName[name] = e.id
	return nil
}

// Remove removes the handler registered under name, if any.
func (r *Router) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		delete(r.byID, id)
		delete(r.byName, name)
	}
}

// NameFor returns the diagnostic name registered under id, for logging
// callers that only have the wire-level function id on hand.
func (r *Router) NameFor(id uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return e.name, true
}

// Route dispatches one request body to the handler addressed by funcID.
// body is the packed tuple (name, args). It returns the packed response
// body ready to write to the wire, or delayed=true if an async handler has
// taken over producing the response via its Context.
func (r *Router) Route(responder Responder, reqID uint64, funcID uint32, body []byte) (respBody []byte, delayed bool) {
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	var name string
	if err := dec.Decode(&name); err != nil {
		return r.pack(codec.FAIL, "invalid argument: malformed request envelope"), false
	}

	r.mu.RLock()
	e, ok := r.byID[funcID]
	r.mu.RUnlock()
	if !ok {
		return r.pack(codec.FAIL, "unknown function: "+name), false
	}

	argv := reflect.New(e.argType)
	if err := dec.Decode(argv.Interface()); err != nil {
		return r.pack(codec.FAIL, err.Error()), false
	}

	if e.mode == Async {
		ctx := newContext(responder, reqID, r.codec, e.name)
		if err := r.invoke(e, argv, reflect.Value{}, ctx); err != nil {
			ctx.RespondError(err.Error())
		}
		return nil, true
	}

	replyv := reflect.New(e.replyType)
	if err := r.invoke(e, argv, replyv, nil); err != nil {
		return r.pack(codec.FAIL, err.Error()), false
	}

	payload, err := r.codec.Pack(codec.OK, replyv.Elem().Interface())
	if err != nil {
		return r.pack(codec.FAIL, err.Error()), false
	}
	if len(payload) >= maxBody {
		return r.pack(codec.FAIL, fmt.Sprintf("the response result is out of range: more than 10M %s", e.name)), false
	}
	return payload, false
}

// maxBody mirrors wire.MaxBody: Route caps any packed response at or above
// this size.
const maxBody = 10 * 1024 * 1024

func (r *Router) invoke(e *entry, argv, replyv reflect.Value, ctx *Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in handler %s: %v", e.name, p)
		}
	}()

	var args []reflect.Value
	if e.mode == Async {
		args = []reflect.Value{reflect.ValueOf(ctx), argv}
	} else {
		args = []reflect.Value{argv, replyv}
	}
	results := e.fn.Call(args)
	if errv := results[0]; !errv.IsNil() {
		return errv.Interface().(error)
	}
	return nil
}

// PackCall packs a request envelope — (name, args) — in the shape Route
// expects to unpack. Used by the client to build the body of a req_res
// frame.
func PackCall(c codec.Codec, name string, args any) ([]byte, error) {
	return c.Pack(name, args)
}

// UnpackResult unpacks a response body produced by Route: a
// (result_code, value_or_message) tuple. value must be a pointer to the
// expected success-path type; on FAIL it is left untouched and msg carries
// the server's diagnostic.
func UnpackResult(c codec.Codec, body []byte, value any) (code codec.ResultCode, msg string, err error) {
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	if err = dec.Decode(&code); err != nil {
		return
	}
	if code == codec.OK {
		err = dec.Decode(value)
		return
	}
	err = dec.Decode(&msg)
	return
}

func (r *Router) pack(code codec.ResultCode, msg string) []byte {
	payload, err := r.codec.Pack(code, msg)
	if err != nil {
		// Packing a (code, string) tuple cannot reasonably fail; fall back
		// to an empty body rather than propagate a codec error out of
		// Route, which never returns one.
		return nil
	}
	return payload
}
