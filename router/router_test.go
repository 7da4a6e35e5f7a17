package router

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"mini-rpc/codec"
)

type Args struct{ A, B int }
type Reply struct{ Result int }

type Arith struct{}

func (Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (Arith) Fail(args *Args, reply *Reply) error {
	return fmt.Errorf("boom")
}

func (Arith) Panics(args *Args, reply *Reply) error {
	panic("unexpected")
}

type recordingResponder struct {
	reqID   uint64
	payload []byte
}

func (r *recordingResponder) Respond(reqID uint64, payload []byte) error {
	r.reqID = reqID
	r.payload = payload
	return nil
}

func call(t *testing.T, r *Router, name string, args Args) (codec.ResultCode, Reply, string) {
	t.Helper()
	c := codec.NewMsgpackCodec()
	body, err := PackCall(c, name, args)
	require.NoError(t, err)

	resp, delayed := r.Route(&recordingResponder{}, 1, FuncID(name), body)
	require.False(t, delayed)

	var code codec.ResultCode
	var reply Reply
	var msg string
	code, msg, err = UnpackResult(c, resp, &reply)
	require.NoError(t, err)
	return code, reply, msg
}

func TestRouterArithmeticCall(t *testing.T) {
	r := New(codec.NewMsgpackCodec())
	require.NoError(t, r.RegisterService(&Arith{}))

	code, reply, _ := call(t, r, "Arith.Add", Args{A: 1, B: 2})
	require.Equal(t, codec.OK, code)
	require.Equal(t, 3, reply.Result)
}

func TestRouterUnknownFunction(t *testing.T) {
	r := New(codec.NewMsgpackCodec())
	code, _, msg := call(t, r, "not_registered", Args{})
	require.Equal(t, codec.FAIL, code)
	require.Equal(t, "unknown function: not_registered", msg)
}

func TestRouterHandlerError(t *testing.T) {
	r := New(codec.NewMsgpackCodec())
	require.NoError(t, r.RegisterService(&Arith{}))
	code, _, msg := call(t, r, "Arith.Fail", Args{})
	require.Equal(t, codec.FAIL, code)
	require.Equal(t, "boom", msg)
}

func TestRouterHandlerPanicBecomesUnknownException(t *testing.T) {
	r := New(codec.NewMsgpackCodec())
	require.NoError(t, r.RegisterService(&Arith{}))
	code, _, msg := call(t, r, "Arith.Panics", Args{})
	require.Equal(t, codec.FAIL, code)
	require.Contains(t, msg, "panic in handler")
}

func TestRouterDuplicateRegistrationRejected(t *testing.T) {
	r := New(codec.NewMsgpackCodec())
	require.NoError(t, r.Register("dup", func(a *Args, rep *Reply) error { return nil }))
	err := r.Register("dup", func(a *Args, rep *Reply) error { return nil })
	require.ErrorIs(t, err, ErrDuplicateFunction)
}

func TestRouterRemove(t *testing.T) {
	r := New(codec.NewMsgpackCodec())
	require.NoError(t, r.RegisterService(&Arith{}))
	r.Remove("Arith.Add")
	code, _, msg := call(t, r, "Arith.Add", Args{A: 1, B: 1})
	require.Equal(t, codec.FAIL, code)
	require.Equal(t, "unknown function: Arith.Add", msg)
}

func TestRouterOversizedResultCapped(t *testing.T) {
	r := New(codec.NewMsgpackCodec())
	type BigReply struct{ Blob []byte }
	require.NoError(t, r.Register("big", func(a *Args, reply *BigReply) error {
		reply.Blob = make([]byte, maxBody+1)
		return nil
	}))

	c := codec.NewMsgpackCodec()
	body, err := PackCall(c, "big", Args{})
	require.NoError(t, err)
	resp, delayed := r.Route(&recordingResponder{}, 1, FuncID("big"), body)
	require.False(t, delayed)

	code, msg, err := UnpackResult(c, resp, &struct{}{})
	require.NoError(t, err)
	require.Equal(t, codec.FAIL, code)
	require.Contains(t, msg, "out of range")
}

func TestRouterAsyncHandlerDelaysResponse(t *testing.T) {
	r := New(codec.NewMsgpackCodec())
	require.NoError(t, r.Register("deferred", func(ctx *Context, args *Args) error {
		go func() {
			ctx.Respond(Reply{Result: args.A * args.B})
		}()
		return nil
	}))

	c := codec.NewMsgpackCodec()
	body, err := PackCall(c, "deferred", Args{A: 3, B: 4})
	require.NoError(t, err)

	resp, delayed := r.Route(&recordingResponder{}, 5, FuncID("deferred"), body)
	require.True(t, delayed)
	require.Nil(t, resp)
}

func TestRouterAsyncDoubleRespondFails(t *testing.T) {
	r := New(codec.NewMsgpackCodec())
	responder := &recordingResponder{}
	require.NoError(t, r.Register("twice", func(ctx *Context, args *Args) error {
		require.NoError(t, ctx.Respond(Reply{Result: 1}))
		require.ErrorIs(t, ctx.Respond(Reply{Result: 2}), ErrHasResponse)
		return nil
	}))

	c := codec.NewMsgpackCodec()
	body, err := PackCall(c, "twice", Args{})
	require.NoError(t, err)
	_, delayed := r.Route(responder, 1, FuncID("twice"), body)
	require.True(t, delayed)
	require.NotNil(t, responder.payload)
}
