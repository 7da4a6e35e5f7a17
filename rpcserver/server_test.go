package rpcserver

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mini-rpc/codec"
	"mini-rpc/router"
	"mini-rpc/wire"
)

type addArgs struct{ A, B int }
type addReply struct{ Result int }

func newLiveServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	r := router.New(codec.NewMsgpackCodec())
	require.NoError(t, r.Register("add", func(args *addArgs, reply *addReply) error {
		reply.Result = args.A + args.B
		return nil
	}))

	s := New(r, codec.NewMsgpackCodec(), opts...)
	errCh := make(chan error, 1)
	addrCh := make(chan string, 1)
	go func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			errCh <- err
			return
		}
		s.listener = ln
		s.started.Store(true)
		addrCh <- ln.Addr().String()
		go s.sweepLoop()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.accept(conn)
		}
	}()
	select {
	case err := <-errCh:
		t.Fatalf("listen failed: %v", err)
	case addr := <-addrCh:
		return s, addr
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for listener")
	}
	return nil, ""
}

func TestServerRoundTripCall(t *testing.T) {
	s, addr := newLiveServer(t)
	defer s.Stop(time.Second)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	c := codec.NewMsgpackCodec()
	body, err := router.PackCall(c, "add", addArgs{A: 2, B: 3})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, 1, wire.ReqRes, router.FuncID("add"), body, false))

	h, respBody, _, err := wire.ReadFrame(conn, nil, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), h.ReqID)

	var reply addReply
	code, _, err := router.UnpackResult(c, respBody, &reply)
	require.NoError(t, err)
	require.Equal(t, codec.OK, code)
	require.Equal(t, 5, reply.Result)
}

func TestServerHeartbeatKeepsConnectionOpen(t *testing.T) {
	s, addr := newLiveServer(t, WithIdleTimeout(50*time.Millisecond))
	defer s.Stop(time.Second)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, wire.WriteFrame(conn, 0, wire.ReqRes, 0, nil, false))
		time.Sleep(20 * time.Millisecond)
	}

	c := codec.NewMsgpackCodec()
	body, err := router.PackCall(c, "add", addArgs{A: 1, B: 1})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, 9, wire.ReqRes, router.FuncID("add"), body, false))

	h, respBody, _, err := wire.ReadFrame(conn, nil, false)
	require.NoError(t, err)
	require.Equal(t, uint64(9), h.ReqID)
	var reply addReply
	code, _, err := router.UnpackResult(c, respBody, &reply)
	require.NoError(t, err)
	require.Equal(t, codec.OK, code)
	require.Equal(t, 2, reply.Result)
}

func TestServerPublishReachesSubscriber(t *testing.T) {
	s, addr := newLiveServer(t)
	defer s.Stop(time.Second)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	c := codec.NewMsgpackCodec()
	subBody, err := c.Pack("weather", "")
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, 0, wire.SubPub, 0, subBody, false))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Publish("weather", "sunny"))

	h, body, _, err := wire.ReadFrame(conn, nil, false)
	require.NoError(t, err)
	require.Equal(t, wire.SubPub, h.ReqType)

	var code codec.ResultCode
	var topic, value string
	require.NoError(t, c.Unpack(body, &code, &topic, &value))
	require.Equal(t, codec.OK, code)
	require.Equal(t, "weather", topic)
	require.Equal(t, "sunny", value)
}

func TestServerPublishByTopicIDReachesSubscriber(t *testing.T) {
	s, addr := newLiveServer(t)
	defer s.Stop(time.Second)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	c := codec.NewMsgpackCodec()
	subBody, err := c.Pack("weather", "")
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, 0, wire.SubPub, 0, subBody, false))
	time.Sleep(50 * time.Millisecond)

	raw, err := c.Pack("sunny")
	require.NoError(t, err)
	s.PublishByTopicID(router.FuncID("weather"), raw)

	h, body, _, err := wire.ReadFrame(conn, nil, false)
	require.NoError(t, err)
	require.Equal(t, wire.SubPub, h.ReqType)

	var value string
	require.NoError(t, c.Unpack(body, &value))
	require.Equal(t, "sunny", value)
}

func TestServerStopClosesConnections(t *testing.T) {
	s, addr := newLiveServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Stop(time.Second))

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err)
}
