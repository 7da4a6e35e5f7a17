package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{ReqType: ReqRes, BodyLen: 0, ReqID: 0, FuncID: 0},
		{ReqType: ReqRes, BodyLen: 128, ReqID: 1, FuncID: 0xdeadbeef},
		{ReqType: SubPub, BodyLen: 4096, ReqID: 1<<63 | 7, FuncID: 42},
	}
	for _, crossEnding := range []bool{false, true} {
		for _, h := range cases {
			buf := EncodeHeader(h, crossEnding)
			require.Len(t, buf, HeaderLen)
			got, err := DecodeHeader(buf, crossEnding)
			require.NoError(t, err)
			require.Equal(t, h, got)
		}
	}
}

func TestDecodeHeaderBadMagic(t *testing.T) {
	buf := EncodeHeader(Header{ReqType: ReqRes}, false)
	buf[0] = 0x00
	_, err := DecodeHeader(buf, false)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeHeaderBadBodyLen(t *testing.T) {
	buf := EncodeHeader(Header{ReqType: ReqRes, BodyLen: MaxBody}, false)
	_, err := DecodeHeader(buf, false)
	require.ErrorIs(t, err, ErrBadBodyLen)
}

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("hello frame")
	require.NoError(t, WriteFrame(&buf, 99, ReqRes, 7, body, false))

	h, got, _, err := ReadFrame(&buf, nil, false)
	require.NoError(t, err)
	require.Equal(t, uint64(99), h.ReqID)
	require.Equal(t, uint32(7), h.FuncID)
	require.Equal(t, ReqRes, h.ReqType)
	require.Equal(t, body, got)
}

func TestReadFrameHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 0, ReqRes, 0, nil, false))
	h, body, _, err := ReadFrame(&buf, nil, false)
	require.NoError(t, err)
	require.Equal(t, uint32(0), h.BodyLen)
	require.Nil(t, body)
}

func TestWriteFrameOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, 1, ReqRes, 1, make([]byte, MaxBody), false)
	require.ErrorIs(t, err, ErrBadBodyLen)
}

func TestScratchBufferGrowsMonotonically(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 1, ReqRes, 1, []byte("short"), false))
	_, _, scratch, err := ReadFrame(&buf, nil, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, cap(scratch), 5)

	require.NoError(t, WriteFrame(&buf, 2, ReqRes, 1, []byte("a"), false))
	_, _, scratch2, err := ReadFrame(&buf, scratch, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, cap(scratch2), cap(scratch))
}
