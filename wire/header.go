// Package wire implements the fixed-header length-framing protocol shared by
// the server and the client.
//
// It solves TCP's sticky-packet problem the same way the teacher's protocol
// package did: a fixed header carries the body length, the receiver reads
// the header first and then reads exactly that many body bytes.
//
// Frame layout (20 bytes, little-endian unless cross-ending is negotiated):
//
//	0      1      2         4                  8                 12        16        20
//	┌──────┬──────┬─────────┬──────────────────┬─────────────────┬─────────┬──────────┬───────────────┐
//	│magic │rtype │ reserved│     body_len      │      req_id     (cont.)  │ func_id  │    body ...    │
//	│ 0x27 │ u8   │  2 zero │      u32          │        u64                │   u32    │  body_len bytes│
//	└──────┴──────┴─────────┴──────────────────┴─────────────────┴─────────┴──────────┴───────────────┘
//
// The two reserved bytes exist purely for req_id's natural 8-byte alignment;
// they are always written as zero and ignored on decode.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic identifies a mini-rpc frame. Any other value on the wire is a fatal
// framing error.
const Magic byte = 0x27

// HeaderLen is the fixed header size in bytes.
const HeaderLen = 20

// MaxBody is the largest body accepted; body_len >= MaxBody is a fatal
// framing error.
const MaxBody = 10 * 1024 * 1024 // 10 MiB

// ReqType distinguishes a request/response frame from a publish/subscribe
// frame.
type ReqType uint8

const (
	ReqRes ReqType = 0
	SubPub ReqType = 1
)

func (t ReqType) String() string {
	if t == SubPub {
		return "sub_pub"
	}
	return "req_res"
}

// Header is the decoded fixed header.
type Header struct {
	ReqType ReqType
	BodyLen uint32
	ReqID   uint64
	FuncID  uint32
}

// ErrBadMagic is returned when the leading magic byte does not match.
var ErrBadMagic = errors.New("wire: bad magic byte")

// ErrBadBodyLen is returned when body_len is at or beyond MaxBody.
var ErrBadBodyLen = errors.New("wire: body length out of range")

func byteOrder(crossEnding bool) binary.ByteOrder {
	if crossEnding {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// EncodeHeader serializes h into a HeaderLen-byte buffer.
func EncodeHeader(h Header, crossEnding bool) []byte {
	buf := make([]byte, HeaderLen)
	bo := byteOrder(crossEnding)
	buf[0] = Magic
	buf[1] = byte(h.ReqType)
	// buf[2:4] reserved, left zero
	bo.PutUint32(buf[4:8], h.BodyLen)
	bo.PutUint64(buf[8:16], h.ReqID)
	bo.PutUint32(buf[16:20], h.FuncID)
	return buf
}

// DecodeHeader parses exactly HeaderLen bytes of b into a Header.
func DecodeHeader(b []byte, crossEnding bool) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, fmt.Errorf("wire: short header: %d bytes", len(b))
	}
	if b[0] != Magic {
		return h, ErrBadMagic
	}
	bo := byteOrder(crossEnding)
	h.ReqType = ReqType(b[1])
	h.BodyLen = bo.Uint32(b[4:8])
	if h.BodyLen >= MaxBody {
		return h, ErrBadBodyLen
	}
	h.ReqID = bo.Uint64(b[8:16])
	h.FuncID = bo.Uint32(b[16:20])
	return h, nil
}

// WriteFrame writes a complete header+body frame to w.
func WriteFrame(w io.Writer, reqID uint64, reqType ReqType, funcID uint32, body []byte, crossEnding bool) error {
	if len(body) >= MaxBody {
		return ErrBadBodyLen
	}
	h := Header{ReqType: reqType, BodyLen: uint32(len(body)), ReqID: reqID, FuncID: funcID}
	buf := EncodeHeader(h, crossEnding)
	// Header and body are copied into one buffer and handed to a single
	// Write call, so the frame reaches w whole rather than in two pieces.
	full := make([]byte, 0, len(buf)+len(body))
	full = append(full, buf...)
	full = append(full, body...)
	_, err := w.Write(full)
	return err
}

// ReadFrame reads one complete frame from r: the header, then exactly
// BodyLen body bytes. scratch is grown (never shrunk) to hold the body and
// the grown slice is returned as the third result for reuse by the caller.
func ReadFrame(r io.Reader, scratch []byte, crossEnding bool) (Header, []byte, []byte, error) {
	var headBuf [HeaderLen]byte
	if _, err := io.ReadFull(r, headBuf[:]); err != nil {
		return Header{}, nil, scratch, err
	}
	h, err := DecodeHeader(headBuf[:], crossEnding)
	if err != nil {
		return h, nil, scratch, err
	}
	if h.BodyLen == 0 {
		return h, nil, scratch, nil
	}
	if cap(scratch) < int(h.BodyLen) {
		scratch = make([]byte, h.BodyLen)
	}
	body := scratch[:h.BodyLen]
	if _, err := io.ReadFull(r, body); err != nil {
		return h, nil, scratch, err
	}
	return h, body, scratch, nil
}
