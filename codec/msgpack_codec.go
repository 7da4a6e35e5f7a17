package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec implements Codec on top of vmihailenco/msgpack's multi-value
// encoder, which packs several independent values back to back into one
// buffer instead of wrapping them in a slice — exactly the "tuple-packed,
// self-describing binary blob" the protocol boundary calls for.
type MsgpackCodec struct{}

// NewMsgpackCodec returns the default codec used by the server and client.
func NewMsgpackCodec() *MsgpackCodec { return &MsgpackCodec{} }

func (MsgpackCodec) Pack(args ...any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMulti(args...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unpack(data []byte, dests ...any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return dec.DecodeMulti(dests...)
}
