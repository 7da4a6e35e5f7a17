package router

import (
	"crypto/md5"
	"encoding/binary"
)

// FuncID derives the 32-bit function identifier the wire header carries for
// a handler name. It is computed identically on the client (to address a
// call) and on the server (at registration time), exactly the way the
// original implementation derives its dispatch key: MD5 the name, take the
// first four bytes as a big-endian uint32.
func FuncID(name string) uint32 {
	sum := md5.Sum([]byte(name))
	return binary.BigEndian.Uint32(sum[:4])
}
