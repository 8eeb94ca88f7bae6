package packet

import (
	"bytes"
	"encoding/hex"
)

// MaxConnectionIDLength is the largest legal connection ID length.
const MaxConnectionIDLength = 18

// ConnectionID is an immutable 0-18 byte identifier. Zero-length IDs are
// legal (recent QUIC versions allow an endpoint to omit connection IDs
// entirely on a given path). ConnectionID is comparable and usable as a
// map key, and satisfies a total order via Compare so managers can keep
// sorted collections of them.
type ConnectionID struct {
	len  uint8
	data [MaxConnectionIDLength]byte
}

// NewConnectionID copies b (which must be at most MaxConnectionIDLength
// bytes) into a new ConnectionID. It panics if b is too long, since every
// call site either generates the bytes itself or has already validated
// length against a length-prefix field it just parsed.
func NewConnectionID(b []byte) ConnectionID {
	if len(b) > MaxConnectionIDLength {
		panic("packet: connection ID longer than 18 bytes")
	}
	var cid ConnectionID
	cid.len = uint8(len(b))
	copy(cid.data[:], b)
	return cid
}

// Len returns the connection ID's length in bytes.
func (c ConnectionID) Len() int { return int(c.len) }

// Bytes returns the connection ID's bytes in network byte order. The
// returned slice aliases no mutable state; callers may retain it.
func (c ConnectionID) Bytes() []byte {
	b := make([]byte, c.len)
	copy(b, c.data[:c.len])
	return b
}

// Equal reports whether two connection IDs have the same bytes.
func (c ConnectionID) Equal(other ConnectionID) bool {
	return c.len == other.len && bytes.Equal(c.data[:c.len], other.data[:other.len])
}

// Compare defines a total order over connection IDs: first by length,
// then lexicographically. It exists so connection-ID managers can keep
// sorted sequence-number-ordered collections without re-deriving an
// ordering from hashes.
func (c ConnectionID) Compare(other ConnectionID) int {
	if c.len != other.len {
		if c.len < other.len {
			return -1
		}
		return 1
	}
	return bytes.Compare(c.data[:c.len], other.data[:other.len])
}

func (c ConnectionID) String() string {
	return hex.EncodeToString(c.data[:c.len])
}
