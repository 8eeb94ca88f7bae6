// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire implements the QUIC variable-length integer encoding and a
// small typed reader/writer built on top of it, shared by every other
// component that parses or builds wire bytes.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxVarInt is the largest value representable by a QUIC variable-length
// integer: 2^62 - 1.
const MaxVarInt = (1 << 62) - 1

// lengthFor returns the encoded byte length (1, 2, 4, or 8) for n, or 0 if
// n exceeds MaxVarInt.
func lengthFor(n uint64) int {
	switch {
	case n <= 0x3f:
		return 1
	case n <= 0x3fff:
		return 2
	case n <= 0x3fffffff:
		return 4
	case n <= MaxVarInt:
		return 8
	default:
		return 0
	}
}

// AppendVarInt appends the variable-length encoding of n to b and returns
// the extended slice. It panics if n > MaxVarInt, since every call site
// constructs n from a value already known to be in range.
func AppendVarInt(b []byte, n uint64) []byte {
	l := lengthFor(n)
	if l == 0 {
		panic(fmt.Sprintf("wire: varint %d exceeds 2^62-1", n))
	}
	switch l {
	case 1:
		return append(b, byte(n))
	case 2:
		return binary.BigEndian.AppendUint16(b, uint16(n)|0x4000)
	case 4:
		return binary.BigEndian.AppendUint32(b, uint32(n)|0x80000000)
	default:
		return binary.BigEndian.AppendUint64(b, n|0xc000000000000000)
	}
}

// VarIntLen returns the number of bytes AppendVarInt would write for n.
func VarIntLen(n uint64) int {
	return lengthFor(n)
}

// ConsumeVarInt decodes a variable-length integer from the front of b and
// returns the value and the number of bytes consumed. It returns
// (0, 0, false) if b is too short for the length its first byte declares.
func ConsumeVarInt(b []byte) (value uint64, n int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	l := 1 << (b[0] >> 6)
	if len(b) < l {
		return 0, 0, false
	}
	switch l {
	case 1:
		return uint64(b[0] & 0x3f), 1, true
	case 2:
		return uint64(binary.BigEndian.Uint16(b)&0x3fff) | 0, 2, true
	case 4:
		return uint64(binary.BigEndian.Uint32(b) & 0x3fffffff), 4, true
	default:
		return binary.BigEndian.Uint64(b) & 0x3fffffffffffffff, 8, true
	}
}

// Reader reads typed fields out of a fixed byte slice, tracking position
// and never reading past its end. It is the receive-side counterpart of
// Writer, shared by the packet framer, the QUIC frame codec, and the
// transport-parameters codec.
type Reader struct {
	b   []byte
	pos int
}

// NewReader wraps b for sequential reads starting at offset 0.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.b) - r.pos }

// Pos returns the current read offset into the original slice.
func (r *Reader) Pos() int { return r.pos }

// Rest returns the unread tail of the slice without advancing.
func (r *Reader) Rest() []byte { return r.b[r.pos:] }

// ReadVarInt reads a variable-length integer, returning an error if the
// remaining bytes are too short.
func (r *Reader) ReadVarInt() (uint64, error) {
	v, n, ok := ConsumeVarInt(r.b[r.pos:])
	if !ok {
		return 0, fmt.Errorf("wire: truncated varint at offset %d", r.pos)
	}
	r.pos += n
	return v, nil
}

// ReadByte implements io.ByteReader.
func (r *Reader) ReadByte() (byte, error) {
	if r.Len() < 1 {
		return 0, fmt.Errorf("wire: truncated byte at offset %d", r.pos)
	}
	b := r.b[r.pos]
	r.pos++
	return b, nil
}

// ReadUint16 reads a fixed-width big-endian 16-bit field.
func (r *Reader) ReadUint16() (uint16, error) {
	if r.Len() < 2 {
		return 0, fmt.Errorf("wire: truncated uint16 at offset %d", r.pos)
	}
	v := binary.BigEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadUint32 reads a fixed-width big-endian 32-bit field.
func (r *Reader) ReadUint32() (uint32, error) {
	if r.Len() < 4 {
		return 0, fmt.Errorf("wire: truncated uint32 at offset %d", r.pos)
	}
	v := binary.BigEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadN reads exactly n raw bytes without copying.
func (r *Reader) ReadN(n int) ([]byte, error) {
	if r.Len() < n {
		return nil, fmt.Errorf("wire: need %d bytes, have %d at offset %d", n, r.Len(), r.pos)
	}
	b := r.b[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Writer appends typed fields to an internal byte buffer. It is the
// send-side counterpart of Reader.
type Writer struct {
	b []byte
}

// NewWriter returns a Writer backed by a fresh buffer preallocated to cap.
func NewWriter(capacity int) *Writer {
	return &Writer{b: make([]byte, 0, capacity)}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.b }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.b) }

// WriteVarInt appends n as a variable-length integer.
func (w *Writer) WriteVarInt(n uint64) {
	w.b = AppendVarInt(w.b, n)
}

// WriteByte implements io.ByteWriter.
func (w *Writer) WriteByte(b byte) error {
	w.b = append(w.b, b)
	return nil
}

// WriteUint16 appends a fixed-width big-endian 16-bit field.
func (w *Writer) WriteUint16(v uint16) {
	w.b = binary.BigEndian.AppendUint16(w.b, v)
}

// WriteUint32 appends a fixed-width big-endian 32-bit field.
func (w *Writer) WriteUint32(v uint32) {
	w.b = binary.BigEndian.AppendUint32(w.b, v)
}

// Write appends raw bytes verbatim.
func (w *Writer) Write(b []byte) {
	w.b = append(w.b, b...)
}

// ReserveLength reserves n zero bytes at the current position, returning
// their offset so the caller can back-patch them once a size is known
// (used by the packet framer for long-header length fields).
func (w *Writer) ReserveLength(n int) int {
	off := len(w.b)
	w.b = append(w.b, make([]byte, n)...)
	return off
}

// PatchVarIntAt overwrites the n-byte varint field at off with value,
// re-encoded at exactly n bytes regardless of its minimal length. n must
// be 1, 2, 4, or 8 and value must fit.
func (w *Writer) PatchVarIntAt(off, n int, value uint64) error {
	if off+n > len(w.b) {
		return fmt.Errorf("wire: patch offset %d+%d out of range (len %d)", off, n, len(w.b))
	}
	switch n {
	case 1:
		if value > 0x3f {
			return fmt.Errorf("wire: value %d does not fit in 1-byte varint", value)
		}
		w.b[off] = byte(value)
	case 2:
		if value > 0x3fff {
			return fmt.Errorf("wire: value %d does not fit in 2-byte varint", value)
		}
		binary.BigEndian.PutUint16(w.b[off:], uint16(value)|0x4000)
	case 4:
		if value > 0x3fffffff {
			return fmt.Errorf("wire: value %d does not fit in 4-byte varint", value)
		}
		binary.BigEndian.PutUint32(w.b[off:], uint32(value)|0x80000000)
	case 8:
		binary.BigEndian.PutUint64(w.b[off:], value|0xc000000000000000)
	default:
		return fmt.Errorf("wire: invalid varint patch width %d", n)
	}
	return nil
}
