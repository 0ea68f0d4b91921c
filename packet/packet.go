// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for encoding and decoding the fields of a
// packet body.
//
// Field encodings:
//
//   - Integers are fixed-width little-endian (int32 is two's complement).
//   - A Boolean is a single byte, 0 or 1.
//   - A string is its length as an unsigned LEB128 varint (7 bits per byte,
//     low-order group first, high bit set on all but the last byte), followed
//     by the UTF-8 bytes.
//   - A blob is its length as an int32, followed by the raw bytes.
package packet

import (
	"encoding/binary"

	"github.com/creachadair/mds/value"
)

// A Builder is a buffer that accumulates the fields of a packet body. The
// zero value is ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// Bool appends a Boolean to b. The encoding is a single byte with value 0 or 1.
func (b *Builder) Bool(ok bool) { b.Put(value.Cond[byte](ok, 1, 0)) }

// Put appends the specified bytes to b in order, without framing.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// String appends a length-prefixed string to b. The length is encoded as an
// unsigned varint.
func (b *Builder) String(s string) {
	b.Grow(VLen(len(s)))
	b.Uvarint(uint64(len(s)))
	b.buf = append(b.buf, s...)
}

// Blob appends a length-prefixed byte slice to b. The length is encoded as a
// little-endian int32. A nil slice is encoded as empty.
func (b *Builder) Blob(vs []byte) {
	b.Grow(4 + len(vs))
	b.Int32(int32(len(vs)))
	b.buf = append(b.buf, vs...)
}

// Uint16 appends v to b in little-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.LittleEndian.AppendUint16(b.buf, v) }

// Uint32 appends v to b in little-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }

// Int32 appends v to b in little-endian two's complement order.
func (b *Builder) Int32(v int32) { b.Uint32(uint32(v)) }

// Uvarint appends v to b as an unsigned varint.
func (b *Builder) Uvarint(v uint64) { b.buf = binary.AppendUvarint(b.buf, v) }

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains ownership
// of the reported slice, and the caller must not retain or modify its contents
// unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow resizes the internal buffer of b if necessary to ensure that at least n
// more bytes can be added without triggering another allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// VLen reports the encoded size in bytes of a length-prefixed encoding of an
// n-byte string.
func VLen(n int) int { return UvarintLen(uint64(n)) + n }

// UvarintLen reports the number of bytes needed to encode v as a varint.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
