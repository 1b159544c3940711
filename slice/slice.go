// Package slice implements the bounded byte-range primitives the rest of
// litecore builds on: an unowned Slice view plus an unsigned-varint codec.
// The kv and index packages encode their own metadata and do not call it.
package slice

import "bytes"

// Slice is a read-only view over a byte range. Unlike the C++ original
// (which tracked an unowned pointer/length pair with explicit
// retain/release), ownership here is managed by the Go garbage collector;
// Slice is simply a typed alias kept for readability and to mirror the
// teacher's small-value-type conventions.
type Slice []byte

// Compare returns -1, 0, or 1 following byte-wise (memcmp) order.
func (s Slice) Compare(o Slice) int {
	return bytes.Compare(s, o)
}

func (s Slice) Equal(o Slice) bool {
	return bytes.Equal(s, o)
}

func (s Slice) HasPrefix(prefix Slice) bool {
	return bytes.HasPrefix(s, prefix)
}

func (s Slice) String() string {
	return string(s)
}

// Buf is an owning variant: a Slice that is known to be safe to retain
// beyond the call that produced it (i.e. it isn't a view into a buffer the
// caller may reuse). Copy always returns a Buf.
type Buf = Slice

// Copy returns a new Buf holding a copy of s's bytes.
func Copy(s Slice) Buf {
	b := make([]byte, len(s))
	copy(b, s)
	return b
}
