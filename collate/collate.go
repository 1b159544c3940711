// Package collate implements the collatable codec (spec §4.B): an
// order-preserving binary encoding for JSON-like values such that
// lexicographic (memcmp) comparison of two encoded values agrees with JSON
// value ordering: null < false < true < number < string < array < dict.
package collate

import (
	"bytes"
	"fmt"
	"math"
	"sort"
)

// Tag identifies the first byte of an encoded value.
type Tag byte

const (
	TagEndSequence Tag = 0
	TagNull        Tag = 1
	TagFalse       Tag = 2
	TagTrue        Tag = 3
	TagNumber      Tag = 4
	TagString      Tag = 5
	TagArray       Tag = 6
	TagDict        Tag = 7
	TagError       Tag = 8
)

// doubleMarker is a reserved length-byte value (outside the 0x77..0x89
// range the integer encodings occupy) flagging an IEEE-754
// double stored as an 8-byte order-preserving transform. Supplements the
// original_source encoder, which only ever round-tripped int64.
const doubleMarker = 0xFF

// Encode appends the collatable encoding of v to dst and returns the
// extended slice. v must be one of: nil, bool, an integer kind, float32/64,
// string, []any, or map[string]any (nested arbitrarily).
func Encode(dst []byte, v any) []byte {
	switch val := v.(type) {
	case nil:
		return append(dst, byte(TagNull))
	case bool:
		if val {
			return append(dst, byte(TagTrue))
		}
		return append(dst, byte(TagFalse))
	case int:
		return encodeInt64(dst, int64(val))
	case int8:
		return encodeInt64(dst, int64(val))
	case int16:
		return encodeInt64(dst, int64(val))
	case int32:
		return encodeInt64(dst, int64(val))
	case int64:
		return encodeInt64(dst, val)
	case uint:
		return encodeUint64AsInt(dst, uint64(val))
	case uint8:
		return encodeInt64(dst, int64(val))
	case uint16:
		return encodeInt64(dst, int64(val))
	case uint32:
		return encodeInt64(dst, int64(val))
	case uint64:
		return encodeUint64AsInt(dst, val)
	case float32:
		return encodeFloat(dst, float64(val))
	case float64:
		return encodeFloat(dst, val)
	case string:
		return encodeString(dst, val)
	case []byte:
		return encodeString(dst, string(val))
	case []any:
		dst = append(dst, byte(TagArray))
		for _, elem := range val {
			dst = Encode(dst, elem)
		}
		return append(dst, byte(TagEndSequence))
	case map[string]any:
		dst = append(dst, byte(TagDict))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			dst = encodeString(dst, k)
			dst = Encode(dst, val[k])
		}
		return append(dst, byte(TagEndSequence))
	default:
		panic(fmt.Sprintf("collate: unsupported value type %T", v))
	}
}

func encodeUint64AsInt(dst []byte, n uint64) []byte {
	if n <= math.MaxInt64 {
		return encodeInt64(dst, int64(n))
	}
	// Value doesn't fit in int64: encode as a 9-byte magnitude (sign known
	// positive) using an escape length byte one past the normal range.
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(n)
		n >>= 8
	}
	dst = append(dst, byte(TagNumber), 0x89, 0)
	return append(dst, buf[:]...)
}

// encodeInt64 mirrors original_source/Cpp/Collatable.cc's operator<<(int64_t):
// trim the leading sign bytes off the big-endian two's-complement form
// (a negative value keeps one leading 0xFF byte), tag positive runs with
// 0x80|nBytes and negative runs with 127-nBytes (bytes stored as-is, not
// inverted), which yields correct lexicographic order across the signed
// 64-bit range.
func encodeInt64(dst []byte, n int64) []byte {
	var be [8]byte
	u := uint64(n)
	for i := 0; i < 8; i++ {
		be[i] = byte(u >> (56 - 8*i))
	}
	ignore := byte(0x00)
	if n < 0 {
		ignore = 0xFF
	}
	i := 0
	for i < 8 && be[i] == ignore {
		i++
	}
	if n < 0 && i > 0 {
		i--
	}
	nBytes := byte(8 - i)
	var lenByte byte
	if n >= 0 {
		lenByte = 0x80 | nBytes
	} else {
		lenByte = 127 - nBytes
	}
	dst = append(dst, byte(TagNumber), lenByte)
	return append(dst, be[i:]...)
}

// encodeFloat stores non-integral floats (and integral floats too large for
// int64) as an 8-byte order-preserving transform of the IEEE-754 bit
// pattern, flagged by doubleMarker so the decoder can tell them apart from
// the variable-length integer form.
func encodeFloat(dst []byte, f float64) []byte {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && f >= math.MinInt64 && f < math.MaxInt64 {
		return encodeInt64(dst, int64(f))
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	dst = append(dst, byte(TagNumber), doubleMarker)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(bits >> (56 - 8*i))
	}
	return append(dst, buf[:]...)
}

// charPriority assigns low priorities to control characters and ascending
// priorities to punctuation/digits/lower/upper letters; bytes >= 0x80
// (UTF-8 continuation bytes) map to themselves so multi-byte UTF-8 still
// sorts correctly. Ported from original_source/Cpp/Collatable.cc.
var charPriority, inverseCharPriority [256]byte

func init() {
	const order = "\t\n\r `^_-,;:!?.'\"()[]{}@*/\\&#%+<=>|~$0123456789aAbBcCdDeEfFgGhHiIjJkKlLmMnNoOpPqQrRsStTuUvVwWxXyYzZ"
	priority := byte(1)
	for i := 0; i < len(order); i++ {
		charPriority[order[i]] = priority
		priority++
	}
	for i := 128; i < 256; i++ {
		charPriority[i] = byte(i)
	}
	for i := 0; i < 256; i++ {
		inverseCharPriority[charPriority[i]] = byte(i)
	}
}

func encodeString(dst []byte, s string) []byte {
	dst = append(dst, byte(TagString))
	for i := 0; i < len(s); i++ {
		dst = append(dst, charPriority[s[i]])
	}
	return append(dst, 0)
}

// Compare returns the JSON-order sign of comparing two collatable-encoded
// byte strings; since the encoding is order-preserving this is just
// bytes.Compare.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}
