package slice

import "encoding/binary"

// MaxVarintLen is the longest a PutUvarint-encoded uint64 can be.
const MaxVarintLen = binary.MaxVarintLen64

// SizeOfUvarint returns the number of bytes EncodeUvarint(n) will produce.
func SizeOfUvarint(n uint64) int {
	size := 1
	for n >= 0x80 {
		n >>= 7
		size++
	}
	return size
}

// EncodeUvarint appends the unsigned-varint encoding of n to dst.
func EncodeUvarint(dst []byte, n uint64) []byte {
	var buf [MaxVarintLen]byte
	sz := binary.PutUvarint(buf[:], n)
	return append(dst, buf[:sz]...)
}

// DecodeUvarint reads a varint from the front of b, returning the decoded
// value and the number of bytes consumed. n == 0 means b is too short;
// n < 0 means the value overflows 64 bits (encoding/binary.Uvarint's
// contract).
func DecodeUvarint(b []byte) (value uint64, n int) {
	return binary.Uvarint(b)
}
