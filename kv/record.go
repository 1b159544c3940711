// Package kv implements the transactional KeyStore + DataFile storage
// layer (spec §4.F): per-record monotonic sequence numbers, transactional
// writes, enumeration by key range or sequence, and document expiration
// support. The physical backend is go.etcd.io/bbolt: two bbolt buckets per
// KeyStore (records and sequence index), one bbolt database file per
// DataFile.
package kv

import "encoding/binary"

// RecordFlags mirrors spec §3's Record.flags bits.
type RecordFlags uint8

const (
	FlagDeleted RecordFlags = 1 << iota
	FlagConflicted
	FlagHasAttachments
)

// Record is the storage-layer unit described in spec §3.
type Record struct {
	Key         []byte
	Version     []byte
	Body        []byte
	Sequence    uint64
	Subsequence uint64
	Flags       RecordFlags
	Exists      bool
}

// encodeRecord serializes everything but Key (which is the bbolt key
// itself) into the bbolt value: varint-length version, one flags byte,
// sequence, subsequence, then the raw body.
func encodeRecord(r *Record) []byte {
	out := make([]byte, 0, 8+8+1+2+len(r.Version)+len(r.Body))
	out = appendUvarint(out, uint64(len(r.Version)))
	out = append(out, r.Version...)
	out = append(out, byte(r.Flags))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], r.Sequence)
	out = append(out, seqBuf[:]...)
	binary.BigEndian.PutUint64(seqBuf[:], r.Subsequence)
	out = append(out, seqBuf[:]...)
	out = append(out, r.Body...)
	return out
}

func appendUvarint(dst []byte, n uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	sz := binary.PutUvarint(buf[:], n)
	return append(dst, buf[:sz]...)
}

// decodeRecord parses the bbolt value produced by encodeRecord into rec,
// always copying the body; ContentMetaOnly is applied by the caller (the
// enumerator clears Body afterwards).
func decodeRecord(key, value []byte, rec *Record) bool {
	versionLen, n := binary.Uvarint(value)
	if n <= 0 || n+int(versionLen) > len(value) {
		return false
	}
	pos := n
	version := value[pos : pos+int(versionLen)]
	pos += int(versionLen)
	if pos+1+16 > len(value) {
		return false
	}
	flags := RecordFlags(value[pos])
	pos++
	seq := binary.BigEndian.Uint64(value[pos : pos+8])
	pos += 8
	subseq := binary.BigEndian.Uint64(value[pos : pos+8])
	pos += 8
	body := value[pos:]

	rec.Key = append(rec.Key[:0], key...)
	rec.Version = append(rec.Version[:0], version...)
	rec.Body = append(rec.Body[:0], body...)
	rec.Sequence = seq
	rec.Subsequence = subseq
	rec.Flags = flags
	rec.Exists = true
	return true
}

func seqKeyBytes(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func seqFromKeyBytes(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
