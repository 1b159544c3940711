// Package revid implements the RevID codec (spec §4.C): parsing, compacting,
// and expanding "gen-hash" revision identifiers, plus their ordering.
package revid

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrInvalidFormat = errors.New("revid: invalid N-HEX revision id")
	ErrInvalidDigest = errors.New("revid: digest is not an even-length hex string")
)

// ID is an opaque revision identifier, stored either in its compacted binary
// form or as a raw (uncompacted) byte string — see Compact/Expand.
type ID []byte

// Parse splits a "generation-digest" ASCII revision ID, e.g. "3-cafe01".
// Generation must be 1-8 decimal digits and > 0; digest must be non-empty.
func Parse(s string) (generation int, digest string, err error) {
	dash := bytes.IndexByte([]byte(s), '-')
	if dash < 1 || dash > 8 {
		return 0, "", ErrInvalidFormat
	}
	genStr := s[:dash]
	for _, c := range genStr {
		if c < '0' || c > '9' {
			return 0, "", ErrInvalidFormat
		}
	}
	gen, err := strconv.Atoi(genStr)
	if err != nil || gen <= 0 {
		return 0, "", ErrInvalidFormat
	}
	digest = s[dash+1:]
	if len(digest) == 0 {
		return 0, "", ErrInvalidFormat
	}
	return gen, digest, nil
}

// Compact converts an ASCII "N-HEX" revision ID into the compact binary
// form `[gen_byte][binary_digest]` when generation <= 245 and digest is an
// even-length hex string; otherwise it returns the ASCII form unchanged
// (copied verbatim, per spec §4.C "Otherwise copy uncompressed").
func Compact(s string) (ID, error) {
	gen, digest, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if gen > 245 || len(digest)%2 != 0 || !isHex(digest) {
		return ID(append([]byte(nil), s...)), nil
	}
	bin, err := hex.DecodeString(digest)
	if err != nil {
		return nil, ErrInvalidDigest
	}
	// Bias every generation >= '0' (48) up by 10, not just those that land
	// in the ASCII-digit range ['0'-'9']: without this the unbiased bytes
	// for gen 58-67 would collide with the biased bytes produced for gen
	// 48-57, and Expand couldn't tell them apart. Biasing the whole tail
	// keeps the mapping gen->genByte injective and keeps every compacted
	// genByte out of ['0'-'9'], so Expand's isASCIIDigit check still
	// reliably distinguishes compacted from already-expanded IDs.
	genByte := byte(gen)
	if gen >= '0' {
		genByte = byte(gen + 10)
	}
	out := make([]byte, 0, 1+len(bin))
	out = append(out, genByte)
	out = append(out, bin...)
	return ID(out), nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// Expand is the inverse of Compact: given either a compacted binary ID or
// an ASCII one, it returns the canonical "N-HEX" string form.
func Expand(id ID) (string, error) {
	if len(id) == 0 {
		return "", ErrInvalidFormat
	}
	if isASCIIDigit(id[0]) {
		// Already uncompacted: validate round-trip shape.
		if _, _, err := Parse(string(id)); err != nil {
			return "", err
		}
		return string(id), nil
	}
	genByte := id[0]
	gen := int(genByte)
	if gen >= '0'+10 {
		gen -= 10
	}
	digest := id[1:]
	return fmt.Sprintf("%d-%s", gen, hex.EncodeToString(digest)), nil
}

func isASCIIDigit(b byte) bool { return b >= '0' && b <= '9' }

// Generation returns the numeric generation encoded by id, in either form.
func Generation(id ID) (int, error) {
	if len(id) == 0 {
		return 0, ErrInvalidFormat
	}
	if isASCIIDigit(id[0]) {
		gen, _, err := Parse(string(id))
		return gen, err
	}
	gen := int(id[0])
	if gen >= '0'+10 {
		gen -= 10
	}
	return gen, nil
}

// Digest returns the raw digest bytes of id: the bytes after the
// generation byte if id is compacted; for the ASCII form, the hex-decoded
// digest if it is even-length hex, else the digest characters unchanged.
// Callers comparing IDs should use Compare instead.
func Digest(id ID) ([]byte, error) {
	if len(id) == 0 {
		return nil, ErrInvalidFormat
	}
	if isASCIIDigit(id[0]) {
		_, digest, err := Parse(string(id))
		if err != nil {
			return nil, err
		}
		if len(digest)%2 == 0 && isHex(digest) {
			if bin, err := hex.DecodeString(digest); err == nil {
				return bin, nil
			}
		}
		return []byte(digest), nil
	}
	return id[1:], nil
}

// Compare orders two IDs by (generation, digest-bytes-lexicographic).
// Non-standard IDs (those Generation fails to parse) fall back to plain
// byte-lexicographic comparison, per spec §4.C.
func Compare(a, b ID) int {
	genA, errA := Generation(a)
	genB, errB := Generation(b)
	if errA != nil || errB != nil {
		return bytes.Compare(a, b)
	}
	if genA != genB {
		if genA < genB {
			return -1
		}
		return 1
	}
	digA, errA := Digest(a)
	digB, errB := Digest(b)
	if errA != nil || errB != nil {
		return bytes.Compare(a, b)
	}
	return bytes.Compare(digA, digB)
}
