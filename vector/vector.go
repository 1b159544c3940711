// Package vector implements the version-vector model (spec §4.E): ordered
// {peer, generation} pairs with partial-order compare, merge, increment,
// canonicalization, and the merge-revision hash.
package vector

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/litecore-go/litecore/internal/lerr"
)

// Me is the reserved author token meaning "the local peer, before export".
const Me = "*"

// CASServer is the reserved author token for a CAS (compare-and-set) server.
const CASServer = "$"

// Version is a single {generation, author} pair.
type Version struct {
	Gen    uint64
	Author string
}

// IsMerge reports whether v is a merge version (gen == 0, author is a
// base64 hash rather than a peer ID).
func (v Version) IsMerge() bool { return v.Gen == 0 }

func (v Version) String() string {
	if v.IsMerge() {
		return "^" + v.Author
	}
	return fmt.Sprintf("%d@%s", v.Gen, v.Author)
}

// Vector is an ordered list of Versions; position 0 is the most recent
// writer.
type Vector []Version

// Parse decodes a comma-delimited version vector, e.g. "3@peer,1@$", where
// a leading "^" marks the (single) merge-version entry.
func Parse(s string) (Vector, error) {
	if s == "" {
		return Vector{}, nil
	}
	parts := strings.Split(s, ",")
	out := make(Vector, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, lerr.New(lerr.LiteCore, lerr.BadVersionVector, "empty version component")
		}
		if strings.HasPrefix(p, "^") {
			out = append(out, Version{Gen: 0, Author: p[1:]})
			continue
		}
		at := strings.IndexByte(p, '@')
		if at < 0 {
			return nil, lerr.New(lerr.LiteCore, lerr.BadVersionVector, "missing '@' in version component: "+p)
		}
		gen, err := strconv.ParseUint(p[:at], 10, 64)
		if err != nil || gen == 0 {
			return nil, lerr.Wrap(err, lerr.LiteCore, lerr.BadVersionVector, "invalid generation in: "+p)
		}
		author := p[at+1:]
		if author == "" {
			return nil, lerr.New(lerr.LiteCore, lerr.BadVersionVector, "empty author in: "+p)
		}
		out = append(out, Version{Gen: gen, Author: author})
	}
	return out, nil
}

// String renders the vector back to its comma-delimited wire form.
func (vv Vector) String() string {
	parts := make([]string, len(vv))
	for i, v := range vv {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}

// GenOfAuthor returns the generation recorded for author, or 0 if absent.
func (vv Vector) GenOfAuthor(author string) uint64 {
	for _, v := range vv {
		if v.Author == author {
			return v.Gen
		}
	}
	return 0
}

// Relation is the result of comparing two vectors.
type Relation int

const (
	Same  Relation = 0
	Newer Relation = 1
	Older Relation = 2
)

func (r Relation) String() string {
	switch {
	case r == Same:
		return "Same"
	case r == Newer:
		return "Newer"
	case r == Older:
		return "Older"
	default:
		return "Conflicting"
	}
}

// IsConflicting reports whether r carries both Newer and Older bits.
func (r Relation) IsConflicting() bool { return r&Newer != 0 && r&Older != 0 }

// Compare orders self against other per spec §4.E: start at Same; for each
// version in self OR in Newer/Older based on the generation comparison
// against other's (missing-author) generation; account for authors present
// only in other; identical first entries short-circuit to Same.
func (vv Vector) Compare(other Vector) Relation {
	if len(vv) > 0 && len(other) > 0 && vv[0] == other[0] {
		return Same
	}
	result := Same
	seen := map[string]bool{}
	for _, v := range vv {
		seen[v.Author] = true
		og := other.GenOfAuthor(v.Author)
		if v.Gen > og {
			result |= Newer
		} else if v.Gen < og {
			result |= Older
		}
	}
	for _, v := range other {
		if seen[v.Author] {
			continue
		}
		if v.Gen > 0 {
			result |= Older
		}
	}
	return result
}

// IncrementGen removes any existing entry for peer and inserts a new entry
// at the front with gen+1 (or 1 if none existed).
func (vv Vector) IncrementGen(peer string) Vector {
	gen := vv.GenOfAuthor(peer)
	out := make(Vector, 0, len(vv)+1)
	out = append(out, Version{Gen: gen + 1, Author: peer})
	for _, v := range vv {
		if v.Author != peer {
			out = append(out, v)
		}
	}
	return out
}

// Merge walks both vectors and includes, for each author, whichever side's
// generation is strictly newer (ties keep self's entry); order is
// deterministic (self's order first, then other's new-only authors) but
// not claimed to be optimal, per spec §4.E.
func (vv Vector) Merge(other Vector) Vector {
	out := make(Vector, 0, len(vv)+len(other))
	seen := map[string]bool{}
	for _, v := range vv {
		og := other.GenOfAuthor(v.Author)
		gen := v.Gen
		if og > gen {
			gen = og
		}
		out = append(out, Version{Gen: gen, Author: v.Author})
		seen[v.Author] = true
	}
	for _, v := range other {
		if seen[v.Author] {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Canonical expands "*" to localPeerID, sorts by author, and renders the
// comma-delimited form used as the merge-ID hash input.
func (vv Vector) Canonical(localPeerID string) string {
	expanded := make(Vector, len(vv))
	copy(expanded, vv)
	for i := range expanded {
		if expanded[i].Author == Me {
			expanded[i].Author = localPeerID
		}
	}
	sort.Slice(expanded, func(i, j int) bool { return expanded[i].Author < expanded[j].Author })
	return expanded.String()
}

// NewPeerID mints a fresh random peer identifier.
func NewPeerID() string {
	return uuid.NewString()
}

// MergeVersion computes the merge Version for a resolved conflict: SHA-1 of
// canonicalString || 0x00 || revisionBody, base64-encoded, gen == 0.
func MergeVersion(vv Vector, localPeerID string, revisionBody []byte) Version {
	canon := vv.Canonical(localPeerID)
	h := sha1.New()
	h.Write([]byte(canon))
	h.Write([]byte{0})
	h.Write(revisionBody)
	sum := h.Sum(nil)
	return Version{Gen: 0, Author: base64.StdEncoding.EncodeToString(sum)}
}

// WithMergeVersion prepends a merge Version computed from vv to vv itself.
func (vv Vector) WithMergeVersion(localPeerID string, revisionBody []byte) Vector {
	mv := MergeVersion(vv, localPeerID, revisionBody)
	out := make(Vector, 0, len(vv)+1)
	out = append(out, mv)
	out = append(out, vv...)
	return out
}
