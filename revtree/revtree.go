// Package revtree implements the in-memory revision DAG for a single
// document (spec §4.D): encode/decode, insert, prune, and conflict
// detection over a small ordered set of revision nodes.
package revtree

import (
	"encoding/binary"
	"sort"

	"github.com/litecore-go/litecore/internal/lerr"
	"github.com/litecore-go/litecore/revid"
)

// Flag bits on a Node.
type Flag uint8

const (
	FlagDeleted Flag = 1 << iota
	FlagLeaf
	FlagNew
)

// NoParent marks a node with no parent (the tree's root).
const NoParent uint16 = 0xFFFF

const maxNodeCount = 0xFFFF

// Node is one revision in a document's history.
type Node struct {
	RevID       revid.ID
	Body        []byte // nil if not stored inline; see BodyReader
	Flags       Flag
	ParentIndex uint16
	Sequence    uint64
}

func (n *Node) IsLeaf() bool    { return n.Flags&FlagLeaf != 0 }
func (n *Node) IsDeleted() bool { return n.Flags&FlagDeleted != 0 }
func (n *Node) IsNew() bool     { return n.Flags&FlagNew != 0 }
func (n *Node) HasParent() bool { return n.ParentIndex != NoParent }

// BodyReader recovers a node's body from the owning DataFile when it is not
// stored inline in the tree — by the node's own sequence number, per the
// §4.D/§9 decision to omit the byte-offset fallback path.
type BodyReader interface {
	ReadBodyAtSequence(seq uint64) (body []byte, ok bool, err error)
}

// Tree is the revision history of one document.
type Tree struct {
	Nodes  []Node
	reader BodyReader
}

func New() *Tree { return &Tree{} }

func (t *Tree) SetBodyReader(r BodyReader) { t.reader = r }

// Body returns node's body, falling back to the BodyReader keyed on the
// node's sequence if the body isn't stored inline. Without a reader ok is
// false; otherwise the reader's result is returned as is, with no further
// check here.
func (t *Tree) Body(n *Node) (body []byte, ok bool, err error) {
	if n.Body != nil {
		return n.Body, true, nil
	}
	if t.reader == nil {
		return nil, false, nil
	}
	return t.reader.ReadBodyAtSequence(n.Sequence)
}

func indexOfRevID(nodes []Node, id revid.ID) int {
	for i := range nodes {
		if revid.Compare(nodes[i].RevID, id) == 0 {
			return i
		}
	}
	return -1
}

// Insert adds a single new revision as a child of parentRevID (or as the
// root if parentRevID is nil). It validates generation continuity, refuses
// duplicates, and maintains the Leaf flag invariant.
func (t *Tree) Insert(id revid.ID, body []byte, parentRevID revid.ID, deleted bool) error {
	if indexOfRevID(t.Nodes, id) >= 0 {
		return lerr.New(lerr.LiteCore, lerr.Conflict, "revision already present")
	}
	gen, err := revid.Generation(id)
	if err != nil {
		return lerr.Wrap(err, lerr.LiteCore, lerr.CorruptRevisionData, "malformed revision id")
	}

	parentIdx := NoParent
	if parentRevID != nil {
		pi := indexOfRevID(t.Nodes, parentRevID)
		if pi < 0 {
			return lerr.New(lerr.LiteCore, lerr.NotFound, "parent revision not found")
		}
		parentGen, err := revid.Generation(t.Nodes[pi].RevID)
		if err != nil {
			return lerr.Wrap(err, lerr.LiteCore, lerr.CorruptRevisionData, "malformed parent revision id")
		}
		if gen != parentGen+1 {
			return lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "revision generation does not follow parent")
		}
		parentIdx = uint16(pi)
	} else if len(t.Nodes) > 0 {
		return lerr.New(lerr.LiteCore, lerr.Conflict, "tree already has a root")
	}

	flags := FlagLeaf | FlagNew
	if deleted {
		flags |= FlagDeleted
	}
	t.Nodes = append(t.Nodes, Node{
		RevID:       id,
		Body:        body,
		Flags:       flags,
		ParentIndex: parentIdx,
	})
	if parentIdx != NoParent {
		t.Nodes[parentIdx].Flags &^= FlagLeaf
	}
	return nil
}

// InsertHistory inserts an incoming revision plus the chain of ancestors
// that the sender believes the receiver may be missing. history[0] is the
// new revision; history[i] is the parent of history[i-1]. It returns the
// index within history of the first entry already present in the tree (the
// common ancestor), or len(history)-1 if the whole chain was new.
func (t *Tree) InsertHistory(history []revid.ID, body []byte, deleted bool) (int, error) {
	if len(history) == 0 {
		return 0, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "empty history")
	}
	commonAncestor := len(history)
	for i, id := range history {
		if indexOfRevID(t.Nodes, id) >= 0 {
			commonAncestor = i
			break
		}
	}
	if commonAncestor == 0 {
		// history[0] (the new rev) is already present: nothing to do.
		return 0, nil
	}
	// Insert from the oldest new ancestor down to history[0], so parents
	// exist before their children are added.
	for i := commonAncestor - 1; i >= 0; i-- {
		var parent revid.ID
		if i+1 < len(history) {
			parent = history[i+1]
		}
		var body2 []byte
		del := false
		if i == 0 {
			body2 = body
			del = deleted
		}
		if err := t.Insert(history[i], body2, parent, del); err != nil {
			return 0, err
		}
	}
	if commonAncestor == len(history) {
		return len(history) - 1, nil
	}
	return commonAncestor, nil
}

// HasConflict reports whether two or more non-deleted leaf nodes exist.
func (t *Tree) HasConflict() bool {
	count := 0
	for i := range t.Nodes {
		if t.Nodes[i].IsLeaf() && !t.Nodes[i].IsDeleted() {
			count++
			if count >= 2 {
				return true
			}
		}
	}
	return false
}

// Sort reorders Nodes as (leaf desc, deleted asc, revID desc) and fixes up
// ParentIndex values through the resulting permutation. Index 0 after
// Sort is the current winner.
func (t *Tree) Sort() {
	n := len(t.Nodes)
	if n == 0 {
		return
	}
	oldParents := make([]uint16, n)
	for i := range t.Nodes {
		oldParents[i] = t.Nodes[i].ParentIndex
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		na, nb := &t.Nodes[order[a]], &t.Nodes[order[b]]
		if na.IsLeaf() != nb.IsLeaf() {
			return na.IsLeaf() // leaf first
		}
		if na.IsDeleted() != nb.IsDeleted() {
			return !na.IsDeleted() // non-deleted first
		}
		return revid.Compare(na.RevID, nb.RevID) > 0 // descending revID
	})
	oldToNew := make([]uint16, n)
	for newIdx, oldIdx := range order {
		oldToNew[oldIdx] = uint16(newIdx)
	}
	newNodes := make([]Node, n)
	for newIdx, oldIdx := range order {
		node := t.Nodes[oldIdx]
		if oldParents[oldIdx] != NoParent {
			node.ParentIndex = oldToNew[oldParents[oldIdx]]
		} else {
			node.ParentIndex = NoParent
		}
		newNodes[newIdx] = node
	}
	t.Nodes = newNodes
}

// CurrentNode returns the winning revision after Sort: index 0.
func (t *Tree) CurrentNode() *Node {
	t.Sort()
	if len(t.Nodes) == 0 {
		return nil
	}
	return &t.Nodes[0]
}

// Leaves returns the indices of all leaf nodes.
func (t *Tree) Leaves() []int {
	var out []int
	for i := range t.Nodes {
		if t.Nodes[i].IsLeaf() {
			out = append(out, i)
		}
	}
	return out
}

// depthsFromLeaves computes, for every node, its minimum distance from any
// leaf that descends from it (0 for leaves themselves).
func (t *Tree) depthsFromLeaves() []int {
	n := len(t.Nodes)
	depth := make([]int, n)
	for i := range depth {
		depth[i] = -1
	}
	for _, leaf := range t.Leaves() {
		d := 0
		idx := leaf
		for {
			if depth[idx] == -1 || depth[idx] > d {
				depth[idx] = d
			} else {
				break // already visited with <= depth via another leaf
			}
			if !t.Nodes[idx].HasParent() {
				break
			}
			idx = int(t.Nodes[idx].ParentIndex)
			d++
		}
	}
	return depth
}

// Prune removes non-leaf nodes strictly deeper than maxDepth from every
// leaf that descends from them. Surviving children of a removed node
// become roots (ParentIndex NoParent). Returns the number of nodes purged.
func (t *Tree) Prune(maxDepth int) int {
	if maxDepth < 0 || len(t.Nodes) == 0 {
		return 0
	}
	depth := t.depthsFromLeaves()
	toRemove := map[int]bool{}
	for i := range t.Nodes {
		if t.Nodes[i].IsLeaf() {
			continue
		}
		if depth[i] > maxDepth {
			toRemove[i] = true
		}
	}
	if len(toRemove) == 0 {
		return 0
	}
	return t.removeIndices(toRemove)
}

// Purge removes the named revisions plus every childless node whose parent
// is removed. Other children of a removed node stay and become roots.
// Returns the number of nodes removed.
func (t *Tree) Purge(revIDs []revid.ID) int {
	toRemove := map[int]bool{}
	for _, id := range revIDs {
		if idx := indexOfRevID(t.Nodes, id); idx >= 0 {
			toRemove[idx] = true
		}
	}
	if len(toRemove) == 0 {
		return 0
	}
	// Repeatedly mark every childless node whose parent is marked, until
	// no more nodes qualify.
	changed := true
	for changed {
		changed = false
		hasChild := make([]bool, len(t.Nodes))
		for i := range t.Nodes {
			if toRemove[i] {
				continue
			}
			if t.Nodes[i].HasParent() && !toRemove[int(t.Nodes[i].ParentIndex)] {
				hasChild[t.Nodes[i].ParentIndex] = true
			}
		}
		for i := range t.Nodes {
			if toRemove[i] {
				continue
			}
			wasLeafIsh := !hasChild[i]
			if wasLeafIsh && t.ancestorRemoved(i, toRemove) {
				toRemove[i] = true
				changed = true
			}
		}
	}
	return t.removeIndices(toRemove)
}

func (t *Tree) ancestorRemoved(idx int, toRemove map[int]bool) bool {
	n := &t.Nodes[idx]
	if !n.HasParent() {
		return false
	}
	return toRemove[int(n.ParentIndex)]
}

func (t *Tree) removeIndices(toRemove map[int]bool) int {
	if len(toRemove) == 0 {
		return 0
	}
	oldToNew := make([]int, len(t.Nodes))
	newNodes := make([]Node, 0, len(t.Nodes)-len(toRemove))
	for i := range t.Nodes {
		if toRemove[i] {
			oldToNew[i] = -1
			continue
		}
		oldToNew[i] = len(newNodes)
		newNodes = append(newNodes, t.Nodes[i])
	}
	for i := range newNodes {
		p := newNodes[i].ParentIndex
		if p == NoParent {
			continue
		}
		newParent := oldToNew[p]
		if newParent < 0 {
			newNodes[i].ParentIndex = NoParent
		} else {
			newNodes[i].ParentIndex = uint16(newParent)
		}
	}
	t.Nodes = newNodes
	return len(toRemove)
}

// --- encode/decode ---

// Encode serializes the tree as a sequence of variable-length node records
// terminated by a 32-bit zero size, per spec §4.D.
func Encode(t *Tree) []byte {
	var out []byte
	for i := range t.Nodes {
		out = append(out, encodeNode(&t.Nodes[i])...)
	}
	out = append(out, 0, 0, 0, 0)
	return out
}

func encodeNode(n *Node) []byte {
	hasData := n.Body != nil
	flags := n.Flags
	body := make([]byte, 2+1+8+1+len(n.RevID))
	binary.BigEndian.PutUint16(body[0:2], n.ParentIndex)
	body[2] = byte(flags)
	binary.BigEndian.PutUint64(body[3:11], n.Sequence)
	body[11] = byte(len(n.RevID))
	copy(body[12:], n.RevID)
	if hasData {
		body = append(body, n.Body...)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// Decode parses the wire form produced by Encode. defaultSequence is
// substituted for any node whose encoded sequence is zero ("SEQNUM_NOT_USED").
func Decode(raw []byte, defaultSequence uint64) (*Tree, error) {
	t := New()
	pos := 0
	for {
		if pos+4 > len(raw) {
			return nil, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "truncated revtree: missing terminator")
		}
		size := binary.BigEndian.Uint32(raw[pos : pos+4])
		pos += 4
		if size == 0 {
			break
		}
		if pos+int(size) > len(raw) {
			return nil, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "truncated revtree: node overruns buffer")
		}
		rec := raw[pos : pos+int(size)]
		pos += int(size)
		if len(rec) < 12 {
			return nil, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "truncated revtree: node header too short")
		}
		parentIdx := binary.BigEndian.Uint16(rec[0:2])
		flags := Flag(rec[2])
		seq := binary.BigEndian.Uint64(rec[3:11])
		revIDLen := int(rec[11])
		if len(rec) < 12+revIDLen {
			return nil, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "truncated revtree: revID overruns node")
		}
		revID := append(revid.ID(nil), rec[12:12+revIDLen]...)
		var body []byte
		if rest := rec[12+revIDLen:]; len(rest) > 0 {
			body = append([]byte(nil), rest...)
		}
		if seq == 0 {
			seq = defaultSequence
		}
		t.Nodes = append(t.Nodes, Node{
			RevID:       revID,
			Body:        body,
			Flags:       flags,
			ParentIndex: parentIdx,
			Sequence:    seq,
		})
		if len(t.Nodes) > maxNodeCount {
			return nil, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "revtree exceeds max node count")
		}
	}
	return t, nil
}
