package revtree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/litecore-go/litecore/revid"
)

func TestBasicInsertAndConflict(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(revid.ID("1-a"), []byte(`{}`), nil, false))
	require.NoError(t, tr.Insert(revid.ID("2-b"), []byte(`{}`), revid.ID("1-a"), false))
	require.False(t, tr.HasConflict())
	require.Equal(t, "2-b", string(tr.CurrentNode().RevID))

	require.NoError(t, tr.Insert(revid.ID("2-c"), []byte(`{}`), revid.ID("1-a"), false))
	require.True(t, tr.HasConflict())
}

func TestInsertRejectsDuplicateAndBadGeneration(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(revid.ID("1-a"), nil, nil, false))
	require.Error(t, tr.Insert(revid.ID("1-a"), nil, nil, false))
	require.Error(t, tr.Insert(revid.ID("3-b"), nil, revid.ID("1-a"), false))
}

func TestInsertHistoryCommonAncestor(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(revid.ID("1-a"), nil, nil, false))
	history := []revid.ID{revid.ID("3-c"), revid.ID("2-b"), revid.ID("1-a")}
	idx, err := tr.InsertHistory(history, []byte(`{}`), false)
	require.NoError(t, err)
	require.Equal(t, 2, idx) // "1-a" was already present at history[2]
	require.Equal(t, 3, len(tr.Nodes))
	require.Equal(t, "3-c", string(tr.CurrentNode().RevID))
}

func TestInsertHistoryAllNew(t *testing.T) {
	tr := New()
	history := []revid.ID{revid.ID("2-b"), revid.ID("1-a")}
	idx, err := tr.InsertHistory(history, []byte(`{}`), false)
	require.NoError(t, err)
	require.Equal(t, len(history)-1, idx)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(revid.ID("1-a"), []byte(`{"n":1}`), nil, false))
	require.NoError(t, tr.Insert(revid.ID("2-b"), []byte(`{"n":2}`), revid.ID("1-a"), false))
	tr.Nodes[0].Sequence = 1
	tr.Nodes[1].Sequence = 2

	encoded := Encode(tr)
	decoded, err := Decode(encoded, 0)
	require.NoError(t, err)
	require.Equal(t, len(tr.Nodes), len(decoded.Nodes))

	tr.Sort()
	decoded.Sort()
	for i := range tr.Nodes {
		require.Equal(t, string(tr.Nodes[i].RevID), string(decoded.Nodes[i].RevID))
		require.Equal(t, tr.Nodes[i].ParentIndex, decoded.Nodes[i].ParentIndex)
		require.Equal(t, tr.Nodes[i].Sequence, decoded.Nodes[i].Sequence)
	}
}

func TestDecodeMissingTerminatorIsCorrupt(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0, 5, 1, 2, 3}, 0)
	require.Error(t, err)
}

func TestDecodeSubstitutesDefaultSequence(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(revid.ID("1-a"), nil, nil, false))
	encoded := Encode(tr)
	decoded, err := Decode(encoded, 42)
	require.NoError(t, err)
	require.Equal(t, uint64(42), decoded.Nodes[0].Sequence)
}

func TestPrune(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(revid.ID("1-a"), nil, nil, false))
	require.NoError(t, tr.Insert(revid.ID("2-b"), nil, revid.ID("1-a"), false))
	require.NoError(t, tr.Insert(revid.ID("3-c"), nil, revid.ID("2-b"), false))
	require.NoError(t, tr.Insert(revid.ID("4-d"), nil, revid.ID("3-c"), false))

	purged := tr.Prune(1)
	require.Equal(t, 2, purged) // only "4-d" (leaf, depth 0) survives along with its immediate parent
	require.Equal(t, 2, len(tr.Nodes))
}

func TestPurgeRemovesOrphans(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(revid.ID("1-a"), nil, nil, false))
	require.NoError(t, tr.Insert(revid.ID("2-b"), nil, revid.ID("1-a"), false))
	n := tr.Purge([]revid.ID{revid.ID("1-a")})
	require.Equal(t, 2, n)
	require.Equal(t, 0, len(tr.Nodes))
}

func TestSortIdempotent(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(revid.ID("1-a"), nil, nil, false))
	require.NoError(t, tr.Insert(revid.ID("2-b"), nil, revid.ID("1-a"), false))
	require.NoError(t, tr.Insert(revid.ID("2-c"), nil, revid.ID("1-a"), false))
	tr.Sort()
	first := append([]Node(nil), tr.Nodes...)
	tr.Sort()
	require.Equal(t, len(first), len(tr.Nodes))
	for i := range first {
		require.Equal(t, string(first[i].RevID), string(tr.Nodes[i].RevID))
		require.Equal(t, first[i].ParentIndex, tr.Nodes[i].ParentIndex)
	}
}
