package vector

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func mustParse(t *testing.T, s string) Vector {
	v, err := Parse(s)
	require.NoError(t, err)
	return v
}

func TestParseAndString(t *testing.T) {
	v := mustParse(t, "3@peer,1@$")
	require.Equal(t, uint64(3), v.GenOfAuthor("peer"))
	require.Equal(t, uint64(1), v.GenOfAuthor("$"))
	require.Equal(t, "3@peer,1@$", v.String())
}

func TestParseMergeVersion(t *testing.T) {
	v := mustParse(t, "^deadbeef")
	require.True(t, v[0].IsMerge())
	require.Equal(t, "deadbeef", v[0].Author)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"peer", "0@peer", "@peer", "1@"} {
		_, err := Parse(s)
		require.Error(t, err, s)
	}
}

func TestCompareSame(t *testing.T) {
	a := mustParse(t, "3@A,1@B")
	require.Equal(t, Same, a.Compare(a))
}

func TestCompareNewerOlder(t *testing.T) {
	newer := mustParse(t, "3@A")
	older := mustParse(t, "2@A")
	require.Equal(t, Newer, newer.Compare(older))
	require.Equal(t, Older, older.Compare(newer))
}

func TestCompareConflicting(t *testing.T) {
	a := mustParse(t, "3@A,1@B")
	b := mustParse(t, "2@A,2@B")
	rel := a.Compare(b)
	require.True(t, rel.IsConflicting())
}

func TestMergeScenario(t *testing.T) {
	a := mustParse(t, "3@A,1@B")
	b := mustParse(t, "2@A,2@B")
	merged := a.Merge(b)
	require.Equal(t, uint64(3), merged.GenOfAuthor("A"))
	require.Equal(t, uint64(2), merged.GenOfAuthor("B"))
	require.Equal(t, Same, a.Compare(merged)) // both start with 3@A, which short-circuits to Same
	require.Equal(t, Older, b.Compare(merged))
}

func TestIncrementGen(t *testing.T) {
	v := mustParse(t, "3@A,1@B")
	v2 := v.IncrementGen("A")
	require.Equal(t, uint64(4), v2.GenOfAuthor("A"))
	require.Equal(t, "A", v2[0].Author)

	v3 := Vector{}.IncrementGen("C")
	require.Equal(t, uint64(1), v3.GenOfAuthor("C"))
}

func TestCanonicalExpandsMeAndSorts(t *testing.T) {
	v := mustParse(t, "3@*,1@B")
	canon := v.Canonical("local-peer")
	require.Equal(t, "1@B,3@local-peer", canon)
}

func TestMergeVersionDeterministic(t *testing.T) {
	v := mustParse(t, "3@A")
	mv1 := MergeVersion(v, "local", []byte(`{"n":1}`))
	mv2 := MergeVersion(v, "local", []byte(`{"n":1}`))
	require.Equal(t, mv1, mv2)
	require.True(t, mv1.IsMerge())
}

func TestComparePropertyAntisymmetric(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		genA := rapid.Uint64Range(1, 100).Draw(rt, "genA")
		genB := rapid.Uint64Range(1, 100).Draw(rt, "genB")
		a := Vector{{Gen: genA, Author: "A"}}
		b := Vector{{Gen: genB, Author: "A"}}
		rel := a.Compare(b)
		revRel := b.Compare(a)
		switch {
		case genA > genB:
			require.Equal(t, Newer, rel)
			require.Equal(t, Older, revRel)
		case genA < genB:
			require.Equal(t, Older, rel)
			require.Equal(t, Newer, revRel)
		default:
			require.Equal(t, Same, rel)
			require.Equal(t, Same, revRel)
		}
	})
}

func TestMergeCompareProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		genA1 := rapid.Uint64Range(0, 50).Draw(rt, "a1")
		genA2 := rapid.Uint64Range(0, 50).Draw(rt, "a2")
		a := Vector{}
		if genA1 > 0 {
			a = Vector{{Gen: genA1, Author: "A"}}
		}
		b := Vector{}
		if genA2 > 0 {
			b = Vector{{Gen: genA2, Author: "A"}}
		}
		merged := a.Merge(b)
		relA := merged.Compare(a)
		relB := merged.Compare(b)
		require.Contains(t, []Relation{Same, Newer}, relA)
		require.Contains(t, []Relation{Same, Newer}, relB)
	})
}

func TestNewPeerIDIsUnique(t *testing.T) {
	a := NewPeerID()
	b := NewPeerID()
	require.NotEqual(t, a, b)
}
