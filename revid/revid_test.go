package revid

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseValid(t *testing.T) {
	gen, digest, err := Parse("12-cafe01")
	require.NoError(t, err)
	require.Equal(t, 12, gen)
	require.Equal(t, "cafe01", digest)
}

func TestParseRejectsBad(t *testing.T) {
	for _, s := range []string{"", "abc", "0-cafe", "-cafe", "1-", "123456789-cafe"} {
		_, _, err := Parse(s)
		require.Error(t, err, s)
	}
}

func TestCompactExpandRoundTrip(t *testing.T) {
	ids := []string{"1-ab", "245-cafe0102", "3-abcd", "12-00", "58-ab", "67-ab", "48-ab", "57-ab", "68-ab"}
	for _, s := range ids {
		compacted, err := Compact(s)
		require.NoError(t, err)
		expanded, err := Expand(compacted)
		require.NoError(t, err)
		require.Equal(t, s, expanded)

		gen, err := Generation(compacted)
		require.NoError(t, err)
		require.Equal(t, gen, mustGen(s))
	}
}

func mustGen(s string) int {
	gen, _, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return gen
}

func TestCompactExpandRoundTripAllGenerations(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		gen := rapid.IntRange(1, 245).Draw(rt, "gen")
		hexDigest := randHex(rt, rapid.IntRange(1, 10).Draw(rt, "nBytes"))
		s := fmt.Sprintf("%d-%s", gen, hexDigest)
		compacted, err := Compact(s)
		require.NoError(t, err)
		expanded, err := Expand(compacted)
		require.NoError(t, err)
		require.Equal(t, s, expanded)
		gotGen, err := Generation(compacted)
		require.NoError(t, err)
		require.Equal(t, gen, gotGen)
	})
}

func TestCompactNeverGrows(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		gen := rapid.IntRange(1, 245).Draw(rt, "gen")
		nBytes := rapid.IntRange(1, 20).Draw(rt, "nBytes")
		hexDigest := randHex(rt, nBytes)
		s := fmt.Sprintf("%d-%s", gen, hexDigest)
		compacted, err := Compact(s)
		require.NoError(t, err)
		require.LessOrEqual(t, len(compacted), len(s))
	})
}

func randHex(rt *rapid.T, nBytes int) string {
	const hexChars = "0123456789abcdef"
	var b strings.Builder
	for i := 0; i < nBytes*2; i++ {
		b.WriteByte(hexChars[rapid.IntRange(0, 15).Draw(rt, "hexdigit")])
	}
	return b.String()
}

func TestOrdering(t *testing.T) {
	a, _ := Compact("1-aa")
	b, _ := Compact("2-aa")
	c, _ := Compact("2-ab")
	require.Less(t, Compare(a, b), 0)
	require.Less(t, Compare(b, c), 0)
	require.Equal(t, 0, Compare(a, a))
}

func TestFallbackNonStandard(t *testing.T) {
	a := ID("not-a-revid")
	b := ID("other")
	require.NotPanics(t, func() { Compare(a, b) })
}

func TestUncompactedFallsBackWhenGenerationTooLarge(t *testing.T) {
	compacted, err := Compact("246-ab")
	require.NoError(t, err)
	require.Equal(t, "246-ab", string(compacted))
}

func TestUncompactedFallsBackWhenDigestNotHex(t *testing.T) {
	compacted, err := Compact("3-not-hex!")
	require.NoError(t, err)
	require.Equal(t, "3-not-hex!", string(compacted))
}
