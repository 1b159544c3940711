package slice

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCompareOrdering(t *testing.T) {
	require.Equal(t, -1, Slice("a").Compare(Slice("b")))
	require.Equal(t, 0, Slice("a").Compare(Slice("a")))
	require.Equal(t, 1, Slice("b").Compare(Slice("a")))
}

func TestHasPrefix(t *testing.T) {
	require.True(t, Slice("hello world").HasPrefix(Slice("hello")))
	require.False(t, Slice("hello").HasPrefix(Slice("hello world")))
}

func TestCopyIsIndependent(t *testing.T) {
	orig := []byte("mutate me")
	b := Copy(orig)
	orig[0] = 'X'
	require.Equal(t, "mutate me", string(b))
}

func TestVarintRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.Uint64().Draw(rt, "n")
		enc := EncodeUvarint(nil, n)
		require.Equal(t, SizeOfUvarint(n), len(enc))
		got, consumed := DecodeUvarint(enc)
		require.Equal(t, len(enc), consumed)
		require.Equal(t, n, got)
	})
}
