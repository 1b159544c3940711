package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/litecore-go/litecore/kv"
)

func openTestFile(t *testing.T) *kv.DataFile {
	t.Helper()
	df, err := kv.Open(filepath.Join(t.TempDir(), "test.bolt"), kv.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = df.Close() })
	return df
}

func TestPutAndRangeQuery(t *testing.T) {
	df := openTestFile(t)
	ix := Open(df, "byAge")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, ix.Put(txn, []byte("alice"), []Emit{{Key: int64(30), Value: []byte("alice")}}))
	require.NoError(t, ix.Put(txn, []byte("bob"), []Emit{{Key: int64(25), Value: []byte("bob")}}))
	require.NoError(t, ix.Put(txn, []byte("carol"), []Emit{{Key: int64(40), Value: []byte("carol")}}))
	require.NoError(t, txn.Commit())

	txn2, err := df.Begin(context.Background(), false)
	require.NoError(t, err)
	defer txn2.Rollback()

	enum, err := ix.NewEnumerator(txn2, []Range{{Start: int64(26), End: int64(41), InclusiveStart: true, InclusiveEnd: true}}, false)
	require.NoError(t, err)
	var got []string
	for {
		row, ok, err := enum.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(row.DocID))
	}
	require.Equal(t, []string{"alice", "carol"}, got)
}

func TestPutReplacesPriorEmitsForDoc(t *testing.T) {
	df := openTestFile(t)
	ix := Open(df, "byTag")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, ix.Put(txn, []byte("doc1"), []Emit{{Key: "red", Value: []byte("1")}, {Key: "blue", Value: []byte("1")}}))
	require.NoError(t, ix.Put(txn, []byte("doc1"), []Emit{{Key: "green", Value: []byte("1")}}))
	require.NoError(t, txn.Commit())

	txn2, err := df.Begin(context.Background(), false)
	require.NoError(t, err)
	defer txn2.Rollback()
	enum, err := ix.NewEnumerator(txn2, nil, false)
	require.NoError(t, err)
	var keys []string
	for {
		row, ok, err := enum.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(row.DocID))
	}
	require.Len(t, keys, 1)
}

func TestPutIsIdempotentForUnchangedEmits(t *testing.T) {
	df := openTestFile(t)
	ix := Open(df, "byTag")

	emits := []Emit{{Key: "red", Value: []byte("1")}, {Key: "blue", Value: []byte("1")}}

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, ix.Put(txn, []byte("doc1"), emits))
	require.NoError(t, txn.Commit())

	var hashBefore kv.Record
	txn2, err := df.Begin(context.Background(), false)
	require.NoError(t, err)
	ok, err := ix.hashes.ReadByKey(txn2, []byte("doc1"), &hashBefore)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, txn2.Rollback())

	// Re-emitting the same (key, value) list must be a no-op: same hash,
	// same rows, no scan or rewrite.
	txn3, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, ix.Put(txn3, []byte("doc1"), emits))
	require.NoError(t, txn3.Commit())

	txn4, err := df.Begin(context.Background(), false)
	require.NoError(t, err)
	defer txn4.Rollback()

	var hashAfter kv.Record
	ok, err = ix.hashes.ReadByKey(txn4, []byte("doc1"), &hashAfter)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hashBefore.Body, hashAfter.Body)

	enum, err := ix.NewEnumerator(txn4, nil, false)
	require.NoError(t, err)
	var rows int
	for {
		_, ok, err := enum.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		rows++
	}
	require.Equal(t, 2, rows)
}

func TestReduceCount(t *testing.T) {
	df := openTestFile(t)
	ix := Open(df, "byType")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, ix.Put(txn, []byte("doc1"), []Emit{{Key: "cat", Value: nil}}))
	require.NoError(t, ix.Put(txn, []byte("doc2"), []Emit{{Key: "cat", Value: nil}}))
	require.NoError(t, ix.Put(txn, []byte("doc3"), []Emit{{Key: "dog", Value: nil}}))
	require.NoError(t, txn.Commit())

	txn2, err := df.Begin(context.Background(), false)
	require.NoError(t, err)
	defer txn2.Rollback()

	count := func(acc any, _ []byte) any { return acc.(int) + 1 }
	groups, err := ix.Reduce(txn2, nil, true, 0, count)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, 2, groups[0].Value)
	require.Equal(t, 1, groups[1].Value)

	total, err := ix.Reduce(txn2, nil, false, 0, count)
	require.NoError(t, err)
	require.Len(t, total, 1)
	require.Equal(t, 3, total[0].Value)
}
