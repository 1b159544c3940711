package bothstore

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

func TestPutRoutesLiveAndDead(t *testing.T) {
	df := openTestFile(t)
	bk := Open(df, "docs")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)

	seq1, err := bk.Put(txn, kv.RecordUpdate{Key: []byte("doc1"), Body: []byte("v1")}, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	var rec kv.Record
	ok, err := bk.Live.ReadByKey(txn, []byte("doc1"), &rec)
	require.NoError(t, err)
	require.True(t, ok)

	seq2, err := bk.Put(txn, kv.RecordUpdate{Key: []byte("doc1"), Flags: kv.FlagDeleted, PriorSequence: seq1}, true)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq2)

	ok, err = bk.Live.ReadByKey(txn, []byte("doc1"), &rec)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = bk.Dead.ReadByKey(txn, []byte("doc1"), &rec)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), rec.Sequence)

	require.NoError(t, txn.Commit())
}

func TestReadFallsThroughToDead(t *testing.T) {
	df := openTestFile(t)
	bk := Open(df, "docs")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	_, err = bk.Put(txn, kv.RecordUpdate{Key: []byte("doc1"), Flags: kv.FlagDeleted}, false)
	require.NoError(t, err)

	var rec kv.Record
	ok, err := bk.Read(txn, []byte("doc1"), true, &rec)
	require.NoError(t, err)
	require.False(t, ok) // liveOnly excludes tombstones

	ok, err = bk.Read(txn, []byte("doc1"), false, &rec)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, txn.Commit())
}
