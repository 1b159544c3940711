package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestFile(t *testing.T) *DataFile {
	t.Helper()
	df, err := Open(filepath.Join(t.TempDir(), "test.bolt"), Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = df.Close() })
	return df
}

func TestSetAndReadByKey(t *testing.T) {
	df := openTestFile(t)
	ks := KeyStoreIn(df, "docs")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	seq, err := ks.Set(txn, RecordUpdate{Key: []byte("doc1"), Version: []byte("1-a"), Body: []byte(`{"n":1}`)}, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	require.NoError(t, txn.Commit())

	txn2, err := df.Begin(context.Background(), false)
	require.NoError(t, err)
	defer txn2.Rollback()
	var rec Record
	ok, err := ks.ReadByKey(txn2, []byte("doc1"), &rec)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"n":1}`, string(rec.Body))
	require.Equal(t, uint64(1), rec.Sequence)
}

func TestSetMVCCConflict(t *testing.T) {
	df := openTestFile(t)
	ks := KeyStoreIn(df, "docs")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	seq1, err := ks.Set(txn, RecordUpdate{Key: []byte("doc1"), Body: []byte("v1")}, true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	// Conflicting write: still claims PriorSequence 0, but current is now 1.
	seq2, err := ks.Set(txn, RecordUpdate{Key: []byte("doc1"), Body: []byte("v2")}, true)
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq2) // conflict signaled by a zero sequence, not an error

	// Correct prior sequence succeeds.
	seq3, err := ks.Set(txn, RecordUpdate{Key: []byte("doc1"), Body: []byte("v2"), PriorSequence: seq1}, true)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq3)
	require.NoError(t, txn.Commit())
}

func TestDelAndSetDocumentFlag(t *testing.T) {
	df := openTestFile(t)
	ks := KeyStoreIn(df, "docs")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	seq, err := ks.Set(txn, RecordUpdate{Key: []byte("doc1"), Body: []byte("v1")}, false)
	require.NoError(t, err)

	require.NoError(t, ks.SetDocumentFlag(txn, []byte("doc1"), seq, FlagHasAttachments))
	var rec Record
	ok, err := ks.ReadByKey(txn, []byte("doc1"), &rec)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, FlagHasAttachments, rec.Flags)
	require.Equal(t, seq, rec.Sequence) // meta-only: sequence unchanged
	require.Equal(t, uint64(1), rec.Subsequence)

	deleted, err := ks.Del(txn, []byte("doc1"), nil, nil)
	require.NoError(t, err)
	require.True(t, deleted)
	ok, err = ks.ReadByKey(txn, []byte("doc1"), &rec)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, txn.Commit())
}

func TestMoveTo(t *testing.T) {
	df := openTestFile(t)
	src := KeyStoreIn(df, "src")
	dst := KeyStoreIn(df, "dst")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	_, err = src.Set(txn, RecordUpdate{Key: []byte("doc1"), Body: []byte("v1")}, false)
	require.NoError(t, err)
	require.NoError(t, src.MoveTo(txn, []byte("doc1"), dst, nil))

	var rec Record
	ok, err := src.ReadByKey(txn, []byte("doc1"), &rec)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = dst.ReadByKey(txn, []byte("doc1"), &rec)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(rec.Body))
	require.NoError(t, txn.Commit())
}

func TestRangeEnumerator(t *testing.T) {
	df := openTestFile(t)
	ks := KeyStoreIn(df, "docs")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d"} {
		_, err := ks.Set(txn, RecordUpdate{Key: []byte(k), Body: []byte(k)}, false)
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())

	txn2, err := df.Begin(context.Background(), false)
	require.NoError(t, err)
	defer txn2.Rollback()

	enum, err := ks.NewRangeEnumerator(txn2, []byte("b"), []byte("d"), EnumOptions{InclusiveStart: true})
	require.NoError(t, err)
	var got []string
	var rec Record
	for {
		ok, err := enum.Next(&rec)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(rec.Key))
	}
	require.Equal(t, []string{"b", "c"}, got)
}

func TestSequenceEnumeratorSkipsDeleted(t *testing.T) {
	df := openTestFile(t)
	ks := KeyStoreIn(df, "docs")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	_, err = ks.Set(txn, RecordUpdate{Key: []byte("a"), Body: []byte("1")}, false)
	require.NoError(t, err)
	seqB, err := ks.Set(txn, RecordUpdate{Key: []byte("b"), Body: []byte("2")}, false)
	require.NoError(t, err)
	require.NoError(t, ks.SetDocumentFlag(txn, []byte("b"), seqB, FlagDeleted))
	require.NoError(t, txn.Commit())

	txn2, err := df.Begin(context.Background(), false)
	require.NoError(t, err)
	defer txn2.Rollback()
	enum, err := ks.NewSequenceEnumerator(txn2, EnumOptions{MinSequence: 1})
	require.NoError(t, err)
	var rec Record
	ok, err := enum.Next(&rec)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", string(rec.Key))
	ok, err = enum.Next(&rec)
	require.NoError(t, err)
	require.False(t, ok) // "b" filtered out: deleted and IncludeDeleted not set
}

func TestCreateAndGetIndexes(t *testing.T) {
	df := openTestFile(t)
	ks := KeyStoreIn(df, "docs")

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, ks.CreateIndex(txn, IndexSpec{Name: "byType", Expression: `doc.type`}))
	specs, err := ks.GetIndexes(txn)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	require.Equal(t, "byType", specs[0].Name)
	require.NoError(t, ks.DeleteIndex(txn, "byType"))
	specs, err = ks.GetIndexes(txn)
	require.NoError(t, err)
	require.Len(t, specs, 0)
	require.NoError(t, txn.Commit())
}

func TestSharedKeysInternAndDecode(t *testing.T) {
	df := openTestFile(t)
	sk := df.SharedKeys()
	tok := sk.Intern("type")
	tok2 := sk.Intern("type")
	require.Equal(t, tok, tok2)
	name, ok := sk.Decode(tok)
	require.True(t, ok)
	require.Equal(t, "type", name)
}

func TestSameProcessHandlesSharePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.bolt")
	a, err := Open(path, Options{}, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path, Options{}, nil)
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, a.handle, b.handle)
}
