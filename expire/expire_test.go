package expire

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

func TestSetAndSweepExpiration(t *testing.T) {
	df := openTestFile(t)
	ex := Open(df)
	base := time.Unix(1700000000, 0)

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, ex.SetExpiration(txn, []byte("doc1"), base.Add(-time.Hour)))
	require.NoError(t, ex.SetExpiration(txn, []byte("doc2"), base.Add(time.Hour)))
	require.NoError(t, txn.Commit())

	txn2, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	expired, err := ex.Sweep(txn2, base)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "doc1", string(expired[0].DocID))
	require.NoError(t, txn2.Commit())

	txn3, err := df.Begin(context.Background(), false)
	require.NoError(t, err)
	defer txn3.Rollback()
	next, err := ex.NextExpirationTime(txn3)
	require.NoError(t, err)
	require.True(t, next.Equal(base.Add(time.Hour)))
}

func TestCancelExpiration(t *testing.T) {
	df := openTestFile(t)
	ex := Open(df)

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	when := time.Unix(1700000000, 0)
	require.NoError(t, ex.SetExpiration(txn, []byte("doc1"), when))
	require.NoError(t, ex.Cancel(txn, []byte("doc1")))
	next, err := ex.NextExpirationTime(txn)
	require.NoError(t, err)
	require.True(t, next.IsZero())
	require.NoError(t, txn.Commit())
}

func TestCancelIsKeyedLookupNotScan(t *testing.T) {
	df := openTestFile(t)
	ex := Open(df)
	base := time.Unix(1700000000, 0)

	txn, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, ex.SetExpiration(txn, []byte{byte(i)}, base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, ex.Cancel(txn, []byte{25}))

	var rec kv.Record
	ok, err := ex.byDoc.ReadByKey(txn, []byte{25}, &rec)
	require.NoError(t, err)
	require.False(t, ok, "byDoc reverse entry must be removed on Cancel")

	require.NoError(t, txn.Commit())

	txn2, err := df.Begin(context.Background(), true)
	require.NoError(t, err)
	defer txn2.Rollback()
	expired, err := ex.Sweep(txn2, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 49)
}
