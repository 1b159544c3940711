// Package bothstore implements BothKeyStore (spec §4.G): a KeyStore pair
// splitting live and tombstoned (deleted) records across two underlying
// bbolt buckets, sharing one sequence number space so that a tombstone's
// sequence is comparable against a live record's sequence without extra
// bookkeeping.
package bothstore

import (
	"github.com/litecore-go/litecore/internal/lerr"
	"github.com/litecore-go/litecore/kv"
)

const seqCounterBucket = ".bothseq"

// BothKeyStore composites a live KeyStore and a tombstone KeyStore,
// presenting one logical document namespace. LiteCore keeps deletions in a
// separate store so that typical enumeration (documents, not tombstones)
// never has to skip over deleted rows on disk.
type BothKeyStore struct {
	df   *kv.DataFile
	name string
	Live *kv.KeyStore
	Dead *kv.KeyStore
}

// Open binds a BothKeyStore by name to df, creating the live ("<name>")
// and tombstone ("<name>.tombstones") KeyStores lazily.
func Open(df *kv.DataFile, name string) *BothKeyStore {
	return &BothKeyStore{
		df:   df,
		name: name,
		Live: kv.KeyStoreIn(df, name),
		Dead: kv.KeyStoreIn(df, name+".tombstones"),
	}
}

func (bk *BothKeyStore) nextSharedSequence(txn *kv.Txn) (uint64, error) {
	b, err := txn.Raw().CreateBucketIfNotExists([]byte(bk.name + seqCounterBucket))
	if err != nil {
		return 0, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "allocating shared sequence bucket")
	}
	seq, err := b.NextSequence()
	if err != nil {
		return 0, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "allocating shared sequence")
	}
	return seq, nil
}

// Read looks up key first in Live, then in Dead (unless liveOnly is set),
// so callers that want tombstones (e.g. replication's deletion-push path)
// can still retrieve them by key.
func (bk *BothKeyStore) Read(txn *kv.Txn, key []byte, liveOnly bool, rec *kv.Record) (bool, error) {
	ok, err := bk.Live.ReadByKey(txn, key, rec)
	if err != nil || ok || liveOnly {
		return ok, err
	}
	return bk.Dead.ReadByKey(txn, key, rec)
}

// Put writes upd, routing to Dead when upd.Flags carries FlagDeleted and
// to Live otherwise, moving the record across stores if its deleted-ness
// changed since the last write, and allocating a sequence shared across
// both underlying KeyStores.
func (bk *BothKeyStore) Put(txn *kv.Txn, upd kv.RecordUpdate, checkMVCC bool) (uint64, error) {
	deleting := upd.Flags&kv.FlagDeleted != 0

	var existing kv.Record
	existingInDead, err := bk.Dead.ReadByKey(txn, upd.Key, &existing)
	if err != nil {
		return 0, err
	}
	if !existingInDead {
		if _, err := bk.Live.ReadByKey(txn, upd.Key, &existing); err != nil {
			return 0, err
		}
	}
	if checkMVCC && (existing.Sequence != upd.PriorSequence || existing.Subsequence != upd.PriorSubsequence) {
		return 0, nil
	}

	seq, err := bk.nextSharedSequence(txn)
	if err != nil {
		return 0, err
	}

	dst, src := bk.Live, bk.Dead
	if deleting {
		dst, src = bk.Dead, bk.Live
	}
	if existing.Exists {
		if _, err := src.Del(txn, upd.Key, nil, nil); err != nil {
			return 0, err
		}
	}
	return dst.SetWithSequence(txn, upd, false, seq)
}
