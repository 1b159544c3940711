package kv

import (
	"bytes"

	"go.etcd.io/bbolt"

	"github.com/litecore-go/litecore/internal/lerr"
)

const (
	recsSuffix    = ".recs" // key -> encoded record
	bySeqSuffix   = ".byseq"
	indexesBucket = "_indexes"
)

// KeyStore is a named collection of Records within a DataFile, backed by
// one bbolt bucket for primary key lookups and one secondary bucket
// mapping sequence -> key for by-sequence enumeration, matching LiteCore's
// KeyStore/DataFile split (spec §4.F).
type KeyStore struct {
	df   *DataFile
	name string
}

// KeyStoreIn binds a KeyStore by name to a DataFile; buckets are created
// lazily on first write.
func KeyStoreIn(df *DataFile, name string) *KeyStore {
	return &KeyStore{df: df, name: name}
}

func (ks *KeyStore) recsBucket(tx *bbolt.Tx, create bool) (*bbolt.Bucket, error) {
	name := []byte(ks.name + recsSuffix)
	if create {
		return tx.CreateBucketIfNotExists(name)
	}
	b := tx.Bucket(name)
	if b == nil {
		return nil, lerr.New(lerr.LiteCore, lerr.NotFound, "keystore not found: "+ks.name)
	}
	return b, nil
}

func (ks *KeyStore) seqBucket(tx *bbolt.Tx, create bool) (*bbolt.Bucket, error) {
	name := []byte(ks.name + bySeqSuffix)
	if create {
		return tx.CreateBucketIfNotExists(name)
	}
	b := tx.Bucket(name)
	if b == nil {
		return nil, lerr.New(lerr.LiteCore, lerr.NotFound, "keystore sequence index not found: "+ks.name)
	}
	return b, nil
}

// ContentOption controls how much of a Record's body Read loads.
type ContentOption int

const (
	ContentAll ContentOption = iota
	ContentMetaOnly
)

// ReadByKey loads the record stored under key into rec, returning false if
// absent.
func (ks *KeyStore) ReadByKey(txn *Txn, key []byte, rec *Record) (bool, error) {
	b, err := ks.recsBucket(txn.tx, false)
	if lerr.Is(err, lerr.LiteCore, lerr.NotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	v := b.Get(key)
	if v == nil {
		return false, nil
	}
	if !decodeRecord(key, v, rec) {
		return false, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "corrupt record for key "+string(key))
	}
	return true, nil
}

// ReadBySequence looks a record up via the secondary sequence index.
func (ks *KeyStore) ReadBySequence(txn *Txn, seq uint64, rec *Record) (bool, error) {
	sb, err := ks.seqBucket(txn.tx, false)
	if lerr.Is(err, lerr.LiteCore, lerr.NotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	key := sb.Get(seqKeyBytes(seq))
	if key == nil {
		return false, nil
	}
	return ks.ReadByKey(txn, key, rec)
}

// RecordUpdate is the input to Set: the caller-supplied new contents plus
// the sequence/subsequence it believes is current, used for the MVCC
// check.
type RecordUpdate struct {
	Key              []byte
	Version          []byte
	Body             []byte
	Flags            RecordFlags
	PriorSequence    uint64
	PriorSubsequence uint64
}

// Set writes upd as a new body-changing revision of its key, allocating a
// fresh monotonic Sequence. If checkMVCC is true and the record's current
// (sequence, subsequence) doesn't match (upd.PriorSequence,
// upd.PriorSubsequence), Set performs no write and returns (0, nil) to
// signal a conflict, per spec §4.F / §8 scenario 2.
func (ks *KeyStore) Set(txn *Txn, upd RecordUpdate, checkMVCC bool) (uint64, error) {
	return ks.setImpl(txn, upd, checkMVCC, nil)
}

// SetWithSequence behaves like Set but uses forcedSeq instead of
// allocating one from this KeyStore's own bucket counter — used by
// BothKeyStore to share a single sequence space across its live and
// tombstone KeyStores.
func (ks *KeyStore) SetWithSequence(txn *Txn, upd RecordUpdate, checkMVCC bool, forcedSeq uint64) (uint64, error) {
	return ks.setImpl(txn, upd, checkMVCC, &forcedSeq)
}

func (ks *KeyStore) setImpl(txn *Txn, upd RecordUpdate, checkMVCC bool, forcedSeq *uint64) (uint64, error) {
	b, err := ks.recsBucket(txn.tx, true)
	if err != nil {
		return 0, err
	}
	sb, err := ks.seqBucket(txn.tx, true)
	if err != nil {
		return 0, err
	}

	var existing Record
	existing.Key = make([]byte, 0, len(upd.Key))
	if v := b.Get(upd.Key); v != nil {
		if !decodeRecord(upd.Key, v, &existing) {
			return 0, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "corrupt record for key "+string(upd.Key))
		}
	}
	if checkMVCC && (existing.Sequence != upd.PriorSequence || existing.Subsequence != upd.PriorSubsequence) {
		return 0, nil
	}

	var newSeq uint64
	if forcedSeq != nil {
		newSeq = *forcedSeq
	} else {
		newSeq, err = b.NextSequence()
		if err != nil {
			return 0, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "allocating sequence")
		}
	}
	rec := Record{
		Key:         upd.Key,
		Version:     upd.Version,
		Body:        upd.Body,
		Sequence:    newSeq,
		Subsequence: 0,
		Flags:       upd.Flags,
	}
	if err := b.Put(upd.Key, encodeRecord(&rec)); err != nil {
		return 0, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "writing record")
	}
	if existing.Exists {
		if err := sb.Delete(seqKeyBytes(existing.Sequence)); err != nil {
			return 0, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "clearing old sequence index entry")
		}
	}
	if err := sb.Put(seqKeyBytes(newSeq), upd.Key); err != nil {
		return 0, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "writing sequence index")
	}
	return newSeq, nil
}

// SetKV writes key/version/value unconditionally, bypassing the MVCC
// check — used for internal bookkeeping records (checkpoints, local docs)
// that have no revision history of their own.
func (ks *KeyStore) SetKV(txn *Txn, key, version, value []byte) error {
	_, err := ks.Set(txn, RecordUpdate{Key: key, Version: version, Body: value}, false)
	return err
}

// Del removes key. If replacingSeq/replacingSubseq are non-nil, the
// delete is itself treated as an MVCC-checked write (useful for tombstone
// semantics in BothKeyStore); otherwise it is unconditional.
func (ks *KeyStore) Del(txn *Txn, key []byte, replacingSeq, replacingSubseq *uint64) (bool, error) {
	b, err := ks.recsBucket(txn.tx, false)
	if lerr.Is(err, lerr.LiteCore, lerr.NotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	var existing Record
	v := b.Get(key)
	if v == nil {
		return false, nil
	}
	if !decodeRecord(key, v, &existing) {
		return false, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "corrupt record for key "+string(key))
	}
	if replacingSeq != nil && (existing.Sequence != *replacingSeq || existing.Subsequence != *replacingSubseq) {
		return false, nil
	}
	if err := b.Delete(key); err != nil {
		return false, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "deleting record")
	}
	if sb, err := ks.seqBucket(txn.tx, false); err == nil {
		_ = sb.Delete(seqKeyBytes(existing.Sequence))
	}
	return true, nil
}

// SetDocumentFlag performs a meta-only update: it bumps Subsequence
// without allocating a new Sequence or touching Body, used e.g. to flag a
// record HasAttachments after the fact.
func (ks *KeyStore) SetDocumentFlag(txn *Txn, key []byte, expectSeq uint64, flags RecordFlags) error {
	b, err := ks.recsBucket(txn.tx, true)
	if err != nil {
		return err
	}
	v := b.Get(key)
	if v == nil {
		return lerr.New(lerr.LiteCore, lerr.NotFound, "no such record: "+string(key))
	}
	var rec Record
	if !decodeRecord(key, v, &rec) {
		return lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "corrupt record for key "+string(key))
	}
	if rec.Sequence != expectSeq {
		return lerr.New(lerr.LiteCore, lerr.Conflict, "sequence changed under SetDocumentFlag")
	}
	rec.Flags = flags
	rec.Subsequence++
	return b.Put(key, encodeRecord(&rec))
}

// MoveTo relocates the record under key from ks into dst under newKey
// (defaulting to key if newKey is empty), preserving its Version and
// Body but allocating dst a fresh Sequence from dst's own counter.
func (ks *KeyStore) MoveTo(txn *Txn, key []byte, dst *KeyStore, newKey []byte) error {
	var rec Record
	ok, err := ks.ReadByKey(txn, key, &rec)
	if err != nil {
		return err
	}
	if !ok {
		return lerr.New(lerr.LiteCore, lerr.NotFound, "no such record to move: "+string(key))
	}
	if len(newKey) == 0 {
		newKey = key
	}
	if _, err := dst.Set(txn, RecordUpdate{Key: newKey, Version: rec.Version, Body: rec.Body, Flags: rec.Flags}, false); err != nil {
		return err
	}
	_, err = ks.Del(txn, key, nil, nil)
	return err
}

// IndexSpec describes a secondary index registered against this KeyStore
// (the index rows themselves live in the index package's own KeyStore).
type IndexSpec struct {
	Name       string
	Expression string
}

func (ks *KeyStore) indexMetaBucket(tx *bbolt.Tx, create bool) (*bbolt.Bucket, error) {
	parent, err := ks.recsBucket(tx, create)
	if err != nil {
		return nil, err
	}
	if create {
		return parent.CreateBucketIfNotExists([]byte(indexesBucket))
	}
	b := parent.Bucket([]byte(indexesBucket))
	if b == nil {
		return nil, lerr.New(lerr.LiteCore, lerr.NotFound, "no indexes registered")
	}
	return b, nil
}

// CreateIndex registers spec's metadata against this KeyStore. The actual
// index rows are maintained by the index package.
func (ks *KeyStore) CreateIndex(txn *Txn, spec IndexSpec) error {
	b, err := ks.indexMetaBucket(txn.tx, true)
	if err != nil {
		return err
	}
	return b.Put([]byte(spec.Name), []byte(spec.Expression))
}

// DeleteIndex removes a previously registered index's metadata.
func (ks *KeyStore) DeleteIndex(txn *Txn, name string) error {
	b, err := ks.indexMetaBucket(txn.tx, false)
	if lerr.Is(err, lerr.LiteCore, lerr.NotFound) {
		return nil
	} else if err != nil {
		return err
	}
	return b.Delete([]byte(name))
}

// GetIndexes lists every registered index on this KeyStore.
func (ks *KeyStore) GetIndexes(txn *Txn) ([]IndexSpec, error) {
	b, err := ks.indexMetaBucket(txn.tx, false)
	if lerr.Is(err, lerr.LiteCore, lerr.NotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var out []IndexSpec
	err = b.ForEach(func(k, v []byte) error {
		out = append(out, IndexSpec{Name: string(k), Expression: string(v)})
		return nil
	})
	return out, err
}

// withKeyPrefix reports whether key starts with prefix; a nil/empty
// prefix always matches.
func withKeyPrefix(key, prefix []byte) bool {
	return len(prefix) == 0 || bytes.HasPrefix(key, prefix)
}
