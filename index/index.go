// Package index implements secondary indexes over collatable-encoded keys
// (spec §4.H): a document maps to zero or more emitted {key, value} rows,
// stored key-ordered so that range and multi-range queries are plain
// KeyStore cursor scans, plus a grouping/reduce pass for aggregate views.
package index

import (
	"bytes"
	"encoding/binary"

	"github.com/litecore-go/litecore/collate"
	"github.com/litecore-go/litecore/internal/lerr"
	"github.com/litecore-go/litecore/kv"
)

// Emit is one {key, value} row a document contributes to an index. Key is
// any collatable-encodable value (see collate.Encode); Value is an opaque
// payload (commonly the JSON-encoded emitted value or just the doc's
// revision ID).
type Emit struct {
	Key   any
	Value []byte
}

// Index is a named secondary index backed by one KeyStore. Row keys are
// collatable(Key) ++ docID, which keeps the encoding self-delimiting
// (collatable values are prefix-free) so appending docID yields a stable
// secondary sort by document for duplicate keys without ambiguity.
type Index struct {
	ks     *kv.KeyStore
	hashes *kv.KeyStore
	name   string
}

// Open binds an Index by name to df; the underlying KeyStore ("idx.<name>")
// is created lazily on first write. A sibling KeyStore ("idx.<name>.hashes")
// tracks, per docID, a djb2 hash of the last emit set so Put can skip the
// re-index when nothing changed (spec §4.H's update protocol).
func Open(df *kv.DataFile, name string) *Index {
	return &Index{
		ks:     kv.KeyStoreIn(df, "idx."+name),
		hashes: kv.KeyStoreIn(df, "idx."+name+".hashes"),
		name:   name,
	}
}

// djb2 hashes the emit list: each emit contributes its collatable-encoded
// key followed by its value, separated by a NUL so adjacent emits can't be
// confused by concatenation alone.
func djb2(emits []Emit) uint64 {
	var h uint64 = 5381
	mix := func(b byte) { h = h*33 + uint64(b) }
	for _, e := range emits {
		for _, b := range collate.Encode(nil, e.Key) {
			mix(b)
		}
		mix(0)
		for _, b := range e.Value {
			mix(b)
		}
		mix(0)
	}
	return h
}

func rowKey(encodedKey, docID []byte) []byte {
	out := make([]byte, 0, len(encodedKey)+len(docID))
	out = append(out, encodedKey...)
	out = append(out, docID...)
	return out
}

// Put replaces every row previously emitted for docID with the rows
// described by emits, mirroring the map-phase re-index LiteCore performs
// whenever a document body changes. If emits hashes identically to the
// set last written for docID, Put is a no-op: no scan, no deletes, no
// rewritten rows (spec §4.H's idempotence guarantee).
func (ix *Index) Put(txn *kv.Txn, docID []byte, emits []Emit) error {
	if len(docID) == 0 {
		return lerr.New(lerr.LiteCore, lerr.UnexpectedError, "index Put requires a non-empty docID")
	}
	hash := djb2(emits)
	var hashRec kv.Record
	haveHash, err := ix.hashes.ReadByKey(txn, docID, &hashRec)
	if err != nil {
		return err
	}
	if haveHash && len(hashRec.Body) == 8 && binary.BigEndian.Uint64(hashRec.Body) == hash {
		return nil
	}
	if err := ix.deleteDoc(txn, docID); err != nil {
		return err
	}
	for _, e := range emits {
		encKey := collate.Encode(nil, e.Key)
		key := rowKey(encKey, docID)
		if err := ix.ks.SetKV(txn, key, nil, e.Value); err != nil {
			return err
		}
	}
	if len(emits) == 0 {
		if _, err := ix.hashes.Del(txn, docID, nil, nil); err != nil {
			return err
		}
		return nil
	}
	hashBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(hashBuf, hash)
	return ix.hashes.SetKV(txn, docID, nil, hashBuf)
}

// deleteDoc removes every row whose docID part (the bytes after the
// collatable key) equals docID. Index rows
// don't carry a reverse "which doc emitted this" list, so this scans the
// whole index; callers that re-index frequently should keep the emit
// count per document small (the common case: one or a few rows/doc).
func (ix *Index) deleteDoc(txn *kv.Txn, docID []byte) error {
	enum, err := ix.ks.NewRangeEnumerator(txn, nil, nil, kv.EnumOptions{IncludeDeleted: true})
	if err != nil {
		return err
	}
	var toDelete [][]byte
	var rec kv.Record
	for {
		ok, err := enum.Next(&rec)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		row, err := splitRow(rec)
		if err != nil {
			return err
		}
		if bytes.Equal(row.DocID, docID) {
			toDelete = append(toDelete, append([]byte(nil), rec.Key...))
		}
	}
	for _, k := range toDelete {
		if _, err := ix.ks.Del(txn, k, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// Range is one bound over the collatable key space; a nil Start or End
// means "open" on that side.
type Range struct {
	Start, End                   any
	InclusiveStart, InclusiveEnd bool
}

func (r Range) encode() (start, end []byte) {
	if r.Start != nil {
		start = collate.Encode(nil, r.Start)
	}
	if r.End != nil {
		end = collate.Encode(nil, r.End)
	}
	return
}

// Row is one result from an Enumerator.
type Row struct {
	Key   []byte // collatable-encoded index key (without the docID suffix)
	DocID []byte
	Value []byte
}

// Enumerator iterates matching rows across one or more Ranges, each in key
// order, ranges visited in the order given (spec §4.H's "multi-range
// query").
type Enumerator struct {
	ix         *Index
	txn        *kv.Txn
	ranges     []Range
	descending bool
	rangeIdx   int
	cur        *kv.RecordEnumerator
}

// NewEnumerator opens an Enumerator over ranges (a single Range{} means
// "everything").
func (ix *Index) NewEnumerator(txn *kv.Txn, ranges []Range, descending bool) (*Enumerator, error) {
	if len(ranges) == 0 {
		ranges = []Range{{}}
	}
	return &Enumerator{ix: ix, txn: txn, ranges: ranges, descending: descending}, nil
}

// Next returns the next row, or ok=false once every range is exhausted.
func (e *Enumerator) Next() (Row, bool, error) {
	for {
		if e.cur == nil {
			if e.rangeIdx >= len(e.ranges) {
				return Row{}, false, nil
			}
			r := e.ranges[e.rangeIdx]
			start, end := r.encode()
			enum, err := e.ix.ks.NewRangeEnumerator(e.txn, start, end, kv.EnumOptions{
				Descending:     e.descending,
				InclusiveStart: r.InclusiveStart,
				InclusiveEnd:   r.InclusiveEnd,
			})
			if err != nil {
				return Row{}, false, err
			}
			e.cur = enum
		}
		var rec kv.Record
		ok, err := e.cur.Next(&rec)
		if err != nil {
			return Row{}, false, err
		}
		if !ok {
			e.cur = nil
			e.rangeIdx++
			continue
		}
		row, err := splitRow(rec)
		if err != nil {
			return Row{}, false, err
		}
		return row, true, nil
	}
}

// splitRow recovers the encoded-key/docID split from a stored row key.
// Collatable encodings are self-delimiting (strings are NUL-terminated,
// arrays/dicts carry an explicit end marker, numbers have a known length
// byte), so re-reading one full value off the front of the key tells us
// exactly where it ends and the docID suffix begins.
func splitRow(rec kv.Record) (Row, error) {
	r := collate.NewReader(rec.Key)
	span, err := r.Skip()
	if err != nil {
		return Row{}, lerr.Wrap(err, lerr.LiteCore, lerr.CorruptIndexData, "decoding index row key")
	}
	return Row{Key: span, DocID: r.Remaining(), Value: rec.Body}, nil
}

// Reducer folds one row's value into an accumulator.
type Reducer func(acc any, value []byte) any

// GroupResult is one grouped-and-reduced output row.
type GroupResult struct {
	Key   []byte
	Value any
}

// Reduce scans ranges and folds rows into groups. When grouped is false,
// every matching row folds into a single GroupResult with a nil Key
// (LiteCore's "full reduce"). When grouped is true, consecutive rows are
// grouped by exact encoded-key equality. There is no groupLevel: array
// keys are never truncated to a prefix before grouping.
func (ix *Index) Reduce(txn *kv.Txn, ranges []Range, grouped bool, zero any, reduce Reducer) ([]GroupResult, error) {
	enum, err := ix.NewEnumerator(txn, ranges, false)
	if err != nil {
		return nil, err
	}
	var out []GroupResult
	var curKey []byte
	var curAcc any
	haveGroup := false

	flush := func() {
		if haveGroup {
			out = append(out, GroupResult{Key: curKey, Value: curAcc})
		}
	}

	for {
		row, ok, err := enum.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if !grouped {
			if !haveGroup {
				curAcc = zero
				haveGroup = true
			}
			curAcc = reduce(curAcc, row.Value)
			continue
		}
		if !haveGroup || !bytes.Equal(curKey, row.Key) {
			flush()
			curKey = append([]byte(nil), row.Key...)
			curAcc = zero
			haveGroup = true
		}
		curAcc = reduce(curAcc, row.Value)
	}
	flush()
	return out, nil
}
