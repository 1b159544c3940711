package kv

import (
	"go.etcd.io/bbolt"

	"github.com/litecore-go/litecore/internal/lerr"
)

// EnumOptions controls RecordEnumerator traversal, mirroring LiteCore's
// RecordEnumerator::Options (spec §4.F).
type EnumOptions struct {
	Descending     bool
	InclusiveStart bool
	InclusiveEnd   bool
	IncludeDeleted bool
	OnlyConflicts  bool
	OnlyBlobs      bool
	ContentOption  ContentOption
	MinSequence    uint64 // for by-sequence enumeration: skip sequences < MinSequence
}

// RecordEnumerator iterates Records from a KeyStore, either over a key
// range or over the sequence index starting at MinSequence.
type RecordEnumerator struct {
	opts    EnumOptions
	cur     *bbolt.Cursor
	seqB    *bbolt.Bucket // non-nil when enumerating by sequence
	recs    *bbolt.Bucket
	startK  []byte
	endK    []byte
	bySeq   bool
	started bool
	k, v    []byte
	done    bool
}

// NewRangeEnumerator iterates keys in [startKey, endKey] (bounds may be
// nil to mean "open") in the order determined by opts.Descending.
func (ks *KeyStore) NewRangeEnumerator(txn *Txn, startKey, endKey []byte, opts EnumOptions) (*RecordEnumerator, error) {
	b, err := ks.recsBucket(txn.tx, false)
	if lerr.Is(err, lerr.LiteCore, lerr.NotFound) {
		return &RecordEnumerator{done: true}, nil
	} else if err != nil {
		return nil, err
	}
	return &RecordEnumerator{
		opts:   opts,
		cur:    b.Cursor(),
		recs:   b,
		startK: startKey,
		endK:   endKey,
	}, nil
}

// NewSequenceEnumerator iterates records in ascending sequence order
// starting at opts.MinSequence (descending if opts.Descending is set).
func (ks *KeyStore) NewSequenceEnumerator(txn *Txn, opts EnumOptions) (*RecordEnumerator, error) {
	sb, err := ks.seqBucket(txn.tx, false)
	if lerr.Is(err, lerr.LiteCore, lerr.NotFound) {
		return &RecordEnumerator{done: true}, nil
	} else if err != nil {
		return nil, err
	}
	recs, err := ks.recsBucket(txn.tx, false)
	if err != nil {
		return nil, err
	}
	return &RecordEnumerator{
		opts:  opts,
		cur:   sb.Cursor(),
		seqB:  sb,
		recs:  recs,
		bySeq: true,
	}, nil
}

func (e *RecordEnumerator) advance() {
	if e.cur == nil {
		e.k, e.v = nil, nil
		return
	}
	if !e.started {
		e.started = true
		if e.bySeq {
			if e.opts.Descending {
				e.k, e.v = e.cur.Last()
			} else {
				e.k, e.v = e.cur.Seek(seqKeyBytes(e.opts.MinSequence))
			}
		} else if e.opts.Descending {
			if len(e.endK) > 0 {
				e.k, e.v = e.cur.Seek(e.endK)
				if e.k == nil {
					e.k, e.v = e.cur.Last()
				} else if string(e.k) > string(e.endK) || (!e.opts.InclusiveEnd && string(e.k) == string(e.endK)) {
					e.k, e.v = e.cur.Prev()
				}
			} else {
				e.k, e.v = e.cur.Last()
			}
		} else {
			if len(e.startK) > 0 {
				e.k, e.v = e.cur.Seek(e.startK)
				if !e.opts.InclusiveStart && e.k != nil && string(e.k) == string(e.startK) {
					e.k, e.v = e.cur.Next()
				}
			} else {
				e.k, e.v = e.cur.First()
			}
		}
		return
	}
	if e.opts.Descending {
		e.k, e.v = e.cur.Prev()
	} else {
		e.k, e.v = e.cur.Next()
	}
}

func (e *RecordEnumerator) inRange() bool {
	if e.bySeq {
		if e.opts.Descending {
			return e.k != nil
		}
		return e.k != nil
	}
	if e.k == nil {
		return false
	}
	if len(e.endK) > 0 && !e.opts.Descending {
		if e.opts.InclusiveEnd {
			if string(e.k) > string(e.endK) {
				return false
			}
		} else if string(e.k) >= string(e.endK) {
			return false
		}
	}
	if len(e.startK) > 0 && e.opts.Descending {
		if e.opts.InclusiveStart {
			if string(e.k) < string(e.startK) {
				return false
			}
		} else if string(e.k) <= string(e.startK) {
			return false
		}
	}
	return true
}

// Next advances the enumerator, applying the deleted/conflict/blob/
// sequence filters, and returns false once exhausted.
func (e *RecordEnumerator) Next(rec *Record) (bool, error) {
	if e.done {
		return false, nil
	}
	for {
		e.advance()
		if !e.inRange() {
			e.done = true
			return false, nil
		}
		var key, val []byte
		if e.bySeq {
			seq := seqFromKeyBytes(e.k)
			if seq < e.opts.MinSequence {
				if e.opts.Descending {
					e.done = true
					return false, nil
				}
				continue
			}
			key = e.v
			val = e.recs.Get(key)
			if val == nil {
				continue // record was deleted after the sequence index entry was written
			}
		} else {
			key, val = e.k, e.v
		}
		var r Record
		if !decodeRecord(key, val, &r) {
			return false, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "corrupt record for key "+string(key))
		}
		if r.Flags&FlagDeleted != 0 && !e.opts.IncludeDeleted {
			continue
		}
		if e.opts.OnlyConflicts && r.Flags&FlagConflicted == 0 {
			continue
		}
		if e.opts.OnlyBlobs && r.Flags&FlagHasAttachments == 0 {
			continue
		}
		if e.opts.ContentOption == ContentMetaOnly {
			r.Body = nil
		}
		*rec = r
		return true, nil
	}
}
