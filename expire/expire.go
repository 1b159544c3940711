// Package expire implements document expiration (spec §4.I): a reverse
// time-keyed index from expiration timestamp to document key, swept
// periodically to purge documents whose time has passed. Per the resolved
// Open Question (spec.md §9, recorded in DESIGN.md), only the
// structured-key variant is implemented — expiration is tracked in a
// dedicated KeyStore rather than packed into the document's own record,
// since LiteCore's legacy inline-expiry field was superseded by the
// by-doc-expiration KeyStore in the version this spec models.
package expire

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/litecore-go/litecore/internal/lerr"
	"github.com/litecore-go/litecore/kv"
)

const storeName = "expiration"
const byDocStoreName = "expiration.byDoc"

// Expiry tracks per-document expiration timestamps for one DataFile.
type Expiry struct {
	ks    *kv.KeyStore
	byDoc *kv.KeyStore // docID -> bigEndian(unixNano), the reverse of ks
}

// Open binds the expiration KeyStore to df.
func Open(df *kv.DataFile) *Expiry {
	return &Expiry{ks: kv.KeyStoreIn(df, storeName), byDoc: kv.KeyStoreIn(df, byDocStoreName)}
}

func timeKey(when time.Time, docID []byte) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(when.UnixNano()))
	out := make([]byte, 0, 8+len(docID))
	out = append(out, buf[:]...)
	return append(out, docID...)
}

// SetExpiration schedules docID to expire at when, replacing any prior
// schedule for it. A zero when cancels expiration.
func (e *Expiry) SetExpiration(txn *kv.Txn, docID []byte, when time.Time) error {
	if err := e.Cancel(txn, docID); err != nil {
		return err
	}
	if when.IsZero() {
		return nil
	}
	if err := e.ks.SetKV(txn, timeKey(when, docID), nil, nil); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(when.UnixNano()))
	return e.byDoc.SetKV(txn, docID, nil, buf[:])
}

// Cancel removes any scheduled expiration for docID. The reverse byDoc
// index gives the prior timestamp directly, so this is a keyed lookup plus
// two point deletes rather than a scan of the time-keyed schedule.
func (e *Expiry) Cancel(txn *kv.Txn, docID []byte) error {
	var rec kv.Record
	ok, err := e.byDoc.ReadByKey(txn, docID, &rec)
	if lerr.Is(err, lerr.LiteCore, lerr.NotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if !ok || len(rec.Body) != 8 {
		return nil
	}
	when := time.Unix(0, int64(binary.BigEndian.Uint64(rec.Body)))
	if _, err := e.ks.Del(txn, timeKey(when, docID), nil, nil); err != nil {
		return err
	}
	_, err = e.byDoc.Del(txn, docID, nil, nil)
	return err
}

// NextExpirationTime returns the earliest scheduled expiration, or the
// zero Time if nothing is scheduled.
func (e *Expiry) NextExpirationTime(txn *kv.Txn) (time.Time, error) {
	enum, err := e.ks.NewRangeEnumerator(txn, nil, nil, kv.EnumOptions{})
	if lerr.Is(err, lerr.LiteCore, lerr.NotFound) {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, err
	}
	var rec kv.Record
	ok, err := enum.Next(&rec)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return keyTime(rec.Key), nil
}

func keyTime(key []byte) time.Time {
	if len(key) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[:8])))
}

// Expired is one document whose scheduled time has passed.
type Expired struct {
	DocID []byte
	When  time.Time
}

// Sweep returns (and removes from the schedule) every entry whose
// timestamp is <= now, mirroring c4ExpiryEnumerator's purge pass.
func (e *Expiry) Sweep(txn *kv.Txn, now time.Time) ([]Expired, error) {
	// Keys sort by timestamp first, so every key below the bare 8-byte
	// timestamp of now+1ns is due, whatever its docID bytes.
	var cutoff [8]byte
	binary.BigEndian.PutUint64(cutoff[:], uint64(now.UnixNano())+1)
	enum, err := e.ks.NewRangeEnumerator(txn, nil, cutoff[:], kv.EnumOptions{})
	if lerr.Is(err, lerr.LiteCore, lerr.NotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var out []Expired
	var rec kv.Record
	for {
		ok, err := enum.Next(&rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		when := keyTime(rec.Key)
		if when.After(now) {
			break
		}
		out = append(out, Expired{DocID: append([]byte(nil), rec.Key[8:]...), When: when})
	}
	for _, exp := range out {
		if _, err := e.ks.Del(txn, timeKey(exp.When, exp.DocID), nil, nil); err != nil {
			return nil, err
		}
		if _, err := e.byDoc.Del(txn, exp.DocID, nil, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RunSweeper runs Sweep on interval until ctx is canceled, invoking onExpired
// for each swept document inside the same transaction the sweep used, so
// callers can synchronously delete the document's own record.
func (e *Expiry) RunSweeper(ctx context.Context, begin func(context.Context) (*kv.Txn, error), interval time.Duration, onExpired func(*kv.Txn, Expired) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			txn, err := begin(ctx)
			if err != nil {
				return err
			}
			expired, err := e.Sweep(txn, time.Now())
			if err != nil {
				_ = txn.Rollback()
				return err
			}
			for _, exp := range expired {
				if onExpired != nil {
					if err := onExpired(txn, exp); err != nil {
						_ = txn.Rollback()
						return err
					}
				}
			}
			if err := txn.Commit(); err != nil {
				return err
			}
		}
	}
}
