package kv

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"

	"github.com/litecore-go/litecore/internal/lerr"
	"github.com/litecore-go/litecore/internal/logging"
)

// registry tracks one *fileHandle per absolute database path so that
// multiple in-process DataFile handles opened against the same path share
// the physical bbolt.DB and serialize their writer transactions through a
// single mutex, the way LiteCore's per-path DataFile registry does.
var registry = struct {
	mu    sync.Mutex
	files map[string]*fileHandle
}{files: map[string]*fileHandle{}}

type fileHandle struct {
	db       *bbolt.DB
	writeMu  sync.Mutex
	flock    *flock.Flock
	refCount int
}

// DataFile owns one physical bbolt database and the KeyStores within it.
type DataFile struct {
	path    string
	handle  *fileHandle
	log     *logging.Logger
	sharedK *SharedKeys

	mu     sync.Mutex
	closed bool
}

// Options configures Open.
type Options struct {
	ReadOnly        bool
	SharedKeysLimit int // LRU capacity for the shared-keys decode cache; 0 uses a default.
}

// Open opens (or attaches to an already-open, same-process) DataFile at
// path. A real bbolt.DB is created at most once per absolute path per
// process; a gofrs/flock advisory lock additionally guards the path across
// processes, mirroring LiteCore's DataFile::Factory registry.
func Open(path string, opts Options, log *logging.Logger) (*DataFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, lerr.Wrap(err, lerr.POSIX, lerr.UnexpectedError, "resolving database path")
	}
	if log == nil {
		log = logging.Nop()
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	fh, ok := registry.files[abs]
	if !ok {
		fl := flock.New(abs + ".lock")
		locked, err := fl.TryLock()
		if err != nil || !locked {
			return nil, lerr.New(lerr.LiteCore, lerr.Busy, "database file is locked by another process: "+abs)
		}
		db, err := bbolt.Open(abs, 0600, &bbolt.Options{Timeout: 5 * time.Second, ReadOnly: opts.ReadOnly})
		if err != nil {
			_ = fl.Unlock()
			return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "opening bbolt database")
		}
		fh = &fileHandle{db: db, flock: fl}
		registry.files[abs] = fh
	}
	fh.refCount++

	df := &DataFile{path: abs, handle: fh, log: log.Named("kv")}

	limit := opts.SharedKeysLimit
	if limit <= 0 {
		limit = 4096
	}
	sk, err := loadSharedKeys(df, limit)
	if err != nil {
		fh.refCount--
		return nil, err
	}
	df.sharedK = sk

	return df, nil
}

// Close releases this handle's reference; the underlying bbolt.DB and its
// flock are only released once every DataFile sharing the path has closed.
func (df *DataFile) Close() error {
	df.mu.Lock()
	if df.closed {
		df.mu.Unlock()
		return nil
	}
	df.closed = true
	df.mu.Unlock()

	registry.mu.Lock()
	defer registry.mu.Unlock()
	fh := df.handle
	fh.refCount--
	if fh.refCount > 0 {
		return nil
	}
	delete(registry.files, df.path)
	err := fh.db.Close()
	if unlockErr := fh.flock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// Path returns the absolute path this DataFile was opened against.
func (df *DataFile) Path() string { return df.path }

// SharedKeys returns the decode-time shared-keys cache for this DataFile.
func (df *DataFile) SharedKeys() *SharedKeys { return df.sharedK }

// Txn is a single bbolt transaction, writable or read-only. Writable
// transactions across every DataFile handle on the same path are
// serialized via fileHandle.writeMu, so Begin(true) blocks until any
// other writer (in this process) commits or rolls back — matching
// spec §4.F's "mutually exclusive... across handles" requirement.
type Txn struct {
	tx       *bbolt.Tx
	df       *DataFile
	writable bool
	done     bool
}

// Begin starts a transaction. Callers MUST call Commit or Rollback exactly
// once. ctx is honored only while waiting to acquire the writer lock.
func (df *DataFile) Begin(ctx context.Context, writable bool) (*Txn, error) {
	if writable {
		acquired := make(chan struct{})
		go func() { df.handle.writeMu.Lock(); close(acquired) }()
		select {
		case <-acquired:
		case <-ctx.Done():
			go func() { <-acquired; df.handle.writeMu.Unlock() }()
			return nil, lerr.Wrap(ctx.Err(), lerr.LiteCore, lerr.Busy, "timed out waiting for writer transaction")
		}
	}
	tx, err := df.handle.db.Begin(writable)
	if err != nil {
		if writable {
			df.handle.writeMu.Unlock()
		}
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "beginning transaction")
	}
	return &Txn{tx: tx, df: df, writable: writable}, nil
}

// Raw exposes the underlying bbolt transaction for packages (e.g.
// bothstore) that need to open additional buckets of their own alongside
// a KeyStore's.
func (t *Txn) Raw() *bbolt.Tx { return t.tx }

func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Commit()
	if t.writable {
		t.df.handle.writeMu.Unlock()
	}
	if err != nil {
		return lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "committing transaction")
	}
	return nil
}

func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	if t.writable {
		t.df.handle.writeMu.Unlock()
	}
	if err != nil {
		return lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "rolling back transaction")
	}
	return nil
}

const sharedKeysStoreName = "_keys"

// SharedKeys is an LRU-backed decode cache over a `_keys` KeyStore mapping
// small integer tokens to document property names, mirroring LiteCore's
// SharedKeys/Fleece shared-keys table used to avoid repeating common
// property names in every document body. Each newly seen name is written
// to `_keys` exactly once, at the commit of the transaction that first
// interns it; every later Intern for the same name is a map lookup only.
type SharedKeys struct {
	mu     sync.Mutex
	cache  *lru.Cache[int, string]
	byName map[string]int
	next   int
	ks     *KeyStore
}

// loadSharedKeys opens (or creates) df's `_keys` KeyStore and replays its
// existing token assignments into the in-memory cache, so a reopened
// DataFile keeps handing out the same token for a name it already knows —
// persistence only matters if restarts preserve the mapping.
func loadSharedKeys(df *DataFile, limit int) (*SharedKeys, error) {
	c, err := lru.New[int, string](limit)
	if err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "allocating shared-keys cache")
	}
	sk := &SharedKeys{cache: c, byName: map[string]int{}, ks: KeyStoreIn(df, sharedKeysStoreName)}

	txn, err := df.Begin(context.Background(), false)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	enum, err := sk.ks.NewRangeEnumerator(txn, nil, nil, EnumOptions{})
	if lerr.Is(err, lerr.LiteCore, lerr.NotFound) {
		return sk, nil
	} else if err != nil {
		return nil, err
	}
	var rec Record
	for {
		ok, err := enum.Next(&rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if len(rec.Key) != 4 {
			continue
		}
		tok := int(binary.BigEndian.Uint32(rec.Key))
		name := string(rec.Body)
		sk.cache.Add(tok, name)
		sk.byName[name] = tok
		if tok >= sk.next {
			sk.next = tok + 1
		}
	}
	return sk, nil
}

func tokenKey(tok int) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(tok))
	return buf[:]
}

// Intern returns the token for name, assigning a new one in memory if
// unseen. It does not persist a new assignment — callers on a document
// write path that must survive a restart should use InternTxn instead.
func (sk *SharedKeys) Intern(name string) int {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if tok, ok := sk.byName[name]; ok {
		return tok
	}
	tok := sk.next
	sk.next++
	sk.byName[name] = tok
	sk.cache.Add(tok, name)
	return tok
}

// InternTxn is Intern plus the commit-time-only `_keys` write a newly seen
// name requires: if name already has a token, this is a lock-protected map
// lookup with no I/O; otherwise the new token is written to `_keys` within
// txn before being handed back.
func (sk *SharedKeys) InternTxn(txn *Txn, name string) (int, error) {
	sk.mu.Lock()
	if tok, ok := sk.byName[name]; ok {
		sk.mu.Unlock()
		return tok, nil
	}
	tok := sk.next
	sk.next++
	sk.byName[name] = tok
	sk.cache.Add(tok, name)
	sk.mu.Unlock()

	if err := sk.ks.SetKV(txn, tokenKey(tok), nil, []byte(name)); err != nil {
		return 0, err
	}
	return tok, nil
}

// Decode resolves a token back to its key name, or ("", false) if evicted
// or unknown — callers fall back to reading the name out-of-band.
func (sk *SharedKeys) Decode(tok int) (string, bool) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.cache.Get(tok)
}
