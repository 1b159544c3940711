// Package litecore is the top-level facade: it wires the storage (kv,
// kv/bothstore), revision-history (revtree), indexing (index),
// expiration (expire), and replication (replicator) components into a
// single embeddable document database, per spec §6.
package litecore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/litecore-go/litecore/actor"
	"github.com/litecore-go/litecore/blip"
	"github.com/litecore-go/litecore/expire"
	"github.com/litecore-go/litecore/index"
	"github.com/litecore-go/litecore/internal/config"
	"github.com/litecore-go/litecore/internal/lerr"
	"github.com/litecore-go/litecore/internal/logging"
	"github.com/litecore-go/litecore/kv"
	"github.com/litecore-go/litecore/kv/bothstore"
	"github.com/litecore-go/litecore/replicator"
	"github.com/litecore-go/litecore/revid"
	"github.com/litecore-go/litecore/revtree"
)

// EncryptionAlgorithm selects the at-rest body cipher, spec §6.
type EncryptionAlgorithm int

const (
	EncryptionNone EncryptionAlgorithm = iota
	EncryptionAES256
)

// OpenOptions configures OpenDatabase.
type OpenOptions struct {
	Create        bool
	ReadOnly      bool
	Encryption    EncryptionAlgorithm
	EncryptionKey []byte // 32 bytes, required when Encryption == EncryptionAES256
	ConfigPath    string // optional TOML override file, see internal/config
	Logger        *logging.Logger
}

const sweepBackgroundInterval = time.Minute

// Database is one open litecore database directory.
type Database struct {
	dir     string
	df      *kv.DataFile
	docs    *bothstore.BothKeyStore
	trees   *kv.KeyStore
	expiry  *expire.Expiry
	pool    *actor.Pool
	sweeper *actor.Mailbox
	notify  *actor.CrossProcessNotifier
	blobDir string
	gcm     cipher.AEAD
	log     *logging.Logger
	cfg     config.Config

	mu      sync.Mutex
	indexes map[string]*index.Index

	sweepCancel context.CancelFunc
}

// OpenDatabase opens (and optionally creates) the database directory at
// dir, laid out per spec §6: db.bbolt (primary DataFile), blobs/
// (content-addressed attachments), notify.mmap (cross-process notifier).
func OpenDatabase(dir string, opts OpenOptions) (*Database, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	log = log.Named("database")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "loading config")
	}

	if opts.Create && !opts.ReadOnly {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "creating database directory")
		}
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.NotFound, "database directory does not exist")
	}

	df, err := kv.Open(filepath.Join(dir, "db.bbolt"), kv.Options{
		ReadOnly:        opts.ReadOnly,
		SharedKeysLimit: cfg.Storage.SharedKeysCacheSize,
	}, log)
	if err != nil {
		return nil, err
	}

	blobDir := filepath.Join(dir, "blobs")
	if !opts.ReadOnly {
		if err := os.MkdirAll(blobDir, 0o700); err != nil {
			_ = df.Close()
			return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "creating blob directory")
		}
	}

	var notify *actor.CrossProcessNotifier
	if !opts.ReadOnly {
		notify, err = actor.OpenNotifier(filepath.Join(dir, "notify.mmap"))
		if err != nil {
			_ = df.Close()
			return nil, err
		}
	}

	gcm, err := buildCipher(opts)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	db := &Database{
		dir:     dir,
		df:      df,
		docs:    bothstore.Open(df, "docs"),
		trees:   kv.KeyStoreIn(df, "revtrees"),
		expiry:  expire.Open(df),
		blobDir: blobDir,
		gcm:     gcm,
		log:     log,
		cfg:     cfg,
		indexes: map[string]*index.Index{},
	}

	if !opts.ReadOnly {
		db.pool = actor.NewPool(4)
		db.sweeper = db.pool.NewMailbox()
		db.startSweeper()
	}
	return db, nil
}

func buildCipher(opts OpenOptions) (cipher.AEAD, error) {
	if opts.Encryption == EncryptionNone {
		return nil, nil
	}
	if len(opts.EncryptionKey) != 32 {
		return nil, lerr.New(lerr.LiteCore, lerr.UnsupportedEncryption, "AES-256 requires a 32-byte key")
	}
	block, err := aes.NewCipher(opts.EncryptionKey)
	if err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.CryptoError, "initializing AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.CryptoError, "initializing AES-GCM")
	}
	return gcm, nil
}

func (db *Database) encrypt(plain []byte) ([]byte, error) {
	if db.gcm == nil {
		return plain, nil
	}
	nonce := make([]byte, db.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.CryptoError, "generating nonce")
	}
	return db.gcm.Seal(nonce, nonce, plain, nil), nil
}

func (db *Database) decrypt(sealed []byte) ([]byte, error) {
	if db.gcm == nil {
		return sealed, nil
	}
	ns := db.gcm.NonceSize()
	if len(sealed) < ns {
		return nil, lerr.New(lerr.LiteCore, lerr.CryptoError, "ciphertext shorter than nonce")
	}
	out, err := db.gcm.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.CryptoError, "decrypting record body")
	}
	return out, nil
}

// Close stops the background sweeper and releases the underlying
// DataFile handle (refcounted — the file only truly closes once every
// same-process Database/DataFile sharing this path has closed).
func (db *Database) Close() error {
	if db.sweepCancel != nil {
		db.sweepCancel()
	}
	if db.sweeper != nil {
		db.sweeper.Close()
		db.sweeper.Wait()
	}
	if db.notify != nil {
		_ = db.notify.Close()
	}
	return db.df.Close()
}

// DataFile exposes the underlying storage handle for packages (like
// replicator) that need to open transactions directly against it.
func (db *Database) DataFile() *kv.DataFile { return db.df }

// Documents exposes the live+tombstone document store.
func (db *Database) Documents() *bothstore.BothKeyStore { return db.docs }

// NewReplicator builds a Replicator (component L) over this Database's own
// document store, revision tree, and blob store, so that replicated
// revisions are mediated through the same revtree/conflict machinery and
// blob content-addressing a local PutDocument/PutBlob uses, per §2's
// "Database: top-level facade wiring F+D+H+I+L".
func (db *Database) NewReplicator(conn *blip.Connection, opts replicator.Options) *replicator.Replicator {
	return replicator.New(db.df, db.docs, db, conn, opts, db.log)
}

// --- document CRUD, spec §3/§4.D ---

// PutRequest describes a document mutation.
type PutRequest struct {
	DocID       string
	Body        []byte
	ParentRevID string // "" to create a new document
	Deleted     bool
	ExpiresAt   time.Time // zero means no expiration
}

// PutResult reports the outcome of a successful PutDocument.
type PutResult struct {
	RevID    string
	Sequence uint64
}

// PutDocument creates or updates a document, maintaining its revision
// tree and the BothKeyStore's live/tombstone record, per spec §3/§4.D.
// A ParentRevID that doesn't match the document's current winning
// revision is rejected as a conflict (optimistic concurrency at the
// document-API layer; the underlying KeyStore's sequence-based MVCC
// check is not separately exercised here since the revtree already
// establishes a total order over writers of the same document).
func (db *Database) PutDocument(ctx context.Context, req PutRequest) (PutResult, error) {
	txn, err := db.df.Begin(ctx, true)
	if err != nil {
		return PutResult{}, err
	}
	res, err := db.putDocumentLocked(txn, req)
	if err != nil {
		_ = txn.Rollback()
		return PutResult{}, err
	}
	if err := txn.Commit(); err != nil {
		return PutResult{}, err
	}
	if db.notify != nil {
		_ = db.notify.Notify()
	}
	return res, nil
}

func (db *Database) putDocumentLocked(txn *kv.Txn, req PutRequest) (PutResult, error) {
	docID := []byte(req.DocID)

	tree, existingSeq, err := db.loadTree(txn, docID)
	if err != nil {
		return PutResult{}, err
	}

	var currentRevStr string
	if len(tree.Nodes) > 0 {
		if winner := tree.CurrentNode(); winner != nil {
			s, err := revid.Expand(winner.RevID)
			if err != nil {
				return PutResult{}, err
			}
			currentRevStr = s
		}
	}
	if currentRevStr != req.ParentRevID {
		return PutResult{}, lerr.New(lerr.LiteCore, lerr.Conflict,
			fmt.Sprintf("parent revision %q does not match current revision %q", req.ParentRevID, currentRevStr))
	}

	gen := 1
	var parentID revid.ID
	if req.ParentRevID != "" {
		parentID, err = revid.Compact(req.ParentRevID)
		if err != nil {
			return PutResult{}, lerr.Wrap(err, lerr.LiteCore, lerr.CorruptRevisionData, "parent revision id")
		}
		g, err := revid.Generation(parentID)
		if err != nil {
			return PutResult{}, err
		}
		gen = g + 1
	}
	newID, err := revid.Compact(fmt.Sprintf("%d-%s", gen, bodyDigest(req.Body, req.ParentRevID)))
	if err != nil {
		return PutResult{}, lerr.Wrap(err, lerr.LiteCore, lerr.CorruptRevisionData, "new revision id")
	}

	encBody, err := db.encrypt(req.Body)
	if err != nil {
		return PutResult{}, err
	}
	if err := tree.Insert(newID, encBody, parentID, req.Deleted); err != nil {
		return PutResult{}, err
	}
	tree.Sort()

	flags := kv.RecordFlags(0)
	if req.Deleted {
		flags |= kv.FlagDeleted
	}
	if tree.HasConflict() {
		flags |= kv.FlagConflicted
	}

	if err := db.internBodyKeys(txn, req.Body); err != nil {
		return PutResult{}, err
	}

	seq, err := db.docs.Put(txn, kv.RecordUpdate{
		Key: docID, Version: newID, Body: encBody, Flags: flags,
		PriorSequence: existingSeq,
	}, false)
	if err != nil {
		return PutResult{}, err
	}

	for i := range tree.Nodes {
		if revid.Compare(tree.Nodes[i].RevID, newID) == 0 {
			tree.Nodes[i].Sequence = seq
			break
		}
	}
	if err := db.trees.SetKV(txn, docID, nil, revtree.Encode(tree)); err != nil {
		return PutResult{}, err
	}

	if !req.ExpiresAt.IsZero() {
		if err := db.expiry.SetExpiration(txn, docID, req.ExpiresAt); err != nil {
			return PutResult{}, err
		}
	}

	revStr, err := revid.Expand(newID)
	if err != nil {
		return PutResult{}, err
	}
	return PutResult{RevID: revStr, Sequence: seq}, nil
}

// internBodyKeys interns every top-level property name of a document body
// into the DataFile's shared-keys table (spec §4.F), so each property name
// has one persisted token shared across documents. The stored body itself
// is not rewritten and still spells out every name. Bodies that aren't
// JSON objects (or aren't valid JSON at all) simply contribute nothing to
// intern.
func (db *Database) internBodyKeys(txn *kv.Txn, body []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}
	sk := db.df.SharedKeys()
	for name := range obj {
		if _, err := sk.InternTxn(txn, name); err != nil {
			return err
		}
	}
	return nil
}

func bodyDigest(body []byte, parentRevID string) string {
	h := sha1.New()
	h.Write([]byte(parentRevID))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (db *Database) loadTree(txn *kv.Txn, docID []byte) (*revtree.Tree, uint64, error) {
	var rec kv.Record
	ok, err := db.trees.ReadByKey(txn, docID, &rec)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return revtree.New(), 0, nil
	}
	var docRec kv.Record
	hasDoc, err := db.docs.Read(txn, docID, false, &docRec)
	if err != nil {
		return nil, 0, err
	}
	defaultSeq := uint64(0)
	if hasDoc {
		defaultSeq = docRec.Sequence
	}
	tree, err := revtree.Decode(rec.Body, defaultSeq)
	if err != nil {
		return nil, 0, err
	}
	seq := uint64(0)
	if hasDoc {
		seq = docRec.Sequence
	}
	return tree, seq, nil
}

// GetDocument returns the current (winning) revision of a document. If
// the document doesn't exist (including if it's been purged entirely),
// ok is false.
func (db *Database) GetDocument(ctx context.Context, docID string) (body []byte, revID string, deleted bool, ok bool, err error) {
	txn, err := db.df.Begin(ctx, false)
	if err != nil {
		return nil, "", false, false, err
	}
	defer txn.Rollback()

	var rec kv.Record
	found, err := db.docs.Read(txn, []byte(docID), false, &rec)
	if err != nil || !found {
		return nil, "", false, false, err
	}
	plain, err := db.decrypt(rec.Body)
	if err != nil {
		return nil, "", false, false, err
	}
	revStr, err := revid.Expand(rec.Version)
	if err != nil {
		return nil, "", false, false, err
	}
	return plain, revStr, rec.Flags&kv.FlagDeleted != 0, true, nil
}

// GetRevision returns one specific historical revision's body from the
// copy stored inline in the revision tree. The Database installs no
// revtree.BodyReader, so a revision without an inline body reports
// ok=false.
func (db *Database) GetRevision(ctx context.Context, docID, revID string) ([]byte, bool, error) {
	txn, err := db.df.Begin(ctx, false)
	if err != nil {
		return nil, false, err
	}
	defer txn.Rollback()

	tree, _, err := db.loadTree(txn, []byte(docID))
	if err != nil {
		return nil, false, err
	}
	want, err := revid.Compact(revID)
	if err != nil {
		return nil, false, lerr.Wrap(err, lerr.LiteCore, lerr.CorruptRevisionData, "revision id")
	}
	for i := range tree.Nodes {
		if revid.Compare(tree.Nodes[i].RevID, want) == 0 {
			body, ok, err := tree.Body(&tree.Nodes[i])
			if err != nil || !ok {
				return nil, false, err
			}
			return db.decryptOrReturn(body)
		}
	}
	return nil, false, nil
}

func (db *Database) decryptOrReturn(body []byte) ([]byte, bool, error) {
	plain, err := db.decrypt(body)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

// DeleteDocument tombstones a document; parentRevID must name the
// current winning revision.
func (db *Database) DeleteDocument(ctx context.Context, docID, parentRevID string) (PutResult, error) {
	return db.PutDocument(ctx, PutRequest{DocID: docID, ParentRevID: parentRevID, Deleted: true})
}

// --- indexing, spec §4.H ---

// CreateIndex defines a new secondary index named name, keyed by emit,
// and (re)builds it over every current live document.
func (db *Database) CreateIndex(ctx context.Context, name string, emit func(body []byte) []index.Emit) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	txn, err := db.df.Begin(ctx, true)
	if err != nil {
		return err
	}
	if err := db.rebuildIndexLocked(txn, name, emit); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := db.docs.Live.CreateIndex(txn, kv.IndexSpec{Name: name}); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	db.indexes[name] = index.Open(db.df, name)
	return nil
}

func (db *Database) rebuildIndexLocked(txn *kv.Txn, name string, emit func([]byte) []index.Emit) error {
	ix := index.Open(db.df, name)
	enum, err := db.docs.Live.NewSequenceEnumerator(txn, kv.EnumOptions{})
	if err != nil {
		return err
	}
	var rec kv.Record
	for {
		ok, err := enum.Next(&rec)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		plain, err := db.decrypt(rec.Body)
		if err != nil {
			return err
		}
		if err := ix.Put(txn, rec.Key, emit(plain)); err != nil {
			return err
		}
	}
	return nil
}

// DropIndex removes a previously created index and its metadata.
func (db *Database) DropIndex(ctx context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	txn, err := db.df.Begin(ctx, true)
	if err != nil {
		return err
	}
	if err := db.docs.Live.DeleteIndex(txn, name); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	delete(db.indexes, name)
	return nil
}

// QueryIndex runs a multi-range query over a created index.
func (db *Database) QueryIndex(ctx context.Context, name string, ranges []index.Range, descending bool) ([]index.Row, error) {
	db.mu.Lock()
	ix, ok := db.indexes[name]
	db.mu.Unlock()
	if !ok {
		return nil, lerr.New(lerr.LiteCore, lerr.NotFound, "no such index: "+name)
	}

	txn, err := db.df.Begin(ctx, false)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	enum, err := ix.NewEnumerator(txn, ranges, descending)
	if err != nil {
		return nil, err
	}
	var rows []index.Row
	for {
		row, ok, err := enum.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// --- blobs, spec §6 ---

// PutBlob stores data content-addressed by its SHA-1 digest (base32,
// matching the classic Couchbase Lite blob-store naming scheme) and
// returns the digest string used to retrieve it later.
func (db *Database) PutBlob(data []byte) (string, error) {
	sum := sha1.Sum(data)
	name := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	path := filepath.Join(db.blobDir, name+".blob")
	if _, err := os.Stat(path); err == nil {
		return name, nil // already stored, content-addressed so identical
	}
	enc, err := db.encrypt(data)
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, enc, 0o600); err != nil {
		return "", lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "writing blob")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "installing blob")
	}
	return name, nil
}

// GetBlob retrieves blob content by the digest PutBlob returned.
func (db *Database) GetBlob(digest string) ([]byte, error) {
	path := filepath.Join(db.blobDir, digest+".blob")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, lerr.New(lerr.LiteCore, lerr.NotFound, "no such blob: "+digest)
		}
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "reading blob")
	}
	return db.decrypt(raw)
}

// --- background expiration sweep, spec §4.I ---

func (db *Database) startSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	db.sweepCancel = cancel
	err := db.sweeper.Enqueue(func() {
		_ = db.expiry.RunSweeper(ctx, func(ctx context.Context) (*kv.Txn, error) {
			return db.df.Begin(ctx, true)
		}, sweepBackgroundInterval, func(txn *kv.Txn, e expire.Expired) error {
			_, err := db.docs.Put(txn, kv.RecordUpdate{
				Key: e.DocID, Flags: kv.FlagDeleted,
			}, false)
			return err
		})
		if err != nil && ctx.Err() == nil {
			db.log.Warn("expiration sweeper stopped", "error", err)
		}
	})
	if err != nil {
		db.log.Warn("failed to start expiration sweeper", "error", err)
	}
}
