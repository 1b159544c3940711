package replicator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/litecore-go/litecore/blip"
	"github.com/litecore-go/litecore/internal/lerr"
	"github.com/litecore-go/litecore/internal/logging"
	"github.com/litecore-go/litecore/kv"
	"github.com/litecore-go/litecore/kv/bothstore"
	"github.com/litecore-go/litecore/revid"
	"github.com/litecore-go/litecore/revtree"
)

// Direction selects which workflows Replicator.Start runs.
type Direction int

const (
	Push Direction = 1 << iota
	Pull
)

const changesBatchSize = 200

// Options configures a Replicator, per spec §4.L's "Parameters".
type Options struct {
	Direction    Direction
	Continuous   bool
	Collection   string
	DatabaseUUID string
	PeerURL      string

	// NoConflicts rejects an incoming revision outright (instead of
	// inserting it as a second leaf and flagging FlagConflicted) whenever
	// it would create a conflict, per spec §4.L's no-conflicts-mode.
	NoConflicts bool
}

// BlobStore gives a Replicator content-addressed access to the local blob
// store so it can serve and fetch attachments over the "getAttachment"
// BLIP profile (spec §4.L). *litecore.Database implements this.
type BlobStore interface {
	PutBlob(data []byte) (digest string, err error)
	GetBlob(digest string) ([]byte, error)
}

// Replicator drives push/pull replication of one BothKeyStore's documents
// over a blip.Connection, per spec §4.L.
//
// Incoming revisions are mediated through the same revtree.Tree and
// "revtrees" KeyStore a Database's own document writes use, so a pulled
// revision takes part in the document's real conflict/history machinery
// instead of overwriting the flat current-revision record directly.
type Replicator struct {
	df          *kv.DataFile
	docs        *bothstore.BothKeyStore
	trees       *kv.KeyStore
	checkpoints *CheckpointStore
	echo        *EchoCancelSet
	blobs       BlobStore
	conn        *blip.Connection
	opts        Options
	log         *logging.Logger

	activity activityState
	cancel   context.CancelFunc
}

// New creates a Replicator over docs, communicating via conn. blobs may be
// nil, in which case the replicator neither serves nor fetches attachments.
func New(df *kv.DataFile, docs *bothstore.BothKeyStore, blobs BlobStore, conn *blip.Connection, opts Options, log *logging.Logger) *Replicator {
	if log == nil {
		log = logging.Nop()
	}
	return &Replicator{
		df:          df,
		docs:        docs,
		trees:       kv.KeyStoreIn(df, "revtrees"),
		checkpoints: NewCheckpointStore(df),
		echo:        NewEchoCancelSet(0),
		blobs:       blobs,
		conn:        conn,
		opts:        opts,
		log:         log.Named("replicator"),
	}
}

// ActivityLevel returns the current lifecycle state.
func (r *Replicator) ActivityLevel() ActivityLevel { return r.activity.Get() }

// OnActivityChange registers a callback invoked whenever the activity
// level transitions.
func (r *Replicator) OnActivityChange(fn func(ActivityLevel)) { r.activity.OnChange(fn) }

func (r *Replicator) checkpointID() string {
	return CheckpointID(r.opts.DatabaseUUID, r.opts.PeerURL, r.opts.Collection)
}

// Start transitions to Connecting, registers the BLIP handlers (pull
// handlers if Pull is requested; no handshake message is exchanged),
// fetches the checkpoint, transitions to Idle, and — if Push is
// requested — begins pushing. Without Continuous it returns once one push
// pass completes; with Continuous and Push it keeps polling for changes
// until ctx is canceled or Stop is called.
func (r *Replicator) Start(ctx context.Context) error {
	r.activity.Set(Connecting)
	ctx, r.cancel = context.WithCancel(ctx)

	if r.opts.Direction&Pull != 0 {
		r.registerPullHandlers()
	}
	if r.blobs != nil {
		r.conn.HandleFunc("getAttachment", r.handleGetAttachment)
	}

	var cp Checkpoint
	err := r.withTxn(ctx, false, func(txn *kv.Txn) error {
		var err error
		cp, err = r.checkpoints.Load(txn, r.checkpointID())
		return err
	})
	if err != nil {
		r.activity.Set(Stopped)
		return err
	}
	r.activity.Set(Idle)

	if r.opts.Direction&Push != 0 {
		if err := r.runPushLoop(ctx, cp); err != nil {
			return r.handleNetworkError(ctx, err)
		}
	}
	return nil
}

// Stop posts a terminal cancellation; work already in flight completes.
func (r *Replicator) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.activity.Set(Stopped)
}

func (r *Replicator) handleNetworkError(ctx context.Context, err error) error {
	if lerr.Is(err, lerr.WebSocket, lerr.UnexpectedError) || lerr.Is(err, lerr.Network, lerr.Timeout) {
		r.activity.Set(Offline)
		if !r.opts.Continuous {
			return err
		}
		return backoff.Retry(func() error {
			return r.runPushLoop(ctx, Checkpoint{})
		}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	}
	r.activity.Set(Stopped)
	return err
}

func (r *Replicator) withTxn(ctx context.Context, writable bool, fn func(*kv.Txn) error) error {
	txn, err := r.df.Begin(ctx, writable)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

// runPushLoop implements spec §4.L's push workflow steps 1-6, running
// once (or, for Continuous replications, until ctx is canceled — a
// simplified polling loop rather than a live change-notification feed).
func (r *Replicator) runPushLoop(ctx context.Context, cp Checkpoint) error {
	for {
		r.activity.Set(Busy)
		advanced, err := r.pushOneBatch(ctx, &cp)
		if err != nil {
			return err
		}
		r.activity.Set(Idle)
		if !r.opts.Continuous {
			return nil
		}
		if !advanced {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

func (r *Replicator) pushOneBatch(ctx context.Context, cp *Checkpoint) (bool, error) {
	var entries []ChangeEntry
	var recs []kv.Record

	err := r.withTxn(ctx, false, func(txn *kv.Txn) error {
		enum, err := r.docs.Live.NewSequenceEnumerator(txn, kv.EnumOptions{MinSequence: cp.Local + 1})
		if err != nil {
			return err
		}
		var rec kv.Record
		for len(entries) < changesBatchSize {
			ok, err := enum.Next(&rec)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			docID := string(rec.Key)
			revID, err := revid.Expand(rec.Version)
			if err != nil {
				return lerr.Wrap(err, lerr.LiteCore, lerr.CorruptRevisionData, "expanding local revision id")
			}
			if r.echo.TakeIfPresent(docID, revID) {
				continue // this exact write originated from this same peer's pull
			}
			entries = append(entries, ChangeEntry{
				DocID: docID, RevID: revID, Sequence: rec.Sequence,
				Flags: int(rec.Flags), BodySize: len(rec.Body),
			})
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}

	msg, err := BuildChangesMessage(entries)
	if err != nil {
		return false, err
	}
	respMsg, err := r.conn.Send(ctx, msg)
	if err != nil {
		return false, lerr.Wrap(err, lerr.Network, lerr.Timeout, "sending changes")
	}
	resp, err := ParseChangesResponse(respMsg)
	if err != nil {
		return false, err
	}

	for _, idx := range resp.Wanted {
		if idx < 0 || idx >= len(entries) {
			continue
		}
		rev := RevMessage{
			DocID:   entries[idx].DocID,
			RevID:   entries[idx].RevID,
			Body:    recs[idx].Body,
			Deleted: recs[idx].Flags&kv.FlagDeleted != 0,
		}
		revMsg, err := BuildRevMessage(rev)
		if err != nil {
			return false, err
		}
		if _, err := r.conn.Send(ctx, revMsg); err != nil {
			return false, lerr.Wrap(err, lerr.Network, lerr.Timeout, "sending rev")
		}
	}

	cp.Local = entries[len(entries)-1].Sequence
	err = r.withTxn(ctx, true, func(txn *kv.Txn) error {
		return r.checkpoints.Save(txn, r.checkpointID(), *cp)
	})
	return true, err
}

// registerPullHandlers wires the "changes" and "rev" BLIP profiles for
// the pull side of the workflow.
func (r *Replicator) registerPullHandlers() {
	r.conn.HandleFunc("changes", r.handleChanges)
	r.conn.HandleFunc("rev", r.handleRev)
}

func (r *Replicator) handleChanges(ctx context.Context, conn *blip.Connection, msg *blip.Message) (*blip.Message, error) {
	entries, err := ParseChangesMessage(msg)
	if err != nil {
		return nil, err
	}
	var resp ChangesResponse
	err = r.withTxn(ctx, false, func(txn *kv.Txn) error {
		for i, e := range entries {
			var rec kv.Record
			ok, err := r.docs.Read(txn, []byte(e.DocID), false, &rec)
			if err != nil {
				return err
			}
			if !ok {
				resp.Wanted = append(resp.Wanted, i)
				continue
			}
			localRevID, err := revid.Expand(rec.Version)
			if err != nil {
				return lerr.Wrap(err, lerr.LiteCore, lerr.CorruptRevisionData, "expanding local revision id")
			}
			if localRevID != e.RevID {
				resp.Wanted = append(resp.Wanted, i)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return BuildChangesResponse(msg, resp)
}

// loadTree reads docID's revision tree (and current sequence, for
// PriorSequence bookkeeping on the write that follows), mirroring
// Database.loadTree so a pulled revision lands in the exact same
// "revtrees" KeyStore a local Put would use.
func (r *Replicator) loadTree(txn *kv.Txn, docID []byte) (*revtree.Tree, uint64, error) {
	var rec kv.Record
	ok, err := r.trees.ReadByKey(txn, docID, &rec)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return revtree.New(), 0, nil
	}
	var docRec kv.Record
	hasDoc, err := r.docs.Read(txn, docID, false, &docRec)
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

// handleRev inserts a pulled revision into the document's revision tree
// (component D) — the same structure a local PutDocument writes through —
// instead of overwriting the flat current-revision record directly. This
// keeps GetRevision/conflict detection correct for documents touched by
// replication, per spec §4.L.
func (r *Replicator) handleRev(ctx context.Context, conn *blip.Connection, msg *blip.Message) (*blip.Message, error) {
	rev, err := ParseRevMessage(msg)
	if err != nil {
		return nil, err
	}
	docID := []byte(rev.DocID)

	newID, err := revid.Compact(rev.RevID)
	if err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.CorruptRevisionData, "incoming revision id")
	}
	chain := make([]revid.ID, 0, 1+len(rev.History))
	chain = append(chain, newID)
	for _, h := range rev.History {
		id, err := revid.Compact(h)
		if err != nil {
			return nil, lerr.Wrap(err, lerr.LiteCore, lerr.CorruptRevisionData, "incoming history entry")
		}
		chain = append(chain, id)
	}

	err = r.withTxn(ctx, true, func(txn *kv.Txn) error {
		tree, existingSeq, err := r.loadTree(txn, docID)
		if err != nil {
			return err
		}

		for i := range tree.Nodes {
			if revid.Compare(tree.Nodes[i].RevID, newID) == 0 {
				return nil // rev.RevID is already present locally: nothing to do.
			}
		}
		if _, err := tree.InsertHistory(chain, rev.Body, rev.Deleted); err != nil {
			if lerr.Is(err, lerr.LiteCore, lerr.Conflict) {
				// The history shares no revision with a local tree that
				// already has a root; the revision is not inserted.
				return nil
			}
			return err
		}
		tree.Sort()

		if r.opts.NoConflicts && tree.HasConflict() {
			return lerr.New(lerr.LiteCore, lerr.Conflict,
				"rejecting revision: replicator runs in no-conflicts mode and this insertion would create a conflict")
		}

		winner := tree.CurrentNode()
		winnerBody, ok, err := tree.Body(winner)
		if err != nil {
			return err
		}
		if !ok {
			winnerBody = nil
		}

		flags := kv.RecordFlags(0)
		if winner.IsDeleted() {
			flags |= kv.FlagDeleted
		}
		if tree.HasConflict() {
			flags |= kv.FlagConflicted
		}

		seq, err := r.docs.Put(txn, kv.RecordUpdate{
			Key: docID, Version: winner.RevID, Body: winnerBody, Flags: flags,
			PriorSequence: existingSeq,
		}, false)
		if err != nil {
			return err
		}
		for i := range tree.Nodes {
			if revid.Compare(tree.Nodes[i].RevID, winner.RevID) == 0 {
				tree.Nodes[i].Sequence = seq
				break
			}
		}
		if err := r.trees.SetKV(txn, docID, nil, revtree.Encode(tree)); err != nil {
			return err
		}
		r.echo.Mark(rev.DocID, rev.RevID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.blobs != nil && len(rev.BlobKeys) > 0 {
		if err := r.fetchMissingBlobs(ctx, rev.BlobKeys); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// fetchMissingBlobs requests, over the same connection, every digest in
// keys that isn't already present in the local blob store.
func (r *Replicator) fetchMissingBlobs(ctx context.Context, keys []string) error {
	for _, digest := range keys {
		if _, err := r.blobs.GetBlob(digest); err == nil {
			continue // already have it
		}
		respMsg, err := r.conn.Send(ctx, BuildGetAttachmentMessage(digest))
		if err != nil {
			return lerr.Wrap(err, lerr.Network, lerr.Timeout, "fetching attachment "+digest)
		}
		if err := installFetchedBlob(r.blobs, digest, respMsg.Body); err != nil {
			return err
		}
	}
	return nil
}

// handleGetAttachment serves one blob by content digest, per spec §4.L's
// blob-transfer profile.
func (r *Replicator) handleGetAttachment(ctx context.Context, conn *blip.Connection, msg *blip.Message) (*blip.Message, error) {
	req, err := ParseGetAttachmentMessage(msg)
	if err != nil {
		return nil, err
	}
	data, err := r.blobs.GetBlob(req.Digest)
	if err != nil {
		return nil, err
	}
	return BuildGetAttachmentResponse(msg, data), nil
}

// NewDatabaseUUID mints a fresh database identity for checkpoint IDs.
func NewDatabaseUUID() string { return uuid.NewString() }
