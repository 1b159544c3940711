package replicator

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/goccy/go-json"

	"github.com/litecore-go/litecore/internal/lerr"
	"github.com/litecore-go/litecore/kv"
)

// Checkpoint is the per-peer replication progress marker, spec §4.L.
type Checkpoint struct {
	Local  uint64 `json:"local"`
	Remote string `json:"remote"`
}

// CheckpointID derives the stable ID under which a Checkpoint is stored:
// SHA-1 of (databaseUUID, peerURL, collection), hex-encoded.
func CheckpointID(databaseUUID, peerURL, collection string) string {
	h := sha1.New()
	h.Write([]byte(databaseUUID))
	h.Write([]byte{0})
	h.Write([]byte(peerURL))
	h.Write([]byte{0})
	h.Write([]byte(collection))
	return "checkpoint/" + hex.EncodeToString(h.Sum(nil))
}

// CheckpointStore persists Checkpoints in a DataFile's "info" KeyStore.
type CheckpointStore struct {
	ks *kv.KeyStore
}

func NewCheckpointStore(df *kv.DataFile) *CheckpointStore {
	return &CheckpointStore{ks: kv.KeyStoreIn(df, "info")}
}

// Load reads the checkpoint stored under id, returning the zero value if
// none exists yet.
func (s *CheckpointStore) Load(txn *kv.Txn, id string) (Checkpoint, error) {
	var rec kv.Record
	ok, err := s.ks.ReadByKey(txn, []byte(id), &rec)
	if err != nil {
		return Checkpoint{}, err
	}
	if !ok {
		return Checkpoint{}, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(rec.Body, &cp); err != nil {
		return Checkpoint{}, lerr.Wrap(err, lerr.LiteCore, lerr.CorruptRevisionData, "decoding checkpoint "+id)
	}
	return cp, nil
}

// Save persists cp under id.
func (s *CheckpointStore) Save(txn *kv.Txn, id string, cp Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "encoding checkpoint "+id)
	}
	return s.ks.SetKV(txn, []byte(id), nil, body)
}
