package replicator

import (
	"crypto/sha1"
	"encoding/base32"

	"github.com/litecore-go/litecore/blip"
	"github.com/litecore-go/litecore/internal/lerr"
)

// AttachmentRequest asks the peer for blob content by content digest, per
// spec §4.L's blob-transfer profile.
type AttachmentRequest struct {
	Digest string `json:"digest"`
}

// BuildGetAttachmentMessage builds a "getAttachment" request for digest.
func BuildGetAttachmentMessage(digest string) *blip.Message {
	msg := blip.NewRequest("getAttachment")
	msg.SetProperty("digest", digest)
	return msg
}

// ParseGetAttachmentMessage recovers the requested digest from a
// "getAttachment" request.
func ParseGetAttachmentMessage(msg *blip.Message) (AttachmentRequest, error) {
	digest, ok := msg.Property("digest")
	if !ok {
		return AttachmentRequest{}, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "getAttachment request missing digest property")
	}
	return AttachmentRequest{Digest: digest}, nil
}

// BuildGetAttachmentResponse wraps the raw blob bytes as a response to req.
func BuildGetAttachmentResponse(req *blip.Message, data []byte) *blip.Message {
	out := blip.NewResponse(req)
	out.Body = data
	out.SetProperty("Content-Type", "application/octet-stream")
	return out
}

// blobDigest returns the content digest PutBlob uses, for verifying
// fetched attachment content before installing it locally.
func blobDigest(data []byte) string {
	sum := sha1.Sum(data)
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
}

// installFetchedBlob verifies that data's digest matches the one requested
// before handing it to the local blob store, so a tampered or mismatched
// response can't be installed under the wrong content address.
func installFetchedBlob(blobs BlobStore, wantDigest string, data []byte) error {
	if got := blobDigest(data); got != wantDigest {
		return lerr.New(lerr.LiteCore, lerr.CorruptRevisionData,
			"fetched attachment digest mismatch: wanted "+wantDigest+", got "+got)
	}
	_, err := blobs.PutBlob(data)
	return err
}
