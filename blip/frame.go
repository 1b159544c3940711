package blip

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/litecore-go/litecore/internal/lerr"
)

// maxFrameSize bounds how much payload a single wire frame carries, so
// one large message can't monopolize the connection (spec §4.K).
const maxFrameSize = 16 * 1024

// frame is one wire frame: (MessageNo varint, FrameFlags byte, bytes...).
type frame struct {
	messageNo uint32
	flags     FrameFlags
	payload   []byte
}

func encodeFrame(f frame) []byte {
	var buf bytes.Buffer
	var numBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(numBuf[:], uint64(f.messageNo))
	buf.Write(numBuf[:n])
	buf.WriteByte(byte(f.flags))
	buf.Write(f.payload)
	return buf.Bytes()
}

func decodeFrame(data []byte) (frame, error) {
	num, n := binary.Uvarint(data)
	if n <= 0 || n >= len(data) {
		return frame{}, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "malformed BLIP frame header")
	}
	return frame{
		messageNo: uint32(num),
		flags:     FrameFlags(data[n]),
		payload:   data[n+1:],
	}, nil
}

// compressPayload deflates payload per spec §4.K's Compressed flag.
func compressPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "creating deflate writer")
	}
	if _, err := w.Write(payload); err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "deflating BLIP payload")
	}
	if err := w.Close(); err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "closing deflate writer")
	}
	return buf.Bytes(), nil
}

// decompressPayload is the inverse of compressPayload: it inflates the
// whole payload into one in-memory buffer and returns it. The output is
// not streamed to a JSON decoder or any other consumer.
func decompressPayload(payload []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(payload))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "inflating BLIP payload")
	}
	return out, nil
}

// splitFrames breaks payload into <= maxFrameSize chunks, each tagged
// with baseFlags plus MoreComing on every frame but the last.
func splitFrames(messageNo uint32, baseFlags FrameFlags, payload []byte) []frame {
	if len(payload) == 0 {
		return []frame{{messageNo: messageNo, flags: baseFlags, payload: nil}}
	}
	var frames []frame
	for off := 0; off < len(payload); off += maxFrameSize {
		end := off + maxFrameSize
		if end > len(payload) {
			end = len(payload)
		}
		flags := baseFlags
		if end < len(payload) {
			flags |= MoreComing
		}
		frames = append(frames, frame{messageNo: messageNo, flags: flags, payload: payload[off:end]})
	}
	return frames
}

// reassembler accumulates frames for in-flight messages keyed by
// MessageNo until the final (non-MoreComing) frame arrives.
type reassembler struct {
	partial map[uint32]*bytes.Buffer
	flags   map[uint32]FrameFlags
}

func newReassembler() *reassembler {
	return &reassembler{partial: map[uint32]*bytes.Buffer{}, flags: map[uint32]FrameFlags{}}
}

// Add feeds one frame in; it returns the completed Message once the final
// frame for its MessageNo has arrived, with compression already undone.
func (r *reassembler) Add(f frame) (*Message, error) {
	buf, ok := r.partial[f.messageNo]
	if !ok {
		buf = &bytes.Buffer{}
		r.partial[f.messageNo] = buf
	}
	buf.Write(f.payload)
	r.flags[f.messageNo] = f.flags // last frame's flags (sans MoreComing) describe the whole message

	if f.flags&MoreComing != 0 {
		return nil, nil
	}
	delete(r.partial, f.messageNo)
	flags := r.flags[f.messageNo]
	delete(r.flags, f.messageNo)

	payload := buf.Bytes()
	if flags&Compressed != 0 {
		decoded, err := decompressPayload(payload)
		if err != nil {
			return nil, err
		}
		payload = decoded
	}
	m := &Message{Number: f.messageNo, Flags: flags &^ MoreComing}
	if err := unmarshalPayload(payload, m); err != nil {
		return nil, err
	}
	return m, nil
}
