// Package blip implements the BLIP framed, multiplexed request/response
// protocol (spec §4.K) used as replication's wire protocol: messages are
// split into frames so a large message can't starve small ones sharing
// the same WebSocket connection.
package blip

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/litecore-go/litecore/internal/lerr"
)

// MessageType is the low 3 bits of FrameFlags.
type MessageType byte

const (
	TypeRequest     MessageType = 0
	TypeResponse    MessageType = 1
	TypeError       MessageType = 2
	TypeAckRequest  MessageType = 4
	TypeAckResponse MessageType = 5
)

// FrameFlags are the per-frame bits carried on every wire frame.
type FrameFlags byte

const (
	TypeMask   FrameFlags = 0x07
	Compressed FrameFlags = 0x08
	Urgent     FrameFlags = 0x10
	NoReply    FrameFlags = 0x20
	MoreComing FrameFlags = 0x40
	Meta       FrameFlags = 0x80
)

func (f FrameFlags) Type() MessageType { return MessageType(f & TypeMask) }

// Message is one complete BLIP message: a property set plus a body.
// Properties preserve insertion order (BLIP properties are an ordered
// sequence of NUL-terminated strings on the wire, not a JSON object).
type Message struct {
	Number     uint32
	Flags      FrameFlags
	PropKeys   []string
	PropValues []string
	Body       []byte
}

// NewRequest creates an outgoing request message for the given profile.
func NewRequest(profile string) *Message {
	m := &Message{}
	m.SetProperty("Profile", profile)
	return m
}

// NewResponse creates a response to req, carrying req's MessageNo and
// Type(Response).
func NewResponse(req *Message) *Message {
	return &Message{Number: req.Number, Flags: FrameFlags(TypeResponse)}
}

// NewErrorResponse creates an Error-typed response carrying the LiteCore
// error envelope as properties, per spec §4.K's "Error envelope".
func NewErrorResponse(req *Message, env *lerr.Envelope) *Message {
	m := &Message{Number: req.Number, Flags: FrameFlags(TypeError)}
	m.SetProperty("Error-Domain", env.Domain)
	m.SetProperty("Error-Code", fmt.Sprintf("%d", env.Code))
	m.SetProperty("Error-Message", env.Message)
	return m
}

// SetProperty sets (or appends, if unseen) a property.
func (m *Message) SetProperty(key, value string) {
	for i, k := range m.PropKeys {
		if k == key {
			m.PropValues[i] = value
			return
		}
	}
	m.PropKeys = append(m.PropKeys, key)
	m.PropValues = append(m.PropValues, value)
}

// Property returns a property's value and whether it was present.
func (m *Message) Property(key string) (string, bool) {
	for i, k := range m.PropKeys {
		if k == key {
			return m.PropValues[i], true
		}
	}
	return "", false
}

// Profile is a convenience accessor for the "Profile" property.
func (m *Message) Profile() string {
	p, _ := m.Property("Profile")
	return p
}

// SetJSONBody marshals v with goccy/go-json and sets it as the body,
// also setting a Content-Type property the way BLIP message bodies
// conventionally advertise their encoding.
func (m *Message) SetJSONBody(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "marshaling BLIP JSON body")
	}
	m.Body = b
	m.SetProperty("Content-Type", "application/json")
	return nil
}

// JSONBody unmarshals the message body into v.
func (m *Message) JSONBody(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "unmarshaling BLIP JSON body")
	}
	return nil
}

// encodeProperties renders PropKeys/PropValues as the wire format: a
// varint byte-length followed by alternating NUL-terminated name/value
// strings.
func encodeProperties(keys, values []string) []byte {
	var body bytes.Buffer
	for i := range keys {
		body.WriteString(keys[i])
		body.WriteByte(0)
		body.WriteString(values[i])
		body.WriteByte(0)
	}
	var out bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(body.Len()))
	out.Write(lenBuf[:n])
	out.Write(body.Bytes())
	return out.Bytes()
}

// decodeProperties parses the wire format produced by encodeProperties,
// returning the keys/values and the number of bytes consumed.
func decodeProperties(data []byte) (keys, values []string, consumed int, err error) {
	propLen, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, 0, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "malformed BLIP properties length")
	}
	if n+int(propLen) > len(data) {
		return nil, nil, 0, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "truncated BLIP properties block")
	}
	block := data[n : n+int(propLen)]
	pos := 0
	for pos < len(block) {
		nameEnd := bytes.IndexByte(block[pos:], 0)
		if nameEnd < 0 {
			return nil, nil, 0, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "unterminated BLIP property name")
		}
		name := string(block[pos : pos+nameEnd])
		pos += nameEnd + 1
		valEnd := bytes.IndexByte(block[pos:], 0)
		if valEnd < 0 {
			return nil, nil, 0, lerr.New(lerr.LiteCore, lerr.CorruptRevisionData, "unterminated BLIP property value")
		}
		value := string(block[pos : pos+valEnd])
		pos += valEnd + 1
		keys = append(keys, name)
		values = append(values, value)
	}
	return keys, values, n + int(propLen), nil
}

// marshalPayload renders a Message's properties+body into the single
// byte stream that gets split into frames.
func marshalPayload(m *Message) []byte {
	props := encodeProperties(m.PropKeys, m.PropValues)
	out := make([]byte, 0, len(props)+len(m.Body))
	out = append(out, props...)
	out = append(out, m.Body...)
	return out
}

// unmarshalPayload is marshalPayload's inverse.
func unmarshalPayload(payload []byte, m *Message) error {
	keys, values, consumed, err := decodeProperties(payload)
	if err != nil {
		return err
	}
	m.PropKeys, m.PropValues = keys, values
	m.Body = payload[consumed:]
	return nil
}
