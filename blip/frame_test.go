package blip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitFramesSmallPayloadIsOneFrame(t *testing.T) {
	frames := splitFrames(1, 0, []byte("hi"))
	require.Len(t, frames, 1)
	require.Equal(t, FrameFlags(0), frames[0].flags&MoreComing)
}

func TestSplitFramesLargePayloadSetsMoreComing(t *testing.T) {
	big := strings.Repeat("x", maxFrameSize*2+10)
	frames := splitFrames(1, 0, []byte(big))
	require.Greater(t, len(frames), 1)
	for _, f := range frames[:len(frames)-1] {
		require.NotZero(t, f.flags&MoreComing)
	}
	require.Zero(t, frames[len(frames)-1].flags&MoreComing)
}

func TestReassemblerJoinsMultiFrameMessage(t *testing.T) {
	msg := NewRequest("rev")
	msg.Body = []byte(strings.Repeat("y", maxFrameSize*3))
	payload := marshalPayload(msg)
	frames := splitFrames(42, FrameFlags(TypeRequest), payload)

	r := newReassembler()
	var got *Message
	for _, f := range frames {
		m, err := r.Add(f)
		require.NoError(t, err)
		if m != nil {
			got = m
		}
	}
	require.NotNil(t, got)
	require.Equal(t, uint32(42), got.Number)
	require.Equal(t, "rev", got.Profile())
	require.Equal(t, msg.Body, got.Body)
}

func TestCompressedPayloadRoundTrip(t *testing.T) {
	msg := NewRequest("changes")
	msg.Body = []byte(strings.Repeat("compress-me ", 500))
	payload := marshalPayload(msg)
	compressed, err := compressPayload(payload)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(payload))

	frames := splitFrames(5, FrameFlags(TypeRequest)|Compressed, compressed)
	r := newReassembler()
	var got *Message
	for _, f := range frames {
		m, err := r.Add(f)
		require.NoError(t, err)
		if m != nil {
			got = m
		}
	}
	require.NotNil(t, got)
	require.Equal(t, msg.Body, got.Body)
}
