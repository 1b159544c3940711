package lerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIs(t *testing.T) {
	err := New(LiteCore, Conflict, "stale sequence")
	require.True(t, Is(err, LiteCore, Conflict))
	require.False(t, Is(err, LiteCore, NotFound))
}

func TestWrapUnwrap(t *testing.T) {
	base := errors.New("disk full")
	wrapped := Wrap(base, LiteCore, UnexpectedError, "commit failed")
	require.ErrorContains(t, wrapped, "disk full")
	require.ErrorContains(t, wrapped, "commit failed")
}

func TestToExternal(t *testing.T) {
	env := ToExternal(New(Network, Timeout, "dial timed out"))
	require.Equal(t, "Network", env.Domain)
	require.Equal(t, int(Timeout), env.Code)

	env2 := ToExternal(errors.New("plain"))
	require.Equal(t, "LiteCore", env2.Domain)
	require.Equal(t, int(UnexpectedError), env2.Code)

	require.Nil(t, ToExternal(nil))
}
