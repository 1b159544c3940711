package actor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifierSeesAnotherHandlesNotify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.db")
	a, err := OpenNotifier(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenNotifier(path)
	require.NoError(t, err)
	defer b.Close()

	gen := b.Generation()
	require.NoError(t, a.Notify())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	newGen, err := b.WaitForChange(ctx, gen, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, gen+1, newGen)
}

func TestWaitForChangeRespectsContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify2.db")
	n, err := OpenNotifier(path)
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = n.WaitForChange(ctx, n.Generation(), 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
