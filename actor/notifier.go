package actor

import (
	"context"
	"encoding/binary"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"

	"github.com/litecore-go/litecore/internal/lerr"
)

// CrossProcessNotifier lets unrelated processes sharing a DataFile notify
// each other of changes via a tiny memory-mapped generation counter,
// mirroring LiteCore's CrossProcessNotifier/cblnotify. There is no
// cross-process wakeup primitive in the standard library, so waiters poll
// the mapped counter rather than blocking on it.
type CrossProcessNotifier struct {
	path string
	f    *os.File
	data mmap.MMap
	fl   *flock.Flock
}

// OpenNotifier opens (creating if necessary) the 8-byte generation counter
// file at path.
func OpenNotifier(path string) (*CrossProcessNotifier, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, lerr.Wrap(err, lerr.POSIX, lerr.UnexpectedError, "opening notifier file")
	}
	if info, err := f.Stat(); err == nil && info.Size() < 8 {
		if err := f.Truncate(8); err != nil {
			_ = f.Close()
			return nil, lerr.Wrap(err, lerr.POSIX, lerr.UnexpectedError, "sizing notifier file")
		}
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		_ = f.Close()
		return nil, lerr.Wrap(err, lerr.POSIX, lerr.UnexpectedError, "mapping notifier file")
	}
	return &CrossProcessNotifier{path: path, f: f, data: data, fl: flock.New(path + ".lock")}, nil
}

// Notify bumps the shared generation counter, waking any process polling
// WaitForChange.
func (n *CrossProcessNotifier) Notify() error {
	if err := n.fl.Lock(); err != nil {
		return lerr.Wrap(err, lerr.POSIX, lerr.Busy, "locking notifier")
	}
	defer n.fl.Unlock()
	v := binary.LittleEndian.Uint64(n.data)
	binary.LittleEndian.PutUint64(n.data, v+1)
	if err := n.data.Flush(); err != nil {
		return lerr.Wrap(err, lerr.POSIX, lerr.UnexpectedError, "flushing notifier")
	}
	return nil
}

// Generation returns the current counter value.
func (n *CrossProcessNotifier) Generation() uint64 {
	return binary.LittleEndian.Uint64(n.data)
}

// WaitForChange polls until Generation() differs from since, ctx is
// canceled, or the poll interval check observes cancellation.
func (n *CrossProcessNotifier) WaitForChange(ctx context.Context, since uint64, interval time.Duration) (uint64, error) {
	if g := n.Generation(); g != since {
		return g, nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return since, ctx.Err()
		case <-ticker.C:
			if g := n.Generation(); g != since {
				return g, nil
			}
		}
	}
}

// Close unmaps and closes the notifier file.
func (n *CrossProcessNotifier) Close() error {
	err := n.data.Unmap()
	if cerr := n.f.Close(); err == nil {
		err = cerr
	}
	return err
}
