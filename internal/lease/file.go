package lease

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// FileLocker holds leases as advisory file locks under a directory. It
// excludes other processes on the same host.
type FileLocker struct {
	dir string
}

// NewFileLocker creates dir if needed.
func NewFileLocker(dir string) (*FileLocker, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("lease directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lease directory: %w", err)
	}
	return &FileLocker{dir: dir}, nil
}

// Acquire takes the lock file for runID without blocking.
func (l *FileLocker) Acquire(ctx context.Context, runID string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(l.dir, sanitize(runID)+".lock")
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", runID, err)
	}
	if !ok {
		return nil, heldError(runID)
	}
	return &fileLease{runID: runID, lock: lock}, nil
}

// fileLease cannot be lost: the kernel holds the lock until Unlock or exit.
type fileLease struct {
	runID string
	lock  *flock.Flock
	once  sync.Once
	err   error
}

func (l *fileLease) RunID() string { return l.runID }

func (l *fileLease) Lost() <-chan struct{} { return nil }

func (l *fileLease) Release(context.Context) error {
	l.once.Do(func() {
		l.err = l.lock.Unlock()
	})
	return l.err
}

func sanitize(runID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, runID)
}
