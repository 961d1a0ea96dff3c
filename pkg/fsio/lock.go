package fsio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DirLock is an advisory exclusive lock on a directory, held via a sibling
// lock file. Writers take it for the duration of a write; readers stay
// lock-free because writes are atomic renames.
type DirLock struct {
	fl *flock.Flock
}

// LockDir acquires an exclusive advisory lock using lockFile inside dir,
// creating the directory if needed. Blocks until acquired.
func LockDir(dir, lockFile string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	fl := flock.New(filepath.Join(dir, lockFile))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return &DirLock{fl: fl}, nil
}

// Unlock releases the lock.
func (l *DirLock) Unlock() error {
	return l.fl.Unlock()
}
