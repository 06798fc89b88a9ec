// Package lockfile serializes orchestration passes with an advisory file
// lock. Acquisition is non-blocking and fail-fast: a second pass reports the
// conflict instead of queueing behind the first.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked indicates another orchestration pass holds the lock.
var ErrLocked = errors.New("another dockhand pass holds the lock")

// Lock is a held advisory lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock at path without blocking.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. Safe to call on a nil lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
