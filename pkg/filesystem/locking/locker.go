package locking

import (
	"os"

	"github.com/pkg/errors"
)

// Locker provides file locking facilities.
type Locker struct {
	// The underlying file object to be locked.
	file *os.File
	// held tracks whether this locker currently holds the lock.
	held bool
}

// NewLocker attempts to create a lock with the file at the specified path,
// creating the file if necessary. The lock is returned in an unlocked state.
func NewLocker(path string, permissions os.FileMode) (*Locker, error) {
	mode := os.O_RDWR | os.O_CREATE | os.O_APPEND
	if file, err := os.OpenFile(path, mode, permissions); err != nil {
		return nil, errors.Wrap(err, "unable to open lock file")
	} else {
		return &Locker{file: file}, nil
	}
}

// Held reports whether this locker currently holds the lock.
func (l *Locker) Held() bool {
	return l.held
}

// Close closes the underlying lock file. It does not release the lock;
// callers should call Unlock first unless they intend the lock to be
// released by the operating system on file close (as happens for most
// locking implementations when the sole remaining descriptor is closed).
func (l *Locker) Close() error {
	return l.file.Close()
}
