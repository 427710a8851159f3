package filesystem

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/buildxl-go/buildxl/pkg/filesystem/locking"
)

// Layout subdirectory and file names within a cache root, per the
// persisted-state layout: <cache>/content holds the Content-Addressed
// Store's sharded blobs, <cache>/fp holds the Two-Phase Fingerprint
// Store's weak-fingerprint index and cache-entry metadata, and
// CacheLockFileName coordinates exclusive access to the two for
// housekeeping passes that must not race a build.
const (
	// CacheLockFileName is the name of the lock file coordinating
	// housekeeping access to a cache root.
	CacheLockFileName = ".buildxl.lock"

	// ContentDirectoryName is the name of the Content-Addressed Store's
	// subdirectory within a cache root.
	ContentDirectoryName = "content"

	// FingerprintDirectoryName is the name of the Two-Phase Fingerprint
	// Store's subdirectory within a cache root.
	FingerprintDirectoryName = "fp"

	// TemporaryDirectoryName is the name of the scratch subdirectory under
	// which the executor creates per-pip temporary scopes.
	TemporaryDirectoryName = "tmp"
)

// DefaultCacheRoot returns the default cache root within the invoking
// user's home directory, mirroring Mutagen's convention of a single
// dot-prefixed data directory.
func DefaultCacheRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "unable to query user's home directory")
	} else if home == "" {
		return "", errors.New("home directory path empty")
	}
	return filepath.Join(home, ".buildxl"), nil
}

// CacheRootLayout computes (and optionally creates) the subdirectories of a
// cache root required by the Content-Addressed Store and the Two-Phase
// Fingerprint Store.
func CacheRootLayout(root string, create bool) (content, fingerprints, temporary string, err error) {
	content = filepath.Join(root, ContentDirectoryName)
	fingerprints = filepath.Join(root, FingerprintDirectoryName)
	temporary = filepath.Join(root, TemporaryDirectoryName)

	if !create {
		return content, fingerprints, temporary, nil
	}

	for _, dir := range []string{content, fingerprints, temporary} {
		if mkErr := os.MkdirAll(dir, 0700); mkErr != nil {
			return "", "", "", errors.Wrapf(mkErr, "unable to create cache subdirectory %q", dir)
		}
	}
	return content, fingerprints, temporary, nil
}

// AcquireCacheLock attempts to acquire the exclusive lock coordinating
// housekeeping access to a cache root and returns a locked file locker.
func AcquireCacheLock(root string) (*locking.Locker, error) {
	locker, err := locking.NewLocker(filepath.Join(root, CacheLockFileName), 0600)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create cache lock file")
	}
	if err := locker.Lock(false); err != nil {
		locker.Close()
		return nil, err
	}
	return locker, nil
}
