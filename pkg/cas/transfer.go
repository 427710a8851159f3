package cas

import (
	"os"

	"github.com/dustin/go-humanize"

	"github.com/buildxl-go/buildxl/pkg/corerrors"
	hashpkg "github.com/buildxl-go/buildxl/pkg/hash"
)

// ErrNotLocal is returned by OpenStream when content exists but is not
// present at the local site.
var ErrNotLocal = corerrors.New(corerrors.CacheFailure, "content not local")

// ErrNotFound is returned by OpenStream when content is not known at any
// site.
var ErrNotFound = corerrors.New(corerrors.CacheFailure, "content not found")

// Availability records, for one hash passed to LoadAvailable, whether it
// ended up available at the local site and what bytes (if any) were
// transferred from remote to satisfy that.
type Availability struct {
	Available        bool
	TransferredBytes uint64
}

// LoadAvailable ensures that, for each requested hash, content is available
// at the local site if it exists anywhere, transferring from remote when
// necessary. It returns per-hash availability, the total bytes transferred
// from the remote site, and the remote site's name (empty if no transfer
// occurred), per §4.1.
func (s *Store) LoadAvailable(hashes []hashpkg.Hash) (map[hashpkg.Hash]Availability, uint64, string) {
	result := make(map[hashpkg.Hash]Availability, len(hashes))
	var totalTransferred uint64
	var sourceCacheName string

	for _, h := range hashes {
		if s.isLocal(h) {
			result[h] = Availability{Available: true}
			continue
		}

		sites := s.FindSites(h)
		if !sites.Has(Remote) || s.remote == nil {
			result[h] = Availability{Available: false}
			continue
		}

		data, err := s.retryFetch(h)
		if err != nil {
			result[h] = Availability{Available: false}
			continue
		}
		if err := s.writeLocal(h, data); err != nil {
			result[h] = Availability{Available: false}
			continue
		}
		s.markLocal(h)

		transferred := uint64(len(data))
		totalTransferred += transferred
		sourceCacheName = s.remote.Name()
		result[h] = Availability{Available: true, TransferredBytes: transferred}

		if s.logger != nil {
			s.logger.Infof("transferred %s for %s from %s", humanize.Bytes(transferred), h, sourceCacheName)
		}
	}

	return result, totalTransferred, sourceCacheName
}

func (s *Store) retryFetch(h hashpkg.Hash) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maximumTransientRetries; attempt++ {
		if data, err := s.remote.Fetch(h); err == nil {
			return data, nil
		} else {
			lastErr = err
		}
	}
	return nil, corerrors.Wrap(corerrors.CacheFailure, "unable to fetch content from remote site", &Failure{Op: "load_available", Hash: h, Err: lastErr})
}

// OpenStream opens the local on-disk blob for h for reading. It refuses
// (ErrNotLocal) when content is known only at the remote site, and fails
// (ErrNotFound) when the hash is not known at any site, per §4.1.
func (s *Store) OpenStream(h hashpkg.Hash) (filesystemReadCloser, error) {
	sites := s.FindSites(h)
	if sites == None {
		return nil, ErrNotFound
	}
	if !sites.Has(Local) {
		return nil, ErrNotLocal
	}
	f, err := os.Open(s.localPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, corerrors.Wrap(corerrors.TransientIO, "unable to open local content", err)
	}
	return f, nil
}

// filesystemReadCloser is the minimal read-stream contract required by
// open_stream (§4.1); *os.File satisfies it directly.
type filesystemReadCloser = interface {
	Read([]byte) (int, error)
	Close() error
}
