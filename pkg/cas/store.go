package cas

import (
	"bufio"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/buildxl-go/buildxl/pkg/corerrors"
	"github.com/buildxl-go/buildxl/pkg/filesystem"
	hashpkg "github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/must"
)

// errNotExist is used internally to recognize "already absent" as success
// for removal operations.
var errNotExist = fs.ErrNotExist

// storageWriteBufferSize mirrors the buffer size Mutagen's staging store
// uses for writes into temporary storage files.
const storageWriteBufferSize = 64 * 1024

var writeBufferPool = sync.Pool{
	New: func() any {
		return bufio.NewWriterSize(io.Discard, storageWriteBufferSize)
	},
}

// localPath computes the sharded on-disk path for h, per the persisted
// state layout of §6: <cache>/content/<hh>/<hash>.
func (s *Store) localPath(h hashpkg.Hash) string {
	return filepath.Join(s.root, h.ShardPrefix(), h.String())
}

// ensureShard creates the two-character shard directory for h if it does
// not already exist.
func (s *Store) ensureShard(h hashpkg.Hash) error {
	return os.MkdirAll(filepath.Join(s.root, h.ShardPrefix()), 0700)
}

// Initialize creates the store root directory if it does not already exist
// and indexes any content already present from a prior run.
func (s *Store) Initialize() error {
	if err := os.MkdirAll(s.root, 0700); err != nil {
		return errors.Wrap(err, "unable to create CAS root")
	}
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return errors.Wrap(err, "unable to read CAS root")
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return errors.Wrap(err, "unable to read CAS shard")
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if h, err := hashpkg.FromHex(entry.Name()); err == nil {
				s.markLocal(h)
			}
		}
	}
	return nil
}

// Store computes the hash of content (read fully into memory from either a
// byte slice or, if sourcePath is non-empty, streamed from that path),
// writes it to the local site, and then replicates it to the remote site,
// so Store returns only once both sites are populated (§4.1). The local
// write and the remote upload are not performed under one lock: another
// caller can see the hash at the local site before it reaches the remote.
// If knownHash is non-zero, the computed hash is verified against it; a
// mismatch fails with an InvalidInput error naming both hashes.
func (s *Store) Store(content []byte, sourcePath string, knownHash hashpkg.Hash) (hashpkg.Hash, error) {
	var reader io.Reader
	if sourcePath != "" {
		f, err := os.Open(sourcePath)
		if err != nil {
			return hashpkg.Hash{}, corerrors.Wrap(corerrors.TransientIO, "unable to open source for store", err)
		}
		defer must.Close(f, s.logger)
		reader = f
	} else {
		reader = &sliceReader{data: content}
	}

	h, data, err := s.retryStore(reader)
	if err != nil {
		return hashpkg.Hash{}, err
	}
	if !knownHash.IsAbsent() && knownHash != h {
		return hashpkg.Hash{}, corerrors.New(corerrors.InvalidInput, "content hash mismatch: expected "+knownHash.String()+", computed "+h.String())
	}

	if err := s.writeLocal(h, data); err != nil {
		return hashpkg.Hash{}, err
	}
	s.markLocal(h)

	if s.remote != nil {
		if err := s.retryUpload(h, data); err != nil {
			return hashpkg.Hash{}, err
		}
		s.markRemote(h)
	}
	return h, nil
}

// sliceReader adapts a byte slice to io.Reader without an extra copy.
type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// retryStore reads reader fully while hashing it, retrying transient I/O
// failures up to maximumTransientRetries times. Content is buffered in
// memory here because the source may be a one-shot stream; a seekable
// reader (the file opened for a sourcePath) is rewound to its start before
// each retry, and a reader that cannot seek is not retried.
func (s *Store) retryStore(reader io.Reader) (hashpkg.Hash, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maximumTransientRetries; attempt++ {
		if attempt > 0 {
			seeker, ok := reader.(io.Seeker)
			if !ok {
				break
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				lastErr = err
				break
			}
		}
		hasher := hashpkg.NewFactory()
		tee := io.TeeReader(reader, hasher)
		data, err := io.ReadAll(tee)
		if err == nil {
			return hashpkg.Sum(hasher), data, nil
		}
		lastErr = err
	}
	return hashpkg.Hash{}, nil, corerrors.Wrap(corerrors.CacheFailure, "unable to read content for store", &Failure{Op: "store", Err: lastErr})
}

// writeLocal commits data to the local site at h's sharded path via a
// temporary-file-then-rename sequence, matching the buffered-write-then-
// commit shape of Mutagen's staging store.
func (s *Store) writeLocal(h hashpkg.Hash, data []byte) error {
	if err := s.ensureShard(h); err != nil {
		return corerrors.Wrap(corerrors.TransientIO, "unable to create CAS shard directory", err)
	}

	temporary, err := os.CreateTemp(filepath.Join(s.root, h.ShardPrefix()), filesystem.TemporaryNamePrefix+"cas-")
	if err != nil {
		return corerrors.Wrap(corerrors.TransientIO, "unable to create temporary CAS file", err)
	}

	buffer := writeBufferPool.Get().(*bufio.Writer)
	buffer.Reset(temporary)
	defer func() {
		buffer.Reset(io.Discard)
		writeBufferPool.Put(buffer)
	}()

	if _, err := buffer.Write(data); err != nil {
		must.Close(temporary, s.logger)
		must.OSRemove(temporary.Name(), s.logger)
		return corerrors.Wrap(corerrors.TransientIO, "unable to write CAS content", err)
	}
	if err := buffer.Flush(); err != nil {
		must.Close(temporary, s.logger)
		must.OSRemove(temporary.Name(), s.logger)
		return corerrors.Wrap(corerrors.TransientIO, "unable to flush CAS content", err)
	}
	if err := temporary.Close(); err != nil {
		must.OSRemove(temporary.Name(), s.logger)
		return corerrors.Wrap(corerrors.TransientIO, "unable to close CAS temporary file", err)
	}

	target := s.localPath(h)
	if err := filesystem.Rename(nil, temporary.Name(), nil, target, true); err != nil {
		must.OSRemove(temporary.Name(), s.logger)
		return corerrors.Wrap(corerrors.TransientIO, "unable to commit CAS content", err)
	}
	return nil
}

// removeLocal deletes h's local on-disk blob, if present.
func (s *Store) removeLocal(h hashpkg.Hash) error {
	err := os.Remove(s.localPath(h))
	if err != nil && os.IsNotExist(err) {
		return errNotExist
	}
	return err
}

// retryUpload replicates data to the remote site, retrying transient
// failures up to maximumTransientRetries times.
func (s *Store) retryUpload(h hashpkg.Hash, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= maximumTransientRetries; attempt++ {
		if err := s.remote.Upload(h, data); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return corerrors.Wrap(corerrors.CacheFailure, "unable to replicate content to remote site", &Failure{Op: "store", Hash: h, Err: lastErr})
}
