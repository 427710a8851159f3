package cas

import (
	"io"
	"os"

	"github.com/buildxl-go/buildxl/pkg/corerrors"
	hashpkg "github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/must"
)

// RealizationMode describes how a cached file is allowed to land on disk
// (§3 "Invariants", §4.1 materialize contract).
type RealizationMode int

const (
	// Copy always materializes via a byte (or copy-on-write) copy, never a
	// hardlink, as required by the OutputsMustRemainWritable process option.
	Copy RealizationMode = iota
	// HardLink requires a hardlink to the CAS entry; failure to link fails
	// the operation rather than falling back to a copy.
	HardLink
	// HardLinkOrCopy prefers a hardlink but falls back to a copy when
	// linking fails (e.g. a cross-device CAS root).
	HardLinkOrCopy
)

// String renders the mode's name.
func (m RealizationMode) String() string {
	switch m {
	case Copy:
		return "Copy"
	case HardLink:
		return "HardLink"
	case HardLinkOrCopy:
		return "HardLinkOrCopy"
	default:
		return "Unknown"
	}
}

// Materialize realizes the content of h at targetPath using mode, per the
// §4.1 contract: the target is deleted first (materialization always
// produces a new file, never an in-place mutation of a path some other
// pip might still be observing), then a hardlink is attempted for
// HardLink/HardLinkOrCopy, and finally a copy-on-write-or-byte-copy for
// Copy or a failed HardLinkOrCopy attempt.
//
// Materialize acquires h's per-hash materialization lock for the duration
// of the call, giving the at-most-one-concurrent-materialization guarantee
// of §5; concurrent Materialize/Put calls for distinct hashes never block
// one another.
func (s *Store) Materialize(targetPath string, h hashpkg.Hash, mode RealizationMode) error {
	lock := s.matLock(h)
	lock.Lock()
	defer lock.Unlock()

	if !s.isLocal(h) {
		return ErrNotLocal
	}

	if err := os.RemoveAll(targetPath); err != nil {
		return corerrors.Wrap(corerrors.TransientIO, "unable to remove materialization target", err)
	}

	source := s.localPath(h)

	if mode == HardLink || mode == HardLinkOrCopy {
		if err := os.Link(source, targetPath); err == nil {
			return nil
		} else if mode == HardLink {
			return corerrors.Wrap(corerrors.TransientIO, "unable to hardlink materialization target", err)
		}
		// HardLinkOrCopy falls through to the copy path below.
	}

	if err := cloneOrCopy(source, targetPath); err != nil {
		return corerrors.Wrap(corerrors.TransientIO, "unable to copy materialization target", err)
	}
	return nil
}

// Put ingests an on-disk file at sourcePath into the CAS under the content
// hash h (computed by the caller beforehand, e.g. by the fingerprinter's
// observation pass), preserving the realization relationship requested by
// mode: for HardLink/HardLinkOrCopy the source file may itself become a
// hardlink of the new CAS entry (symmetric with Materialize's "may be
// hardlinked INTO the CAS" wording in §4.1).
func (s *Store) Put(sourcePath string, h hashpkg.Hash, mode RealizationMode) error {
	lock := s.matLock(h)
	lock.Lock()
	defer lock.Unlock()

	if s.isLocal(h) {
		// Content already present; nothing to ingest. The source file is
		// left as-is; only content new to the store is linked or copied in.
		return nil
	}

	if err := s.ensureShard(h); err != nil {
		return corerrors.Wrap(corerrors.TransientIO, "unable to create CAS shard directory", err)
	}
	target := s.localPath(h)

	if mode == HardLink || mode == HardLinkOrCopy {
		if err := os.Link(sourcePath, target); err == nil {
			s.markLocal(h)
			return nil
		} else if mode == HardLink {
			return corerrors.Wrap(corerrors.TransientIO, "unable to hardlink content into CAS", err)
		}
	}

	if err := cloneOrCopy(sourcePath, target); err != nil {
		return corerrors.Wrap(corerrors.TransientIO, "unable to copy content into CAS", err)
	}
	s.markLocal(h)
	return nil
}

// byteCopy performs a plain read-then-write copy from source to
// destination, used as the final fallback when copy-on-write cloning isn't
// available.
func byteCopy(source, destination string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer must.Close(in, nil)

	out, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		must.Close(out, nil)
		return err
	}
	return out.Close()
}

// cloneOrCopy realizes destination as a copy-on-write clone of source when
// the underlying filesystem supports it (platform-specific, see
// clone_linux.go/clone_other.go), falling back to byteCopy whenever
// cloning returns an error, whatever the cause.
func cloneOrCopy(source, destination string) error {
	if err := cloneFile(source, destination); err == nil {
		return nil
	}
	return byteCopy(source, destination)
}
