// Package pathset implements the canonical path set and observed-input
// serialization described by the core: the ordered, deduplicated
// record of every (path, access-type) pair observed during a pip's
// execution, from which the path-set hash and, paired with re-observed
// values, the strong fingerprint are derived.
package pathset

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/buildxl-go/buildxl/pkg/hash"
)

// AccessType is the closed set of ways a path may be observed during
// execution. The zero value, AbsentPathProbe, is the semilattice's
// bottom element.
type AccessType int

const (
	// AbsentPathProbe records that the path did not exist.
	AbsentPathProbe AccessType = iota
	// ExistenceProbe records a presence/absence check without reading
	// content or enumerating a directory.
	ExistenceProbe
	// DirectoryEnumeration records that the path's directory listing was
	// read.
	DirectoryEnumeration
	// FileContentRead records that the path's content was read.
	FileContentRead
)

// rank orders the semilattice for Join: AbsentPathProbe < ExistenceProbe
// < {DirectoryEnumeration, FileContentRead}. DirectoryEnumeration and
// FileContentRead are parallel maximal elements in the spec's
// semilattice; this implementation breaks ties by preferring whichever
// access was recorded first; in practice a single path is observed via
// exactly one of the two for any given pip.
func (a AccessType) rank() int {
	switch a {
	case AbsentPathProbe:
		return 0
	case ExistenceProbe:
		return 1
	default:
		return 2
	}
}

// String renders the access type's name.
func (a AccessType) String() string {
	switch a {
	case AbsentPathProbe:
		return "AbsentPathProbe"
	case ExistenceProbe:
		return "ExistenceProbe"
	case DirectoryEnumeration:
		return "DirectoryEnumeration"
	case FileContentRead:
		return "FileContentRead"
	default:
		return "Unknown"
	}
}

// Join computes the semilattice join of two access types observed for
// the same path, collapsing duplicate entries to their strongest
// recorded access.
func Join(a, b AccessType) AccessType {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// ObservedValue is the re-observable value recorded for a path set
// entry: a content hash for FileContentRead, a directory-listing
// fingerprint for DirectoryEnumeration, a present/absent flag encoded
// as hash.Absent/non-absent for ExistenceProbe, and hash.Absent for
// AbsentPathProbe.
type ObservedValue = hash.Hash

// Entry is a single canonicalized (path, access-type, observed-value)
// record.
type Entry struct {
	Path   string
	Access AccessType
	Value  ObservedValue
}

// Canonicalize normalizes a path for cross-filesystem-stable
// comparison: casing is preserved (it is still significant on
// case-sensitive filesystems) but the path's Unicode form is
// normalized to NFC so that the same logical path observed through
// filesystems with different native decomposition (e.g. HFS+'s NFD)
// compares and hashes identically.
func Canonicalize(path string) string {
	return norm.NFC.String(path)
}

// PathSet is the canonicalized, deduplicated, deterministically
// ordered set of path observations for one pip execution.
type PathSet struct {
	entries []Entry
}

// New builds a PathSet from raw (possibly duplicate, possibly
// out-of-order) observations, canonicalizing paths and joining
// duplicate entries per the access-type semilattice.
func New(observations []Entry) *PathSet {
	byPath := make(map[string]Entry, len(observations))
	order := make([]string, 0, len(observations))
	for _, obs := range observations {
		path := Canonicalize(obs.Path)
		if existing, ok := byPath[path]; ok {
			joined := Join(existing.Access, obs.Access)
			value := existing.Value
			if joined == obs.Access && obs.Access != existing.Access {
				value = obs.Value
			}
			byPath[path] = Entry{Path: path, Access: joined, Value: value}
			continue
		}
		byPath[path] = Entry{Path: path, Access: obs.Access, Value: obs.Value}
		order = append(order, path)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i] != order[j] {
			return order[i] < order[j]
		}
		return byPath[order[i]].Access < byPath[order[j]].Access
	})

	entries := make([]Entry, 0, len(order))
	for _, path := range order {
		entries = append(entries, byPath[path])
	}
	return &PathSet{entries: entries}
}

// Entries returns the path set's entries in canonical (path,
// access-type) order.
func (s *PathSet) Entries() []Entry {
	return s.entries
}

// Len reports the number of entries in the path set.
func (s *PathSet) Len() int {
	return len(s.entries)
}

// Hash computes the path-set hash: a pure function of the
// canonicalized entry list.
func (s *PathSet) Hash() hash.Hash {
	var b strings.Builder
	for _, e := range s.entries {
		b.WriteString(e.Path)
		b.WriteByte(0)
		b.WriteByte(byte(e.Access))
		b.WriteByte(0)
	}
	return hash.New([]byte(b.String()))
}

// ObservedInputsDigest computes the digest of the path set zipped with
// its current observed values, in path-set order, as used in the
// strong fingerprint (weak fingerprint || path-set hash || this
// digest).
func (s *PathSet) ObservedInputsDigest() hash.Hash {
	var b strings.Builder
	for _, e := range s.entries {
		b.WriteString(e.Path)
		b.WriteByte(0)
		b.WriteByte(byte(e.Access))
		b.Write(e.Value.Bytes())
	}
	return hash.New([]byte(b.String()))
}

// Satisfiable reports whether every entry's re-observed value, as
// produced by observe for its path, matches the recorded value. The
// first mismatching path is returned for diagnostics when satisfiable
// is false.
func (s *PathSet) Satisfiable(observe func(path string, access AccessType) (ObservedValue, error)) (satisfiable bool, mismatchPath string, err error) {
	for _, e := range s.entries {
		value, obsErr := observe(e.Path, e.Access)
		if obsErr != nil {
			return false, e.Path, obsErr
		}
		if value != e.Value {
			return false, e.Path, nil
		}
	}
	return true, "", nil
}
