// Package cas implements the Content-Addressed Store: the leaf component
// that maps a content hash to bytes across a local site and an optional
// remote site, with transfer accounting and an at-most-once concurrent
// materialization guarantee per hash (§4.1).
//
// The on-disk shape of the local site is grounded on Mutagen's
// prefix-sharded staging store
// (pkg/synchronization/endpoint/local/staging/store/store.go): a
// two-character hex shard directory under the store root, populated via a
// temporary file that is hashed while written and then renamed into place.
// Unlike that store, content here is addressed purely by hash (no
// additional path-based addressing), since CAS identity is the hash alone.
package cas

import (
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"

	"github.com/buildxl-go/buildxl/pkg/corerrors"
	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/logging"
)

// Site is a bitmask over the two cache sites a piece of content may live at.
type Site uint8

const (
	// None indicates the content is not known to exist at any site.
	None Site = 0
	// Local indicates the content is present at the local site.
	Local Site = 1 << 0
	// Remote indicates the content is present at the remote site.
	Remote Site = 1 << 1
)

// Has reports whether the site set includes member.
func (s Site) Has(member Site) bool {
	return s&member != 0
}

// String renders the site set for logging.
func (s Site) String() string {
	switch {
	case s.Has(Local) && s.Has(Remote):
		return "Local|Remote"
	case s.Has(Local):
		return "Local"
	case s.Has(Remote):
		return "Remote"
	default:
		return "None"
	}
}

// Failure is the typed ContentStoreFailure described by §4.1's failure
// semantics: the final, non-retryable error from a CAS operation, carrying
// the offending hash and the operation name that failed.
type Failure struct {
	Op   string
	Hash hash.Hash
	Err  error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return "cas: " + f.Op + " failed for " + f.Hash.String() + ": " + f.Err.Error()
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// maximumTransientRetries bounds the retry policy for transient I/O errors
// before a CAS operation surfaces a typed Failure, per §4.1.
const maximumTransientRetries = 3

// RemoteSite is the transport abstraction for the CAS's remote site. The
// core specifies only that a remote site exists and that transfers to/from
// it are accounted; the transport itself (an artifact-drop style upload
// service, a peer cache, etc.) is an external collaborator per §6 and is
// injected here as an interface so the core stays decoupled from it.
type RemoteSite interface {
	// Name identifies the remote site for "source-cache name" reporting in
	// load_available results.
	Name() string
	// Has reports whether the remote site holds content for h.
	Has(h hash.Hash) (bool, error)
	// Fetch retrieves content for h from the remote site.
	Fetch(h hash.Hash) ([]byte, error)
	// Upload replicates content to the remote site.
	Upload(h hash.Hash, content []byte) error
	// Evict removes content from the remote site.
	Evict(h hash.Hash) error
}

// localEntry records bookkeeping for a locally-resident hash.
type localEntry struct {
	site Site
}

// Store is the Content-Addressed Store. All operations described in §4.1
// are methods on Store. A per-CAS mutex ("membership lock") serializes
// membership mutation (additions and evictions); reads that only query
// membership may proceed concurrently, matching the consistency model of
// §4.1.
type Store struct {
	root   string
	remote RemoteSite
	logger *logging.Logger

	// membershipLock guards members and site bookkeeping.
	membershipLock sync.RWMutex
	members        map[hash.Hash]localEntry

	// resolved is an in-process LRU of hashes recently confirmed local,
	// avoiding a stat for every Contains-style check; it is purely a
	// performance cache and never a source of truth; grounded on the
	// teacher's use of github.com/golang/groupcache as a leaf cache.
	resolved *lru.Cache

	// materializeLocks holds a per-hash mutex, created on demand, that
	// serializes materialize/put for a given content hash (§5 "at-most-one
	// concurrent" materialization). matLockTableLock guards the table
	// itself, not the individual per-hash locks.
	matLockTableLock sync.Mutex
	materializeLocks map[hash.Hash]*sync.Mutex
}

// New constructs a Store rooted at root, with an optional remote site (nil
// disables remote replication and transfer; the store then behaves as
// local-only, every remote-targeting operation treating the remote as
// permanently absent).
func New(root string, remote RemoteSite, logger *logging.Logger) *Store {
	return &Store{
		root:             root,
		remote:           remote,
		logger:           logger,
		members:          make(map[hash.Hash]localEntry),
		resolved:         lru.New(4096),
		materializeLocks: make(map[hash.Hash]*sync.Mutex),
	}
}

// matLock returns the per-hash materialization lock for h, creating it if
// necessary.
func (s *Store) matLock(h hash.Hash) *sync.Mutex {
	s.matLockTableLock.Lock()
	defer s.matLockTableLock.Unlock()
	l, ok := s.materializeLocks[h]
	if !ok {
		l = &sync.Mutex{}
		s.materializeLocks[h] = l
	}
	return l
}

// FindSites reports the set of sites known to hold h.
func (s *Store) FindSites(h hash.Hash) Site {
	s.membershipLock.RLock()
	defer s.membershipLock.RUnlock()
	entry, ok := s.members[h]
	if !ok {
		return None
	}
	return entry.site
}

// markLocal records that h is now known to be present at the local site.
func (s *Store) markLocal(h hash.Hash) {
	s.membershipLock.Lock()
	entry := s.members[h]
	entry.site |= Local
	s.members[h] = entry
	s.membershipLock.Unlock()
	s.resolved.Add(h, true)
}

// markRemote records that h is now known to be present at the remote site.
func (s *Store) markRemote(h hash.Hash) {
	s.membershipLock.Lock()
	entry := s.members[h]
	entry.site |= Remote
	s.members[h] = entry
	s.membershipLock.Unlock()
}

// isLocal reports whether h is known local, consulting the LRU before
// falling back to the authoritative membership map.
func (s *Store) isLocal(h hash.Hash) bool {
	if _, ok := s.resolved.Get(h); ok {
		return true
	}
	return s.FindSites(h).Has(Local)
}

// Discard removes h from the requested sites. If the resulting site set is
// empty, the hash is dropped from the membership index entirely (§4.1).
func (s *Store) Discard(h hash.Hash, sites Site) error {
	s.membershipLock.Lock()
	entry, ok := s.members[h]
	if !ok {
		s.membershipLock.Unlock()
		return nil
	}
	if sites.Has(Local) {
		entry.site &^= Local
	}
	if sites.Has(Remote) {
		entry.site &^= Remote
	}
	empty := entry.site == None
	if empty {
		delete(s.members, h)
	} else {
		s.members[h] = entry
	}
	s.membershipLock.Unlock()

	if sites.Has(Local) {
		s.resolved.Remove(h)
		if err := s.removeLocal(h); err != nil && !errors.Is(err, errNotExist) {
			return corerrors.Wrap(corerrors.TransientIO, "unable to remove local content", err)
		}
	}
	if sites.Has(Remote) && s.remote != nil {
		if err := s.remote.Evict(h); err != nil {
			return corerrors.Wrap(corerrors.TransientIO, "unable to evict remote content", err)
		}
	}
	return nil
}
