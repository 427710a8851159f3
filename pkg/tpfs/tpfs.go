// Package tpfs implements the Two-Phase Fingerprint Store: the
// publish-subscribe structure described in §4.2 that maps a weak
// fingerprint to candidate (path-set hash, strong fingerprint) pairs, each
// resolving to a cache entry, with "single winner" publish-or-conflict
// convergence semantics.
//
// The on-disk layout follows §6 exactly: a directory per weak fingerprint
// holding an append-only index file plus one ".entry" file per (path-set,
// strong) pair. This mirrors Mutagen's persisted-session-on-disk pattern
// (pkg/synchronization/session.go). Publishes under one weak fingerprint
// are serialized by an in-process mutex; no file lock is taken, so
// separate processes sharing a root are not serialized against each other.
package tpfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/buildxl-go/buildxl/pkg/encoding"
	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/logging"
)

// Locality hints at which CAS sites are believed to hold the content
// referenced by a candidate, for the scheduler's ready-queue prioritization
// (an external collaborator per §6); it does not participate in
// correctness and is never treated as authoritative (the executor always
// consults the CAS directly).
type Locality uint8

const (
	// LocalityUnknown means the producer recorded no locality hint.
	LocalityUnknown Locality = 0
	// LocalityLocal means the candidate's content was local to its producer.
	LocalityLocal Locality = 1 << 0
	// LocalityRemote means the candidate's content reached a remote site.
	LocalityRemote Locality = 1 << 1
)

// Candidate is one entry yielded by ListByWeak: a (path-set hash, strong
// fingerprint) pair previously published under a weak fingerprint, plus
// diagnostic provenance (§4.2).
type Candidate struct {
	PathSetHash       hash.Hash
	StrongFingerprint hash.Hash
	Origin            string
	Locality          Locality
}

// PublishMode selects publish's conflict behavior (§4.2).
type PublishMode int

const (
	// CreateNew fails with Conflict if an entry already exists for the
	// (weak, path-set, strong) triple.
	CreateNew PublishMode = iota
	// CreateOrReplace unconditionally overwrites any existing entry.
	CreateOrReplace
)

// PublishResult reports the outcome of Publish.
type PublishResult int

const (
	// Published indicates the entry was written (no pre-existing entry
	// under CreateNew, or an unconditional write under CreateOrReplace).
	Published PublishResult = iota
	// Conflict indicates CreateNew found a pre-existing entry; the caller
	// must retrieve it via the Existing field of PublishOutcome and decide
	// whether to converge to it.
	Conflict
)

// PublishOutcome is the full result of a Publish call.
type PublishOutcome struct {
	Result   PublishResult
	Existing CacheEntry
}

// LookupResult classifies the outcome of GetEntry (§4.2).
type LookupResult int

const (
	// Hit means a cache entry was found and its content-hash-list is
	// intact.
	Hit LookupResult = iota
	// Absent means the (weak, path-set, strong) triple was published but
	// its content-hash-list has since been evicted; lookup must continue
	// with remaining candidates rather than treat this as a whole-pip miss.
	Absent
	// Miss means no entry was ever published for this triple.
	Miss
)

// indexFileName is the name of the per-weak-fingerprint append-only
// candidate index (§6: "<cache>/fp/<weak_hex>/index").
const indexFileName = "index"

// entrySuffix is the file extension for a published cache entry
// (§6: "<cache>/fp/<weak_hex>/<path_set_hex>/<strong_hex>.entry").
const entrySuffix = ".entry"

// Store is the Two-Phase Fingerprint Store rooted at a directory (typically
// <cache>/fp per §6).
type Store struct {
	root   string
	logger *logging.Logger

	weakLocksTableLock sync.Mutex
	weakLocks          map[hash.Hash]*sync.Mutex
}

// New constructs a Store rooted at root.
func New(root string, logger *logging.Logger) *Store {
	return &Store{
		root:      root,
		logger:    logger,
		weakLocks: make(map[hash.Hash]*sync.Mutex),
	}
}

func (s *Store) weakLock(weak hash.Hash) *sync.Mutex {
	s.weakLocksTableLock.Lock()
	defer s.weakLocksTableLock.Unlock()
	l, ok := s.weakLocks[weak]
	if !ok {
		l = &sync.Mutex{}
		s.weakLocks[weak] = l
	}
	return l
}

func (s *Store) weakDir(weak hash.Hash) string {
	return filepath.Join(s.root, weak.String())
}

func (s *Store) indexPath(weak hash.Hash) string {
	return filepath.Join(s.weakDir(weak), indexFileName)
}

func (s *Store) entryPath(weak, pathSetHash, strong hash.Hash) string {
	return filepath.Join(s.weakDir(weak), pathSetHash.String(), strong.String()+entrySuffix)
}

// indexLine renders one candidate as an index-file line: "<path_set_hex>
// <strong_hex> <origin> <locality>". Origin is percent-free (pip identity
// strings and hostnames never contain spaces in this core), so a naive
// space-separated format is sufficient and avoids a CSV/YAML dependency for
// what is otherwise a hot append path.
func indexLine(c Candidate) string {
	origin := c.Origin
	if origin == "" {
		origin = "-"
	}
	return fmt.Sprintf("%s %s %s %d\n", c.PathSetHash.String(), c.StrongFingerprint.String(), origin, c.Locality)
}

func parseIndexLine(line string) (Candidate, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Candidate{}, false
	}
	pathSetHash, err := hash.FromHex(fields[0])
	if err != nil {
		return Candidate{}, false
	}
	strong, err := hash.FromHex(fields[1])
	if err != nil {
		return Candidate{}, false
	}
	origin := fields[2]
	if origin == "-" {
		origin = ""
	}
	localityValue, err := strconv.Atoi(fields[3])
	if err != nil {
		return Candidate{}, false
	}
	return Candidate{
		PathSetHash:       pathSetHash,
		StrongFingerprint: strong,
		Origin:            origin,
		Locality:          Locality(localityValue),
	}, true
}

// ListByWeak returns the sequence of candidates previously published under
// weak, delivered on a channel as the underlying index is read (§4.2: "Each
// entry is yielded as the underlying store resolves it; order is
// unspecified"). The channel is closed once the index has been fully read
// or (if the weak fingerprint has no index at all) immediately.
func (s *Store) ListByWeak(weak hash.Hash) <-chan Candidate {
	out := make(chan Candidate)
	go func() {
		defer close(out)
		file, err := os.Open(s.indexPath(weak))
		if err != nil {
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			candidate, ok := parseIndexLine(scanner.Text())
			if !ok {
				continue
			}
			out <- candidate
		}
	}()
	return out
}

// GetEntry retrieves the cache entry published for the (weak, path-set,
// strong) triple, or reports Absent if it was published but its
// content-hash-list has since been evicted, or Miss if it was never
// published at all (§4.2).
func (s *Store) GetEntry(weak, pathSetHash, strong hash.Hash) (CacheEntry, LookupResult, error) {
	path := s.entryPath(weak, pathSetHash, strong)
	var entry CacheEntry
	err := encoding.LoadAndUnmarshalYAML(path, &entry)
	if err == nil {
		return entry, Hit, nil
	}
	if os.IsNotExist(err) {
		if s.indexHasTriple(weak, pathSetHash, strong) {
			return CacheEntry{}, Absent, nil
		}
		return CacheEntry{}, Miss, nil
	}
	return CacheEntry{}, Miss, errors.Wrap(err, "unable to load cache entry")
}

// indexHasTriple reports whether the weak fingerprint's index lists the
// given (path-set, strong) pair, distinguishing Absent (published then
// evicted) from Miss (never published) when the entry file itself is gone.
func (s *Store) indexHasTriple(weak, pathSetHash, strong hash.Hash) bool {
	file, err := os.Open(s.indexPath(weak))
	if err != nil {
		return false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		candidate, ok := parseIndexLine(scanner.Text())
		if !ok {
			continue
		}
		if candidate.PathSetHash == pathSetHash && candidate.StrongFingerprint == strong {
			return true
		}
	}
	return false
}

// Publish writes entry under the (weak, path-set, strong) triple according
// to mode, appending a candidate record to the weak fingerprint's index.
// Publish holds a short per-weak-fingerprint lock for its duration, per the
// locking discipline of §5 ("TPFS uses a short per-weak-fingerprint lock
// during publish").
func (s *Store) Publish(weak, pathSetHash, strong hash.Hash, entry CacheEntry, mode PublishMode, origin string, locality Locality) (PublishOutcome, error) {
	lock := s.weakLock(weak)
	lock.Lock()
	defer lock.Unlock()

	path := s.entryPath(weak, pathSetHash, strong)

	if mode == CreateNew {
		var existing CacheEntry
		if err := encoding.LoadAndUnmarshalYAML(path, &existing); err == nil {
			return PublishOutcome{Result: Conflict, Existing: existing}, nil
		} else if !os.IsNotExist(err) {
			return PublishOutcome{}, errors.Wrap(err, "unable to check for existing cache entry")
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return PublishOutcome{}, errors.Wrap(err, "unable to create cache entry directory")
	}
	if err := encoding.MarshalAndSaveYAML(path, &entry); err != nil {
		return PublishOutcome{}, errors.Wrap(err, "unable to save cache entry")
	}

	if err := s.appendIndex(weak, Candidate{
		PathSetHash:       pathSetHash,
		StrongFingerprint: strong,
		Origin:            origin,
		Locality:          locality,
	}); err != nil {
		return PublishOutcome{}, err
	}

	return PublishOutcome{Result: Published}, nil
}

// appendIndex appends a candidate record to weak's index file if it is not
// already present, creating the weak fingerprint's directory first if
// necessary. Callers must hold weak's lock.
func (s *Store) appendIndex(weak hash.Hash, candidate Candidate) error {
	if s.indexHasTriple(weak, candidate.PathSetHash, candidate.StrongFingerprint) {
		return nil
	}
	if err := os.MkdirAll(s.weakDir(weak), 0700); err != nil {
		return errors.Wrap(err, "unable to create weak-fingerprint directory")
	}
	file, err := os.OpenFile(s.indexPath(weak), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "unable to open index file")
	}
	defer file.Close()
	if _, err := file.WriteString(indexLine(candidate)); err != nil {
		return errors.Wrap(err, "unable to append to index file")
	}
	return nil
}

// Evict removes the content-hash-list for a published (weak, path-set,
// strong) triple, leaving the index entry in place so subsequent lookups
// observe Absent rather than Miss (§3 "Lifecycles").
func (s *Store) Evict(weak, pathSetHash, strong hash.Hash) error {
	err := os.Remove(s.entryPath(weak, pathSetHash, strong))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "unable to evict cache entry")
	}
	return nil
}
