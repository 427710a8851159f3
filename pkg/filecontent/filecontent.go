// Package filecontent implements the File Content Manager: the component
// that tracks, per absolute output path, the last known content hash and
// realization mode, backing the pip executor's UpToDate decision (§4.7),
// and records each pip's output origin for reporting.
//
// Grounded on Mutagen's synchronization cache
// (pkg/synchronization/core/cache.go / cache_maps.go), whose entries are
// compared on mode/mtime/size/FileID/digest to decide whether a rescan can
// trust a cached digest without rereading file content, and on the
// stager's Initialize/Finalize lifecycle
// (pkg/synchronization/endpoint/local/staging/stager.go) for the
// scrub-unmatched-outputs operation.
package filecontent

import (
	"os"
	"sync"
	"time"

	"github.com/mutagen-io/extstat"

	"github.com/buildxl-go/buildxl/pkg/cas"
	"github.com/buildxl-go/buildxl/pkg/corerrors"
	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/logging"
)

// Origin classifies how a pip's outputs most recently came to be present on
// disk, per §4.7.
type Origin int

const (
	// Produced means the outputs were written by the pip's own execution.
	Produced Origin = iota
	// UpToDate means the outputs were already correct on disk and required
	// no materialization.
	UpToDate
	// DeployedFromCache means the outputs were materialized from the
	// Content-Addressed Store, either on a cache hit or after convergence.
	DeployedFromCache
)

// String renders the origin's name.
func (o Origin) String() string {
	switch o {
	case Produced:
		return "Produced"
	case UpToDate:
		return "UpToDate"
	case DeployedFromCache:
		return "DeployedFromCache"
	default:
		return "Unknown"
	}
}

// record is the per-path bookkeeping entry: the last known content hash and
// realization mode, plus the filesystem identity observed at the time the
// record was made, used to decide whether a later stat still matches
// without rereading content.
type record struct {
	contentHash      hash.Hash
	realizationMode  cas.RealizationMode
	deviceID         uint64
	fileID           uint64
	modificationTime time.Time
	size             int64
}

// matches reports whether a freshly observed file identity is consistent
// with this record, i.e. the file has not been touched since the record was
// made and its recorded content hash can be trusted without rehashing.
func (r record) matches(other record) bool {
	return r.deviceID == other.deviceID &&
		r.fileID == other.fileID &&
		r.modificationTime.Equal(other.modificationTime) &&
		r.size == other.size
}

// Manager is the File Content Manager. It is safe for concurrent use.
type Manager struct {
	logger *logging.Logger

	lock    sync.RWMutex
	records map[string]record
	origins map[uint64]Origin
}

// New constructs an empty Manager.
func New(logger *logging.Logger) *Manager {
	return &Manager{
		logger:  logger,
		records: make(map[string]record),
		origins: make(map[uint64]Origin),
	}
}

// observe stats path and builds the identity half of a record. It returns
// an error only for I/O failures other than the path simply not existing;
// callers treat a non-existent path as "no record can be trusted", not as a
// failure.
func observe(path string) (record, bool, error) {
	stat, err := extstat.NewFromFileName(path)
	if err != nil {
		if os.IsNotExist(err) {
			return record{}, false, nil
		}
		return record{}, false, corerrors.Wrap(corerrors.TransientIO, "unable to stat materialized output", err)
	}
	return record{
		deviceID:         stat.DeviceID,
		fileID:           stat.FileID,
		modificationTime: stat.ModificationTime,
		size:             stat.Size,
	}, true, nil
}

// Record stores the content hash and realization mode last known for path,
// snapshotting the file's current on-disk identity so a later call to
// IsUpToDate can detect whether it has changed since.
func (m *Manager) Record(path string, contentHash hash.Hash, mode cas.RealizationMode) error {
	identity, exists, err := observe(path)
	if err != nil {
		return err
	}
	if !exists {
		// An Optional output that ended up absent still gets a record (with
		// a zero identity) so that IsUpToDate can distinguish "never
		// recorded" from "recorded as absent and still absent".
		identity = record{}
	}
	identity.contentHash = contentHash
	identity.realizationMode = mode

	m.lock.Lock()
	m.records[path] = identity
	m.lock.Unlock()
	return nil
}

// IsUpToDate reports whether path is already present on disk with
// expectedHash, without rereading its content, by comparing the file's
// current identity (device ID, file ID, mtime, size) against the identity recorded
// at the last Record call. It backs the cache-hit replay decision between
// UpToDate and DeployedFromCache in §4.6.
func (m *Manager) IsUpToDate(path string, expectedHash hash.Hash) (bool, error) {
	m.lock.RLock()
	recorded, known := m.records[path]
	m.lock.RUnlock()
	if !known {
		return false, nil
	}
	if recorded.contentHash != expectedHash {
		return false, nil
	}

	current, exists, err := observe(path)
	if err != nil {
		return false, err
	}
	if !exists {
		return expectedHash.IsAbsent(), nil
	}
	if expectedHash.IsAbsent() {
		return false, nil
	}
	return recorded.matches(current), nil
}

// RealizationMode reports the last known realization mode for path, and
// whether any record exists at all.
func (m *Manager) RealizationMode(path string) (cas.RealizationMode, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	recorded, known := m.records[path]
	return recorded.realizationMode, known
}

// ContentHash reports the last known content hash for path, and whether any
// record exists at all.
func (m *Manager) ContentHash(path string) (hash.Hash, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	recorded, known := m.records[path]
	return recorded.contentHash, known
}

// RecordOrigin records how pipID's outputs most recently came to be on
// disk, for reporting.
func (m *Manager) RecordOrigin(pipID uint64, origin Origin) {
	m.lock.Lock()
	m.origins[pipID] = origin
	m.lock.Unlock()
}

// PipOrigin reports the recorded origin for pipID, and whether one has ever
// been recorded.
func (m *Manager) PipOrigin(pipID uint64) (Origin, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	origin, known := m.origins[pipID]
	return origin, known
}

// Scrub deletes every tracked output path that is not present in
// declaredOutputs (the current build graph's full set of declared output
// paths), per §4.7's "scrubbing deletes output paths not matched by any pip
// in the current graph". It also drops the scrubbed paths' records.
func (m *Manager) Scrub(declaredOutputs map[string]bool) []error {
	m.lock.Lock()
	var stale []string
	for path := range m.records {
		if !declaredOutputs[path] {
			stale = append(stale, path)
		}
	}
	for _, path := range stale {
		delete(m.records, path)
	}
	m.lock.Unlock()

	var errs []error
	for _, path := range stale {
		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, corerrors.Wrap(corerrors.TransientIO, "unable to scrub stale output "+path, err))
			if m.logger != nil {
				m.logger.Warnf("unable to scrub stale output %s: %v", path, err)
			}
		}
	}
	return errs
}
