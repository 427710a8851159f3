package tpfs

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/buildxl-go/buildxl/pkg/encoding"
	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/pathset"
)

// pathSetSuffix is the file extension for a published candidate's replay
// record, stored alongside its ".entry" file under the same (weak,
// path-set, strong) address (§6's directory layout extended one level:
// the path-set hash groups candidates by accessed-path structure, the
// strong hash distinguishes the specific observed values that produced
// this particular cache entry).
const pathSetSuffix = ".pathset"

// pathSetEntry is the YAML-serializable mirror of pathset.Entry.
type pathSetEntry struct {
	Path   string             `yaml:"path"`
	Access pathset.AccessType `yaml:"access"`
	Value  hash.Hash          `yaml:"value"`
}

func (s *Store) pathSetRecordPath(weak, pathSetHash, strong hash.Hash) string {
	return filepath.Join(s.weakDir(weak), pathSetHash.String(), strong.String()+pathSetSuffix)
}

// SavePathSet persists set's full entry list, including the observed
// values recorded during the execution that produced strong, so that a
// later cache lookup under the same weak fingerprint can replay it
// against the then-current filesystem (§4.6 step 2). Callers publish this
// alongside the cache entry itself, keyed by the same (path-set, strong)
// pair.
func (s *Store) SavePathSet(weak, strong hash.Hash, set *pathset.PathSet) error {
	path := s.pathSetRecordPath(weak, set.Hash(), strong)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "unable to create path set directory")
	}
	entries := make([]pathSetEntry, len(set.Entries()))
	for i, e := range set.Entries() {
		entries[i] = pathSetEntry{Path: e.Path, Access: e.Access, Value: e.Value}
	}
	return encoding.MarshalAndSaveYAML(path, &entries)
}

// LoadPathSet retrieves the entry list (with recorded values) previously
// saved for the (weak, pathSetHash, strong) triple, reconstructing a
// *pathset.PathSet suitable for Satisfiable-based replay.
func (s *Store) LoadPathSet(weak, pathSetHash, strong hash.Hash) (*pathset.PathSet, error) {
	var entries []pathSetEntry
	if err := encoding.LoadAndUnmarshalYAML(s.pathSetRecordPath(weak, pathSetHash, strong), &entries); err != nil {
		return nil, err
	}
	raw := make([]pathset.Entry, len(entries))
	for i, e := range entries {
		raw[i] = pathset.Entry{Path: e.Path, Access: e.Access, Value: e.Value}
	}
	return pathset.New(raw), nil
}
