package cas

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/buildxl-go/buildxl/pkg/hash"
)

// MemoryRemoteSite is an in-process RemoteSite reference implementation
// used for tests and small single-machine deployments. Production
// deployments plug in the artifact-drop upload client named as an external
// collaborator in §1's non-goals.
type MemoryRemoteSite struct {
	name string

	lock    sync.RWMutex
	content map[hash.Hash][]byte
}

// NewMemoryRemoteSite constructs an empty in-memory remote site identified
// by name (used for "source-cache name" reporting).
func NewMemoryRemoteSite(name string) *MemoryRemoteSite {
	return &MemoryRemoteSite{name: name, content: make(map[hash.Hash][]byte)}
}

// Name implements RemoteSite.Name.
func (m *MemoryRemoteSite) Name() string {
	return m.name
}

// Has implements RemoteSite.Has.
func (m *MemoryRemoteSite) Has(h hash.Hash) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, ok := m.content[h]
	return ok, nil
}

// Fetch implements RemoteSite.Fetch.
func (m *MemoryRemoteSite) Fetch(h hash.Hash) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	data, ok := m.content[h]
	if !ok {
		return nil, errors.New("content not present at remote site")
	}
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// Upload implements RemoteSite.Upload.
func (m *MemoryRemoteSite) Upload(h hash.Hash, content []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	data := make([]byte, len(content))
	copy(data, content)
	m.content[h] = data
	return nil
}

// Evict implements RemoteSite.Evict.
func (m *MemoryRemoteSite) Evict(h hash.Hash) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.content, h)
	return nil
}
