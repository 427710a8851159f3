package cas

import (
	"os"
	"path/filepath"
	"testing"

	hashpkg "github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/logging"
)

func newTestStore(t *testing.T, remote RemoteSite) *Store {
	t.Helper()
	root := filepath.Join(t.TempDir(), "cas")
	store := New(root, remote, logging.NewLogger(logging.LevelError, nil))
	if err := store.Initialize(); err != nil {
		t.Fatalf("unable to initialize store: %v", err)
	}
	return store
}

// TestStoreOpenStreamRoundTrip exercises the `put(x) ∘ open_stream = x`
// idempotence property from §8.
func TestStoreOpenStreamRoundTrip(t *testing.T) {
	store := newTestStore(t, nil)

	content := []byte("Success")
	h, err := store.Store(content, "", hashpkg.Hash{})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if h != hashpkg.New(content) {
		t.Fatalf("unexpected hash: %v", h)
	}

	stream, err := store.OpenStream(h)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	defer stream.Close()

	buf := make([]byte, len(content))
	if _, err := stream.Read(buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != string(content) {
		t.Fatalf("round-trip mismatch: got %q, want %q", buf, content)
	}
}

func TestStoreKnownHashMismatch(t *testing.T) {
	store := newTestStore(t, nil)
	wrongHash := hashpkg.New([]byte("something else"))
	if _, err := store.Store([]byte("Success"), "", wrongHash); err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestOpenStreamNotFound(t *testing.T) {
	store := newTestStore(t, nil)
	if _, err := store.OpenStream(hashpkg.New([]byte("never stored"))); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadAvailableTransfersFromRemote(t *testing.T) {
	remote := NewMemoryRemoteSite("test-remote")
	producer := newTestStore(t, remote)

	content := []byte("remote content")
	h, err := producer.Store(content, "", hashpkg.Hash{})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}

	// Discard locally so the only copy is at the remote site, then confirm
	// the same store transfers it back from the remote via LoadAvailable.
	if err := producer.Discard(h, Local); err != nil {
		t.Fatalf("discard failed: %v", err)
	}

	availability, transferred, source := producer.LoadAvailable([]hashpkg.Hash{h})
	if !availability[h].Available {
		t.Fatal("expected content to become available after transfer")
	}
	if transferred != uint64(len(content)) {
		t.Fatalf("unexpected transfer size: %d", transferred)
	}
	if source != "test-remote" {
		t.Fatalf("unexpected source cache name: %q", source)
	}
}

func TestMaterializeDeletesTargetFirst(t *testing.T) {
	store := newTestStore(t, nil)
	content := []byte("Matches!")
	h, err := store.Store(content, "", hashpkg.Hash{})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}

	target := filepath.Join(t.TempDir(), "dest")
	if err := os.WriteFile(target, []byte("stale"), 0600); err != nil {
		t.Fatalf("unable to seed stale target: %v", err)
	}

	if err := store.Materialize(target, h, HardLinkOrCopy); err != nil {
		t.Fatalf("materialize failed: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("unable to read materialized target: %v", err)
	}
	if string(data) != string(content) {
		t.Fatalf("materialized content mismatch: got %q, want %q", data, content)
	}
}

func TestMaterializeHardLinkFailureFails(t *testing.T) {
	store := newTestStore(t, nil)
	h, err := store.Store([]byte("data"), "", hashpkg.Hash{})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}

	// A HardLink request to a target whose parent directory doesn't exist
	// cannot succeed as a hardlink and must not silently fall back to copy.
	target := filepath.Join(t.TempDir(), "missing-parent", "dest")
	if err := store.Materialize(target, h, HardLink); err == nil {
		t.Fatal("expected hardlink-only materialize to fail")
	}
}

func TestPutIngestsNewContent(t *testing.T) {
	store := newTestStore(t, nil)
	source := filepath.Join(t.TempDir(), "source")
	content := []byte("ingested")
	if err := os.WriteFile(source, content, 0600); err != nil {
		t.Fatalf("unable to write source: %v", err)
	}

	h := hashpkg.New(content)
	if err := store.Put(source, h, Copy); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if !store.FindSites(h).Has(Local) {
		t.Fatal("expected content to be local after put")
	}

	stream, err := store.OpenStream(h)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	defer stream.Close()
}

func TestDiscardDropsEmptySiteSet(t *testing.T) {
	store := newTestStore(t, nil)
	h, err := store.Store([]byte("data"), "", hashpkg.Hash{})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := store.Discard(h, Local); err != nil {
		t.Fatalf("discard failed: %v", err)
	}
	if store.FindSites(h) != None {
		t.Fatal("expected hash to be fully dropped from membership")
	}
	if _, err := store.OpenStream(h); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after discard, got %v", err)
	}
}
