package tpfs

import (
	"path/filepath"
	"testing"

	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "fp"), logging.NewLogger(logging.LevelError, nil))
}

func TestPublishThenGetEntry(t *testing.T) {
	store := newTestStore(t)
	weak := hash.New([]byte("weak"))
	pathSetHash := hash.New([]byte("pathset"))
	strong := hash.New([]byte("strong"))
	entry := CacheEntry{StrongFingerprint: strong, OutputHashes: []hash.Hash{hash.New([]byte("out"))}}

	outcome, err := store.Publish(weak, pathSetHash, strong, entry, CreateNew, "producer-a", LocalityLocal)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if outcome.Result != Published {
		t.Fatalf("expected Published, got %v", outcome.Result)
	}

	got, result, err := store.GetEntry(weak, pathSetHash, strong)
	if err != nil {
		t.Fatalf("get entry failed: %v", err)
	}
	if result != Hit {
		t.Fatalf("expected Hit, got %v", result)
	}
	if got.StrongFingerprint != strong {
		t.Fatalf("unexpected strong fingerprint round-trip: %v", got.StrongFingerprint)
	}
}

// TestConvergence exercises the §8 convergence property: two producers
// publishing under the same (weak, path_set, strong) observe exactly one
// Published and one Conflict.
func TestConvergence(t *testing.T) {
	store := newTestStore(t)
	weak := hash.New([]byte("weak"))
	pathSetHash := hash.New([]byte("pathset"))
	strong := hash.New([]byte("strong"))

	winnerEntry := CacheEntry{StrongFingerprint: strong, OutputHashes: []hash.Hash{hash.New([]byte("winner"))}}
	loserEntry := CacheEntry{StrongFingerprint: strong, OutputHashes: []hash.Hash{hash.New([]byte("loser"))}}

	first, err := store.Publish(weak, pathSetHash, strong, winnerEntry, CreateNew, "producer-a", LocalityLocal)
	if err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	second, err := store.Publish(weak, pathSetHash, strong, loserEntry, CreateNew, "producer-b", LocalityLocal)
	if err != nil {
		t.Fatalf("second publish failed: %v", err)
	}

	if first.Result != Published {
		t.Fatalf("expected first publish to win, got %v", first.Result)
	}
	if second.Result != Conflict {
		t.Fatalf("expected second publish to conflict, got %v", second.Result)
	}
	if second.Existing.OutputHashes[0] != winnerEntry.OutputHashes[0] {
		t.Fatal("conflict did not surface the winning entry")
	}
}

// TestAbsentEntryTraversal exercises the §8 property that an evicted
// (weak, path_set, strong) triple reports Absent, not Miss, so lookup can
// continue with remaining candidates.
func TestAbsentEntryTraversal(t *testing.T) {
	store := newTestStore(t)
	weak := hash.New([]byte("weak"))
	pathSetHash := hash.New([]byte("pathset"))
	strong := hash.New([]byte("strong"))

	if _, err := store.Publish(weak, pathSetHash, strong, CacheEntry{StrongFingerprint: strong}, CreateNew, "", LocalityUnknown); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := store.Evict(weak, pathSetHash, strong); err != nil {
		t.Fatalf("evict failed: %v", err)
	}

	_, result, err := store.GetEntry(weak, pathSetHash, strong)
	if err != nil {
		t.Fatalf("get entry failed: %v", err)
	}
	if result != Absent {
		t.Fatalf("expected Absent after eviction, got %v", result)
	}
}

func TestGetEntryMissForUnpublishedTriple(t *testing.T) {
	store := newTestStore(t)
	_, result, err := store.GetEntry(hash.New([]byte("w")), hash.New([]byte("p")), hash.New([]byte("s")))
	if err != nil {
		t.Fatalf("get entry failed: %v", err)
	}
	if result != Miss {
		t.Fatalf("expected Miss, got %v", result)
	}
}

func TestListByWeakYieldsPublishedCandidates(t *testing.T) {
	store := newTestStore(t)
	weak := hash.New([]byte("weak"))

	var published []hash.Hash
	for i := 0; i < 3; i++ {
		pathSetHash := hash.New([]byte{byte(i)})
		strong := hash.New([]byte{byte(i), byte(i)})
		if _, err := store.Publish(weak, pathSetHash, strong, CacheEntry{StrongFingerprint: strong}, CreateNew, "", LocalityUnknown); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
		published = append(published, strong)
	}

	seen := make(map[hash.Hash]bool)
	for candidate := range store.ListByWeak(weak) {
		seen[candidate.StrongFingerprint] = true
	}
	for _, strong := range published {
		if !seen[strong] {
			t.Fatalf("candidate %v missing from ListByWeak", strong)
		}
	}
}

func TestCreateOrReplaceOverwrites(t *testing.T) {
	store := newTestStore(t)
	weak := hash.New([]byte("weak"))
	pathSetHash := hash.New([]byte("pathset"))
	strong := hash.New([]byte("strong"))

	if _, err := store.Publish(weak, pathSetHash, strong, CacheEntry{StrongFingerprint: strong, OutputHashes: []hash.Hash{hash.New([]byte("v1"))}}, CreateNew, "", LocalityUnknown); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	replacement := CacheEntry{StrongFingerprint: strong, OutputHashes: []hash.Hash{hash.New([]byte("v2"))}}
	if _, err := store.Publish(weak, pathSetHash, strong, replacement, CreateOrReplace, "", LocalityUnknown); err != nil {
		t.Fatalf("replace publish failed: %v", err)
	}

	got, result, err := store.GetEntry(weak, pathSetHash, strong)
	if err != nil || result != Hit {
		t.Fatalf("unexpected get entry result: %v %v", result, err)
	}
	if got.OutputHashes[0] != replacement.OutputHashes[0] {
		t.Fatal("CreateOrReplace did not overwrite existing entry")
	}
}
