package tpfs

import (
	"testing"

	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/pathset"
)

func TestSaveThenLoadPathSet(t *testing.T) {
	store := newTestStore(t)
	weak := hash.New([]byte("weak"))
	strong := hash.New([]byte("strong"))

	set := pathset.New([]pathset.Entry{
		{Path: "/src/a.c", Access: pathset.FileContentRead, Value: hash.New([]byte("a"))},
		{Path: "/src/b.h", Access: pathset.ExistenceProbe, Value: hash.Absent},
	})

	if err := store.SavePathSet(weak, strong, set); err != nil {
		t.Fatalf("SavePathSet failed: %v", err)
	}

	loaded, err := store.LoadPathSet(weak, set.Hash(), strong)
	if err != nil {
		t.Fatalf("LoadPathSet failed: %v", err)
	}
	if loaded.Len() != set.Len() {
		t.Fatalf("expected %d entries, got %d", set.Len(), loaded.Len())
	}
	for i, e := range loaded.Entries() {
		if e != set.Entries()[i] {
			t.Fatalf("entry %d mismatch: got %+v, want %+v", i, e, set.Entries()[i])
		}
	}
}

func TestLoadPathSetMissingReturnsError(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadPathSet(hash.New([]byte("weak")), hash.New([]byte("pathset")), hash.New([]byte("strong")))
	if err == nil {
		t.Fatalf("expected an error for a path set that was never saved")
	}
}
