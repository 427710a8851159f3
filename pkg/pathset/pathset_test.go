package pathset

import (
	"errors"
	"testing"

	"github.com/buildxl-go/buildxl/pkg/hash"
)

func TestJoinSemilattice(t *testing.T) {
	if Join(AbsentPathProbe, ExistenceProbe) != ExistenceProbe {
		t.Error("ExistenceProbe should dominate AbsentPathProbe")
	}
	if Join(ExistenceProbe, FileContentRead) != FileContentRead {
		t.Error("FileContentRead should dominate ExistenceProbe")
	}
	if Join(DirectoryEnumeration, AbsentPathProbe) != DirectoryEnumeration {
		t.Error("DirectoryEnumeration should dominate AbsentPathProbe")
	}
}

func TestNewDeduplicatesAndOrders(t *testing.T) {
	set := New([]Entry{
		{Path: "/b", Access: ExistenceProbe, Value: hash.Absent},
		{Path: "/a", Access: AbsentPathProbe, Value: hash.Absent},
		{Path: "/a", Access: FileContentRead, Value: hash.New([]byte("a"))},
	})
	if set.Len() != 2 {
		t.Fatalf("expected 2 entries after dedup, got %d", set.Len())
	}
	entries := set.Entries()
	if entries[0].Path != "/a" || entries[1].Path != "/b" {
		t.Error("entries should be sorted by path")
	}
	if entries[0].Access != FileContentRead {
		t.Error("duplicate path should join to the strongest access type")
	}
}

func TestHashIsDeterministic(t *testing.T) {
	a := New([]Entry{{Path: "/x", Access: FileContentRead, Value: hash.New([]byte("1"))}})
	b := New([]Entry{{Path: "/x", Access: FileContentRead, Value: hash.New([]byte("1"))}})
	if a.Hash() != b.Hash() {
		t.Error("identical path sets should hash identically")
	}
	c := New([]Entry{{Path: "/y", Access: FileContentRead, Value: hash.New([]byte("1"))}})
	if a.Hash() == c.Hash() {
		t.Error("path sets over different paths should hash differently")
	}
}

func TestObservedInputsDigestDependsOnValue(t *testing.T) {
	a := New([]Entry{{Path: "/x", Access: FileContentRead, Value: hash.New([]byte("1"))}})
	b := New([]Entry{{Path: "/x", Access: FileContentRead, Value: hash.New([]byte("2"))}})
	if a.Hash() != b.Hash() {
		t.Error("path-set hash should not depend on observed value")
	}
	if a.ObservedInputsDigest() == b.ObservedInputsDigest() {
		t.Error("observed-inputs digest should depend on observed value")
	}
}

func TestSatisfiableDetectsMismatch(t *testing.T) {
	set := New([]Entry{{Path: "/x", Access: FileContentRead, Value: hash.New([]byte("1"))}})
	ok, path, err := set.Satisfiable(func(p string, a AccessType) (ObservedValue, error) {
		return hash.New([]byte("2")), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected mismatch to be detected")
	}
	if path != "/x" {
		t.Errorf("expected mismatch path /x, got %s", path)
	}
}

func TestSatisfiablePropagatesObserveError(t *testing.T) {
	set := New([]Entry{{Path: "/x", Access: FileContentRead, Value: hash.New([]byte("1"))}})
	sentinel := errors.New("io failure")
	_, _, err := set.Satisfiable(func(p string, a AccessType) (ObservedValue, error) {
		return hash.Absent, sentinel
	})
	if err != sentinel {
		t.Error("expected observe error to propagate")
	}
}

func TestCanonicalizeNormalizesUnicodeForm(t *testing.T) {
	nfd := "café" // "café" as e + combining acute accent
	nfc := "café"
	if Canonicalize(nfd) != Canonicalize(nfc) {
		t.Error("NFD and NFC forms of the same path should canonicalize identically")
	}
}
