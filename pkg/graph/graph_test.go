package graph

import (
	"testing"

	"github.com/buildxl-go/buildxl/pkg/pip"
)

func TestNewStaticGraphComputesInputProducerEdges(t *testing.T) {
	writer := &pip.WriteFilePip{
		Decl: pip.Declaration{
			ID:      1,
			Outputs: []pip.OutputFile{{FileArtifact: pip.FileArtifact{Path: "/out/a.txt", WriteCount: 1}}},
		},
		Destination: pip.FileArtifact{Path: "/out/a.txt", WriteCount: 1},
		Content:     []byte("hello"),
	}
	copier := &pip.CopyFilePip{
		Decl: pip.Declaration{
			ID:     2,
			Inputs: []pip.FileArtifact{{Path: "/out/a.txt", WriteCount: 1}},
		},
		Source:      pip.FileArtifact{Path: "/out/a.txt", WriteCount: 1},
		Destination: pip.FileArtifact{Path: "/out/b.txt", WriteCount: 1},
	}

	g, err := NewStaticGraph([]pip.Pip{writer, copier})
	if err != nil {
		t.Fatalf("NewStaticGraph failed: %v", err)
	}

	if len(g.Pips()) != 2 {
		t.Fatalf("expected 2 pips, got %d", len(g.Pips()))
	}
	deps := g.Dependencies(2)
	if len(deps) != 1 || deps[0] != 1 {
		t.Fatalf("expected pip 2 to depend on pip 1, got %v", deps)
	}
	if deps := g.Dependencies(1); len(deps) != 0 {
		t.Fatalf("expected pip 1 to have no dependencies, got %v", deps)
	}

	if _, ok := g.Lookup(99); ok {
		t.Fatalf("expected lookup of unknown id to fail")
	}
	if p, ok := g.Lookup(1); !ok || p.Kind() != pip.WriteFile {
		t.Fatalf("expected lookup of id 1 to return the write-file pip")
	}
}

func TestNewStaticGraphRejectsDuplicateIdentity(t *testing.T) {
	a := &pip.ValuePip{Decl: pip.Declaration{ID: 1}, Name: "a"}
	b := &pip.ValuePip{Decl: pip.Declaration{ID: 1}, Name: "b"}
	if _, err := NewStaticGraph([]pip.Pip{a, b}); err == nil {
		t.Fatalf("expected NewStaticGraph to reject duplicate identities")
	}
}

func TestNewStaticGraphRejectsDuplicateOutputProducer(t *testing.T) {
	a := &pip.WriteFilePip{
		Decl: pip.Declaration{ID: 1, Outputs: []pip.OutputFile{{FileArtifact: pip.FileArtifact{Path: "/out", WriteCount: 1}}}},
	}
	b := &pip.WriteFilePip{
		Decl: pip.Declaration{ID: 2, Outputs: []pip.OutputFile{{FileArtifact: pip.FileArtifact{Path: "/out", WriteCount: 1}}}},
	}
	if _, err := NewStaticGraph([]pip.Pip{a, b}); err == nil {
		t.Fatalf("expected NewStaticGraph to reject two pips producing the same output")
	}
}

func TestStaticMountTableResolvePrefersLongestRoot(t *testing.T) {
	table := NewStaticMountTable([]Mount{
		{Name: "root", Root: "/", Readable: true},
		{Name: "src", Root: "/src", Readable: true, Writable: true, Trackable: true},
	})

	mount, ok := table.Resolve("/src/main.go")
	if !ok {
		t.Fatalf("expected /src/main.go to resolve to a mount")
	}
	if mount.Name != "src" {
		t.Fatalf("expected the more specific /src mount to win, got %q", mount.Name)
	}

	mount, ok = table.Resolve("/etc/passwd")
	if !ok || mount.Name != "root" {
		t.Fatalf("expected /etc/passwd to resolve to the root mount, got %+v ok=%v", mount, ok)
	}

	if _, ok := table.Resolve("relative/path"); ok {
		t.Fatalf("expected a path outside every mount to fail to resolve")
	}
}

func TestStaticMountTableResolveRejectsPathsOutsideAnyMount(t *testing.T) {
	table := NewStaticMountTable([]Mount{
		{Name: "src", Root: "/src"},
	})
	if _, ok := table.Resolve("/srcnot/file"); ok {
		t.Fatalf("expected /srcnot/file not to match the /src mount")
	}
}
