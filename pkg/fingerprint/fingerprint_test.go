package fingerprint

import (
	"testing"

	"github.com/buildxl-go/buildxl/pkg/buildcontext"
	"github.com/buildxl-go/buildxl/pkg/graph"
	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/pathset"
	"github.com/buildxl-go/buildxl/pkg/pip"
)

func testContext(t *testing.T, safety buildcontext.SandboxSafety) *buildcontext.Context {
	t.Helper()
	ctx, err := buildcontext.New(t.TempDir(), false, safety, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

func samplePip() *pip.WriteFilePip {
	return &pip.WriteFilePip{
		Decl: pip.Declaration{
			ID:      1,
			Outputs: []pip.OutputFile{{FileArtifact: pip.FileArtifact{Path: "/out", WriteCount: 1}}},
		},
		Destination: pip.FileArtifact{Path: "/out", WriteCount: 1},
		Content:     []byte("hello"),
	}
}

func TestComputeWeakIsDeterministic(t *testing.T) {
	ctx := testContext(t, buildcontext.SandboxMonitored)
	p := samplePip()
	a := ComputeWeak(ctx, p, nil, nil)
	b := ComputeWeak(ctx, p, nil, nil)
	if a != b {
		t.Error("weak fingerprint should be deterministic for identical inputs")
	}
}

func TestComputeWeakVariesWithContent(t *testing.T) {
	ctx := testContext(t, buildcontext.SandboxMonitored)
	a := samplePip()
	b := samplePip()
	b.Content = []byte("goodbye")
	if ComputeWeak(ctx, a, nil, nil) == ComputeWeak(ctx, b, nil, nil) {
		t.Error("weak fingerprint should vary with pip content")
	}
}

func TestComputeWeakVariesWithSandboxSafety(t *testing.T) {
	p := samplePip()
	unsafeCtx := testContext(t, buildcontext.SandboxUnsafe)
	enforcedCtx := testContext(t, buildcontext.SandboxEnforced)
	if ComputeWeak(unsafeCtx, p, nil, nil) == ComputeWeak(enforcedCtx, p, nil, nil) {
		t.Error("weak fingerprint should vary with sandbox safety level")
	}
}

func TestComputeWeakIgnoresArgumentOrderInsensitiveFields(t *testing.T) {
	ctx := testContext(t, buildcontext.SandboxMonitored)
	a := &pip.ProcessPip{
		Decl: pip.Declaration{ID: 1},
		Spec: pip.ProcessSpec{
			Executable: "/bin/echo",
			Environment: map[string]string{
				"A": "1",
				"B": "2",
			},
		},
	}
	b := &pip.ProcessPip{
		Decl: pip.Declaration{ID: 1},
		Spec: pip.ProcessSpec{
			Executable: "/bin/echo",
			Environment: map[string]string{
				"B": "2",
				"A": "1",
			},
		},
	}
	if ComputeWeak(ctx, a, nil, nil) != ComputeWeak(ctx, b, nil, nil) {
		t.Error("map iteration order should not affect the weak fingerprint")
	}
}

func TestComputeWeakExcludesPassThroughEnvironment(t *testing.T) {
	ctx := testContext(t, buildcontext.SandboxMonitored)
	base := &pip.ProcessPip{
		Decl: pip.Declaration{ID: 1},
		Spec: pip.ProcessSpec{
			Executable:  "/bin/echo",
			Environment: map[string]string{"PATH": "/usr/bin"},
		},
	}
	passThrough := &pip.ProcessPip{
		Decl: pip.Declaration{ID: 1},
		Spec: pip.ProcessSpec{
			Executable:             "/bin/echo",
			Environment:             map[string]string{"PATH": "/usr/local/bin"},
			PassThroughEnvironment:  []string{"PATH"},
		},
	}
	if ComputeWeak(ctx, base, nil, nil) != ComputeWeak(ctx, passThrough, nil, nil) {
		t.Error("pass-through environment variables should not affect the weak fingerprint")
	}
}

func TestComputeStrongDependsOnAllThreeComponents(t *testing.T) {
	weak := hash.New([]byte("weak"))
	setA := pathset.New([]pathset.Entry{{Path: "/x", Access: pathset.FileContentRead, Value: hash.New([]byte("1"))}})
	setB := pathset.New([]pathset.Entry{{Path: "/y", Access: pathset.FileContentRead, Value: hash.New([]byte("1"))}})

	strongA := ComputeStrongFromSet(weak, setA)
	strongB := ComputeStrongFromSet(weak, setB)
	if strongA == strongB {
		t.Error("strong fingerprint should depend on path-set hash")
	}

	otherWeak := hash.New([]byte("other-weak"))
	strongC := ComputeStrongFromSet(otherWeak, setA)
	if strongA == strongC {
		t.Error("strong fingerprint should depend on weak fingerprint")
	}
}

func TestTraceRecordsContributions(t *testing.T) {
	ctx := testContext(t, buildcontext.SandboxMonitored)
	trace := NewTrace()
	ComputeWeak(ctx, samplePip(), trace, nil)
	if len(trace.Lines()) == 0 {
		t.Error("expected trace to record contributing fields")
	}
}

func TestNilTraceIsNoOp(t *testing.T) {
	ctx := testContext(t, buildcontext.SandboxMonitored)
	ComputeWeak(ctx, samplePip(), nil, nil)
}

func TestComputeWeakPathIndependentOutputsIgnoresMountRoot(t *testing.T) {
	ctx := testContext(t, buildcontext.SandboxMonitored)
	mountsA := graph.NewStaticMountTable([]graph.Mount{{Name: "Out", Root: "/build/a/out"}})
	mountsB := graph.NewStaticMountTable([]graph.Mount{{Name: "Out", Root: "/build/b/out"}})

	independent := func(root string) *pip.ProcessPip {
		return &pip.ProcessPip{
			Decl: pip.Declaration{
				ID:      1,
				Outputs: []pip.OutputFile{{FileArtifact: pip.FileArtifact{Path: root + "/bin/tool", WriteCount: 1}}},
			},
			Spec: pip.ProcessSpec{
				Executable:       "/bin/echo",
				WorkingDirectory: root,
				Options:          pip.ProducesPathIndependentOutputs,
			},
		}
	}

	a := ComputeWeak(ctx, independent("/build/a/out"), nil, mountsA)
	b := ComputeWeak(ctx, independent("/build/b/out"), nil, mountsB)
	if a != b {
		t.Error("weak fingerprint should be independent of a tokenized mount's absolute root")
	}

	dependent := func(root string) *pip.ProcessPip {
		p := independent(root)
		p.Spec.Options = 0
		return p
	}
	c := ComputeWeak(ctx, dependent("/build/a/out"), nil, mountsA)
	d := ComputeWeak(ctx, dependent("/build/b/out"), nil, mountsB)
	if c == d {
		t.Error("weak fingerprint should depend on absolute root without ProducesPathIndependentOutputs")
	}
}
