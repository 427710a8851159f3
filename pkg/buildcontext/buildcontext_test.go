package buildcontext

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewGeneratesDistinctSalts(t *testing.T) {
	a, err := New("/cache", true, SandboxEnforced, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New("/cache", true, SandboxEnforced, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.PreserveOutputsSalt == b.PreserveOutputsSalt {
		t.Error("two contexts should not share a random preserve-outputs salt")
	}
	if a.Logger == nil {
		t.Error("New should install a default logger when none is provided")
	}
}

func TestSubsumes(t *testing.T) {
	if !SandboxEnforced.Subsumes(SandboxMonitored) {
		t.Error("enforced should subsume monitored")
	}
	if SandboxUnsafe.Subsumes(SandboxEnforced) {
		t.Error("unsafe should not subsume enforced")
	}
}

func TestRegenerateSaltProducesNewContext(t *testing.T) {
	original, err := New("/cache", true, SandboxMonitored, nil)
	if err != nil {
		t.Fatal(err)
	}
	regenerated, err := original.RegenerateSalt()
	if err != nil {
		t.Fatal(err)
	}
	if original.PreserveOutputsSalt == regenerated.PreserveOutputsSalt {
		t.Error("regenerated salt should differ from original")
	}
	if original.CacheRoot != regenerated.CacheRoot {
		t.Error("regeneration should preserve unrelated fields")
	}
}

func TestSaltDigestVariesWithPreserveOutputsEnabled(t *testing.T) {
	enabled, err := New("/cache", true, SandboxMonitored, nil)
	if err != nil {
		t.Fatal(err)
	}
	disabled := *enabled
	disabled.PreserveOutputsEnabled = false
	if enabled.SaltDigest() == disabled.SaltDigest() {
		t.Error("salt digest should depend on PreserveOutputsEnabled")
	}
}

func TestLoadEnvironmentFileDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("FOO=bar\nBAZ=qux\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ctx, err := New("/cache", false, SandboxUnsafe, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx.PassThroughEnvironment["FOO"] = "preexisting"
	if err := ctx.LoadEnvironmentFile(path); err != nil {
		t.Fatal(err)
	}
	if ctx.PassThroughEnvironment["FOO"] != "preexisting" {
		t.Error("LoadEnvironmentFile should not overwrite an existing key")
	}
	if ctx.PassThroughEnvironment["BAZ"] != "qux" {
		t.Error("LoadEnvironmentFile should load new keys")
	}
}
