package sandbox

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildxl-go/buildxl/pkg/sandbox/event"
	"github.com/buildxl-go/buildxl/pkg/sandbox/policy"
)

func TestNewTemporaryScopeRegistersUntrackedScope(t *testing.T) {
	root := t.TempDir()
	manifest := policy.NewManifest()

	scope, err := NewTemporaryScope(root, manifest, "pip-")
	if err != nil {
		t.Fatalf("NewTemporaryScope failed: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(scope), "pip-") {
		t.Fatalf("expected scope name to carry prefix, got %q", scope)
	}

	decision := manifest.Evaluate(event.Event{
		Type: event.Create,
		Path: filepath.Join(scope, "scratch.o"),
	})
	if decision.Result != policy.Allowed {
		t.Fatalf("expected writes under the temporary scope to be allowed, got %v", decision.Result)
	}
	if decision.Report {
		t.Fatalf("expected temporary scope accesses to be unreported")
	}
}

func TestNewTemporaryScopePropagatesMkdirTempFailure(t *testing.T) {
	manifest := policy.NewManifest()
	_, err := NewTemporaryScope(filepath.Join(t.TempDir(), "does-not-exist"), manifest, "pip-")
	if err == nil {
		t.Fatalf("expected an error when the parent directory does not exist")
	}
}
