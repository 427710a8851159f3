// +build linux,amd64

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildxl-go/buildxl/pkg/sandbox/event"
	"github.com/buildxl-go/buildxl/pkg/sandbox/policy"
)

func writeRenameFixture(t *testing.T, parent string) (source, destination string) {
	t.Helper()
	source = filepath.Join(parent, "src")
	destination = filepath.Join(parent, "dst")
	if err := os.Mkdir(source, 0755); err != nil {
		t.Fatalf("unable to create source directory: %v", err)
	}
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(source, name), []byte(name), 0644); err != nil {
			t.Fatalf("unable to seed fixture file: %v", err)
		}
	}
	return source, destination
}

func TestSuperviseExpandsDirectoryRenameIntoPerEntryEvents(t *testing.T) {
	parent := t.TempDir()
	source, destination := writeRenameFixture(t, parent)

	manifest := policy.NewManifest()
	manifest.AddScope(parent, policy.AllowRead|policy.AllowWrite|policy.Report)

	run, err := Supervise(context.Background(), Spec{
		Path:               "/bin/mv",
		Args:               []string{source, destination},
		TransportDirectory: parent,
		Manifest:           manifest,
	})
	if err != nil {
		t.Fatalf("Supervise failed: %v", err)
	}
	if run.ExitCode != 0 {
		t.Fatalf("expected mv to succeed, got exit code %d", run.ExitCode)
	}

	var unlinks, links int
	for _, ev := range run.Events {
		switch ev.Type {
		case event.Unlink:
			unlinks++
		case event.Link:
			links++
		}
	}
	if unlinks != 3 {
		t.Fatalf("expected 3 Unlink events for a 3-file directory rename, got %d", unlinks)
	}
	if links != 3 {
		t.Fatalf("expected 3 Link (destination-creation) events for a 3-file directory rename, got %d", links)
	}

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if _, err := os.Stat(filepath.Join(destination, name)); err != nil {
			t.Fatalf("expected %s to have moved to the destination: %v", name, err)
		}
	}
}

func TestSuperviseDeniedRenameSubEntryAbortsWholeMove(t *testing.T) {
	parent := t.TempDir()
	source, destination := writeRenameFixture(t, parent)

	manifest := policy.NewManifest()
	manifest.AddScope(source, policy.AllowRead|policy.AllowWrite|policy.Report)
	// The destination root is never granted write access, so every
	// Link (destination-creation) decision the expansion evaluates is
	// Denied; the first one encountered must abort the entire rename.

	run, err := Supervise(context.Background(), Spec{
		Path:               "/bin/mv",
		Args:               []string{source, destination},
		TransportDirectory: parent,
		Manifest:           manifest,
	})
	if err != nil {
		t.Fatalf("Supervise failed: %v", err)
	}
	if run.ExitCode == 0 {
		t.Fatalf("expected mv to fail when the destination is denied")
	}

	if _, err := os.Stat(destination); err == nil {
		t.Fatalf("expected the destination to not exist after a denied rename")
	}
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if _, err := os.Stat(filepath.Join(source, name)); err != nil {
			t.Fatalf("expected %s to remain in the source directory after a denied rename: %v", name, err)
		}
	}
}
