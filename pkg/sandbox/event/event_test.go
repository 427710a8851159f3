package event

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := Event{
		Syscall:    "openat",
		Type:       GenericWrite,
		PID:        100,
		PPID:       1,
		Path:       "/src/output.txt",
		Errno:      0,
		Mode:       0644,
		Resolution: Resolve,
	}

	decoded, err := DecodeEvent(original.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !reflect.DeepEqual(decoded, original) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestEncodeDecodeLinkEventCarriesDestination(t *testing.T) {
	original := Event{
		Syscall:         "renameat2",
		Type:            Link,
		PID:             42,
		PPID:            7,
		Path:            "/dst/final.o",
		DestinationPath: "/dst/final.o",
		Resolution:      Resolve,
	}

	decoded, err := DecodeEvent(original.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.DestinationPath != original.DestinationPath {
		t.Fatalf("destination path lost in round trip: got %q", decoded.DestinationPath)
	}
}

func TestEncodeDecodeExecEventCarriesCommandLine(t *testing.T) {
	original := Event{
		Syscall:     "execve",
		Type:        Exec,
		PID:         7,
		PPID:        1,
		Path:        "/usr/bin/cc",
		Resolution:  Resolve,
		CommandLine: []string{"cc", "-c", "main.c", "-o", "main.o"},
	}

	decoded, err := DecodeEvent(original.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded.CommandLine) != len(original.CommandLine) {
		t.Fatalf("command line length mismatch: got %v, want %v", decoded.CommandLine, original.CommandLine)
	}
	for i := range original.CommandLine {
		if decoded.CommandLine[i] != original.CommandLine[i] {
			t.Fatalf("command line argument %d mismatch: got %q, want %q", i, decoded.CommandLine[i], original.CommandLine[i])
		}
	}
}

func TestTerminalSentinelRoundTrip(t *testing.T) {
	sentinel := TerminalSentinel()
	if !IsTerminalSentinel(sentinel) {
		t.Fatal("expected TerminalSentinel output to be recognized by IsTerminalSentinel")
	}
	if IsTerminalSentinel("not a sentinel") {
		t.Fatal("did not expect an arbitrary line to be recognized as the sentinel")
	}
}

func TestDecodeMalformedLine(t *testing.T) {
	if _, err := DecodeEvent("too|few|fields"); err == nil {
		t.Fatal("expected an error decoding a malformed line")
	}
}

func TestClassifyOpen(t *testing.T) {
	cases := []struct {
		name              string
		flags             uint32
		pathExistedBefore bool
		expected          EventType
	}{
		{"create truncate absent path", openFlagCreate | openFlagTruncate, false, Create},
		{"create truncate existing path is a write", openFlagCreate | openFlagTruncate | openFlagWriteOnly, true, GenericWrite},
		{"write only existing path", openFlagWriteOnly, true, GenericWrite},
		{"read only", 0, true, Open},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ClassifyOpen(c.flags, c.pathExistedBefore)
			if got != c.expected {
				t.Fatalf("expected %v, got %v", c.expected, got)
			}
		})
	}
}

func TestPlanRenameSubtreeOrdersByGivenSequence(t *testing.T) {
	plans := PlanRenameSubtree("renameat2", 10, 1, "/src/dir", "/dst/dir", []string{"a.txt", "sub/b.txt"})
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}
	if plans[0].Unlink.Path != "/src/dir/a.txt" || plans[0].Link.Path != "/dst/dir/a.txt" {
		t.Fatalf("unexpected first plan: %+v", plans[0])
	}
	if plans[1].Unlink.Path != "/src/dir/sub/b.txt" || plans[1].Link.Path != "/dst/dir/sub/b.txt" {
		t.Fatalf("unexpected second plan: %+v", plans[1])
	}
}
