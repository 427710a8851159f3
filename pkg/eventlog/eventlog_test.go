package eventlog

import (
	"bytes"
	"io"
	"testing"

	"github.com/buildxl-go/buildxl/pkg/sandbox/event"
)

func TestWriteAndReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	writer, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := writer.WriteStateTransition(42, "Waiting", "CacheCheck"); err != nil {
		t.Fatalf("WriteStateTransition failed: %v", err)
	}
	observation := event.Event{Path: "/tmp/input", Type: event.Open, PID: 123}
	if err := writer.WriteSandboxObservation(42, observation); err != nil {
		t.Fatalf("WriteSandboxObservation failed: %v", err)
	}

	reader, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}

	first, err := reader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if first.Kind != StateTransition || first.PipID != 42 {
		t.Fatalf("unexpected first record: %+v", first)
	}
	from, to, err := first.DecodeStateTransition()
	if err != nil {
		t.Fatalf("DecodeStateTransition failed: %v", err)
	}
	if from != "Waiting" || to != "CacheCheck" {
		t.Fatalf("unexpected transition: %s -> %s", from, to)
	}

	second, err := reader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if second.Kind != SandboxObservation || second.PipID != 42 {
		t.Fatalf("unexpected second record: %+v", second)
	}
	decoded, err := second.DecodeSandboxObservation()
	if err != nil {
		t.Fatalf("DecodeSandboxObservation failed: %v", err)
	}
	if decoded.Path != observation.Path || decoded.Type != observation.Type {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}

	if _, err := reader.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of log, got %v", err)
	}
}

func TestNewReaderRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("NOPE!")
	if _, err := NewReader(buf); err == nil {
		t.Fatalf("expected NewReader to reject a non-log stream")
	}
}

func TestNewReaderRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(255)
	if _, err := NewReader(&buf); err == nil {
		t.Fatalf("expected NewReader to reject an unknown version")
	}
}
