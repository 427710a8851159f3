// Package eventlog implements the versioned binary execution log of §6:
// one record per pip state transition and one per sandbox observation,
// each carrying a fixed header (event kind byte, pip id, timestamp,
// payload length). The timestamp is the wall-clock time.Now().UnixNano()
// at write time, not a monotonic clock reading, so successive records are
// not guaranteed non-decreasing timestamps if the system clock moves.
//
// Grounded on Mutagen's pkg/multiplexing/protocol.go,
// which encodes its own framed wire messages (a kind byte followed by kind-specific
// fields) with encoding/binary rather than a serialization library, for
// the same reason this log does: every record is a small, fixed-shape
// frame written once and never partially updated, so a general-purpose
// codec would add a dependency without removing any complexity.
package eventlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/buildxl-go/buildxl/pkg/sandbox/event"
)

// magic identifies a buildxl execution log file.
const magic = "BXEL"

// version is the current binary format version. A reader that encounters
// a different version rejects the file outright rather than guessing at
// a layout it was not built to understand.
const version byte = 1

// headerSize is the fixed per-record header: kind (1) + pip id (8) +
// timestamp nanoseconds (8) + payload length (4).
const headerSize = 1 + 8 + 8 + 4

// Kind is the closed set of record kinds (§6: "one event per pip state
// transition and one per sandbox observation").
type Kind uint8

const (
	// StateTransition records a pip moving from one executor state to
	// another.
	StateTransition Kind = iota
	// SandboxObservation records one sandbox-observed filesystem or
	// process-lifecycle access, attributed to the pip whose sandboxed run
	// produced it.
	SandboxObservation
)

// String renders the kind's name.
func (k Kind) String() string {
	switch k {
	case StateTransition:
		return "StateTransition"
	case SandboxObservation:
		return "SandboxObservation"
	default:
		return "Unknown"
	}
}

// Record is one decoded log entry.
type Record struct {
	Kind      Kind
	PipID     uint64
	Timestamp time.Time
	Payload   []byte
}

// DecodeStateTransition decodes a StateTransition record's payload into
// the (from, to) state names it carries. It is the caller's
// responsibility to map these back to executor.State values, since this
// package does not depend on pkg/executor.
func (r *Record) DecodeStateTransition() (from, to string, err error) {
	if r.Kind != StateTransition {
		return "", "", fmt.Errorf("eventlog: record is not a state transition (kind %s)", r.Kind)
	}
	return decodeTransition(r.Payload)
}

// DecodeSandboxObservation decodes a SandboxObservation record's payload
// back into a sandbox event, reusing the sandbox wire decoder (§4.5.7)
// rather than a second bespoke format for the same data.
func (r *Record) DecodeSandboxObservation() (event.Event, error) {
	if r.Kind != SandboxObservation {
		return event.Event{}, fmt.Errorf("eventlog: record is not a sandbox observation (kind %s)", r.Kind)
	}
	return event.DecodeEvent(string(r.Payload))
}

// Writer appends records to an execution log.
type Writer struct {
	sink io.Writer
}

// NewWriter writes the log header to sink and returns a Writer appending
// records after it. sink should be a newly created or truncated file;
// NewWriter does not support resuming a partially written log.
func NewWriter(sink io.Writer) (*Writer, error) {
	if _, err := io.WriteString(sink, magic); err != nil {
		return nil, fmt.Errorf("eventlog: unable to write magic: %w", err)
	}
	if _, err := sink.Write([]byte{version}); err != nil {
		return nil, fmt.Errorf("eventlog: unable to write version: %w", err)
	}
	return &Writer{sink: sink}, nil
}

// WriteStateTransition appends a StateTransition record for pipID. from
// and to are the executor state names (executor.State.String() output);
// this package treats them as opaque strings so it does not need to
// import pkg/executor.
func (w *Writer) WriteStateTransition(pipID uint64, from, to string) error {
	return w.writeRecord(StateTransition, pipID, encodeTransition(from, to))
}

// WriteSandboxObservation appends a SandboxObservation record for pipID,
// using the sandbox wire encoding (§4.5.7) as the payload.
func (w *Writer) WriteSandboxObservation(pipID uint64, ev event.Event) error {
	return w.writeRecord(SandboxObservation, pipID, []byte(ev.Encode()))
}

func (w *Writer) writeRecord(kind Kind, pipID uint64, payload []byte) error {
	var header [headerSize]byte
	header[0] = byte(kind)
	binary.BigEndian.PutUint64(header[1:9], pipID)
	binary.BigEndian.PutUint64(header[9:17], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint32(header[17:21], uint32(len(payload)))
	if _, err := w.sink.Write(header[:]); err != nil {
		return fmt.Errorf("eventlog: unable to write record header: %w", err)
	}
	if _, err := w.sink.Write(payload); err != nil {
		return fmt.Errorf("eventlog: unable to write record payload: %w", err)
	}
	return nil
}

// Reader reads records back from an execution log written by Writer.
type Reader struct {
	source io.Reader
}

// NewReader validates source's header and returns a Reader positioned at
// the first record.
func NewReader(source io.Reader) (*Reader, error) {
	var header [len(magic) + 1]byte
	if _, err := io.ReadFull(source, header[:]); err != nil {
		return nil, fmt.Errorf("eventlog: unable to read header: %w", err)
	}
	if string(header[:len(magic)]) != magic {
		return nil, fmt.Errorf("eventlog: not a buildxl execution log")
	}
	if header[len(magic)] != version {
		return nil, fmt.Errorf("eventlog: unsupported format version %d", header[len(magic)])
	}
	return &Reader{source: source}, nil
}

// Next reads and returns the next record, or io.EOF once the log is
// exhausted at a record boundary. A log truncated mid-record surfaces
// io.ErrUnexpectedEOF.
func (r *Reader) Next() (*Record, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r.source, header[:]); err != nil {
		return nil, err
	}
	kind := Kind(header[0])
	pipID := binary.BigEndian.Uint64(header[1:9])
	timestampNanos := int64(binary.BigEndian.Uint64(header[9:17]))
	length := binary.BigEndian.Uint32(header[17:21])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.source, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("eventlog: truncated record payload: %w", err)
	}

	return &Record{
		Kind:      kind,
		PipID:     pipID,
		Timestamp: time.Unix(0, timestampNanos),
		Payload:   payload,
	}, nil
}

// encodeTransition packs two length-prefixed strings into one payload.
func encodeTransition(from, to string) []byte {
	buf := make([]byte, 0, 2+len(from)+len(to))
	buf = append(buf, byte(len(from)))
	buf = append(buf, from...)
	buf = append(buf, byte(len(to)))
	buf = append(buf, to...)
	return buf
}

func decodeTransition(payload []byte) (from, to string, err error) {
	if len(payload) < 1 {
		return "", "", fmt.Errorf("eventlog: truncated transition payload")
	}
	fromLength := int(payload[0])
	if len(payload) < 1+fromLength+1 {
		return "", "", fmt.Errorf("eventlog: truncated transition payload")
	}
	from = string(payload[1 : 1+fromLength])
	rest := payload[1+fromLength:]
	toLength := int(rest[0])
	if len(rest) < 1+toLength {
		return "", "", fmt.Errorf("eventlog: truncated transition payload")
	}
	to = string(rest[1 : 1+toLength])
	return from, to, nil
}
