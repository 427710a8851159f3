// Package event defines the SandboxEvent schema of §4.5.2 and the
// classification rules of §4.5.3, shared by the policy, transport, and
// ptrace backends without pulling in the top-level sandbox package that
// ties them together (avoiding an import cycle, the same reason the
// teacher keeps its watch event types in pkg/filesystem/watching/internal
// rather than in the aggregating pkg/filesystem/watching package).
package event

import (
	"fmt"
	"strconv"
	"strings"
)

// EventType classifies a SandboxEvent per §4.5.2/§4.5.3.
type EventType uint8

const (
	// Open is a read-only open of an existing path.
	Open EventType = iota
	// GenericRead is a read access that isn't a full open (e.g. a readv on
	// an already-open descriptor whose path is still tracked).
	GenericRead
	// GenericWrite is a write access to an existing path (an open with
	// write access but without O_CREAT|O_TRUNC on an absent path).
	GenericWrite
	// GenericProbe is a metadata-only access: stat, access(2),
	// name_to_handle_at(2).
	GenericProbe
	// Create is an open with O_CREAT|O_TRUNC against a path that did not
	// exist beforehand.
	Create
	// Unlink is a removal of a path (unlink, rmdir, or the source side of
	// an expanded rename).
	Unlink
	// Link is the creation of a hard or symbolic link, or the destination
	// side of an expanded rename.
	Link
	// ReadLink is a symlink-target read; always carries
	// ResolveNoFollow (§4.5.3).
	ReadLink
	// DirectoryEnumeration is a readdir/scandir family call.
	DirectoryEnumeration
	// Exec is a successful exec of a new program image.
	Exec
	// Clone is a fork/vfork/clone (without CLONE_THREAD), emitted by both
	// the parent and the child (§4.5.5).
	Clone
)

// String renders the event type's name, matching the identifiers used in
// the wire format and in log output.
func (t EventType) String() string {
	switch t {
	case Open:
		return "Open"
	case GenericRead:
		return "GenericRead"
	case GenericWrite:
		return "GenericWrite"
	case GenericProbe:
		return "GenericProbe"
	case Create:
		return "Create"
	case Unlink:
		return "Unlink"
	case Link:
		return "Link"
	case ReadLink:
		return "ReadLink"
	case DirectoryEnumeration:
		return "DirectoryEnumeration"
	case Exec:
		return "Exec"
	case Clone:
		return "Clone"
	default:
		return "Unknown"
	}
}

// ParseEventType parses the String() output back into an EventType.
func ParseEventType(s string) (EventType, bool) {
	switch s {
	case "Open":
		return Open, true
	case "GenericRead":
		return GenericRead, true
	case "GenericWrite":
		return GenericWrite, true
	case "GenericProbe":
		return GenericProbe, true
	case "Create":
		return Create, true
	case "Unlink":
		return Unlink, true
	case "Link":
		return Link, true
	case "ReadLink":
		return ReadLink, true
	case "DirectoryEnumeration":
		return DirectoryEnumeration, true
	case "Exec":
		return Exec, true
	case "Clone":
		return Clone, true
	default:
		return 0, false
	}
}

// PathResolution records whether an event's path resolution followed
// trailing symlinks (§4.5.2).
type PathResolution uint8

const (
	// Resolve follows a trailing symlink.
	Resolve PathResolution = iota
	// ResolveNoFollow does not follow a trailing symlink (always the case
	// for ReadLink events).
	ResolveNoFollow
)

func (r PathResolution) String() string {
	if r == ResolveNoFollow {
		return "NoFollow"
	}
	return "Resolve"
}

func parsePathResolution(s string) (PathResolution, bool) {
	switch s {
	case "Resolve":
		return Resolve, true
	case "NoFollow":
		return ResolveNoFollow, true
	default:
		return 0, false
	}
}

// Event is the schema described in §4.5.2: one observed filesystem-
// affecting (or process-lifecycle) action, tagged with enough context for
// the policy and the pip executor to classify, check, and report it.
type Event struct {
	// Syscall is the underlying syscall name (e.g. "openat", "renameat2"),
	// kept for diagnostics even though classification and policy act on
	// Type.
	Syscall string
	// Type is the event's classification (§4.5.3).
	Type EventType
	// PID is the process that performed the access.
	PID int
	// PPID is that process's parent, used to correlate Clone events
	// (§4.5.5).
	PPID int
	// Path is the event's source path: absolute, resolved from a
	// directory-fd-relative access, or recovered from an open file
	// descriptor's cached path.
	Path string
	// DestinationPath is set for Link events expanded from a rename or an
	// explicit link/symlink call; empty otherwise.
	DestinationPath string
	// Errno is the raw errno observed on the real syscall's completion (0
	// on success), or the policy-forced errno when the access was denied
	// before the real syscall ran.
	Errno int
	// Mode carries the raw open(2) mode/flags bits, meaningful for Open/
	// Create/GenericWrite events.
	Mode uint32
	// Resolution records whether the path resolution followed a trailing
	// symlink.
	Resolution PathResolution
	// CommandLine is set only on Exec events.
	CommandLine []string
}

// fieldSeparator delimits fields in the wire encoding (§4.5.7). It is a
// control character outside the printable range a path or command-line
// argument will ever contain, so no escaping is required.
const fieldSeparator = "\x1f"

// argumentSeparator delimits CommandLine entries within the command-line
// field.
const argumentSeparator = "\x1e"

// terminalSentinel is the line the producer writes after its last event, so
// the supervisor can distinguish "no more events, ever" from "nothing new
// yet" on a transport that is otherwise just a stream of lines (§4.5.7).
const terminalSentinel = "__EOM__"

// Encode renders the event as one wire line (without a trailing newline).
// Fields are joined by fieldSeparator, not by a printable '|', in this
// order: type, pid, ppid, errno, mode (octal), resolution, syscall, path;
// then the destination path for Link events (or any event with one set),
// and for Exec events the command line joined by argumentSeparator.
func (e Event) Encode() string {
	fields := []string{
		e.Type.String(),
		strconv.Itoa(e.PID),
		strconv.Itoa(e.PPID),
		strconv.Itoa(e.Errno),
		strconv.FormatUint(uint64(e.Mode), 8),
		e.Resolution.String(),
		e.Syscall,
		e.Path,
	}
	if e.Type == Link || e.DestinationPath != "" {
		fields = append(fields, e.DestinationPath)
	}
	if e.Type == Exec {
		fields = append(fields, strings.Join(e.CommandLine, argumentSeparator))
	}
	return strings.Join(fields, fieldSeparator)
}

// DecodeEvent parses one wire line produced by Encode.
func DecodeEvent(line string) (Event, error) {
	fields := strings.Split(line, fieldSeparator)
	if len(fields) < 8 {
		return Event{}, fmt.Errorf("sandbox: malformed event line: too few fields (%d)", len(fields))
	}

	eventType, ok := ParseEventType(fields[0])
	if !ok {
		return Event{}, fmt.Errorf("sandbox: unknown event type %q", fields[0])
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Event{}, fmt.Errorf("sandbox: invalid pid: %w", err)
	}
	ppid, err := strconv.Atoi(fields[2])
	if err != nil {
		return Event{}, fmt.Errorf("sandbox: invalid ppid: %w", err)
	}
	errno, err := strconv.Atoi(fields[3])
	if err != nil {
		return Event{}, fmt.Errorf("sandbox: invalid errno: %w", err)
	}
	mode, err := strconv.ParseUint(fields[4], 8, 32)
	if err != nil {
		return Event{}, fmt.Errorf("sandbox: invalid mode: %w", err)
	}
	resolution, ok := parsePathResolution(fields[5])
	if !ok {
		return Event{}, fmt.Errorf("sandbox: unknown path resolution %q", fields[5])
	}

	event := Event{
		Syscall:    fields[6],
		Type:       eventType,
		PID:        pid,
		PPID:       ppid,
		Path:       fields[7],
		Errno:      errno,
		Mode:       uint32(mode),
		Resolution: resolution,
	}

	remaining := fields[8:]
	if eventType == Link && len(remaining) > 0 {
		event.DestinationPath = remaining[0]
		remaining = remaining[1:]
	}
	if eventType == Exec && len(remaining) > 0 {
		if remaining[0] != "" {
			event.CommandLine = strings.Split(remaining[0], argumentSeparator)
		} else {
			event.CommandLine = []string{}
		}
	}

	return event, nil
}

// IsTerminalSentinel reports whether line is the terminal sentinel written
// after a producer's final event.
func IsTerminalSentinel(line string) bool {
	return line == terminalSentinel
}

// TerminalSentinel returns the line written to mark the end of a producer's
// event stream.
func TerminalSentinel() string {
	return terminalSentinel
}
