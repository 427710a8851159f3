// Package transport implements the wire transport of §4.5.7: a FIFO (Unix)
// or named pipe (Windows) carrying a SandboxEvent per line, terminated by a
// sentinel line once the producer has no more events.
//
// The platform split mirrors the transport split elsewhere in this
// codebase between a Unix domain socket dialed/listened on a filesystem
// path and a named pipe whose name is recorded at a filesystem path via
// github.com/Microsoft/go-winio; this package keeps the same "path on disk
// names the channel" convention but swaps the connection-oriented
// socket/pipe for a one-shot FIFO/named pipe stream, since a sandbox run
// has exactly one producer and one consumer for its lifetime.
package transport

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/buildxl-go/buildxl/pkg/sandbox/event"
)

// NewPath generates a fresh transport path under dir (typically a pip's
// temp scope), using a random per-run name the same way per-run Windows
// pipe names are minted elsewhere in this codebase via github.com/google/uuid.
func NewPath(dir string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("transport: unable to generate run id: %w", err)
	}
	return filepath.Join(dir, "buildxl-sandbox-"+id.String()), nil
}

// Writer is the producer side of the transport, used by the interception
// backend running inside (or alongside) the pip's process tree.
type Writer struct {
	sink io.WriteCloser
}

// NewWriter opens the producer end of the transport at path, which must
// already have been created by a prior call to NewReader.
func NewWriter(path string) (*Writer, error) {
	sink, err := openWriter(path)
	if err != nil {
		return nil, err
	}
	return &Writer{sink: sink}, nil
}

// WriteEvent writes one event as a single line. A write of one line to a
// FIFO/named pipe is atomic as long as it stays under the platform's pipe
// buffer (PIPE_BUF on POSIX, a much larger limit on Windows named pipes),
// which every encoded Event comfortably does; ordering per producer is
// preserved because all of one process's writes go out on its own
// goroutine in program order (§4.5.7).
func (w *Writer) WriteEvent(ev event.Event) error {
	_, err := io.WriteString(w.sink, ev.Encode()+"\n")
	return err
}

// WriteTerminalSentinel writes the sentinel line marking the end of this
// producer's event stream.
func (w *Writer) WriteTerminalSentinel() error {
	_, err := io.WriteString(w.sink, event.TerminalSentinel()+"\n")
	return err
}

// Close closes the producer end.
func (w *Writer) Close() error {
	return w.sink.Close()
}

// Reader is the consumer side of the transport, used by the sandbox
// supervisor.
type Reader struct {
	source io.ReadCloser
	path   string
}

// NewReader creates the transport's backing object (a FIFO on POSIX, a
// named pipe listener on Windows) at path and returns a Reader over it.
// The backing object must be created before any NewWriter call at the same
// path.
func NewReader(path string) (*Reader, error) {
	source, err := openReader(path)
	if err != nil {
		return nil, err
	}
	return &Reader{source: source, path: path}, nil
}

// Events starts reading path's event stream in a background goroutine and
// returns a channel of decoded events, closed once the terminal sentinel is
// observed or the underlying transport reaches EOF. Lines that fail to
// decode are dropped rather than terminating the stream, since a single
// corrupted event should not blind the supervisor to the rest of a pip's
// accesses.
func (r *Reader) Events() <-chan event.Event {
	out := make(chan event.Event)
	go func() {
		defer close(out)
		defer r.source.Close()

		scanner := bufio.NewScanner(r.source)
		// Event lines (in particular Exec events with a long command line)
		// can exceed bufio.Scanner's default 64KiB token limit; grow the
		// buffer generously rather than truncating a legitimate event.
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if event.IsTerminalSentinel(line) {
				return
			}
			decoded, err := event.DecodeEvent(line)
			if err != nil {
				continue
			}
			out <- decoded
		}
	}()
	return out
}

// Close closes the consumer end and removes any on-disk transport object
// that NewReader created.
func (r *Reader) Close() error {
	closeErr := r.source.Close()
	if removeErr := removePathIfExists(r.path); removeErr != nil && closeErr == nil {
		return removeErr
	}
	return closeErr
}

// removePathIfExists is a small helper shared by both platform backends for
// tearing down the on-disk transport object.
func removePathIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
