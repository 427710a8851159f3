// Package sandbox ties together the event schema (pkg/sandbox/event), the
// manifest policy (pkg/sandbox/policy), the wire transport
// (pkg/sandbox/transport), and the ptrace interception backend
// (pkg/sandbox/ptrace) into the Supervisor the pip executor launches a
// pip's process tree under (§4.5).
//
// Grounded on the aggregating-package convention used in Mutagen:
// platform backends and wire types live in leaf packages
// (pkg/filesystem/watching/internal, pkg/ipc's posix/windows split), while
// the package callers actually import selects and drives them.
package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/buildxl-go/buildxl/pkg/logging"
	"github.com/buildxl-go/buildxl/pkg/sandbox/event"
	"github.com/buildxl-go/buildxl/pkg/sandbox/policy"
	"github.com/buildxl-go/buildxl/pkg/sandbox/ptrace"
	"github.com/buildxl-go/buildxl/pkg/sandbox/transport"
)

// Spec describes one sandboxed run.
type Spec struct {
	// Path is the executable to launch.
	Path string
	// Args are its arguments (excluding argv[0]).
	Args []string
	// Env is its environment, including any salted entries the pip
	// executor has computed (§4.6 step 3's "salted environment").
	Env []string
	// WorkingDirectory is the process's working directory.
	WorkingDirectory string
	// Manifest is the pip's file-access policy (§4.5.4).
	Manifest *policy.Manifest
	// TransportDirectory is where the event transport's backing object
	// (FIFO or named pipe) is created; it should be one of the pip's
	// untracked temporary scopes so the transport object itself never
	// appears as an observed input.
	TransportDirectory string
	Logger             *logging.Logger
	// Stdout and Stderr, when non-nil, capture the process's standard
	// streams for the pip executor's warning/error regex matching (§4.6
	// step 3).
	Stdout io.Writer
	Stderr io.Writer
}

// Run is the full result of a sandboxed run: the process's exit code plus
// every event observed during its lifetime, in receipt order (which, per
// §5's ordering guarantees, is totally ordered only within the process
// tree this one Supervise call covers).
type Run struct {
	ExitCode int
	Events   []event.Event
}

// Supervise launches spec.Path under sandbox supervision, streaming every
// observed event over a FIFO/named-pipe transport exactly as a real
// injected backend would (§4.5.7), even though the in-process ptrace
// backend could emit directly; routing through the transport keeps the
// pip executor's consumption path identical regardless of which
// interception mechanism produced the events, and exercises the wire
// format end to end.
func Supervise(ctx context.Context, spec Spec) (*Run, error) {
	transportPath, err := transport.NewPath(spec.TransportDirectory)
	if err != nil {
		return nil, err
	}

	reader, err := transport.NewReader(transportPath)
	if err != nil {
		return nil, err
	}

	var collected []event.Event
	var collectWait sync.WaitGroup
	collectWait.Add(1)
	go func() {
		defer collectWait.Done()
		for ev := range reader.Events() {
			collected = append(collected, ev)
		}
	}()

	runResult, runErr := runBackend(ctx, spec, transportPath)

	collectWait.Wait()

	if runErr != nil {
		return nil, runErr
	}
	return &Run{ExitCode: runResult.ExitCode, Events: collected}, nil
}

// runBackend opens the transport's writer end, launches the ptrace
// backend, and ensures the writer's terminal sentinel is always sent so
// the reader goroutine in Supervise terminates even if the backend exits
// abnormally.
func runBackend(ctx context.Context, spec Spec, transportPath string) (*ptrace.Result, error) {
	writer, err := transport.NewWriter(transportPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = writer.WriteTerminalSentinel()
		_ = writer.Close()
	}()

	sink := writerSink{writer: writer, logger: spec.Logger}

	return ptrace.Run(ctx, ptrace.Options{
		Path:     spec.Path,
		Args:     spec.Args,
		Env:      spec.Env,
		Dir:      spec.WorkingDirectory,
		Manifest: spec.Manifest,
		Sink:     sink,
		Logger:   spec.Logger,
		Stdout:   spec.Stdout,
		Stderr:   spec.Stderr,
	})
}

// writerSink adapts a transport.Writer to the ptrace package's EventSink
// interface.
type writerSink struct {
	writer *transport.Writer
	logger *logging.Logger
}

func (s writerSink) Emit(ev event.Event) {
	if err := s.writer.WriteEvent(ev); err != nil {
		s.logger.Warnf("sandbox: unable to write event to transport: %v", err)
	}
}

// NewTemporaryScope creates a fresh per-pip temporary directory under root
// (typically the build's cache-root temp directory,
// filesystem.TemporaryDirectoryName) and returns its path, already
// registered as an untracked, read-write temporary scope on manifest
// (§4.5.4's "per-pip temp directories").
func NewTemporaryScope(root string, manifest *policy.Manifest, namePrefix string) (string, error) {
	directory, err := os.MkdirTemp(root, namePrefix)
	if err != nil {
		return "", err
	}
	directory = filepath.Clean(directory)
	if manifest != nil {
		manifest.AddTemporaryScope(directory)
	}
	return directory, nil
}
