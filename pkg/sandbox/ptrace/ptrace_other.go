// +build !linux !amd64

package ptrace

import (
	"context"
	"errors"
	"io"

	"github.com/buildxl-go/buildxl/pkg/logging"
	"github.com/buildxl-go/buildxl/pkg/sandbox/event"
	"github.com/buildxl-go/buildxl/pkg/sandbox/policy"
)

// EventSink receives events as the tracer observes them.
type EventSink interface {
	Emit(event.Event)
}

// Options configures a ptrace-supervised run.
type Options struct {
	Path     string
	Args     []string
	Env      []string
	Dir      string
	Manifest *policy.Manifest
	Sink     EventSink
	Logger   *logging.Logger
	Stdout   io.Writer
	Stderr   io.Writer
}

// Result is the outcome of a supervised run.
type Result struct {
	ExitCode int
}

// errUnsupported is returned by Run on every platform other than
// linux/amd64, the only architecture whose PtraceRegs layout this package
// currently decodes. Supervisor callers fall back to reporting this error
// to the pip executor, which surfaces it as an infrastructure failure
// rather than a pip failure (§7).
var errUnsupported = errors.New("ptrace: syscall interception is not implemented on this platform")

// Run always fails on unsupported platforms.
func Run(ctx context.Context, opts Options) (*Result, error) {
	return nil, errUnsupported
}
