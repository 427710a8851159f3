// Package cmd provides small helpers shared by the buildxl command-line
// entry points, kept deliberately thin: error reporting, a Cobra entry
// point adapter that preserves defer-based cleanup, and the signal set
// that requests graceful termination.
package cmd

import (
	"fmt"
	"os"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Warning prints a warning message to standard error.
func Warning(message string) {
	fmt.Fprintln(color.Error, color.YellowString("Warning:"), message)
}

// Error prints an error message to standard error.
func Error(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
}

// Fatal prints an error message to standard error and terminates the
// process with an error exit code.
func Fatal(err error) {
	Error(err)
	os.Exit(1)
}

// Mainify wraps a Cobra entry point that returns an error, producing the
// standard Cobra Run signature. Unlike calling os.Exit directly from the
// entry point, this lets the entry point's own defers (closing the
// content store, flushing the execution log) run before the process
// terminates.
func Mainify(entry func(*cobra.Command, []string) error) func(*cobra.Command, []string) {
	return func(command *cobra.Command, arguments []string) {
		if err := entry(command, arguments); err != nil {
			Fatal(err)
		}
	}
}

// TerminationSignals are the signals a long-running buildxl process
// treats as a graceful shutdown request.
var TerminationSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
}
