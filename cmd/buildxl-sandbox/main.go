// Command buildxl-sandbox is a standalone out-of-process sandbox
// supervisor, mirroring Mutagen's cmd/mutagen-agent: a minimal
// package main that reads a request off standard input, performs one
// task, and writes the result to standard output. The in-process
// executor calls pkg/sandbox.Supervise directly and has no need for
// this binary; it exists as the demonstrative standalone entry point
// the module map calls for, for driving a sandboxed run in isolation
// (e.g. under an external process-launching collaborator) without
// linking the rest of the core.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	topcmd "github.com/buildxl-go/buildxl/cmd"
	"github.com/buildxl-go/buildxl/pkg/sandbox"
	"github.com/buildxl-go/buildxl/pkg/sandbox/policy"
)

// request is the standalone supervisor's standard-input schema: a flat
// description of one sandboxed run, expanded into a sandbox.Spec with a
// freshly built policy.Manifest.
type request struct {
	Path               string   `yaml:"path"`
	Args               []string `yaml:"args"`
	Env                []string `yaml:"env"`
	WorkingDirectory   string   `yaml:"workingDirectory"`
	TransportDirectory string   `yaml:"transportDirectory"`

	ReadableScopes  []string `yaml:"readableScopes"`
	WritableScopes  []string `yaml:"writableScopes"`
	UntrackedScopes []string `yaml:"untrackedScopes"`
}

// response is the standalone supervisor's standard-output schema.
type response struct {
	ExitCode int      `yaml:"exitCode"`
	Events   []string `yaml:"events"`
	Error    string   `yaml:"error,omitempty"`
}

func buildManifest(req request) *policy.Manifest {
	manifest := policy.NewManifest()
	for _, scope := range req.ReadableScopes {
		manifest.AddScope(scope, policy.AllowRead|policy.AllowProbe|policy.Report)
	}
	for _, scope := range req.WritableScopes {
		manifest.AddScope(scope, policy.AllowRead|policy.AllowWrite|policy.AllowProbe|policy.Report)
	}
	for _, scope := range req.UntrackedScopes {
		manifest.AddUntrackedScope(scope)
	}
	return manifest
}

func run() error {
	var req request
	if err := yaml.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return errors.Wrap(err, "unable to decode sandbox request")
	}

	spec := sandbox.Spec{
		Path:               req.Path,
		Args:               req.Args,
		Env:                req.Env,
		WorkingDirectory:   req.WorkingDirectory,
		Manifest:           buildManifest(req),
		TransportDirectory: req.TransportDirectory,
		Stdout:             os.Stderr,
		Stderr:             os.Stderr,
	}

	result, err := sandbox.Supervise(context.Background(), spec)

	resp := response{}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.ExitCode = result.ExitCode
		resp.Events = make([]string, len(result.Events))
		for i, ev := range result.Events {
			resp.Events[i] = ev.Encode()
		}
	}

	encoder := yaml.NewEncoder(os.Stdout)
	defer encoder.Close()
	if encodeErr := encoder.Encode(resp); encodeErr != nil {
		return errors.Wrap(encodeErr, "unable to encode sandbox response")
	}
	if err != nil {
		return fmt.Errorf("sandboxed run failed: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		topcmd.Fatal(err)
	}
}
