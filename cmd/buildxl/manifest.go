package main

import (
	"fmt"
	"time"

	"github.com/buildxl-go/buildxl/pkg/graph"
	"github.com/buildxl-go/buildxl/pkg/pip"
)

// manifest is the on-disk description of one build: the mounts its pips
// may touch and the pips themselves. Full build-graph construction
// (specification evaluation, dependency inference from a higher-level
// build language) is out of scope (§6, §Non-goals); a manifest is the
// minimum surface needed to exercise the core end to end, describing a
// graph that has already been fully resolved.
type manifest struct {
	Mounts []manifestMount `yaml:"mounts"`
	Pips   []manifestPip   `yaml:"pips"`
}

type manifestMount struct {
	Name      string `yaml:"name"`
	Root      string `yaml:"root"`
	Readable  bool   `yaml:"readable"`
	Writable  bool   `yaml:"writable"`
	Trackable bool   `yaml:"trackable"`
}

// manifestPip is a sparse, kind-tagged record covering every pip kind:
// the kinds the executor runs directly (§4.6), namely Process, CopyFile,
// WriteFile, HashSourceFile, SealDirectory, and Ipc, and the pure graph
// nodes Value, SpecFile, and Module, which carry only their ID plus a
// Name (Value, Module) or a Path (SpecFile).
type manifestPip struct {
	Kind string `yaml:"kind"`
	ID   uint64 `yaml:"id"`

	Inputs                []manifestFileArtifact      `yaml:"inputs,omitempty"`
	InputDirectories       []manifestDirectoryArtifact `yaml:"inputDirectories,omitempty"`
	OrderOnlyDependencies  []uint64                    `yaml:"orderOnlyDependencies,omitempty"`
	Outputs                []manifestOutputFile        `yaml:"outputs,omitempty"`
	OutputDirectories      []manifestDirectoryArtifact `yaml:"outputDirectories,omitempty"`

	// Process fields.
	Executable       string            `yaml:"executable,omitempty"`
	Arguments        []string          `yaml:"arguments,omitempty"`
	Environment      map[string]string `yaml:"environment,omitempty"`
	WorkingDirectory string            `yaml:"workingDirectory,omitempty"`
	UntrackedPaths   []string          `yaml:"untrackedPaths,omitempty"`
	UntrackedScopes  []string          `yaml:"untrackedScopes,omitempty"`
	SuccessExitCodes []int             `yaml:"successExitCodes,omitempty"`
	TimeoutSeconds   int               `yaml:"timeoutSeconds,omitempty"`

	// CopyFile fields.
	Source      manifestFileArtifact `yaml:"source,omitempty"`
	Destination manifestFileArtifact `yaml:"destination,omitempty"`

	// WriteFile fields.
	Content string `yaml:"content,omitempty"`

	// SealDirectory fields.
	Directory      manifestDirectoryArtifact `yaml:"directory,omitempty"`
	Contents       []manifestFileArtifact    `yaml:"contents,omitempty"`
	IsSharedOpaque bool                      `yaml:"isSharedOpaque,omitempty"`

	// Ipc fields.
	ConnectionPath        string `yaml:"connectionPath,omitempty"`
	Payload               string `yaml:"payload,omitempty"`
	MessageTimeoutSeconds int    `yaml:"messageTimeoutSeconds,omitempty"`

	// Value/SpecFile/Module fields.
	Name string `yaml:"name,omitempty"`
	Path string `yaml:"path,omitempty"`
}

type manifestFileArtifact struct {
	Path       string `yaml:"path"`
	WriteCount uint32 `yaml:"writeCount"`
}

func (a manifestFileArtifact) toFileArtifact() pip.FileArtifact {
	return pip.FileArtifact{Path: a.Path, WriteCount: a.WriteCount}
}

type manifestOutputFile struct {
	manifestFileArtifact `yaml:",inline"`
	Existence            string `yaml:"existence,omitempty"`
}

func (o manifestOutputFile) toOutputFile() (pip.OutputFile, error) {
	existence, err := parseExistenceRequirement(o.Existence)
	if err != nil {
		return pip.OutputFile{}, err
	}
	return pip.OutputFile{FileArtifact: o.toFileArtifact(), Existence: existence}, nil
}

func parseExistenceRequirement(value string) (pip.ExistenceRequirement, error) {
	switch value {
	case "", "required":
		return pip.Required, nil
	case "optional":
		return pip.Optional, nil
	case "temporary":
		return pip.Temporary, nil
	default:
		return 0, fmt.Errorf("unknown existence requirement %q", value)
	}
}

type manifestDirectoryArtifact struct {
	Path           string `yaml:"path"`
	PartialSealID  uint64 `yaml:"partialSealId,omitempty"`
	IsSharedOpaque bool   `yaml:"isSharedOpaque,omitempty"`
}

func (a manifestDirectoryArtifact) toDirectoryArtifact() pip.DirectoryArtifact {
	return pip.DirectoryArtifact{
		Path:           a.Path,
		PartialSealID:  a.PartialSealID,
		IsSharedOpaque: a.IsSharedOpaque,
	}
}

// toMounts converts the manifest's mount entries into graph.Mount values.
func (m *manifest) toMounts() []graph.Mount {
	mounts := make([]graph.Mount, 0, len(m.Mounts))
	for _, entry := range m.Mounts {
		mounts = append(mounts, graph.Mount{
			Name:      entry.Name,
			Root:      entry.Root,
			Readable:  entry.Readable,
			Writable:  entry.Writable,
			Trackable: entry.Trackable,
		})
	}
	return mounts
}

// toPips converts the manifest's pip entries into concrete pip.Pip
// values, dispatching on Kind.
func (m *manifest) toPips() ([]pip.Pip, error) {
	pips := make([]pip.Pip, 0, len(m.Pips))
	for _, entry := range m.Pips {
		p, err := entry.toPip()
		if err != nil {
			return nil, fmt.Errorf("pip %d: %w", entry.ID, err)
		}
		pips = append(pips, p)
	}
	return pips, nil
}

func (e manifestPip) declaration() (pip.Declaration, error) {
	outputs := make([]pip.OutputFile, 0, len(e.Outputs))
	for _, output := range e.Outputs {
		converted, err := output.toOutputFile()
		if err != nil {
			return pip.Declaration{}, err
		}
		outputs = append(outputs, converted)
	}

	inputDirectories := make([]pip.DirectoryArtifact, 0, len(e.InputDirectories))
	for _, directory := range e.InputDirectories {
		inputDirectories = append(inputDirectories, directory.toDirectoryArtifact())
	}
	outputDirectories := make([]pip.DirectoryArtifact, 0, len(e.OutputDirectories))
	for _, directory := range e.OutputDirectories {
		outputDirectories = append(outputDirectories, directory.toDirectoryArtifact())
	}
	inputs := make([]pip.FileArtifact, 0, len(e.Inputs))
	for _, input := range e.Inputs {
		inputs = append(inputs, input.toFileArtifact())
	}

	return pip.Declaration{
		ID:                    e.ID,
		Inputs:                inputs,
		InputDirectories:      inputDirectories,
		OrderOnlyDependencies: e.OrderOnlyDependencies,
		Outputs:               outputs,
		OutputDirectories:     outputDirectories,
	}, nil
}

func (e manifestPip) toPip() (pip.Pip, error) {
	decl, err := e.declaration()
	if err != nil {
		return nil, err
	}

	switch e.Kind {
	case "Process":
		return &pip.ProcessPip{
			Decl: decl,
			Spec: pip.ProcessSpec{
				Executable:             e.Executable,
				Arguments:              e.Arguments,
				Environment:            e.Environment,
				WorkingDirectory:       e.WorkingDirectory,
				UntrackedPaths:         e.UntrackedPaths,
				UntrackedScopes:        e.UntrackedScopes,
				SuccessExitCodes:       e.SuccessExitCodes,
				Timeout:                time.Duration(e.TimeoutSeconds) * time.Second,
			},
		}, nil
	case "CopyFile":
		return &pip.CopyFilePip{
			Decl:        decl,
			Source:      e.Source.toFileArtifact(),
			Destination: e.Destination.toFileArtifact(),
		}, nil
	case "WriteFile":
		return &pip.WriteFilePip{
			Decl:        decl,
			Destination: e.Destination.toFileArtifact(),
			Content:     []byte(e.Content),
		}, nil
	case "HashSourceFile":
		return &pip.HashSourceFilePip{
			Decl:   decl,
			Source: e.Source.toFileArtifact(),
		}, nil
	case "SealDirectory":
		contents := make([]pip.FileArtifact, 0, len(e.Contents))
		for _, content := range e.Contents {
			contents = append(contents, content.toFileArtifact())
		}
		directory := e.Directory.toDirectoryArtifact()
		directory.IsSharedOpaque = e.IsSharedOpaque || directory.IsSharedOpaque
		return &pip.SealDirectoryPip{
			Decl:      decl,
			Directory: directory,
			Contents:  contents,
		}, nil
	case "Ipc":
		return &pip.IpcPip{
			Decl:           decl,
			ConnectionPath: e.ConnectionPath,
			Payload:        []byte(e.Payload),
			MessageTimeout: time.Duration(e.MessageTimeoutSeconds) * time.Second,
		}, nil
	case "Value":
		return &pip.ValuePip{Decl: decl, Name: e.Name}, nil
	case "SpecFile":
		return &pip.SpecFilePip{Decl: decl, Path: e.Path}, nil
	case "Module":
		return &pip.ModulePip{Decl: decl, Name: e.Name}, nil
	default:
		return nil, fmt.Errorf("unknown pip kind %q", e.Kind)
	}
}
