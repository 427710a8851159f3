// Package pip defines the data model for the build engine's actions
// ("pips"): file artifacts, directory artifacts, and the nine pip kinds
// that populate a build graph. It deliberately avoids a deep
// inheritance hierarchy (the "Pip" base class with virtual overrides
// per kind that real build engines in other languages tend to grow):
// Kind is a closed tag, Pip is a narrow interface exposing only the
// fields every kind shares, and callers that need kind-specific
// behavior (the fingerprinter, the executor) type-switch on the
// concrete struct.
package pip

import (
	"fmt"
	"time"

	"github.com/buildxl-go/buildxl/pkg/encoding"
	"github.com/buildxl-go/buildxl/pkg/hash"
)

// Kind is the closed set of pip kinds.
type Kind int

const (
	// Process runs an external executable under the sandbox.
	Process Kind = iota
	// CopyFile copies a single source file to a single destination path.
	CopyFile
	// WriteFile writes a literal byte sequence to a destination path.
	WriteFile
	// SealDirectory seals the contents of a directory (fully or as a
	// shared opaque) so that downstream pips may depend on it as a unit.
	SealDirectory
	// HashSourceFile computes and records the content hash of a source
	// file without otherwise acting on it.
	HashSourceFile
	// Value represents a graph node with no filesystem side effects,
	// used to force evaluation ordering between specification-level
	// computations.
	Value
	// SpecFile represents a build specification file as a graph node so
	// that changes to it invalidate dependents.
	SpecFile
	// Module groups a set of pips under a named scope for reporting.
	Module
	// Ipc sends a payload to an external collaborator process and waits
	// for a response; pkg/ipc dials a fresh connection for each send.
	Ipc
)

// String renders the kind's name.
func (k Kind) String() string {
	switch k {
	case Process:
		return "Process"
	case CopyFile:
		return "CopyFile"
	case WriteFile:
		return "WriteFile"
	case SealDirectory:
		return "SealDirectory"
	case Ipc:
		return "Ipc"
	case HashSourceFile:
		return "HashSourceFile"
	case Value:
		return "Value"
	case SpecFile:
		return "SpecFile"
	case Module:
		return "Module"
	default:
		return "Unknown"
	}
}

// Executes reports whether pips of this kind perform any action beyond
// bookkeeping (Value, SpecFile, and Module pips are pure graph nodes).
func (k Kind) Executes() bool {
	switch k {
	case Value, SpecFile, Module:
		return false
	default:
		return true
	}
}

// ExistenceRequirement classifies how strictly an output must appear on
// disk after execution.
type ExistenceRequirement int

const (
	// Required outputs must exist after a successful execution or
	// output validation fails.
	Required ExistenceRequirement = iota
	// Optional outputs may be absent; their absence is recorded as
	// hash.Absent in the resulting cache entry.
	Optional
	// Temporary outputs are excluded from the cache entry even when
	// present on disk.
	Temporary
)

// FileArtifact is a (path, write-count) pair. A write-count of zero
// marks a source file; a positive write-count marks a pip output,
// distinguishing the nth rewrite of a path.
type FileArtifact struct {
	Path       string
	WriteCount uint32
}

// IsSourceFile reports whether this artifact names a source file (not
// produced by any pip in the graph).
func (f FileArtifact) IsSourceFile() bool {
	return f.WriteCount == 0
}

// OutputFile pairs a file artifact with its existence requirement.
type OutputFile struct {
	FileArtifact
	Existence ExistenceRequirement
}

// DirectoryArtifact is a (path, partial-seal-id, is-shared-opaque)
// triple. A partial-seal-id of zero denotes the canonical seal of the
// directory; nonzero ids distinguish multiple overlapping seals of the
// same path. Shared-opaque directories admit multiple writers and
// their contents are known only after execution.
type DirectoryArtifact struct {
	Path           string
	PartialSealID  uint64
	IsSharedOpaque bool
}

// ProcessOptions is a bitfield of process-pip toggles (§3, "Process
// Options").
type ProcessOptions uint8

const (
	// OutputsMustRemainWritable forces materialization by copy, never
	// hardlink, for this pip's outputs.
	OutputsMustRemainWritable ProcessOptions = 1 << iota
	// AllowPreserveOutputs lets prior outputs remain on disk as
	// execution inputs when preserve-outputs mode is enabled build-wide.
	AllowPreserveOutputs
	// ProducesPathIndependentOutputs causes the fingerprinter to omit
	// absolute roots, making the weak fingerprint reroot-independent.
	ProducesPathIndependentOutputs
	// RequireGlobalDependencies adopts process-wide untracked scopes
	// and pass-through environment variables for this pip.
	RequireGlobalDependencies
)

// Has reports whether the option set includes flag.
func (o ProcessOptions) Has(flag ProcessOptions) bool {
	return o&flag != 0
}

// Declaration holds the fields common to every pip kind: identity,
// declared dependencies, and declared outputs.
type Declaration struct {
	// ID is the pip's stable 64-bit identity hash, computed upstream by
	// the graph builder from the pip's kind and declared fields.
	ID uint64
	// Inputs are the file artifacts this pip declares as dependencies.
	Inputs []FileArtifact
	// InputDirectories are the directory artifacts this pip declares as
	// dependencies.
	InputDirectories []DirectoryArtifact
	// OrderOnlyDependencies are the identities of pips that must
	// complete before this one runs, without contributing to its
	// fingerprint (scheduling-only edges).
	OrderOnlyDependencies []uint64
	// Outputs are the file artifacts this pip declares as outputs.
	Outputs []OutputFile
	// OutputDirectories are the directory artifacts this pip declares
	// as outputs.
	OutputDirectories []DirectoryArtifact
}

// IdentityString renders the pip's identity as a filesystem-safe
// Base62 string, for use in temp directory and log file names.
func (d Declaration) IdentityString() string {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(d.ID >> (8 * i))
	}
	return encoding.EncodeBase62(buf[:])
}

// ProcessSpec carries the fields specific to a Process pip.
type ProcessSpec struct {
	Executable             string
	ExecutableHash         hash.Hash
	Arguments               []string
	Environment             map[string]string
	PassThroughEnvironment  []string
	WorkingDirectory        string
	UntrackedPaths          []string
	UntrackedScopes         []string
	SuccessExitCodes        []int
	RetryExitCodes          []int
	UncacheableExitCodes    []int
	WarningRegex            string
	ErrorRegex              string
	SemaphoreRequirements   map[string]int
	Timeout                 time.Duration
	Options                 ProcessOptions
}

// Pip is the narrow interface shared by every pip kind. Kind-specific
// behavior is reached by type-switching on the concrete struct rather
// than through virtual methods, keeping this interface small and
// stable as new kinds are added.
type Pip interface {
	// Kind returns the pip's kind tag.
	Kind() Kind
	// Declaration returns the pip's common declared fields.
	Declaration() Declaration
}

// ProcessPip runs an external executable under the sandbox.
type ProcessPip struct {
	Decl Declaration
	Spec ProcessSpec
}

func (p *ProcessPip) Kind() Kind              { return Process }
func (p *ProcessPip) Declaration() Declaration { return p.Decl }

// CopyFilePip copies a single source file to a single destination path.
type CopyFilePip struct {
	Decl        Declaration
	Source      FileArtifact
	Destination FileArtifact
}

func (p *CopyFilePip) Kind() Kind              { return CopyFile }
func (p *CopyFilePip) Declaration() Declaration { return p.Decl }

// WriteFilePip writes a literal byte sequence to a destination path.
type WriteFilePip struct {
	Decl        Declaration
	Destination FileArtifact
	Content     []byte
}

func (p *WriteFilePip) Kind() Kind              { return WriteFile }
func (p *WriteFilePip) Declaration() Declaration { return p.Decl }

// SealDirectoryPip seals the contents of a directory.
type SealDirectoryPip struct {
	Decl      Declaration
	Directory DirectoryArtifact
	// Contents enumerates the sealed file set for a fully-sealed
	// (non-shared-opaque) directory; nil for shared opaques, whose
	// contents are discovered post-execution by the pips that write
	// into them.
	Contents []FileArtifact
}

func (p *SealDirectoryPip) Kind() Kind              { return SealDirectory }
func (p *SealDirectoryPip) Declaration() Declaration { return p.Decl }

// IpcPip sends a payload to an external collaborator and waits for a
// response, via the pkg/ipc transport.
type IpcPip struct {
	Decl           Declaration
	ConnectionPath string
	Payload        []byte
	MessageTimeout time.Duration
}

func (p *IpcPip) Kind() Kind              { return Ipc }
func (p *IpcPip) Declaration() Declaration { return p.Decl }

// HashSourceFilePip computes and records the content hash of a source
// file without otherwise touching it, used to let specification-level
// logic depend on a source file's identity.
type HashSourceFilePip struct {
	Decl   Declaration
	Source FileArtifact
}

func (p *HashSourceFilePip) Kind() Kind              { return HashSourceFile }
func (p *HashSourceFilePip) Declaration() Declaration { return p.Decl }

// ValuePip is a pure graph node with no filesystem side effects.
type ValuePip struct {
	Decl Declaration
	Name string
}

func (p *ValuePip) Kind() Kind              { return Value }
func (p *ValuePip) Declaration() Declaration { return p.Decl }

// SpecFilePip represents a build specification file as a graph node.
type SpecFilePip struct {
	Decl Declaration
	Path string
}

func (p *SpecFilePip) Kind() Kind              { return SpecFile }
func (p *SpecFilePip) Declaration() Declaration { return p.Decl }

// ModulePip groups a set of pips under a named scope for reporting.
type ModulePip struct {
	Decl Declaration
	Name string
}

func (p *ModulePip) Kind() Kind              { return Module }
func (p *ModulePip) Declaration() Declaration { return p.Decl }

// Validate checks the invariants common to every pip kind: no output path
// may be declared more than once, and order-only
// dependencies must not duplicate a pip's own identity.
func Validate(p Pip) error {
	decl := p.Declaration()
	seen := make(map[string]bool, len(decl.Outputs))
	for _, output := range decl.Outputs {
		if seen[output.Path] {
			return fmt.Errorf("pip %s declares output %q more than once", decl.IdentityString(), output.Path)
		}
		seen[output.Path] = true
	}
	for _, dependency := range decl.OrderOnlyDependencies {
		if dependency == decl.ID {
			return fmt.Errorf("pip %s lists itself as an order-only dependency", decl.IdentityString())
		}
	}
	return nil
}
