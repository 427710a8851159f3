// Package executor implements the Pip Executor state machine of §4.6:
// cache lookup, sandboxed execution, output validation, and publish,
// driving the Content-Addressed Store, the Two-Phase Fingerprint Store,
// the File Content Manager, and the sandbox into one per-pip pipeline.
//
// Grounded on Mutagen's synchronization controller
// (pkg/synchronization/controller.go): the lifecycleLock-guarded
// resume/halt/autoReconnect shape there grounds this package's State
// enum and its bounded retry_exit_codes loop (§4.6 step 3), though here
// retries are a fixed per-execute bound rather than an indefinite
// auto-reconnect, since a pip retry is a correctness mechanism (some
// tools legitimately need a second attempt) rather than a resilience one.
package executor

import (
	"context"
	"time"

	"github.com/buildxl-go/buildxl/pkg/buildcontext"
	"github.com/buildxl-go/buildxl/pkg/cas"
	"github.com/buildxl-go/buildxl/pkg/corerrors"
	"github.com/buildxl-go/buildxl/pkg/filecontent"
	"github.com/buildxl-go/buildxl/pkg/graph"
	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/pip"
	"github.com/buildxl-go/buildxl/pkg/tpfs"
)

// State is one state of the per-pip state machine of §4.6.
type State int

const (
	Waiting State = iota
	MaterializingInputs
	CacheCheck
	Executing
	DeployingFromCache
	ValidatingOutputs
	Publishing
	Done
)

// String renders the state's name.
func (s State) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case MaterializingInputs:
		return "MaterializingInputs"
	case CacheCheck:
		return "CacheCheck"
	case Executing:
		return "Executing"
	case DeployingFromCache:
		return "DeployingFromCache"
	case ValidatingOutputs:
		return "ValidatingOutputs"
	case Publishing:
		return "Publishing"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Outcome is one of the terminal outcomes named in §4.6.
type Outcome int

const (
	Succeeded Outcome = iota
	UpToDate
	DeployedFromCache
	Failed
)

// String renders the outcome's name.
func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "Succeeded"
	case UpToDate:
		return "UpToDate"
	case DeployedFromCache:
		return "DeployedFromCache"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Result is the full outcome of executing one pip.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Err      error

	// WeakFingerprint and StrongFingerprint are recorded for every
	// execution, cache hit or not, for diagnostics and the stable-id/
	// semi-stable-hash failure rendering of §7.
	WeakFingerprint   hash.Hash
	StrongFingerprint hash.Hash

	// VisitedCandidates and VisitedAbsentCandidates are the §8 cache-lookup
	// counters: total candidates replayed and how many resolved to an
	// Absent (evicted) entry rather than a structural mismatch.
	VisitedCandidates       int
	VisitedAbsentCandidates int

	// Uncacheable marks a successful execution that must not be published,
	// either because of a non-cacheable allowlist match or a CacheFailure
	// from TPFS/CAS (§4.6 step 3, §7).
	Uncacheable bool

	// Warnings holds the warning-regex matches from this execution, or the
	// replayed cached warning text on a cache hit (§4.6 step 7).
	Warnings []string

	// Origin records how the pip's outputs ended up on disk, mirroring
	// filecontent.Origin for reporting.
	Origin filecontent.Origin
}

// IPCProvider is the external collaborator interface for Ipc pips (§6:
// "the core uses send(payload) -> result only").
type IPCProvider interface {
	Send(ctx context.Context, connectionPath string, payload []byte, timeout time.Duration) ([]byte, error)
}

// Executor runs pips against the core's persisted state. One Executor
// serves an entire build; concurrent Execute calls for distinct pips are
// safe (the locking discipline of §5 is enforced by the stores
// themselves, not by this package).
type Executor struct {
	CAS         *cas.Store
	TPFS        *tpfs.Store
	FileContent *filecontent.Manager
	Context     *buildcontext.Context
	IPC         IPCProvider

	// Mounts resolves the logical mount names used for path tokenization
	// (§4.3's ProducesPathIndependentOutputs) and untracked-scope
	// enforcement (§6). It may be nil, in which case no pip can opt into
	// path-independent fingerprints and no mount contributes an implicit
	// untracked scope.
	Mounts graph.MountTable

	// MaximumRetries bounds the retry_exit_codes loop of §4.6 step 3. Zero
	// means a single attempt with no retry.
	MaximumRetries int
}

// New constructs an Executor. ipcProvider may be nil if the build
// contains no Ipc pips; mounts may be nil if the build declares none.
func New(casStore *cas.Store, tpfsStore *tpfs.Store, fileContent *filecontent.Manager, buildCtx *buildcontext.Context, ipcProvider IPCProvider, mounts graph.MountTable) *Executor {
	return &Executor{
		CAS:            casStore,
		TPFS:           tpfsStore,
		FileContent:    fileContent,
		Context:        buildCtx,
		IPC:            ipcProvider,
		Mounts:         mounts,
		MaximumRetries: 2,
	}
}

// Execute runs p to completion, dispatching on its kind. Value, SpecFile,
// and Module pips are pure graph nodes (pip.Kind.Executes reports false
// for them) and succeed immediately without touching any store.
func (e *Executor) Execute(ctx context.Context, p pip.Pip) (*Result, error) {
	if err := pip.Validate(p); err != nil {
		return nil, corerrors.Wrap(corerrors.InvalidInput, "pip declaration is invalid", err)
	}
	if !p.Kind().Executes() {
		return &Result{Outcome: Succeeded}, nil
	}

	switch concrete := p.(type) {
	case *pip.ProcessPip:
		return e.runProcess(ctx, concrete)
	case *pip.CopyFilePip:
		return e.runCopyFile(concrete)
	case *pip.WriteFilePip:
		return e.runWriteFile(concrete)
	case *pip.HashSourceFilePip:
		return e.runHashSourceFile(concrete)
	case *pip.SealDirectoryPip:
		return e.runSealDirectory(concrete)
	case *pip.IpcPip:
		return e.runIpc(ctx, concrete)
	default:
		return nil, corerrors.New(corerrors.InternalError, "executor: unhandled pip kind "+p.Kind().String())
	}
}
