package executor

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/buildxl-go/buildxl/pkg/buildcontext"
	"github.com/buildxl-go/buildxl/pkg/cas"
	"github.com/buildxl-go/buildxl/pkg/contextutil"
	"github.com/buildxl-go/buildxl/pkg/corerrors"
	"github.com/buildxl-go/buildxl/pkg/encoding"
	"github.com/buildxl-go/buildxl/pkg/environment"
	"github.com/buildxl-go/buildxl/pkg/filecontent"
	"github.com/buildxl-go/buildxl/pkg/filesystem"
	"github.com/buildxl-go/buildxl/pkg/fingerprint"
	"github.com/buildxl-go/buildxl/pkg/graph"
	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/pathset"
	"github.com/buildxl-go/buildxl/pkg/pip"
	"github.com/buildxl-go/buildxl/pkg/sandbox"
	"github.com/buildxl-go/buildxl/pkg/sandbox/event"
	"github.com/buildxl-go/buildxl/pkg/sandbox/policy"
	"github.com/buildxl-go/buildxl/pkg/tpfs"
)

// runProcess drives a single Process pip through the full state machine of
// §4.6: cache lookup, sandboxed execution (with bounded retries), output
// validation, and publish.
func (e *Executor) runProcess(ctx context.Context, p *pip.ProcessPip) (*Result, error) {
	weak := fingerprint.ComputeWeak(e.Context, p, nil, e.Mounts)

	hit, result, err := e.lookupCache(p, weak)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		return hit, nil
	}
	visited, visitedAbsent := result.VisitedCandidates, result.VisitedAbsentCandidates

	manifest := buildManifest(p, e.Mounts)

	temporaryRoot := filepath.Join(e.Context.CacheRoot, filesystem.TemporaryDirectoryName)
	if err := os.MkdirAll(temporaryRoot, 0700); err != nil {
		return nil, corerrors.Wrap(corerrors.TransientIO, "unable to create temporary root", err)
	}
	scope, err := sandbox.NewTemporaryScope(temporaryRoot, manifest, p.Decl.IdentityString()+"-")
	if err != nil {
		return nil, corerrors.Wrap(corerrors.TransientIO, "unable to create pip temporary scope", err)
	}
	defer os.RemoveAll(scope)

	if err := e.materializeInputs(p); err != nil {
		return nil, err
	}

	runResult, runErr := e.executeWithRetries(ctx, p, manifest, scope)
	if runErr != nil {
		return nil, runErr
	}

	observedSet := buildPathSetFromEvents(runResult.events)
	strong := fingerprint.ComputeStrongFromSet(weak, observedSet)

	fatal, uncacheable := evaluateViolations(runResult.events, manifest, e.Context.UnexpectedAccessesAreErrors)
	if fatal {
		return &Result{
			Outcome:                 Failed,
			ExitCode:                runResult.exitCode,
			Err:                     corerrors.New(corerrors.MonitoringViolation, "pip accessed a path outside its declared manifest"),
			WeakFingerprint:         weak,
			StrongFingerprint:       strong,
			VisitedCandidates:       visited,
			VisitedAbsentCandidates: visitedAbsent,
		}, nil
	}

	warnings, errorMatched := applyDiagnosticRegexes(p.Spec.WarningRegex, p.Spec.ErrorRegex, runResult.stdout, runResult.stderr)

	succeeded := exitCodeSucceeds(runResult.exitCode, p.Spec.SuccessExitCodes)
	if !succeeded || errorMatched {
		return &Result{
			Outcome:                 Failed,
			ExitCode:                runResult.exitCode,
			Err:                     corerrors.New(corerrors.InvalidInput, "process pip did not complete successfully"),
			WeakFingerprint:         weak,
			StrongFingerprint:       strong,
			VisitedCandidates:       visited,
			VisitedAbsentCandidates: visitedAbsent,
			Warnings:                warnings,
		}, nil
	}
	if containsInt(p.Spec.UncacheableExitCodes, runResult.exitCode) {
		uncacheable = true
	}

	outputs, err := e.validateAndStoreOutputs(p)
	if err != nil {
		return &Result{
			Outcome:                 Failed,
			ExitCode:                runResult.exitCode,
			Err:                     err,
			WeakFingerprint:         weak,
			StrongFingerprint:       strong,
			VisitedCandidates:       visited,
			VisitedAbsentCandidates: visitedAbsent,
			Warnings:                warnings,
		}, nil
	}
	e.FileContent.RecordOrigin(p.Decl.ID, filecontent.Produced)

	out := &Result{
		Outcome:                 Succeeded,
		ExitCode:                runResult.exitCode,
		WeakFingerprint:         weak,
		StrongFingerprint:       strong,
		VisitedCandidates:       visited,
		VisitedAbsentCandidates: visitedAbsent,
		Uncacheable:             uncacheable,
		Warnings:                warnings,
		Origin:                  filecontent.Produced,
	}
	if uncacheable {
		return out, nil
	}

	if err := e.publish(p, weak, observedSet, strong, outputs, warnings); err != nil {
		// A publish failure does not invalidate a successful execution; the
		// pip's outputs are correct on disk regardless of whether this run's
		// result becomes visible to other candidates (§7: CacheFailure does
		// not propagate to the build as a whole).
		e.Context.Logger.Warnf("executor: unable to publish cache entry for pip %s: %v", p.Decl.IdentityString(), err)
	}
	return out, nil
}

// cacheLookup is the bookkeeping accumulated across the candidate-replay
// loop of §4.6 step 2, returned even when no hit is found so the caller can
// report visited/visited-absent counts on a subsequent miss.
type cacheLookup struct {
	VisitedCandidates       int
	VisitedAbsentCandidates int
}

// lookupCache replays every published candidate for weak against the
// current filesystem, returning a terminal *Result on the first
// satisfiable hit (UpToDate or DeployedFromCache), or nil with the
// accumulated visit counts if none hit.
func (e *Executor) lookupCache(p *pip.ProcessPip, weak hash.Hash) (*Result, cacheLookup, error) {
	var counters cacheLookup
	for candidate := range e.TPFS.ListByWeak(weak) {
		counters.VisitedCandidates++

		set, err := e.TPFS.LoadPathSet(weak, candidate.PathSetHash, candidate.StrongFingerprint)
		if err != nil {
			continue
		}
		satisfiable, _, err := set.Satisfiable(observeValue)
		if err != nil || !satisfiable {
			continue
		}
		strong := fingerprint.ComputeStrongFromSet(weak, set)
		if strong != candidate.StrongFingerprint {
			continue
		}

		entry, lookupResult, err := e.TPFS.GetEntry(weak, candidate.PathSetHash, strong)
		if err != nil {
			return nil, counters, err
		}
		switch lookupResult {
		case tpfs.Absent:
			counters.VisitedAbsentCandidates++
			continue
		case tpfs.Miss:
			continue
		}

		result, err := e.deployFromEntry(p, weak, strong, entry, counters)
		if err != nil {
			return nil, counters, err
		}
		return result, counters, nil
	}
	return nil, counters, nil
}

// deployFromEntry replays a cache hit: if every output is already present
// on disk at its recorded hash, the outcome is UpToDate with no
// materialization; otherwise outputs are materialized from the
// Content-Addressed Store and the outcome is DeployedFromCache.
func (e *Executor) deployFromEntry(p *pip.ProcessPip, weak, strong hash.Hash, entry tpfs.CacheEntry, counters cacheLookup) (*Result, error) {
	metadata, err := e.loadMetadata(entry.MetadataHash)
	if err != nil {
		return nil, err
	}

	upToDate := true
	for _, record := range metadata.Outputs {
		ok, err := e.FileContent.IsUpToDate(record.Path, record.Hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			upToDate = false
			break
		}
	}

	if upToDate {
		return &Result{
			Outcome:                 UpToDate,
			WeakFingerprint:         weak,
			StrongFingerprint:       strong,
			VisitedCandidates:       counters.VisitedCandidates,
			VisitedAbsentCandidates: counters.VisitedAbsentCandidates,
			Warnings:                metadata.Warnings,
			Origin:                  filecontent.UpToDate,
		}, nil
	}

	e.CAS.LoadAvailable(entry.OutputHashes)
	for _, record := range metadata.Outputs {
		if record.Hash.IsAbsent() {
			os.RemoveAll(record.Path)
			continue
		}
		if err := e.CAS.Materialize(record.Path, record.Hash, cas.HardLinkOrCopy); err != nil {
			return nil, corerrors.Wrap(corerrors.CacheFailure, "unable to materialize cached output "+record.Path, err)
		}
		if err := e.FileContent.Record(record.Path, record.Hash, cas.HardLinkOrCopy); err != nil {
			return nil, err
		}
	}
	e.FileContent.RecordOrigin(p.Decl.ID, filecontent.DeployedFromCache)

	return &Result{
		Outcome:                 DeployedFromCache,
		WeakFingerprint:         weak,
		StrongFingerprint:       strong,
		VisitedCandidates:       counters.VisitedCandidates,
		VisitedAbsentCandidates: counters.VisitedAbsentCandidates,
		Warnings:                metadata.Warnings,
		Origin:                  filecontent.DeployedFromCache,
	}, nil
}

// loadMetadata retrieves and decodes the metadata blob referenced by a
// cache entry.
func (e *Executor) loadMetadata(metadataHash hash.Hash) (*tpfs.Metadata, error) {
	e.CAS.LoadAvailable([]hash.Hash{metadataHash})
	stream, err := e.CAS.OpenStream(metadataHash)
	if err != nil {
		return nil, corerrors.Wrap(corerrors.CacheFailure, "unable to open cache entry metadata", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, corerrors.Wrap(corerrors.CacheFailure, "unable to read cache entry metadata", err)
	}
	var metadata tpfs.Metadata
	if err := encoding.UnmarshalYAMLBytes(data, &metadata); err != nil {
		return nil, corerrors.Wrap(corerrors.CacheFailure, "unable to decode cache entry metadata", err)
	}
	return &metadata, nil
}

// materializeInputs brings every declared input that is itself a prior
// pip's output to its recorded content hash on disk. Source inputs
// (WriteCount == 0) are assumed already present, since they originate
// outside the graph this executor schedules.
func (e *Executor) materializeInputs(p *pip.ProcessPip) error {
	for _, input := range p.Decl.Inputs {
		if input.IsSourceFile() {
			continue
		}
		contentHash, known := e.FileContent.ContentHash(input.Path)
		if !known {
			continue
		}
		upToDate, err := e.FileContent.IsUpToDate(input.Path, contentHash)
		if err != nil {
			return err
		}
		if upToDate {
			continue
		}
		if err := e.CAS.Materialize(input.Path, contentHash, cas.HardLinkOrCopy); err != nil {
			return corerrors.Wrap(corerrors.TransientIO, "unable to materialize input "+input.Path, err)
		}
	}
	return nil
}

// runOutcome is the raw result of one sandboxed attempt, before fingerprint
// and policy post-processing.
type runOutcome struct {
	exitCode int
	events   []event.Event
	stdout   []byte
	stderr   []byte
}

// executeWithRetries launches p under the sandbox, retrying with a fresh
// sandbox (no shared observations between attempts, per §4.6 step 3) while
// the exit code matches spec.RetryExitCodes and the retry budget remains.
func (e *Executor) executeWithRetries(ctx context.Context, p *pip.ProcessPip, manifest *policy.Manifest, scope string) (*runOutcome, error) {
	attempt := 0
	for {
		if contextutil.IsCancelled(ctx) {
			return nil, ctx.Err()
		}

		runCtx := ctx
		var cancel context.CancelFunc
		if p.Spec.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, p.Spec.Timeout)
		}

		var stdout, stderr bytes.Buffer
		run, err := sandbox.Supervise(runCtx, sandbox.Spec{
			Path:               p.Spec.Executable,
			Args:               p.Spec.Arguments,
			Env:                buildEnvironment(p, e.Context),
			WorkingDirectory:   p.Spec.WorkingDirectory,
			Manifest:           manifest,
			TransportDirectory: scope,
			Logger:             e.Context.Logger,
			Stdout:             &stdout,
			Stderr:             &stderr,
		})
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &runOutcome{exitCode: -1, stdout: stdout.Bytes(), stderr: stderr.Bytes()}, nil
			}
			return nil, corerrors.Wrap(corerrors.TransientIO, "unable to run pip under sandbox supervision", err)
		}

		result := &runOutcome{exitCode: run.ExitCode, events: run.Events, stdout: stdout.Bytes(), stderr: stderr.Bytes()}
		if exitCodeSucceeds(run.ExitCode, p.Spec.SuccessExitCodes) || !containsInt(p.Spec.RetryExitCodes, run.ExitCode) || attempt >= e.MaximumRetries {
			return result, nil
		}
		attempt++
		e.Context.Logger.Infof("executor: pip %s exited %d, retrying (attempt %d)", p.Decl.IdentityString(), run.ExitCode, attempt)
	}
}

// validateAndStoreOutputs checks every declared output against its
// existence requirement (§4.6 step 4), hashes and stores present outputs
// in the Content-Addressed Store, and records each in the File Content
// Manager. Temporary outputs are hashed for nothing: they are recorded for
// IsUpToDate bookkeeping but excluded from the returned records, which
// become the cache entry's output list.
func (e *Executor) validateAndStoreOutputs(p *pip.ProcessPip) ([]tpfs.OutputRecord, error) {
	records := make([]tpfs.OutputRecord, 0, len(p.Decl.Outputs))
	for _, output := range p.Decl.Outputs {
		contentHash, exists, err := hashPath(output.Path)
		if err != nil {
			return nil, corerrors.Wrap(corerrors.TransientIO, "unable to hash output "+output.Path, err)
		}
		if !exists {
			if output.Existence == pip.Required {
				return nil, corerrors.New(corerrors.InvalidInput, "required output "+output.Path+" is missing")
			}
			contentHash = hash.Absent
		} else {
			if err := e.CAS.Put(output.Path, contentHash, cas.HardLinkOrCopy); err != nil {
				return nil, corerrors.Wrap(corerrors.CacheFailure, "unable to store output "+output.Path, err)
			}
		}
		if err := e.FileContent.Record(output.Path, contentHash, cas.HardLinkOrCopy); err != nil {
			return nil, err
		}
		if output.Existence == pip.Temporary {
			continue
		}
		records = append(records, tpfs.OutputRecord{Path: output.Path, Hash: contentHash, Existence: output.Existence})
	}
	return records, nil
}

// publish stores the run's metadata blob and publishes the cache entry
// under (weak, path-set, strong), converging to an already-published
// winner on Conflict (§4.6 step 6).
func (e *Executor) publish(p *pip.ProcessPip, weak hash.Hash, set *pathset.PathSet, strong hash.Hash, outputs []tpfs.OutputRecord, warnings []string) error {
	outputHashes := make([]hash.Hash, len(outputs))
	for i, r := range outputs {
		outputHashes[i] = r.Hash
	}

	metadataBytes, err := encoding.MarshalYAMLBytes(&tpfs.Metadata{Outputs: outputs, Warnings: warnings})
	if err != nil {
		return errors.Wrap(err, "unable to encode cache entry metadata")
	}
	metadataHash, err := e.CAS.Store(metadataBytes, "", hash.Absent)
	if err != nil {
		return errors.Wrap(err, "unable to store cache entry metadata")
	}

	entry := tpfs.CacheEntry{StrongFingerprint: strong, OutputHashes: outputHashes, MetadataHash: metadataHash}
	if err := e.TPFS.SavePathSet(weak, strong, set); err != nil {
		return errors.Wrap(err, "unable to save path set")
	}

	outcome, err := e.TPFS.Publish(weak, set.Hash(), strong, entry, tpfs.CreateNew, p.Decl.IdentityString(), tpfs.LocalityLocal)
	if err != nil {
		return err
	}
	if outcome.Result != tpfs.Conflict {
		return nil
	}

	winnerMetadata, err := e.loadMetadata(outcome.Existing.MetadataHash)
	if err != nil {
		return err
	}
	e.CAS.LoadAvailable(outcome.Existing.OutputHashes)
	for _, record := range winnerMetadata.Outputs {
		if record.Hash.IsAbsent() {
			continue
		}
		if err := e.CAS.Materialize(record.Path, record.Hash, cas.HardLinkOrCopy); err != nil {
			return err
		}
		if err := e.FileContent.Record(record.Path, record.Hash, cas.HardLinkOrCopy); err != nil {
			return err
		}
	}
	e.FileContent.RecordOrigin(p.Decl.ID, filecontent.DeployedFromCache)
	for _, w := range winnerMetadata.Warnings {
		e.Context.Logger.Infof("executor: replaying cached warning for pip %s: %s", p.Decl.IdentityString(), w)
	}
	return nil
}

// buildManifest derives a pip's sandbox policy from its declared
// dependencies and outputs: declared inputs are read-only and reported,
// declared outputs are read-write and reported, and untracked
// paths/scopes are exempted entirely (§4.5.4). mounts contributes one
// additional untracked scope per non-trackable mount (§6: the mount
// table is consulted for untracked-scope enforcement), on top of the
// pip's own explicitly declared untracked paths/scopes; it may be nil.
func buildManifest(p *pip.ProcessPip, mounts graph.MountTable) *policy.Manifest {
	manifest := policy.NewManifest()
	for _, input := range p.Decl.Inputs {
		manifest.AddScope(input.Path, policy.AllowRead|policy.Report)
	}
	for _, directory := range p.Decl.InputDirectories {
		manifest.AddScope(directory.Path, policy.AllowRead|policy.Report)
	}
	for _, output := range p.Decl.Outputs {
		manifest.AddScope(output.Path, policy.AllowRead|policy.AllowWrite|policy.Report)
	}
	for _, directory := range p.Decl.OutputDirectories {
		manifest.AddScope(directory.Path, policy.AllowRead|policy.AllowWrite|policy.Report)
	}
	for _, untracked := range p.Spec.UntrackedPaths {
		manifest.AddUntrackedScope(untracked)
	}
	for _, untracked := range p.Spec.UntrackedScopes {
		manifest.AddUntrackedScope(untracked)
	}
	if mounts != nil {
		for _, mount := range mounts.Mounts() {
			if !mount.Trackable {
				manifest.AddUntrackedScope(mount.Root)
			}
		}
	}
	return manifest
}

// buildEnvironment renders a process pip's declared environment plus any
// pass-through variables inherited from the build context or, failing
// that, the invoking process's own environment.
func buildEnvironment(p *pip.ProcessPip, ctx *buildcontext.Context) []string {
	merged := make(map[string]string, len(p.Spec.Environment)+len(p.Spec.PassThroughEnvironment))
	for k, v := range p.Spec.Environment {
		merged[k] = v
	}
	for _, name := range p.Spec.PassThroughEnvironment {
		if v, ok := ctx.PassThroughEnvironment[name]; ok {
			merged[name] = v
		} else if v, ok := os.LookupEnv(name); ok {
			merged[name] = v
		}
	}
	return environment.FromMap(merged)
}

// evaluateViolations re-evaluates every observed event against manifest to
// classify allowlist outcomes after the fact (the ptrace backend already
// enforced the same decisions live; this pass exists so the executor can
// decide cacheability and fatality without threading that state back out
// of the sandbox package). It reports whether any violation must fail the
// pip outright, and whether any non-cacheable allowlist match forces the
// whole pip to be treated as perpetually dirty.
func evaluateViolations(events []event.Event, manifest *policy.Manifest, unexpectedAccessesAreErrors bool) (fatal, uncacheable bool) {
	for _, ev := range events {
		decision := manifest.Evaluate(ev)
		switch decision.Result {
		case policy.Denied:
			if unexpectedAccessesAreErrors {
				fatal = true
			}
		case policy.AllowedWithWarning:
			if !decision.Cacheable {
				uncacheable = true
			}
		}
	}
	return fatal, uncacheable
}

// applyDiagnosticRegexes scans stdout and stderr for the pip's declared
// warning and error patterns (§4.6 step 3). An invalid pattern is treated
// as never matching rather than failing the pip.
func applyDiagnosticRegexes(warningPattern, errorPattern string, stdout, stderr []byte) (warnings []string, errorMatched bool) {
	combined := string(stdout) + string(stderr)
	if warningPattern != "" {
		if re, err := regexp.Compile(warningPattern); err == nil {
			for _, line := range strings.Split(combined, "\n") {
				if re.MatchString(line) {
					warnings = append(warnings, line)
				}
			}
		}
	}
	if errorPattern != "" {
		if re, err := regexp.Compile(errorPattern); err == nil {
			errorMatched = re.MatchString(combined)
		}
	}
	return warnings, errorMatched
}

// exitCodeSucceeds reports whether code is a successful exit for a pip
// declaring successExitCodes (an empty list means only 0 succeeds).
func exitCodeSucceeds(code int, successExitCodes []int) bool {
	if len(successExitCodes) == 0 {
		return code == 0
	}
	return containsInt(successExitCodes, code)
}

func containsInt(values []int, target int) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// buildPathSetFromEvents converts the sandbox's raw access log into the
// canonical path set of §4.3, observing each reported path's current value
// as the access-type semilattice requires.
func buildPathSetFromEvents(events []event.Event) *pathset.PathSet {
	raw := make([]pathset.Entry, 0, len(events))
	for _, ev := range events {
		access, ok := classifyForPathSet(ev.Type)
		if !ok {
			continue
		}
		value, err := observeValue(ev.Path, access)
		if err != nil {
			value = hash.Absent
		}
		raw = append(raw, pathset.Entry{Path: ev.Path, Access: access, Value: value})
	}
	return pathset.New(raw)
}

// classifyForPathSet maps a sandbox event type to the path-set access type
// it contributes, per §4.3. Write-side events (Create, GenericWrite,
// Unlink, Link) describe a pip's outputs, not its inputs, and are excluded;
// Exec/Clone are process-lifecycle notifications carrying no path
// observation of their own.
func classifyForPathSet(t event.EventType) (pathset.AccessType, bool) {
	switch t {
	case event.Open, event.GenericRead:
		return pathset.FileContentRead, true
	case event.GenericProbe, event.ReadLink:
		return pathset.ExistenceProbe, true
	case event.DirectoryEnumeration:
		return pathset.DirectoryEnumeration, true
	default:
		return pathset.AbsentPathProbe, false
	}
}

// observeValue re-observes the current value for path under access,
// matching the semantics the path set's recorded values were captured
// with, so that cache-lookup replay and path-set construction use the
// same notion of "value".
func observeValue(path string, access pathset.AccessType) (hash.Hash, error) {
	switch access {
	case pathset.AbsentPathProbe, pathset.ExistenceProbe:
		if _, err := os.Lstat(path); err == nil {
			return hash.New([]byte("present")), nil
		} else if os.IsNotExist(err) {
			return hash.Absent, nil
		} else {
			return hash.Hash{}, err
		}
	case pathset.DirectoryEnumeration:
		entries, err := os.ReadDir(path)
		if err != nil {
			if os.IsNotExist(err) {
				return hash.Absent, nil
			}
			return hash.Hash{}, err
		}
		names := make([]string, len(entries))
		for i, entry := range entries {
			names[i] = entry.Name()
		}
		sort.Strings(names)
		return hash.New([]byte(strings.Join(names, "\x00"))), nil
	default:
		h, _, err := hashPath(path)
		return h, err
	}
}

// hashPath streams the content hash of path, reporting (hash.Absent,
// false, nil) if it does not exist.
func hashPath(path string) (hash.Hash, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hash.Absent, false, nil
		}
		return hash.Hash{}, false, err
	}
	defer f.Close()

	hasher := hash.NewFactory()
	if _, err := io.Copy(hasher, f); err != nil {
		return hash.Hash{}, false, err
	}
	return hash.Sum(hasher), true, nil
}
