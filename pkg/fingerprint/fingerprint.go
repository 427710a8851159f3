// Package fingerprint computes the weak and strong fingerprints that
// drive cache lookup: the weak fingerprint from a pip's static
// declaration and the build-wide salts, and the strong fingerprint
// from the weak fingerprint combined with a path set's hash and its
// observed-inputs digest.
package fingerprint

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/buildxl-go/buildxl/pkg/buildcontext"
	"github.com/buildxl-go/buildxl/pkg/graph"
	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/pathset"
	"github.com/buildxl-go/buildxl/pkg/pip"
)

// Trace accumulates the textual record of a weak fingerprint's
// contributing fields, for the optional debugging trace called out in
// the fingerprinter's contract. A nil Trace is a no-op sink, matching
// the nil-safe logger idiom used elsewhere in this module.
type Trace struct {
	lines []string
}

// NewTrace creates an empty trace.
func NewTrace() *Trace {
	return &Trace{}
}

func (t *Trace) record(format string, args ...interface{}) {
	if t == nil {
		return
	}
	t.lines = append(t.lines, fmt.Sprintf(format, args...))
}

// Lines returns the recorded trace lines in contribution order.
func (t *Trace) Lines() []string {
	if t == nil {
		return nil
	}
	return t.lines
}

// ComputeWeak computes a pip's weak fingerprint from its static
// declaration, kind-specific fields, and the build context's salts.
// The computation only ever joins pre-sorted slices or explicitly
// sorted maps so that it never depends on container iteration order.
//
// mounts resolves the logical mount names substituted for absolute path
// prefixes when a Process pip sets ProducesPathIndependentOutputs (§4.3);
// it may be nil, in which case no pip can opt into that substitution and
// every path contributes to the fingerprint verbatim.
func ComputeWeak(ctx *buildcontext.Context, p pip.Pip, trace *Trace, mounts graph.MountTable) hash.Hash {
	var b strings.Builder
	decl := p.Declaration()

	tokenize := identityTokenizer
	if proc, ok := p.(*pip.ProcessPip); ok && proc.Spec.Options.Has(pip.ProducesPathIndependentOutputs) {
		tokenize = func(path string) string { return tokenizePath(mounts, path) }
	}

	writeField(&b, trace, "kind", p.Kind().String())

	writeSortedFileArtifacts(&b, trace, "inputs", decl.Inputs, tokenize)
	writeSortedDirectoryArtifacts(&b, trace, "input-directories", decl.InputDirectories, tokenize)
	writeSortedOutputs(&b, trace, "outputs", decl.Outputs, tokenize)
	writeSortedDirectoryArtifacts(&b, trace, "output-directories", decl.OutputDirectories, tokenize)

	switch concrete := p.(type) {
	case *pip.ProcessPip:
		writeProcessSpec(&b, trace, concrete.Spec, tokenize)
	case *pip.CopyFilePip:
		writeField(&b, trace, "source", concrete.Source.Path)
		writeField(&b, trace, "destination", concrete.Destination.Path)
	case *pip.WriteFilePip:
		writeField(&b, trace, "destination", concrete.Destination.Path)
		writeField(&b, trace, "content-hash", hash.New(concrete.Content).String())
	case *pip.SealDirectoryPip:
		writeField(&b, trace, "directory", concrete.Directory.Path)
		writeSortedFileArtifacts(&b, trace, "sealed-contents", concrete.Contents, tokenize)
	case *pip.IpcPip:
		writeField(&b, trace, "connection", concrete.ConnectionPath)
		writeField(&b, trace, "payload-hash", hash.New(concrete.Payload).String())
	case *pip.HashSourceFilePip:
		writeField(&b, trace, "source", concrete.Source.Path)
	case *pip.ValuePip:
		writeField(&b, trace, "value-name", concrete.Name)
	case *pip.SpecFilePip:
		writeField(&b, trace, "spec-path", concrete.Path)
	case *pip.ModulePip:
		writeField(&b, trace, "module-name", concrete.Name)
	}

	writeField(&b, trace, "salts", ctx.SaltDigest().String())

	result := hash.New([]byte(b.String()))
	trace.record("weak-fingerprint = %s", result.String())
	return result
}

func writeField(b *strings.Builder, trace *Trace, name, value string) {
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteByte('\n')
	trace.record("%s = %s", name, value)
}

// identityTokenizer leaves a path unchanged; it is the default when a pip
// has not opted into mount-relative path independence.
func identityTokenizer(path string) string { return path }

// tokenizePath resolves path against mounts and, if it falls under one,
// substitutes that mount's logical name for its absolute root (§4.3):
// "/cache/out/bin/tool" under a mount named "Out" rooted at "/cache/out"
// becomes "${Out}/bin/tool". A path outside every mount, or a nil mount
// table, is returned unchanged.
func tokenizePath(mounts graph.MountTable, path string) string {
	if mounts == nil {
		return path
	}
	mount, ok := mounts.Resolve(path)
	if !ok {
		return path
	}
	remainder := strings.TrimPrefix(path, mount.Root)
	return "${" + mount.Name + "}" + remainder
}

func writeSortedFileArtifacts(b *strings.Builder, trace *Trace, name string, artifacts []pip.FileArtifact, tokenize func(string) string) {
	sorted := make([]pip.FileArtifact, len(artifacts))
	copy(sorted, artifacts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for _, a := range sorted {
		writeField(b, trace, name, fmt.Sprintf("%s#%d", tokenize(a.Path), a.WriteCount))
	}
}

func writeSortedOutputs(b *strings.Builder, trace *Trace, name string, outputs []pip.OutputFile, tokenize func(string) string) {
	sorted := make([]pip.OutputFile, len(outputs))
	copy(sorted, outputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for _, o := range sorted {
		writeField(b, trace, name, fmt.Sprintf("%s#%d:%d", tokenize(o.Path), o.WriteCount, o.Existence))
	}
}

func writeSortedDirectoryArtifacts(b *strings.Builder, trace *Trace, name string, artifacts []pip.DirectoryArtifact, tokenize func(string) string) {
	sorted := make([]pip.DirectoryArtifact, len(artifacts))
	copy(sorted, artifacts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Path != sorted[j].Path {
			return sorted[i].Path < sorted[j].Path
		}
		return sorted[i].PartialSealID < sorted[j].PartialSealID
	})
	for _, a := range sorted {
		writeField(b, trace, name, fmt.Sprintf("%s#%d:%v", tokenize(a.Path), a.PartialSealID, a.IsSharedOpaque))
	}
}

func writeProcessSpec(b *strings.Builder, trace *Trace, spec pip.ProcessSpec, tokenize func(string) string) {
	writeField(b, trace, "executable", tokenize(spec.Executable))
	writeField(b, trace, "executable-hash", spec.ExecutableHash.String())
	for _, arg := range spec.Arguments {
		writeField(b, trace, "argument", arg)
	}

	passThrough := make(map[string]bool, len(spec.PassThroughEnvironment))
	for _, name := range spec.PassThroughEnvironment {
		passThrough[name] = true
	}
	keys := make([]string, 0, len(spec.Environment))
	for k := range spec.Environment {
		if !passThrough[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(b, trace, "environment", k+"="+spec.Environment[k])
	}

	writeField(b, trace, "working-directory", tokenize(spec.WorkingDirectory))
	writeField(b, trace, "options", strconv.Itoa(int(spec.Options)))
	writeField(b, trace, "warning-regex", spec.WarningRegex)
	writeField(b, trace, "error-regex", spec.ErrorRegex)
}

// ComputeStrong computes the strong fingerprint from a weak
// fingerprint, a path-set hash, and the observed-inputs digest.
func ComputeStrong(weak hash.Hash, pathSetHash hash.Hash, observedInputsDigest hash.Hash) hash.Hash {
	var buf []byte
	buf = append(buf, weak.Bytes()...)
	buf = append(buf, pathSetHash.Bytes()...)
	buf = append(buf, observedInputsDigest.Bytes()...)
	return hash.New(buf)
}

// ComputeStrongFromSet is a convenience wrapper around ComputeStrong
// that derives the path-set hash and observed-inputs digest from a
// *pathset.PathSet directly.
func ComputeStrongFromSet(weak hash.Hash, set *pathset.PathSet) hash.Hash {
	return ComputeStrong(weak, set.Hash(), set.ObservedInputsDigest())
}
