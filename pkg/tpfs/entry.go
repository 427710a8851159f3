package tpfs

import (
	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/pip"
)

// OutputRecord pairs a declared output with the content hash observed for
// it (hash.Absent for an Optional output that did not materialize), per
// §4.6 step 4's "recorded as AbsentFileHash in the cache entry" rule.
type OutputRecord struct {
	Path      string                  `yaml:"path"`
	Hash      hash.Hash               `yaml:"hash"`
	Existence pip.ExistenceRequirement `yaml:"existence"`
}

// Metadata is the blob referenced by a CacheEntry's MetadataHash: output
// paths, stdio content hashes, cached warning text, and existence
// attributes (§3 "Cache Entry"). It is stored as a standalone blob in the
// Content-Addressed Store, addressed by its own content hash, so that
// CacheEntry can stay a small fixed tuple.
type Metadata struct {
	Outputs    []OutputRecord `yaml:"outputs"`
	StdoutHash hash.Hash      `yaml:"stdoutHash"`
	StderrHash hash.Hash      `yaml:"stderrHash"`
	Warnings   []string       `yaml:"warnings,omitempty"`
}

// CacheEntry is the tuple (strong fingerprint, list of output content
// hashes, metadata blob hash) described by §3.
type CacheEntry struct {
	StrongFingerprint hash.Hash   `yaml:"strongFingerprint"`
	OutputHashes      []hash.Hash `yaml:"outputHashes"`
	MetadataHash      hash.Hash   `yaml:"metadataHash"`
}
