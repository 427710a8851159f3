// Package buildcontext defines the single immutable value threaded into
// every call across the pip execution core, replacing the "global
// mutable environment" anti-pattern: salts and configuration become
// immutable fields of a per-run context instead of package-level state.
//
// The merge-two-layers-with-override shape mirrors Mutagen's configuration
// merging (global configuration + per-session
// overrides), but here there is only one layer to merge: a loaded base
// configuration plus optional environment-file overrides.
package buildcontext

import (
	"encoding/hex"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/logging"
	"github.com/buildxl-go/buildxl/pkg/random"
	"github.com/buildxl-go/buildxl/pkg/utility"
)

// SandboxSafety is a strict refinement ordering of sandbox configuration
// strength (§4.4: "running a pip with safer options produces a different
// weak fingerprint than unsafe, whereas running a cached-safe pip under
// unsafer options yields a cache hit").
type SandboxSafety int

const (
	// SandboxUnsafe performs no filesystem monitoring.
	SandboxUnsafe SandboxSafety = iota
	// SandboxMonitored performs filesystem monitoring but does not fail
	// the build on unexpected accesses.
	SandboxMonitored
	// SandboxEnforced performs filesystem monitoring and fails the build
	// on unexpected, non-allowlisted accesses.
	SandboxEnforced
)

// String renders the safety level's name.
func (s SandboxSafety) String() string {
	switch s {
	case SandboxUnsafe:
		return "unsafe"
	case SandboxMonitored:
		return "monitored"
	case SandboxEnforced:
		return "enforced"
	default:
		return "unknown"
	}
}

// Subsumes reports whether running under safety level s would produce a
// result that can satisfy a request for level other (the "safer result
// subsumes" rule of §4.4).
func (s SandboxSafety) Subsumes(other SandboxSafety) bool {
	return s >= other
}

// Context is the immutable, per-run configuration value threaded through
// the fingerprinter, executor, and sandbox. It is constructed once at
// build start; apart from LoadEnvironmentFile, which adds entries to
// PassThroughEnvironment in place, no method mutates it (RegenerateSalt
// returns a new Context).
type Context struct {
	// CacheRoot is the root of the on-disk cache layout described in §6
	// (<cache>/content, <cache>/fp).
	CacheRoot string
	// HashAlgorithm names the content hashing algorithm in use. Only
	// "sha256" is currently supported by pkg/hash. The field is
	// informational: it is not mixed into SaltDigest or any fingerprint.
	HashAlgorithm string
	// SandboxSafety is the build-wide sandbox configuration strength.
	SandboxSafety SandboxSafety
	// PreserveOutputsEnabled indicates that the build session has
	// preserve-outputs mode enabled.
	PreserveOutputsEnabled bool
	// PreserveOutputsSalt is regenerated per build session when
	// PreserveOutputsEnabled is true (§4.4).
	PreserveOutputsSalt [16]byte
	// UnexpectedAccessesAreErrors mirrors the executor flag of the same
	// name from §4.6 step 3.
	UnexpectedAccessesAreErrors bool
	// PassThroughEnvironment is the set of environment variable names
	// that pips may inherit from the invoking process without declaring
	// them explicitly, subject to RequireGlobalDependencies.
	PassThroughEnvironment map[string]string
	// Logger is the root logger for the build.
	Logger *logging.Logger
}

// New constructs a Context with a freshly generated preserve-outputs
// salt and an empty pass-through environment; LoadEnvironmentFile fills
// the latter from an optional .env-style file.
func New(cacheRoot string, preserveOutputs bool, safety SandboxSafety, logger *logging.Logger) (*Context, error) {
	salt, err := randomSalt()
	if err != nil {
		return nil, errors.Wrap(err, "unable to generate preserve-outputs salt")
	}
	if logger == nil {
		logger = logging.NewLogger(logging.LevelInfo, nil)
	}
	return &Context{
		CacheRoot:              cacheRoot,
		HashAlgorithm:          "sha256",
		SandboxSafety:          safety,
		PreserveOutputsEnabled: preserveOutputs,
		PreserveOutputsSalt:    salt,
		PassThroughEnvironment: map[string]string{},
		Logger:                 logger,
	}, nil
}

// LoadEnvironmentFile merges KEY=value pairs from a .env-style file (via
// github.com/joho/godotenv) into the context's pass-through environment
// set. It does not overwrite keys already present.
func (c *Context) LoadEnvironmentFile(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		return errors.Wrap(err, "unable to load environment file")
	}
	for k, v := range values {
		if _, exists := c.PassThroughEnvironment[k]; !exists {
			c.PassThroughEnvironment[k] = v
		}
	}
	return nil
}

// RegenerateSalt produces a new Context identical to c except for a
// freshly generated PreserveOutputsSalt. Regenerating the salt is how a
// build session forces a cache miss for pips that rely on prior outputs
// (§8 scenario 4).
func (c *Context) RegenerateSalt() (*Context, error) {
	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}
	clone := *c
	clone.PreserveOutputsSalt = salt
	clone.PassThroughEnvironment = utility.CopyStringMap(c.PassThroughEnvironment)
	return &clone, nil
}

// SaltDigest returns a content hash over the salts that mix into weak
// fingerprints, for embedding by pkg/fingerprint.
func (c *Context) SaltDigest() hash.Hash {
	var buf []byte
	if c.PreserveOutputsEnabled {
		buf = append(buf, c.PreserveOutputsSalt[:]...)
	}
	buf = append(buf, byte(c.SandboxSafety))
	return hash.New(buf)
}

func randomSalt() ([16]byte, error) {
	var salt [16]byte
	data, err := random.New(len(salt))
	if err != nil {
		return salt, fmt.Errorf("unable to read random salt: %w", err)
	}
	copy(salt[:], data)
	return salt, nil
}

// SaltHex renders the current preserve-outputs salt as hexadecimal, for
// logging.
func (c *Context) SaltHex() string {
	return hex.EncodeToString(c.PreserveOutputsSalt[:])
}
