// Package policy implements the file-access manifest described in §4.5.4:
// a trie of path scopes annotated with permitted-operation bitmasks, plus
// untracked scopes, cacheable/non-cacheable allowlists, and per-pip temp
// directories, combining to an AccessCheckResult per observed event.
//
// The trie walk and "most specific rule wins" precedence is grounded on
// Mutagen's ignore-pattern matching conventions
// (defaultIgnorer.ignored, which walks an ordered pattern list and lets
// later, more specific matches override earlier ones); the allowlist glob
// matching reuses the same github.com/bmatcuk/doublestar/v4 library used
// there.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"

	"github.com/buildxl-go/buildxl/pkg/sandbox/event"
)

// AccessMode is a bitmask of the operations a scope permits.
type AccessMode uint8

const (
	// AllowRead permits Open/GenericRead/DirectoryEnumeration/ReadLink
	// events.
	AllowRead AccessMode = 1 << iota
	// AllowWrite permits GenericWrite/Create/Unlink/Link events.
	AllowWrite
	// AllowProbe permits GenericProbe events without granting read access
	// to content.
	AllowProbe
	// Report requests that matching events be included in the pip's
	// observed path set even when Allowed (§4.3 consumes these to build
	// the path set); scopes without Report still enforce their
	// read/write/probe bits but are excluded from fingerprinting.
	Report
)

// Has reports whether m includes every bit in other.
func (m AccessMode) Has(other AccessMode) bool {
	return m&other == other
}

// CheckResult is the combined policy decision for one event, per §4.5.4's
// AccessCheckResult.
type CheckResult uint8

const (
	// Allowed means the event's requested access is permitted by the
	// manifest.
	Allowed CheckResult = iota
	// Denied means the event's requested access is not permitted and was
	// not rescued by an allowlist.
	Denied
	// AllowedWithWarning means the event was denied by its scope but
	// matched an allowlist entry, downgrading it to a reported violation
	// that does not fail the pip outright (§4.6 step 3).
	AllowedWithWarning
)

// Decision is the full result of evaluating one event against a Manifest.
type Decision struct {
	Result CheckResult
	// Report mirrors the matched scope's Report bit; callers building the
	// observed path set consult this even for Denied/AllowedWithWarning
	// results, since a violation is still worth recording.
	Report bool
	// Cacheable is meaningful only when Result == AllowedWithWarning: true
	// if the matching allowlist entry was cacheable, false if it was
	// non-cacheable (which marks the whole pip perpetually dirty per
	// §4.6 step 3).
	Cacheable bool
}

// trieNode is one path-component level of the manifest trie.
type trieNode struct {
	children map[string]*trieNode
	// hasPolicy is false for intermediate nodes inserted only to reach a
	// deeper explicit scope.
	hasPolicy bool
	mode      AccessMode
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// allowlistEntry is one compiled allowlist pattern.
type allowlistEntry struct {
	pattern   string
	cacheable bool
}

// Manifest is one pip's file-access policy (§4.5.4).
type Manifest struct {
	root              *trieNode
	untracked         []string
	allowlist         []allowlistEntry
	temporaryScopes   []string
	defaultIsEnforced bool
}

// NewManifest constructs an empty manifest. By default every path is
// Denied unless a scope, untracked entry, or allowlist says otherwise,
// matching the fail-closed posture a hermetic build sandbox requires.
func NewManifest() *Manifest {
	return &Manifest{
		root:              newTrieNode(),
		defaultIsEnforced: true,
	}
}

func splitPath(path string) []string {
	cleaned := filepath.ToSlash(filepath.Clean(path))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return nil
	}
	return strings.Split(cleaned, "/")
}

// AddScope grants mode to every path under (and including) root. A scope
// added for a deeper path overrides the mode inherited from a shallower
// ancestor scope, matching the "most specific rule wins" precedence the
// teacher's ignore-pattern matching establishes via ordered pattern
// overriding.
func (m *Manifest) AddScope(root string, mode AccessMode) {
	node := m.root
	for _, component := range splitPath(root) {
		child, ok := node.children[component]
		if !ok {
			child = newTrieNode()
			node.children[component] = child
		}
		node = child
	}
	node.hasPolicy = true
	node.mode = mode
}

// AddUntrackedScope marks root (and its subtree) as untracked: accesses
// underneath it are always Allowed and never reported, regardless of any
// overlapping scope (§4.5.4).
func (m *Manifest) AddUntrackedScope(root string) {
	m.untracked = append(m.untracked, filepath.ToSlash(filepath.Clean(root)))
}

// AddTemporaryScope records a per-pip temp directory. Temporary scopes are
// implicitly read-write-allowed and untracked, since their outputs are
// excluded from the cache entry entirely (§4.6 step 4).
func (m *Manifest) AddTemporaryScope(root string) {
	m.temporaryScopes = append(m.temporaryScopes, filepath.ToSlash(filepath.Clean(root)))
	m.AddUntrackedScope(root)
}

// AddAllowlistEntry compiles pattern (a doublestar glob matched against the
// full path) as an allowlist entry that downgrades a denied access to
// AllowedWithWarning, either cacheable or not (§4.5.4).
func (m *Manifest) AddAllowlistEntry(pattern string, cacheable bool) error {
	if _, err := doublestar.Match(pattern, "a"); err != nil {
		return errors.Wrap(err, "invalid allowlist pattern")
	}
	m.allowlist = append(m.allowlist, allowlistEntry{pattern: pattern, cacheable: cacheable})
	return nil
}

// isUnderScope reports whether path is root or a descendant of root.
func isUnderScope(root, path string) bool {
	root = filepath.ToSlash(filepath.Clean(root))
	path = filepath.ToSlash(filepath.Clean(path))
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+"/")
}

func (m *Manifest) isUntracked(path string) bool {
	for _, root := range m.untracked {
		if isUnderScope(root, path) {
			return true
		}
	}
	return false
}

// lookup walks the trie along path's components, returning the most
// specific ancestor scope's policy (nearest-wins), or (AccessMode(0),
// false) if no scope covers path at all.
func (m *Manifest) lookup(path string) (AccessMode, bool) {
	node := m.root
	mode := AccessMode(0)
	found := false
	if node.hasPolicy {
		mode, found = node.mode, true
	}
	for _, component := range splitPath(path) {
		child, ok := node.children[component]
		if !ok {
			break
		}
		node = child
		if node.hasPolicy {
			mode, found = node.mode, true
		}
	}
	return mode, found
}

// requiredMode maps an event type to the access bit it requires, per
// §4.5.3's classification.
func requiredMode(eventType event.EventType) AccessMode {
	switch eventType {
	case event.Open, event.GenericRead, event.DirectoryEnumeration, event.ReadLink:
		return AllowRead
	case event.GenericWrite, event.Create, event.Unlink, event.Link:
		return AllowWrite
	case event.GenericProbe:
		return AllowProbe
	default:
		// Exec and Clone events are process-lifecycle notifications, not
		// filesystem accesses; they carry no access requirement and are
		// always allowed through to the reporting layer.
		return 0
	}
}

// matchesAllowlist reports whether path matches any configured allowlist
// entry, and if so whether the most specific match (last one configured,
// following the same ordered-pattern-override convention as ignore
// matching) is cacheable.
func (m *Manifest) matchesAllowlist(path string) (matched bool, cacheable bool) {
	cleaned := filepath.ToSlash(filepath.Clean(path))
	for _, entry := range m.allowlist {
		if ok, _ := doublestar.Match(entry.pattern, cleaned); ok {
			matched = true
			cacheable = entry.cacheable
		}
	}
	return matched, cacheable
}

// Evaluate checks ev against the manifest, producing the combined
// AccessCheckResult of §4.5.4.
func (m *Manifest) Evaluate(ev event.Event) Decision {
	if m.isUntracked(ev.Path) {
		return Decision{Result: Allowed, Report: false}
	}

	required := requiredMode(ev.Type)
	if required == 0 {
		return Decision{Result: Allowed, Report: true}
	}

	mode, found := m.lookup(ev.Path)
	if found && mode.Has(required) {
		return Decision{Result: Allowed, Report: mode.Has(Report)}
	}
	if !m.defaultIsEnforced {
		return Decision{Result: Allowed, Report: true}
	}

	if matched, cacheable := m.matchesAllowlist(ev.Path); matched {
		return Decision{Result: AllowedWithWarning, Report: true, Cacheable: cacheable}
	}

	return Decision{Result: Denied, Report: true}
}
