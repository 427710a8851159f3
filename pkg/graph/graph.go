// Package graph defines the core's view of the pips it is handed to
// execute and the filesystem mounts it is allowed to touch. Per §6
// ("Inputs consumed by the core from collaborators"), the core consumes
// graph traversal and mount resolution only — it never constructs or
// mutates either one itself, so both are expressed here as interfaces
// with a single concrete, in-memory implementation for callers (the
// buildxl command) that need something to construct and hand in.
package graph

import (
	"fmt"
	"sort"

	"github.com/buildxl-go/buildxl/pkg/pip"
)

// Graph is an immutable collection of pips and the dependency edges
// between them. The core consumes traversal only (§6): it calls Pips
// and Dependencies and never adds, removes, or reorders entries.
type Graph interface {
	// Pips returns every pip in the graph, in an unspecified but stable
	// order.
	Pips() []pip.Pip
	// Lookup returns the pip with the given identity, if present.
	Lookup(id uint64) (pip.Pip, bool)
	// Dependencies returns the identities of pips that must complete
	// before the pip with the given identity may run: its declared
	// order-only dependencies plus the producers of its declared file
	// and directory inputs.
	Dependencies(id uint64) []uint64
}

// Mount is one entry of a mount table: a logical name bound to an
// absolute root, with the access this core is permitted against it
// (§6: "list of (logical name, absolute root, readable/writable/
// trackable flags); used for path tokenization and untracked-scope
// enforcement").
type Mount struct {
	Name       string
	Root       string
	Readable   bool
	Writable   bool
	Trackable  bool
}

// MountTable resolves filesystem paths to the mount that contains them.
type MountTable interface {
	// Mounts returns every configured mount, in an unspecified but
	// stable order.
	Mounts() []Mount
	// Resolve returns the mount containing path, if any mount's root is
	// a prefix of it. When multiple mounts overlap, the one with the
	// longest root wins, matching how a filesystem's most specific
	// mount point shadows its parents.
	Resolve(path string) (Mount, bool)
}

// StaticGraph is a Graph built once from a fixed pip set, keyed by
// identity the way Mutagen's forwarding.Manager keys live
// sessions by identifier in a map[string]*controller registry: an immutable
// collection addressed by a stable id, with no need for anything
// heavier than a map and a lock-free read path once construction is
// done.
type StaticGraph struct {
	pips         map[uint64]pip.Pip
	dependencies map[uint64][]uint64
	order        []uint64
}

// NewStaticGraph builds a StaticGraph from pips, computing each pip's
// dependency edges from its declared order-only dependencies and from
// the producers of its declared inputs. A file or directory input with
// no producer in pips is treated as a source artifact and contributes
// no edge. Returns an error if two pips share an identity or if a
// declared output path is produced by more than one pip.
func NewStaticGraph(pips []pip.Pip) (*StaticGraph, error) {
	byID := make(map[uint64]pip.Pip, len(pips))
	order := make([]uint64, 0, len(pips))
	fileProducer := make(map[string]uint64)
	directoryProducer := make(map[string]uint64)

	for _, p := range pips {
		decl := p.Declaration()
		if _, exists := byID[decl.ID]; exists {
			return nil, fmt.Errorf("graph: duplicate pip identity %d", decl.ID)
		}
		byID[decl.ID] = p
		order = append(order, decl.ID)

		for _, output := range decl.Outputs {
			if existing, exists := fileProducer[output.Path]; exists {
				return nil, fmt.Errorf("graph: output %q produced by both pip %d and pip %d", output.Path, existing, decl.ID)
			}
			fileProducer[output.Path] = decl.ID
		}
		for _, directory := range decl.OutputDirectories {
			directoryProducer[directory.Path] = decl.ID
		}
	}

	dependencies := make(map[uint64][]uint64, len(pips))
	for id, p := range byID {
		decl := p.Declaration()
		edges := make(map[uint64]bool)
		for _, dependency := range decl.OrderOnlyDependencies {
			edges[dependency] = true
		}
		for _, input := range decl.Inputs {
			if producer, exists := fileProducer[input.Path]; exists && producer != id {
				edges[producer] = true
			}
		}
		for _, directory := range decl.InputDirectories {
			if producer, exists := directoryProducer[directory.Path]; exists && producer != id {
				edges[producer] = true
			}
		}
		resolved := make([]uint64, 0, len(edges))
		for dependency := range edges {
			resolved = append(resolved, dependency)
		}
		sort.Slice(resolved, func(i, j int) bool { return resolved[i] < resolved[j] })
		dependencies[id] = resolved
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	return &StaticGraph{pips: byID, dependencies: dependencies, order: order}, nil
}

// Pips implements Graph.
func (g *StaticGraph) Pips() []pip.Pip {
	result := make([]pip.Pip, 0, len(g.order))
	for _, id := range g.order {
		result = append(result, g.pips[id])
	}
	return result
}

// Lookup implements Graph.
func (g *StaticGraph) Lookup(id uint64) (pip.Pip, bool) {
	p, ok := g.pips[id]
	return p, ok
}

// Dependencies implements Graph.
func (g *StaticGraph) Dependencies(id uint64) []uint64 {
	return g.dependencies[id]
}

// StaticMountTable is a MountTable built once from a fixed mount list.
type StaticMountTable struct {
	mounts []Mount
}

// NewStaticMountTable builds a StaticMountTable from mounts.
func NewStaticMountTable(mounts []Mount) *StaticMountTable {
	sorted := make([]Mount, len(mounts))
	copy(sorted, mounts)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i].Root) > len(sorted[j].Root) })
	return &StaticMountTable{mounts: sorted}
}

// Mounts implements MountTable.
func (t *StaticMountTable) Mounts() []Mount {
	result := make([]Mount, len(t.mounts))
	copy(result, t.mounts)
	return result
}

// Resolve implements MountTable.
func (t *StaticMountTable) Resolve(path string) (Mount, bool) {
	for _, mount := range t.mounts {
		if isWithinRoot(path, mount.Root) {
			return mount, true
		}
	}
	return Mount{}, false
}

// isWithinRoot reports whether path is mount.Root itself or a
// descendant of it.
func isWithinRoot(path, root string) bool {
	if path == root {
		return true
	}
	if len(root) == 0 {
		return false
	}
	prefix := root
	if prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix
}
