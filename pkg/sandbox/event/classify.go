package event

// Open flag bits, mirrored here (rather than imported from a platform
// package) so that classification stays usable from both the Linux ptrace
// backend and wire-format tests on any platform. Values match the Linux
// open(2) numeric flags, which is the only backend this module implements
// (see pkg/sandbox/ptrace).
const (
	openFlagWriteOnly = 0x1
	openFlagReadWrite = 0x2
	openFlagCreate    = 0x40
	openFlagTruncate  = 0x200
)

// hasWriteAccess reports whether an open(2) flags value requests write
// access to the resulting descriptor.
func hasWriteAccess(flags uint32) bool {
	accessMode := flags & 0x3
	return accessMode == openFlagWriteOnly || accessMode == openFlagReadWrite
}

// ClassifyOpen implements §4.5.3's classification of an open/openat call:
// O_CREAT|O_TRUNC against an absent path is a Create; against an existing
// path with write access it's a GenericWrite; otherwise it's a read-only
// Open.
func ClassifyOpen(flags uint32, pathExistedBefore bool) EventType {
	wantsCreateTruncate := flags&openFlagCreate != 0 && flags&openFlagTruncate != 0
	if wantsCreateTruncate && !pathExistedBefore {
		return Create
	}
	if hasWriteAccess(flags) {
		return GenericWrite
	}
	return Open
}

// RenamePlan is the pair of events §4.5.3 requires for one renamed
// filesystem entry: an Unlink on the source side and a Link (Create, in the
// spec's prose, but carried as the Link event kind since it denotes the
// destination side of a move rather than a fresh write) on the destination
// side.
type RenamePlan struct {
	Unlink Event
	Link   Event
}

// PlanRenameEntry builds the (Unlink, Link) event pair for one entry moved
// from sourcePath to destinationPath, sharing the calling process's
// identity and the syscall name under which the overall rename was
// requested.
func PlanRenameEntry(syscallName string, pid, ppid int, sourcePath, destinationPath string) RenamePlan {
	return RenamePlan{
		Unlink: Event{
			Syscall:    syscallName,
			Type:       Unlink,
			PID:        pid,
			PPID:       ppid,
			Path:       sourcePath,
			Resolution: ResolveNoFollow,
		},
		Link: Event{
			Syscall:         syscallName,
			Type:            Link,
			PID:             pid,
			PPID:            ppid,
			Path:            destinationPath,
			DestinationPath: destinationPath,
			Resolution:      Resolve,
		},
	}
}

// PlanRenameSubtree expands a directory rename into one RenamePlan per
// entry in its subtree, per §4.5.3: "for a source directory, the sandbox
// enumerates the directory's full subtree, emitting per-entry Unlink events
// on the source side and Create events on the destination side." entries
// must already be relative paths within the renamed directory, enumerated
// by the caller (the ptrace backend walks the real directory tree before
// the rename syscall is allowed to proceed); this function only builds the
// event pairs in the given order, which the Open Question resolution in
// DESIGN.md fixes as lexicographic.
func PlanRenameSubtree(syscallName string, pid, ppid int, sourceRoot, destinationRoot string, relativeEntries []string) []RenamePlan {
	plans := make([]RenamePlan, len(relativeEntries))
	for i, relative := range relativeEntries {
		plans[i] = PlanRenameEntry(syscallName, pid, ppid, joinPath(sourceRoot, relative), joinPath(destinationRoot, relative))
	}
	return plans
}

func joinPath(root, relative string) string {
	if relative == "" {
		return root
	}
	if root == "" {
		return relative
	}
	if root[len(root)-1] == '/' {
		return root + relative
	}
	return root + "/" + relative
}
