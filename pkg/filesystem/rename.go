package filesystem

import "os"

// Directory is reserved for fd-relative rename operations (renameat against
// an open directory descriptor rather than a path). No caller in this module
// currently needs fd-relative renames, so only the nil/nil (path-to-path)
// combination is implemented; passing a non-nil Directory panics rather than
// silently falling back to path semantics.
type Directory struct {
	path string
}

// Rename performs an atomic rename from one filesystem location to another.
// Each location may be specified either by path (nil Directory) or, in a
// future fd-relative extension, by a Directory plus a bare name. If
// allowOverwrite is false, Rename fails when the target already exists.
func Rename(sourceDirectory *Directory, sourceNameOrPath string, targetDirectory *Directory, targetNameOrPath string, allowOverwrite bool) error {
	if sourceDirectory != nil || targetDirectory != nil {
		panic("directory-relative rename not implemented")
	}
	if !allowOverwrite {
		if _, err := os.Lstat(targetNameOrPath); err == nil {
			return os.ErrExist
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	return os.Rename(sourceNameOrPath, targetNameOrPath)
}

// IsCrossDeviceError reports whether err represents a rename or link failure
// due to the source and target residing on different devices, in which case
// callers should fall back to a copy.
func IsCrossDeviceError(err error) bool {
	return isCrossDeviceError(err)
}
