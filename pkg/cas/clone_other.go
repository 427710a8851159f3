// +build !linux

package cas

import "errors"

// cloneFile reports that copy-on-write cloning is unsupported on this
// platform, causing callers to fall back to byteCopy. macOS's clonefile(2)
// and Windows' Block Cloning API (ReFS) would plug in here following the
// same pattern as the Linux FICLONE implementation.
func cloneFile(source, destination string) error {
	return errors.New("copy-on-write cloning not supported on this platform")
}
