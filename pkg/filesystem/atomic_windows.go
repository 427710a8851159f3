package filesystem

// isCrossDeviceError always reports false on Windows. Windows surfaces
// cross-volume rename/link failures as ERROR_NOT_SAME_DEVICE, which this
// module does not currently decode; callers fall through to the ordinary
// error path and the copy fallback is attempted unconditionally instead.
func isCrossDeviceError(err error) bool {
	return false
}
