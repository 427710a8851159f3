package grpcutil

const (
	// MaximumMessageSize specifies the maximum message size that we'll allow
	// over IPC channels.
	MaximumMessageSize = 25 * 1024 * 1024
)
