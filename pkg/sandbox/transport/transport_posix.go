// +build !windows

package transport

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// openReader creates a FIFO at path and opens its read end. The open blocks
// until a writer opens the other end, the same rendezvous behavior the
// teacher relies on for its Unix domain socket listener accepting its
// single expected connection.
func openReader(path string) (io.ReadCloser, error) {
	if err := removePathIfExists(path); err != nil {
		return nil, err
	}
	if err := unix.Mkfifo(path, 0600); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDONLY, os.ModeNamedPipe)
}

// openWriter opens the write end of a FIFO previously created by
// openReader.
func openWriter(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY, os.ModeNamedPipe)
}
