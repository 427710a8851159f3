package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/Microsoft/go-winio"
)

// pipeName derives a Windows named-pipe name from the nominal transport
// path, the same "record a name, don't use the path directly" indirection
// used elsewhere in this codebase for Windows named pipes.
func pipeName(path string) string {
	return `\\.\pipe\buildxl-sandbox-` + path
}

// openReader creates a named pipe listener and accepts its single expected
// connection, blocking until the writer side dials in (mirroring the FIFO
// open-blocks-until-paired-open rendezvous on POSIX).
func openReader(path string) (io.ReadCloser, error) {
	listener, err := winio.ListenPipe(pipeName(path), nil)
	if err != nil {
		return nil, err
	}
	conn, err := listener.Accept()
	if err != nil {
		listener.Close()
		return nil, err
	}
	listener.Close()
	return conn, nil
}

// openWriter dials the named pipe created by openReader.
func openWriter(path string) (io.WriteCloser, error) {
	conn, err := winio.DialPipeContext(context.Background(), pipeName(path))
	if err != nil {
		return nil, fmt.Errorf("transport: unable to dial sandbox event pipe: %w", err)
	}
	return conn, nil
}
