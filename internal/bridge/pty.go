package bridge

import "os/exec"

// Pty is the master side of the wrapped CLI's pseudo-terminal. The bridge
// only needs the byte stream and the window size; tests substitute an
// in-memory pipe so the copy loops run without a real terminal.
type Pty interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Resize(cols, rows uint16) error
}

// PtyFactory spawns a command attached to a fresh pty.
type PtyFactory interface {
	Start(command string, args ...string) (Pty, *exec.Cmd, error)
}

type defaultPtyFactory struct{}

func (defaultPtyFactory) Start(command string, args ...string) (Pty, *exec.Cmd, error) {
	return startPty(command, args...)
}

func DefaultPtyFactory() PtyFactory {
	return defaultPtyFactory{}
}
