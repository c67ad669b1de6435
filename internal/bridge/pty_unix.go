//go:build !windows

package bridge

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// ptmxPty adapts the creack/pty master file to the Pty interface.
type ptmxPty struct {
	master *os.File
}

func (p *ptmxPty) Read(data []byte) (int, error) {
	return p.master.Read(data)
}

func (p *ptmxPty) Write(data []byte) (int, error) {
	return p.master.Write(data)
}

func (p *ptmxPty) Close() error {
	return p.master.Close()
}

// Resize propagates the proxy terminal's dimensions so the wrapped CLI
// redraws at the size the human actually sees.
func (p *ptmxPty) Resize(cols, rows uint16) error {
	return pty.Setsize(p.master, &pty.Winsize{Cols: cols, Rows: rows})
}

// startPty runs the agent CLI in its own process group on a fresh pty.
// Signals typed at the proxy's terminal reach the child as pty bytes, not as
// process-group signals.
func startPty(command string, args ...string) (Pty, *exec.Cmd, error) {
	cmd := exec.Command(command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	setPtyDeathSignal(cmd.SysProcAttr)
	master, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, err
	}
	return &ptmxPty{master: master}, cmd, nil
}
