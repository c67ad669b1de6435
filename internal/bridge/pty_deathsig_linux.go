//go:build linux

package bridge

import "syscall"

// setPtyDeathSignal arranges for the kernel to SIGTERM the child when the
// proxy exits without cleaning up, so a crashed proxy leaves no detached
// agent behind.
func setPtyDeathSignal(attr *syscall.SysProcAttr) {
	if attr == nil {
		return
	}
	attr.Pdeathsig = syscall.SIGTERM
}
