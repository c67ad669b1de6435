//go:build !linux && !windows

package bridge

import "syscall"

// Pdeathsig is Linux-only; on other unixes an orphaned child is simply
// reparented and reaped by init.
func setPtyDeathSignal(attr *syscall.SysProcAttr) {
}
