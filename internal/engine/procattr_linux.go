//go:build linux

package engine

import "syscall"

// procAttr isolates the engine into its own process group and ensures it is
// killed if the driver process dies.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
