//go:build !linux

package engine

import "syscall"

// procAttr isolates the engine into its own process group. Pdeathsig is
// Linux-only; other unix platforms rely on Close for teardown.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
