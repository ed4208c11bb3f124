//go:build !windows

package process

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// signalGroup signals the process group led by pid. Processes started by
// Spawn are session leaders, so their pgid equals their pid.
func signalGroup(pid int, sig syscall.Signal) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return err
	}
	return unix.Kill(-pgid, unix.Signal(sig))
}
