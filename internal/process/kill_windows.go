//go:build windows

package process

import (
	"os"
	"syscall"
)

// signalGroup has no process groups to work with on Windows; the process
// itself is killed.
func signalGroup(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
