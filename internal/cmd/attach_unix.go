//go:build !windows

package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// watchResize forwards SIGWINCH window sizes until the returned func is
// called.
func watchResize(fd int, sw *socketWriter) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigs:
				if cols, rows, err := term.GetSize(fd); err == nil {
					_ = sw.resize(cols, rows)
				}
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
