//go:build windows

package cmd

// watchResize is a no-op: Windows consoles have no SIGWINCH.
func watchResize(fd int, sw *socketWriter) func() {
	return func() {}
}
