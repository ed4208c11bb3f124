// fm is the foreman CLI: it runs the agent server and talks to it.
package main

import (
	"os"

	"github.com/steveyegge/foreman/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
