// Package cmd provides CLI commands for the fm tool.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/foreman/internal/client"
	"github.com/steveyegge/foreman/internal/config"
	"github.com/steveyegge/foreman/internal/output"
)

var rootCmd = &cobra.Command{
	Use:     "fm",
	Short:   "foreman - run CLI coding agents and feed them a task board",
	Version: Version,
	Long: `foreman (fm) runs CLI coding assistants in pseudo-terminals, tracks
whether each one is working, waiting for input or finished, and drives a
kanban board whose planned tasks are handed to matching agents.

Start the server with 'fm serve', then manage agents and tasks from any
shell. Agents call 'fm task complete' to report their work.`,
	SilenceUsage: true,
}

var (
	serverURL    string
	outputFormat string
)

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		return 1
	}
	return 0
}

// exitError carries a process exit code through cobra without printing.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Command group IDs - used by subcommands to organize help output
const (
	GroupAgents   = "agents"
	GroupWork     = "work"
	GroupServices = "services"
	GroupDiag     = "diag"
)

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupAgents, Title: "Agent Management:"},
		&cobra.Group{ID: GroupWork, Title: "Work Management:"},
		&cobra.Group{ID: GroupServices, Title: "Services:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)

	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "server URL (default $FM_URL or the configured listen address)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "", "output format: table, json or yaml (default $FM_OUTPUT_FORMAT or table)")
}

// buildCommandPath walks the command hierarchy to build the full command path.
// For example: "fm task add", "fm agent list", etc.
func buildCommandPath(cmd *cobra.Command) string {
	var parts []string
	for c := cmd; c != nil; c = c.Parent() {
		parts = append([]string{c.Name()}, parts...)
	}
	return strings.Join(parts, " ")
}

// requireSubcommand returns a RunE function for parent commands that require
// a subcommand. Without this, Cobra silently shows help and exits 0 for
// unknown subcommands like "fm task foobar", masking errors.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", buildCommandPath(cmd))
	}
	return fmt.Errorf("unknown command %q for %q\n\nRun '%s --help' for available commands",
		args[0], buildCommandPath(cmd), buildCommandPath(cmd))
}

// loadConfig reads the config from $FM_HOME.
func loadConfig() (*config.Config, error) {
	return config.Load(config.Home())
}

// resolveURL picks the server address: --url, then $FM_URL, then the
// config file's listen address.
func resolveURL() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	if v := os.Getenv("FM_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	cfg, err := loadConfig()
	if err != nil {
		return "http://" + config.DefaultListen
	}
	return cfg.ServerURL()
}

func newClient() *client.Client {
	return client.New(resolveURL())
}

func format() (output.Format, error) {
	return output.ResolveFormat(outputFormat)
}
