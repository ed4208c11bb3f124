package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/foreman/internal/daemon"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: GroupServices,
	Short:   "Run the foreman server",
	Long: `Run the foreman server in the foreground.

The server owns every agent terminal and the task board, persists both to
the data directory ($FM_HOME, default ~/.foreman) and serves the HTTP API
the other fm commands use. Only one server may use a data directory.

Examples:
  fm serve
  fm serve --listen 0.0.0.0:7420
  FM_LOG_LEVEL=debug fm serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides the config file)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	logger, err := daemon.NewLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, logger, Version)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// contextOrBackground guards commands invoked without a cobra context in
// tests.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
