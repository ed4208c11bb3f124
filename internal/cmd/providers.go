package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/steveyegge/foreman/internal/client"
	"github.com/steveyegge/foreman/internal/output"
	"github.com/steveyegge/foreman/internal/style"
)

var providersInstallAttach bool

var providersCmd = &cobra.Command{
	Use:     "providers",
	Aliases: []string{"provider"},
	GroupID: GroupAgents,
	Short:   "List provider CLIs and install missing ones",
	Args:    cobra.NoArgs,
	RunE:    runProvidersList,
}

var providersInstallCmd = &cobra.Command{
	Use:   "install <provider>",
	Short: "Install a provider CLI in a server-side terminal",
	Long: `Run the provider's install command in a terminal on the server.

With --attach the installer's terminal is attached to this one so prompts
can be answered; otherwise the terminal ID is printed.`,
	Args: cobra.ExactArgs(1),
	RunE: runProvidersInstall,
}

func init() {
	providersInstallCmd.Flags().BoolVar(&providersInstallAttach, "attach", false, "attach to the installer terminal")
	providersCmd.AddCommand(providersInstallCmd)
	rootCmd.AddCommand(providersCmd)
}

func runProvidersList(cmd *cobra.Command, args []string) error {
	f, err := format()
	if err != nil {
		return err
	}
	list, err := newClient().ListProviders(contextOrBackground(cmd))
	if err != nil {
		return err
	}
	return output.Write(cmd.OutOrStdout(), f, list, func(w io.Writer) error {
		return renderProviders(w, list)
	})
}

func renderProviders(w io.Writer, list []client.ProviderInfo) error {
	t := style.NewTable(
		style.Column{Name: "ID", Width: 10},
		style.Column{Name: "NAME", Width: 16},
		style.Column{Name: "STATUS", Width: 10},
		style.Column{Name: "MODEL", Width: 20},
		style.Column{Name: "BINARY", Width: 40},
	)
	for _, p := range list {
		status := style.Success.Render("installed")
		if !p.Available {
			status = style.Warning.Render("missing")
		}
		t.AddRow(string(p.ID), p.DisplayName, status, p.DefaultModel, p.ResolvedBinary)
	}
	_, err := io.WriteString(w, t.Render())
	return err
}

func runProvidersInstall(cmd *cobra.Command, args []string) error {
	ctx, c := contextOrBackground(cmd), newClient()
	term, err := c.InstallProvider(ctx, args[0])
	if err != nil {
		return err
	}
	if !providersInstallAttach {
		fmt.Fprintf(cmd.OutOrStdout(), "%s Installing %s in terminal %s\n", style.Success.Render("✓"), args[0], term.PtyID)
		return nil
	}
	conn, err := c.AttachTerminal(ctx, term.PtyID)
	if err != nil {
		return err
	}
	return attach(cmd, conn)
}
