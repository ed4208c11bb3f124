package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/foreman/internal/agent"
	"github.com/steveyegge/foreman/internal/client"
	"github.com/steveyegge/foreman/internal/output"
	"github.com/steveyegge/foreman/internal/provider"
	"github.com/steveyegge/foreman/internal/style"
	"github.com/steveyegge/foreman/internal/util"
)

// Agent command flags
var (
	agentCreateName      string
	agentCreateProvider  string
	agentCreateModel     string
	agentCreateDir       string
	agentCreateSecondary string
	agentCreateSkills    []string
	agentCreateYolo      bool
	agentCreateTree      bool
	agentCreateNoTree    bool
	agentCreateBranch    string

	agentStartModel  string
	agentStartResume bool
	agentStartYolo   bool

	agentLogsTail int
)

var agentCmd = &cobra.Command{
	Use:     "agent",
	Aliases: []string{"agents"},
	GroupID: GroupAgents,
	Short:   "Manage agents",
	Long: `Manage agents: CLI coding assistants running in server-side terminals.

An agent is created once and may be started many times. Each start spawns
a fresh terminal in the agent's worktree (or project directory) and sends
the prompt to the provider's CLI.`,
	RunE: requireSubcommand,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Args:  cobra.NoArgs,
	RunE:  runAgentList,
}

var agentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an agent",
	Long: `Create an agent for a project.

With --worktree, or with worktrees = true in the [agents] config section, a
git project gets its own worktree on a fresh branch. The worktree and branch
names carry the agent ID, so agents on the same repository never share a
checkout.

Examples:
  fm agent create --dir ~/src/api --skills go,sql
  fm agent create --provider codex --model gpt-5 --name reviewer`,
	Args: cobra.NoArgs,
	RunE: runAgentCreate,
}

var agentStartCmd = &cobra.Command{
	Use:   "start <agent> <prompt>",
	Short: "Start an agent with a prompt",
	Args:  cobra.ExactArgs(2),
	RunE:  runAgentStart,
}

var agentStopCmd = &cobra.Command{
	Use:   "stop <agent>",
	Short: "Stop an agent's terminal",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentStop,
}

var agentRmCmd = &cobra.Command{
	Use:     "rm <agent>",
	Aliases: []string{"remove"},
	Short:   "Remove an agent and its worktree",
	Args:    cobra.ExactArgs(1),
	RunE:    runAgentRm,
}

var agentLogsCmd = &cobra.Command{
	Use:   "logs <agent>",
	Short: "Print an agent's buffered output",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentLogs,
}

func init() {
	agentCreateCmd.Flags().StringVar(&agentCreateName, "name", "", "agent name (default derived from the directory)")
	agentCreateCmd.Flags().StringVar(&agentCreateProvider, "provider", "", "provider: "+providerList())
	agentCreateCmd.Flags().StringVar(&agentCreateModel, "model", "", "model override")
	agentCreateCmd.Flags().StringVar(&agentCreateDir, "dir", "", "project directory (default current directory)")
	agentCreateCmd.Flags().StringVar(&agentCreateSecondary, "add-dir", "", "secondary project directory")
	agentCreateCmd.Flags().StringSliceVar(&agentCreateSkills, "skills", nil, "skills the agent advertises")
	agentCreateCmd.Flags().BoolVar(&agentCreateYolo, "skip-permissions", false, "run without permission prompts")
	agentCreateCmd.Flags().BoolVar(&agentCreateTree, "worktree", false, "work in a dedicated git worktree")
	agentCreateCmd.Flags().BoolVar(&agentCreateNoTree, "no-worktree", false, "work in the project directory itself")
	agentCreateCmd.Flags().StringVar(&agentCreateBranch, "branch", "", "worktree branch name")

	agentStartCmd.Flags().StringVar(&agentStartModel, "model", "", "model for this run")
	agentStartCmd.Flags().BoolVar(&agentStartResume, "resume", false, "resume the previous session")
	agentStartCmd.Flags().BoolVar(&agentStartYolo, "skip-permissions", false, "run without permission prompts")

	agentLogsCmd.Flags().IntVarP(&agentLogsTail, "tail", "n", 0, "only the last N lines (0 for all)")

	agentCmd.AddCommand(agentListCmd, agentCreateCmd, agentStartCmd, agentStopCmd, agentRmCmd, agentLogsCmd)
	rootCmd.AddCommand(agentCmd)
}

func providerList() string {
	var ids []string
	for _, id := range provider.IDs() {
		ids = append(ids, string(id))
	}
	return strings.Join(ids, ", ")
}

func runAgentList(cmd *cobra.Command, args []string) error {
	f, err := format()
	if err != nil {
		return err
	}
	agents, err := newClient().ListAgents(contextOrBackground(cmd))
	if err != nil {
		return err
	}
	return output.Write(cmd.OutOrStdout(), f, agents, func(w io.Writer) error {
		return renderAgents(w, agents)
	})
}

func renderAgents(w io.Writer, agents []agent.Record) error {
	if len(agents) == 0 {
		_, err := fmt.Fprintln(w, style.Dim.Render("No agents."))
		return err
	}
	t := style.NewTable(
		style.Column{Name: "ID", Width: 8},
		style.Column{Name: "NAME", Width: 20},
		style.Column{Name: "STATUS", Width: 10, Color: style.Status},
		style.Column{Name: "PROVIDER", Width: 10},
		style.Column{Name: "TASK", Width: 40},
	)
	for _, a := range agents {
		t.AddRow(shortID(a.ID), a.Name, string(a.Status), string(a.Provider), a.CurrentTask)
	}
	_, err := io.WriteString(w, t.Render())
	return err
}

// shortID trims a UUID to its first block for tables.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runAgentCreate(cmd *cobra.Command, args []string) error {
	dir, err := absDir(agentCreateDir)
	if err != nil {
		return err
	}
	req := client.CreateAgent{
		Name:            agentCreateName,
		Provider:        provider.ID(agentCreateProvider),
		Model:           agentCreateModel,
		ProjectPath:     dir,
		Skills:          agentCreateSkills,
		SkipPermissions: agentCreateYolo,
		BranchName:      agentCreateBranch,
	}
	if agentCreateSecondary != "" {
		if req.SecondaryProjectPath, err = absDir(agentCreateSecondary); err != nil {
			return err
		}
	}
	switch {
	case agentCreateTree && agentCreateNoTree:
		return fmt.Errorf("--worktree and --no-worktree are mutually exclusive")
	case agentCreateTree || agentCreateNoTree:
		req.Worktree = &agentCreateTree
	}
	rec, err := newClient().CreateAgent(contextOrBackground(cmd), req)
	if err != nil {
		return err
	}
	return printRecord(cmd, rec, "Created agent %s (%s)\n", rec.Name, rec.ID)
}

func runAgentStart(cmd *cobra.Command, args []string) error {
	req := client.StartAgent{
		Prompt: args[1],
		Model:  agentStartModel,
		Resume: agentStartResume,
	}
	if cmd.Flags().Changed("skip-permissions") {
		req.SkipPermissions = &agentStartYolo
	}
	ctx, c := contextOrBackground(cmd), newClient()
	id, err := resolveAgentID(ctx, c, args[0])
	if err != nil {
		return err
	}
	rec, err := c.StartAgent(ctx, id, req)
	if err != nil {
		return err
	}
	return printRecord(cmd, rec, "Started %s: %s\n", rec.Name, util.Truncate(rec.CurrentTask, 60))
}

func runAgentStop(cmd *cobra.Command, args []string) error {
	ctx, c := contextOrBackground(cmd), newClient()
	id, err := resolveAgentID(ctx, c, args[0])
	if err != nil {
		return err
	}
	rec, err := c.StopAgent(ctx, id)
	if err != nil {
		return err
	}
	return printRecord(cmd, rec, "Stopped %s\n", rec.Name)
}

func runAgentRm(cmd *cobra.Command, args []string) error {
	ctx, c := contextOrBackground(cmd), newClient()
	id, err := resolveAgentID(ctx, c, args[0])
	if err != nil {
		return err
	}
	if err := c.RemoveAgent(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Removed agent %s\n", style.Success.Render("✓"), id)
	return nil
}

func runAgentLogs(cmd *cobra.Command, args []string) error {
	ctx, c := contextOrBackground(cmd), newClient()
	id, err := resolveAgentID(ctx, c, args[0])
	if err != nil {
		return err
	}
	if agentLogsTail <= 0 {
		return c.AgentOutput(ctx, id, cmd.OutOrStdout())
	}
	var buf bytes.Buffer
	if err := c.AgentOutput(ctx, id, &buf); err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), tailLines(buf.String(), agentLogsTail))
	return err
}

// tailLines returns the last n lines of s.
func tailLines(s string, n int) string {
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "")
}

// printRecord prints msg in table mode and the record itself otherwise.
func printRecord(cmd *cobra.Command, v any, msg string, a ...any) error {
	f, err := format()
	if err != nil {
		return err
	}
	return output.Write(cmd.OutOrStdout(), f, v, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s "+msg, append([]any{style.Success.Render("✓")}, a...)...)
		return err
	})
}

// absDir resolves dir against the working directory; empty means ".".
func absDir(dir string) (string, error) {
	if dir == "" {
		return os.Getwd()
	}
	return filepath.Abs(dir)
}
