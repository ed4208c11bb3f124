package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/spf13/cobra"

	"github.com/steveyegge/foreman/internal/config"
	"github.com/steveyegge/foreman/internal/provider"
)

var (
	runProvider  string
	runModel     string
	runScheduled bool
	runDir       string
	runDryRun    bool
)

var runCmd = &cobra.Command{
	Use:     "run <prompt>",
	GroupID: GroupWork,
	Short:   "Run a one-shot prompt through a provider CLI",
	Long: `Run a single prompt through a provider's CLI in the foreground.

No server is needed. --scheduled asks the provider to end with a status
line so unattended runs can be checked by scripts.

Examples:
  fm run "summarize the open TODOs in this repo"
  fm run --provider codex --model gpt-5 "add a changelog entry"
  fm run --scheduled --dir ~/src/api "update dependencies and run the tests"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runProvider, "provider", "", "provider (default from config)")
	runCmd.Flags().StringVar(&runModel, "model", "", "model override")
	runCmd.Flags().BoolVar(&runScheduled, "scheduled", false, "unattended run with a final status line")
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory (default current directory)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "print the command instead of running it")
	rootCmd.AddCommand(runCmd)
}

// oneShot is a built provider invocation.
type oneShot struct {
	Command string
	Dir     string
	Env     []string
}

func buildOneShot(cfg *config.Config, id, model, prompt, dir string, scheduled bool) (oneShot, error) {
	if id == "" {
		id = cfg.Agents.DefaultProvider
	}
	pid, err := provider.Parse(id)
	if err != nil {
		return oneShot{}, err
	}
	catalog := provider.NewCatalog(cfg.ProviderSettings(), cfg.LocalEndpoint())
	p, err := catalog.Get(pid)
	if err != nil {
		return oneShot{}, err
	}
	params := catalog.Prepare(p, provider.Params{WorkDir: dir, Prompt: prompt, Model: model})

	build := p.Quick
	if scheduled {
		build = p.Scheduled
	}
	command, err := build(params)
	if err != nil {
		return oneShot{}, err
	}

	spawnEnv := catalog.SpawnEnv(p)
	env := make([]string, 0, len(spawnEnv))
	for k, v := range spawnEnv {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return oneShot{Command: command, Dir: dir, Env: env}, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := absDir(runDir)
	if err != nil {
		return err
	}
	run, err := buildOneShot(cfg, runProvider, runModel, args[0], dir, runScheduled)
	if err != nil {
		return err
	}
	if runDryRun {
		for _, kv := range run.Env {
			fmt.Fprintf(cmd.OutOrStdout(), "%s ", kv)
		}
		fmt.Fprintln(cmd.OutOrStdout(), run.Command)
		return nil
	}

	c := exec.CommandContext(contextOrBackground(cmd), "/bin/sh", "-c", run.Command)
	c.Dir = run.Dir
	c.Env = append(os.Environ(), run.Env...)
	c.Stdin = os.Stdin
	c.Stdout = cmd.OutOrStdout()
	c.Stderr = cmd.ErrOrStderr()
	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &exitError{code: exitErr.ExitCode()}
		}
		return err
	}
	return nil
}
