// Package git wraps the git executable for the handful of operations foreman
// needs: repository checks, branches and worktrees.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitError is returned when a git command fails. Stderr carries git's own
// message unmodified so callers can show it to a human or an agent.
type GitError struct {
	Command string
	Args    []string
	Stderr  string
	Err     error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %s", e.Command, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", e.Command, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// Git runs git commands in a working directory.
type Git struct {
	workDir string
	ctx     context.Context
}

// NewGit returns a Git rooted at workDir.
func NewGit(workDir string) *Git {
	return &Git{workDir: workDir, ctx: context.Background()}
}

// WithContext returns a copy whose commands are bound to ctx.
func (g *Git) WithContext(ctx context.Context) *Git {
	cp := *g
	cp.ctx = ctx
	return &cp
}

// WorkDir returns the directory commands run in.
func (g *Git) WorkDir() string { return g.workDir }

func (g *Git) run(args ...string) (string, error) {
	cmd := exec.CommandContext(g.ctx, "git", args...)
	cmd.Dir = g.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		return "", &GitError{
			Command: name,
			Args:    args,
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsRepo reports whether the working directory is inside a git work tree.
func (g *Git) IsRepo() bool {
	out, err := g.run("rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// TopLevel returns the root of the work tree.
func (g *Git) TopLevel() (string, error) {
	return g.run("rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch() (string, error) {
	return g.run("rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(branch string) (bool, error) {
	_, err := g.run("rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if ge, ok := err.(*GitError); ok {
		if exitErr, ok := ge.Err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
	}
	return false, err
}

// WorktreeAdd creates a worktree at path on a new branch from HEAD.
func (g *Git) WorktreeAdd(path, branch string) error {
	_, err := g.run("worktree", "add", "-b", branch, path)
	return err
}

// WorktreeAddExisting creates a worktree at path for an existing branch.
func (g *Git) WorktreeAddExisting(path, branch string) error {
	_, err := g.run("worktree", "add", path, branch)
	return err
}

// WorktreeRemove removes the worktree at path.
func (g *Git) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(append(args, path)...)
	return err
}

// WorktreePrune drops administrative entries for worktrees whose
// directories are gone.
func (g *Git) WorktreePrune() error {
	_, err := g.run("worktree", "prune")
	return err
}

// WorktreeList returns the paths of every worktree, main one first.
func (g *Git) WorktreeList() ([]string, error) {
	out, err := g.run("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, p)
		}
	}
	return paths, nil
}
