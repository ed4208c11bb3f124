package git

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/foreman/internal/util"
)

const (
	// WorktreeDir is the directory under a project root that holds agent worktrees.
	WorktreeDir = ".worktrees"

	// BranchPrefix namespaces branches created for agents.
	BranchPrefix = "foreman/"
)

// Worktree is a provisioned checkout.
type Worktree struct {
	Path   string
	Branch string
}

// Provisioner creates and removes per-agent worktrees. Every failure is
// logged and reported as ok=false; callers fall back to the project
// directory.
type Provisioner struct {
	Logger *slog.Logger
}

func (p *Provisioner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Derive returns the worktree path and branch for an agent without touching
// the repository. The agent ID keeps agents that share a name apart. An
// explicit branch wins over the derived one.
func Derive(projectPath, name, agentID, branch string) Worktree {
	slug := util.Slugify(name, "agent")
	if agentID != "" {
		slug += "-" + util.Slugify(agentID[:min(8, len(agentID))], "")
	}
	slug = strings.TrimSuffix(slug, "-")
	if branch == "" {
		branch = BranchPrefix + slug
	}
	return Worktree{
		Path:   filepath.Join(projectPath, WorktreeDir, slug),
		Branch: branch,
	}
}

// Provision attaches or creates the worktree for the agent under
// projectPath. An existing directory at the derived path belongs to the
// same agent and is reused as is.
func (p *Provisioner) Provision(ctx context.Context, projectPath, name, agentID, branch string) (Worktree, bool) {
	log := p.logger().With("project", projectPath, "name", name, "agent", agentID)
	wt := Derive(projectPath, name, agentID, branch)

	if err := ValidateBranchName(wt.Branch); err != nil {
		log.Warn("worktree skipped", "err", err)
		return Worktree{}, false
	}

	g := NewGit(projectPath).WithContext(ctx)
	if !g.IsRepo() {
		log.Info("worktree skipped: not a git repository")
		return Worktree{}, false
	}

	if info, err := os.Stat(wt.Path); err == nil && info.IsDir() {
		log.Info("reusing worktree", "path", wt.Path)
		return wt, true
	}

	exists, err := g.BranchExists(wt.Branch)
	if err != nil {
		log.Warn("worktree skipped", "err", err)
		return Worktree{}, false
	}
	if exists {
		err = g.WorktreeAddExisting(wt.Path, wt.Branch)
	} else {
		err = g.WorktreeAdd(wt.Path, wt.Branch)
	}
	if err != nil {
		log.Warn("worktree creation failed", "path", wt.Path, "branch", wt.Branch, "err", err)
		return Worktree{}, false
	}

	log.Info("worktree created", "path", wt.Path, "branch", wt.Branch, "existing_branch", exists)
	return wt, true
}

// Remove force-removes a worktree and prunes stale entries.
func (p *Provisioner) Remove(ctx context.Context, projectPath, worktreePath string) error {
	g := NewGit(projectPath).WithContext(ctx)
	if err := g.WorktreeRemove(worktreePath, true); err != nil {
		return err
	}
	return g.WorktreePrune()
}
