package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	dir := t.TempDir()

	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")

	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v in %s: %v\n%s", args, dir, err, out)
	}
}

// --- Git ---

func TestIsRepo(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	g := NewGit(dir)

	assert.False(t, g.IsRepo())
	runGit(t, dir, "init")
	assert.True(t, g.IsRepo())
}

func TestNotARepo(t *testing.T) {
	requireGit(t)
	g := NewGit(t.TempDir())

	_, err := g.CurrentBranch()

	var gitErr *GitError
	require.True(t, errors.As(err, &gitErr), "expected GitError, got %T", err)
	assert.Equal(t, "rev-parse", gitErr.Command)
	assert.NotEmpty(t, gitErr.Stderr)
}

func TestBranchExists(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)
	runGit(t, dir, "branch", "feature")

	ok, err := g.BranchExists("feature")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.BranchExists("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorktreeLifecycle(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)
	path := filepath.Join(dir, ".worktrees", "one")

	require.NoError(t, g.WorktreeAdd(path, "foreman/one"))
	assert.FileExists(t, filepath.Join(path, "README.md"))

	paths, err := g.WorktreeList()
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	// Adding the same branch again fails with git's own message.
	err = g.WorktreeAdd(filepath.Join(dir, ".worktrees", "two"), "foreman/one")
	var gitErr *GitError
	require.True(t, errors.As(err, &gitErr))
	assert.NotEmpty(t, gitErr.Stderr)

	require.NoError(t, g.WorktreeRemove(path, true))
	require.NoError(t, g.WorktreePrune())
	assert.NoDirExists(t, path)
}

// --- Branch names ---

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		name    string
		branch  string
		wantErr bool
	}{
		{"simple", "foreman/fix-bug", false},
		{"empty", "", true},
		{"space", "foo bar", true},
		{"double dot", "a..b", true},
		{"lock suffix", "topic.lock", true},
		{"leading slash", "/topic", true},
		{"trailing dot", "topic.", true},
		{"double slash", "a//b", true},
		{"reflog syntax", "a@{1}", true},
		{"glob", "a*b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBranchName(tt.branch)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBranchName(%q) error = %v, wantErr %v", tt.branch, err, tt.wantErr)
			}
		})
	}
}

// --- Provisioner ---

func TestDerive(t *testing.T) {
	wt := Derive("/repo", "Fix Login Bug", "3f2a9c1e-77aa-4b1c-9d2e-0123456789ab", "")
	assert.Equal(t, "foreman/fix-login-bug-3f2a9c1e", wt.Branch)
	assert.Equal(t, filepath.Join("/repo", ".worktrees", "fix-login-bug-3f2a9c1e"), wt.Path)

	wt = Derive("/repo", "x", "", "feature/custom")
	assert.Equal(t, "feature/custom", wt.Branch)
	assert.Equal(t, filepath.Join("/repo", ".worktrees", "x"), wt.Path)
}

func TestProvision_CreatesThenReuses(t *testing.T) {
	dir := initTestRepo(t)
	p := &Provisioner{}
	ctx := context.Background()

	wt, ok := p.Provision(ctx, dir, "agent one", "a1b2c3d4-0000", "")
	require.True(t, ok)
	assert.Equal(t, "foreman/agent-one-a1b2c3d4", wt.Branch)
	assert.DirExists(t, wt.Path)

	again, ok := p.Provision(ctx, dir, "agent one", "a1b2c3d4-0000", "")
	require.True(t, ok)
	assert.Equal(t, wt, again)

	require.NoError(t, p.Remove(ctx, dir, wt.Path))
	assert.NoDirExists(t, wt.Path)

	// The branch survives removal and is attached on the next provision.
	wt, ok = p.Provision(ctx, dir, "agent one", "a1b2c3d4-0000", "")
	require.True(t, ok)
	assert.DirExists(t, wt.Path)
}

func TestProvision_SameNameDifferentAgents(t *testing.T) {
	dir := initTestRepo(t)
	p := &Provisioner{}
	ctx := context.Background()

	a, ok := p.Provision(ctx, dir, "task-fix-bug", "aaaaaaaa-1111", "")
	require.True(t, ok)
	b, ok := p.Provision(ctx, dir, "task-fix-bug", "bbbbbbbb-2222", "")
	require.True(t, ok)

	assert.NotEqual(t, a.Path, b.Path)
	assert.NotEqual(t, a.Branch, b.Branch)

	require.NoError(t, p.Remove(ctx, dir, a.Path))
	assert.NoDirExists(t, a.Path)
	assert.FileExists(t, filepath.Join(b.Path, "README.md"))
}

func TestProvision_NotARepoDegrades(t *testing.T) {
	requireGit(t)
	p := &Provisioner{}

	_, ok := p.Provision(context.Background(), t.TempDir(), "agent", "a1", "")

	assert.False(t, ok)
}

func TestProvision_InvalidBranchDegrades(t *testing.T) {
	dir := initTestRepo(t)
	p := &Provisioner{}

	_, ok := p.Provision(context.Background(), dir, "agent", "a1", "bad branch")

	assert.False(t, ok)
}
