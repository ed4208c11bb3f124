// Package agent manages agents: long-running CLI assistant sessions, each
// backed by a pseudo-terminal, tracked through a status state machine.
package agent

import (
	"errors"
	"strings"
	"time"

	"github.com/steveyegge/foreman/internal/process"
	"github.com/steveyegge/foreman/internal/provider"
)

// Status is an agent's position in the state machine:
//
//	idle -> running -> {waiting, completed, error} -> idle
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Statuses lists every status in state machine order.
var Statuses = []Status{StatusIdle, StatusRunning, StatusWaiting, StatusCompleted, StatusError}

var (
	// ErrNotFound is returned for unknown agent IDs.
	ErrNotFound = errors.New("agent not found")

	// ErrUnknownProvider is returned when a provider ID is outside the table.
	ErrUnknownProvider = provider.ErrUnknownProvider

	// ErrNoTerminal is returned when input is sent to an agent without a
	// live terminal.
	ErrNoTerminal = errors.New("agent has no live terminal")

	// ErrConflict is returned when an agent was stopped, removed or
	// respawned by someone else while an operation was in flight.
	ErrConflict = errors.New("agent changed during operation")
)

// currentTaskMaxRunes bounds Record.CurrentTask.
const currentTaskMaxRunes = 100

// Record is the externally visible state of an agent.
type Record struct {
	ID                   string      `json:"id" yaml:"id"`
	Name                 string      `json:"name" yaml:"name"`
	Status               Status      `json:"status" yaml:"status"`
	Provider             provider.ID `json:"provider" yaml:"provider"`
	Model                string      `json:"model,omitempty" yaml:"model,omitempty"`
	ProjectPath          string      `json:"projectPath" yaml:"projectPath"`
	SecondaryProjectPath string      `json:"secondaryProjectPath,omitempty" yaml:"secondaryProjectPath,omitempty"`
	WorktreePath         string      `json:"worktreePath,omitempty" yaml:"worktreePath,omitempty"`
	BranchName           string      `json:"branchName,omitempty" yaml:"branchName,omitempty"`
	Skills               []string    `json:"skills,omitempty" yaml:"skills,omitempty"`
	CurrentTask          string      `json:"currentTask,omitempty" yaml:"currentTask,omitempty"`
	Output               []string    `json:"output,omitempty" yaml:"-"`
	LastActivity         time.Time   `json:"lastActivity" yaml:"lastActivity"`
	PtyID                process.ID  `json:"ptyId,omitempty" yaml:"ptyId,omitempty"`
	SkipPermissions      bool        `json:"skipPermissions" yaml:"skipPermissions"`
	CurrentSessionID     string      `json:"currentSessionId,omitempty" yaml:"currentSessionId,omitempty"`
	KanbanTaskID         string      `json:"kanbanTaskId,omitempty" yaml:"kanbanTaskId,omitempty"`
	ManuallyStoppedAt    *time.Time  `json:"manuallyStoppedAt,omitempty" yaml:"manuallyStoppedAt,omitempty"`
	PathMissing          bool        `json:"pathMissing,omitempty" yaml:"pathMissing,omitempty"`
	CreatedAt            time.Time   `json:"createdAt" yaml:"createdAt"`
}

// WorkDir is where the agent's shell runs: its worktree if it has one.
func (r *Record) WorkDir() string {
	if r.WorktreePath != "" {
		return r.WorktreePath
	}
	return r.ProjectPath
}

// CreateConfig describes a new agent.
type CreateConfig struct {
	Name                 string
	Provider             provider.ID
	Model                string
	ProjectPath          string
	SecondaryProjectPath string
	Skills               []string
	SkipPermissions      bool
	KanbanTaskID         string

	// Worktree requests a dedicated git worktree. Nil uses the registry
	// default.
	Worktree *bool
	// BranchName overrides the derived worktree branch.
	BranchName string
}

// StartOptions tune a single Start call. Zero values keep the record's
// settings.
type StartOptions struct {
	Model           string
	Skills          []string
	SkipPermissions *bool
	KanbanTaskID    string
	// Resume continues the record's CurrentSessionID when it has one.
	Resume bool
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	Name                 *string
	Provider             *provider.ID
	Model                *string
	Skills               *[]string
	SecondaryProjectPath *string
	SkipPermissions      *bool
	KanbanTaskID         *string
	CurrentSessionID     *string
}

// NormalizeSkills trims skills and drops blanks and case-insensitive
// duplicates, keeping first occurrences in order.
func NormalizeSkills(skills []string) []string {
	seen := make(map[string]bool, len(skills))
	var out []string
	for _, s := range skills {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
