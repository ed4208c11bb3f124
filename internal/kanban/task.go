// Package kanban is the task board and the automation that drives agents
// from it. Moving a task to planned assigns it an agent, starts the agent
// with the task prompt and moves the task to ongoing. The agent reports
// completion through an explicit callback, which moves the task to done.
package kanban

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Column is a board column. Tasks only move forward, except back to backlog.
type Column string

const (
	ColumnBacklog Column = "backlog"
	ColumnPlanned Column = "planned"
	ColumnOngoing Column = "ongoing"
	ColumnDone    Column = "done"
)

// Columns lists every column in board order.
var Columns = []Column{ColumnBacklog, ColumnPlanned, ColumnOngoing, ColumnDone}

func (c Column) index() int {
	for i, col := range Columns {
		if col == c {
			return i
		}
	}
	return len(Columns)
}

// ParseColumn validates a column name.
func ParseColumn(s string) (Column, error) {
	c := Column(strings.ToLower(strings.TrimSpace(s)))
	if c.index() == len(Columns) {
		return "", fmt.Errorf("%w: unknown column %q", ErrInvalid, s)
	}
	return c, nil
}

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func parsePriority(p Priority) (Priority, error) {
	switch Priority(strings.ToLower(string(p))) {
	case "":
		return PriorityMedium, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityMedium:
		return PriorityMedium, nil
	case PriorityHigh:
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalid, p)
}

var (
	// ErrNotFound is returned for unknown task IDs.
	ErrNotFound = errors.New("task not found")

	// ErrStateConflict is returned when a move breaks the board's rules.
	ErrStateConflict = errors.New("task state conflict")

	// ErrInvalid is returned for malformed task input.
	ErrInvalid = errors.New("invalid task")
)

// MoveError describes a rejected move. The task is left unchanged.
type MoveError struct {
	TaskID string
	From   Column
	To     Column
	Reason string
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("cannot move task %s from %s to %s: %s", e.TaskID, e.From, e.To, e.Reason)
}

func (e *MoveError) Unwrap() error {
	return ErrStateConflict
}

// Task is a card on the board.
type Task struct {
	ID                  string     `json:"id" yaml:"id"`
	Title               string     `json:"title" yaml:"title"`
	Description         string     `json:"description,omitempty" yaml:"description,omitempty"`
	Column              Column     `json:"column" yaml:"column"`
	ProjectPath         string     `json:"projectPath" yaml:"projectPath"`
	RequiredSkills      []string   `json:"requiredSkills,omitempty" yaml:"requiredSkills,omitempty"`
	AssignedAgentID     string     `json:"assignedAgentId,omitempty" yaml:"assignedAgentId,omitempty"`
	AgentCreatedForTask bool       `json:"agentCreatedForTask" yaml:"agentCreatedForTask"`
	Order               int        `json:"order" yaml:"order"`
	Progress            int        `json:"progress" yaml:"progress"`
	Attachments         []string   `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Priority            Priority   `json:"priority" yaml:"priority"`
	Labels              []string   `json:"labels,omitempty" yaml:"labels,omitempty"`
	Summary             string     `json:"summary,omitempty" yaml:"summary,omitempty"`
	LastError           string     `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	CreatedAt           time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt" yaml:"updatedAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
}

func (t Task) clone() Task {
	t.RequiredSkills = append([]string(nil), t.RequiredSkills...)
	t.Attachments = append([]string(nil), t.Attachments...)
	t.Labels = append([]string(nil), t.Labels...)
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		t.CompletedAt = &c
	}
	return t
}

// NewTask describes a task to create. New tasks land in the backlog.
type NewTask struct {
	Title          string
	Description    string
	ProjectPath    string
	RequiredSkills []string
	Attachments    []string
	Priority       Priority
	Labels         []string
}

// Patch is a partial update of a task's content. Nil fields are left alone.
type Patch struct {
	Title          *string
	Description    *string
	ProjectPath    *string
	RequiredSkills *[]string
	Attachments    *[]string
	Priority       *Priority
	Labels         *[]string
	Progress       *int
}

// cleanList trims entries and drops blanks and exact duplicates.
func cleanList(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
