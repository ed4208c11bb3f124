package kanban

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/steveyegge/foreman/internal/agent"
)

func TestHasSkills(t *testing.T) {
	tests := []struct {
		name     string
		have     []string
		required []string
		want     bool
	}{
		{"nothing required", nil, nil, true},
		{"exact", []string{"go"}, []string{"go"}, true},
		{"case folded", []string{"PostgreSQL"}, []string{"postgresql"}, true},
		{"substring", []string{"go-testing"}, []string{"test"}, true},
		{"german sharp s", []string{"Straße"}, []string{"STRASSE"}, true},
		{"missing one", []string{"go"}, []string{"go", "sql"}, false},
		{"blank requirement ignored", []string{"go"}, []string{" "}, true},
		{"no skills", nil, []string{"go"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hasSkills(tt.have, tt.required))
		})
	}
}

func TestMatchAgent(t *testing.T) {
	none := func(agent.Record) bool { return false }
	task := Task{ID: "t", ProjectPath: "/repo/", RequiredSkills: []string{"go"}}

	agents := []agent.Record{
		{ID: "busy", Status: agent.StatusRunning, ProjectPath: "/repo", Skills: []string{"go"}},
		{ID: "other", Status: agent.StatusIdle, ProjectPath: "/elsewhere", Skills: []string{"go"}},
		{ID: "plain", Status: agent.StatusIdle, ProjectPath: "/repo"},
		{ID: "gopher", Status: agent.StatusIdle, ProjectPath: "/repo/./", Skills: []string{"Go"}},
		{ID: "gone", Status: agent.StatusIdle, ProjectPath: "/repo", Skills: []string{"go"}, PathMissing: true},
	}

	got, ok := matchAgent(task, agents, none)
	assert.True(t, ok)
	assert.Equal(t, "gopher", got.ID)

	got, ok = matchAgent(task, agents, func(a agent.Record) bool { return a.ID == "gopher" })
	assert.True(t, ok)
	assert.Equal(t, "plain", got.ID)

	task.AssignedAgentID = "plain"
	got, ok = matchAgent(task, agents, none)
	assert.True(t, ok)
	assert.Equal(t, "plain", got.ID)

	_, ok = matchAgent(Task{ProjectPath: "/nowhere"}, agents, none)
	assert.False(t, ok)
}
