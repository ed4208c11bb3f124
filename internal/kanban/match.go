package kanban

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"

	"github.com/steveyegge/foreman/internal/agent"
)

var fold = cases.Fold()

// normalizePath makes project paths comparable.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}

// hasSkills reports whether every required skill is covered by one of the
// agent's skills. A skill covers a requirement when it contains it,
// ignoring case.
func hasSkills(agentSkills, required []string) bool {
	folded := make([]string, len(agentSkills))
	for i, s := range agentSkills {
		folded[i] = fold.String(s)
	}
	for _, req := range required {
		req = fold.String(strings.TrimSpace(req))
		if req == "" {
			continue
		}
		found := false
		for _, s := range folded {
			if strings.Contains(s, req) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// matchAgent picks an idle agent for task. reserved reports whether an
// agent is bound to some other active task and must not be reused.
//
// Preference order: the agent already assigned to the task, then an agent
// on the same project with the required skills, then any agent on the
// same project.
func matchAgent(task Task, agents []agent.Record, reserved func(agent.Record) bool) (agent.Record, bool) {
	project := normalizePath(task.ProjectPath)
	var candidates []agent.Record
	for _, a := range agents {
		if a.Status != agent.StatusIdle || a.PathMissing || reserved(a) {
			continue
		}
		if normalizePath(a.ProjectPath) != project {
			continue
		}
		if task.AssignedAgentID != "" && a.ID == task.AssignedAgentID {
			return a, true
		}
		candidates = append(candidates, a)
	}
	for _, a := range candidates {
		if hasSkills(a.Skills, task.RequiredSkills) {
			return a, true
		}
	}
	if len(candidates) > 0 {
		return candidates[0], true
	}
	return agent.Record{}, false
}
