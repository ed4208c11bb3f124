package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/foreman/internal/client"
)

// resolveRef turns a user-supplied reference into a full ID. A reference
// is a full ID, a unique ID prefix (as printed by list), or an exact name.
func resolveRef(kind, ref string, ids, names []string) (string, error) {
	var matches []string
	for i, id := range ids {
		if id == ref {
			return id, nil
		}
		if strings.HasPrefix(id, ref) || (names != nil && names[i] == ref) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%s %q not found", kind, ref)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%s %q is ambiguous (%d matches)", kind, ref, len(matches))
}

func resolveAgentID(ctx context.Context, c *client.Client, ref string) (string, error) {
	agents, err := c.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	ids := make([]string, len(agents))
	names := make([]string, len(agents))
	for i, a := range agents {
		ids[i], names[i] = a.ID, a.Name
	}
	return resolveRef("agent", ref, ids, names)
}

func resolveTaskID(ctx context.Context, c *client.Client, ref string) (string, error) {
	tasks, err := c.ListTasks(ctx, "")
	if err != nil {
		return "", err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return resolveRef("task", ref, ids, nil)
}
