package kanban

import (
	"fmt"
	"strings"
)

// Prompt builds the instruction an agent is started with. It always ends
// with the completion callback the agent must invoke; process exit is not
// treated as task completion.
func Prompt(task Task, serverURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s.", strings.TrimRight(strings.TrimSpace(task.Title), "."))
	if d := strings.Join(strings.Fields(task.Description), " "); d != "" {
		fmt.Fprintf(&b, " Details: %s", d)
	}
	if len(task.Attachments) > 0 {
		fmt.Fprintf(&b, " Attached files: %s.", strings.Join(task.Attachments, ", "))
	}
	fmt.Fprintf(&b, " When you have finished, you MUST report completion by running `fm task complete %s --summary \"<one-line summary of what you did>\"`", task.ID)
	if serverURL != "" {
		fmt.Fprintf(&b, " (or POST {\"summary\": \"...\"} to %s/api/tasks/%s/complete)", strings.TrimRight(serverURL, "/"), task.ID)
	}
	b.WriteString(". The task is only marked done through this callback.")
	return b.String()
}
