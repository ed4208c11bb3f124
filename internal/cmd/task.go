package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/steveyegge/foreman/internal/client"
	"github.com/steveyegge/foreman/internal/kanban"
	"github.com/steveyegge/foreman/internal/output"
	"github.com/steveyegge/foreman/internal/style"
	"github.com/steveyegge/foreman/internal/util"
)

// Task command flags
var (
	taskListColumn string

	taskAddDescription string
	taskAddDir         string
	taskAddSkills      []string
	taskAddPriority    string
	taskAddLabels      []string
	taskAddAttachments []string
	taskAddPlan        bool

	taskCompleteSummary string
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"tasks"},
	GroupID: GroupWork,
	Short:   "Manage the task board",
	Long: `Manage the kanban board.

Tasks flow backlog -> planned -> ongoing -> done. Moving a task to planned
hands it to an idle agent whose skills cover the task (creating one if
none fits) and starts that agent on the task. The agent reports back with
'fm task complete'.`,
	RunE: requireSubcommand,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task to the backlog",
	Long: `Add a task to the backlog.

Examples:
  fm task add "Fix flaky login test" --skills go --priority high
  fm task add "Write release notes" --dir ~/src/app --plan`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskAdd,
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <task> <column>",
	Short: "Move a task to backlog, planned or done",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskMove,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete [task]",
	Short: "Report a task as finished",
	Long: `Report a task as finished and move it to done.

Run by agents when their work is done. Without a task argument the task is
taken from $FM_TASK_ID, or from the task bound to the agent in $FM_AGENT_ID.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTaskComplete,
}

var taskRmCmd = &cobra.Command{
	Use:     "rm <task>",
	Aliases: []string{"delete"},
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE:    runTaskRm,
}

func init() {
	taskListCmd.Flags().StringVar(&taskListColumn, "column", "", "only this column")

	taskAddCmd.Flags().StringVarP(&taskAddDescription, "description", "d", "", "task description")
	taskAddCmd.Flags().StringVar(&taskAddDir, "dir", "", "project directory (default current directory)")
	taskAddCmd.Flags().StringSliceVar(&taskAddSkills, "skills", nil, "skills an agent needs for this task")
	taskAddCmd.Flags().StringVar(&taskAddPriority, "priority", "", "low, medium or high")
	taskAddCmd.Flags().StringSliceVar(&taskAddLabels, "label", nil, "labels")
	taskAddCmd.Flags().StringSliceVar(&taskAddAttachments, "attach", nil, "file paths to hand to the agent")
	taskAddCmd.Flags().BoolVar(&taskAddPlan, "plan", false, "move the task to planned right away")

	taskCompleteCmd.Flags().StringVarP(&taskCompleteSummary, "summary", "s", "", "one-line summary of the work")

	taskCmd.AddCommand(taskListCmd, taskShowCmd, taskAddCmd, taskMoveCmd, taskCompleteCmd, taskRmCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	f, err := format()
	if err != nil {
		return err
	}
	tasks, err := newClient().ListTasks(contextOrBackground(cmd), taskListColumn)
	if err != nil {
		return err
	}
	return output.Write(cmd.OutOrStdout(), f, tasks, func(w io.Writer) error {
		return renderTasks(w, tasks)
	})
}

func renderTasks(w io.Writer, tasks []kanban.Task) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, style.Dim.Render("No tasks."))
		return err
	}
	t := style.NewTable(
		style.Column{Name: "ID", Width: 8},
		style.Column{Name: "COLUMN", Width: 8, Color: style.Status},
		style.Column{Name: "PRI", Width: 6, Color: style.Status},
		style.Column{Name: "PROG", Width: 4, Align: style.AlignRight},
		style.Column{Name: "AGENT", Width: 8},
		style.Column{Name: "TITLE", Width: 50},
	)
	for _, task := range tasks {
		t.AddRow(shortID(task.ID), string(task.Column), string(task.Priority),
			strconv.Itoa(task.Progress)+"%", shortID(task.AssignedAgentID), task.Title)
	}
	_, err := io.WriteString(w, t.Render())
	return err
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	f, err := format()
	if err != nil {
		return err
	}
	ctx, c := contextOrBackground(cmd), newClient()
	id, err := resolveTaskID(ctx, c, args[0])
	if err != nil {
		return err
	}
	task, err := c.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return output.Write(cmd.OutOrStdout(), f, task, func(w io.Writer) error {
		return renderTask(w, task)
	})
}

func renderTask(w io.Writer, t kanban.Task) error {
	fmt.Fprintf(w, "%s %s\n", style.Bold.Render(t.Title), style.Dim.Render(t.ID))
	fmt.Fprintf(w, "  column:   %s\n", style.Status(string(t.Column)))
	fmt.Fprintf(w, "  priority: %s\n", style.Status(string(t.Priority)))
	fmt.Fprintf(w, "  project:  %s\n", t.ProjectPath)
	if len(t.RequiredSkills) > 0 {
		fmt.Fprintf(w, "  skills:   %v\n", t.RequiredSkills)
	}
	if t.AssignedAgentID != "" {
		fmt.Fprintf(w, "  agent:    %s\n", t.AssignedAgentID)
	}
	if t.LastError != "" {
		fmt.Fprintf(w, "  error:    %s\n", style.Error.Render(t.LastError))
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", t.Description)
	}
	if t.Summary != "" {
		fmt.Fprintf(w, "\n%s %s\n", style.Success.Render("Summary:"), t.Summary)
	}
	return nil
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	dir, err := absDir(taskAddDir)
	if err != nil {
		return err
	}
	ctx, c := contextOrBackground(cmd), newClient()
	task, err := c.CreateTask(ctx, client.CreateTask{
		Title:          args[0],
		Description:    taskAddDescription,
		ProjectPath:    dir,
		RequiredSkills: taskAddSkills,
		Attachments:    taskAddAttachments,
		Priority:       kanban.Priority(taskAddPriority),
		Labels:         taskAddLabels,
	})
	if err != nil {
		return err
	}
	if taskAddPlan {
		planned, err := c.MoveTask(ctx, task.ID, string(kanban.ColumnPlanned))
		if err != nil {
			return fmt.Errorf("task %s created but planning failed: %w", task.ID, err)
		}
		task = planned
	}
	return printRecord(cmd, task, "Added task %s to %s\n", task.ID, style.Status(string(task.Column)))
}

func runTaskMove(cmd *cobra.Command, args []string) error {
	column, err := kanban.ParseColumn(args[1])
	if err != nil {
		return err
	}
	ctx, c := contextOrBackground(cmd), newClient()
	id, err := resolveTaskID(ctx, c, args[0])
	if err != nil {
		return err
	}
	task, err := c.MoveTask(ctx, id, string(column))
	if err != nil {
		return err
	}
	return printRecord(cmd, task, "Moved %s to %s\n", util.Truncate(task.Title, 40), style.Status(string(task.Column)))
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	ctx, c := contextOrBackground(cmd), newClient()
	var ref string
	if len(args) == 1 {
		ref = args[0]
	}
	id, err := completionTaskID(ctx, c, ref)
	if err != nil {
		return err
	}
	task, err := c.CompleteTask(ctx, id, taskCompleteSummary)
	if err != nil {
		return err
	}
	return printRecord(cmd, task, "Completed %s\n", util.Truncate(task.Title, 60))
}

// completionTaskID finds the task to complete: the argument, $FM_TASK_ID,
// or the task bound to the calling agent.
func completionTaskID(ctx context.Context, c *client.Client, ref string) (string, error) {
	if ref != "" {
		return resolveTaskID(ctx, c, ref)
	}
	if id := os.Getenv("FM_TASK_ID"); id != "" {
		return id, nil
	}
	agentID := os.Getenv("FM_AGENT_ID")
	if agentID == "" {
		return "", errors.New("no task given and neither FM_TASK_ID nor FM_AGENT_ID is set")
	}
	rec, err := c.GetAgent(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("looking up agent %s: %w", agentID, err)
	}
	if rec.KanbanTaskID == "" {
		return "", fmt.Errorf("agent %s is not working on a task", rec.Name)
	}
	return rec.KanbanTaskID, nil
}

func runTaskRm(cmd *cobra.Command, args []string) error {
	ctx, c := contextOrBackground(cmd), newClient()
	id, err := resolveTaskID(ctx, c, args[0])
	if err != nil {
		return err
	}
	if err := c.DeleteTask(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted task %s\n", style.Success.Render("✓"), id)
	return nil
}
