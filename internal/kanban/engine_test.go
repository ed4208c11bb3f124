package kanban_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/foreman/internal/agent"
	"github.com/steveyegge/foreman/internal/kanban"
	"github.com/steveyegge/foreman/internal/notify"
	"github.com/steveyegge/foreman/internal/process"
	"github.com/steveyegge/foreman/internal/store"
)

type board struct {
	procs   *process.Double
	agents  *agent.Registry
	engine  *kanban.Engine
	store   *store.Memory[kanban.Task]
	notes   *notify.Recorder
	project string
}

func newBoard(t *testing.T, mutate ...func(*kanban.Options)) *board {
	t.Helper()
	b := &board{
		procs:   process.NewDouble(),
		store:   store.NewMemory[kanban.Task](),
		notes:   &notify.Recorder{},
		project: t.TempDir(),
	}
	b.agents = agent.NewRegistry(b.procs, agent.Options{
		Config: agent.Config{Settle: 10 * time.Millisecond},
	})
	t.Cleanup(b.agents.Close)

	opts := kanban.Options{
		Config:   kanban.Config{PlannedDelay: time.Millisecond, ServerURL: "http://127.0.0.1:7420"},
		Agents:   b.agents,
		Store:    b.store,
		Notifier: b.notes,
	}
	for _, m := range mutate {
		m(&opts)
	}
	b.engine = kanban.NewEngine(opts)
	return b
}

func (b *board) task(t *testing.T, title string, skills ...string) kanban.Task {
	t.Helper()
	task, err := b.engine.Create(kanban.NewTask{Title: title, ProjectPath: b.project, RequiredSkills: skills})
	require.NoError(t, err)
	return task
}

func (b *board) agent(t *testing.T, name string, skills ...string) agent.Record {
	t.Helper()
	rec, err := b.agents.Create(context.Background(), agent.CreateConfig{Name: name, ProjectPath: b.project, Skills: skills})
	require.NoError(t, err)
	return rec
}

func (b *board) getAgent(t *testing.T, id string) agent.Record {
	t.Helper()
	rec, err := b.agents.Get(id)
	require.NoError(t, err)
	return rec
}

// plannedOngoing moves a task through automation and asserts it started.
func (b *board) plannedOngoing(t *testing.T, id string) kanban.Task {
	t.Helper()
	task, err := b.engine.Move(context.Background(), id, kanban.ColumnPlanned)
	require.NoError(t, err)
	require.Equal(t, kanban.ColumnOngoing, task.Column)
	return task
}

// startFails wraps a registry and fails every Start.
type startFails struct {
	*agent.Registry
}

func (startFails) Start(context.Context, string, string, agent.StartOptions) error {
	return errors.New("terminal refused the command")
}

func TestCreate(t *testing.T) {
	b := newBoard(t)

	first := b.task(t, "  Fix login  ", "go", "Go")
	second := b.task(t, "Write docs")

	assert.Equal(t, "Fix login", first.Title)
	assert.Equal(t, kanban.ColumnBacklog, first.Column)
	assert.Equal(t, kanban.PriorityMedium, first.Priority)
	assert.Equal(t, []string{"go"}, first.RequiredSkills)
	assert.Equal(t, 0, first.Order)
	assert.Equal(t, 1, second.Order)
	assert.Equal(t, 2, b.store.Saves())

	_, err := b.engine.Create(kanban.NewTask{Title: " ", ProjectPath: b.project})
	assert.ErrorIs(t, err, kanban.ErrInvalid)
	_, err = b.engine.Create(kanban.NewTask{Title: "x"})
	assert.ErrorIs(t, err, kanban.ErrInvalid)
	_, err = b.engine.Create(kanban.NewTask{Title: "x", ProjectPath: b.project, Priority: "urgent"})
	assert.ErrorIs(t, err, kanban.ErrInvalid)
}

func TestUnknownTask(t *testing.T) {
	b := newBoard(t)
	ctx := context.Background()

	_, err := b.engine.Get("nope")
	assert.ErrorIs(t, err, kanban.ErrNotFound)
	_, err = b.engine.Move(ctx, "nope", kanban.ColumnPlanned)
	assert.ErrorIs(t, err, kanban.ErrNotFound)
	_, err = b.engine.Move(ctx, "nope", kanban.ColumnBacklog)
	assert.ErrorIs(t, err, kanban.ErrNotFound)
	_, err = b.engine.Complete(ctx, "nope", "")
	assert.ErrorIs(t, err, kanban.ErrNotFound)
	assert.ErrorIs(t, b.engine.Delete(ctx, "nope"), kanban.ErrNotFound)
	_, err = b.engine.Update("nope", kanban.Patch{})
	assert.ErrorIs(t, err, kanban.ErrNotFound)
	_, err = b.engine.Reorder("nope", 0)
	assert.ErrorIs(t, err, kanban.ErrNotFound)
}

func TestPlanned_CreatesAgentWhenNoneMatch(t *testing.T) {
	b := newBoard(t)
	task := b.task(t, "Fix the flaky test", "testing")

	got := b.plannedOngoing(t, task.ID)

	assert.True(t, got.AgentCreatedForTask)
	require.NotEmpty(t, got.AssignedAgentID)
	assert.Empty(t, got.LastError)
	require.Len(t, b.agents.List(), 1)

	rec := b.getAgent(t, got.AssignedAgentID)
	assert.Equal(t, agent.StatusRunning, rec.Status)
	assert.Equal(t, task.ID, rec.KanbanTaskID)
	assert.True(t, rec.SkipPermissions)
	assert.Equal(t, []string{"testing"}, rec.Skills)
	assert.Equal(t, "task-fix-the-flaky-test", rec.Name)

	writes := b.procs.Writes(rec.PtyID)
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0], "--dangerously-skip-permissions")
	assert.Contains(t, writes[0], "fm task complete "+task.ID)
	assert.Contains(t, writes[0], "FM_TASK_ID='"+task.ID+"'")
	assert.Contains(t, writes[0], "/api/tasks/"+task.ID+"/complete")
}

func TestPlanned_ReusesMatchingAgent(t *testing.T) {
	b := newBoard(t)
	plain := b.agent(t, "plain")
	skilled := b.agent(t, "skilled", "Go Testing", "sql")
	task := b.task(t, "Add tests", "TEST")

	got := b.plannedOngoing(t, task.ID)

	assert.Equal(t, skilled.ID, got.AssignedAgentID)
	assert.False(t, got.AgentCreatedForTask)
	assert.Len(t, b.agents.List(), 2)
	assert.Equal(t, agent.StatusIdle, b.getAgent(t, plain.ID).Status)
	assert.Equal(t, agent.StatusRunning, b.getAgent(t, skilled.ID).Status)
}

func TestPlanned_FallsBackToSameProjectAgent(t *testing.T) {
	b := newBoard(t)
	plain := b.agent(t, "plain", "css")
	_, err := b.agents.Create(context.Background(), agent.CreateConfig{Name: "elsewhere", ProjectPath: t.TempDir(), Skills: []string{"rust"}})
	require.NoError(t, err)
	task := b.task(t, "Port to rust", "rust")

	got := b.plannedOngoing(t, task.ID)

	assert.Equal(t, plain.ID, got.AssignedAgentID)
	assert.False(t, got.AgentCreatedForTask)
}

func TestPlanned_SkipsAgentsBoundToActiveTasks(t *testing.T) {
	b := newBoard(t)
	first := b.task(t, "first")
	firstRun := b.plannedOngoing(t, first.ID)
	require.NoError(t, b.agents.Stop(firstRun.AssignedAgentID))

	second := b.task(t, "second")
	secondRun := b.plannedOngoing(t, second.ID)

	assert.NotEqual(t, firstRun.AssignedAgentID, secondRun.AssignedAgentID)
	assert.True(t, secondRun.AgentCreatedForTask)
	assert.Len(t, b.agents.List(), 2)
}

func TestPlanned_StartFailureRollsBack(t *testing.T) {
	b := newBoard(t)
	b.engine = kanban.NewEngine(kanban.Options{
		Agents:   startFails{b.agents},
		Store:    b.store,
		Notifier: b.notes,
	})
	task := b.task(t, "doomed")

	got, err := b.engine.Move(context.Background(), task.ID, kanban.ColumnPlanned)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal refused the command")

	assert.Equal(t, kanban.ColumnPlanned, got.Column)
	assert.Equal(t, "terminal refused the command", got.LastError)
	assert.True(t, got.AgentCreatedForTask)
	assert.NotEmpty(t, got.AssignedAgentID)
	assert.Equal(t, []notify.Kind{notify.KindTaskFailed}, b.notes.Kinds())

	stored, err := b.engine.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColumnPlanned, stored.Column)

	// Retrying reuses the agent created by the first attempt.
	_, err = b.engine.Move(context.Background(), task.ID, kanban.ColumnPlanned)
	require.Error(t, err)
	assert.Len(t, b.agents.List(), 1)

	back, err := b.engine.Move(context.Background(), task.ID, kanban.ColumnBacklog)
	require.NoError(t, err)
	assert.Empty(t, back.AssignedAgentID)
	assert.False(t, back.AgentCreatedForTask)
	assert.Empty(t, back.LastError)
	assert.Empty(t, b.agents.List())
}

func TestPlanned_RetryRemovesDeadOwnedAgent(t *testing.T) {
	b := newBoard(t)
	b.engine = kanban.NewEngine(kanban.Options{
		Agents:   startFails{b.agents},
		Store:    b.store,
		Notifier: b.notes,
	})
	task := b.task(t, "fix bug")

	first, err := b.engine.Move(context.Background(), task.ID, kanban.ColumnPlanned)
	require.Error(t, err)
	require.True(t, first.AgentCreatedForTask)
	dead := b.getAgent(t, first.AssignedAgentID)
	require.NoError(t, b.procs.Exit(dead.PtyID, 1))
	require.Equal(t, agent.StatusError, b.getAgent(t, dead.ID).Status)

	second, err := b.engine.Move(context.Background(), task.ID, kanban.ColumnPlanned)
	require.Error(t, err)
	assert.NotEqual(t, dead.ID, second.AssignedAgentID)
	assert.True(t, second.AgentCreatedForTask)
	_, err = b.agents.Get(dead.ID)
	assert.ErrorIs(t, err, agent.ErrNotFound)
	assert.Len(t, b.agents.List(), 1)

	_, err = b.engine.Complete(context.Background(), task.ID, "")
	require.NoError(t, err)
	assert.Empty(t, b.agents.List())
}

func TestPlanned_DelayHonorsContext(t *testing.T) {
	b := newBoard(t, func(o *kanban.Options) { o.Config.PlannedDelay = time.Hour })
	task := b.task(t, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := b.engine.Move(ctx, task.ID, kanban.ColumnPlanned)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, kanban.ColumnPlanned, got.Column)
	assert.NotEmpty(t, got.AssignedAgentID)
	assert.NotEmpty(t, got.LastError)
}

func TestMove_OngoingOnlyToDone(t *testing.T) {
	b := newBoard(t)
	task := b.task(t, "busy")
	ongoing := b.plannedOngoing(t, task.ID)

	for _, to := range []kanban.Column{kanban.ColumnPlanned, kanban.ColumnBacklog, kanban.ColumnOngoing} {
		_, err := b.engine.Move(context.Background(), task.ID, to)
		require.ErrorIs(t, err, kanban.ErrStateConflict, "to %s", to)
		var moveErr *kanban.MoveError
		require.ErrorAs(t, err, &moveErr)
		assert.Equal(t, kanban.ColumnOngoing, moveErr.From)
		assert.Equal(t, to, moveErr.To)
	}
	unchanged, err := b.engine.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, ongoing, unchanged)

	done, err := b.engine.Move(context.Background(), task.ID, kanban.ColumnDone)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColumnDone, done.Column)
}

func TestMove_DoneIsTerminal(t *testing.T) {
	b := newBoard(t)
	task := b.task(t, "finished")
	_, err := b.engine.Complete(context.Background(), task.ID, "")
	require.NoError(t, err)

	for _, to := range kanban.Columns {
		_, err := b.engine.Move(context.Background(), task.ID, to)
		assert.ErrorIs(t, err, kanban.ErrStateConflict, "to %s", to)
	}
	_, err = b.engine.Update(task.ID, kanban.Patch{})
	assert.ErrorIs(t, err, kanban.ErrStateConflict)
	require.NoError(t, b.engine.Delete(context.Background(), task.ID))
}

func TestMove_BacklogCannotJumpToOngoing(t *testing.T) {
	b := newBoard(t)
	task := b.task(t, "eager")
	_, err := b.engine.Move(context.Background(), task.ID, kanban.ColumnOngoing)
	assert.ErrorIs(t, err, kanban.ErrStateConflict)
	_, err = b.engine.Move(context.Background(), task.ID, kanban.Column("limbo"))
	assert.ErrorIs(t, err, kanban.ErrInvalid)
}

func TestDelete_OngoingStopsAgent(t *testing.T) {
	b := newBoard(t)
	task := b.task(t, "abandon me")
	ongoing := b.plannedOngoing(t, task.ID)

	require.NoError(t, b.engine.Delete(context.Background(), task.ID))

	rec := b.getAgent(t, ongoing.AssignedAgentID)
	assert.Equal(t, agent.StatusIdle, rec.Status)
	assert.Empty(t, rec.PtyID)
	assert.NotNil(t, rec.ManuallyStoppedAt)
	_, err := b.engine.Get(task.ID)
	assert.ErrorIs(t, err, kanban.ErrNotFound)
	assert.Empty(t, b.store.Latest())
}

func TestComplete_RemovesOwnedAgent(t *testing.T) {
	b := newBoard(t)
	task := b.task(t, "ephemeral")
	ongoing := b.plannedOngoing(t, task.ID)
	require.True(t, ongoing.AgentCreatedForTask)
	ptyID := b.getAgent(t, ongoing.AssignedAgentID).PtyID

	done, err := b.engine.Complete(context.Background(), task.ID, "  fixed it ")
	require.NoError(t, err)

	assert.Equal(t, kanban.ColumnDone, done.Column)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, "fixed it", done.Summary)
	require.NotNil(t, done.CompletedAt)
	_, err = b.agents.Get(ongoing.AssignedAgentID)
	assert.ErrorIs(t, err, agent.ErrNotFound)
	assert.False(t, b.procs.Has(ptyID))

	sent := b.notes.Sent()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	assert.Equal(t, notify.KindTaskDone, last.Kind)
	assert.Equal(t, "ephemeral: fixed it", last.Message)

	_, err = b.engine.Complete(context.Background(), task.ID, "again")
	assert.ErrorIs(t, err, kanban.ErrStateConflict)
}

func TestComplete_ReleasesMatchedAgent(t *testing.T) {
	b := newBoard(t)
	helper := b.agent(t, "helper")
	task := b.task(t, "borrowed")
	ongoing := b.plannedOngoing(t, task.ID)
	require.Equal(t, helper.ID, ongoing.AssignedAgentID)

	_, err := b.engine.Complete(context.Background(), task.ID, "")
	require.NoError(t, err)

	rec := b.getAgent(t, helper.ID)
	assert.Equal(t, agent.StatusIdle, rec.Status)
	assert.Empty(t, rec.KanbanTaskID)

	// The released agent is picked up by the next task.
	next := b.task(t, "next")
	again := b.plannedOngoing(t, next.ID)
	assert.Equal(t, helper.ID, again.AssignedAgentID)
}

func TestUpdate(t *testing.T) {
	b := newBoard(t)
	task := b.task(t, "draft")
	title := "final"
	progress := 40
	prio := kanban.PriorityHigh
	labels := []string{"ui", "ui", " bug "}

	got, err := b.engine.Update(task.ID, kanban.Patch{Title: &title, Progress: &progress, Priority: &prio, Labels: &labels})
	require.NoError(t, err)
	assert.Equal(t, "final", got.Title)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, kanban.PriorityHigh, got.Priority)
	assert.Equal(t, []string{"ui", "bug"}, got.Labels)

	bad := 101
	_, err = b.engine.Update(task.ID, kanban.Patch{Title: &title, Progress: &bad})
	assert.ErrorIs(t, err, kanban.ErrInvalid)
	same, err := b.engine.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, same.Progress)
}

func TestReorder(t *testing.T) {
	b := newBoard(t)
	a := b.task(t, "a")
	b.task(t, "b")
	c := b.task(t, "c")

	_, err := b.engine.Reorder(c.ID, 0)
	require.NoError(t, err)

	var titles []string
	for _, task := range b.engine.List(kanban.ColumnBacklog) {
		titles = append(titles, task.Title)
	}
	assert.Equal(t, []string{"c", "a", "b"}, titles)

	_, err = b.engine.Reorder(a.ID, 99)
	require.NoError(t, err)
	last := b.engine.List(kanban.ColumnBacklog)[2]
	assert.Equal(t, a.ID, last.ID)
}

func TestList_BoardOrder(t *testing.T) {
	b := newBoard(t)
	backlog := b.task(t, "later")
	done := b.task(t, "shipped")
	_, err := b.engine.Complete(context.Background(), done.ID, "")
	require.NoError(t, err)

	all := b.engine.List("")
	require.Len(t, all, 2)
	assert.Equal(t, backlog.ID, all[0].ID)
	assert.Equal(t, done.ID, all[1].ID)
	assert.Len(t, b.engine.List(kanban.ColumnDone), 1)
}

func TestPersist_LastSnapshotIsNewest(t *testing.T) {
	b := newBoard(t)
	var tasks []kanban.Task
	for i := range 8 {
		tasks = append(tasks, b.task(t, fmt.Sprintf("task %d", i)))
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for p := range 20 {
				progress := p
				_, err := b.engine.Update(id, kanban.Patch{Progress: &progress})
				assert.NoError(t, err)
			}
		}(task.ID)
	}
	wg.Wait()

	assert.Equal(t, b.engine.List(""), b.store.Latest())
}

func TestLoad(t *testing.T) {
	mem := store.NewMemory(
		kanban.Task{ID: "t1", Title: "one", Column: kanban.ColumnOngoing, AssignedAgentID: "a1"},
		kanban.Task{ID: "t2", Title: "two", Column: "bogus"},
		kanban.Task{Title: "no id"},
	)
	b := newBoard(t, func(o *kanban.Options) { o.Store = mem })

	require.NoError(t, b.engine.Load(context.Background()))

	tasks := b.engine.List("")
	require.Len(t, tasks, 2)
	two, err := b.engine.Get("t2")
	require.NoError(t, err)
	assert.Equal(t, kanban.ColumnBacklog, two.Column)
	assert.Equal(t, kanban.PriorityMedium, two.Priority)
}

func TestPrompt(t *testing.T) {
	p := kanban.Prompt(kanban.Task{
		ID:          "t-1",
		Title:       "Fix login.",
		Description: "Users get\nlogged out.",
		Attachments: []string{"docs/a.md", "b.png"},
	}, "http://localhost:7420/")

	assert.True(t, strings.HasPrefix(p, "Task: Fix login. Details: Users get logged out."), p)
	assert.Contains(t, p, "Attached files: docs/a.md, b.png.")
	assert.Contains(t, p, "fm task complete t-1 --summary")
	assert.Contains(t, p, "http://localhost:7420/api/tasks/t-1/complete")
	assert.NotContains(t, p, "\n")
}
