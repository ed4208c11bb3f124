package kanban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/foreman/internal/agent"
	"github.com/steveyegge/foreman/internal/eventbus"
	"github.com/steveyegge/foreman/internal/metrics"
	"github.com/steveyegge/foreman/internal/notify"
	"github.com/steveyegge/foreman/internal/store"
	"github.com/steveyegge/foreman/internal/util"
)

// DefaultPlannedDelay is how long a freshly assigned task stays visible in
// planned before it moves to ongoing.
const DefaultPlannedDelay = time.Second

// Agents is the part of the agent registry the engine drives.
type Agents interface {
	agent.Observer
	agent.Lifecycle
}

// Config holds the engine's tunables.
type Config struct {
	PlannedDelay time.Duration
	// ServerURL is advertised to agents in the completion instruction.
	ServerURL string
}

// Options wires an Engine. Agents is required.
type Options struct {
	Config   Config
	Agents   Agents
	Store    store.Store[Task]
	Bus      *eventbus.Bus
	Notifier notify.Sink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Engine owns the board and runs planned-column automation.
type Engine struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	runs   map[string]uint64 // task ID -> token of its in-flight automation
	claims map[string]string // agent ID -> task ID, while being assigned
	seq    uint64

	cfg      Config
	agents   Agents
	store    store.Store[Task]
	bus      *eventbus.Bus
	notifier notify.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an empty board.
func NewEngine(opts Options) *Engine {
	if opts.Config.PlannedDelay < 0 {
		opts.Config.PlannedDelay = 0
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Multi{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		tasks:    make(map[string]*Task),
		runs:     make(map[string]uint64),
		claims:   make(map[string]string),
		cfg:      opts.Config,
		agents:   opts.Agents,
		store:    opts.Store,
		bus:      opts.Bus,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "kanban"),
		now:      opts.Clock,
	}
}

// --- Board ---

// Create adds a task to the backlog.
func (e *Engine) Create(nt NewTask) (Task, error) {
	title := strings.TrimSpace(nt.Title)
	if title == "" {
		return Task{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if strings.TrimSpace(nt.ProjectPath) == "" {
		return Task{}, fmt.Errorf("%w: project path is required", ErrInvalid)
	}
	prio, err := parsePriority(nt.Priority)
	if err != nil {
		return Task{}, err
	}

	now := e.now()
	t := &Task{
		ID:             uuid.NewString(),
		Title:          title,
		Description:    nt.Description,
		Column:         ColumnBacklog,
		ProjectPath:    nt.ProjectPath,
		RequiredSkills: agent.NormalizeSkills(nt.RequiredSkills),
		Attachments:    cleanList(nt.Attachments),
		Priority:       prio,
		Labels:         cleanList(nt.Labels),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	e.mu.Lock()
	t.Order = e.nextOrderLocked(ColumnBacklog)
	e.tasks[t.ID] = t
	snap := t.clone()
	e.mu.Unlock()

	e.logger.Info("task created", "id", snap.ID, "title", snap.Title)
	e.publish(eventbus.EventTaskCreated, snap)
	e.persist()
	return snap, nil
}

// Get returns a copy of a task.
func (e *Engine) Get(id string) (Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.clone(), nil
}

// List returns the tasks in column, or every task when column is empty,
// in board order.
func (e *Engine) List(column Column) []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listLocked(column)
}

func (e *Engine) listLocked(column Column) []Task {
	out := make([]Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if column == "" || t.Column == column {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Column != b.Column {
			return a.Column.index() < b.Column.index()
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

func (e *Engine) nextOrderLocked(column Column) int {
	next := 0
	for _, t := range e.tasks {
		if t.Column == column && t.Order >= next {
			next = t.Order + 1
		}
	}
	return next
}

// Update edits a task's content. Done tasks are frozen.
func (e *Engine) Update(id string, p Patch) (Task, error) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := applyPatch(t, p); err != nil {
		e.mu.Unlock()
		return Task{}, err
	}
	t.UpdatedAt = e.now()
	snap := t.clone()
	e.mu.Unlock()

	e.publish(eventbus.EventTaskUpdated, snap)
	e.persist()
	return snap, nil
}

// applyPatch validates p fully before touching t.
func applyPatch(t *Task, p Patch) error {
	if t.Column == ColumnDone {
		return fmt.Errorf("%w: task %s is done", ErrStateConflict, t.ID)
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return fmt.Errorf("%w: progress %d outside 0-100", ErrInvalid, *p.Progress)
	}
	var prio Priority
	if p.Priority != nil {
		var err error
		if prio, err = parsePriority(*p.Priority); err != nil {
			return err
		}
	}
	if p.ProjectPath != nil {
		if strings.TrimSpace(*p.ProjectPath) == "" {
			return fmt.Errorf("%w: project path is required", ErrInvalid)
		}
		if t.Column == ColumnOngoing && normalizePath(*p.ProjectPath) != normalizePath(t.ProjectPath) {
			return fmt.Errorf("%w: project of ongoing task %s cannot change", ErrStateConflict, t.ID)
		}
	}

	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.ProjectPath != nil {
		t.ProjectPath = *p.ProjectPath
	}
	if p.RequiredSkills != nil {
		t.RequiredSkills = agent.NormalizeSkills(*p.RequiredSkills)
	}
	if p.Attachments != nil {
		t.Attachments = cleanList(*p.Attachments)
	}
	if p.Priority != nil {
		t.Priority = prio
	}
	if p.Labels != nil {
		t.Labels = cleanList(*p.Labels)
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	return nil
}

// Reorder moves a task to position order within its column.
func (e *Engine) Reorder(id string, order int) (Task, error) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var siblings []*Task
	for _, other := range e.tasks {
		if other.Column == t.Column && other.ID != id {
			siblings = append(siblings, other)
		}
	}
	sort.Slice(siblings, func(i, j int) bool {
		if siblings[i].Order != siblings[j].Order {
			return siblings[i].Order < siblings[j].Order
		}
		return siblings[i].CreatedAt.Before(siblings[j].CreatedAt)
	})
	order = max(0, min(order, len(siblings)))
	ordered := make([]*Task, 0, len(siblings)+1)
	ordered = append(ordered, siblings[:order]...)
	ordered = append(ordered, t)
	ordered = append(ordered, siblings[order:]...)
	for i, task := range ordered {
		task.Order = i
	}
	t.UpdatedAt = e.now()
	snap := t.clone()
	e.mu.Unlock()

	e.publish(eventbus.EventTaskUpdated, snap)
	e.persist()
	return snap, nil
}

// Delete removes a task. An ongoing task's agent is stopped first.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snap := t.clone()
	e.mu.Unlock()

	if snap.Column == ColumnOngoing && snap.AssignedAgentID != "" {
		if err := e.agents.Stop(snap.AssignedAgentID); err != nil && !errors.Is(err, agent.ErrNotFound) {
			e.logger.Warn("stopping agent of deleted task failed", "task", id, "agent", snap.AssignedAgentID, "err", err)
		}
	}

	e.mu.Lock()
	delete(e.tasks, id)
	delete(e.runs, id)
	e.mu.Unlock()

	e.logger.Info("task deleted", "id", id, "column", snap.Column)
	e.publish(eventbus.EventTaskDeleted, snap)
	e.persist()
	return nil
}

// --- Moves ---

// Move moves a task to column. Moving to planned runs the automation and
// returns once the agent was started or the automation failed; moving to
// done is Complete with an empty summary.
func (e *Engine) Move(ctx context.Context, id string, to Column) (Task, error) {
	switch to {
	case ColumnPlanned:
		return e.plan(ctx, id)
	case ColumnDone:
		return e.Complete(ctx, id, "")
	case ColumnBacklog, ColumnOngoing:
	default:
		return Task{}, fmt.Errorf("%w: unknown column %q", ErrInvalid, to)
	}

	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := t.Column
	if err := checkMove(t, to); err != nil {
		e.mu.Unlock()
		e.metrics.Move(id, string(from), string(to), err)
		return Task{}, err
	}

	// Only backlog remains: it resets the task and releases its agent.
	agentID, owned := t.AssignedAgentID, t.AgentCreatedForTask
	if from != to {
		t.Order = e.nextOrderLocked(to)
	}
	t.Column = ColumnBacklog
	t.Progress = 0
	t.AssignedAgentID = ""
	t.AgentCreatedForTask = false
	t.LastError = ""
	t.UpdatedAt = e.now()
	delete(e.runs, id)
	snap := t.clone()
	e.mu.Unlock()

	if agentID != "" {
		e.releaseAgent(ctx, id, agentID, owned)
	}
	e.metrics.Move(id, string(from), string(to), nil)
	e.publish(eventbus.EventTaskUpdated, snap)
	e.persist()
	return snap, nil
}

// checkMove applies the board rules for moves other than to planned/done.
func checkMove(t *Task, to Column) error {
	reject := func(reason string) error {
		return &MoveError{TaskID: t.ID, From: t.Column, To: to, Reason: reason}
	}
	switch {
	case t.Column == ColumnDone:
		return reject("done tasks cannot move")
	case t.Column == ColumnOngoing && to != ColumnDone:
		return reject("ongoing tasks can only move to done")
	case to == ColumnOngoing:
		return reject("tasks enter ongoing by being planned")
	}
	return nil
}

// releaseAgent detaches an agent from a task that left the active columns.
// Agents created for the task are removed; others are unbound for reuse.
func (e *Engine) releaseAgent(ctx context.Context, taskID, agentID string, owned bool) {
	var err error
	if owned {
		err = e.agents.Remove(ctx, agentID)
	} else {
		var rec agent.Record
		if rec, err = e.agents.Get(agentID); err == nil && rec.KanbanTaskID == taskID {
			err = e.agents.Release(agentID)
		}
	}
	if err != nil && !errors.Is(err, agent.ErrNotFound) {
		e.logger.Warn("releasing task agent failed", "task", taskID, "agent", agentID, "owned", owned, "err", err)
	}
}

// Complete moves a task to done. It is the completion callback invoked by
// agents. An agent created for the task is removed; a matched agent is
// released back to the idle pool.
func (e *Engine) Complete(ctx context.Context, id, summary string) (Task, error) {
	now := e.now()
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := t.Column
	if from == ColumnDone {
		e.mu.Unlock()
		err := &MoveError{TaskID: id, From: from, To: ColumnDone, Reason: "task is already done"}
		e.metrics.Move(id, string(from), string(ColumnDone), err)
		return Task{}, err
	}
	agentID, owned := t.AssignedAgentID, t.AgentCreatedForTask
	t.Order = e.nextOrderLocked(ColumnDone)
	t.Column = ColumnDone
	t.Progress = 100
	t.CompletedAt = &now
	t.Summary = strings.TrimSpace(summary)
	t.LastError = ""
	t.UpdatedAt = now
	delete(e.runs, id)
	snap := t.clone()
	e.mu.Unlock()

	if agentID != "" {
		e.releaseAgent(ctx, id, agentID, owned)
	}

	e.logger.Info("task done", "id", id, "agent", agentID, "owned", owned)
	e.metrics.Move(id, string(from), string(ColumnDone), nil)
	e.publish(eventbus.EventTaskUpdated, snap)
	e.persist()

	msg := snap.Title
	if snap.Summary != "" {
		msg += ": " + snap.Summary
	}
	if err := e.notifier.Notify(ctx, notify.KindTaskDone, id, msg); err != nil {
		e.logger.Warn("notification failed", "task", id, "err", err)
	}
	return snap, nil
}

// --- Automation ---

// plan moves a task to planned and runs the automation:
//
//  1. match an idle agent or create one for the task
//  2. persist the assignment
//  3. wait PlannedDelay, move to ongoing and persist
//  4. start the agent with the task prompt
//
// Any failure puts the task back in planned with LastError set.
func (e *Engine) plan(ctx context.Context, id string) (Task, error) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := t.Column
	var err error
	switch {
	case from == ColumnDone:
		err = &MoveError{TaskID: id, From: from, To: ColumnPlanned, Reason: "done tasks cannot move"}
	case from == ColumnOngoing:
		err = &MoveError{TaskID: id, From: from, To: ColumnPlanned, Reason: "ongoing tasks can only move to done"}
	case e.runs[id] != 0:
		err = &MoveError{TaskID: id, From: from, To: ColumnPlanned, Reason: "automation already in progress"}
	}
	if err != nil {
		e.mu.Unlock()
		e.metrics.Move(id, string(from), string(ColumnPlanned), err)
		return Task{}, err
	}

	e.seq++
	token := e.seq
	e.runs[id] = token
	if from != ColumnPlanned {
		t.Order = e.nextOrderLocked(ColumnPlanned)
	}
	t.Column = ColumnPlanned
	t.LastError = ""
	t.UpdatedAt = e.now()
	snap := t.clone()
	e.mu.Unlock()

	e.publish(eventbus.EventTaskUpdated, snap)
	task, err := e.automate(ctx, snap, token)

	e.mu.Lock()
	if e.runs[id] == token {
		delete(e.runs, id)
	}
	e.mu.Unlock()

	to := ColumnOngoing
	if err != nil {
		to = ColumnPlanned
	}
	e.metrics.Move(id, string(from), string(to), err)
	return task, err
}

func (e *Engine) automate(ctx context.Context, task Task, token uint64) (Task, error) {
	agentID, created, err := e.assign(ctx, task)
	if err != nil {
		return e.fail(ctx, task.ID, token, "", false, err)
	}
	defer e.unclaim(agentID)

	var superseded string
	_, err = e.advance(task.ID, token, func(t *Task) {
		owned := t.AgentCreatedForTask && t.AssignedAgentID != ""
		if owned && t.AssignedAgentID != agentID {
			superseded = t.AssignedAgentID
		}
		t.AgentCreatedForTask = created || (owned && t.AssignedAgentID == agentID)
		t.AssignedAgentID = agentID
	})
	if err != nil {
		e.abandon(ctx, task.ID, agentID, created)
		return Task{}, err
	}
	e.persist()

	// An agent created by an earlier attempt that could not be reused
	// belongs to nobody once the assignment moved on.
	if superseded != "" {
		e.logger.Info("removing superseded task agent", "task", task.ID, "agent", superseded, "replacement", agentID)
		if err := e.agents.Remove(ctx, superseded); err != nil && !errors.Is(err, agent.ErrNotFound) {
			e.logger.Warn("removing agent failed", "agent", superseded, "err", err)
		}
	}

	if err := sleepCtx(ctx, e.cfg.PlannedDelay); err != nil {
		return e.fail(ctx, task.ID, token, agentID, created, err)
	}

	ongoing, err := e.advance(task.ID, token, func(t *Task) {
		t.Order = e.nextOrderLocked(ColumnOngoing)
		t.Column = ColumnOngoing
	})
	if err != nil {
		return Task{}, err
	}
	e.persist()

	prompt := Prompt(ongoing, e.cfg.ServerURL)
	if err := e.agents.Start(ctx, agentID, prompt, agent.StartOptions{KanbanTaskID: task.ID}); err != nil {
		return e.fail(ctx, task.ID, token, agentID, created, err)
	}

	e.logger.Info("task started", "id", task.ID, "agent", agentID, "created", created)
	e.metrics.Automation(task.ID, agentID, created, nil)
	return e.Get(task.ID)
}

// assign matches an idle agent or creates one, and claims it for the task.
func (e *Engine) assign(ctx context.Context, task Task) (string, bool, error) {
	agents := e.agents.List()

	e.mu.Lock()
	busy := make(map[string]bool)
	for _, other := range e.tasks {
		if other.ID != task.ID && other.Column != ColumnDone && other.AssignedAgentID != "" {
			busy[other.AssignedAgentID] = true
		}
	}
	reserved := func(a agent.Record) bool {
		if busy[a.ID] {
			return true
		}
		if owner, ok := e.claims[a.ID]; ok && owner != task.ID {
			return true
		}
		if a.KanbanTaskID == "" || a.KanbanTaskID == task.ID {
			return false
		}
		bound, ok := e.tasks[a.KanbanTaskID]
		return ok && bound.Column != ColumnDone
	}
	match, ok := matchAgent(task, agents, reserved)
	if ok {
		e.claims[match.ID] = task.ID
	}
	e.mu.Unlock()

	if ok {
		if _, err := e.agents.Update(match.ID, agent.Patch{KanbanTaskID: &task.ID}); err != nil {
			e.unclaim(match.ID)
			return "", false, fmt.Errorf("binding agent %s: %w", match.ID, err)
		}
		e.logger.Info("task matched agent", "task", task.ID, "agent", match.ID)
		return match.ID, false, nil
	}

	rec, err := e.agents.Create(ctx, agent.CreateConfig{
		Name:            "task-" + util.Slugify(task.Title, "agent"),
		ProjectPath:     task.ProjectPath,
		Skills:          task.RequiredSkills,
		SkipPermissions: true,
		KanbanTaskID:    task.ID,
	})
	if err != nil {
		return "", false, fmt.Errorf("creating agent: %w", err)
	}
	e.mu.Lock()
	e.claims[rec.ID] = task.ID
	e.mu.Unlock()
	e.logger.Info("task created agent", "task", task.ID, "agent", rec.ID)
	return rec.ID, true, nil
}

func (e *Engine) unclaim(agentID string) {
	e.mu.Lock()
	delete(e.claims, agentID)
	e.mu.Unlock()
}

// advance mutates a task in flight, provided the automation identified by
// token still owns it.
func (e *Engine) advance(id string, token uint64, fn func(*Task)) (Task, error) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok || e.runs[id] != token {
		e.mu.Unlock()
		return Task{}, fmt.Errorf("%w: task %s changed during automation", ErrStateConflict, id)
	}
	fn(t)
	t.UpdatedAt = e.now()
	snap := t.clone()
	e.mu.Unlock()

	e.publish(eventbus.EventTaskUpdated, snap)
	return snap, nil
}

// abandon cleans up an agent created for a task that went away before the
// assignment was recorded.
func (e *Engine) abandon(ctx context.Context, taskID, agentID string, created bool) {
	if !created {
		return
	}
	e.logger.Info("removing agent of abandoned task", "task", taskID, "agent", agentID)
	if err := e.agents.Remove(ctx, agentID); err != nil && !errors.Is(err, agent.ErrNotFound) {
		e.logger.Warn("removing agent failed", "agent", agentID, "err", err)
	}
}

// fail rolls a task back to planned and records why.
func (e *Engine) fail(ctx context.Context, id string, token uint64, agentID string, created bool, cause error) (Task, error) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok || e.runs[id] != token {
		e.mu.Unlock()
		return Task{}, fmt.Errorf("automating task %s: %w", id, cause)
	}
	if t.Column != ColumnPlanned {
		t.Order = e.nextOrderLocked(ColumnPlanned)
		t.Column = ColumnPlanned
	}
	t.LastError = cause.Error()
	t.UpdatedAt = e.now()
	snap := t.clone()
	e.mu.Unlock()

	e.logger.Warn("task automation failed", "id", id, "agent", agentID, "err", cause)
	e.metrics.Automation(id, agentID, created, cause)
	e.publish(eventbus.EventTaskUpdated, snap)
	e.persist()

	msg := fmt.Sprintf("%s: %v", snap.Title, cause)
	if err := e.notifier.Notify(context.WithoutCancel(ctx), notify.KindTaskFailed, id, msg); err != nil {
		e.logger.Warn("notification failed", "task", id, "err", err)
	}
	return snap, fmt.Errorf("automating task %s: %w", id, cause)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// --- Persistence ---

// Load restores the board from the store.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	tasks, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}

	e.mu.Lock()
	loaded := 0
	for _, t := range tasks {
		if t.ID == "" {
			continue
		}
		if _, exists := e.tasks[t.ID]; exists {
			continue
		}
		if t.Column.index() == len(Columns) {
			t.Column = ColumnBacklog
		}
		if t.Priority == "" {
			t.Priority = PriorityMedium
		}
		task := t.clone()
		e.tasks[t.ID] = &task
		loaded++
	}
	e.mu.Unlock()

	e.logger.Info("tasks loaded", "count", loaded)
	return nil
}

func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Save(e.listLocked(""))
}

func (e *Engine) publish(t eventbus.EventType, task Task) {
	e.bus.Publish(eventbus.Event{Type: t, Subject: task.ID, Data: task})
}
