package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/foreman/internal/debounce"
	"github.com/steveyegge/foreman/internal/detect"
	"github.com/steveyegge/foreman/internal/eventbus"
	"github.com/steveyegge/foreman/internal/git"
	"github.com/steveyegge/foreman/internal/metrics"
	"github.com/steveyegge/foreman/internal/notify"
	"github.com/steveyegge/foreman/internal/process"
	"github.com/steveyegge/foreman/internal/provider"
	"github.com/steveyegge/foreman/internal/store"
	"github.com/steveyegge/foreman/internal/telemetry"
	"github.com/steveyegge/foreman/internal/util"
)

// Defaults for Config.
const (
	DefaultStopGrace      = 3 * time.Second
	DefaultProviderSettle = 500 * time.Millisecond
)

// Config holds the registry's tunables.
type Config struct {
	// StopGrace suppresses output classification after a manual stop.
	StopGrace time.Duration
	// Settle is the debounce window for non-running transitions.
	Settle time.Duration
	// ProviderSettle is the pause between respawning a shell with
	// provider environment and writing the launch command.
	ProviderSettle time.Duration

	OutputChunks int
	OutputBytes  int

	DefaultProvider provider.ID
	// Worktrees is the default for CreateConfig.Worktree.
	Worktrees bool

	// Shell overrides the user's shell for agent terminals.
	Shell string
	// Env is added to every agent terminal.
	Env map[string]string
}

func (c *Config) applyDefaults() {
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.Settle <= 0 {
		c.Settle = debounce.DefaultSettle
	}
	if c.ProviderSettle <= 0 {
		c.ProviderSettle = DefaultProviderSettle
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = provider.Default
	}
}

// WorktreeManager provisions and removes per-agent git worktrees.
type WorktreeManager interface {
	Provision(ctx context.Context, projectPath, name, agentID, branch string) (git.Worktree, bool)
	Remove(ctx context.Context, projectPath, worktreePath string) error
}

// Options wires a Registry to its collaborators. Only Catalog is required.
type Options struct {
	Config     Config
	Catalog    *provider.Catalog
	Classifier detect.Classifier
	Worktrees  WorktreeManager
	Store      store.Store[Record]
	Bus        *eventbus.Bus
	Notifier   notify.Sink
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Clock      func() time.Time
}

// entry is the registry's private state for one agent.
type entry struct {
	rec Record
	out *outputRing
}

// Registry is the production Agents implementation.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*entry
	byPty  map[process.ID]string

	procs       process.Terminals
	unsubscribe func()
	debouncer   *debounce.Debouncer[Status]

	cfg        Config
	catalog    *provider.Catalog
	classifier detect.Classifier
	worktrees  WorktreeManager
	store      store.Store[Record]
	bus        *eventbus.Bus
	notifier   notify.Sink
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

var _ Agents = (*Registry)(nil)

// NewRegistry creates a registry over procs and subscribes to its agent pool.
func NewRegistry(procs process.Terminals, opts Options) *Registry {
	opts.Config.applyDefaults()
	if opts.Catalog == nil {
		opts.Catalog = provider.NewCatalog(nil, provider.LocalEndpoint{})
	}
	if opts.Classifier == nil {
		opts.Classifier = detect.NewClassifier()
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

	r := &Registry{
		agents:     make(map[string]*entry),
		byPty:      make(map[process.ID]string),
		procs:      procs,
		cfg:        opts.Config,
		catalog:    opts.Catalog,
		classifier: opts.Classifier,
		worktrees:  opts.Worktrees,
		store:      opts.Store,
		bus:        opts.Bus,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "agent"),
		now:        opts.Clock,
	}
	r.debouncer = debounce.New(debounce.Config[Status]{
		Settle:    r.cfg.Settle,
		Immediate: StatusRunning,
		Read:      r.liveStatus,
		Commit:    r.commit,
		Logger:    opts.Logger,
	})
	r.unsubscribe = procs.Subscribe(process.PoolAgent, process.SinkFuncs{
		Data: r.handleData,
		Exit: r.handleExit,
	})
	return r
}

// Close detaches from the process registry and stops pending timers.
// Agent terminals are left running; the owner kills the pool.
func (r *Registry) Close() {
	r.unsubscribe()
	r.debouncer.Close()
}

// --- Queries ---

// Get returns a copy of the agent including its output.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec := e.snapshot()
	rec.Output = e.out.snapshot()
	return rec, nil
}

// List returns every agent, oldest first, without output.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(false)
}

func (r *Registry) listLocked(withOutput bool) []Record {
	out := make([]Record, 0, len(r.agents))
	for _, e := range r.agents {
		rec := e.snapshot()
		if withOutput {
			rec.Output = e.out.snapshot()
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Output returns the retained output joined into one string.
func (r *Registry) Output(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.out.String(), nil
}

// PtyID returns the agent's live terminal, if any.
func (r *Registry) PtyID(id string) (process.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.rec.PtyID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoTerminal, id)
	}
	return e.rec.PtyID, nil
}

// snapshot copies the record without output.
func (e *entry) snapshot() Record {
	rec := e.rec
	rec.Skills = append([]string(nil), e.rec.Skills...)
	if e.rec.ManuallyStoppedAt != nil {
		t := *e.rec.ManuallyStoppedAt
		rec.ManuallyStoppedAt = &t
	}
	rec.Output = nil
	return rec
}

func (r *Registry) liveStatus(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return "", false
	}
	return e.rec.Status, true
}

// --- Lifecycle ---

// Create registers a new idle agent and spawns its shell.
func (r *Registry) Create(ctx context.Context, cfg CreateConfig) (Record, error) {
	providerID := cfg.Provider
	if providerID == "" {
		providerID = r.cfg.DefaultProvider
	}
	prov, err := r.catalog.Get(providerID)
	if err != nil {
		return Record{}, err
	}
	if err := provider.ValidateModel(cfg.Model); err != nil {
		return Record{}, err
	}
	if cfg.ProjectPath == "" {
		return Record{}, fmt.Errorf("creating agent: project path is required")
	}

	now := r.now()
	id := uuid.NewString()
	name := cfg.Name
	if name == "" {
		name = "agent-" + id[:4]
	}
	e := &entry{
		rec: Record{
			ID:                   id,
			Name:                 name,
			Status:               StatusIdle,
			Provider:             prov.ID,
			Model:                cfg.Model,
			ProjectPath:          cfg.ProjectPath,
			SecondaryProjectPath: cfg.SecondaryProjectPath,
			Skills:               NormalizeSkills(cfg.Skills),
			SkipPermissions:      cfg.SkipPermissions,
			KanbanTaskID:         cfg.KanbanTaskID,
			LastActivity:         now,
			CreatedAt:            now,
		},
		out: newOutputRing(r.cfg.OutputChunks, r.cfg.OutputBytes),
	}
	if _, err := os.Stat(cfg.ProjectPath); err != nil {
		e.rec.PathMissing = true
	}

	useWorktree := r.cfg.Worktrees
	if cfg.Worktree != nil {
		useWorktree = *cfg.Worktree
	}
	if useWorktree && r.worktrees != nil && !e.rec.PathMissing {
		if wt, ok := r.worktrees.Provision(ctx, cfg.ProjectPath, name, id, cfg.BranchName); ok {
			e.rec.WorktreePath = wt.Path
			e.rec.BranchName = wt.Branch
		}
	}

	ptyID, err := r.spawn(e.snapshot(), prov)
	if err != nil {
		if e.rec.WorktreePath != "" {
			if rmErr := r.worktrees.Remove(ctx, e.rec.ProjectPath, e.rec.WorktreePath); rmErr != nil {
				r.logger.Warn("worktree cleanup failed", "path", e.rec.WorktreePath, "err", rmErr)
			}
		}
		return Record{}, err
	}

	r.mu.Lock()
	r.agents[id] = e
	r.bindLocked(e, ptyID)
	rec := e.snapshot()
	r.mu.Unlock()

	r.debouncer.Reset(id, StatusIdle)
	r.logger.Info("agent created", "id", id, "name", name, "provider", prov.ID, "dir", rec.WorkDir())
	r.publish(eventbus.EventAgentCreated, rec)
	r.persist()
	return rec, nil
}

// spawn starts a shell for rec with the provider's spawn-time environment.
func (r *Registry) spawn(rec Record, prov *provider.Provider) (process.ID, error) {
	env := make(map[string]string, len(r.cfg.Env)+8)
	for k, v := range r.cfg.Env {
		env[k] = v
	}
	env["FM_AGENT_ID"] = rec.ID
	env["FM_AGENT_NAME"] = rec.Name
	for k, v := range telemetry.AgentEnv(rec.ID, rec.Name, string(rec.Provider)) {
		env[k] = v
	}
	for k, v := range r.catalog.SpawnEnv(prov) {
		env[k] = v
	}

	id, err := r.procs.Spawn(process.SpawnOptions{
		Pool:  process.PoolAgent,
		Shell: r.cfg.Shell,
		Dir:   rec.WorkDir(),
		Env:   env,
	})
	if err != nil {
		return "", fmt.Errorf("spawning terminal for agent %s: %w", rec.ID, err)
	}
	return id, nil
}

// bindLocked points e at a new terminal, dropping the old binding.
func (r *Registry) bindLocked(e *entry, ptyID process.ID) {
	if e.rec.PtyID != "" {
		delete(r.byPty, e.rec.PtyID)
	}
	e.rec.PtyID = ptyID
	if ptyID != "" {
		r.byPty[ptyID] = e.rec.ID
	}
}

// Start launches the provider CLI in the agent's terminal.
//
// A terminal is spawned when the agent has none. Providers that need
// spawn-time environment always get a fresh terminal, followed by a short
// settle pause before the launch command is written.
func (r *Registry) Start(ctx context.Context, id, prompt string, opts StartOptions) error {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec := e.snapshot()
	r.mu.Unlock()

	prov, err := r.catalog.Get(rec.Provider)
	if err != nil {
		return err
	}
	model := rec.Model
	if opts.Model != "" {
		model = opts.Model
	}
	if err := provider.ValidateModel(model); err != nil {
		return err
	}
	skills := rec.Skills
	if len(opts.Skills) > 0 {
		skills = NormalizeSkills(opts.Skills)
	}
	skip := rec.SkipPermissions
	if opts.SkipPermissions != nil {
		skip = *opts.SkipPermissions
	}
	params := provider.Params{
		WorkDir:         rec.WorkDir(),
		SecondaryDir:    rec.SecondaryProjectPath,
		Prompt:          prompt,
		Model:           model,
		Skills:          skills,
		SkipPermissions: skip,
	}
	if opts.Resume {
		params.ResumeSessionID = rec.CurrentSessionID
	}
	taskID := opts.KanbanTaskID
	if taskID == "" {
		taskID = rec.KanbanTaskID
	}
	if taskID != "" {
		params.Env = map[string]string{"FM_TASK_ID": taskID}
	}
	command, err := prov.Interactive(r.catalog.Prepare(prov, params))
	if err != nil {
		return err
	}

	ptyID := rec.PtyID
	live := ptyID != "" && r.procs.Has(ptyID)
	respawnForEnv := prov.NeedsSpawnEnv()
	if !live || respawnForEnv {
		newID, err := r.spawn(rec, prov)
		if err != nil {
			return err
		}

		r.mu.Lock()
		e, ok = r.agents[id]
		if !ok || e.rec.PtyID != ptyID {
			r.mu.Unlock()
			_ = r.procs.Kill(newID)
			return fmt.Errorf("%w: %s", ErrConflict, id)
		}
		r.bindLocked(e, newID)
		r.mu.Unlock()

		if live {
			_ = r.procs.Kill(ptyID)
		}
		ptyID = newID

		if respawnForEnv {
			if err := sleepCtx(ctx, r.cfg.ProviderSettle); err != nil {
				return err
			}
		}
	}

	if err := r.procs.Write(ptyID, []byte(command+"\r")); err != nil {
		return fmt.Errorf("starting agent %s: %w", id, err)
	}

	now := r.now()
	r.mu.Lock()
	e, ok = r.agents[id]
	if !ok || e.rec.PtyID != ptyID {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}
	e.rec.Status = StatusRunning
	e.rec.CurrentTask = util.Truncate(prompt, currentTaskMaxRunes)
	e.rec.LastActivity = now
	e.rec.ManuallyStoppedAt = nil
	if opts.KanbanTaskID != "" {
		e.rec.KanbanTaskID = opts.KanbanTaskID
	}
	rec = e.snapshot()
	r.mu.Unlock()

	r.debouncer.Observe(id, StatusRunning, true)
	r.logger.Info("agent started", "id", id, "provider", rec.Provider, "pty", ptyID)
	r.publish(eventbus.EventAgentUpdated, rec)
	r.persist()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stop kills the agent's terminal and returns it to idle. Output that was
// already buffered by the old terminal is ignored.
func (r *Registry) Stop(id string) error {
	return r.halt(id, true)
}

// Release ends the agent's session after its task completed. Unlike Stop
// it does not open a stop grace window and it clears the task binding.
func (r *Registry) Release(id string) error {
	return r.halt(id, false)
}

func (r *Registry) halt(id string, manual bool) error {
	now := r.now()
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ptyID := e.rec.PtyID
	r.bindLocked(e, "")
	e.rec.Status = StatusIdle
	e.rec.LastActivity = now
	if manual {
		e.rec.ManuallyStoppedAt = &now
	} else {
		e.rec.KanbanTaskID = ""
	}
	rec := e.snapshot()
	r.mu.Unlock()

	if ptyID != "" {
		_ = r.procs.Kill(ptyID)
	}
	r.debouncer.Reset(id, StatusIdle)
	r.logger.Info("agent stopped", "id", id, "manual", manual)
	r.publish(eventbus.EventAgentUpdated, rec)
	r.persist()
	r.refreshGauge()
	return nil
}

// Remove kills the agent's terminal, removes its worktree and forgets it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ptyID := e.rec.PtyID
	r.bindLocked(e, "")
	delete(r.agents, id)
	rec := e.snapshot()
	r.mu.Unlock()

	if ptyID != "" {
		_ = r.procs.Kill(ptyID)
	}
	r.debouncer.Forget(id)

	if rec.WorktreePath != "" && r.worktrees != nil {
		if err := r.worktrees.Remove(ctx, rec.ProjectPath, rec.WorktreePath); err != nil {
			r.logger.Warn("worktree removal failed", "id", id, "path", rec.WorktreePath, "err", err)
		}
	}

	r.logger.Info("agent removed", "id", id, "name", rec.Name)
	r.publish(eventbus.EventAgentRemoved, rec)
	r.persist()
	r.refreshGauge()
	return nil
}

// Update applies a patch. Changing the provider ends the current session,
// since its environment may have been baked in for the old provider.
func (r *Registry) Update(id string, patch Patch) (Record, error) {
	if patch.Provider != nil {
		if _, err := r.catalog.Get(*patch.Provider); err != nil {
			return Record{}, err
		}
	}
	if patch.Model != nil {
		if err := provider.ValidateModel(*patch.Model); err != nil {
			return Record{}, err
		}
	}

	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var stale process.ID
	if patch.Name != nil && *patch.Name != "" {
		e.rec.Name = *patch.Name
	}
	if patch.Provider != nil && *patch.Provider != e.rec.Provider {
		e.rec.Provider = *patch.Provider
		stale = e.rec.PtyID
		r.bindLocked(e, "")
		if e.rec.Status == StatusRunning || e.rec.Status == StatusWaiting {
			e.rec.Status = StatusIdle
		}
	}
	if patch.Model != nil {
		e.rec.Model = *patch.Model
	}
	if patch.Skills != nil {
		e.rec.Skills = NormalizeSkills(*patch.Skills)
	}
	if patch.SecondaryProjectPath != nil {
		e.rec.SecondaryProjectPath = *patch.SecondaryProjectPath
	}
	if patch.SkipPermissions != nil {
		e.rec.SkipPermissions = *patch.SkipPermissions
	}
	if patch.KanbanTaskID != nil {
		e.rec.KanbanTaskID = *patch.KanbanTaskID
	}
	if patch.CurrentSessionID != nil {
		e.rec.CurrentSessionID = *patch.CurrentSessionID
	}
	rec := e.snapshot()
	r.mu.Unlock()

	if stale != "" {
		_ = r.procs.Kill(stale)
		r.debouncer.Reset(id, rec.Status)
	}
	r.publish(eventbus.EventAgentUpdated, rec)
	r.persist()
	return rec, nil
}

// --- Terminal I/O ---

// Write sends raw input to the agent's terminal.
func (r *Registry) Write(id string, data []byte) error {
	ptyID, err := r.PtyID(id)
	if err != nil {
		return err
	}
	if err := r.procs.Write(ptyID, data); err != nil {
		return fmt.Errorf("writing to agent %s: %w", id, err)
	}
	return nil
}

// Resize changes the agent's terminal size.
func (r *Registry) Resize(id string, cols, rows uint16) error {
	ptyID, err := r.PtyID(id)
	if err != nil {
		return err
	}
	return r.procs.Resize(ptyID, cols, rows)
}

// --- Persistence ---

// Load restores agents from the store. No terminal survives a restart, so
// terminal bindings are dropped and busy statuses fall back to idle.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}

	r.mu.Lock()
	loaded := 0
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, exists := r.agents[rec.ID]; exists {
			continue
		}
		out := newOutputRing(r.cfg.OutputChunks, r.cfg.OutputBytes)
		for _, chunk := range rec.Output {
			out.append(chunk)
		}
		rec.Output = nil
		rec.PtyID = ""
		if rec.Status == StatusRunning || rec.Status == StatusWaiting {
			rec.Status = StatusIdle
		}
		if rec.Provider == "" {
			rec.Provider = r.cfg.DefaultProvider
		}
		_, statErr := os.Stat(rec.ProjectPath)
		rec.PathMissing = statErr != nil
		r.agents[rec.ID] = &entry{rec: rec, out: out}
		r.debouncer.Reset(rec.ID, rec.Status)
		loaded++
	}
	r.mu.Unlock()

	r.logger.Info("agents loaded", "count", loaded)
	r.refreshGauge()
	return nil
}

func (r *Registry) persist() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.Save(r.listLocked(true))
}

// --- Events ---

func (r *Registry) publish(t eventbus.EventType, rec Record) {
	r.bus.Publish(eventbus.Event{Type: t, Subject: rec.ID, Data: rec})
}

func (r *Registry) refreshGauge() {
	if r.metrics == nil {
		return
	}
	counts := make(map[string]int, len(Statuses))
	for _, s := range Statuses {
		counts[string(s)] = 0
	}
	r.mu.Lock()
	for _, e := range r.agents {
		counts[string(e.rec.Status)]++
	}
	r.mu.Unlock()
	r.metrics.SetAgentCounts(counts)
}
