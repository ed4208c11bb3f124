// Package daemon assembles and runs the foreman server: process registry,
// agents, the task board and the HTTP API, all sharing one data directory.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/foreman/internal/agent"
	"github.com/steveyegge/foreman/internal/config"
	"github.com/steveyegge/foreman/internal/eventbus"
	"github.com/steveyegge/foreman/internal/git"
	"github.com/steveyegge/foreman/internal/kanban"
	"github.com/steveyegge/foreman/internal/metrics"
	"github.com/steveyegge/foreman/internal/notify"
	"github.com/steveyegge/foreman/internal/process"
	"github.com/steveyegge/foreman/internal/provider"
	"github.com/steveyegge/foreman/internal/store"
	"github.com/steveyegge/foreman/internal/telemetry"
	"github.com/steveyegge/foreman/internal/web"
)

// shutdownTimeout bounds draining HTTP connections and flushing stores.
const shutdownTimeout = 10 * time.Second

// ErrAlreadyRunning is returned when another server holds the data
// directory's lock.
var ErrAlreadyRunning = errors.New("foreman server already running (lock held by another process)")

// Daemon is one running foreman server.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	lock       *flock.Flock
	listener   net.Listener
	server     *http.Server
	procs      *process.Registry
	bus        *eventbus.Bus
	agents     *agent.Registry
	board      *kanban.Engine
	agentStore *store.JSONFile[agent.Record]
	taskStore  *store.JSONFile[kanban.Task]
	telemetry  *telemetry.Provider
	closeOnce  sync.Once
}

// New takes the data directory lock, binds the listen address and loads
// persisted agents and tasks. Close releases everything when Run is not
// called.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (_ *Daemon, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Uses gofrs/flock for cross-platform compatibility (Unix + Windows).
	lock := flock.New(cfg.LockFile())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	d := &Daemon{cfg: cfg, logger: logger, lock: lock}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.listener, err = net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	// Port 0 resolves here, so agents are told the real address.
	cfg.Listen = d.listener.Addr().String()

	tp, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:    "foreman",
		ServiceVersion: version,
		MetricsURL:     cfg.Telemetry.MetricsURL,
		LogsURL:        cfg.Telemetry.LogsURL,
	})
	if err != nil {
		logger.Warn("telemetry disabled", "err", err)
	}
	d.telemetry = tp

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(reg)

	d.bus = eventbus.New()
	d.procs = process.NewRegistry(process.Options{Logger: logger, Observer: m})
	catalog := provider.NewCatalog(cfg.ProviderSettings(), cfg.LocalEndpoint())
	notifier := newNotifier(cfg, d.bus, logger)

	d.agentStore = store.NewJSONFile[agent.Record](cfg.AgentsFile(), logger)
	d.taskStore = store.NewJSONFile[kanban.Task](cfg.TasksFile(), logger)

	d.agents = agent.NewRegistry(d.procs, agent.Options{
		Config: agent.Config{
			StopGrace:       cfg.Agents.StopGrace.D(),
			Settle:          cfg.Agents.Settle.D(),
			ProviderSettle:  cfg.Agents.ProviderSettle.D(),
			OutputChunks:    cfg.Agents.OutputChunks,
			OutputBytes:     cfg.Agents.OutputBytes,
			DefaultProvider: provider.ID(cfg.Agents.DefaultProvider),
			Worktrees:       cfg.Agents.Worktrees,
			Shell:           cfg.Shell,
			Env:             map[string]string{"FM_URL": cfg.ServerURL()},
		},
		Catalog:   catalog,
		Worktrees: &git.Provisioner{Logger: logger},
		Store:     d.agentStore,
		Bus:       d.bus,
		Notifier:  notifier,
		Metrics:   m,
		Logger:    logger,
	})
	d.board = kanban.NewEngine(kanban.Options{
		Config: kanban.Config{
			PlannedDelay: cfg.Kanban.PlannedDelay.D(),
			ServerURL:    cfg.ServerURL(),
		},
		Agents:   d.agents,
		Store:    d.taskStore,
		Bus:      d.bus,
		Notifier: notifier,
		Metrics:  m,
		Logger:   logger,
	})

	if err := d.agents.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}
	if err := d.board.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}

	api := web.NewServer(web.Options{
		Agents:    d.agents,
		Board:     d.board,
		Terminals: d.procs,
		Catalog:   catalog,
		Bus:       d.bus,
		Gatherer:  reg,
		Logger:    logger,
		Shell:     cfg.Shell,
	})
	d.server = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

func newNotifier(cfg *config.Config, bus *eventbus.Bus, logger *slog.Logger) notify.Sink {
	sinks := []notify.Sink{notify.LogSink{Logger: logger}, notify.BusSink{Bus: bus}}
	if len(cfg.Notify.Command) > 0 {
		kinds := make(map[notify.Kind]bool, len(cfg.Notify.Kinds))
		for _, k := range cfg.Notify.Kinds {
			kinds[notify.Kind(k)] = true
		}
		sinks = append(sinks, notify.CommandSink{Command: cfg.Notify.Command, Kinds: kinds})
	}
	return notify.Multi{Sinks: sinks, Logger: logger}
}

// Addr is the bound listen address.
func (d *Daemon) Addr() string {
	return d.listener.Addr().String()
}

// Run serves the API until ctx is canceled, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("foreman server listening", "addr", d.Addr(), "data", d.cfg.DataDir, "pid", os.Getpid())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.server.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return d.server.Shutdown(sctx)
	})
	err := g.Wait()
	d.Close()
	return err
}

// Close kills every terminal, flushes the stores and releases the lock.
// Safe to call more than once.
func (d *Daemon) Close() {
	d.closeOnce.Do(d.close)
}

func (d *Daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if d.listener != nil {
		_ = d.listener.Close()
	}
	if d.procs != nil {
		for _, pool := range []process.Pool{process.PoolAgent, process.PoolInstall, process.PoolTerminal} {
			d.procs.KillAll(pool)
		}
	}
	if d.agents != nil {
		d.agents.Close()
	}
	if d.agentStore != nil {
		d.closeStore(ctx, d.agentStore)
	}
	if d.taskStore != nil {
		d.closeStore(ctx, d.taskStore)
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if err := d.telemetry.Shutdown(ctx); err != nil {
		d.logger.Warn("telemetry shutdown", "err", err)
	}
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
}

type flushCloser interface {
	Flush(ctx context.Context) error
	Close() error
}

func (d *Daemon) closeStore(ctx context.Context, s flushCloser) {
	if err := s.Flush(ctx); err != nil && !errors.Is(err, store.ErrClosed) {
		d.logger.Warn("flushing store", "err", err)
	}
	_ = s.Close()
}
