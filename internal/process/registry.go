package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// readBufferSize bounds a single OnData chunk.
const readBufferSize = 32 * 1024

// killTimeout is how long a killed process group gets before SIGKILL.
const killTimeout = 5 * time.Second

// Observer is notified of process lifecycle events. Implementations must
// not block.
type Observer interface {
	ProcessSpawned(pool string, err error)
	ProcessExited(pool string, code int, killed bool)
}

// Options configures a Registry.
type Options struct {
	Logger   *slog.Logger
	Observer Observer
}

type entry struct {
	id   ID
	pool Pool
	cmd  *exec.Cmd
	pty  *os.File
	done chan struct{}
}

// Registry is the real Terminals implementation backed by creack/pty.
type Registry struct {
	mu       sync.Mutex
	entries  map[ID]*entry
	sinks    map[Pool]map[int]Sink
	nextSink int

	logger   *slog.Logger
	observer Observer
}

var _ Terminals = (*Registry)(nil)

// NewRegistry creates an empty process registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[ID]*entry),
		sinks:    make(map[Pool]map[int]Sink),
		logger:   logger.With("component", "process"),
		observer: opts.Observer,
	}
}

// Spawn starts opts.Shell (or the user's shell) inside a new pseudo-terminal
// in its own session, so the whole process group can be signalled.
func (r *Registry) Spawn(opts SpawnOptions) (ID, error) {
	if opts.Pool == "" {
		opts.Pool = PoolTerminal
	}
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell()
	}

	path, err := exec.LookPath(shell)
	if err != nil {
		r.observeSpawn(opts.Pool, err)
		return "", fmt.Errorf("%w: resolving shell %q: %v", ErrSpawnFailure, shell, err)
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.Dir = ResolveDir(opts.Dir)
	cmd.Env = BuildEnv(os.Environ(), opts.Env)

	size := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	if size.Cols == 0 {
		size.Cols = DefaultCols
	}
	if size.Rows == 0 {
		size.Rows = DefaultRows
	}

	f, err := pty.StartWithSize(cmd, size)
	if err != nil {
		r.observeSpawn(opts.Pool, err)
		return "", fmt.Errorf("%w: starting %s: %v", ErrSpawnFailure, shell, err)
	}

	e := &entry{
		id:   ID(uuid.NewString()),
		pool: opts.Pool,
		cmd:  cmd,
		pty:  f,
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.entries[e.id] = e
	r.mu.Unlock()

	r.logger.Debug("spawned", "id", e.id, "pool", e.pool, "pid", cmd.Process.Pid, "dir", cmd.Dir)
	r.observeSpawn(opts.Pool, nil)

	go r.pump(e)
	return e.id, nil
}

// pump is the single reader for an entry. Data is forwarded in read order;
// the exit is forwarded only if nobody killed the entry first.
func (r *Registry) pump(e *entry) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := e.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			for _, s := range r.sinksFor(e.pool) {
				s.OnData(e.id, chunk)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				r.logger.Debug("pty read ended", "id", e.id, "err", err)
			}
			break
		}
	}

	code := exitCode(e.cmd.Wait())
	close(e.done)

	r.mu.Lock()
	current, live := r.entries[e.id]
	live = live && current == e
	if live {
		delete(r.entries, e.id)
	}
	r.mu.Unlock()

	if !live {
		return
	}
	_ = e.pty.Close()
	r.observeExit(e.pool, code, false)
	for _, s := range r.sinksFor(e.pool) {
		s.OnExit(e.id, code)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

func (r *Registry) lookup(id ID) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Write sends raw bytes to the terminal.
func (r *Registry) Write(id ID, data []byte) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if _, err := e.pty.Write(data); err != nil {
		return fmt.Errorf("writing to %s: %w", id, err)
	}
	return nil
}

// Resize changes the terminal window size.
func (r *Registry) Resize(id ID, cols, rows uint16) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := pty.Setsize(e.pty, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resizing %s: %w", id, err)
	}
	return nil
}

// Kill removes the entry, closes its terminal and signals the process
// group. A process that ignores the signal is killed after killTimeout.
func (r *Registry) Kill(id ID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.terminate(e)
	r.observeExit(e.pool, -1, true)
	r.logger.Debug("killed", "id", id, "pool", e.pool)
	return nil
}

func (r *Registry) terminate(e *entry) {
	pid := 0
	if e.cmd.Process != nil {
		pid = e.cmd.Process.Pid
	}
	if pid > 0 {
		if err := signalGroup(pid, syscall.SIGTERM); err != nil {
			r.logger.Debug("signal failed", "id", e.id, "pid", pid, "err", err)
		}
	}
	_ = e.pty.Close()

	if pid <= 0 {
		return
	}
	go func() {
		select {
		case <-e.done:
		case <-time.After(killTimeout):
			_ = signalGroup(pid, syscall.SIGKILL)
		}
	}()
}

// Has reports whether id is a live entry.
func (r *Registry) Has(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// List returns the sorted IDs of live entries in pool.
func (r *Registry) List(pool Pool) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []ID
	for id, e := range r.entries {
		if e.pool == pool {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of live entries in pool.
func (r *Registry) Count(pool Pool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.pool == pool {
			n++
		}
	}
	return n
}

// KillAll kills every live entry in pool.
func (r *Registry) KillAll(pool Pool) {
	for _, id := range r.List(pool) {
		_ = r.Kill(id)
	}
}

// Subscribe registers sink for every event in pool.
func (r *Registry) Subscribe(pool Pool, sink Sink) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSink++
	key := r.nextSink
	if r.sinks[pool] == nil {
		r.sinks[pool] = make(map[int]Sink)
	}
	r.sinks[pool][key] = sink
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.sinks[pool], key)
	}
}

func (r *Registry) sinksFor(pool Pool) []Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sink, 0, len(r.sinks[pool]))
	for _, s := range r.sinks[pool] {
		out = append(out, s)
	}
	return out
}

func (r *Registry) observeSpawn(pool Pool, err error) {
	if r.observer != nil {
		r.observer.ProcessSpawned(string(pool), err)
	}
}

func (r *Registry) observeExit(pool Pool, code int, killed bool) {
	if r.observer != nil {
		r.observer.ProcessExited(string(pool), code, killed)
	}
}
