// Package process owns the pseudo-terminals that back agents, installers
// and ad-hoc shells.
package process

import (
	"errors"
	"os"
	"sort"
)

// ID identifies a process managed by a Terminals implementation.
// It is opaque and never reused, so a stale ID can be compared against
// the live one to detect that a process has been replaced.
type ID string

// Pool groups processes by purpose. Each pool has its own set of sinks.
type Pool string

const (
	PoolAgent    Pool = "agent"
	PoolInstall  Pool = "install"
	PoolTerminal Pool = "terminal"
)

// Default terminal size when a caller does not provide one.
const (
	DefaultCols uint16 = 120
	DefaultRows uint16 = 40
)

var (
	// ErrNotFound is returned for operations on an unknown or exited process.
	ErrNotFound = errors.New("process not found")

	// ErrSpawnFailure is returned when a pseudo-terminal cannot be started.
	ErrSpawnFailure = errors.New("spawn failed")
)

// SpawnOptions describes a process to start inside a new pseudo-terminal.
type SpawnOptions struct {
	Pool  Pool
	Shell string // empty means the user's login shell
	Args  []string
	Dir   string
	Env   map[string]string
	Cols  uint16
	Rows  uint16
}

// Sink receives the output and exit events of every process in a pool.
// OnData is called from the process's reader goroutine, so chunks for one
// process arrive in order; OnExit follows the last chunk.
type Sink interface {
	OnData(id ID, data []byte)
	OnExit(id ID, code int)
}

// SinkFuncs adapts a pair of functions to the Sink interface.
// Nil functions are skipped.
type SinkFuncs struct {
	Data func(id ID, data []byte)
	Exit func(id ID, code int)
}

func (s SinkFuncs) OnData(id ID, data []byte) {
	if s.Data != nil {
		s.Data(id, data)
	}
}

func (s SinkFuncs) OnExit(id ID, code int) {
	if s.Exit != nil {
		s.Exit(id, code)
	}
}

// Terminals is the collection interface over live pseudo-terminals.
// Methods take the ID returned by Spawn.
type Terminals interface {
	// Spawn starts a process and returns its ID. Wraps ErrSpawnFailure.
	Spawn(opts SpawnOptions) (ID, error)

	// Write sends raw bytes to the process's terminal.
	Write(id ID, data []byte) error

	// Resize changes the terminal window size.
	Resize(id ID, cols, rows uint16) error

	// Kill terminates the process group and forgets the entry immediately.
	// The exit that follows is not forwarded to sinks.
	Kill(id ID) error

	// Has reports whether id refers to a live entry.
	Has(id ID) bool

	// List returns the IDs in a pool, sorted.
	List(pool Pool) []ID

	// Count returns the number of live entries in a pool.
	Count(pool Pool) int

	// KillAll kills every entry in a pool.
	KillAll(pool Pool)

	// Subscribe registers a sink for a pool and returns a function that
	// removes it.
	Subscribe(pool Pool, sink Sink) (unsubscribe func())
}

// DefaultShell returns the user's shell, falling back to /bin/sh.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return "/bin/sh"
}

// ResolveDir returns dir when it is an existing directory, otherwise the
// user's home directory, otherwise the system temp directory.
func ResolveDir(dir string) string {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if info, err := os.Stat(home); err == nil && info.IsDir() {
			return home
		}
	}
	return os.TempDir()
}

// BuildEnv merges overrides onto base in sorted key order, replacing
// existing keys. TERM is set when the base does not carry one.
func BuildEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides)+1)
	hasTerm := false
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, replaced := overrides[key]; replaced {
			continue
		}
		if key == "TERM" {
			hasTerm = true
		}
		out = append(out, kv)
	}
	if _, ok := overrides["TERM"]; !hasTerm && !ok {
		out = append(out, "TERM=xterm-256color")
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
