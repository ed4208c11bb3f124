package process

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Double is a FAKE with SPY capabilities for the Terminals interface.
//
//   - FAKE: in-memory entries, no real pseudo-terminal or subprocess
//   - SPY: records spawns, writes, resizes and kills for verification
//
// Tests drive output and exits with Emit and Exit. Emit delivers even for
// killed entries, which is how a real reader goroutine behaves when bytes
// were buffered before the kill.
type Double struct {
	mu       sync.RWMutex
	entries  map[ID]*doubleEntry
	sinks    map[Pool]map[int]Sink
	nextSink int

	spawns  []SpawnOptions
	killLog []ID

	// SpawnErr, when set, makes the next Spawn calls fail with it wrapped
	// in ErrSpawnFailure.
	SpawnErr error
}

type doubleEntry struct {
	id     ID
	pool   Pool
	opts   SpawnOptions
	live   bool
	writes []string
	cols   uint16
	rows   uint16
}

// NewDouble creates an empty in-memory Terminals double.
func NewDouble() *Double {
	return &Double{
		entries: make(map[ID]*doubleEntry),
		sinks:   make(map[Pool]map[int]Sink),
	}
}

var _ Terminals = (*Double)(nil)

// --- Terminals ---

func (d *Double) Spawn(opts SpawnOptions) (ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.SpawnErr != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailure, d.SpawnErr)
	}
	if opts.Pool == "" {
		opts.Pool = PoolTerminal
	}
	id := ID(uuid.NewString())
	d.entries[id] = &doubleEntry{id: id, pool: opts.Pool, opts: opts, live: true, cols: opts.Cols, rows: opts.Rows}
	d.spawns = append(d.spawns, opts)
	return id, nil
}

func (d *Double) Write(id ID, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok || !e.live {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.writes = append(e.writes, string(data))
	return nil
}

func (d *Double) Resize(id ID, cols, rows uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok || !e.live {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.cols, e.rows = cols, rows
	return nil
}

func (d *Double) Kill(id ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok || !e.live {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.live = false
	d.killLog = append(d.killLog, id)
	return nil
}

func (d *Double) Has(id ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	return ok && e.live
}

func (d *Double) List(pool Pool) []ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []ID
	for id, e := range d.entries {
		if e.live && e.pool == pool {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Double) Count(pool Pool) int {
	return len(d.List(pool))
}

func (d *Double) KillAll(pool Pool) {
	for _, id := range d.List(pool) {
		_ = d.Kill(id)
	}
}

func (d *Double) Subscribe(pool Pool, sink Sink) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSink++
	key := d.nextSink
	if d.sinks[pool] == nil {
		d.sinks[pool] = make(map[int]Sink)
	}
	d.sinks[pool][key] = sink
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.sinks[pool], key)
	}
}

// --- Event injection ---

// Emit delivers data from id to the pool's sinks, live or not.
func (d *Double) Emit(id ID, data string) error {
	d.mu.RLock()
	e, ok := d.entries[id]
	var sinks []Sink
	if ok {
		sinks = d.sinksLocked(e.pool)
	}
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for _, s := range sinks {
		s.OnData(id, []byte(data))
	}
	return nil
}

// Exit simulates a spontaneous exit. Like the real registry it forwards
// only when the entry was still live.
func (d *Double) Exit(id ID, code int) error {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	wasLive := e.live
	e.live = false
	sinks := d.sinksLocked(e.pool)
	d.mu.Unlock()

	if !wasLive {
		return nil
	}
	for _, s := range sinks {
		s.OnExit(id, code)
	}
	return nil
}

func (d *Double) sinksLocked(pool Pool) []Sink {
	out := make([]Sink, 0, len(d.sinks[pool]))
	for _, s := range d.sinks[pool] {
		out = append(out, s)
	}
	return out
}

// --- Spy accessors ---

// Spawns returns every successful SpawnOptions in call order.
func (d *Double) Spawns() []SpawnOptions {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]SpawnOptions(nil), d.spawns...)
}

// SpawnOptionsFor returns the options id was spawned with.
func (d *Double) SpawnOptionsFor(id ID) (SpawnOptions, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok {
		return SpawnOptions{}, errors.New("unknown process: " + string(id))
	}
	return e.opts, nil
}

// Writes returns everything written to id, in order.
func (d *Double) Writes(id ID) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok {
		return nil
	}
	return append([]string(nil), e.writes...)
}

// Size returns the last size set for id.
func (d *Double) Size(id ID) (cols, rows uint16) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.entries[id]; ok {
		return e.cols, e.rows
	}
	return 0, 0
}

// Killed returns the IDs passed to a successful Kill, in order.
func (d *Double) Killed() []ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]ID(nil), d.killLog...)
}
