// Package debounce turns a noisy stream of per-agent status candidates into
// committed transitions.
//
// Rules for Observe(id, candidate):
//
//  1. candidate equals the last committed status: ignored, and a pending
//     timer for some other status is cancelled.
//  2. candidate is the immediate status (running): any pending timer is
//     cancelled and the transition commits at once.
//  3. otherwise the candidate must survive a settle window. When the timer
//     fires the live status is read back and the transition commits only
//     if it still matches.
//
// A pending candidate observed as authoritative (a process exit or an
// explicit start) cannot be cancelled or replaced by a heuristic one.
package debounce

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultSettle is the settle window used when Config.Settle is zero.
const DefaultSettle = 1500 * time.Millisecond

// StatusReader returns the live status of id; ok is false for unknown ids.
type StatusReader[S comparable] func(id string) (status S, ok bool)

// Committer receives committed transitions. It is called without any
// debouncer lock held.
type Committer[S comparable] func(id string, from, to S)

// Config configures a Debouncer.
type Config[S comparable] struct {
	Settle    time.Duration
	Immediate S
	Read      StatusReader[S]
	Commit    Committer[S]
	Logger    *slog.Logger
}

type pending[S comparable] struct {
	candidate     S
	authoritative bool
	timer         *time.Timer
	seq           uint64
}

// Debouncer holds the last committed status and at most one pending
// candidate per id.
type Debouncer[S comparable] struct {
	mu       sync.Mutex
	previous map[string]S
	pending  map[string]*pending[S]
	seq      uint64
	closed   bool

	settle    time.Duration
	immediate S
	read      StatusReader[S]
	commit    Committer[S]
	logger    *slog.Logger
}

// New creates a Debouncer.
func New[S comparable](cfg Config[S]) *Debouncer[S] {
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Commit == nil {
		cfg.Commit = func(string, S, S) {}
	}
	return &Debouncer[S]{
		previous:  make(map[string]S),
		pending:   make(map[string]*pending[S]),
		settle:    cfg.Settle,
		immediate: cfg.Immediate,
		read:      cfg.Read,
		commit:    cfg.Commit,
		logger:    cfg.Logger.With("component", "debounce"),
	}
}

// Observe feeds a candidate status for id.
func (d *Debouncer[S]) Observe(id string, candidate S, authoritative bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	prev, known := d.previous[id]
	p := d.pending[id]
	if p != nil && p.authoritative && !authoritative {
		d.mu.Unlock()
		d.logger.Debug("heuristic candidate dropped", "id", id, "candidate", candidate, "pending", p.candidate)
		return
	}

	if known && candidate == prev {
		d.cancelLocked(id)
		d.mu.Unlock()
		return
	}

	if candidate == d.immediate {
		d.cancelLocked(id)
		d.previous[id] = candidate
		d.mu.Unlock()
		d.commit(id, prev, candidate)
		return
	}

	if p != nil && p.candidate == candidate {
		p.authoritative = p.authoritative || authoritative
		d.mu.Unlock()
		return
	}

	d.cancelLocked(id)
	d.seq++
	np := &pending[S]{candidate: candidate, authoritative: authoritative, seq: d.seq}
	seq := d.seq
	np.timer = time.AfterFunc(d.settle, func() { d.fire(id, seq) })
	d.pending[id] = np
	d.mu.Unlock()
}

func (d *Debouncer[S]) cancelLocked(id string) {
	if p := d.pending[id]; p != nil {
		p.timer.Stop()
		delete(d.pending, id)
	}
}

func (d *Debouncer[S]) fire(id string, seq uint64) {
	d.mu.Lock()
	p := d.pending[id]
	if d.closed || p == nil || p.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.pending, id)
	d.mu.Unlock()

	if d.read != nil {
		live, ok := d.read(id)
		if !ok || live != p.candidate {
			d.logger.Debug("transition discarded", "id", id, "candidate", p.candidate, "live", live)
			return
		}
	}

	d.mu.Lock()
	prev, known := d.previous[id]
	if d.closed || (known && prev == p.candidate) {
		d.mu.Unlock()
		return
	}
	d.previous[id] = p.candidate
	d.mu.Unlock()

	d.commit(id, prev, p.candidate)
}

// Reset cancels any pending candidate and records status as committed
// without emitting a transition.
func (d *Debouncer[S]) Reset(id string, status S) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked(id)
	d.previous[id] = status
}

// Forget drops all state for id.
func (d *Debouncer[S]) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked(id)
	delete(d.previous, id)
}

// Pending reports the pending candidate for id, if any.
func (d *Debouncer[S]) Pending(id string) (S, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p := d.pending[id]; p != nil {
		return p.candidate, true
	}
	var zero S
	return zero, false
}

// Close cancels every timer. Later observations are ignored.
func (d *Debouncer[S]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.pending {
		d.cancelLocked(id)
	}
	d.closed = true
}
