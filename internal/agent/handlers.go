package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/foreman/internal/detect"
	"github.com/steveyegge/foreman/internal/eventbus"
	"github.com/steveyegge/foreman/internal/notify"
	"github.com/steveyegge/foreman/internal/process"
)

// OutputChunk is the payload of an agent.output event.
type OutputChunk struct {
	AgentID string `json:"agentId"`
	Data    string `json:"data"`
}

// handleData runs on the terminal's reader goroutine.
func (r *Registry) handleData(ptyID process.ID, data []byte) {
	now := r.now()
	chunk := string(data)

	r.mu.Lock()
	id, ok := r.byPty[ptyID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e := r.agents[id]
	if e == nil || e.rec.PtyID != ptyID {
		r.mu.Unlock()
		return
	}
	e.out.append(chunk)
	e.rec.LastActivity = now

	var candidate Status
	if !r.inGraceLocked(e, now) {
		candidate = nextStatus(e.rec.Status, r.classifier.Classify(string(e.rec.Provider), data))
		if candidate != "" {
			e.rec.Status = candidate
		}
	}
	r.mu.Unlock()

	if candidate != "" {
		r.logger.Debug("status candidate", "id", id, "status", candidate)
		r.debouncer.Observe(id, candidate, false)
	}
	r.bus.Publish(eventbus.Event{
		Type:    eventbus.EventAgentOutput,
		Subject: id,
		Data:    OutputChunk{AgentID: id, Data: chunk},
	})
}

func (r *Registry) inGraceLocked(e *entry, now time.Time) bool {
	stopped := e.rec.ManuallyStoppedAt
	return stopped != nil && now.Sub(*stopped) < r.cfg.StopGrace
}

// nextStatus maps a classifier signal onto the state machine. An empty
// result means no change.
func nextStatus(current Status, sig detect.Signal) Status {
	switch sig {
	case detect.Working:
		if current == StatusIdle || current == StatusWaiting {
			return StatusRunning
		}
	case detect.Waiting:
		if current == StatusRunning {
			return StatusWaiting
		}
	}
	return ""
}

// handleExit runs after the terminal's last data chunk was delivered.
// Killed terminals never get here.
func (r *Registry) handleExit(ptyID process.ID, code int) {
	now := r.now()

	r.mu.Lock()
	id, ok := r.byPty[ptyID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e := r.agents[id]
	if e == nil || e.rec.PtyID != ptyID {
		r.mu.Unlock()
		return
	}
	status := StatusCompleted
	if code != 0 {
		status = StatusError
	}
	r.bindLocked(e, "")
	e.rec.Status = status
	e.rec.LastActivity = now
	rec := e.snapshot()
	r.mu.Unlock()

	r.logger.Info("agent process exited", "id", id, "code", code)
	r.debouncer.Observe(id, status, true)
	r.publish(eventbus.EventAgentUpdated, rec)
	r.persist()
}

// commit receives debounced transitions.
func (r *Registry) commit(id string, from, to Status) {
	r.bus.PublishStatus(id, string(from), string(to))
	r.metrics.Transition(id, string(from), string(to))
	r.refreshGauge()

	kind, ok := notifyKinds[to]
	if !ok {
		return
	}
	name := id
	r.mu.Lock()
	if e, found := r.agents[id]; found {
		name = e.rec.Name
	}
	r.mu.Unlock()

	msg := fmt.Sprintf("%s is %s", name, to)
	if err := r.notifier.Notify(context.Background(), kind, id, msg); err != nil {
		r.logger.Warn("notification failed", "id", id, "kind", kind, "err", err)
	}
}

var notifyKinds = map[Status]notify.Kind{
	StatusWaiting:   notify.KindAgentWaiting,
	StatusCompleted: notify.KindAgentCompleted,
	StatusError:     notify.KindAgentError,
}
