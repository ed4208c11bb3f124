// Package metrics exposes Prometheus collectors for processes, agents and
// the kanban board, and mirrors every event to OpenTelemetry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steveyegge/foreman/internal/telemetry"
)

const namespace = "foreman"

// Metrics records foreman activity. All methods are safe on a nil receiver.
type Metrics struct {
	spawns      *prometheus.CounterVec
	exits       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	moves       *prometheus.CounterVec
	automation  *prometheus.CounterVec
	agents      *prometheus.GaugeVec
}

// MustNew constructs Metrics and registers it with reg. Collectors that are
// already registered are reused, so tests can build several instances
// against one registry. Any other registration error panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Pseudo-terminal spawn attempts by pool and result.",
		}, []string{"pool", "status"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Pseudo-terminal exits by pool, exit code and whether they were killed.",
		}, []string{"pool", "code", "killed"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "transitions_total",
			Help:      "Committed agent status transitions.",
		}, []string{"from", "to"}),
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kanban",
			Name:      "moves_total",
			Help:      "Kanban column moves by target column and result.",
		}, []string{"to", "status"}),
		automation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kanban",
			Name:      "automation_runs_total",
			Help:      "Planned-column automation runs by result.",
		}, []string{"status", "agent_created"}),
		agents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "agents",
			Help:      "Agents by current status.",
		}, []string{"status"}),
	}

	m.spawns = register(reg, m.spawns)
	m.exits = register(reg, m.exits)
	m.transitions = register(reg, m.transitions)
	m.moves = register(reg, m.moves)
	m.automation = register(reg, m.automation)
	m.agents = register(reg, m.agents)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ProcessSpawned implements process.Observer.
func (m *Metrics) ProcessSpawned(pool string, err error) {
	telemetry.RecordSpawn(context.Background(), pool, err)
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(pool, status(err)).Inc()
}

// ProcessExited implements process.Observer.
func (m *Metrics) ProcessExited(pool string, code int, killed bool) {
	telemetry.RecordExit(context.Background(), pool, code, killed)
	if m == nil {
		return
	}
	m.exits.WithLabelValues(pool, strconv.Itoa(code), strconv.FormatBool(killed)).Inc()
}

// Transition records a committed status transition.
func (m *Metrics) Transition(agentID, from, to string) {
	telemetry.RecordTransition(context.Background(), agentID, from, to)
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Move records a kanban move attempt.
func (m *Metrics) Move(taskID, from, to string, err error) {
	telemetry.RecordMove(context.Background(), taskID, from, to, err)
	if m == nil {
		return
	}
	m.moves.WithLabelValues(to, status(err)).Inc()
}

// Automation records a planned-column automation run.
func (m *Metrics) Automation(taskID, agentID string, created bool, err error) {
	telemetry.RecordAutomation(context.Background(), taskID, agentID, created, err)
	if m == nil {
		return
	}
	m.automation.WithLabelValues(status(err), strconv.FormatBool(created)).Inc()
}

// SetAgentCounts replaces the per-status agent gauge.
func (m *Metrics) SetAgentCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.agents.Reset()
	for s, n := range counts {
		m.agents.WithLabelValues(s).Set(float64(n))
	}
}
