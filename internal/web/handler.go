// Package web is foreman's HTTP control surface: agents, the task board,
// ad-hoc terminals, the event stream and metrics.
package web

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/steveyegge/foreman/internal/agent"
	"github.com/steveyegge/foreman/internal/eventbus"
	"github.com/steveyegge/foreman/internal/kanban"
	"github.com/steveyegge/foreman/internal/metrics"
	"github.com/steveyegge/foreman/internal/process"
	"github.com/steveyegge/foreman/internal/provider"
)

// Agents is the agent registry as used by the HTTP layer.
type Agents interface {
	agent.Agents
	PtyID(id string) (process.ID, error)
}

// Options wires a Server.
type Options struct {
	Agents    Agents
	Board     *kanban.Engine
	Terminals process.Terminals
	Catalog   *provider.Catalog
	Bus       *eventbus.Bus
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	Shell     string

	// AutomationTimeout bounds a planned-column move, which outlives the
	// request that triggered it.
	AutomationTimeout time.Duration
}

// Server serves the API.
type Server struct {
	agents    Agents
	board     *kanban.Engine
	terminals process.Terminals
	catalog   *provider.Catalog
	bus       *eventbus.Bus
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	shell     string
	timeout   time.Duration
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.AutomationTimeout <= 0 {
		opts.AutomationTimeout = 2 * time.Minute
	}
	return &Server{
		agents:    opts.Agents,
		board:     opts.Board,
		terminals: opts.Terminals,
		catalog:   opts.Catalog,
		bus:       opts.Bus,
		gatherer:  opts.Gatherer,
		logger:    opts.Logger.With("component", "web"),
		shell:     opts.Shell,
		timeout:   opts.AutomationTimeout,
	}
}

// Handler returns the routed, middleware-wrapped API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	mux.HandleFunc("GET /api/events", s.handleSSE)

	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.createAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", s.updateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.removeAgent)
	mux.HandleFunc("POST /api/agents/{id}/start", s.startAgent)
	mux.HandleFunc("POST /api/agents/{id}/stop", s.stopAgent)
	mux.HandleFunc("POST /api/agents/{id}/input", s.agentInput)
	mux.HandleFunc("POST /api/agents/{id}/resize", s.agentResize)
	mux.HandleFunc("GET /api/agents/{id}/output", s.agentOutput)
	mux.HandleFunc("GET /api/agents/{id}/ws", s.agentSocket)

	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/move", s.moveTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.completeTask)
	mux.HandleFunc("POST /api/tasks/{id}/reorder", s.reorderTask)

	mux.HandleFunc("GET /api/providers", s.listProviders)
	mux.HandleFunc("POST /api/providers/{id}/install", s.installProvider)

	mux.HandleFunc("GET /api/terminals", s.listTerminals)
	mux.HandleFunc("POST /api/terminals", s.openTerminal)
	mux.HandleFunc("DELETE /api/terminals/{id}", s.closeTerminal)
	mux.HandleFunc("GET /api/terminals/{id}/ws", s.terminalSocket)

	return corsMiddleware(s.logRequests(mux))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "dur", time.Since(start))
	})
}

// statusRecorder captures the response code. It forwards Flush and
// Hijack so SSE and websockets keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
