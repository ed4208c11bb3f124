package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/foreman/internal/agent"
	"github.com/steveyegge/foreman/internal/eventbus"
	"github.com/steveyegge/foreman/internal/kanban"
	"github.com/steveyegge/foreman/internal/metrics"
	"github.com/steveyegge/foreman/internal/process"
	"github.com/steveyegge/foreman/internal/provider"
)

type harness struct {
	procs   *process.Double
	agents  *agent.Registry
	board   *kanban.Engine
	bus     *eventbus.Bus
	handler http.Handler
	project string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	h := &harness{
		procs:   process.NewDouble(),
		bus:     eventbus.New(),
		project: t.TempDir(),
	}
	catalog := provider.NewCatalog(nil, provider.LocalEndpoint{})
	h.agents = agent.NewRegistry(h.procs, agent.Options{
		Config:  agent.Config{Settle: 10 * time.Millisecond},
		Catalog: catalog,
		Bus:     h.bus,
		Metrics: m,
	})
	h.board = kanban.NewEngine(kanban.Options{
		Config:  kanban.Config{PlannedDelay: time.Millisecond, ServerURL: "http://127.0.0.1:7420"},
		Agents:  h.agents,
		Bus:     h.bus,
		Metrics: m,
	})
	h.handler = NewServer(Options{
		Agents:    h.agents,
		Board:     h.board,
		Terminals: h.procs,
		Catalog:   catalog,
		Bus:       h.bus,
		Gatherer:  reg,
	}).Handler()
	t.Cleanup(func() {
		h.agents.Close()
		h.bus.Close()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (h *harness) createAgent(t *testing.T, name string) agent.Record {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/agents", map[string]any{"name": name, "projectPath": h.project})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[agent.Record](t, w)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflight(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodOptions, "/api/agents", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestAgents_CreateListGet(t *testing.T) {
	h := newHarness(t)
	rec := h.createAgent(t, "builder")
	assert.Equal(t, agent.StatusIdle, rec.Status)
	assert.NotEmpty(t, rec.PtyID)

	w := h.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[[]agent.Record](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "builder", list[0].Name)

	w = h.do(t, http.MethodGet, "/api/agents/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rec.ID, decodeBody[agent.Record](t, w).ID)
}

func TestAgents_EmptyListIsArray(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/api/agents", nil)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestAgents_ErrorMapping(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown agent", http.MethodGet, "/api/agents/nope", nil, http.StatusNotFound},
		{"unknown provider", http.MethodPost, "/api/agents", map[string]any{"provider": "gemini", "projectPath": h.project}, http.StatusUnprocessableEntity},
		{"shell in model", http.MethodPost, "/api/agents", map[string]any{"model": "x; rm -rf /", "projectPath": h.project}, http.StatusUnprocessableEntity},
		{"malformed json", http.MethodPost, "/api/agents", "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/agents", `{"colour":"red"}`, http.StatusBadRequest},
		{"stop unknown", http.MethodPost, "/api/agents/nope/stop", nil, http.StatusNotFound},
		{"zero resize", http.MethodPost, "/api/agents/nope/resize", map[string]int{"cols": 0, "rows": 10}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			body := decodeBody[errorBody](t, w)
			assert.False(t, body.Success)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestAgents_StartWritesCommand(t *testing.T) {
	h := newHarness(t)
	rec := h.createAgent(t, "builder")

	w := h.do(t, http.MethodPost, "/api/agents/"+rec.ID+"/start", map[string]any{"prompt": "write tests"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeBody[agent.Record](t, w)
	assert.Equal(t, agent.StatusRunning, got.Status)
	assert.Equal(t, "write tests", got.CurrentTask)

	writes := h.procs.Writes(got.PtyID)
	require.NotEmpty(t, writes)
	assert.Contains(t, writes[len(writes)-1], "write tests")
	assert.True(t, strings.HasSuffix(writes[len(writes)-1], "\r"))
}

func TestAgents_InputAfterStopConflicts(t *testing.T) {
	h := newHarness(t)
	rec := h.createAgent(t, "builder")

	w := h.do(t, http.MethodPost, "/api/agents/"+rec.ID+"/input", map[string]string{"data": "ls\r"})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"ls\r"}, h.procs.Writes(rec.PtyID))

	w = h.do(t, http.MethodPost, "/api/agents/"+rec.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/api/agents/"+rec.ID+"/input", map[string]string{"data": "ls\r"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAgents_UpdateOutputRemove(t *testing.T) {
	h := newHarness(t)
	rec := h.createAgent(t, "builder")
	require.NoError(t, h.procs.Emit(rec.PtyID, "hello\n"))

	w := h.do(t, http.MethodGet, "/api/agents/"+rec.ID+"/output", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello\n", w.Body.String())

	w = h.do(t, http.MethodPatch, "/api/agents/"+rec.ID, map[string]any{"name": "renamed", "skills": []string{"go"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeBody[agent.Record](t, w)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, []string{"go"}, got.Skills)

	w = h.do(t, http.MethodDelete, "/api/agents/"+rec.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(t, http.MethodGet, "/api/agents/"+rec.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTasks_Lifecycle(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "Fix login", "projectPath": h.project})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	task := decodeBody[kanban.Task](t, w)
	assert.Equal(t, kanban.ColumnBacklog, task.Column)
	assert.Equal(t, kanban.PriorityMedium, task.Priority)

	w = h.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/move", map[string]string{"column": "ongoing"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/move", map[string]string{"column": "planned"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	task = decodeBody[kanban.Task](t, w)
	assert.Equal(t, kanban.ColumnOngoing, task.Column)
	require.NotEmpty(t, task.AssignedAgentID)
	assert.True(t, task.AgentCreatedForTask)

	w = h.do(t, http.MethodGet, "/api/tasks?column=ongoing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]kanban.Task](t, w), 1)

	w = h.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/complete", map[string]string{"summary": "done and dusted"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	task = decodeBody[kanban.Task](t, w)
	assert.Equal(t, kanban.ColumnDone, task.Column)
	assert.Equal(t, "done and dusted", task.Summary)
	assert.Equal(t, 100, task.Progress)

	w = h.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodGet, "/api/agents/"+task.AssignedAgentID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "the agent created for the task is removed")
}

func TestTasks_UpdateReorderDelete(t *testing.T) {
	h := newHarness(t)
	var ids []string
	for _, title := range []string{"one", "two", "three"} {
		w := h.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": title, "projectPath": h.project})
		require.Equal(t, http.StatusCreated, w.Code)
		ids = append(ids, decodeBody[kanban.Task](t, w).ID)
	}

	w := h.do(t, http.MethodPost, "/api/tasks/"+ids[2]+"/reorder", map[string]int{"order": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, http.MethodGet, "/api/tasks", nil)
	var titles []string
	for _, task := range decodeBody[[]kanban.Task](t, w) {
		titles = append(titles, task.Title)
	}
	assert.Equal(t, []string{"three", "one", "two"}, titles)

	w = h.do(t, http.MethodPatch, "/api/tasks/"+ids[0], map[string]any{"priority": "high", "progress": 40})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	task := decodeBody[kanban.Task](t, w)
	assert.Equal(t, kanban.PriorityHigh, task.Priority)
	assert.Equal(t, 40, task.Progress)

	w = h.do(t, http.MethodPatch, "/api/tasks/"+ids[0], map[string]any{"progress": 140})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = h.do(t, http.MethodDelete, "/api/tasks/"+ids[1], nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(t, http.MethodGet, "/api/tasks/"+ids[1], nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTasks_BadColumn(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/api/tasks?column=someday", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestProviders(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/api/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var infos []struct {
		ID        provider.ID `json:"id"`
		Available bool        `json:"available"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	var ids []provider.ID
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	assert.ElementsMatch(t, provider.IDs(), ids)

	w = h.do(t, http.MethodPost, "/api/providers/codex/install", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decodeBody[terminalResponse](t, w)
	assert.Equal(t, process.PoolInstall, resp.Pool)
	opts, err := h.procs.SpawnOptionsFor(resp.PtyID)
	require.NoError(t, err)
	assert.Equal(t, []string{"-c", "npm install -g @openai/codex"}, opts.Args)

	w = h.do(t, http.MethodPost, "/api/providers/gemini/install", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestTerminals(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/api/terminals", map[string]any{"cwd": h.project})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	term := decodeBody[terminalResponse](t, w)

	opts, err := h.procs.SpawnOptionsFor(term.PtyID)
	require.NoError(t, err)
	assert.Equal(t, h.project, opts.Dir)
	assert.Equal(t, process.DefaultCols, opts.Cols)

	w = h.do(t, http.MethodGet, "/api/terminals", nil)
	assert.Len(t, decodeBody[[]terminalResponse](t, w), 1)

	rec := h.createAgent(t, "builder")
	w = h.do(t, http.MethodDelete, "/api/terminals/"+string(rec.PtyID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "agent terminals are not ad-hoc terminals")

	w = h.do(t, http.MethodDelete, "/api/terminals/"+string(term.PtyID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, h.procs.Has(term.PtyID))
}

func TestMetrics(t *testing.T) {
	h := newHarness(t)
	h.createAgent(t, "builder")
	w := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "foreman_agent_agents")
}

func TestEvents_StreamsBus(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?types=task.created", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	readLine := func() string {
		line, err := lines.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimRight(line, "\n")
	}
	assert.Equal(t, "event: connected", readLine())
	assert.Equal(t, "data: ok", readLine())
	assert.Equal(t, "", readLine())

	// Filtered out by ?types.
	h.createAgent(t, "ignored")
	_, err = h.board.Create(kanban.NewTask{Title: "stream me", ProjectPath: h.project})
	require.NoError(t, err)

	got := []string{readLine(), readLine()}
	assert.Equal(t, "event: task.created", got[0])
	assert.Contains(t, got[1], `"title":"stream me"`)
}

func TestWanted(t *testing.T) {
	all := map[eventbus.EventType]bool{}
	assert.True(t, wanted(all, eventbus.EventAgentStatus))
	assert.False(t, wanted(all, eventbus.EventAgentOutput), "output is opt-in")
	only := map[eventbus.EventType]bool{eventbus.EventAgentOutput: true}
	assert.True(t, wanted(only, eventbus.EventAgentOutput))
	assert.False(t, wanted(only, eventbus.EventTaskCreated))
}

func TestAgentSocket(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	rec := h.createAgent(t, "builder")
	require.NoError(t, h.procs.Emit(rec.PtyID, "backlog "))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/agents/" + rec.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, "backlog ", string(data))

	require.NoError(t, h.procs.Emit(rec.PtyID, "live"))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "live", string(data))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("y")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":80,"rows":24}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"input","data":"\r"}`)))
	assert.Eventually(t, func() bool {
		cols, rows := h.procs.Size(rec.PtyID)
		return fmt.Sprint(h.procs.Writes(rec.PtyID)) == "[y \r]" && cols == 80 && rows == 24
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.procs.Exit(rec.PtyID, 0))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "exit 0", closeErr.Text)
}

func TestAgentSocket_NoTerminal(t *testing.T) {
	h := newHarness(t)
	rec := h.createAgent(t, "builder")
	require.NoError(t, h.agents.Stop(rec.ID))

	w := h.do(t, http.MethodGet, "/api/agents/"+rec.ID+"/ws", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", agent.ErrNotFound), http.StatusNotFound},
		{kanban.ErrNotFound, http.StatusNotFound},
		{process.ErrNotFound, http.StatusNotFound},
		{&kanban.MoveError{TaskID: "t", From: kanban.ColumnDone, To: kanban.ColumnBacklog, Reason: "done"}, http.StatusConflict},
		{agent.ErrConflict, http.StatusConflict},
		{agent.ErrNoTerminal, http.StatusConflict},
		{provider.ErrInvalidModel, http.StatusUnprocessableEntity},
		{kanban.ErrInvalid, http.StatusUnprocessableEntity},
		{errBadRequest, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
