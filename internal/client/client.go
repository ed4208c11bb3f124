// Package client talks to a running foreman server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/steveyegge/foreman/internal/agent"
	"github.com/steveyegge/foreman/internal/kanban"
	"github.com/steveyegge/foreman/internal/process"
	"github.com/steveyegge/foreman/internal/provider"
	"github.com/steveyegge/foreman/internal/util"
)

// Client is an HTTP client for the foreman API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      util.RetryConfig
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	retry := util.DefaultRetryConfig()
	retry.InitialDelay = 100 * time.Millisecond
	retry.IsRetryable = refused
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      retry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// refused matches a server that is not (yet) listening. Only reads are
// retried, so a replayed request cannot duplicate work.
func refused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return e.Message
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	send := func() error { return c.send(ctx, method, path, body, out) }
	if method != http.MethodGet {
		return send()
	}
	return util.RetryErr(ctx, c.retry, send)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &e) != nil {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err = io.Copy(w, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// --- Agents ---

// CreateAgent is the body of POST /api/agents.
type CreateAgent struct {
	Name                 string      `json:"name,omitempty"`
	Provider             provider.ID `json:"provider,omitempty"`
	Model                string      `json:"model,omitempty"`
	ProjectPath          string      `json:"projectPath"`
	SecondaryProjectPath string      `json:"secondaryProjectPath,omitempty"`
	Skills               []string    `json:"skills,omitempty"`
	SkipPermissions      bool        `json:"skipPermissions,omitempty"`
	Worktree             *bool       `json:"worktree,omitempty"`
	BranchName           string      `json:"branchName,omitempty"`
}

// StartAgent is the body of POST /api/agents/{id}/start.
type StartAgent struct {
	Prompt          string   `json:"prompt"`
	Model           string   `json:"model,omitempty"`
	Skills          []string `json:"skills,omitempty"`
	SkipPermissions *bool    `json:"skipPermissions,omitempty"`
	Resume          bool     `json:"resume,omitempty"`
}

func (c *Client) ListAgents(ctx context.Context) ([]agent.Record, error) {
	var out []agent.Record
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &out)
	return out, err
}

func (c *Client) GetAgent(ctx context.Context, id string) (agent.Record, error) {
	var out agent.Record
	err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreateAgent(ctx context.Context, req CreateAgent) (agent.Record, error) {
	var out agent.Record
	err := c.do(ctx, http.MethodPost, "/api/agents", req, &out)
	return out, err
}

func (c *Client) StartAgent(ctx context.Context, id string, req StartAgent) (agent.Record, error) {
	var out agent.Record
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(id)+"/start", req, &out)
	return out, err
}

func (c *Client) StopAgent(ctx context.Context, id string) (agent.Record, error) {
	var out agent.Record
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(id)+"/stop", nil, &out)
	return out, err
}

func (c *Client) RemoveAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(id), nil, nil)
}

// AgentOutput copies the agent's buffered output to w.
func (c *Client) AgentOutput(ctx context.Context, id string, w io.Writer) error {
	return c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id)+"/output", nil, w)
}

// --- Tasks ---

// CreateTask is the body of POST /api/tasks.
type CreateTask struct {
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	ProjectPath    string          `json:"projectPath"`
	RequiredSkills []string        `json:"requiredSkills,omitempty"`
	Attachments    []string        `json:"attachments,omitempty"`
	Priority       kanban.Priority `json:"priority,omitempty"`
	Labels         []string        `json:"labels,omitempty"`
}

// ListTasks returns the tasks in column, or the whole board when column
// is empty.
func (c *Client) ListTasks(ctx context.Context, column string) ([]kanban.Task, error) {
	path := "/api/tasks"
	if column != "" {
		path += "?column=" + url.QueryEscape(column)
	}
	var out []kanban.Task
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) GetTask(ctx context.Context, id string) (kanban.Task, error) {
	var out kanban.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreateTask(ctx context.Context, req CreateTask) (kanban.Task, error) {
	var out kanban.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", req, &out)
	return out, err
}

func (c *Client) MoveTask(ctx context.Context, id, column string) (kanban.Task, error) {
	var out kanban.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/move", map[string]string{"column": column}, &out)
	return out, err
}

func (c *Client) CompleteTask(ctx context.Context, id, summary string) (kanban.Task, error) {
	var out kanban.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/complete", map[string]string{"summary": summary}, &out)
	return out, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

// --- Providers ---

// ProviderInfo is a row of GET /api/providers.
type ProviderInfo struct {
	ID             provider.ID `json:"id" yaml:"id"`
	DisplayName    string      `json:"displayName" yaml:"displayName"`
	Binary         string      `json:"binary" yaml:"binary"`
	DefaultModel   string      `json:"defaultModel,omitempty" yaml:"defaultModel,omitempty"`
	InstallCommand string      `json:"installCommand" yaml:"installCommand"`
	ResolvedBinary string      `json:"resolvedBinary" yaml:"resolvedBinary"`
	Available      bool        `json:"available" yaml:"available"`
}

func (c *Client) ListProviders(ctx context.Context) ([]ProviderInfo, error) {
	var out []ProviderInfo
	err := c.do(ctx, http.MethodGet, "/api/providers", nil, &out)
	return out, err
}

// Terminal identifies a spawned ad-hoc or installer terminal.
type Terminal struct {
	PtyID process.ID   `json:"ptyId"`
	Pool  process.Pool `json:"pool"`
}

// InstallProvider starts the provider's installer in a server-side
// terminal.
func (c *Client) InstallProvider(ctx context.Context, id string) (Terminal, error) {
	var out Terminal
	err := c.do(ctx, http.MethodPost, "/api/providers/"+url.PathEscape(id)+"/install", nil, &out)
	return out, err
}

// --- Websockets ---

// AttachAgent opens the agent's terminal websocket.
func (c *Client) AttachAgent(ctx context.Context, id string) (*websocket.Conn, error) {
	return c.dial(ctx, "/api/agents/"+url.PathEscape(id)+"/ws")
}

// AttachTerminal opens an ad-hoc terminal's websocket.
func (c *Client) AttachTerminal(ctx context.Context, id process.ID) (*websocket.Conn, error) {
	return c.dial(ctx, "/api/terminals/"+url.PathEscape(string(id))+"/ws")
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			var e struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&e)
			return nil, &APIError{Status: resp.StatusCode, Message: e.Error}
		}
		return nil, fmt.Errorf("dialing %s: %w", path, err)
	}
	return conn, nil
}
