package web

import (
	"fmt"
	"io"
	"net/http"

	"github.com/steveyegge/foreman/internal/agent"
	"github.com/steveyegge/foreman/internal/process"
	"github.com/steveyegge/foreman/internal/provider"
)

type createAgentRequest struct {
	Name                 string      `json:"name"`
	Provider             provider.ID `json:"provider"`
	Model                string      `json:"model"`
	ProjectPath          string      `json:"projectPath"`
	SecondaryProjectPath string      `json:"secondaryProjectPath"`
	Skills               []string    `json:"skills"`
	SkipPermissions      bool        `json:"skipPermissions"`
	Worktree             *bool       `json:"worktree"`
	BranchName           string      `json:"branchName"`
}

type updateAgentRequest struct {
	Name                 *string      `json:"name"`
	Provider             *provider.ID `json:"provider"`
	Model                *string      `json:"model"`
	Skills               *[]string    `json:"skills"`
	SecondaryProjectPath *string      `json:"secondaryProjectPath"`
	SkipPermissions      *bool        `json:"skipPermissions"`
}

type startAgentRequest struct {
	Prompt          string   `json:"prompt"`
	Model           string   `json:"model"`
	Skills          []string `json:"skills"`
	SkipPermissions *bool    `json:"skipPermissions"`
	Resume          bool     `json:"resume"`
}

type inputRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.agents.List()
	if agents == nil {
		agents = []agent.Record{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.agents.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.agents.Create(r.Context(), agent.CreateConfig{
		Name:                 req.Name,
		Provider:             req.Provider,
		Model:                req.Model,
		ProjectPath:          req.ProjectPath,
		SecondaryProjectPath: req.SecondaryProjectPath,
		Skills:               req.Skills,
		SkipPermissions:      req.SkipPermissions,
		Worktree:             req.Worktree,
		BranchName:           req.BranchName,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request) {
	var req updateAgentRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.agents.Update(r.PathValue("id"), agent.Patch{
		Name:                 req.Name,
		Provider:             req.Provider,
		Model:                req.Model,
		Skills:               req.Skills,
		SecondaryProjectPath: req.SecondaryProjectPath,
		SkipPermissions:      req.SkipPermissions,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) removeAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	var req startAgentRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	err := s.agents.Start(r.Context(), id, req.Prompt, agent.StartOptions{
		Model:           req.Model,
		Skills:          req.Skills,
		SkipPermissions: req.SkipPermissions,
		Resume:          req.Resume,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondAgent(w, r, id)
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.agents.Stop(id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondAgent(w, r, id)
}

func (s *Server) respondAgent(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := s.agents.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec.Output = nil
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) agentInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.agents.Write(r.PathValue("id"), []byte(req.Data)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) agentResize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		s.fail(w, r, fmt.Errorf("%w: cols and rows must be positive", errBadRequest))
		return
	}
	if err := s.agents.Resize(r.PathValue("id"), req.Cols, req.Rows); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) agentOutput(w http.ResponseWriter, r *http.Request) {
	out, err := s.agents.Output(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, out)
}

// agentSocket attaches a websocket to the agent's terminal. The backlog is
// replayed first.
func (s *Server) agentSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ptyID, err := s.agents.PtyID(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.bridge(w, r, bridgeTarget{
		pool:    process.PoolAgent,
		id:      ptyID,
		backlog: func() (string, error) { return s.agents.Output(id) },
		write:   func(data []byte) error { return s.agents.Write(id, data) },
		resize:  func(cols, rows uint16) error { return s.agents.Resize(id, cols, rows) },
	})
}
