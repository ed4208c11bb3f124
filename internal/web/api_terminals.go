package web

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/steveyegge/foreman/internal/process"
	"github.com/steveyegge/foreman/internal/provider"
)

type openTerminalRequest struct {
	Cwd  string `json:"cwd"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type terminalResponse struct {
	PtyID process.ID   `json:"ptyId"`
	Pool  process.Pool `json:"pool"`
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	infos := s.catalog.List()
	if infos == nil {
		infos = []provider.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// installProvider runs the provider's install command in a terminal the
// client can attach to.
func (s *Server) installProvider(w http.ResponseWriter, r *http.Request) {
	id, err := provider.Parse(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	command, err := s.catalog.InstallCommand(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ptyID, err := s.terminals.Spawn(process.SpawnOptions{
		Pool:  process.PoolInstall,
		Shell: "/bin/sh",
		Args:  []string{"-c", command},
		Dir:   process.ResolveDir(""),
		Cols:  process.DefaultCols,
		Rows:  process.DefaultRows,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.catalog.Refresh()
	s.logger.Info("installing provider", "provider", id, "pty", ptyID)
	writeJSON(w, http.StatusAccepted, terminalResponse{PtyID: ptyID, Pool: process.PoolInstall})
}

func (s *Server) listTerminals(w http.ResponseWriter, r *http.Request) {
	out := []terminalResponse{}
	for _, pool := range []process.Pool{process.PoolTerminal, process.PoolInstall} {
		for _, id := range s.terminals.List(pool) {
			out = append(out, terminalResponse{PtyID: id, Pool: pool})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) openTerminal(w http.ResponseWriter, r *http.Request) {
	var req openTerminalRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Cols == 0 {
		req.Cols = process.DefaultCols
	}
	if req.Rows == 0 {
		req.Rows = process.DefaultRows
	}
	ptyID, err := s.terminals.Spawn(process.SpawnOptions{
		Pool:  process.PoolTerminal,
		Shell: s.shell,
		Dir:   process.ResolveDir(req.Cwd),
		Cols:  req.Cols,
		Rows:  req.Rows,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, terminalResponse{PtyID: ptyID, Pool: process.PoolTerminal})
}

func (s *Server) closeTerminal(w http.ResponseWriter, r *http.Request) {
	id, err := s.adHoc(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.terminals.Kill(id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) terminalSocket(w http.ResponseWriter, r *http.Request) {
	id, err := s.adHoc(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pool := process.PoolTerminal
	if !slices.Contains(s.terminals.List(pool), id) {
		pool = process.PoolInstall
	}
	s.bridge(w, r, bridgeTarget{
		pool:   pool,
		id:     id,
		write:  func(data []byte) error { return s.terminals.Write(id, data) },
		resize: func(cols, rows uint16) error { return s.terminals.Resize(id, cols, rows) },
	})
}

// adHoc resolves a terminal or installer ID. Agent terminals are only
// reachable through their agent.
func (s *Server) adHoc(raw string) (process.ID, error) {
	id := process.ID(raw)
	if slices.Contains(s.terminals.List(process.PoolTerminal), id) || slices.Contains(s.terminals.List(process.PoolInstall), id) {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", process.ErrNotFound, raw)
}
