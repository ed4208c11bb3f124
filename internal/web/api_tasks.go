package web

import (
	"context"
	"net/http"

	"github.com/steveyegge/foreman/internal/kanban"
)

type createTaskRequest struct {
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	ProjectPath    string          `json:"projectPath"`
	RequiredSkills []string        `json:"requiredSkills"`
	Attachments    []string        `json:"attachments"`
	Priority       kanban.Priority `json:"priority"`
	Labels         []string        `json:"labels"`
}

type updateTaskRequest struct {
	Title          *string          `json:"title"`
	Description    *string          `json:"description"`
	ProjectPath    *string          `json:"projectPath"`
	RequiredSkills *[]string        `json:"requiredSkills"`
	Attachments    *[]string        `json:"attachments"`
	Priority       *kanban.Priority `json:"priority"`
	Labels         *[]string        `json:"labels"`
	Progress       *int             `json:"progress"`
}

type moveRequest struct {
	Column string `json:"column"`
}

type completeRequest struct {
	Summary string `json:"summary"`
}

type reorderRequest struct {
	Order int `json:"order"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var column kanban.Column
	if c := r.URL.Query().Get("column"); c != "" {
		parsed, err := kanban.ParseColumn(c)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		column = parsed
	}
	tasks := s.board.List(column)
	if tasks == nil {
		tasks = []kanban.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.board.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.board.Create(kanban.NewTask{
		Title:          req.Title,
		Description:    req.Description,
		ProjectPath:    req.ProjectPath,
		RequiredSkills: req.RequiredSkills,
		Attachments:    req.Attachments,
		Priority:       req.Priority,
		Labels:         req.Labels,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.board.Update(r.PathValue("id"), kanban.Patch{
		Title:          req.Title,
		Description:    req.Description,
		ProjectPath:    req.ProjectPath,
		RequiredSkills: req.RequiredSkills,
		Attachments:    req.Attachments,
		Priority:       req.Priority,
		Labels:         req.Labels,
		Progress:       req.Progress,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.board.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// moveTask runs the move, including planned-column automation, detached
// from the request so a client hanging up does not roll back the board.
func (s *Server) moveTask(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := kanban.ParseColumn(req.Column)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.timeout)
	defer cancel()

	t, err := s.board.Move(ctx, r.PathValue("id"), to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.board.Complete(context.WithoutCancel(r.Context()), r.PathValue("id"), req.Summary)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) reorderTask(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.board.Reorder(r.PathValue("id"), req.Order)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
