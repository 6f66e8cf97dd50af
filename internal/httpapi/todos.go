package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/topiclane/internal/todos"
)

type attachmentPayload struct {
	ID       string `json:"id" validate:"required,max=256"`
	Name     string `json:"name,omitempty" validate:"max=512"`
	MimeType string `json:"mime_type,omitempty" validate:"max=128"`
	URL      string `json:"url,omitempty" validate:"omitempty,url"`
}

type addTodoRequest struct {
	Resource         string              `json:"resource" validate:"required,max=256"`
	Actor            string              `json:"actor" validate:"max=256"`
	Content          string              `json:"content" validate:"required_without=Attachments,max=32768"`
	Attachments      []attachmentPayload `json:"attachments,omitempty" validate:"max=32,dive"`
	Mentions         []string            `json:"mentions,omitempty" validate:"max=64,dive,required,max=256"`
	PendingMessageID string              `json:"pending_message_id,omitempty" validate:"max=128"`
}

func (req addTodoRequest) attachments() []todos.Attachment {
	if len(req.Attachments) == 0 {
		return nil
	}
	out := make([]todos.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		out = append(out, todos.Attachment{ID: a.ID, Name: a.Name, MimeType: a.MimeType, URL: a.URL})
	}
	return out
}

type activationResponse struct {
	Owner   string `json:"owner"`
	Active  bool   `json:"active"`
	Changed bool   `json:"changed"`
}

func (s *Server) handleAddTodo(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	var req addTodoRequest
	if err := decodeValid(r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}

	todo, err := s.todos.Add(r.Context(), todos.AddRequest{
		Owner:            owner,
		Resource:         req.Resource,
		Actor:            req.Actor,
		Content:          req.Content,
		Attachments:      req.attachments(),
		Mentions:         req.Mentions,
		PendingMessageID: req.PendingMessageID,
	})
	if err != nil {
		respondTodoError(w, "todo_create_failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, todo)
}

func (s *Server) handleListTodos(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	resource, ok := requireResource(w, r)
	if !ok {
		return
	}

	list, err := s.todos.ListFor(r.Context(), owner, resource)
	if err != nil {
		respondTodoError(w, "todo_list_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"owner":    owner,
		"resource": resource,
		"active":   s.activation.Contains(owner),
		"todos":    list,
	})
}

func (s *Server) handleRetryTodo(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	resource, ok := requireResource(w, r)
	if !ok {
		return
	}

	todo, err := s.todos.Retry(r.Context(), owner, resource, id)
	if err != nil {
		respondTodoError(w, "todo_retry_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, todo)
}

func (s *Server) handleRemoveTodo(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	resource, ok := requireResource(w, r)
	if !ok {
		return
	}

	if err := s.todos.Remove(r.Context(), owner, resource, id); err != nil {
		respondTodoError(w, "todo_remove_failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearFinished(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	resource, ok := requireResource(w, r)
	if !ok {
		return
	}

	n, err := s.todos.ClearFinished(r.Context(), owner, resource)
	if err != nil {
		respondTodoError(w, "todo_clear_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	changed := s.activation.Activate(owner)
	respondJSON(w, http.StatusOK, activationResponse{Owner: owner, Active: true, Changed: changed})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	changed := s.activation.Deactivate(owner)
	respondJSON(w, http.StatusOK, activationResponse{Owner: owner, Active: false, Changed: changed})
}

func (s *Server) handleListActivation(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"owners": s.activation.Owners()})
}

func requireResource(w http.ResponseWriter, r *http.Request) (string, bool) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "resource query param is required")
		return "", false
	}
	return resource, true
}

func respondTodoError(w http.ResponseWriter, code string, err error) {
	switch {
	case errors.Is(err, todos.ErrTodoNotFound):
		respondError(w, http.StatusNotFound, "todo_not_found", err.Error())
	case errors.Is(err, todos.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, todos.ErrInvalidTodo):
		respondError(w, http.StatusBadRequest, "invalid_todo", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, code, err.Error())
	}
}
