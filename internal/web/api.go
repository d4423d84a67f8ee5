package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/arctek/dispatch/scheduler"
)

// jsonResponse writes data as JSON.
func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeError maps a domain error onto an HTTP status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var notFound *scheduler.NotFoundError
	var validation *scheduler.ValidationError
	var conflict *scheduler.ConflictError
	var transition *scheduler.InvalidTransitionError

	switch {
	case errors.As(err, &notFound):
		s.jsonError(w, notFound.Error(), http.StatusNotFound)
	case errors.As(err, &validation):
		s.jsonError(w, validation.Error(), http.StatusBadRequest)
	case errors.As(err, &conflict):
		s.jsonError(w, conflict.Error(), http.StatusConflict)
	case errors.As(err, &transition):
		s.jsonError(w, transition.Error(), http.StatusConflict)
	default:
		s.logger.Error("Request failed", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

// --- Tickets ---

// apiCreateTicket creates a new ticket.
func (s *Server) apiCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req scheduler.NewTicket
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		s.jsonError(w, "Title is required", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		s.jsonError(w, "Project ID is required", http.StatusBadRequest)
		return
	}
	if req.Priority == 0 {
		req.Priority = scheduler.PriorityMedium
	}

	now := time.Now()
	ticket := &scheduler.Ticket{
		ID:          uuid.New().String(),
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Status:      scheduler.TicketOpen,
		Priority:    req.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTicket(r.Context(), ticket); err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("ticket-created", ticket.ID)
	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, ticket)
}

// apiListTickets returns the tickets of a project.
func (s *Server) apiListTickets(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		s.jsonError(w, "Missing project parameter", http.StatusBadRequest)
		return
	}

	tickets, err := s.store.ListTicketsByProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tickets == nil {
		tickets = []scheduler.Ticket{}
	}
	s.jsonResponse(w, tickets)
}

// ticketDetail decorates a ticket with display fields. With ?render=html
// the markdown description is rendered for direct embedding.
type ticketDetail struct {
	*scheduler.Ticket
	StatusLabel     string `json:"statusLabel"`
	DescriptionHTML string `json:"descriptionHtml,omitempty"`
}

// apiGetTicket returns a single ticket by ID.
func (s *Server) apiGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.store.GetTicket(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	detail := ticketDetail{Ticket: ticket, StatusLabel: statusLabel(ticket.Status)}
	if r.URL.Query().Get("render") == "html" && ticket.Description != "" {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(ticket.Description), &buf); err == nil {
			detail.DescriptionHTML = buf.String()
		}
	}
	s.jsonResponse(w, detail)
}

// apiUpdateTicket applies a partial ticket update.
func (s *Server) apiUpdateTicket(w http.ResponseWriter, r *http.Request) {
	var upd scheduler.TicketUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ticket, err := s.store.UpdateTicket(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("ticket-updated", ticket.ID)
	s.jsonResponse(w, ticket)
}

// apiDeleteTicket deletes a ticket, its tasks, and any queue items
// referencing them.
func (s *Server) apiDeleteTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTicket(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteTicket(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("ticket-deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// apiGetTaskStats returns task completion stats for a ticket.
func (s *Server) apiGetTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.TaskStats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, stats)
}

// apiRemoveFromQueue takes a ticket out of its queue.
func (s *Server) apiRemoveFromQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := s.dispatcher.RemoveFromQueue(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if removed {
		s.Broadcast("queue-updated", id)
	}
	s.jsonResponse(w, map[string]bool{"removed": removed})
}

// --- Tasks ---

// apiCreateTask creates a task under a ticket.
func (s *Server) apiCreateTask(w http.ResponseWriter, r *http.Request) {
	var req scheduler.NewTask
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	task, err := s.ordering.CreateTask(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("task-created", task.ID)
	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, task)
}

// apiListTasks returns a ticket's tasks in order.
func (s *Server) apiListTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTicket(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []scheduler.Task{}
	}
	s.jsonResponse(w, tasks)
}

// apiReorderTasks applies a complete permutation of a ticket's tasks.
func (s *Server) apiReorderTasks(w http.ResponseWriter, r *http.Request) {
	var positions []scheduler.TaskPosition
	if err := json.NewDecoder(r.Body).Decode(&positions); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := s.ordering.Reorder(r.Context(), id, positions); err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("tasks-reordered", id)
	tasks, err := s.store.ListTasks(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, tasks)
}

// apiAvailableTasks returns the tasks ready to be worked on.
func (s *Server) apiAvailableTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.resolver.AvailableTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, tasks)
}

// apiBlockedTasks returns the tasks waiting on incomplete dependencies.
func (s *Server) apiBlockedTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.resolver.BlockedTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, tasks)
}

// apiTasksWithDependencies returns the tasks that declare dependencies,
// for graph display.
func (s *Server) apiTasksWithDependencies(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.resolver.TasksWithDependencies(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, tasks)
}

// apiGetTask returns a single task by ID.
func (s *Server) apiGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, task)
}

// apiUpdateTask applies a partial task update.
func (s *Server) apiUpdateTask(w http.ResponseWriter, r *http.Request) {
	var upd scheduler.TaskUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	task, err := s.ordering.UpdateTask(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("task-updated", task.ID)
	s.jsonResponse(w, task)
}

// apiDeleteTask deletes a task and compacts the ticket's order.
func (s *Server) apiDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ordering.DeleteTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("task-deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// MoveTaskRequest is the request body for moving a task.
type MoveTaskRequest struct {
	Index int `json:"index"`
}

// apiMoveTask moves a task to a new position within its ticket.
func (s *Server) apiMoveTask(w http.ResponseWriter, r *http.Request) {
	var req MoveTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	task, err := s.ordering.MoveToPosition(r.Context(), r.PathValue("id"), req.Index)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("tasks-reordered", task.TicketID)
	s.jsonResponse(w, task)
}

// apiTaskReady reports whether a task's dependencies have all completed.
func (s *Server) apiTaskReady(w http.ResponseWriter, r *http.Request) {
	ready, err := s.resolver.DependenciesCompleted(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, map[string]bool{"ready": ready})
}
