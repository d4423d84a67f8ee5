package web

import (
	"encoding/json"
	"net/http"

	"github.com/arctek/dispatch/scheduler"
)

// CreateQueueRequest is the request body for creating a queue.
type CreateQueueRequest struct {
	ProjectID        string `json:"projectId"`
	Name             string `json:"name"`
	MaxParallelItems int    `json:"maxParallelItems"`
}

// apiCreateQueue creates a new queue.
func (s *Server) apiCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		s.jsonError(w, "Project ID is required", http.StatusBadRequest)
		return
	}

	queue, err := s.dispatcher.CreateQueue(r.Context(), req.ProjectID, req.Name, req.MaxParallelItems)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("queue-created", queue.ID)
	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, queue)
}

// apiListQueues returns the queues of a project.
func (s *Server) apiListQueues(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		s.jsonError(w, "Missing project parameter", http.StatusBadRequest)
		return
	}

	queues, err := s.store.ListQueues(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if queues == nil {
		queues = []scheduler.Queue{}
	}
	s.jsonResponse(w, queues)
}

// apiGetQueue returns a single queue by ID.
func (s *Server) apiGetQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.store.GetQueue(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, queue)
}

// apiUpdateQueue applies a partial queue update.
func (s *Server) apiUpdateQueue(w http.ResponseWriter, r *http.Request) {
	var upd scheduler.QueueUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	queue, err := s.dispatcher.UpdateQueue(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("queue-updated", queue.ID)
	s.jsonResponse(w, queue)
}

// apiDeleteQueue deletes a queue and all its items.
func (s *Server) apiDeleteQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.dispatcher.DeleteQueue(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("queue-deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// AddItemRequest is the request body for enqueueing an item.
type AddItemRequest struct {
	ItemType scheduler.ItemType `json:"itemType"`
	ItemID   string             `json:"itemId"`
	Priority scheduler.Priority `json:"priority"`
}

// apiAddItem enqueues a ticket or task on a queue.
func (s *Server) apiAddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := s.dispatcher.AddItem(r.Context(), r.PathValue("id"), req.ItemType, req.ItemID, req.Priority)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("queue-updated", item.QueueID)
	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, item)
}

// apiListItems returns a queue's items, most urgent first.
func (s *Server) apiListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.dispatcher.ListItems(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []scheduler.QueueItem{}
	}
	s.jsonResponse(w, items)
}

// apiNextItem peeks at the next dispatchable item without claiming it.
// Responds 204 when the queue has nothing to dispatch.
func (s *Server) apiNextItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.dispatcher.NextItem(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.jsonResponse(w, item)
}

// ClaimRequest is the request body for claiming the next item.
type ClaimRequest struct {
	AgentID string `json:"agentId"`
}

// apiClaimNext atomically claims the next item for an agent. Responds
// 204 when there is nothing to claim.
func (s *Server) apiClaimNext(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := s.dispatcher.ClaimNext(r.Context(), r.PathValue("id"), req.AgentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.Broadcast("queue-updated", item.QueueID)
	s.jsonResponse(w, item)
}

// apiGetQueueStats returns per-status counts for a queue.
func (s *Server) apiGetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.QueueStats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, stats)
}

// UpdateItemStatusRequest is the request body for an item status change.
type UpdateItemStatusRequest struct {
	Status       scheduler.ItemStatus `json:"status"`
	AgentID      string               `json:"agentId"`
	ErrorMessage string               `json:"errorMessage"`
}

// apiUpdateItemStatus transitions a queue item to a new status.
func (s *Server) apiUpdateItemStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := s.dispatcher.UpdateItemStatus(r.Context(), r.PathValue("id"), req.Status, req.AgentID, req.ErrorMessage)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("queue-updated", item.QueueID)
	s.jsonResponse(w, item)
}

// apiRemoveItem removes a queue item.
func (s *Server) apiRemoveItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := s.dispatcher.RemoveItem(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if removed {
		s.Broadcast("queue-updated", id)
	}
	s.jsonResponse(w, map[string]bool{"removed": removed})
}

// RequeueRequest is the request body for requeueing a finished item.
type RequeueRequest struct {
	Priority scheduler.Priority `json:"priority"`
}

// apiRequeueItem creates a fresh queued item from a terminal one.
func (s *Server) apiRequeueItem(w http.ResponseWriter, r *http.Request) {
	var req RequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := s.dispatcher.Requeue(r.Context(), r.PathValue("id"), req.Priority)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Broadcast("queue-updated", item.QueueID)
	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, item)
}

// apiGetProjectStats returns ticket counts for a project.
func (s *Server) apiGetProjectStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.ProjectStats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, stats)
}
