package web

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseEvent is the payload broadcast to connected clients.
type sseEvent struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Broadcast notifies all connected SSE clients that an entity changed.
// Slow clients with full buffers are skipped.
func (s *Server) Broadcast(event, id string) {
	data, err := json.Marshal(sseEvent{Type: event, ID: id})
	if err != nil {
		return
	}
	msg := fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)

	s.sseMu.RLock()
	defer s.sseMu.RUnlock()
	for ch := range s.sseClients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// unregisterSSEClient removes a client channel and reports whether it
// was still registered. Shutdown may have already removed it.
func (s *Server) unregisterSSEClient(ch chan string) bool {
	s.sseMu.Lock()
	defer s.sseMu.Unlock()
	if _, ok := s.sseClients[ch]; !ok {
		return false
	}
	delete(s.sseClients, ch)
	return true
}

// handleSSE streams entity change events to the client.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	messageChan := make(chan string, 10)

	s.sseMu.Lock()
	s.sseClients[messageChan] = true
	s.sseMu.Unlock()

	defer func() {
		if s.unregisterSSEClient(messageChan) {
			close(messageChan)
		}
	}()

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	s.logger.Debug("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected")
			return
		case msg, ok := <-messageChan:
			if !ok {
				return
			}
			fmt.Fprint(w, msg)
			flusher.Flush()
		}
	}
}
