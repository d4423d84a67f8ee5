// Package web provides the HTTP JSON API for the scheduler.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/arctek/dispatch/internal/db"
	"github.com/arctek/dispatch/scheduler"
)

// Server exposes the scheduler over HTTP. All scheduling decisions live
// in the scheduler package; handlers only decode requests, call the
// components, and map domain errors onto status codes.
type Server struct {
	store      *db.Store
	resolver   *scheduler.Resolver
	ordering   *scheduler.OrderingManager
	dispatcher *scheduler.Dispatcher
	stats      *scheduler.Stats
	logger     *slog.Logger
	server     *http.Server

	// SSE clients
	sseClients   map[chan string]bool
	sseMu        sync.RWMutex
	shutdownOnce sync.Once
}

// NewServer creates an API server over the given database.
func NewServer(database *db.DB, logger *slog.Logger) *Server {
	store := db.NewStore(database)
	return &Server{
		store:      store,
		resolver:   scheduler.NewResolver(store),
		ordering:   scheduler.NewOrderingManager(store),
		dispatcher: scheduler.NewDispatcher(store),
		stats:      scheduler.NewStats(store),
		logger:     logger,
		sseClients: make(map[chan string]bool),
	}
}

// Handler builds the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Tickets
	mux.HandleFunc("POST /api/tickets", s.apiCreateTicket)
	mux.HandleFunc("GET /api/tickets", s.apiListTickets)
	mux.HandleFunc("GET /api/tickets/{id}", s.apiGetTicket)
	mux.HandleFunc("PATCH /api/tickets/{id}", s.apiUpdateTicket)
	mux.HandleFunc("DELETE /api/tickets/{id}", s.apiDeleteTicket)
	mux.HandleFunc("GET /api/tickets/{id}/stats", s.apiGetTaskStats)
	mux.HandleFunc("DELETE /api/tickets/{id}/queue", s.apiRemoveFromQueue)

	// Tasks
	mux.HandleFunc("POST /api/tickets/{id}/tasks", s.apiCreateTask)
	mux.HandleFunc("GET /api/tickets/{id}/tasks", s.apiListTasks)
	mux.HandleFunc("POST /api/tickets/{id}/tasks/reorder", s.apiReorderTasks)
	mux.HandleFunc("GET /api/tickets/{id}/tasks/available", s.apiAvailableTasks)
	mux.HandleFunc("GET /api/tickets/{id}/tasks/blocked", s.apiBlockedTasks)
	mux.HandleFunc("GET /api/tickets/{id}/tasks/with-dependencies", s.apiTasksWithDependencies)
	mux.HandleFunc("GET /api/tasks/{id}", s.apiGetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.apiUpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.apiDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/move", s.apiMoveTask)
	mux.HandleFunc("GET /api/tasks/{id}/ready", s.apiTaskReady)

	// Queues and dispatch
	mux.HandleFunc("POST /api/queues", s.apiCreateQueue)
	mux.HandleFunc("GET /api/queues", s.apiListQueues)
	mux.HandleFunc("GET /api/queues/{id}", s.apiGetQueue)
	mux.HandleFunc("PATCH /api/queues/{id}", s.apiUpdateQueue)
	mux.HandleFunc("DELETE /api/queues/{id}", s.apiDeleteQueue)
	mux.HandleFunc("POST /api/queues/{id}/items", s.apiAddItem)
	mux.HandleFunc("GET /api/queues/{id}/items", s.apiListItems)
	mux.HandleFunc("GET /api/queues/{id}/next", s.apiNextItem)
	mux.HandleFunc("POST /api/queues/{id}/claim", s.apiClaimNext)
	mux.HandleFunc("GET /api/queues/{id}/stats", s.apiGetQueueStats)
	mux.HandleFunc("PATCH /api/items/{id}/status", s.apiUpdateItemStatus)
	mux.HandleFunc("DELETE /api/items/{id}", s.apiRemoveItem)
	mux.HandleFunc("POST /api/items/{id}/requeue", s.apiRequeueItem)

	// Stats
	mux.HandleFunc("GET /api/projects/{id}/stats", s.apiGetProjectStats)

	// SSE for real-time updates
	mux.HandleFunc("GET /api/events", s.handleSSE)

	return s.withLogging(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		// Close all SSE clients
		s.sseMu.Lock()
		for ch := range s.sseClients {
			close(ch)
			delete(s.sseClients, ch)
		}
		s.sseMu.Unlock()
	})

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// withLogging wraps a handler with request logging.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

var titleCaser = cases.Title(language.English)

// statusLabel renders a snake_case status as a human-readable label,
// e.g. "in_progress" -> "In Progress".
func statusLabel[T ~string](status T) string {
	return titleCaser.String(strings.ReplaceAll(string(status), "_", " "))
}
