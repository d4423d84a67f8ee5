// Package scheduler implements the dependency-aware ticket scheduler and
// queue dispatcher. Tickets own ordered tasks, tasks may depend on other
// tasks in the same ticket, and tickets or tasks are enqueued as queue
// items that agents claim and process.
package scheduler

import "time"

// TicketStatus represents the lifecycle stage of a ticket.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketClosed     TicketStatus = "closed"
)

// TaskStatus is the canonical task state. "Done" is a derived view of
// TaskCompleted rather than a separate flag, so the two can never drift.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// ItemStatus represents the lifecycle state of a queue item.
type ItemStatus string

const (
	ItemQueued     ItemStatus = "queued"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemCancelled  ItemStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemCancelled
}

// Active reports whether an item in this status occupies its target's
// single active slot.
func (s ItemStatus) Active() bool {
	return s == ItemQueued || s == ItemInProgress
}

// itemTransitions is the full set of permitted status changes. Requeueing
// a failed item is modeled as a brand-new item, never a transition, so the
// history of attempts stays auditable.
var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemQueued:     {ItemInProgress, ItemCancelled},
	ItemInProgress: {ItemCompleted, ItemFailed, ItemCancelled},
}

// CanTransition reports whether from -> to is a permitted item transition.
func CanTransition(from, to ItemStatus) bool {
	for _, next := range itemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ItemType identifies what kind of entity a queue item wraps.
type ItemType string

const (
	ItemTypeTicket ItemType = "ticket"
	ItemTypeTask   ItemType = "task"
)

// Priority determines dispatch order. Lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
)

// Ticket is a unit of work belonging to a project. A ticket may own
// ordered tasks and may be enqueued for processing by an agent. The queue
// linkage fields are populated together when the ticket is enqueued and
// cleared together when it leaves the queue: QueueID is non-empty if and
// only if QueueStatus is non-empty.
type Ticket struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"projectId"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TicketStatus `json:"status"`
	Priority    Priority     `json:"priority"`

	// Queue linkage
	QueueID           string     `json:"queueId,omitempty"`
	QueuePosition     int        `json:"queuePosition,omitempty"`
	QueueStatus       ItemStatus `json:"queueStatus,omitempty"`
	QueuePriority     Priority   `json:"queuePriority,omitempty"`
	QueuedAt          time.Time  `json:"queuedAt,omitzero"`
	QueueStartedAt    time.Time  `json:"queueStartedAt,omitzero"`
	QueueCompletedAt  time.Time  `json:"queueCompletedAt,omitzero"`
	QueueAgentID      string     `json:"queueAgentId,omitempty"`
	QueueErrorMessage string     `json:"queueErrorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Enqueued reports whether the ticket currently sits in a queue.
func (t *Ticket) Enqueued() bool {
	return t.QueueID != ""
}

// Task is a step within a ticket. OrderIndex values are dense per ticket
// (a permutation of 0..n-1). Dependencies hold ids of tasks in the same
// ticket that must complete before this one becomes available.
type Task struct {
	ID             string     `json:"id"`
	TicketID       string     `json:"ticketId"`
	Content        string     `json:"content"`
	Status         TaskStatus `json:"status"`
	OrderIndex     int        `json:"orderIndex"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	EstimatedHours float64    `json:"estimatedHours,omitempty"`
	AgentID        string     `json:"agentId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Done reports whether the task has completed.
func (t *Task) Done() bool {
	return t.Status == TaskCompleted
}

// Queue is a named, project-scoped container of queue items. Names are
// unique within a project. MaxParallelItems caps how many items may be
// in_progress at once; an inactive queue dispatches nothing.
type Queue struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"projectId"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	IsActive         bool      `json:"isActive"`
	MaxParallelItems int       `json:"maxParallelItems"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// QueueItem is an enqueued reference to a ticket or task. Terminal items
// are retained as the audit trail of processing attempts; at most one
// active item may exist per (queue, itemType, itemId).
type QueueItem struct {
	ID           string     `json:"id"`
	QueueID      string     `json:"queueId"`
	ItemType     ItemType   `json:"itemType"`
	ItemID       string     `json:"itemId"`
	Priority     Priority   `json:"priority"`
	Status       ItemStatus `json:"status"`
	AgentID      string     `json:"agentId,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	StartedAt    time.Time  `json:"startedAt,omitzero"`
	CompletedAt  time.Time  `json:"completedAt,omitzero"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// TicketUpdate is a typed partial update for a ticket. Nil fields are
// left unchanged.
type TicketUpdate struct {
	Title       *string       `json:"title,omitempty"`
	Description *string       `json:"description,omitempty"`
	Status      *TicketStatus `json:"status,omitempty"`
	Priority    *Priority     `json:"priority,omitempty"`
}

// TaskUpdate is a typed partial update for a task. Nil fields are left
// unchanged. Dependency changes are re-validated for scope and cycles.
type TaskUpdate struct {
	Content        *string     `json:"content,omitempty"`
	Status         *TaskStatus `json:"status,omitempty"`
	Dependencies   *[]string   `json:"dependencies,omitempty"`
	EstimatedHours *float64    `json:"estimatedHours,omitempty"`
	AgentID        *string     `json:"agentId,omitempty"`
}

// QueueUpdate is a typed partial update for a queue.
type QueueUpdate struct {
	Name             *string `json:"name,omitempty"`
	Description      *string `json:"description,omitempty"`
	IsActive         *bool   `json:"isActive,omitempty"`
	MaxParallelItems *int    `json:"maxParallelItems,omitempty"`
}

// NewTicket holds the caller-supplied fields for ticket creation.
type NewTicket struct {
	ProjectID   string   `json:"projectId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
}

// NewTask holds the caller-supplied fields for task creation. When
// OrderIndex is nil the task is appended to the end of the ticket.
type NewTask struct {
	Content        string   `json:"content"`
	OrderIndex     *int     `json:"orderIndex,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
	EstimatedHours float64  `json:"estimatedHours,omitempty"`
	AgentID        string   `json:"agentId,omitempty"`
}

// TaskPosition pairs a task with its target order index for reordering.
type TaskPosition struct {
	TaskID string `json:"taskId"`
	Index  int    `json:"index"`
}

// QueueStats aggregates item counts per status for one queue. Always
// computed from current rows, never from a maintained counter.
type QueueStats struct {
	QueueID    string `json:"queueId"`
	Total      int    `json:"total"`
	Queued     int    `json:"queued"`
	InProgress int    `json:"inProgress"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`
}

// TaskStats aggregates task completion for one ticket.
type TaskStats struct {
	TicketID             string `json:"ticketId"`
	Total                int    `json:"total"`
	Completed            int    `json:"completed"`
	Pending              int    `json:"pending"`
	CompletionPercentage int    `json:"completionPercentage"`
}

// ProjectStats aggregates ticket counts per status for a project board.
type ProjectStats struct {
	ProjectID  string `json:"projectId"`
	Total      int    `json:"total"`
	Open       int    `json:"open"`
	InProgress int    `json:"inProgress"`
	Closed     int    `json:"closed"`
	Enqueued   int    `json:"enqueued"`
}
