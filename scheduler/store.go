package scheduler

import (
	"context"
	"time"
)

// Store is the persistence contract the scheduler components are built
// against. The SQLite store in internal/db implements it; tests use an
// in-memory implementation. Compound operations (reorder, move, claim,
// transition, cascade delete) must be atomic: a caller never observes a
// partially applied state.
type Store interface {
	// Tickets
	CreateTicket(ctx context.Context, t *Ticket) error
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	ListTicketsByProject(ctx context.Context, projectID string) ([]Ticket, error)
	UpdateTicket(ctx context.Context, id string, upd TicketUpdate) (*Ticket, error)
	// SetTicketQueueFields stamps the ticket's queue linkage; a nil
	// linkage clears every queue field at once.
	SetTicketQueueFields(ctx context.Context, id string, linkage *TicketQueueLinkage) error
	DeleteTicket(ctx context.Context, id string) error

	// Tasks
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, ticketID string) ([]Task, error)
	UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error)
	// DeleteTask removes the task, compacts the remaining order
	// indexes to 0..n-1, and scrubs the id from sibling dependency
	// sets, all in one transaction.
	DeleteTask(ctx context.Context, id string) error
	CountTasks(ctx context.Context, ticketID string) (int, error)
	// ReorderTasks applies a complete set of index assignments in one
	// transaction.
	ReorderTasks(ctx context.Context, ticketID string, positions []TaskPosition) error
	// ShiftAndPlaceTask moves the named task to index, shifting the
	// tasks between its old and new position by one so the indexes
	// stay dense, atomically.
	ShiftAndPlaceTask(ctx context.Context, ticketID, taskID string, index int) error

	// Queues
	CreateQueue(ctx context.Context, q *Queue) error
	GetQueue(ctx context.Context, id string) (*Queue, error)
	GetQueueByName(ctx context.Context, projectID, name string) (*Queue, error)
	ListQueues(ctx context.Context, projectID string) ([]Queue, error)
	UpdateQueue(ctx context.Context, id string, upd QueueUpdate) (*Queue, error)
	// DeleteQueue removes the queue and its items and clears the queue
	// linkage of every ticket enqueued in it.
	DeleteQueue(ctx context.Context, id string) error

	// Queue items
	CreateItem(ctx context.Context, item *QueueItem) error
	GetItem(ctx context.Context, id string) (*QueueItem, error)
	ListItems(ctx context.Context, queueID string) ([]QueueItem, error)
	// ActiveItem returns the queued or in_progress item for the given
	// target, or nil when none exists.
	ActiveItem(ctx context.Context, queueID string, itemType ItemType, itemID string) (*QueueItem, error)
	// NextQueuedItem returns the most urgent queued item (priority
	// ascending, then createdAt ascending) or nil when the queue is
	// empty.
	NextQueuedItem(ctx context.Context, queueID string) (*QueueItem, error)
	CountItemsByStatus(ctx context.Context, queueID string, status ItemStatus) (int, error)
	CountsByItemStatus(ctx context.Context, queueID string) (map[ItemStatus]int, error)
	// ClaimNextItem selects the next queued item and marks it
	// in_progress in one transaction, honoring the queue's active flag
	// and parallelism limit. It returns nil when nothing is claimable.
	// Two concurrent claimers never receive the same item.
	ClaimNextItem(ctx context.Context, queueID, agentID string) (*QueueItem, error)
	// TransitionItem conditionally moves an item from one status to
	// another ("update where status = from"). It reports whether a row
	// was affected; mirroring onto a ticket target happens in the same
	// transaction.
	TransitionItem(ctx context.Context, id string, from, to ItemStatus, agentID, errorMessage string) (bool, error)
	// DeleteItem removes an item, reporting whether it existed. When
	// the item was a ticket's active one, the ticket's queue linkage
	// is cleared in the same transaction.
	DeleteItem(ctx context.Context, id string) (bool, error)

	// Stats source queries
	TicketCountsByStatus(ctx context.Context, projectID string) (map[TicketStatus]int, error)
	CountEnqueuedTickets(ctx context.Context, projectID string) (int, error)
}

// TicketQueueLinkage carries the queue fields stamped onto a ticket when
// it is enqueued. All fields are set together; clearing uses a nil
// linkage so a ticket is always either fully enqueued or fully not.
type TicketQueueLinkage struct {
	QueueID  string
	Position int
	Status   ItemStatus
	Priority Priority
	QueuedAt time.Time
}
