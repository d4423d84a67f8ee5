package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Dispatcher manages queues and assigns queue items to agents. The store
// is the single point of serialization: the claim step is a conditional
// update, so two concurrent claimers never receive the same item.
//
// TODO: an item stuck in_progress is never reclaimed; claiming needs a
// lease/heartbeat before agents can crash safely.
type Dispatcher struct {
	store Store
}

// NewDispatcher creates a dispatcher backed by the given store.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{store: store}
}

// DefaultMaxParallelItems caps in-flight items for queues created
// without an explicit limit.
const DefaultMaxParallelItems = 1

// CreateQueue creates a named queue in a project. Names are unique per
// project; a duplicate is a ConflictError. New queues start active.
func (d *Dispatcher) CreateQueue(ctx context.Context, projectID, name string, maxParallelItems int) (*Queue, error) {
	if name == "" {
		return nil, Validationf("queue name is required")
	}
	if maxParallelItems < 0 {
		return nil, Validationf("maxParallelItems must not be negative")
	}
	if maxParallelItems == 0 {
		maxParallelItems = DefaultMaxParallelItems
	}

	existing, err := d.store.GetQueueByName(ctx, projectID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, Conflictf("queue %q already exists in project %s", name, projectID)
	}

	now := time.Now()
	q := &Queue{
		ID:               uuid.New().String(),
		ProjectID:        projectID,
		Name:             name,
		IsActive:         true,
		MaxParallelItems: maxParallelItems,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := d.store.CreateQueue(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// UpdateQueue applies a partial update; renaming into a name already
// taken within the project is a ConflictError.
func (d *Dispatcher) UpdateQueue(ctx context.Context, queueID string, upd QueueUpdate) (*Queue, error) {
	q, err := d.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil && *upd.Name != q.Name {
		if *upd.Name == "" {
			return nil, Validationf("queue name is required")
		}
		taken, err := d.store.GetQueueByName(ctx, q.ProjectID, *upd.Name)
		if err != nil {
			return nil, err
		}
		if taken != nil {
			return nil, Conflictf("queue %q already exists in project %s", *upd.Name, q.ProjectID)
		}
	}
	if upd.MaxParallelItems != nil && *upd.MaxParallelItems < 1 {
		return nil, Validationf("maxParallelItems must be at least 1")
	}
	return d.store.UpdateQueue(ctx, queueID, upd)
}

// DeleteQueue removes the queue, its items, and the queue linkage of
// every ticket enqueued in it.
func (d *Dispatcher) DeleteQueue(ctx context.Context, queueID string) error {
	if _, err := d.store.GetQueue(ctx, queueID); err != nil {
		return err
	}
	return d.store.DeleteQueue(ctx, queueID)
}

// AddItem enqueues a ticket or task. The target must exist, and at most
// one active (queued or in_progress) item may exist per target in a
// queue; a second enqueue while one is active is a ConflictError. For
// ticket items the ticket's queue linkage fields are stamped.
func (d *Dispatcher) AddItem(ctx context.Context, queueID string, itemType ItemType, itemID string, priority Priority) (*QueueItem, error) {
	if _, err := d.store.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}

	switch itemType {
	case ItemTypeTicket:
		if _, err := d.store.GetTicket(ctx, itemID); err != nil {
			return nil, err
		}
	case ItemTypeTask:
		if _, err := d.store.GetTask(ctx, itemID); err != nil {
			return nil, err
		}
	default:
		return nil, Validationf("unsupported item type %q", itemType)
	}

	active, err := d.store.ActiveItem(ctx, queueID, itemType, itemID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, Conflictf("%s %s already has an active item in queue %s", itemType, itemID, queueID)
	}

	if priority == 0 {
		priority = PriorityMedium
	}
	now := time.Now()
	item := &QueueItem{
		ID:        uuid.New().String(),
		QueueID:   queueID,
		ItemType:  itemType,
		ItemID:    itemID,
		Priority:  priority,
		Status:    ItemQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateItem(ctx, item); err != nil {
		return nil, err
	}

	if itemType == ItemTypeTicket {
		position, err := d.store.CountItemsByStatus(ctx, queueID, ItemQueued)
		if err != nil {
			return nil, err
		}
		linkage := &TicketQueueLinkage{
			QueueID:  queueID,
			Position: position - 1,
			Status:   ItemQueued,
			Priority: priority,
			QueuedAt: now,
		}
		if err := d.store.SetTicketQueueFields(ctx, itemID, linkage); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// NextItem returns the item the queue would dispatch next without
// claiming it: the queued item with the most urgent priority (lowest
// value), oldest first on ties. It returns nil when the queue is
// inactive, empty, or already has maxParallelItems in progress.
func (d *Dispatcher) NextItem(ctx context.Context, queueID string) (*QueueItem, error) {
	q, err := d.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if !q.IsActive {
		return nil, nil
	}

	inProgress, err := d.store.CountItemsByStatus(ctx, queueID, ItemInProgress)
	if err != nil {
		return nil, err
	}
	if inProgress >= q.MaxParallelItems {
		return nil, nil
	}

	return d.store.NextQueuedItem(ctx, queueID)
}

// ClaimNext atomically selects the next eligible item and marks it
// in_progress on behalf of the agent. It returns nil when nothing is
// claimable. The select-and-claim runs in one store transaction, so a
// concurrent claimer observes either the claimed item gone or the
// parallelism limit reached, never a double assignment.
func (d *Dispatcher) ClaimNext(ctx context.Context, queueID, agentID string) (*QueueItem, error) {
	if agentID == "" {
		return nil, Validationf("agent id is required")
	}
	if _, err := d.store.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}
	return d.store.ClaimNextItem(ctx, queueID, agentID)
}

// UpdateItemStatus applies a status transition to a queue item. Only the
// transitions queued->in_progress, queued->cancelled, and
// in_progress->{completed,failed,cancelled} are permitted; anything else
// is an InvalidTransitionError. Entering in_progress stamps the start
// time and the claiming agent; entering a terminal state stamps the
// completion time. Ticket items mirror the change onto the ticket's
// queue fields in the same transaction.
func (d *Dispatcher) UpdateItemStatus(ctx context.Context, itemID string, status ItemStatus, agentID, errorMessage string) (*QueueItem, error) {
	item, err := d.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(item.Status, status) {
		return nil, &InvalidTransitionError{From: item.Status, To: status}
	}

	moved, err := d.store.TransitionItem(ctx, itemID, item.Status, status, agentID, errorMessage)
	if err != nil {
		return nil, err
	}
	if !moved {
		// A concurrent writer moved the item first; report against its
		// current state.
		current, err := d.store.GetItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidTransitionError{From: current.Status, To: status}
	}
	return d.store.GetItem(ctx, itemID)
}

// RemoveItem deletes a queue item, clearing the ticket linkage when the
// removed item was a ticket's active one. Removing an absent item is a
// no-op that returns false.
func (d *Dispatcher) RemoveItem(ctx context.Context, itemID string) (bool, error) {
	return d.store.DeleteItem(ctx, itemID)
}

// RemoveFromQueue takes a ticket out of its queue: the active item is
// deleted and the ticket's queue fields are cleared. Idempotent; a
// ticket that is not enqueued returns false.
func (d *Dispatcher) RemoveFromQueue(ctx context.Context, ticketID string) (bool, error) {
	t, err := d.store.GetTicket(ctx, ticketID)
	if err != nil {
		return false, err
	}
	if !t.Enqueued() {
		return false, nil
	}

	removed := false
	active, err := d.store.ActiveItem(ctx, t.QueueID, ItemTypeTicket, ticketID)
	if err != nil {
		return false, err
	}
	if active != nil {
		if removed, err = d.store.DeleteItem(ctx, active.ID); err != nil {
			return false, err
		}
	}
	if err := d.store.SetTicketQueueFields(ctx, ticketID, nil); err != nil {
		return false, err
	}
	return removed, nil
}

// Requeue creates a fresh queued item for the target of a terminal item.
// Deliberately a new item rather than a backward transition, so every
// attempt stays on record. Requeueing a still-active item is a
// ConflictError.
func (d *Dispatcher) Requeue(ctx context.Context, itemID string, priority Priority) (*QueueItem, error) {
	item, err := d.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.Status.Terminal() {
		return nil, Conflictf("item %s is still %s", itemID, item.Status)
	}
	if priority == 0 {
		priority = item.Priority
	}
	return d.AddItem(ctx, item.QueueID, item.ItemType, item.ItemID, priority)
}

// ListItems returns every item of the queue, active and terminal,
// newest first.
func (d *Dispatcher) ListItems(ctx context.Context, queueID string) ([]QueueItem, error) {
	if _, err := d.store.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}
	return d.store.ListItems(ctx, queueID)
}
