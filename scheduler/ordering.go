package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OrderingManager owns the task lifecycle within a ticket and keeps the
// per-ticket order index dense: after any create, delete, reorder, or
// move, the indexes of a ticket's tasks are a permutation of 0..n-1.
type OrderingManager struct {
	store Store
}

// NewOrderingManager creates an ordering manager backed by the store.
func NewOrderingManager(store Store) *OrderingManager {
	return &OrderingManager{store: store}
}

// CreateTask creates a task under the ticket. When no order index is
// supplied the task is appended at the end; a supplied index must not
// collide with an existing one. Dependencies are validated for scope and
// cycles before anything is written.
func (m *OrderingManager) CreateTask(ctx context.Context, ticketID string, nt NewTask) (*Task, error) {
	if nt.Content == "" {
		return nil, Validationf("task content is required")
	}
	if _, err := m.store.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}

	existing, err := m.store.ListTasks(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := ValidateDependencies(existing, "", nt.Dependencies); err != nil {
		return nil, err
	}

	index := len(existing)
	if nt.OrderIndex != nil {
		index = *nt.OrderIndex
		if index < 0 || index > len(existing) {
			return nil, Validationf("order index %d out of range for ticket with %d tasks", index, len(existing))
		}
		for _, t := range existing {
			if t.OrderIndex == index {
				return nil, Validationf("order index %d already taken", index)
			}
		}
	}

	now := time.Now()
	task := &Task{
		ID:             uuid.New().String(),
		TicketID:       ticketID,
		Content:        nt.Content,
		Status:         TaskPending,
		OrderIndex:     index,
		Dependencies:   nt.Dependencies,
		EstimatedHours: nt.EstimatedHours,
		AgentID:        nt.AgentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask applies a partial update. Dependency changes are validated
// against the ticket's task set, and the transition to completed is
// gated on the task's dependencies having completed.
func (m *OrderingManager) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) (*Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if upd.Dependencies != nil {
		siblings, err := m.store.ListTasks(ctx, task.TicketID)
		if err != nil {
			return nil, err
		}
		if err := ValidateDependencies(siblings, taskID, *upd.Dependencies); err != nil {
			return nil, err
		}
	}

	if upd.Status != nil && *upd.Status == TaskCompleted && !task.Done() {
		resolver := NewResolver(m.store)
		ok, err := resolver.DependenciesCompleted(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, Validationf("task %s has incomplete dependencies", taskID)
		}
	}

	return m.store.UpdateTask(ctx, taskID, upd)
}

// DeleteTask removes the task. The store closes the order gap and
// scrubs the deleted id from sibling dependency sets in the same
// transaction.
func (m *OrderingManager) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := m.store.GetTask(ctx, taskID); err != nil {
		return err
	}
	return m.store.DeleteTask(ctx, taskID)
}

// Reorder applies a complete permutation of the ticket's tasks in a
// single transaction. The caller must supply exactly one position per
// task, with indexes forming 0..n-1.
func (m *OrderingManager) Reorder(ctx context.Context, ticketID string, positions []TaskPosition) error {
	tasks, err := m.store.ListTasks(ctx, ticketID)
	if err != nil {
		return err
	}
	if _, err := m.store.GetTicket(ctx, ticketID); err != nil {
		return err
	}
	if len(positions) != len(tasks) {
		return Validationf("reorder needs all %d tasks of the ticket, got %d", len(tasks), len(positions))
	}

	byID := tasksByID(tasks)
	seenTask := map[string]bool{}
	seenIndex := map[int]bool{}
	for _, p := range positions {
		if _, ok := byID[p.TaskID]; !ok {
			return Validationf("task %s does not belong to ticket %s", p.TaskID, ticketID)
		}
		if seenTask[p.TaskID] {
			return Validationf("task %s listed twice", p.TaskID)
		}
		seenTask[p.TaskID] = true
		if p.Index < 0 || p.Index >= len(tasks) {
			return Validationf("order index %d out of range", p.Index)
		}
		if seenIndex[p.Index] {
			return Validationf("order index %d assigned twice", p.Index)
		}
		seenIndex[p.Index] = true
	}

	return m.store.ReorderTasks(ctx, ticketID, positions)
}

// MoveToPosition moves one task to a new index, shifting the others to
// keep the order dense. An out-of-range index is clamped to the valid
// range rather than rejected. The shift and the placement commit
// together; no intermediate state is observable.
func (m *OrderingManager) MoveToPosition(ctx context.Context, taskID string, newIndex int) (*Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	count, err := m.store.CountTasks(ctx, task.TicketID)
	if err != nil {
		return nil, err
	}

	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > count-1 {
		newIndex = count - 1
	}
	if newIndex == task.OrderIndex {
		return task, nil
	}

	if err := m.store.ShiftAndPlaceTask(ctx, task.TicketID, taskID, newIndex); err != nil {
		return nil, err
	}
	return m.store.GetTask(ctx, taskID)
}
