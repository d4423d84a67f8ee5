package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arctek/dispatch/scheduler"
)

// Store implements scheduler.Store using SQLite. Compound operations run
// inside a single transaction so callers never observe partial state.
type Store struct {
	db *DB
}

// NewStore creates a new SQLite-backed store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// milli converts a time to epoch milliseconds; zero times become NULL.
func milli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMilli(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Ticket Operations ---

const ticketColumns = `id, project_id, title, description, status, priority,
	queue_id, queue_position, queue_status, queue_priority,
	queued_at, queue_started_at, queue_completed_at,
	queue_agent_id, queue_error_message, created_at, updated_at`

// CreateTicket inserts a new ticket.
func (s *Store) CreateTicket(ctx context.Context, t *scheduler.Ticket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority,
		nullString(t.QueueID), t.QueuePosition, nullString(string(t.QueueStatus)), int(t.QueuePriority),
		milli(t.QueuedAt), milli(t.QueueStartedAt), milli(t.QueueCompletedAt),
		nullString(t.QueueAgentID), nullString(t.QueueErrorMessage),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create ticket %s: %w", t.ID, err)
	}
	return nil
}

// GetTicket retrieves a ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (*scheduler.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &scheduler.NotFoundError{Entity: "ticket", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket %s: %w", id, err)
	}
	return t, nil
}

// ListTicketsByProject retrieves all tickets of a project, most urgent
// first.
func (s *Store) ListTicketsByProject(ctx context.Context, projectID string) ([]scheduler.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE project_id = ? ORDER BY priority, created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var tickets []scheduler.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// UpdateTicket applies a partial update and returns the updated ticket.
func (s *Store) UpdateTicket(ctx context.Context, id string, upd scheduler.TicketUpdate) (*scheduler.Ticket, error) {
	t, err := s.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Priority != nil {
		t.Priority = *upd.Priority
	}
	t.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		UPDATE tickets SET title = ?, description = ?, status = ?, priority = ?, updated_at = ?
		WHERE id = ?
	`, t.Title, t.Description, t.Status, t.Priority, t.UpdatedAt.UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update ticket %s: %w", id, err)
	}
	return t, nil
}

// SetTicketQueueFields stamps or clears a ticket's queue linkage. A nil
// linkage clears every queue field so the ticket is fully dequeued.
func (s *Store) SetTicketQueueFields(ctx context.Context, id string, linkage *scheduler.TicketQueueLinkage) error {
	now := time.Now().UnixMilli()
	var err error
	if linkage == nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE tickets SET
				queue_id = NULL, queue_position = NULL, queue_status = NULL,
				queue_priority = NULL, queued_at = NULL, queue_started_at = NULL,
				queue_completed_at = NULL, queue_agent_id = NULL,
				queue_error_message = NULL, updated_at = ?
			WHERE id = ?
		`, now, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE tickets SET
				queue_id = ?, queue_position = ?, queue_status = ?, queue_priority = ?,
				queued_at = ?, queue_started_at = NULL, queue_completed_at = NULL,
				queue_agent_id = NULL, queue_error_message = NULL, updated_at = ?
			WHERE id = ?
		`, linkage.QueueID, linkage.Position, linkage.Status, int(linkage.Priority),
			linkage.QueuedAt.UnixMilli(), now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set queue fields on ticket %s: %w", id, err)
	}
	return nil
}

// DeleteTicket removes a ticket, its tasks, and every queue item
// referencing the ticket or one of its tasks.
func (s *Store) DeleteTicket(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of ticket %s: %w", id, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE (item_type = 'ticket' AND item_id = ?)
		   OR (item_type = 'task' AND item_id IN (SELECT id FROM tasks WHERE ticket_id = ?))
	`, id, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue items for ticket %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete ticket %s: %w", id, err)
	}
	return tx.Commit()
}

func scanTicket(row rowScanner) (*scheduler.Ticket, error) {
	var t scheduler.Ticket
	var description, queueID, queueStatus, queueAgentID, queueErrorMessage sql.NullString
	var queuePosition, queuePriority sql.NullInt64
	var queuedAt, startedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &t.Priority,
		&queueID, &queuePosition, &queueStatus, &queuePriority,
		&queuedAt, &startedAt, &completedAt,
		&queueAgentID, &queueErrorMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	t.QueueID = queueID.String
	t.QueuePosition = int(queuePosition.Int64)
	t.QueueStatus = scheduler.ItemStatus(queueStatus.String)
	t.QueuePriority = scheduler.Priority(queuePriority.Int64)
	t.QueuedAt = fromMilli(queuedAt)
	t.QueueStartedAt = fromMilli(startedAt)
	t.QueueCompletedAt = fromMilli(completedAt)
	t.QueueAgentID = queueAgentID.String
	t.QueueErrorMessage = queueErrorMessage.String
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

// --- Task Operations ---

const taskColumns = `id, ticket_id, content, status, order_index, dependencies,
	estimated_hours, agent_id, created_at, updated_at`

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, t *scheduler.Task) error {
	deps, _ := json.Marshal(depsOrEmpty(t.Dependencies))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.TicketID, t.Content, t.Status, t.OrderIndex, string(deps),
		t.EstimatedHours, nullString(t.AgentID),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &scheduler.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks retrieves a ticket's tasks ordered by order index.
func (s *Store) ListTasks(ctx context.Context, ticketID string) ([]scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE ticket_id = ? ORDER BY order_index
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks for ticket %s: %w", ticketID, err)
	}
	defer rows.Close()

	var tasks []scheduler.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CountTasks returns the number of tasks under a ticket.
func (s *Store) CountTasks(ctx context.Context, ticketID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE ticket_id = ?`, ticketID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks for ticket %s: %w", ticketID, err)
	}
	return count, nil
}

// UpdateTask applies a partial update and returns the updated task.
func (s *Store) UpdateTask(ctx context.Context, id string, upd scheduler.TaskUpdate) (*scheduler.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Content != nil {
		t.Content = *upd.Content
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Dependencies != nil {
		t.Dependencies = *upd.Dependencies
	}
	if upd.EstimatedHours != nil {
		t.EstimatedHours = *upd.EstimatedHours
	}
	if upd.AgentID != nil {
		t.AgentID = *upd.AgentID
	}
	t.UpdatedAt = time.Now()

	deps, _ := json.Marshal(depsOrEmpty(t.Dependencies))
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET content = ?, status = ?, dependencies = ?,
			estimated_hours = ?, agent_id = ?, updated_at = ?
		WHERE id = ?
	`, t.Content, t.Status, string(deps), t.EstimatedHours, nullString(t.AgentID),
		t.UpdatedAt.UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return t, nil
}

// DeleteTask removes a task, compacts the remaining order indexes to
// 0..n-1, and scrubs the id from sibling dependency sets, all in one
// transaction.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of task %s: %w", id, err)
	}
	defer tx.Rollback()

	var ticketID string
	err = tx.QueryRowContext(ctx, `SELECT ticket_id FROM tasks WHERE id = ?`, id).Scan(&ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return &scheduler.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to look up task %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE item_type = 'task' AND item_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue items for task %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	now := time.Now().UnixMilli()

	// Scrub the deleted id from sibling dependency sets.
	rows, err := tx.QueryContext(ctx, `SELECT id, dependencies FROM tasks WHERE ticket_id = ?`, ticketID)
	if err != nil {
		return fmt.Errorf("failed to query sibling tasks of %s: %w", id, err)
	}
	type depFix struct {
		id   string
		deps []string
	}
	var fixes []depFix
	for rows.Next() {
		var sibID, rawDeps string
		if err := rows.Scan(&sibID, &rawDeps); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan sibling task: %w", err)
		}
		var deps []string
		_ = json.Unmarshal([]byte(rawDeps), &deps)
		filtered := deps[:0]
		changed := false
		for _, d := range deps {
			if d == id {
				changed = true
				continue
			}
			filtered = append(filtered, d)
		}
		if changed {
			fixes = append(fixes, depFix{id: sibID, deps: append([]string{}, filtered...)})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read sibling tasks: %w", err)
	}
	for _, fix := range fixes {
		deps, _ := json.Marshal(depsOrEmpty(fix.deps))
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET dependencies = ?, updated_at = ? WHERE id = ?`,
			string(deps), now, fix.id); err != nil {
			return fmt.Errorf("failed to scrub dependency %s: %w", id, err)
		}
	}

	// Close the order gap.
	idRows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE ticket_id = ? ORDER BY order_index`, ticketID)
	if err != nil {
		return fmt.Errorf("failed to query remaining tasks: %w", err)
	}
	var remaining []string
	for idRows.Next() {
		var sibID string
		if err := idRows.Scan(&sibID); err != nil {
			idRows.Close()
			return fmt.Errorf("failed to scan remaining task: %w", err)
		}
		remaining = append(remaining, sibID)
	}
	idRows.Close()
	if err := idRows.Err(); err != nil {
		return fmt.Errorf("failed to read remaining tasks: %w", err)
	}
	for i, sibID := range remaining {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET order_index = ? WHERE id = ?`, i, sibID); err != nil {
			return fmt.Errorf("failed to compact order index: %w", err)
		}
	}

	return tx.Commit()
}

// ReorderTasks applies a batch of order index assignments atomically.
func (s *Store) ReorderTasks(ctx context.Context, ticketID string, positions []scheduler.TaskPosition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reorder for ticket %s: %w", ticketID, err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, p := range positions {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET order_index = ?, updated_at = ? WHERE id = ? AND ticket_id = ?
		`, p.Index, now, p.TaskID, ticketID)
		if err != nil {
			return fmt.Errorf("failed to reorder task %s: %w", p.TaskID, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return &scheduler.NotFoundError{Entity: "task", ID: p.TaskID}
		}
	}
	return tx.Commit()
}

// ShiftAndPlaceTask moves a task to a new index, shifting the tasks in
// between by one so the order stays dense. Shift and placement commit
// together.
func (s *Store) ShiftAndPlaceTask(ctx context.Context, ticketID, taskID string, index int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin move of task %s: %w", taskID, err)
	}
	defer tx.Rollback()

	var oldIndex int
	err = tx.QueryRowContext(ctx, `
		SELECT order_index FROM tasks WHERE id = ? AND ticket_id = ?
	`, taskID, ticketID).Scan(&oldIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return &scheduler.NotFoundError{Entity: "task", ID: taskID}
	}
	if err != nil {
		return fmt.Errorf("failed to look up task %s: %w", taskID, err)
	}
	if oldIndex == index {
		return tx.Commit()
	}

	now := time.Now().UnixMilli()
	if index > oldIndex {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET order_index = order_index - 1, updated_at = ?
			WHERE ticket_id = ? AND order_index > ? AND order_index <= ?
		`, now, ticketID, oldIndex, index)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET order_index = order_index + 1, updated_at = ?
			WHERE ticket_id = ? AND order_index >= ? AND order_index < ?
		`, now, ticketID, index, oldIndex)
	}
	if err != nil {
		return fmt.Errorf("failed to shift tasks for ticket %s: %w", ticketID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET order_index = ?, updated_at = ? WHERE id = ?
	`, index, now, taskID); err != nil {
		return fmt.Errorf("failed to place task %s: %w", taskID, err)
	}
	return tx.Commit()
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	var t scheduler.Task
	var rawDeps string
	var estimatedHours sql.NullFloat64
	var agentID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&t.ID, &t.TicketID, &t.Content, &t.Status, &t.OrderIndex, &rawDeps,
		&estimatedHours, &agentID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(rawDeps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies of task %s: %w", t.ID, err)
	}
	t.EstimatedHours = estimatedHours.Float64
	t.AgentID = agentID.String
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

// --- Queue Operations ---

const queueColumns = `id, project_id, name, description, is_active, max_parallel_items,
	created_at, updated_at`

// CreateQueue inserts a new queue. A duplicate (project, name) pair is a
// ConflictError.
func (s *Store) CreateQueue(ctx context.Context, q *scheduler.Queue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queues (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		q.ID, q.ProjectID, q.Name, q.Description, q.IsActive, q.MaxParallelItems,
		q.CreatedAt.UnixMilli(), q.UpdatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return scheduler.Conflictf("queue %q already exists in project %s", q.Name, q.ProjectID)
	}
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", q.ID, err)
	}
	return nil
}

// GetQueue retrieves a queue by ID.
func (s *Store) GetQueue(ctx context.Context, id string) (*scheduler.Queue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = ?`, id)
	q, err := scanQueue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &scheduler.NotFoundError{Entity: "queue", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue %s: %w", id, err)
	}
	return q, nil
}

// GetQueueByName retrieves a queue by its project-scoped name, or nil
// when no such queue exists.
func (s *Store) GetQueueByName(ctx context.Context, projectID, name string) (*scheduler.Queue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM queues WHERE project_id = ? AND name = ?
	`, projectID, name)
	q, err := scanQueue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue %q in project %s: %w", name, projectID, err)
	}
	return q, nil
}

// ListQueues retrieves all queues of a project ordered by name.
func (s *Store) ListQueues(ctx context.Context, projectID string) ([]scheduler.Queue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queues WHERE project_id = ? ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query queues for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var queues []scheduler.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		queues = append(queues, *q)
	}
	return queues, rows.Err()
}

// UpdateQueue applies a partial update and returns the updated queue.
func (s *Store) UpdateQueue(ctx context.Context, id string, upd scheduler.QueueUpdate) (*scheduler.Queue, error) {
	q, err := s.GetQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		q.Name = *upd.Name
	}
	if upd.Description != nil {
		q.Description = *upd.Description
	}
	if upd.IsActive != nil {
		q.IsActive = *upd.IsActive
	}
	if upd.MaxParallelItems != nil {
		q.MaxParallelItems = *upd.MaxParallelItems
	}
	q.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		UPDATE queues SET name = ?, description = ?, is_active = ?, max_parallel_items = ?, updated_at = ?
		WHERE id = ?
	`, q.Name, q.Description, q.IsActive, q.MaxParallelItems, q.UpdatedAt.UnixMilli(), id)
	if isUniqueViolation(err) {
		return nil, scheduler.Conflictf("queue %q already exists in project %s", q.Name, q.ProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update queue %s: %w", id, err)
	}
	return q, nil
}

// DeleteQueue removes the queue and its items and clears the queue
// linkage of every ticket enqueued in it.
func (s *Store) DeleteQueue(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of queue %s: %w", id, err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET
			queue_id = NULL, queue_position = NULL, queue_status = NULL,
			queue_priority = NULL, queued_at = NULL, queue_started_at = NULL,
			queue_completed_at = NULL, queue_agent_id = NULL,
			queue_error_message = NULL, updated_at = ?
		WHERE queue_id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("failed to clear ticket linkage for queue %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE queue_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete items of queue %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queues WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue %s: %w", id, err)
	}
	return tx.Commit()
}

func scanQueue(row rowScanner) (*scheduler.Queue, error) {
	var q scheduler.Queue
	var description sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&q.ID, &q.ProjectID, &q.Name, &description, &q.IsActive, &q.MaxParallelItems,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	q.Description = description.String
	q.CreatedAt = time.UnixMilli(createdAt)
	q.UpdatedAt = time.UnixMilli(updatedAt)
	return &q, nil
}

// --- Queue Item Operations ---

const itemColumns = `id, queue_id, item_type, item_id, priority, status,
	agent_id, error_message, started_at, completed_at, created_at, updated_at`

// CreateItem inserts a new queue item. A second active item for the same
// target is a ConflictError (enforced by a partial unique index).
func (s *Store) CreateItem(ctx context.Context, item *scheduler.QueueItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.QueueID, item.ItemType, item.ItemID, int(item.Priority), item.Status,
		nullString(item.AgentID), nullString(item.ErrorMessage),
		milli(item.StartedAt), milli(item.CompletedAt),
		item.CreatedAt.UnixMilli(), item.UpdatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return scheduler.Conflictf("%s %s already has an active item in queue %s",
			item.ItemType, item.ItemID, item.QueueID)
	}
	if err != nil {
		return fmt.Errorf("failed to create queue item %s: %w", item.ID, err)
	}
	return nil
}

// GetItem retrieves a queue item by ID.
func (s *Store) GetItem(ctx context.Context, id string) (*scheduler.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &scheduler.NotFoundError{Entity: "queue item", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %s: %w", id, err)
	}
	return item, nil
}

// ListItems retrieves every item of a queue, newest first.
func (s *Store) ListItems(ctx context.Context, queueID string) ([]scheduler.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM queue_items WHERE queue_id = ? ORDER BY created_at DESC
	`, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items for queue %s: %w", queueID, err)
	}
	defer rows.Close()

	var items []scheduler.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ActiveItem returns the queued or in_progress item for the target, or
// nil when none exists.
func (s *Store) ActiveItem(ctx context.Context, queueID string, itemType scheduler.ItemType, itemID string) (*scheduler.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE queue_id = ? AND item_type = ? AND item_id = ?
		  AND status IN ('queued', 'in_progress')
	`, queueID, itemType, itemID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active item for %s %s: %w", itemType, itemID, err)
	}
	return item, nil
}

// NextQueuedItem returns the most urgent queued item (lowest priority
// value, oldest first), or nil when the queue holds none.
func (s *Store) NextQueuedItem(ctx context.Context, queueID string) (*scheduler.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE queue_id = ? AND status = 'queued'
		ORDER BY priority, created_at LIMIT 1
	`, queueID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next item for queue %s: %w", queueID, err)
	}
	return item, nil
}

// CountItemsByStatus counts a queue's items in one status.
func (s *Store) CountItemsByStatus(ctx context.Context, queueID string, status scheduler.ItemStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items WHERE queue_id = ? AND status = ?
	`, queueID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s items for queue %s: %w", status, queueID, err)
	}
	return count, nil
}

// CountsByItemStatus returns a queue's item counts grouped by status.
func (s *Store) CountsByItemStatus(ctx context.Context, queueID string) (map[scheduler.ItemStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_items WHERE queue_id = ? GROUP BY status
	`, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to count items for queue %s: %w", queueID, err)
	}
	defer rows.Close()

	counts := make(map[scheduler.ItemStatus]int)
	for rows.Next() {
		var status scheduler.ItemStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan item count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ClaimNextItem selects the next queued item and marks it in_progress in
// one transaction, honoring the queue's active flag and parallelism
// limit. The claim itself is a conditional update, so two concurrent
// claimers never receive the same item.
func (s *Store) ClaimNextItem(ctx context.Context, queueID, agentID string) (*scheduler.QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim on queue %s: %w", queueID, err)
	}
	defer tx.Rollback()

	var isActive bool
	var limit int
	err = tx.QueryRowContext(ctx, `
		SELECT is_active, max_parallel_items FROM queues WHERE id = ?
	`, queueID).Scan(&isActive, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &scheduler.NotFoundError{Entity: "queue", ID: queueID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up queue %s: %w", queueID, err)
	}
	if !isActive {
		return nil, nil
	}

	var inProgress int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items WHERE queue_id = ? AND status = 'in_progress'
	`, queueID).Scan(&inProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to count in-progress items for queue %s: %w", queueID, err)
	}
	if inProgress >= limit {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE queue_id = ? AND status = 'queued'
		ORDER BY priority, created_at LIMIT 1
	`, queueID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable item for queue %s: %w", queueID, err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE queue_items SET status = 'in_progress', agent_id = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`, agentID, now.UnixMilli(), now.UnixMilli(), item.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim item %s: %w", item.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, nil
	}

	if item.ItemType == scheduler.ItemTypeTicket {
		_, err = tx.ExecContext(ctx, `
			UPDATE tickets SET queue_status = 'in_progress', queue_started_at = ?,
				queue_agent_id = ?, updated_at = ?
			WHERE id = ? AND queue_id = ?
		`, now.UnixMilli(), agentID, now.UnixMilli(), item.ItemID, item.QueueID)
		if err != nil {
			return nil, fmt.Errorf("failed to mirror claim onto ticket %s: %w", item.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim of item %s: %w", item.ID, err)
	}

	item.Status = scheduler.ItemInProgress
	item.AgentID = agentID
	item.StartedAt = now
	item.UpdatedAt = now
	return item, nil
}

// TransitionItem conditionally moves an item from one status to another.
// It reports whether a row was affected; a ticket target mirrors the
// change in the same transaction.
func (s *Store) TransitionItem(ctx context.Context, id string, from, to scheduler.ItemStatus, agentID, errorMessage string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transition of item %s: %w", id, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &scheduler.NotFoundError{Entity: "queue item", ID: id}
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up queue item %s: %w", id, err)
	}

	now := time.Now().UnixMilli()
	set := "status = ?, updated_at = ?"
	args := []any{to, now}
	if agentID != "" {
		set += ", agent_id = ?"
		args = append(args, agentID)
	}
	if errorMessage != "" {
		set += ", error_message = ?"
		args = append(args, errorMessage)
	}
	if to == scheduler.ItemInProgress {
		set += ", started_at = ?"
		args = append(args, now)
	}
	if to.Terminal() {
		set += ", completed_at = ?"
		args = append(args, now)
	}
	args = append(args, id, from)

	res, err := tx.ExecContext(ctx, `UPDATE queue_items SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition item %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, tx.Commit()
	}

	if item.ItemType == scheduler.ItemTypeTicket {
		tset := "queue_status = ?, updated_at = ?"
		targs := []any{to, now}
		if agentID != "" {
			tset += ", queue_agent_id = ?"
			targs = append(targs, agentID)
		}
		if errorMessage != "" {
			tset += ", queue_error_message = ?"
			targs = append(targs, errorMessage)
		}
		if to == scheduler.ItemInProgress {
			tset += ", queue_started_at = ?"
			targs = append(targs, now)
		}
		if to.Terminal() {
			tset += ", queue_completed_at = ?"
			targs = append(targs, now)
		}
		targs = append(targs, item.ItemID, item.QueueID)
		if _, err := tx.ExecContext(ctx, `UPDATE tickets SET `+tset+` WHERE id = ? AND queue_id = ?`, targs...); err != nil {
			return false, fmt.Errorf("failed to mirror transition onto ticket %s: %w", item.ItemID, err)
		}
	}

	return true, tx.Commit()
}

// DeleteItem removes a queue item, reporting whether it existed. The
// ticket linkage of a ticket target is cleared in the same transaction
// when the removed item was the active one.
func (s *Store) DeleteItem(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin delete of item %s: %w", id, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up queue item %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("failed to delete queue item %s: %w", id, err)
	}

	if item.ItemType == scheduler.ItemTypeTicket && item.Status.Active() {
		now := time.Now().UnixMilli()
		_, err = tx.ExecContext(ctx, `
			UPDATE tickets SET
				queue_id = NULL, queue_position = NULL, queue_status = NULL,
				queue_priority = NULL, queued_at = NULL, queue_started_at = NULL,
				queue_completed_at = NULL, queue_agent_id = NULL,
				queue_error_message = NULL, updated_at = ?
			WHERE id = ? AND queue_id = ?
		`, now, item.ItemID, item.QueueID)
		if err != nil {
			return false, fmt.Errorf("failed to clear linkage of ticket %s: %w", item.ItemID, err)
		}
	}

	return true, tx.Commit()
}

func scanItem(row rowScanner) (*scheduler.QueueItem, error) {
	var item scheduler.QueueItem
	var agentID, errorMessage sql.NullString
	var startedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&item.ID, &item.QueueID, &item.ItemType, &item.ItemID, &item.Priority, &item.Status,
		&agentID, &errorMessage, &startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.AgentID = agentID.String
	item.ErrorMessage = errorMessage.String
	item.StartedAt = fromMilli(startedAt)
	item.CompletedAt = fromMilli(completedAt)
	item.CreatedAt = time.UnixMilli(createdAt)
	item.UpdatedAt = time.UnixMilli(updatedAt)
	return &item, nil
}

// --- Stats Sources ---

// TicketCountsByStatus returns a project's ticket counts grouped by
// status.
func (s *Store) TicketCountsByStatus(ctx context.Context, projectID string) (map[scheduler.TicketStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tickets WHERE project_id = ? GROUP BY status
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tickets for project %s: %w", projectID, err)
	}
	defer rows.Close()

	counts := make(map[scheduler.TicketStatus]int)
	for rows.Next() {
		var status scheduler.TicketStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan ticket count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// CountEnqueuedTickets counts a project's tickets that currently sit in
// a queue.
func (s *Store) CountEnqueuedTickets(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tickets WHERE project_id = ? AND queue_id IS NOT NULL
	`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count enqueued tickets for project %s: %w", projectID, err)
	}
	return count, nil
}

// depsOrEmpty keeps a nil dependency slice from serializing as JSON null.
func depsOrEmpty(deps []string) []string {
	if deps == nil {
		return []string{}
	}
	return deps
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
