package scheduler

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for tests. Compound operations hold the
// mutex for their whole duration, which gives them the same atomicity the
// SQLite store gets from transactions.
type memStore struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	tasks   map[string]*Task
	queues  map[string]*Queue
	items   map[string]*QueueItem
	seq     int64
	itemSeq map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		tickets: map[string]*Ticket{},
		tasks:   map[string]*Task{},
		queues:  map[string]*Queue{},
		items:   map[string]*QueueItem{},
		itemSeq: map[string]int64{},
	}
}

// --- Tickets ---

func (m *memStore) CreateTicket(ctx context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tickets[t.ID] = &cp
	return nil
}

func (m *memStore) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getTicketLocked(id)
}

func (m *memStore) getTicketLocked(id string) (*Ticket, error) {
	t, ok := m.tickets[id]
	if !ok {
		return nil, &NotFoundError{Entity: "ticket", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListTicketsByProject(ctx context.Context, projectID string) ([]Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Ticket
	for _, t := range m.tickets {
		if t.ProjectID == projectID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateTicket(ctx context.Context, id string, upd TicketUpdate) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, &NotFoundError{Entity: "ticket", ID: id}
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
	cp := *t
	return &cp, nil
}

func (m *memStore) SetTicketQueueFields(ctx context.Context, id string, linkage *TicketQueueLinkage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setTicketQueueFieldsLocked(id, linkage)
}

func (m *memStore) setTicketQueueFieldsLocked(id string, linkage *TicketQueueLinkage) error {
	t, ok := m.tickets[id]
	if !ok {
		return &NotFoundError{Entity: "ticket", ID: id}
	}
	if linkage == nil {
		t.QueueID = ""
		t.QueuePosition = 0
		t.QueueStatus = ""
		t.QueuePriority = 0
		t.QueuedAt = time.Time{}
		t.QueueStartedAt = time.Time{}
		t.QueueCompletedAt = time.Time{}
		t.QueueAgentID = ""
		t.QueueErrorMessage = ""
	} else {
		t.QueueID = linkage.QueueID
		t.QueuePosition = linkage.Position
		t.QueueStatus = linkage.Status
		t.QueuePriority = linkage.Priority
		t.QueuedAt = linkage.QueuedAt
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) DeleteTicket(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[id]; !ok {
		return &NotFoundError{Entity: "ticket", ID: id}
	}
	for itemID, item := range m.items {
		if item.ItemType == ItemTypeTicket && item.ItemID == id {
			delete(m.items, itemID)
		}
	}
	for taskID, task := range m.tasks {
		if task.TicketID != id {
			continue
		}
		for itemID, item := range m.items {
			if item.ItemType == ItemTypeTask && item.ItemID == taskID {
				delete(m.items, itemID)
			}
		}
		delete(m.tasks, taskID)
	}
	delete(m.tickets, id)
	return nil
}

// --- Tasks ---

func (m *memStore) CreateTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.Dependencies = slices.Clone(t.Dependencies)
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &NotFoundError{Entity: "task", ID: id}
	}
	cp := *t
	cp.Dependencies = slices.Clone(t.Dependencies)
	return &cp, nil
}

func (m *memStore) ListTasks(ctx context.Context, ticketID string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listTasksLocked(ticketID), nil
}

func (m *memStore) listTasksLocked(ticketID string) []Task {
	var out []Task
	for _, t := range m.tasks {
		if t.TicketID == ticketID {
			cp := *t
			cp.Dependencies = slices.Clone(t.Dependencies)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

func (m *memStore) UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &NotFoundError{Entity: "task", ID: id}
	}
	if upd.Content != nil {
		t.Content = *upd.Content
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Dependencies != nil {
		t.Dependencies = slices.Clone(*upd.Dependencies)
	}
	if upd.EstimatedHours != nil {
		t.EstimatedHours = *upd.EstimatedHours
	}
	if upd.AgentID != nil {
		t.AgentID = *upd.AgentID
	}
	t.UpdatedAt = time.Now()
	cp := *t
	cp.Dependencies = slices.Clone(t.Dependencies)
	return &cp, nil
}

func (m *memStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	victim, ok := m.tasks[id]
	if !ok {
		return &NotFoundError{Entity: "task", ID: id}
	}
	for itemID, item := range m.items {
		if item.ItemType == ItemTypeTask && item.ItemID == id {
			delete(m.items, itemID)
		}
	}
	delete(m.tasks, id)

	remaining := m.listTasksLocked(victim.TicketID)
	for i, t := range remaining {
		stored := m.tasks[t.ID]
		stored.OrderIndex = i
		if idx := slices.Index(stored.Dependencies, id); idx >= 0 {
			stored.Dependencies = slices.Delete(stored.Dependencies, idx, idx+1)
		}
	}
	return nil
}

func (m *memStore) CountTasks(ctx context.Context, ticketID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listTasksLocked(ticketID)), nil
}

func (m *memStore) ReorderTasks(ctx context.Context, ticketID string, positions []TaskPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		t, ok := m.tasks[p.TaskID]
		if !ok || t.TicketID != ticketID {
			return &NotFoundError{Entity: "task", ID: p.TaskID}
		}
	}
	for _, p := range positions {
		m.tasks[p.TaskID].OrderIndex = p.Index
	}
	return nil
}

func (m *memStore) ShiftAndPlaceTask(ctx context.Context, ticketID, taskID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved, ok := m.tasks[taskID]
	if !ok {
		return &NotFoundError{Entity: "task", ID: taskID}
	}
	old := moved.OrderIndex
	for _, t := range m.tasks {
		if t.TicketID != ticketID || t.ID == taskID {
			continue
		}
		if old < index && t.OrderIndex > old && t.OrderIndex <= index {
			t.OrderIndex--
		} else if old > index && t.OrderIndex >= index && t.OrderIndex < old {
			t.OrderIndex++
		}
	}
	moved.OrderIndex = index
	return nil
}

// --- Queues ---

func (m *memStore) CreateQueue(ctx context.Context, q *Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *q
	m.queues[q.ID] = &cp
	return nil
}

func (m *memStore) GetQueue(ctx context.Context, id string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok {
		return nil, &NotFoundError{Entity: "queue", ID: id}
	}
	cp := *q
	return &cp, nil
}

func (m *memStore) GetQueueByName(ctx context.Context, projectID, name string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		if q.ProjectID == projectID && q.Name == name {
			cp := *q
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListQueues(ctx context.Context, projectID string) ([]Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Queue
	for _, q := range m.queues {
		if q.ProjectID == projectID {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) UpdateQueue(ctx context.Context, id string, upd QueueUpdate) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok {
		return nil, &NotFoundError{Entity: "queue", ID: id}
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
	cp := *q
	return &cp, nil
}

func (m *memStore) DeleteQueue(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[id]; !ok {
		return &NotFoundError{Entity: "queue", ID: id}
	}
	for itemID, item := range m.items {
		if item.QueueID == id {
			delete(m.items, itemID)
		}
	}
	for _, t := range m.tickets {
		if t.QueueID == id {
			m.setTicketQueueFieldsLocked(t.ID, nil)
		}
	}
	delete(m.queues, id)
	return nil
}

// --- Queue items ---

func (m *memStore) CreateItem(ctx context.Context, item *QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	m.items[item.ID] = &cp
	m.seq++
	m.itemSeq[item.ID] = m.seq
	return nil
}

func (m *memStore) GetItem(ctx context.Context, id string) (*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, &NotFoundError{Entity: "queue item", ID: id}
	}
	cp := *item
	return &cp, nil
}

func (m *memStore) ListItems(ctx context.Context, queueID string) ([]QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QueueItem
	for _, item := range m.items {
		if item.QueueID == queueID {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.itemSeq[out[i].ID] > m.itemSeq[out[j].ID]
	})
	return out, nil
}

func (m *memStore) ActiveItem(ctx context.Context, queueID string, itemType ItemType, itemID string) (*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.QueueID == queueID && item.ItemType == itemType && item.ItemID == itemID && item.Status.Active() {
			cp := *item
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) NextQueuedItem(ctx context.Context, queueID string) (*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.nextQueuedLocked(queueID)
	if next == nil {
		return nil, nil
	}
	cp := *next
	return &cp, nil
}

func (m *memStore) nextQueuedLocked(queueID string) *QueueItem {
	var next *QueueItem
	for _, item := range m.items {
		if item.QueueID != queueID || item.Status != ItemQueued {
			continue
		}
		if next == nil ||
			item.Priority < next.Priority ||
			(item.Priority == next.Priority && m.itemSeq[item.ID] < m.itemSeq[next.ID]) {
			next = item
		}
	}
	return next
}

func (m *memStore) CountItemsByStatus(ctx context.Context, queueID string, status ItemStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countByStatusLocked(queueID, status), nil
}

func (m *memStore) countByStatusLocked(queueID string, status ItemStatus) int {
	n := 0
	for _, item := range m.items {
		if item.QueueID == queueID && item.Status == status {
			n++
		}
	}
	return n
}

func (m *memStore) CountsByItemStatus(ctx context.Context, queueID string) (map[ItemStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[ItemStatus]int{}
	for _, item := range m.items {
		if item.QueueID == queueID {
			counts[item.Status]++
		}
	}
	return counts, nil
}

func (m *memStore) ClaimNextItem(ctx context.Context, queueID, agentID string) (*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueID]
	if !ok {
		return nil, &NotFoundError{Entity: "queue", ID: queueID}
	}
	if !q.IsActive {
		return nil, nil
	}
	if m.countByStatusLocked(queueID, ItemInProgress) >= q.MaxParallelItems {
		return nil, nil
	}
	next := m.nextQueuedLocked(queueID)
	if next == nil {
		return nil, nil
	}

	now := time.Now()
	next.Status = ItemInProgress
	next.AgentID = agentID
	next.StartedAt = now
	next.UpdatedAt = now
	m.mirrorTicketLocked(next)
	cp := *next
	return &cp, nil
}

func (m *memStore) TransitionItem(ctx context.Context, id string, from, to ItemStatus, agentID, errorMessage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return false, &NotFoundError{Entity: "queue item", ID: id}
	}
	if item.Status != from {
		return false, nil
	}

	now := time.Now()
	item.Status = to
	if agentID != "" {
		item.AgentID = agentID
	}
	if errorMessage != "" {
		item.ErrorMessage = errorMessage
	}
	if to == ItemInProgress {
		item.StartedAt = now
	}
	if to.Terminal() {
		item.CompletedAt = now
	}
	item.UpdatedAt = now
	m.mirrorTicketLocked(item)
	return true, nil
}

// mirrorTicketLocked copies a ticket item's live state onto the ticket's
// queue fields.
func (m *memStore) mirrorTicketLocked(item *QueueItem) {
	if item.ItemType != ItemTypeTicket {
		return
	}
	t, ok := m.tickets[item.ItemID]
	if !ok || t.QueueID != item.QueueID {
		return
	}
	t.QueueStatus = item.Status
	t.QueueAgentID = item.AgentID
	t.QueueErrorMessage = item.ErrorMessage
	t.QueueStartedAt = item.StartedAt
	t.QueueCompletedAt = item.CompletedAt
	t.UpdatedAt = time.Now()
}

func (m *memStore) DeleteItem(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return false, nil
	}
	if item.ItemType == ItemTypeTicket && item.Status.Active() {
		if t, ok := m.tickets[item.ItemID]; ok && t.QueueID == item.QueueID {
			m.setTicketQueueFieldsLocked(t.ID, nil)
		}
	}
	delete(m.items, id)
	delete(m.itemSeq, id)
	return true, nil
}

// --- Stats sources ---

func (m *memStore) TicketCountsByStatus(ctx context.Context, projectID string) (map[TicketStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[TicketStatus]int{}
	for _, t := range m.tickets {
		if t.ProjectID == projectID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

func (m *memStore) CountEnqueuedTickets(ctx context.Context, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tickets {
		if t.ProjectID == projectID && t.QueueID != "" {
			n++
		}
	}
	return n, nil
}

var _ Store = (*memStore)(nil)
