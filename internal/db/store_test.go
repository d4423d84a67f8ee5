package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/dispatch/scheduler"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func makeTicket(t *testing.T, store *Store, projectID string) *scheduler.Ticket {
	t.Helper()
	now := time.Now()
	ticket := &scheduler.Ticket{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Title:     "Test ticket",
		Status:    scheduler.TicketOpen,
		Priority:  scheduler.PriorityMedium,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateTicket(context.Background(), ticket))
	return ticket
}

func makeTask(t *testing.T, store *Store, ticketID string, index int, deps ...string) *scheduler.Task {
	t.Helper()
	now := time.Now()
	task := &scheduler.Task{
		ID:           uuid.New().String(),
		TicketID:     ticketID,
		Content:      "Test task",
		Status:       scheduler.TaskPending,
		OrderIndex:   index,
		Dependencies: deps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func makeQueue(t *testing.T, store *Store, projectID, name string, limit int) *scheduler.Queue {
	t.Helper()
	now := time.Now()
	q := &scheduler.Queue{
		ID:               uuid.New().String(),
		ProjectID:        projectID,
		Name:             name,
		IsActive:         true,
		MaxParallelItems: limit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, store.CreateQueue(context.Background(), q))
	return q
}

func makeItem(t *testing.T, store *Store, queueID string, itemType scheduler.ItemType, itemID string, priority scheduler.Priority, createdAt time.Time) *scheduler.QueueItem {
	t.Helper()
	item := &scheduler.QueueItem{
		ID:        uuid.New().String(),
		QueueID:   queueID,
		ItemType:  itemType,
		ItemID:    itemID,
		Priority:  priority,
		Status:    scheduler.ItemQueued,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, store.CreateItem(context.Background(), item))
	return item
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	database, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, database.Close())

	// Reopening must not rerun migrations destructively.
	database, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, database.Close())
}

func TestTicketRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ticket := makeTicket(t, store, "proj-1")

	got, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.Title, got.Title)
	assert.Equal(t, scheduler.TicketOpen, got.Status)
	assert.False(t, got.Enqueued())
	assert.True(t, got.QueuedAt.IsZero())

	t.Run("PartialUpdate", func(t *testing.T) {
		title := "Renamed"
		status := scheduler.TicketInProgress
		updated, err := store.UpdateTicket(ctx, ticket.ID, scheduler.TicketUpdate{Title: &title, Status: &status})
		require.NoError(t, err)
		assert.Equal(t, "Renamed", updated.Title)
		assert.Equal(t, scheduler.TicketInProgress, updated.Status)
		assert.Equal(t, ticket.Priority, updated.Priority, "untouched field survives")
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.GetTicket(ctx, "missing")
		var nf *scheduler.NotFoundError
		require.ErrorAs(t, err, &nf)
	})

	t.Run("QueueLinkage", func(t *testing.T) {
		queue := makeQueue(t, store, "proj-1", "main", 1)
		queuedAt := time.Now()
		err := store.SetTicketQueueFields(ctx, ticket.ID, &scheduler.TicketQueueLinkage{
			QueueID:  queue.ID,
			Position: 2,
			Status:   scheduler.ItemQueued,
			Priority: scheduler.PriorityHigh,
			QueuedAt: queuedAt,
		})
		require.NoError(t, err)

		got, err := store.GetTicket(ctx, ticket.ID)
		require.NoError(t, err)
		assert.True(t, got.Enqueued())
		assert.Equal(t, queue.ID, got.QueueID)
		assert.Equal(t, 2, got.QueuePosition)
		assert.Equal(t, scheduler.ItemQueued, got.QueueStatus)
		assert.Equal(t, queuedAt.UnixMilli(), got.QueuedAt.UnixMilli())

		require.NoError(t, store.SetTicketQueueFields(ctx, ticket.ID, nil))
		got, err = store.GetTicket(ctx, ticket.ID)
		require.NoError(t, err)
		assert.False(t, got.Enqueued())
		assert.Equal(t, scheduler.ItemStatus(""), got.QueueStatus)
		assert.True(t, got.QueuedAt.IsZero())
	})
}

func TestDeleteTicketCascades(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ticket := makeTicket(t, store, "proj-1")
	task := makeTask(t, store, ticket.ID, 0)
	queue := makeQueue(t, store, "proj-1", "main", 1)
	makeItem(t, store, queue.ID, scheduler.ItemTypeTicket, ticket.ID, scheduler.PriorityMedium, time.Now())
	makeItem(t, store, queue.ID, scheduler.ItemTypeTask, task.ID, scheduler.PriorityMedium, time.Now())

	require.NoError(t, store.DeleteTicket(ctx, ticket.ID))

	var nf *scheduler.NotFoundError
	_, err := store.GetTicket(ctx, ticket.ID)
	require.ErrorAs(t, err, &nf)
	_, err = store.GetTask(ctx, task.ID)
	require.ErrorAs(t, err, &nf)

	items, err := store.ListItems(ctx, queue.ID)
	require.NoError(t, err)
	assert.Empty(t, items, "items referencing the ticket or its tasks are gone")
}

func TestDeleteTaskCompactsAndScrubs(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ticket := makeTicket(t, store, "proj-1")
	a := makeTask(t, store, ticket.ID, 0)
	b := makeTask(t, store, ticket.ID, 1, a.ID)
	c := makeTask(t, store, ticket.ID, 2, a.ID, b.ID)

	require.NoError(t, store.DeleteTask(ctx, b.ID))

	tasks, err := store.ListTasks(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, a.ID, tasks[0].ID)
	assert.Equal(t, 0, tasks[0].OrderIndex)
	assert.Equal(t, c.ID, tasks[1].ID)
	assert.Equal(t, 1, tasks[1].OrderIndex)
	assert.Equal(t, []string{a.ID}, tasks[1].Dependencies, "deleted id scrubbed from deps")

	err = store.DeleteTask(ctx, b.ID)
	var nf *scheduler.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestReorderTasksIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ticket := makeTicket(t, store, "proj-1")
	a := makeTask(t, store, ticket.ID, 0)
	b := makeTask(t, store, ticket.ID, 1)
	c := makeTask(t, store, ticket.ID, 2)

	err := store.ReorderTasks(ctx, ticket.ID, []scheduler.TaskPosition{
		{TaskID: c.ID, Index: 0},
		{TaskID: a.ID, Index: 1},
		{TaskID: b.ID, Index: 2},
	})
	require.NoError(t, err)

	tasks, err := store.ListTasks(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})

	t.Run("UnknownTaskRollsBackEverything", func(t *testing.T) {
		err := store.ReorderTasks(ctx, ticket.ID, []scheduler.TaskPosition{
			{TaskID: a.ID, Index: 0},
			{TaskID: "stranger", Index: 1},
		})
		var nf *scheduler.NotFoundError
		require.ErrorAs(t, err, &nf)

		tasks, err := store.ListTasks(ctx, ticket.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{c.ID, a.ID, b.ID}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID},
			"failed reorder leaves the previous order intact")
	})
}

func TestShiftAndPlaceTask(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ticket := makeTicket(t, store, "proj-1")
	a := makeTask(t, store, ticket.ID, 0)
	b := makeTask(t, store, ticket.ID, 1)
	c := makeTask(t, store, ticket.ID, 2)
	d := makeTask(t, store, ticket.ID, 3)

	order := func() []string {
		tasks, err := store.ListTasks(ctx, ticket.ID)
		require.NoError(t, err)
		ids := make([]string, len(tasks))
		for i, task := range tasks {
			require.Equal(t, i, task.OrderIndex)
			ids[i] = task.ID
		}
		return ids
	}

	require.NoError(t, store.ShiftAndPlaceTask(ctx, ticket.ID, a.ID, 2))
	assert.Equal(t, []string{b.ID, c.ID, a.ID, d.ID}, order())

	require.NoError(t, store.ShiftAndPlaceTask(ctx, ticket.ID, a.ID, 0))
	assert.Equal(t, []string{a.ID, b.ID, c.ID, d.ID}, order())
}

func TestQueueNameUniquePerProject(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	makeQueue(t, store, "proj-1", "main", 1)

	now := time.Now()
	err := store.CreateQueue(ctx, &scheduler.Queue{
		ID: uuid.New().String(), ProjectID: "proj-1", Name: "main",
		IsActive: true, MaxParallelItems: 1, CreatedAt: now, UpdatedAt: now,
	})
	var ce *scheduler.ConflictError
	require.ErrorAs(t, err, &ce)

	t.Run("SameNameOtherProject", func(t *testing.T) {
		makeQueue(t, store, "proj-2", "main", 1)
	})

	t.Run("GetByNameAbsentIsNil", func(t *testing.T) {
		q, err := store.GetQueueByName(ctx, "proj-1", "missing")
		require.NoError(t, err)
		assert.Nil(t, q)
	})
}

func TestActiveItemUniqueness(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ticket := makeTicket(t, store, "proj-1")
	queue := makeQueue(t, store, "proj-1", "main", 1)
	item := makeItem(t, store, queue.ID, scheduler.ItemTypeTicket, ticket.ID, scheduler.PriorityMedium, time.Now())

	t.Run("SecondActiveConflicts", func(t *testing.T) {
		now := time.Now()
		err := store.CreateItem(ctx, &scheduler.QueueItem{
			ID: uuid.New().String(), QueueID: queue.ID,
			ItemType: scheduler.ItemTypeTicket, ItemID: ticket.ID,
			Priority: scheduler.PriorityMedium, Status: scheduler.ItemQueued,
			CreatedAt: now, UpdatedAt: now,
		})
		var ce *scheduler.ConflictError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("TerminalItemFreesTheSlot", func(t *testing.T) {
		moved, err := store.TransitionItem(ctx, item.ID, scheduler.ItemQueued, scheduler.ItemCancelled, "", "")
		require.NoError(t, err)
		require.True(t, moved)

		makeItem(t, store, queue.ID, scheduler.ItemTypeTicket, ticket.ID, scheduler.PriorityMedium, time.Now())
	})
}

func TestClaimNextItem(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Now()
	tk1 := makeTicket(t, store, "proj-1")
	tk2 := makeTicket(t, store, "proj-1")
	tk3 := makeTicket(t, store, "proj-1")
	queue := makeQueue(t, store, "proj-1", "main", 2)

	// Distinct creation times so the dispatch order is deterministic.
	makeItem(t, store, queue.ID, scheduler.ItemTypeTicket, tk1.ID, scheduler.PriorityLow, base)
	makeItem(t, store, queue.ID, scheduler.ItemTypeTicket, tk2.ID, scheduler.PriorityCritical, base.Add(time.Millisecond))
	makeItem(t, store, queue.ID, scheduler.ItemTypeTicket, tk3.ID, scheduler.PriorityCritical, base.Add(2*time.Millisecond))

	require.NoError(t, store.SetTicketQueueFields(ctx, tk2.ID, &scheduler.TicketQueueLinkage{
		QueueID: queue.ID, Status: scheduler.ItemQueued,
		Priority: scheduler.PriorityCritical, QueuedAt: base,
	}))

	t.Run("ClaimsByPriorityThenAge", func(t *testing.T) {
		first, err := store.ClaimNextItem(ctx, queue.ID, "agent-1")
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, tk2.ID, first.ItemID)
		assert.Equal(t, scheduler.ItemInProgress, first.Status)
		assert.Equal(t, "agent-1", first.AgentID)

		second, err := store.ClaimNextItem(ctx, queue.ID, "agent-2")
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, tk3.ID, second.ItemID)
		assert.NotEqual(t, first.ID, second.ID, "no double assignment")
	})

	t.Run("MirrorsOntoTicket", func(t *testing.T) {
		got, err := store.GetTicket(ctx, tk2.ID)
		require.NoError(t, err)
		assert.Equal(t, scheduler.ItemInProgress, got.QueueStatus)
		assert.Equal(t, "agent-1", got.QueueAgentID)
		assert.False(t, got.QueueStartedAt.IsZero())
	})

	t.Run("LimitReached", func(t *testing.T) {
		third, err := store.ClaimNextItem(ctx, queue.ID, "agent-3")
		require.NoError(t, err)
		assert.Nil(t, third)
	})

	t.Run("InactiveQueue", func(t *testing.T) {
		inactive := false
		_, err := store.UpdateQueue(ctx, queue.ID, scheduler.QueueUpdate{IsActive: &inactive})
		require.NoError(t, err)

		item, err := store.ClaimNextItem(ctx, queue.ID, "agent-3")
		require.NoError(t, err)
		assert.Nil(t, item)
	})
}

func TestTransitionItemIsConditional(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ticket := makeTicket(t, store, "proj-1")
	queue := makeQueue(t, store, "proj-1", "main", 1)
	item := makeItem(t, store, queue.ID, scheduler.ItemTypeTicket, ticket.ID, scheduler.PriorityMedium, time.Now())
	require.NoError(t, store.SetTicketQueueFields(ctx, ticket.ID, &scheduler.TicketQueueLinkage{
		QueueID: queue.ID, Status: scheduler.ItemQueued,
		Priority: scheduler.PriorityMedium, QueuedAt: time.Now(),
	}))

	t.Run("WrongFromLeavesRowUntouched", func(t *testing.T) {
		moved, err := store.TransitionItem(ctx, item.ID, scheduler.ItemInProgress, scheduler.ItemCompleted, "", "")
		require.NoError(t, err)
		assert.False(t, moved)

		got, err := store.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, scheduler.ItemQueued, got.Status)
	})

	t.Run("MatchingFromApplies", func(t *testing.T) {
		moved, err := store.TransitionItem(ctx, item.ID, scheduler.ItemQueued, scheduler.ItemInProgress, "agent-1", "")
		require.NoError(t, err)
		assert.True(t, moved)

		moved, err = store.TransitionItem(ctx, item.ID, scheduler.ItemInProgress, scheduler.ItemFailed, "", "timeout")
		require.NoError(t, err)
		assert.True(t, moved)

		got, err := store.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, scheduler.ItemFailed, got.Status)
		assert.Equal(t, "agent-1", got.AgentID)
		assert.Equal(t, "timeout", got.ErrorMessage)
		assert.False(t, got.StartedAt.IsZero())
		assert.False(t, got.CompletedAt.IsZero())

		mirrored, err := store.GetTicket(ctx, ticket.ID)
		require.NoError(t, err)
		assert.Equal(t, scheduler.ItemFailed, mirrored.QueueStatus)
		assert.Equal(t, "timeout", mirrored.QueueErrorMessage)
	})
}

func TestDeleteItem(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ticket := makeTicket(t, store, "proj-1")
	queue := makeQueue(t, store, "proj-1", "main", 1)
	item := makeItem(t, store, queue.ID, scheduler.ItemTypeTicket, ticket.ID, scheduler.PriorityMedium, time.Now())
	require.NoError(t, store.SetTicketQueueFields(ctx, ticket.ID, &scheduler.TicketQueueLinkage{
		QueueID: queue.ID, Status: scheduler.ItemQueued,
		Priority: scheduler.PriorityMedium, QueuedAt: time.Now(),
	}))

	removed, err := store.DeleteItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	got, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.False(t, got.Enqueued(), "deleting the active item clears the linkage")

	removed, err = store.DeleteItem(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDeleteQueueCascades(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ticket := makeTicket(t, store, "proj-1")
	queue := makeQueue(t, store, "proj-1", "main", 1)
	item := makeItem(t, store, queue.ID, scheduler.ItemTypeTicket, ticket.ID, scheduler.PriorityMedium, time.Now())
	require.NoError(t, store.SetTicketQueueFields(ctx, ticket.ID, &scheduler.TicketQueueLinkage{
		QueueID: queue.ID, Status: scheduler.ItemQueued,
		Priority: scheduler.PriorityMedium, QueuedAt: time.Now(),
	}))

	require.NoError(t, store.DeleteQueue(ctx, queue.ID))

	var nf *scheduler.NotFoundError
	_, err := store.GetQueue(ctx, queue.ID)
	require.ErrorAs(t, err, &nf)
	_, err = store.GetItem(ctx, item.ID)
	require.ErrorAs(t, err, &nf)

	got, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.False(t, got.Enqueued())
}

func TestStatsSources(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	open := makeTicket(t, store, "proj-1")
	inProgress := makeTicket(t, store, "proj-1")
	closed := makeTicket(t, store, "proj-1")
	makeTicket(t, store, "proj-2")

	status := scheduler.TicketInProgress
	_, err := store.UpdateTicket(ctx, inProgress.ID, scheduler.TicketUpdate{Status: &status})
	require.NoError(t, err)
	status = scheduler.TicketClosed
	_, err = store.UpdateTicket(ctx, closed.ID, scheduler.TicketUpdate{Status: &status})
	require.NoError(t, err)

	queue := makeQueue(t, store, "proj-1", "main", 1)
	require.NoError(t, store.SetTicketQueueFields(ctx, open.ID, &scheduler.TicketQueueLinkage{
		QueueID: queue.ID, Status: scheduler.ItemQueued,
		Priority: scheduler.PriorityMedium, QueuedAt: time.Now(),
	}))

	counts, err := store.TicketCountsByStatus(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, map[scheduler.TicketStatus]int{
		scheduler.TicketOpen:       1,
		scheduler.TicketInProgress: 1,
		scheduler.TicketClosed:     1,
	}, counts)

	enqueued, err := store.CountEnqueuedTickets(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)
}
