package scheduler

import (
	"context"
	"math"
)

// Stats derives read-only aggregates from current entity state. Nothing
// here maintains a counter; every figure is recomputed from rows on
// read so the numbers cannot drift from the truth.
type Stats struct {
	store Store
}

// NewStats creates a stats reader backed by the given store.
func NewStats(store Store) *Stats {
	return &Stats{store: store}
}

// QueueStats returns item counts per status plus the total for a queue.
func (s *Stats) QueueStats(ctx context.Context, queueID string) (*QueueStats, error) {
	if _, err := s.store.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}
	counts, err := s.store.CountsByItemStatus(ctx, queueID)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		QueueID:    queueID,
		Queued:     counts[ItemQueued],
		InProgress: counts[ItemInProgress],
		Completed:  counts[ItemCompleted],
		Failed:     counts[ItemFailed],
		Cancelled:  counts[ItemCancelled],
	}
	stats.Total = stats.Queued + stats.InProgress + stats.Completed + stats.Failed + stats.Cancelled
	return stats, nil
}

// TaskStats returns completion counts for a ticket's tasks. The
// completion percentage is rounded and defined as 0 for a ticket with
// no tasks.
func (s *Stats) TaskStats(ctx context.Context, ticketID string) (*TaskStats, error) {
	if _, err := s.store.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	stats := &TaskStats{TicketID: ticketID, Total: len(tasks)}
	for _, t := range tasks {
		if t.Done() {
			stats.Completed++
		}
	}
	stats.Pending = stats.Total - stats.Completed
	if stats.Total > 0 {
		stats.CompletionPercentage = int(math.Round(float64(stats.Completed) / float64(stats.Total) * 100))
	}
	return stats, nil
}

// ProjectStats returns ticket counts per status for a project, plus how
// many of its tickets currently sit in a queue.
func (s *Stats) ProjectStats(ctx context.Context, projectID string) (*ProjectStats, error) {
	counts, err := s.store.TicketCountsByStatus(ctx, projectID)
	if err != nil {
		return nil, err
	}
	enqueued, err := s.store.CountEnqueuedTickets(ctx, projectID)
	if err != nil {
		return nil, err
	}

	stats := &ProjectStats{
		ProjectID:  projectID,
		Open:       counts[TicketOpen],
		InProgress: counts[TicketInProgress],
		Closed:     counts[TicketClosed],
		Enqueued:   enqueued,
	}
	stats.Total = stats.Open + stats.InProgress + stats.Closed
	return stats, nil
}
