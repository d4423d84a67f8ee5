package scheduler

import (
	"context"
	"slices"
)

// Resolver computes task availability from the per-ticket dependency
// graph. Availability is recomputed on demand rather than cached:
// completions are rare relative to reads, and a denormalized "available"
// flag would need invalidation on every dependency change.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// DependenciesCompleted reports whether every dependency of the task has
// completed. A task with no dependencies is trivially satisfied.
func (r *Resolver) DependenciesCompleted(ctx context.Context, taskID string) (bool, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if len(task.Dependencies) == 0 {
		return true, nil
	}

	siblings, err := r.store.ListTasks(ctx, task.TicketID)
	if err != nil {
		return false, err
	}
	byID := tasksByID(siblings)

	for _, depID := range task.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			return false, &NotFoundError{Entity: "task", ID: depID}
		}
		if !dep.Done() {
			return false, nil
		}
	}
	return true, nil
}

// AvailableTasks returns the ticket's tasks that are not done and whose
// dependencies have all completed, ordered ascending by order index.
func (r *Resolver) AvailableTasks(ctx context.Context, ticketID string) ([]Task, error) {
	tasks, err := r.ticketTasks(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	byID := tasksByID(tasks)

	available := []Task{}
	for _, t := range tasks {
		if t.Done() || t.Status == TaskCancelled {
			continue
		}
		if dependenciesSatisfied(&t, byID) {
			available = append(available, t)
		}
	}
	slices.SortFunc(available, func(a, b Task) int {
		return a.OrderIndex - b.OrderIndex
	})
	return available, nil
}

// BlockedTasks returns the ticket's tasks that are not done and have at
// least one incomplete dependency.
func (r *Resolver) BlockedTasks(ctx context.Context, ticketID string) ([]Task, error) {
	tasks, err := r.ticketTasks(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	byID := tasksByID(tasks)

	blocked := []Task{}
	for _, t := range tasks {
		if t.Done() || t.Status == TaskCancelled {
			continue
		}
		if !dependenciesSatisfied(&t, byID) {
			blocked = append(blocked, t)
		}
	}
	return blocked, nil
}

// TasksWithDependencies returns the ticket's tasks that declare at least
// one dependency. Used for graph display, not for scheduling.
func (r *Resolver) TasksWithDependencies(ctx context.Context, ticketID string) ([]Task, error) {
	tasks, err := r.ticketTasks(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	withDeps := []Task{}
	for _, t := range tasks {
		if len(t.Dependencies) > 0 {
			withDeps = append(withDeps, t)
		}
	}
	return withDeps, nil
}

// ValidateDependencies checks a proposed dependency set for the task
// against its ticket's task set: no self-reference, every dependency in
// the same ticket, and no cycle through the existing graph. taskID may be
// empty for a task that does not exist yet. The source system never
// verified acyclicity; here a cycle is rejected at write time since it
// would leave tasks permanently blocked.
func ValidateDependencies(tasks []Task, taskID string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}

	byID := tasksByID(tasks)
	seen := map[string]bool{}
	for _, depID := range deps {
		if depID == taskID {
			return Validationf("task cannot depend on itself")
		}
		if seen[depID] {
			return Validationf("duplicate dependency %s", depID)
		}
		seen[depID] = true
		if _, ok := byID[depID]; !ok {
			return Validationf("dependency %s does not belong to the ticket", depID)
		}
	}

	// Cycle check: walk the graph as if the task already carried the
	// proposed dependencies and see whether it becomes reachable from
	// itself.
	edges := map[string][]string{}
	for _, t := range tasks {
		if t.ID == taskID {
			continue
		}
		edges[t.ID] = t.Dependencies
	}
	if taskID == "" {
		// A new task cannot be depended upon yet, so no cycle is possible.
		return nil
	}
	edges[taskID] = deps

	visited := map[string]bool{}
	var walk func(id string) bool
	walk = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, next := range edges[id] {
			if next == taskID || walk(next) {
				return true
			}
		}
		return false
	}
	for _, depID := range deps {
		if walk(depID) {
			return Validationf("dependency %s would create a cycle", depID)
		}
	}
	return nil
}

func (r *Resolver) ticketTasks(ctx context.Context, ticketID string) ([]Task, error) {
	if _, err := r.store.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	return r.store.ListTasks(ctx, ticketID)
}

func tasksByID(tasks []Task) map[string]*Task {
	byID := make(map[string]*Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	return byID
}

func dependenciesSatisfied(t *Task, byID map[string]*Task) bool {
	for _, depID := range t.Dependencies {
		dep, ok := byID[depID]
		if !ok || !dep.Done() {
			return false
		}
	}
	return true
}
