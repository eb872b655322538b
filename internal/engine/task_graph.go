// Package engine implements the Conductor task orchestration engine: the
// dependency graph, the scheduler state machine, and the memory and
// knowledge services driven by task side effects.
package engine

import (
	"sort"
	"time"

	"github.com/scrypster/conductor/pkg/types"
)

// TaskGraph is an in-memory dependency view over one conversation's tasks,
// built from a TaskStore snapshot. It answers two questions: which pending
// tasks may run now, and would a proposed edge close a cycle.
type TaskGraph struct {
	tasks     map[int64]*types.Task // non-terminal (pending/running) tasks
	completed map[int64]bool
}

// NewTaskGraph builds a graph from the open tasks of a conversation plus the
// IDs of its completed tasks.
func NewTaskGraph(open []*types.Task, completed []int64) *TaskGraph {
	g := &TaskGraph{
		tasks:     make(map[int64]*types.Task, len(open)),
		completed: make(map[int64]bool, len(completed)),
	}
	for _, t := range open {
		g.tasks[t.ID] = t
	}
	for _, id := range completed {
		g.completed[id] = true
	}
	return g
}

// Eligible returns the IDs of the pending tasks whose dependency sets are
// fully completed and whose retry backoff (if any) has elapsed, ordered by
// priority descending then created_at ascending. The order is deterministic
// for identical inputs.
//
// A dependency ID that is neither completed nor present in the open set is
// treated as unsatisfied: eligibility fails closed.
func (g *TaskGraph) Eligible(now time.Time) []int64 {
	var ready []*types.Task
	for _, t := range g.tasks {
		if !t.IsPending() || !t.BackoffElapsed(now) {
			continue
		}
		if g.depsSatisfied(t) {
			ready = append(ready, t)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})

	ids := make([]int64, len(ready))
	for i, t := range ready {
		ids[i] = t.ID
	}
	return ids
}

func (g *TaskGraph) depsSatisfied(t *types.Task) bool {
	for _, dep := range t.Dependencies {
		if !g.completed[dep] {
			return false
		}
	}
	return true
}

// Remaining reports whether any pending or running task is left. An empty
// eligible set with Remaining() == true means the conversation is blocked on
// dependencies (or backoff); with Remaining() == false it is drained.
func (g *TaskGraph) Remaining() bool { return len(g.tasks) > 0 }

// Pending returns the number of pending tasks in the snapshot.
func (g *TaskGraph) Pending() int {
	n := 0
	for _, t := range g.tasks {
		if t.IsPending() {
			n++
		}
	}
	return n
}

// Task returns the open task with the given ID, or nil.
func (g *TaskGraph) Task(id int64) *types.Task { return g.tasks[id] }

// WouldCycle reports whether adding an edge fromID→toID (meaning fromID
// depends on, or is owned by, toID) would make fromID reachable from itself.
// It runs a DFS from toID over both dependency and parent edges; a path back
// to fromID closes a cycle. O(V+E).
func (g *TaskGraph) WouldCycle(fromID, toID int64) bool {
	if fromID == toID {
		return true
	}
	visited := make(map[int64]bool, len(g.tasks))
	stack := []int64{toID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == fromID {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true

		t := g.tasks[id]
		if t == nil {
			continue
		}
		stack = append(stack, t.Dependencies...)
		if t.ParentTaskID != nil {
			stack = append(stack, *t.ParentTaskID)
		}
	}
	return false
}
