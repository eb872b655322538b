package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scrypster/conductor/internal/storage"
	"github.com/scrypster/conductor/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing. Open applies
// the full Schema, so no additional DDL is required.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTask(conversationID int64, description string, priority int) *types.Task {
	return &types.Task{
		ConversationID: conversationID,
		TaskType:       types.TaskExecute,
		Description:    description,
		Priority:       priority,
	}
}

func mustCreate(t *testing.T, s *Store, task *types.Task) *types.Task {
	t.Helper()
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, newTask(1, "gather sources", 3))
	if task.ID == 0 {
		t.Fatal("expected task ID to be assigned")
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != types.StatusPending {
		t.Errorf("expected pending status, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("expected retry_count 0, got %d", got.RetryCount)
	}
	if got.Priority != 3 {
		t.Errorf("expected priority 3, got %d", got.Priority)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		task *types.Task
	}{
		{"missing conversation", &types.Task{TaskType: types.TaskExecute, Description: "x"}},
		{"unknown type", &types.Task{ConversationID: 1, TaskType: "bogus", Description: "x"}},
		{"empty description", &types.Task{ConversationID: 1, TaskType: types.TaskExecute}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.CreateTask(ctx, tc.task); !errors.Is(err, storage.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestCreateTaskRejectsCrossConversationDependency(t *testing.T) {
	store := newTestStore(t)

	other := mustCreate(t, store, newTask(2, "other conversation", 0))

	task := newTask(1, "depends across conversations", 0)
	task.Dependencies = []int64{other.ID}
	if err := store.CreateTask(context.Background(), task); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for cross-conversation dependency, got %v", err)
	}
}

func TestCreateTaskRejectsMissingParent(t *testing.T) {
	store := newTestStore(t)

	missing := int64(999)
	task := newTask(1, "orphan", 0)
	task.ParentTaskID = &missing
	if err := store.CreateTask(context.Background(), task); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing parent, got %v", err)
	}
}

func TestListTasksOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store.SetNowFunc(func() time.Time { return clock })

	low := mustCreate(t, store, newTask(1, "low priority", 1))
	clock = clock.Add(time.Second)
	high := mustCreate(t, store, newTask(1, "high priority", 5))
	clock = clock.Add(time.Second)
	highLater := mustCreate(t, store, newTask(1, "high priority later", 5))

	tasks, err := store.ListTasks(ctx, 1, storage.TaskFilter{})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	want := []int64{high.ID, highLater.ID, low.ID}
	if len(tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(tasks))
	}
	for i, id := range want {
		if tasks[i].ID != id {
			t.Errorf("position %d: expected task %d, got %d", i, id, tasks[i].ID)
		}
	}
}

func TestListTasksStatusFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, newTask(1, "a", 0))
	mustCreate(t, store, newTask(1, "b", 0))

	if err := store.MarkRunning(ctx, a.ID); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}

	running, err := store.ListTasks(ctx, 1, storage.TaskFilter{Status: types.StatusRunning})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(running) != 1 || running[0].ID != a.ID {
		t.Errorf("expected only task %d running, got %v", a.ID, running)
	}
}

func TestMarkRunningIsCompareAndSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, newTask(1, "claim me", 0))

	if err := store.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	err := store.MarkRunning(ctx, task.ID)
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("second claim: expected ErrInvalidInput, got %v", err)
	}
}

func TestTransitionErrorsOnMissingTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.MarkRunning(ctx, 42); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("MarkRunning: expected ErrNotFound, got %v", err)
	}
	if err := store.MarkCompleted(ctx, 42, "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("MarkCompleted: expected ErrNotFound, got %v", err)
	}
	if err := store.MarkFailed(ctx, 42, "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("MarkFailed: expected ErrNotFound, got %v", err)
	}
}

func TestCompleteClearsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, newTask(1, "flaky", 0))

	if err := store.MarkRunning(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, task.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := store.Requeue(ctx, task.ID, store.now()); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRunning(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkCompleted(ctx, task.ID, "done"); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Result != "done" {
		t.Errorf("expected result 'done', got %q", got.Result)
	}
	if got.ErrorMessage != "" {
		t.Errorf("expected error_message cleared, got %q", got.ErrorMessage)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", got.RetryCount)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestRequeueIncrementsRetryCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, newTask(1, "retry me", 0))
	deadline := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	if err := store.MarkRunning(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, task.ID, "transient"); err != nil {
		t.Fatal(err)
	}

	// Failure alone never bumps the counter.
	got, _ := store.GetTask(ctx, task.ID)
	if got.RetryCount != 0 {
		t.Fatalf("expected retry_count 0 after failure, got %d", got.RetryCount)
	}

	if err := store.Requeue(ctx, task.ID, deadline); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetTask(ctx, task.ID)
	if got.Status != types.StatusPending {
		t.Errorf("expected pending after requeue, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry_count 1 after requeue, got %d", got.RetryCount)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(deadline) {
		t.Errorf("expected next_attempt_at %v, got %v", deadline, got.NextAttemptAt)
	}
}

func TestAddDependency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, newTask(1, "a", 0))
	b := mustCreate(t, store, newTask(1, "b", 0))

	if err := store.AddDependency(ctx, b.ID, a.ID); err != nil {
		t.Fatalf("failed to add dependency: %v", err)
	}
	// Idempotent.
	if err := store.AddDependency(ctx, b.ID, a.ID); err != nil {
		t.Fatalf("duplicate add should be a no-op: %v", err)
	}

	got, _ := store.GetTask(ctx, b.ID)
	if len(got.Dependencies) != 1 || got.Dependencies[0] != a.ID {
		t.Errorf("expected dependencies [%d], got %v", a.ID, got.Dependencies)
	}

	// Running tasks are frozen.
	if err := store.MarkRunning(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.AddDependency(ctx, b.ID, a.ID); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput adding dependency to running task, got %v", err)
	}
}

func TestCancelTreeCascadesToDescendants(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	root := mustCreate(t, store, newTask(1, "root", 0))
	child := newTask(1, "child", 0)
	child.ParentTaskID = &root.ID
	mustCreate(t, store, child)
	grandchild := newTask(1, "grandchild", 0)
	grandchild.ParentTaskID = &child.ID
	mustCreate(t, store, grandchild)

	// A completed descendant keeps its state.
	done := newTask(1, "done child", 0)
	done.ParentTaskID = &root.ID
	mustCreate(t, store, done)
	if err := store.MarkRunning(ctx, done.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkCompleted(ctx, done.ID, "ok"); err != nil {
		t.Fatal(err)
	}

	cancelled, err := store.CancelTree(ctx, root.ID)
	if err != nil {
		t.Fatalf("failed to cancel tree: %v", err)
	}
	if len(cancelled) != 3 {
		t.Fatalf("expected 3 cancelled tasks, got %v", cancelled)
	}

	got, _ := store.GetTask(ctx, done.ID)
	if got.Status != types.StatusCompleted {
		t.Errorf("completed descendant should keep its state, got %s", got.Status)
	}
	got, _ = store.GetTask(ctx, grandchild.ID)
	if got.Status != types.StatusCancelled {
		t.Errorf("expected grandchild cancelled, got %s", got.Status)
	}
}

func TestCancelTreeDoesNotFollowDependencyEdges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, newTask(1, "a", 0))
	dependent := newTask(1, "depends on a", 0)
	dependent.Dependencies = []int64{a.ID}
	mustCreate(t, store, dependent)

	if _, err := store.CancelTree(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTask(ctx, dependent.ID)
	if got.Status != types.StatusPending {
		t.Errorf("dependent task should stay pending, got %s", got.Status)
	}
}

func TestDeleteTaskCascadesChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	root := mustCreate(t, store, newTask(1, "root", 0))
	child := newTask(1, "child", 0)
	child.ParentTaskID = &root.ID
	mustCreate(t, store, child)

	if err := store.DeleteTask(ctx, root.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetTask(ctx, child.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected child deleted via cascade, got %v", err)
	}
	if err := store.DeleteTask(ctx, root.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestNonTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := mustCreate(t, store, newTask(1, "pending", 0))
	running := mustCreate(t, store, newTask(1, "running", 0))
	completed := mustCreate(t, store, newTask(1, "completed", 0))
	mustCreate(t, store, newTask(2, "other conversation", 0))

	if err := store.MarkRunning(ctx, running.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRunning(ctx, completed.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkCompleted(ctx, completed.ID, "ok"); err != nil {
		t.Fatal(err)
	}

	open, completedIDs, err := store.NonTerminal(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open tasks, got %d", len(open))
	}
	for _, task := range open {
		if task.ID != pending.ID && task.ID != running.ID {
			t.Errorf("unexpected open task %d", task.ID)
		}
	}
	if len(completedIDs) != 1 || completedIDs[0] != completed.ID {
		t.Errorf("expected completed IDs [%d], got %v", completed.ID, completedIDs)
	}
}

func TestTaskStatistics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, newTask(1, "a", 0))
	mustCreate(t, store, newTask(1, "b", 0))
	if err := store.MarkRunning(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, a.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	stats, err := store.TaskStatistics(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Failed != 1 {
		t.Errorf("unexpected statistics: %+v", stats)
	}
}

func TestTaskMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := newTask(1, "with metadata", 0)
	task.Metadata = map[string]interface{}{"user_id": float64(7), "origin": "planner"}
	mustCreate(t, store, task)

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata["origin"] != "planner" {
		t.Errorf("expected metadata origin 'planner', got %v", got.Metadata["origin"])
	}
	if got.Metadata["user_id"] != float64(7) {
		t.Errorf("expected metadata user_id 7, got %v", got.Metadata["user_id"])
	}
}
