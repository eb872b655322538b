package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/conductor/internal/storage"
	"github.com/scrypster/conductor/internal/storage/sqlite"
	"github.com/scrypster/conductor/pkg/types"
)

// fastConfig keeps retry waits negligible so drain loops finish quickly.
func fastConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxRetries:   2,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
		Workers:      4,
		ExecTimeout:  time.Second,
		PollInterval: time.Millisecond,
		Breaker:      BreakerConfig{MaxFailures: 1000},
	}
}

func newTestScheduler(t *testing.T, cfg SchedulerConfig, executor Executor) (*Scheduler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	memory, err := NewMemoryManager(store, MemoryConfig{})
	require.NoError(t, err)
	knowledge, err := NewKnowledge(store, 16)
	require.NoError(t, err)

	sched, err := NewScheduler(cfg, store, executor, memory, knowledge)
	require.NoError(t, err)
	t.Cleanup(sched.Close)
	return sched, store
}

func succeedingExecutor() Executor {
	return ExecutorFunc(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		return &ExecutionResult{Result: "ok"}, nil
	})
}

func schedTask(conversationID int64, description string, priority int) *types.Task {
	return &types.Task{
		ConversationID: conversationID,
		TaskType:       types.TaskExecute,
		Description:    description,
		Priority:       priority,
	}
}

func TestRunConversationDrainsInDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int64
	executor := ExecutorFunc(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		mu.Lock()
		order = append(order, req.Task.ID)
		mu.Unlock()
		return &ExecutionResult{Result: "ok"}, nil
	})

	cfg := fastConfig()
	cfg.Workers = 1 // serialise so the recorded order is the dispatch order
	sched, _ := newTestScheduler(t, cfg, executor)
	ctx := context.Background()

	a := schedTask(1, "first", 5)
	require.NoError(t, sched.CreateTask(ctx, a))
	b := schedTask(1, "second", 1)
	b.Dependencies = []int64{a.ID}
	require.NoError(t, sched.CreateTask(ctx, b))
	c := schedTask(1, "third", 1)
	c.Dependencies = []int64{b.ID}
	require.NoError(t, sched.CreateTask(ctx, c))

	report, err := sched.RunConversation(ctx, 1)
	require.NoError(t, err)
	assert.True(t, report.Drained)
	assert.Equal(t, 3, report.Completed)
	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, order)
}

func TestRetryCeiling(t *testing.T) {
	var attempts atomic.Int32
	attemptIDs := make(map[string]bool)
	var mu sync.Mutex
	executor := ExecutorFunc(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		attempts.Add(1)
		mu.Lock()
		attemptIDs[req.AttemptID] = true
		mu.Unlock()
		return nil, errors.New("executor always fails")
	})

	cfg := fastConfig() // MaxRetries: 2
	sched, store := newTestScheduler(t, cfg, executor)
	ctx := context.Background()

	task := schedTask(1, "doomed", 0)
	require.NoError(t, sched.CreateTask(ctx, task))

	report, err := sched.RunConversation(ctx, 1)
	require.NoError(t, err)
	assert.True(t, report.Drained)
	assert.Equal(t, 1, report.Failed)

	// MaxRetries+1 attempts total, each with a fresh attempt ID, and the
	// terminal record carries retry_count == MaxRetries.
	assert.Equal(t, int32(cfg.MaxRetries+1), attempts.Load())
	assert.Len(t, attemptIDs, cfg.MaxRetries+1)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, cfg.MaxRetries, got.RetryCount)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Empty(t, got.Result)
}

func TestBackoffDeadlineGatesReadmission(t *testing.T) {
	var attempts atomic.Int32
	executor := ExecutorFunc(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return &ExecutionResult{Result: "ok"}, nil
	})

	cfg := fastConfig()
	cfg.BackoffBase = 10 * time.Second
	cfg.BackoffCap = time.Minute
	sched, store := newTestScheduler(t, cfg, executor)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	nowFn := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	sched.SetNowFunc(nowFn)
	store.SetNowFunc(nowFn)

	task := schedTask(1, "flaky", 0)
	require.NoError(t, sched.CreateTask(ctx, task))

	// First pass dispatches, fails, and requeues with a 10s deadline.
	n, err := sched.Step(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, clock.Add(10*time.Second), *got.NextAttemptAt)

	// Before the deadline the task is invisible to the frontier.
	n, err = sched.Step(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	// At the deadline it runs again and succeeds.
	clockMu.Lock()
	clock = clock.Add(10 * time.Second)
	clockMu.Unlock()

	n, err = sched.Step(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := SchedulerConfig{BackoffBase: 2 * time.Second, BackoffCap: 10 * time.Second}
	sched, _ := newTestScheduler(t, cfg, succeedingExecutor())

	assert.Equal(t, 2*time.Second, sched.backoff(0))
	assert.Equal(t, 4*time.Second, sched.backoff(1))
	assert.Equal(t, 8*time.Second, sched.backoff(2))
	assert.Equal(t, 10*time.Second, sched.backoff(3))
	assert.Equal(t, 10*time.Second, sched.backoff(10))
}

func TestCancelCascadesToSubtreeNotDependents(t *testing.T) {
	sched, store := newTestScheduler(t, fastConfig(), succeedingExecutor())
	ctx := context.Background()

	parent := schedTask(1, "parent", 0)
	require.NoError(t, sched.CreateTask(ctx, parent))
	child := schedTask(1, "child", 0)
	child.ParentTaskID = &parent.ID
	require.NoError(t, sched.CreateTask(ctx, child))
	dependent := schedTask(1, "dependent", 0)
	dependent.Dependencies = []int64{parent.ID}
	require.NoError(t, sched.CreateTask(ctx, dependent))

	cancelled, err := sched.Cancel(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)

	got, err := store.GetTask(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status, "dependents are not part of the cancel tree")

	// The dependent can never become eligible; the drain reports it blocked.
	report, err := sched.RunConversation(ctx, 1)
	require.NoError(t, err)
	assert.False(t, report.Drained)
	assert.Equal(t, []int64{dependent.ID}, report.BlockedIDs)
	assert.Equal(t, 2, report.Cancelled)
}

func TestFailFastCancelsSiblings(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		if req.Task.Description == "fail" {
			return nil, errors.New("boom")
		}
		return &ExecutionResult{Result: "ok"}, nil
	})

	cfg := fastConfig()
	cfg.Propagation = PropagationFailFast
	cfg.Workers = 1
	sched, store := newTestScheduler(t, cfg, executor)
	ctx := context.Background()

	root := schedTask(1, "root", 0)
	require.NoError(t, sched.CreateTask(ctx, root))

	failing := schedTask(1, "fail", 5)
	failing.ParentTaskID = &root.ID
	require.NoError(t, sched.CreateTask(ctx, failing))

	// Sibling waits on the failing task, so it is still pending when the
	// failure becomes terminal.
	sibling := schedTask(1, "sibling", 0)
	sibling.ParentTaskID = &root.ID
	sibling.Dependencies = []int64{failing.ID}
	require.NoError(t, sched.CreateTask(ctx, sibling))

	report, err := sched.RunConversation(ctx, 1)
	require.NoError(t, err)
	assert.True(t, report.Drained)
	assert.Equal(t, 1, report.Failed)

	got, err := store.GetTask(ctx, sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
}

func TestBestEffortLeavesSiblingsAlone(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		if req.Task.Description == "fail" {
			return nil, errors.New("boom")
		}
		return &ExecutionResult{Result: "ok"}, nil
	})

	sched, store := newTestScheduler(t, fastConfig(), executor)
	ctx := context.Background()

	root := schedTask(1, "root", 0)
	require.NoError(t, sched.CreateTask(ctx, root))
	failing := schedTask(1, "fail", 0)
	failing.ParentTaskID = &root.ID
	require.NoError(t, sched.CreateTask(ctx, failing))
	sibling := schedTask(1, "sibling", 0)
	sibling.ParentTaskID = &root.ID
	sibling.Dependencies = []int64{failing.ID}
	require.NoError(t, sched.CreateTask(ctx, sibling))

	report, err := sched.RunConversation(ctx, 1)
	require.NoError(t, err)
	assert.False(t, report.Drained)
	assert.Equal(t, []int64{sibling.ID}, report.BlockedIDs)

	got, err := store.GetTask(ctx, sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestAddDependencyRejectsCycles(t *testing.T) {
	sched, _ := newTestScheduler(t, fastConfig(), succeedingExecutor())
	ctx := context.Background()

	a := schedTask(1, "a", 0)
	require.NoError(t, sched.CreateTask(ctx, a))
	b := schedTask(1, "b", 0)
	b.Dependencies = []int64{a.ID}
	require.NoError(t, sched.CreateTask(ctx, b))

	err := sched.AddDependency(ctx, a.ID, b.ID)
	assert.ErrorIs(t, err, ErrCycleDetected)

	err = sched.AddDependency(ctx, a.ID, a.ID)
	assert.ErrorIs(t, err, ErrCycleDetected)

	// The acyclic direction is fine even though it is already implied.
	c := schedTask(1, "c", 0)
	require.NoError(t, sched.CreateTask(ctx, c))
	require.NoError(t, sched.AddDependency(ctx, c.ID, b.ID))
}

func TestSideEffectWritesPersistOnSuccess(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		return &ExecutionResult{
			Result: "extracted",
			MemoryWrites: []*types.Memory{
				{MemoryType: types.MemorySemantic, Content: "learned something", ImportanceScore: 0.7},
			},
			KnowledgeWrites: []KnowledgeWrite{
				{Entity: &EntityUpsert{EntityType: "person", EntityName: "Ada"}},
				{Entity: &EntityUpsert{EntityType: "project", EntityName: "Engine"}},
				{Relation: &RelationUpsert{
					FromType: "person", FromName: "Ada",
					ToType: "project", ToName: "Engine",
					RelationType: "works_on", Weight: 0.9,
				}},
			},
		}, nil
	})

	sched, store := newTestScheduler(t, fastConfig(), executor)
	ctx := context.Background()

	task := schedTask(1, "extract", 0)
	task.Metadata = map[string]interface{}{"user_id": float64(7)}
	require.NoError(t, sched.CreateTask(ctx, task))

	report, err := sched.RunConversation(ctx, 1)
	require.NoError(t, err)
	require.True(t, report.Drained)
	require.Equal(t, 1, report.Completed)

	memories, err := store.QueryMemories(ctx, 1, types.MemorySemantic)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "learned something", memories[0].Content)

	entities, err := store.EntitiesByUser(ctx, 7, "")
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	stats, err := store.KnowledgeStatistics(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Relations)
}

// faultingTaskStore fails MarkRunning on a chosen call to simulate a storage
// fault in the middle of a claim pass.
type faultingTaskStore struct {
	storage.TaskStore
	calls  atomic.Int32
	failOn int32
}

func (f *faultingTaskStore) MarkRunning(ctx context.Context, id int64) error {
	if f.calls.Add(1) == f.failOn {
		return errors.New("disk I/O error")
	}
	return f.TaskStore.MarkRunning(ctx, id)
}

func TestPartialClaimStillDispatches(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	tasks := &faultingTaskStore{TaskStore: store, failOn: 2}

	memory, err := NewMemoryManager(store, MemoryConfig{})
	require.NoError(t, err)
	knowledge, err := NewKnowledge(store, 16)
	require.NoError(t, err)

	var attempts atomic.Int32
	executor := ExecutorFunc(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		attempts.Add(1)
		return &ExecutionResult{Result: "ok"}, nil
	})

	sched, err := NewScheduler(fastConfig(), tasks, executor, memory, knowledge)
	require.NoError(t, err)
	t.Cleanup(sched.Close)
	ctx := context.Background()

	a := schedTask(1, "first", 5)
	require.NoError(t, sched.CreateTask(ctx, a))
	b := schedTask(1, "second", 1)
	require.NoError(t, sched.CreateTask(ctx, b))

	// The claim pass marks a running, then hits the fault claiming b. a must
	// still be dispatched, not stranded in running with nothing in flight.
	n, err := sched.Step(ctx, 1)
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), attempts.Load())

	got, err := store.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)

	// Once the fault clears, the drain finishes instead of polling forever
	// on a stuck task.
	report, err := sched.RunConversation(ctx, 1)
	require.NoError(t, err)
	assert.True(t, report.Drained)
	assert.Equal(t, 2, report.Completed)
}

func TestCancelSignalsInflightExecutor(t *testing.T) {
	started := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	sched, store := newTestScheduler(t, fastConfig(), executor)
	ctx := context.Background()

	task := schedTask(1, "long haul", 0)
	require.NoError(t, sched.CreateTask(ctx, task))

	done := make(chan error, 1)
	go func() {
		_, err := sched.Step(ctx, 1)
		done <- err
	}()

	<-started
	cancelled, err := sched.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{task.ID}, cancelled)

	// The executor's context is cancelled, and the outcome reconciles to
	// cancelled rather than failed.
	require.NoError(t, <-done)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.Result)
}

func TestStepAfterCloseFails(t *testing.T) {
	sched, _ := newTestScheduler(t, fastConfig(), succeedingExecutor())
	sched.Close()

	_, err := sched.Step(context.Background(), 1)
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestNoDoubleDispatchUnderConcurrentSteps(t *testing.T) {
	var attempts atomic.Int32
	executor := ExecutorFunc(func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		attempts.Add(1)
		time.Sleep(5 * time.Millisecond)
		return &ExecutionResult{Result: "ok"}, nil
	})

	sched, _ := newTestScheduler(t, fastConfig(), executor)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, sched.CreateTask(ctx, schedTask(1, "work", 0)))
	}

	// Competing drains must not double-run any task: claiming is a
	// compare-and-swap on status.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sched.RunConversation(ctx, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), attempts.Load())
}

func TestSchedulerConfigValidation(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = NewScheduler(SchedulerConfig{Propagation: "sometimes"}, store, succeedingExecutor(), nil, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = NewScheduler(SchedulerConfig{BackoffBase: time.Hour, BackoffCap: time.Second}, store, succeedingExecutor(), nil, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = NewScheduler(fastConfig(), nil, succeedingExecutor(), nil, nil)
	assert.Error(t, err)

	_, err = NewScheduler(fastConfig(), store, nil, nil, nil)
	assert.Error(t, err)
}
