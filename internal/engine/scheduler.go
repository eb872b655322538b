package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/scrypster/conductor/internal/storage"
	"github.com/scrypster/conductor/pkg/types"
)

// Propagation selects what happens to the rest of a task family when one
// task exhausts its retries.
type Propagation string

const (
	// PropagationBestEffort leaves siblings running; only the failed task is
	// terminal. The default.
	PropagationBestEffort Propagation = "best_effort"

	// PropagationFailFast cancels the failed task's pending descendants and,
	// when it has a parent, its pending siblings under that parent.
	PropagationFailFast Propagation = "fail_fast"
)

// SchedulerConfig holds retry, backoff, concurrency and propagation policy.
type SchedulerConfig struct {
	// MaxRetries is the retry ceiling: a task may be re-admitted at most
	// this many times before its failure becomes terminal. Default: 3.
	MaxRetries int

	// BackoffBase and BackoffCap shape the retry delay:
	// delay = BackoffBase × 2^retry_count, capped at BackoffCap.
	// Defaults: 2s and 5m.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Propagation is the terminal-failure policy. Default: best_effort.
	Propagation Propagation

	// Workers caps concurrent executor dispatches. Default: 4.
	Workers int

	// DispatchPerSecond and DispatchBurst configure the executor rate
	// limiter. Zero DispatchPerSecond disables limiting.
	DispatchPerSecond float64
	DispatchBurst     int

	// ExecTimeout bounds a single executor call. Default: 2m.
	ExecTimeout time.Duration

	// PollInterval is the idle wait between drain-loop passes. Default: 100ms.
	PollInterval time.Duration

	Breaker BreakerConfig
}

func (c SchedulerConfig) defaults() SchedulerConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.Propagation == "" {
		c.Propagation = PropagationBestEffort
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = c.Workers
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// Validate rejects configurations the scheduler cannot honour.
func (c SchedulerConfig) Validate() error {
	switch c.Propagation {
	case "", PropagationBestEffort, PropagationFailFast:
	default:
		return fmt.Errorf("%w: unknown propagation policy %q", storage.ErrInvalidInput, c.Propagation)
	}
	if c.BackoffCap != 0 && c.BackoffBase > c.BackoffCap {
		return fmt.Errorf("%w: backoff base exceeds cap", storage.ErrInvalidInput)
	}
	return nil
}

// RunReport summarises one RunConversation drain.
type RunReport struct {
	Completed int
	Failed    int // terminal failures
	Cancelled int

	// Drained is true when no pending or running task remains. When false,
	// BlockedIDs lists the pending tasks that can never become eligible
	// with the current dependency state.
	Drained    bool
	BlockedIDs []int64
}

// Scheduler drives the task lifecycle: it computes the eligible frontier per
// conversation, dispatches tasks to the Executor, applies retry/backoff
// policy, and persists results and side effects. The scheduler itself is
// stateless beyond a lock table keyed by conversation and the registry of
// in-flight cancel functions.
type Scheduler struct {
	cfg       SchedulerConfig
	tasks     storage.TaskStore
	memory    *MemoryManager
	knowledge *Knowledge
	executor  Executor
	breaker   *executorBreaker
	limiter   *rate.Limiter
	now       func() time.Time

	mu       sync.Mutex
	locks    map[int64]*sync.Mutex // per-conversation scope locks
	inflight map[int64]context.CancelFunc
	closed   bool
}

// NewScheduler creates a scheduler. The memory manager and knowledge service
// are optional; when nil, executor side-effect writes of that kind are
// dropped with a warning.
func NewScheduler(cfg SchedulerConfig, tasks storage.TaskStore, executor Executor, memory *MemoryManager, knowledge *Knowledge) (*Scheduler, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.defaults()

	var limiter *rate.Limiter
	if cfg.DispatchPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchPerSecond), cfg.DispatchBurst)
	}

	return &Scheduler{
		cfg:       cfg,
		tasks:     tasks,
		memory:    memory,
		knowledge: knowledge,
		executor:  executor,
		breaker:   newExecutorBreaker(cfg.Breaker),
		limiter:   limiter,
		now:       time.Now,
		locks:     make(map[int64]*sync.Mutex),
		inflight:  make(map[int64]context.CancelFunc),
	}, nil
}

// SetNowFunc overrides the scheduler's clock for tests.
func (s *Scheduler) SetNowFunc(now func() time.Time) { s.now = now }

// Close marks the scheduler stopped. In-flight executor calls keep their
// contexts; callers should let RunConversation return before closing stores.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// conversationLock returns the mutex guarding one conversation's frontier
// computation. Different conversations never contend.
func (s *Scheduler) conversationLock(conversationID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// CreateTask validates and persists a new task. Dependency existence and
// conversation scoping are checked by the store; a self-dependency is the
// only cycle a fresh task can introduce and is rejected here.
func (s *Scheduler) CreateTask(ctx context.Context, task *types.Task) error {
	if task == nil {
		return storage.ErrInvalidInput
	}
	for _, dep := range task.Dependencies {
		if dep == task.ID && task.ID != 0 {
			return ErrCycleDetected
		}
	}
	lock := s.conversationLock(task.ConversationID)
	lock.Lock()
	defer lock.Unlock()
	return s.tasks.CreateTask(ctx, task)
}

// AddDependency admits a new ordering edge task→dependsOn after checking it
// would not close a cycle. The reachability check and the mutation run under
// the conversation lock so no concurrent admission can interleave.
func (s *Scheduler) AddDependency(ctx context.Context, taskID, dependsOn int64) error {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	lock := s.conversationLock(task.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	open, completed, err := s.tasks.NonTerminal(ctx, task.ConversationID)
	if err != nil {
		return fmt.Errorf("snapshot for cycle check: %w", err)
	}
	graph := NewTaskGraph(open, completed)
	if graph.WouldCycle(taskID, dependsOn) {
		return fmt.Errorf("%w: %d -> %d", ErrCycleDetected, taskID, dependsOn)
	}
	return s.tasks.AddDependency(ctx, taskID, dependsOn)
}

// Cancel transitions a task and all its descendants to cancelled and signals
// any in-flight executor calls for them. Cancellation never cascades along
// dependency edges: a task whose dependency was cancelled stays pending and
// permanently ineligible unless it is cancelled too.
func (s *Scheduler) Cancel(ctx context.Context, taskID int64) ([]int64, error) {
	cancelled, err := s.tasks.CancelTree(ctx, taskID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, id := range cancelled {
		if cancel, ok := s.inflight[id]; ok {
			cancel()
		}
	}
	s.mu.Unlock()

	if len(cancelled) > 0 {
		log.Printf("scheduler: cancelled task %d and %d descendant(s)", taskID, len(cancelled)-1)
	}
	return cancelled, nil
}

// Step runs one scheduling pass for a conversation: it claims the eligible
// frontier under the conversation lock, dispatches the claimed tasks, and
// waits for their outcomes. It returns the number of tasks dispatched.
// A partial claim still dispatches everything that was claimed: a task
// marked running with no executor in flight would sit that way forever and
// wedge the conversation.
func (s *Scheduler) Step(ctx context.Context, conversationID int64) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSchedulerClosed
	}
	s.mu.Unlock()

	claimed, claimErr := s.claimFrontier(ctx, conversationID)
	if len(claimed) == 0 {
		return 0, claimErr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, task := range claimed {
		task := task
		g.Go(func() error {
			return s.dispatch(gctx, task)
		})
	}
	if err := g.Wait(); err != nil {
		return len(claimed), err
	}
	return len(claimed), claimErr
}

// claimFrontier computes the eligible set and marks each returned task
// running, all under the conversation's scope lock. Marking is a
// compare-and-swap on status, so even a racing claim cannot double-run a
// task. On a storage fault partway through, the tasks claimed so far are
// returned with the error so the caller can still run them.
func (s *Scheduler) claimFrontier(ctx context.Context, conversationID int64) ([]*types.Task, error) {
	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	open, completed, err := s.tasks.NonTerminal(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("frontier snapshot: %w", err)
	}
	graph := NewTaskGraph(open, completed)

	var claimed []*types.Task
	for _, id := range graph.Eligible(s.now()) {
		if err := s.tasks.MarkRunning(ctx, id); err != nil {
			if errors.Is(err, storage.ErrInvalidInput) {
				continue // lost the race; someone else holds it
			}
			return claimed, fmt.Errorf("claim task %d: %w", id, err)
		}
		claimed = append(claimed, graph.Task(id))
	}
	return claimed, nil
}

// dispatch runs one claimed task through the rate limiter, the circuit
// breaker and the Executor, then applies the outcome.
func (s *Scheduler) dispatch(ctx context.Context, task *types.Task) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return s.handleFailure(ctx, task, fmt.Errorf("%w: dispatch aborted: %v", ErrExecutorFailure, err))
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	s.registerInflight(task.ID, cancel)
	defer func() {
		s.clearInflight(task.ID)
		cancel()
	}()

	attemptID := uuid.NewString()
	result, err := s.breaker.do(func() (*ExecutionResult, error) {
		return s.executor.Execute(execCtx, ExecutionRequest{AttemptID: attemptID, Task: task})
	})
	if err != nil {
		return s.handleFailure(ctx, task, fmt.Errorf("%w: attempt %s: %v", ErrExecutorFailure, attemptID, err))
	}
	return s.handleSuccess(ctx, task, result)
}

func (s *Scheduler) registerInflight(taskID int64, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[taskID] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) clearInflight(taskID int64) {
	s.mu.Lock()
	delete(s.inflight, taskID)
	s.mu.Unlock()
}

// handleSuccess completes the task and applies side-effect writes.
func (s *Scheduler) handleSuccess(ctx context.Context, task *types.Task, result *ExecutionResult) error {
	output := ""
	if result != nil {
		output = result.Result
	}
	if err := s.tasks.MarkCompleted(ctx, task.ID, output); err != nil {
		if s.wasCancelled(ctx, task.ID, err) {
			return nil
		}
		return fmt.Errorf("complete task %d: %w", task.ID, err)
	}
	if result == nil {
		return nil
	}

	if len(result.MemoryWrites) > 0 {
		if s.memory == nil {
			log.Printf("scheduler: dropping %d memory write(s) from task %d (no memory manager)",
				len(result.MemoryWrites), task.ID)
		} else if err := s.memory.ApplyWrites(ctx, task.ConversationID, result.MemoryWrites); err != nil {
			log.Printf("scheduler: memory side effects for task %d failed: %v", task.ID, err)
		}
	}
	if len(result.KnowledgeWrites) > 0 {
		if s.knowledge == nil {
			log.Printf("scheduler: dropping %d knowledge write(s) from task %d (no knowledge service)",
				len(result.KnowledgeWrites), task.ID)
		} else if err := s.knowledge.ApplyWrites(ctx, userIDFrom(task), result.KnowledgeWrites); err != nil {
			log.Printf("scheduler: knowledge side effects for task %d failed: %v", task.ID, err)
		}
	}
	return nil
}

// userIDFrom extracts the acting user from task metadata; knowledge writes
// that carry their own UserID override it.
func userIDFrom(task *types.Task) int64 {
	if task.Metadata == nil {
		return 0
	}
	switch v := task.Metadata["user_id"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// handleFailure records an executor failure and either schedules a retry or
// makes the failure terminal, applying the propagation policy.
func (s *Scheduler) handleFailure(ctx context.Context, task *types.Task, execErr error) error {
	if err := s.tasks.MarkFailed(ctx, task.ID, execErr.Error()); err != nil {
		if s.wasCancelled(ctx, task.ID, err) {
			return nil
		}
		return fmt.Errorf("fail task %d: %w", task.ID, err)
	}

	current, err := s.tasks.GetTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("reload failed task %d: %w", task.ID, err)
	}

	if current.RetryCount < s.cfg.MaxRetries {
		delay := s.backoff(current.RetryCount)
		deadline := s.now().Add(delay)
		if err := s.tasks.Requeue(ctx, task.ID, deadline); err != nil {
			return fmt.Errorf("requeue task %d: %w", task.ID, err)
		}
		log.Printf("scheduler: task %d failed (attempt %d/%d), retrying in %s: %v",
			task.ID, current.RetryCount+1, s.cfg.MaxRetries, delay, execErr)
		return nil
	}

	log.Printf("scheduler: task %d failed permanently after %d retries: %v",
		task.ID, current.RetryCount, execErr)
	s.propagateFailure(ctx, current)
	return nil
}

// backoff computes the retry delay: base × 2^retryCount, capped.
func (s *Scheduler) backoff(retryCount int) time.Duration {
	delay := s.cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if delay > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return delay
}

// propagateFailure applies the terminal-failure policy. Best-effort leaves
// everything else running. Fail-fast cancels the failed task's own pending
// descendants and, when it has a parent, its pending siblings under that
// parent (each with their subtrees).
func (s *Scheduler) propagateFailure(ctx context.Context, task *types.Task) {
	if s.cfg.Propagation != PropagationFailFast {
		return
	}

	cancelTree := func(rootID int64) {
		if _, err := s.Cancel(ctx, rootID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Printf("scheduler: fail-fast cancellation of task %d failed: %v", rootID, err)
		}
	}

	children, err := s.tasks.Subtasks(ctx, task.ID)
	if err != nil {
		log.Printf("scheduler: fail-fast could not list subtasks of %d: %v", task.ID, err)
	}
	for _, child := range children {
		if !child.IsTerminal() {
			cancelTree(child.ID)
		}
	}

	if task.ParentTaskID == nil {
		return
	}
	siblings, err := s.tasks.Subtasks(ctx, *task.ParentTaskID)
	if err != nil {
		log.Printf("scheduler: fail-fast could not list siblings of %d: %v", task.ID, err)
		return
	}
	for _, sibling := range siblings {
		if sibling.ID != task.ID && !sibling.IsTerminal() {
			cancelTree(sibling.ID)
		}
	}
}

// wasCancelled reports whether a transition error is explained by the task
// having been cancelled while in flight.
func (s *Scheduler) wasCancelled(ctx context.Context, taskID int64, transitionErr error) bool {
	if !errors.Is(transitionErr, storage.ErrInvalidInput) {
		return false
	}
	current, err := s.tasks.GetTask(ctx, taskID)
	return err == nil && current.Status == types.StatusCancelled
}

// RunConversation drains a conversation: it steps until every task is
// terminal or the only remaining pending tasks are permanently blocked, then
// reports what happened. Backoff deadlines are honoured by waiting out the
// poll interval between passes.
func (s *Scheduler) RunConversation(ctx context.Context, conversationID int64) (*RunReport, error) {
	for {
		dispatched, err := s.Step(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if dispatched > 0 {
			continue
		}

		open, completed, err := s.tasks.NonTerminal(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		graph := NewTaskGraph(open, completed)

		if !graph.Remaining() {
			return s.report(ctx, conversationID, true, nil)
		}

		// Pending tasks remain but nothing was dispatched. If any of them is
		// only waiting out a retry backoff, keep polling; otherwise they are
		// blocked for good (unsatisfiable dependencies).
		if !s.anyRetryPending(open) {
			var blocked []int64
			for _, t := range open {
				if t.IsPending() {
					blocked = append(blocked, t.ID)
				}
			}
			return s.report(ctx, conversationID, false, blocked)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// anyRetryPending reports whether some pending task is merely waiting for
// its backoff deadline (as opposed to blocked on dependencies).
func (s *Scheduler) anyRetryPending(open []*types.Task) bool {
	for _, t := range open {
		if t.IsPending() && t.NextAttemptAt != nil {
			return true
		}
		if t.IsRunning() {
			return true
		}
	}
	return false
}

func (s *Scheduler) report(ctx context.Context, conversationID int64, drained bool, blocked []int64) (*RunReport, error) {
	stats, err := s.tasks.TaskStatistics(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &RunReport{
		Completed:  stats.Completed,
		Failed:     stats.Failed,
		Cancelled:  stats.Cancelled,
		Drained:    drained,
		BlockedIDs: blocked,
	}, nil
}
