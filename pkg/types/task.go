// Package types defines the public domain types shared by the Conductor
// engine and its storage backends: tasks, memories, and knowledge graph
// entities/relations.
package types

import "time"

// TaskType classifies what kind of work a task represents.
type TaskType string

const (
	TaskPlan     TaskType = "plan"      // decomposition step that spawns child tasks
	TaskExecute  TaskType = "execute"   // general execution step
	TaskReflect  TaskType = "reflect"   // self-evaluation step
	TaskToolCall TaskType = "tool_call" // invocation of a named tool
)

// ValidTaskType reports whether t is one of the known task types.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskPlan, TaskExecute, TaskReflect, TaskToolCall:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
//
// The state machine is:
//
//	pending → running → {completed, failed}
//	failed  → pending (retry, while retries remain)
//	any non-terminal state → cancelled (explicit only)
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Task is a unit of decomposed agent work.
//
// ParentTaskID expresses ownership (decomposition): deleting or cancelling a
// parent cascades to its descendants. Dependencies expresses ordering: a task
// only becomes eligible once every listed task has completed. The two
// relations are independent and dependencies may cross subtrees, but never
// conversations.
type Task struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	ParentTaskID   *int64     `json:"parent_task_id,omitempty"`

	TaskType    TaskType   `json:"task_type"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`

	// Priority orders eligible tasks: higher runs first. Ties are broken by
	// CreatedAt ascending so ordering stays deterministic.
	Priority int `json:"priority"`

	// Dependencies lists task IDs that must reach completed before this task
	// may run. An ID missing from the conversation snapshot counts as
	// unsatisfied.
	Dependencies []int64 `json:"dependencies,omitempty"`

	// Result and ErrorMessage are mutually exclusive; exactly one is set when
	// the task reaches a terminal state.
	Result       string `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// RetryCount is incremented each time the task is re-admitted for a
	// retry, so a task that exhausts its budget ends with RetryCount equal
	// to the configured ceiling.
	RetryCount int `json:"retry_count"`

	// Metadata carries opaque execution context (tool arguments etc.). The
	// engine stores and forwards it to the Executor without interpreting it.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// NextAttemptAt gates retry re-admission: a pending task with a future
	// NextAttemptAt is not eligible until the deadline passes.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the task has reached a final state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsPending reports whether the task is waiting to run.
func (t *Task) IsPending() bool { return t.Status == StatusPending }

// IsRunning reports whether the task is currently executing.
func (t *Task) IsRunning() bool { return t.Status == StatusRunning }

// IsCompleted reports whether the task finished successfully.
func (t *Task) IsCompleted() bool { return t.Status == StatusCompleted }

// BackoffElapsed reports whether the retry backoff deadline (if any) has
// passed at the given instant.
func (t *Task) BackoffElapsed(now time.Time) bool {
	return t.NextAttemptAt == nil || !t.NextAttemptAt.After(now)
}
