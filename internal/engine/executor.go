package engine

import (
	"context"

	"github.com/scrypster/conductor/pkg/types"
)

// Executor is the external collaborator that actually performs a task. The
// engine treats it as an opaque, potentially slow, potentially failing
// remote call: failures are retried per policy, and the context passed to
// Execute is cancelled when the task is cancelled (best-effort).
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest is the task snapshot handed to the Executor.
type ExecutionRequest struct {
	// AttemptID uniquely identifies this dispatch attempt (retries get a new
	// one). Useful for idempotency on the executor side and for log
	// correlation.
	AttemptID string

	Task *types.Task
}

// ExecutionResult is a successful executor outcome plus any side-effect
// writes the engine should persist after marking the task completed.
type ExecutionResult struct {
	Result string

	// MemoryWrites are memory records produced by the task (e.g. an
	// execution insight). ConversationID defaults to the task's.
	MemoryWrites []*types.Memory

	// KnowledgeWrites are entity/relation upserts produced by the task
	// (e.g. extracted entities).
	KnowledgeWrites []KnowledgeWrite
}

// KnowledgeWrite is one entity or relation operation produced by a task.
// Exactly one of Entity or Relation is set.
type KnowledgeWrite struct {
	Entity   *EntityUpsert
	Relation *RelationUpsert
}

// EntityUpsert describes an entity to merge into a user's graph.
type EntityUpsert struct {
	UserID     int64
	EntityType string
	EntityName string
	Properties map[string]interface{}
}

// RelationUpsert describes a relation to merge. Endpoints may be given
// either by ID or by the (type, name) key of an entity upserted earlier in
// the same result, resolved in order.
type RelationUpsert struct {
	FromEntityID int64
	ToEntityID   int64
	FromName     string
	FromType     string
	ToName       string
	ToType       string
	RelationType string
	Weight       float64
	Properties   map[string]interface{}
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return f(ctx, req)
}
