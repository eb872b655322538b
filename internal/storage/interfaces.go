// Package storage provides composable storage interfaces for the Conductor
// engine.
//
// The layer is split into small, focused interfaces — one per store — that
// are implemented independently by the sqlite and postgres backends and
// composed as needed by the engine. Cascade rules (task→descendant,
// entity→relation) are part of the contract and must be preserved by any
// backend.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/conductor/pkg/types"
)

// TaskStore persists tasks with parent/child structure, dependency lists and
// retry bookkeeping. It enforces data-shape invariants (required fields,
// enum validity, conversation-scoped dependencies); graph-shape invariants
// (cycle rejection) are the scheduler's responsibility because they need the
// conversation snapshot.
type TaskStore interface {
	// CreateTask inserts a new task and assigns its ID. Dependencies must
	// reference existing tasks in the same conversation; a violation is
	// ErrInvalidInput.
	CreateTask(ctx context.Context, task *types.Task) error

	// GetTask returns the task with the given ID, or ErrNotFound.
	GetTask(ctx context.Context, id int64) (*types.Task, error)

	// ListTasks returns a conversation's tasks matching the filter, ordered
	// priority descending then created_at ascending.
	ListTasks(ctx context.Context, conversationID int64, filter TaskFilter) ([]*types.Task, error)

	// Subtasks returns the direct children of a task, in scheduling order.
	Subtasks(ctx context.Context, parentTaskID int64) ([]*types.Task, error)

	// NonTerminal returns the pending and running tasks of a conversation
	// together with the IDs of its completed tasks. This is the snapshot the
	// TaskGraph is built from.
	NonTerminal(ctx context.Context, conversationID int64) (open []*types.Task, completed []int64, err error)

	// MarkRunning transitions pending→running and sets started_at. It fails
	// with ErrNotFound if the task is absent and ErrInvalidInput if the task
	// is not pending, which makes the transition a compare-and-swap: two
	// concurrent attempts on the same task cannot both succeed.
	MarkRunning(ctx context.Context, id int64) error

	// MarkCompleted transitions running→completed, sets completed_at and the
	// result, and clears any error message.
	MarkCompleted(ctx context.Context, id int64, result string) error

	// MarkFailed transitions running→failed, sets completed_at and the error
	// message, and clears the result.
	MarkFailed(ctx context.Context, id int64, errorMessage string) error

	// Requeue transitions failed→pending for a retry, increments retry_count
	// and records the backoff deadline before which the task must not be
	// re-admitted.
	Requeue(ctx context.Context, id int64, nextAttemptAt time.Time) error

	// AddDependency appends dependsOn to a pending task's dependency set.
	// Both tasks must exist in the same conversation. Cycle checking is the
	// scheduler's job and happens before this call.
	AddDependency(ctx context.Context, id, dependsOn int64) error

	// CancelTree transitions the task and all its descendants (via
	// parent_task_id, recursively) to cancelled in one logical operation.
	// Already-terminal tasks in the tree are left untouched. Returns the IDs
	// that were cancelled.
	CancelTree(ctx context.Context, id int64) ([]int64, error)

	// DeleteTask removes a task and cascades to all its descendants.
	DeleteTask(ctx context.Context, id int64) error

	// TaskStatistics returns per-status counts for a conversation.
	TaskStatistics(ctx context.Context, conversationID int64) (*TaskStatistics, error)

	Close() error
}

// MemoryStore persists memory records with importance-based retention.
// Every read path excludes expired records, whether or not a sweep has
// removed them yet.
type MemoryStore interface {
	// PutMemory inserts a record and assigns its ID. ImportanceScore is
	// clamped to [0, 1]; an unset score stays 0.
	PutMemory(ctx context.Context, memory *types.Memory) error

	// GetMemory returns a record by ID, or ErrNotFound if absent or expired.
	GetMemory(ctx context.Context, id int64) (*types.Memory, error)

	// AccessMemory increments access_count, refreshes last_accessed_at and
	// returns the record. ErrNotFound if absent or expired.
	AccessMemory(ctx context.Context, id int64) (*types.Memory, error)

	// RescoreMemory overwrites the importance score, clamped to [0, 1].
	RescoreMemory(ctx context.Context, id int64, score float64) error

	// QueryMemories returns a conversation's non-expired records, optionally
	// filtered by type, ordered by importance descending.
	QueryMemories(ctx context.Context, conversationID int64, memoryType types.MemoryType) ([]*types.Memory, error)

	// SweepExpired removes every record whose expires_at is at or before now
	// and returns the count removed. Concurrent readers see each record
	// either pre- or post-sweep, never partially.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// EvictMemories trims a conversation scope down to keepN records,
	// removing the lowest importance_score first and breaking ties by oldest
	// last_accessed_at (never-accessed counts as oldest). A non-empty
	// memoryType restricts both the count and the removal to that type.
	// Returns the count removed.
	EvictMemories(ctx context.Context, conversationID int64, keepN int, memoryType types.MemoryType) (int, error)

	// ExtendExpiration pushes a record's expiry out by the given duration,
	// or sets one relative to now if the record had none.
	ExtendExpiration(ctx context.Context, id int64, by time.Duration) error

	// MemoryStatistics summarises a conversation's memory population.
	MemoryStatistics(ctx context.Context, conversationID int64) (*MemoryStatistics, error)

	Close() error
}

// KnowledgeStore persists user-scoped entities and directed weighted
// relations. Deleting an entity cascades to all incident relations.
type KnowledgeStore interface {
	// UpsertEntity matches on (user_id, entity_type, entity_name). On match
	// it merges properties (new keys added, existing overwritten) and
	// refreshes updated_at; otherwise it inserts. Returns the stored entity.
	UpsertEntity(ctx context.Context, userID int64, entityType, entityName string, properties map[string]interface{}) (*types.Entity, error)

	// GetEntity returns an entity by ID, or ErrNotFound.
	GetEntity(ctx context.Context, id int64) (*types.Entity, error)

	// EntitiesByUser returns a user's entities, optionally filtered by type.
	EntitiesByUser(ctx context.Context, userID int64, entityType string) ([]*types.Entity, error)

	// SearchEntities returns a user's entities whose name contains the query
	// substring (case-insensitive).
	SearchEntities(ctx context.Context, userID int64, query string) ([]*types.Entity, error)

	// UpsertRelation matches on (from_entity_id, to_entity_id,
	// relation_type) with the same merge-or-insert semantics as entities.
	// Weight is clamped to [0, 1]. ErrInvalidReference if either endpoint is
	// missing or the endpoints belong to different users.
	UpsertRelation(ctx context.Context, fromID, toID int64, relationType string, weight float64, properties map[string]interface{}) (*types.Relation, error)

	// Neighbors returns the entities one hop away from entityID, filterable
	// by relation type and edge direction.
	Neighbors(ctx context.Context, entityID int64, relationType string, direction types.Direction) ([]*types.Entity, error)

	// RelationsByEntity returns every relation incident to the entity, in
	// either direction.
	RelationsByEntity(ctx context.Context, entityID int64) ([]*types.Relation, error)

	// UpdateRelationWeight overwrites a relation's weight, clamped to [0, 1].
	UpdateRelationWeight(ctx context.Context, relationID int64, weight float64) error

	// DeleteEntity removes an entity and cascades to all relations that
	// reference it as source or target.
	DeleteEntity(ctx context.Context, id int64) error

	// DeleteRelation removes a single relation.
	DeleteRelation(ctx context.Context, id int64) error

	// KnowledgeStatistics summarises a user's graph.
	KnowledgeStatistics(ctx context.Context, userID int64) (*KnowledgeStatistics, error)

	Close() error
}
