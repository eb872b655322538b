package storage

import (
	"errors"
	"time"

	"github.com/scrypster/conductor/pkg/types"
)

var (
	// ErrNotFound indicates that the requested record does not exist (or, for
	// memories, has expired and is logically dead).
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates malformed input: a missing required field, an
	// unknown enum value, a score out of range, or a dependency that crosses
	// conversations. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidReference indicates that a relation endpoint does not exist
	// or that the two endpoints belong to different users.
	ErrInvalidReference = errors.New("invalid entity reference")
)

// TaskFilter narrows task list queries. Zero values mean "no filter".
type TaskFilter struct {
	Status   types.TaskStatus
	TaskType types.TaskType
}

// TaskStatistics is a per-status task count breakdown for a conversation.
type TaskStatistics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// TerminalUpdate carries the outcome written when a task leaves running.
// Result and ErrorMessage are mutually exclusive.
type TerminalUpdate struct {
	Result       string
	ErrorMessage string
}

// MemoryStatistics summarises the memory population for a conversation.
type MemoryStatistics struct {
	Total         int                      `json:"total"`
	ByType        map[types.MemoryType]int `json:"by_type"`
	AvgImportance float64                  `json:"avg_importance"`
	Expired       int                      `json:"expired"`
}

// KnowledgeStatistics summarises a user's knowledge graph.
type KnowledgeStatistics struct {
	Entities      int            `json:"entities"`
	Relations     int            `json:"relations"`
	EntitiesByType map[string]int `json:"entities_by_type"`
}

// NowFunc supplies the current time; stores take one so tests can pin the
// clock for expiry and eviction assertions.
type NowFunc func() time.Time
