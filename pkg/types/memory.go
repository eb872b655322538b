package types

import "time"

// MemoryType classifies a memory record by retention semantics.
type MemoryType string

const (
	MemoryShortTerm MemoryType = "short_term" // working context, usually carries an expiry
	MemoryLongTerm  MemoryType = "long_term"  // durable preferences and commitments
	MemoryEpisodic  MemoryType = "episodic"   // things that happened
	MemorySemantic  MemoryType = "semantic"   // facts and concepts
)

// ValidMemoryType reports whether m is one of the known memory types.
func ValidMemoryType(m MemoryType) bool {
	switch m {
	case MemoryShortTerm, MemoryLongTerm, MemoryEpisodic, MemorySemantic:
		return true
	}
	return false
}

// Memory is a single contextual memory record scoped to a conversation.
//
// ImportanceScore drives retention: eviction removes the lowest-scored
// records first, with oldest LastAccessedAt as the tie-break. A record whose
// ExpiresAt lies in the past is logically dead and must never surface from a
// read path, even before a sweep removes it.
type Memory struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	MemoryType     MemoryType `json:"memory_type"`
	Content        string     `json:"content"`

	// Embedding is an opaque vector blob forwarded to an external similarity
	// index; the engine never interprets it.
	Embedding []byte `json:"embedding,omitempty"`

	// ImportanceScore is clamped to [0, 1]. Defaults to 0 on insert.
	ImportanceScore float64 `json:"importance_score"`

	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// ExpiresAt is typically only set for short-term memories.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// IsExpired reports whether the memory is logically dead at the given instant.
func (m *Memory) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}
