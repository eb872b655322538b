package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/scrypster/conductor/internal/storage"
	"github.com/scrypster/conductor/pkg/types"
)

const (
	// defaultHalfLifeHours is the importance half-life used for decay
	// re-scoring (1 week).
	defaultHalfLifeHours = 168.0

	// defaultKeepPerType is the per-type retention budget applied during
	// maintenance eviction.
	defaultKeepPerType = 100

	// defaultShortTermTTL is the expiry applied to conversation working
	// memory.
	defaultShortTermTTL = 24 * time.Hour
)

// MemoryConfig holds retention policy knobs for the MemoryManager.
type MemoryConfig struct {
	// KeepPerType is the per-(conversation, type) record budget enforced by
	// Maintain.
	KeepPerType int

	// HalfLifeHours controls the exponential importance decay applied to
	// records that have not been accessed.
	HalfLifeHours float64

	// ShortTermTTL is the expiry attached to short-term records written via
	// SaveConversationMemory.
	ShortTermTTL time.Duration
}

func (c MemoryConfig) defaults() MemoryConfig {
	if c.KeepPerType <= 0 {
		c.KeepPerType = defaultKeepPerType
	}
	if c.HalfLifeHours <= 0 {
		c.HalfLifeHours = defaultHalfLifeHours
	}
	if c.ShortTermTTL <= 0 {
		c.ShortTermTTL = defaultShortTermTTL
	}
	return c
}

// MemoryManager wraps a MemoryStore with retention policy: importance
// clamping on write, periodic expiry sweeps, per-scope eviction, and
// access-driven importance decay.
type MemoryManager struct {
	store storage.MemoryStore
	cfg   MemoryConfig
	now   func() time.Time
}

// NewMemoryManager creates a manager over the given store.
func NewMemoryManager(store storage.MemoryStore, cfg MemoryConfig) (*MemoryManager, error) {
	if store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	return &MemoryManager{store: store, cfg: cfg.defaults(), now: time.Now}, nil
}

// SetNowFunc overrides the manager's clock for tests.
func (m *MemoryManager) SetNowFunc(now func() time.Time) { m.now = now }

// Put stores a record, clamping its importance to [0, 1].
func (m *MemoryManager) Put(ctx context.Context, memory *types.Memory) error {
	return m.store.PutMemory(ctx, memory)
}

// Access records an access and returns the record.
func (m *MemoryManager) Access(ctx context.Context, id int64) (*types.Memory, error) {
	return m.store.AccessMemory(ctx, id)
}

// Rescore overwrites a record's importance score.
func (m *MemoryManager) Rescore(ctx context.Context, id int64, score float64) error {
	return m.store.RescoreMemory(ctx, id, score)
}

// Query returns a conversation's non-expired records ordered by importance.
func (m *MemoryManager) Query(ctx context.Context, conversationID int64, memoryType types.MemoryType) ([]*types.Memory, error) {
	return m.store.QueryMemories(ctx, conversationID, memoryType)
}

// SaveConversationMemory writes a short-term working memory record with the
// configured TTL.
func (m *MemoryManager) SaveConversationMemory(ctx context.Context, conversationID int64, content string, importance float64) (*types.Memory, error) {
	expires := m.now().Add(m.cfg.ShortTermTTL)
	memory := &types.Memory{
		ConversationID:  conversationID,
		MemoryType:      types.MemoryShortTerm,
		Content:         content,
		ImportanceScore: importance,
		ExpiresAt:       &expires,
	}
	if err := m.store.PutMemory(ctx, memory); err != nil {
		return nil, err
	}
	return memory, nil
}

// AddFact writes a semantic memory record.
func (m *MemoryManager) AddFact(ctx context.Context, conversationID int64, content string, importance float64) (*types.Memory, error) {
	return m.add(ctx, conversationID, types.MemorySemantic, content, importance)
}

// AddEvent writes an episodic memory record.
func (m *MemoryManager) AddEvent(ctx context.Context, conversationID int64, content string, importance float64) (*types.Memory, error) {
	return m.add(ctx, conversationID, types.MemoryEpisodic, content, importance)
}

// AddUserPreference writes a long-term memory record. Preferences default to
// high importance so eviction keeps them around.
func (m *MemoryManager) AddUserPreference(ctx context.Context, conversationID int64, content string) (*types.Memory, error) {
	return m.add(ctx, conversationID, types.MemoryLongTerm, content, 0.9)
}

func (m *MemoryManager) add(ctx context.Context, conversationID int64, memoryType types.MemoryType, content string, importance float64) (*types.Memory, error) {
	memory := &types.Memory{
		ConversationID:  conversationID,
		MemoryType:      memoryType,
		Content:         content,
		ImportanceScore: importance,
	}
	if err := m.store.PutMemory(ctx, memory); err != nil {
		return nil, err
	}
	return memory, nil
}

// Maintain runs one maintenance pass for a conversation: sweep expired
// records, then trim each memory type down to the retention budget. Returns
// total records removed.
func (m *MemoryManager) Maintain(ctx context.Context, conversationID int64) (int, error) {
	removed, err := m.store.SweepExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("memory maintenance sweep: %w", err)
	}

	for _, mt := range []types.MemoryType{
		types.MemoryShortTerm, types.MemoryLongTerm, types.MemoryEpisodic, types.MemorySemantic,
	} {
		n, err := m.store.EvictMemories(ctx, conversationID, m.cfg.KeepPerType, mt)
		if err != nil {
			return removed, fmt.Errorf("memory maintenance evict %s: %w", mt, err)
		}
		removed += n
	}
	if removed > 0 {
		log.Printf("memory: maintenance removed %d records for conversation %d", removed, conversationID)
	}
	return removed, nil
}

// DecayedScore returns the importance a record decays to at the given
// instant: score * 2^(-hoursSinceAccess / halfLife), using created_at when
// the record was never accessed. The result stays in [0, 1].
func (m *MemoryManager) DecayedScore(memory *types.Memory, now time.Time) float64 {
	ref := memory.CreatedAt
	if memory.LastAccessedAt != nil && !memory.LastAccessedAt.IsZero() {
		ref = *memory.LastAccessedAt
	}
	hours := now.Sub(ref).Hours()
	if hours < 0 {
		hours = 0
	}
	lambda := math.Log(2) / m.cfg.HalfLifeHours
	score := memory.ImportanceScore * math.Exp(-lambda*hours)
	return math.Min(math.Max(score, 0.0), 1.0)
}

// DecayImportance re-scores every record of a conversation with its decayed
// importance. Returns the count of records whose score changed.
func (m *MemoryManager) DecayImportance(ctx context.Context, conversationID int64) (int, error) {
	memories, err := m.store.QueryMemories(ctx, conversationID, "")
	if err != nil {
		return 0, fmt.Errorf("memory decay query: %w", err)
	}

	now := m.now()
	updated := 0
	for _, memory := range memories {
		decayed := m.DecayedScore(memory, now)
		if math.Abs(decayed-memory.ImportanceScore) < 0.001 {
			continue
		}
		if err := m.store.RescoreMemory(ctx, memory.ID, decayed); err != nil {
			return updated, fmt.Errorf("memory decay rescore %d: %w", memory.ID, err)
		}
		updated++
	}
	return updated, nil
}

// ApplyWrites persists executor-produced memory records as a task
// side effect. Records without a conversation scope inherit the task's.
func (m *MemoryManager) ApplyWrites(ctx context.Context, conversationID int64, writes []*types.Memory) error {
	for _, memory := range writes {
		if memory.ConversationID == 0 {
			memory.ConversationID = conversationID
		}
		if err := m.store.PutMemory(ctx, memory); err != nil {
			return fmt.Errorf("memory side-effect write: %w", err)
		}
	}
	return nil
}

// Statistics summarises a conversation's memory population.
func (m *MemoryManager) Statistics(ctx context.Context, conversationID int64) (*storage.MemoryStatistics, error) {
	return m.store.MemoryStatistics(ctx, conversationID)
}
