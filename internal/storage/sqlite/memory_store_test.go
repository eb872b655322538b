package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scrypster/conductor/internal/storage"
	"github.com/scrypster/conductor/pkg/types"
)

func newMemory(conversationID int64, content string, importance float64) *types.Memory {
	return &types.Memory{
		ConversationID:  conversationID,
		MemoryType:      types.MemorySemantic,
		Content:         content,
		ImportanceScore: importance,
	}
}

func mustPut(t *testing.T, s *Store, memory *types.Memory) *types.Memory {
	t.Helper()
	if err := s.PutMemory(context.Background(), memory); err != nil {
		t.Fatalf("failed to put memory: %v", err)
	}
	return memory
}

func TestPutAndGetMemory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := newMemory(1, "the user prefers dark mode", 0.8)
	mem.Embedding = []byte{0x01, 0x02, 0x03, 0x04}
	mem.Metadata = map[string]interface{}{"source": "conversation"}
	mustPut(t, store, mem)

	got, err := store.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != mem.Content {
		t.Errorf("content mismatch: %q", got.Content)
	}
	if got.ImportanceScore != 0.8 {
		t.Errorf("expected importance 0.8, got %v", got.ImportanceScore)
	}
	if len(got.Embedding) != 4 {
		t.Errorf("embedding blob did not round-trip: %v", got.Embedding)
	}
	if got.Metadata["source"] != "conversation" {
		t.Errorf("metadata did not round-trip: %v", got.Metadata)
	}
}

func TestPutMemoryClampsImportance(t *testing.T) {
	store := newTestStore(t)

	mem := newMemory(1, "over the top", 3.5)
	mustPut(t, store, mem)
	if mem.ImportanceScore != 1.0 {
		t.Errorf("expected importance clamped to 1.0, got %v", mem.ImportanceScore)
	}
}

func TestPutMemoryValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bad := &types.Memory{ConversationID: 1, MemoryType: "bogus", Content: "x"}
	if err := store.PutMemory(ctx, bad); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown type, got %v", err)
	}
	empty := &types.Memory{ConversationID: 1, MemoryType: types.MemorySemantic}
	if err := store.PutMemory(ctx, empty); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty content, got %v", err)
	}
}

func TestExpiredMemoryInvisibleBeforeSweep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store.SetNowFunc(func() time.Time { return clock })

	expiry := base.Add(time.Hour)
	mem := newMemory(1, "short lived", 0.5)
	mem.MemoryType = types.MemoryShortTerm
	mem.ExpiresAt = &expiry
	mustPut(t, store, mem)

	// Visible before expiry.
	if _, err := store.GetMemory(ctx, mem.ID); err != nil {
		t.Fatalf("expected memory visible before expiry: %v", err)
	}

	clock = base.Add(2 * time.Hour)

	// Invisible to every read path even though no sweep has run.
	if _, err := store.GetMemory(ctx, mem.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetMemory: expected ErrNotFound for expired record, got %v", err)
	}
	if _, err := store.AccessMemory(ctx, mem.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("AccessMemory: expected ErrNotFound for expired record, got %v", err)
	}
	results, err := store.QueryMemories(ctx, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("QueryMemories should not return expired records, got %d", len(results))
	}

	n, err := store.SweepExpired(ctx, clock)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected sweep to remove 1 record, got %d", n)
	}
}

func TestAccessMemoryUpdatesSignals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })

	mem := mustPut(t, store, newMemory(1, "accessed", 0.5))

	got, err := store.AccessMemory(ctx, mem.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessCount != 1 {
		t.Errorf("expected access_count 1, got %d", got.AccessCount)
	}
	if got.LastAccessedAt == nil || !got.LastAccessedAt.Equal(now) {
		t.Errorf("expected last_accessed_at %v, got %v", now, got.LastAccessedAt)
	}
}

func TestQueryMemoriesOrderAndTypeFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	low := mustPut(t, store, newMemory(1, "low", 0.2))
	high := mustPut(t, store, newMemory(1, "high", 0.9))
	episodic := newMemory(1, "event", 0.5)
	episodic.MemoryType = types.MemoryEpisodic
	mustPut(t, store, episodic)

	all, err := store.QueryMemories(ctx, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != high.ID || all[2].ID != low.ID {
		t.Errorf("unexpected ordering: %v", ids(all))
	}

	semantic, err := store.QueryMemories(ctx, 1, types.MemorySemantic)
	if err != nil {
		t.Fatal(err)
	}
	if len(semantic) != 2 {
		t.Errorf("expected 2 semantic memories, got %d", len(semantic))
	}
}

func TestEvictMemoriesLowestImportanceFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lowest := mustPut(t, store, newMemory(1, "a", 0.1))
	keepHigh := mustPut(t, store, newMemory(1, "b", 0.9))
	keepMid := mustPut(t, store, newMemory(1, "c", 0.3))

	n, err := store.EvictMemories(ctx, 1, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, err := store.GetMemory(ctx, lowest.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected lowest-importance record evicted, got %v", err)
	}
	for _, id := range []int64{keepHigh.ID, keepMid.ID} {
		if _, err := store.GetMemory(ctx, id); err != nil {
			t.Errorf("expected record %d kept: %v", id, err)
		}
	}
}

func TestEvictMemoriesTieBreakLRU(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })

	// Same importance; only one has been accessed.
	neverAccessed := mustPut(t, store, newMemory(1, "cold", 0.5))
	accessed := mustPut(t, store, newMemory(1, "warm", 0.5))
	if _, err := store.AccessMemory(ctx, accessed.ID); err != nil {
		t.Fatal(err)
	}

	n, err := store.EvictMemories(ctx, 1, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, err := store.GetMemory(ctx, neverAccessed.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("never-accessed record should evict first, got %v", err)
	}
	if _, err := store.GetMemory(ctx, accessed.ID); err != nil {
		t.Errorf("recently accessed record should survive: %v", err)
	}
}

func TestEvictMemoriesScopedByType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	semantic := mustPut(t, store, newMemory(1, "fact", 0.1))
	episodic := newMemory(1, "event", 0.1)
	episodic.MemoryType = types.MemoryEpisodic
	mustPut(t, store, episodic)

	n, err := store.EvictMemories(ctx, 1, 0, types.MemoryEpisodic)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, err := store.GetMemory(ctx, semantic.ID); err != nil {
		t.Errorf("semantic record should be untouched: %v", err)
	}
}

func TestExtendExpiration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store.SetNowFunc(func() time.Time { return clock })

	expiry := base.Add(time.Hour)
	mem := newMemory(1, "extend me", 0.5)
	mem.ExpiresAt = &expiry
	mustPut(t, store, mem)

	if err := store.ExtendExpiration(ctx, mem.ID, time.Hour); err != nil {
		t.Fatal(err)
	}

	clock = base.Add(90 * time.Minute)
	if _, err := store.GetMemory(ctx, mem.ID); err != nil {
		t.Errorf("record should still be visible after extension: %v", err)
	}
}

func TestMemoryStatistics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })

	mustPut(t, store, newMemory(1, "a", 0.4))
	mustPut(t, store, newMemory(1, "b", 0.6))
	episodic := newMemory(1, "c", 0.5)
	episodic.MemoryType = types.MemoryEpisodic
	mustPut(t, store, episodic)

	past := now.Add(-time.Hour)
	expired := newMemory(1, "gone", 0.5)
	expired.ExpiresAt = &past
	mustPut(t, store, expired)

	stats, err := store.MemoryStatistics(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 {
		t.Errorf("expected 3 live records, got %d", stats.Total)
	}
	if stats.ByType[types.MemorySemantic] != 2 {
		t.Errorf("expected 2 semantic, got %d", stats.ByType[types.MemorySemantic])
	}
	if stats.Expired != 1 {
		t.Errorf("expected 1 expired, got %d", stats.Expired)
	}
	if stats.AvgImportance < 0.49 || stats.AvgImportance > 0.51 {
		t.Errorf("expected average importance ~0.5, got %v", stats.AvgImportance)
	}
}

func ids(memories []*types.Memory) []int64 {
	out := make([]int64, len(memories))
	for i, m := range memories {
		out[i] = m.ID
	}
	return out
}
