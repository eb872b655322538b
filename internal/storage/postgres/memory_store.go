package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/conductor/internal/storage"
	"github.com/scrypster/conductor/pkg/types"
)

const memoryColumns = `id, conversation_id, memory_type, content, embedding,
	importance_score, access_count, last_accessed_at, expires_at, metadata, created_at`

// PutMemory inserts a record and assigns its ID. When pgvector is available
// and the embedding blob decodes as a float32 vector, it is mirrored into the
// embedding_vec column for cosine-distance queries by external indexers.
func (s *Store) PutMemory(ctx context.Context, memory *types.Memory) error {
	if memory == nil {
		return storage.ErrInvalidInput
	}
	if memory.ConversationID == 0 {
		return fmt.Errorf("%w: conversation_id is required", storage.ErrInvalidInput)
	}
	if !types.ValidMemoryType(memory.MemoryType) {
		return fmt.Errorf("%w: unknown memory_type %q", storage.ErrInvalidInput, memory.MemoryType)
	}
	if memory.Content == "" {
		return fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	memory.ImportanceScore = clampScore(memory.ImportanceScore)

	metaJSON, err := marshalJSON(memory.Metadata)
	if err != nil {
		return err
	}
	if memory.CreatedAt.IsZero() {
		memory.CreatedAt = s.now().UTC()
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO memories (
			conversation_id, memory_type, content, embedding, importance_score,
			access_count, last_accessed_at, expires_at, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		memory.ConversationID, string(memory.MemoryType), memory.Content,
		memory.Embedding, memory.ImportanceScore, memory.AccessCount,
		nullTime(memory.LastAccessedAt), nullTime(memory.ExpiresAt),
		metaJSON, memory.CreatedAt,
	).Scan(&memory.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert memory: %w", err)
	}

	if s.pgvectorAvailable {
		if vec, ok := decodeVector(memory.Embedding); ok {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE memories SET embedding_vec = $1 WHERE id = $2`,
				pgvector.NewVector(vec), memory.ID); err != nil {
				return fmt.Errorf("postgres: failed to mirror embedding vector: %w", err)
			}
		}
	}
	return nil
}

// notExpired is the predicate every read path applies: a record with a past
// expires_at is invisible even before a sweep removes it.
func notExpired(argPos int) string {
	return fmt.Sprintf(`(expires_at IS NULL OR expires_at > $%d)`, argPos)
}

// GetMemory returns a record by ID, or ErrNotFound if absent or expired.
func (s *Store) GetMemory(ctx context.Context, id int64) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1 AND `+notExpired(2),
		id, s.now().UTC())
	memory, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get memory %d: %w", id, err)
	}
	return memory, nil
}

// AccessMemory increments access_count, refreshes last_accessed_at and
// returns the record.
func (s *Store) AccessMemory(ctx context.Context, id int64) (*types.Memory, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = $1
		WHERE id = $2 AND `+notExpired(3), now, id, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to record memory access: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrNotFound
	}
	return s.GetMemory(ctx, id)
}

// RescoreMemory overwrites the importance score, clamped to [0, 1].
func (s *Store) RescoreMemory(ctx context.Context, id int64, score float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET importance_score = $1 WHERE id = $2 AND `+notExpired(3),
		clampScore(score), id, s.now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to rescore memory %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// QueryMemories returns a conversation's non-expired records ordered by
// importance descending.
func (s *Store) QueryMemories(ctx context.Context, conversationID int64, memoryType types.MemoryType) ([]*types.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories
		WHERE conversation_id = $1 AND ` + notExpired(2)
	args := []interface{}{conversationID, s.now().UTC()}

	if memoryType != "" {
		args = append(args, string(memoryType))
		query += fmt.Sprintf(` AND memory_type = $%d`, len(args))
	}
	query += ` ORDER BY importance_score DESC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: memory query failed: %w", err)
	}
	defer rows.Close()

	var memories []*types.Memory
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan memory: %w", err)
		}
		memories = append(memories, memory)
	}
	return memories, rows.Err()
}

// SweepExpired removes every record whose expires_at is at or before now.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to sweep expired memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count swept memories: %w", err)
	}
	return int(n), nil
}

// EvictMemories trims a conversation scope down to keepN records, removing
// the lowest importance_score first with oldest last_accessed_at as the
// tie-break. NULLS FIRST keeps never-accessed records at the front of the
// eviction order, matching SQLite's ASC NULL placement.
func (s *Store) EvictMemories(ctx context.Context, conversationID int64, keepN int, memoryType types.MemoryType) (int, error) {
	if keepN < 0 {
		return 0, fmt.Errorf("%w: keep_n must be non-negative", storage.ErrInvalidInput)
	}

	args := []interface{}{conversationID, s.now().UTC()}
	typeFilter := ""
	if memoryType != "" {
		args = append(args, string(memoryType))
		typeFilter = fmt.Sprintf(` AND memory_type = $%d`, len(args))
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE conversation_id = $1 AND `+notExpired(2)+typeFilter,
		args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count memories for eviction: %w", err)
	}
	excess := count - keepN
	if excess <= 0 {
		return 0, nil
	}

	delArgs := append(append([]interface{}{}, args...), excess)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM memories WHERE id IN (
			SELECT id FROM memories
			WHERE conversation_id = $1 AND `+notExpired(2)+typeFilter+`
			ORDER BY importance_score ASC, last_accessed_at ASC NULLS FIRST, id ASC
			LIMIT $%d
		)`, len(delArgs)), delArgs...)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to evict memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count evicted memories: %w", err)
	}
	return int(n), nil
}

// ExtendExpiration pushes a record's expiry out by the given duration, or
// sets one relative to now if the record had none.
func (s *Store) ExtendExpiration(ctx context.Context, id int64, by time.Duration) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET expires_at = CASE
			WHEN expires_at IS NULL THEN $1
			ELSE expires_at + make_interval(secs => $2)
		END
		WHERE id = $3 AND `+notExpired(4), now.Add(by), by.Seconds(), id, now)
	if err != nil {
		return fmt.Errorf("postgres: failed to extend memory %d expiration: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MemoryStatistics summarises a conversation's memory population.
func (s *Store) MemoryStatistics(ctx context.Context, conversationID int64) (*storage.MemoryStatistics, error) {
	now := s.now().UTC()
	stats := &storage.MemoryStatistics{ByType: make(map[types.MemoryType]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_type, COUNT(*), COALESCE(AVG(importance_score), 0)
		FROM memories WHERE conversation_id = $1 AND `+notExpired(2)+`
		GROUP BY memory_type`, conversationID, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to compute memory statistics: %w", err)
	}
	defer rows.Close()

	var weighted float64
	for rows.Next() {
		var mt string
		var count int
		var avg float64
		if err := rows.Scan(&mt, &count, &avg); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan memory statistics: %w", err)
		}
		stats.ByType[types.MemoryType(mt)] = count
		stats.Total += count
		weighted += avg * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.Total > 0 {
		stats.AvgImportance = weighted / float64(stats.Total)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories
		WHERE conversation_id = $1 AND expires_at IS NOT NULL AND expires_at <= $2`,
		conversationID, now).Scan(&stats.Expired)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count expired memories: %w", err)
	}
	return stats, nil
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var (
		memory       types.Memory
		memoryType   string
		embedding    []byte
		lastAccessed sql.NullTime
		expires      sql.NullTime
		metadata     sql.NullString
	)
	err := row.Scan(
		&memory.ID, &memory.ConversationID, &memoryType, &memory.Content,
		&embedding, &memory.ImportanceScore, &memory.AccessCount,
		&lastAccessed, &expires, &metadata, &memory.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	memory.MemoryType = types.MemoryType(memoryType)
	memory.Embedding = embedding
	memory.LastAccessedAt = timePtr(lastAccessed)
	memory.ExpiresAt = timePtr(expires)
	memory.CreatedAt = memory.CreatedAt.UTC()
	memory.Metadata, err = unmarshalJSON(metadata)
	if err != nil {
		return nil, err
	}
	return &memory, nil
}

// decodeVector interprets an embedding blob as little-endian float32 values.
// Producers that use a different encoding simply skip the vector mirror.
func decodeVector(blob []byte) ([]float32, bool) {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		f := math.Float32frombits(bits)
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, false
		}
		vec[i] = f
	}
	return vec, true
}
