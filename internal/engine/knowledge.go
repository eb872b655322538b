package engine

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/conductor/internal/storage"
	"github.com/scrypster/conductor/pkg/types"
)

// defaultEntityCacheSize bounds the in-process entity cache.
const defaultEntityCacheSize = 512

// Knowledge wraps a KnowledgeStore with an LRU entity cache and the
// side-effect application used by the scheduler when a completed task
// produces entity or relation writes.
type Knowledge struct {
	store storage.KnowledgeStore
	cache *lru.Cache[int64, *types.Entity]
}

// NewKnowledge creates the knowledge service. cacheSize <= 0 selects the
// default.
func NewKnowledge(store storage.KnowledgeStore, cacheSize int) (*Knowledge, error) {
	if store == nil {
		return nil, fmt.Errorf("knowledge store is required")
	}
	if cacheSize <= 0 {
		cacheSize = defaultEntityCacheSize
	}
	cache, err := lru.New[int64, *types.Entity](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create entity cache: %w", err)
	}
	return &Knowledge{store: store, cache: cache}, nil
}

// UpsertEntity merges an entity into the user's graph and refreshes the
// cache entry.
func (k *Knowledge) UpsertEntity(ctx context.Context, userID int64, entityType, entityName string, properties map[string]interface{}) (*types.Entity, error) {
	entity, err := k.store.UpsertEntity(ctx, userID, entityType, entityName, properties)
	if err != nil {
		return nil, err
	}
	k.cache.Add(entity.ID, entity)
	return entity, nil
}

// Entity returns an entity by ID, serving repeated lookups from the cache.
func (k *Knowledge) Entity(ctx context.Context, id int64) (*types.Entity, error) {
	if entity, ok := k.cache.Get(id); ok {
		return entity, nil
	}
	entity, err := k.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	k.cache.Add(id, entity)
	return entity, nil
}

// UpsertRelation merges a relation between two entities of the same user.
func (k *Knowledge) UpsertRelation(ctx context.Context, fromID, toID int64, relationType string, weight float64, properties map[string]interface{}) (*types.Relation, error) {
	return k.store.UpsertRelation(ctx, fromID, toID, relationType, weight, properties)
}

// Neighbors returns the entities one hop away.
func (k *Knowledge) Neighbors(ctx context.Context, entityID int64, relationType string, direction types.Direction) ([]*types.Entity, error) {
	return k.store.Neighbors(ctx, entityID, relationType, direction)
}

// Search returns a user's entities whose name contains the query substring.
func (k *Knowledge) Search(ctx context.Context, userID int64, query string) ([]*types.Entity, error) {
	return k.store.SearchEntities(ctx, userID, query)
}

// DeleteEntity removes an entity (relations cascade) and drops it from the
// cache.
func (k *Knowledge) DeleteEntity(ctx context.Context, id int64) error {
	if err := k.store.DeleteEntity(ctx, id); err != nil {
		return err
	}
	k.cache.Remove(id)
	return nil
}

// Path finds a shortest chain of entities connecting fromID to toID within
// maxDepth hops, following edges in either direction. Returns nil when no
// path exists.
func (k *Knowledge) Path(ctx context.Context, fromID, toID int64, maxDepth int) ([]*types.Entity, error) {
	if maxDepth < 1 {
		maxDepth = 3
	}
	start, err := k.Entity(ctx, fromID)
	if err != nil {
		return nil, err
	}
	if fromID == toID {
		return []*types.Entity{start}, nil
	}

	// BFS over the relation graph; parent links reconstruct the path.
	visited := map[int64]bool{fromID: true}
	parent := map[int64]int64{}
	frontier := []int64{fromID}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []int64
		for _, id := range frontier {
			neighbors, err := k.store.Neighbors(ctx, id, "", types.DirectionBoth)
			if err != nil {
				return nil, fmt.Errorf("path traversal at entity %d: %w", id, err)
			}
			for _, n := range neighbors {
				if visited[n.ID] {
					continue
				}
				visited[n.ID] = true
				parent[n.ID] = id
				if n.ID == toID {
					return k.buildPath(ctx, fromID, toID, parent)
				}
				next = append(next, n.ID)
			}
		}
		frontier = next
	}
	return nil, nil
}

func (k *Knowledge) buildPath(ctx context.Context, fromID, toID int64, parent map[int64]int64) ([]*types.Entity, error) {
	var ids []int64
	for id := toID; ; id = parent[id] {
		ids = append(ids, id)
		if id == fromID {
			break
		}
	}
	// Reverse into from→to order and resolve entities.
	path := make([]*types.Entity, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		entity, err := k.Entity(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		path = append(path, entity)
	}
	return path, nil
}

// ApplyWrites persists executor-produced entity and relation upserts as a
// task side effect, in order. Relation endpoints given by (type, name) are
// resolved against entities upserted earlier in the same batch.
func (k *Knowledge) ApplyWrites(ctx context.Context, userID int64, writes []KnowledgeWrite) error {
	// byKey resolves name-keyed relation endpoints within the batch.
	byKey := make(map[string]int64)
	key := func(entityType, entityName string) string { return entityType + "\x00" + entityName }

	for i, w := range writes {
		switch {
		case w.Entity != nil:
			uid := w.Entity.UserID
			if uid == 0 {
				uid = userID
			}
			entity, err := k.UpsertEntity(ctx, uid, w.Entity.EntityType, w.Entity.EntityName, w.Entity.Properties)
			if err != nil {
				return fmt.Errorf("knowledge write %d (entity %s/%s): %w",
					i, w.Entity.EntityType, w.Entity.EntityName, err)
			}
			byKey[key(entity.EntityType, entity.EntityName)] = entity.ID

		case w.Relation != nil:
			fromID := w.Relation.FromEntityID
			if fromID == 0 {
				fromID = byKey[key(w.Relation.FromType, w.Relation.FromName)]
			}
			toID := w.Relation.ToEntityID
			if toID == 0 {
				toID = byKey[key(w.Relation.ToType, w.Relation.ToName)]
			}
			if fromID == 0 || toID == 0 {
				return fmt.Errorf("%w: knowledge write %d references an unresolved endpoint",
					storage.ErrInvalidReference, i)
			}
			if _, err := k.UpsertRelation(ctx, fromID, toID, w.Relation.RelationType, w.Relation.Weight, w.Relation.Properties); err != nil {
				return fmt.Errorf("knowledge write %d (relation %s): %w", i, w.Relation.RelationType, err)
			}

		default:
			return fmt.Errorf("%w: knowledge write %d has neither entity nor relation", storage.ErrInvalidInput, i)
		}
	}
	return nil
}

// Statistics summarises a user's graph.
func (k *Knowledge) Statistics(ctx context.Context, userID int64) (*storage.KnowledgeStatistics, error) {
	return k.store.KnowledgeStatistics(ctx, userID)
}
