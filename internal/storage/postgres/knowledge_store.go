package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/scrypster/conductor/internal/storage"
	"github.com/scrypster/conductor/pkg/types"
)

const entityColumns = `id, user_id, entity_type, entity_name, properties, created_at, updated_at`
const relationColumns = `id, from_entity_id, to_entity_id, relation_type, weight, properties, created_at`

// UpsertEntity matches on (user_id, entity_type, entity_name), merging
// properties on conflict.
func (s *Store) UpsertEntity(ctx context.Context, userID int64, entityType, entityName string, properties map[string]interface{}) (*types.Entity, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}
	if entityType == "" || entityName == "" {
		return nil, fmt.Errorf("%w: entity_type and entity_name are required", storage.ErrInvalidInput)
	}

	now := s.now().UTC()

	existing, err := s.entityByKey(ctx, userID, entityType, entityName)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("postgres: failed to look up entity: %w", err)
	}

	if err == nil {
		merged := types.MergeProperties(existing.Properties, properties)
		propsJSON, merr := marshalJSON(merged)
		if merr != nil {
			return nil, merr
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE entities SET properties = $1, updated_at = $2 WHERE id = $3`,
			propsJSON, now, existing.ID); err != nil {
			return nil, fmt.Errorf("postgres: failed to update entity %d: %w", existing.ID, err)
		}
		existing.Properties = merged
		existing.UpdatedAt = now
		return existing, nil
	}

	propsJSON, err := marshalJSON(properties)
	if err != nil {
		return nil, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO entities (user_id, entity_type, entity_name, properties, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		userID, entityType, entityName, propsJSON, now, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to insert entity: %w", err)
	}
	return &types.Entity{
		ID:         id,
		UserID:     userID,
		EntityType: entityType,
		EntityName: entityName,
		Properties: properties,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *Store) entityByKey(ctx context.Context, userID int64, entityType, entityName string) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE user_id = $1 AND entity_type = $2 AND entity_name = $3`,
		userID, entityType, entityName)
	return scanEntity(row)
}

// GetEntity returns an entity by ID, or ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, id int64) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get entity %d: %w", id, err)
	}
	return entity, nil
}

// EntitiesByUser returns a user's entities, optionally filtered by type.
func (s *Store) EntitiesByUser(ctx context.Context, userID int64, entityType string) ([]*types.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE user_id = $1`
	args := []interface{}{userID}
	if entityType != "" {
		args = append(args, entityType)
		query += fmt.Sprintf(` AND entity_type = $%d`, len(args))
	}
	query += ` ORDER BY entity_name ASC, id ASC`
	return s.queryEntities(ctx, query, args...)
}

// SearchEntities returns a user's entities whose name contains the query
// substring, case-insensitively.
func (s *Store) SearchEntities(ctx context.Context, userID int64, query string) ([]*types.Entity, error) {
	return s.queryEntities(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE user_id = $1 AND entity_name ILIKE $2
		 ORDER BY entity_name ASC, id ASC`,
		userID, "%"+query+"%")
}

// UpsertRelation matches on (from_entity_id, to_entity_id, relation_type),
// merging properties on conflict. Both endpoints must exist and belong to
// the same user.
func (s *Store) UpsertRelation(ctx context.Context, fromID, toID int64, relationType string, weight float64, properties map[string]interface{}) (*types.Relation, error) {
	if relationType == "" {
		return nil, fmt.Errorf("%w: relation_type is required", storage.ErrInvalidInput)
	}
	weight = clampScore(weight)

	from, err := s.GetEntity(ctx, fromID)
	if err != nil {
		return nil, fmt.Errorf("%w: from_entity %d does not exist", storage.ErrInvalidReference, fromID)
	}
	to, err := s.GetEntity(ctx, toID)
	if err != nil {
		return nil, fmt.Errorf("%w: to_entity %d does not exist", storage.ErrInvalidReference, toID)
	}
	if from.UserID != to.UserID {
		return nil, fmt.Errorf("%w: entities %d and %d belong to different users",
			storage.ErrInvalidReference, fromID, toID)
	}

	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+relationColumns+` FROM relations
		 WHERE from_entity_id = $1 AND to_entity_id = $2 AND relation_type = $3`,
		fromID, toID, relationType)
	existing, err := scanRelation(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("postgres: failed to look up relation: %w", err)
	}

	if err == nil {
		merged := types.MergeProperties(existing.Properties, properties)
		propsJSON, merr := marshalJSON(merged)
		if merr != nil {
			return nil, merr
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE relations SET weight = $1, properties = $2 WHERE id = $3`,
			weight, propsJSON, existing.ID); err != nil {
			return nil, fmt.Errorf("postgres: failed to update relation %d: %w", existing.ID, err)
		}
		existing.Weight = weight
		existing.Properties = merged
		return existing, nil
	}

	propsJSON, err := marshalJSON(properties)
	if err != nil {
		return nil, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO relations (from_entity_id, to_entity_id, relation_type, weight, properties, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		fromID, toID, relationType, weight, propsJSON, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to insert relation: %w", err)
	}
	return &types.Relation{
		ID:           id,
		FromEntityID: fromID,
		ToEntityID:   toID,
		RelationType: relationType,
		Weight:       weight,
		Properties:   properties,
		CreatedAt:    now,
	}, nil
}

// Neighbors returns the entities one hop away from entityID.
func (s *Store) Neighbors(ctx context.Context, entityID int64, relationType string, direction types.Direction) ([]*types.Entity, error) {
	if _, err := s.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}

	// hop builds one direction's subquery with placeholders starting at base.
	hop := func(join, where string, base int) string {
		q := `SELECT ` + prefixedEntityColumns("e") + `
			FROM relations r JOIN entities e ON e.id = r.` + join + `
			WHERE r.` + where + fmt.Sprintf(` = $%d`, base)
		if relationType != "" {
			q += fmt.Sprintf(` AND r.relation_type = $%d`, base+1)
		}
		return q
	}
	hopArgs := func() []interface{} {
		if relationType != "" {
			return []interface{}{entityID, relationType}
		}
		return []interface{}{entityID}
	}

	var query string
	var args []interface{}
	switch direction {
	case types.DirectionOutgoing:
		query, args = hop("to_entity_id", "from_entity_id", 1), hopArgs()
	case types.DirectionIncoming:
		query, args = hop("from_entity_id", "to_entity_id", 1), hopArgs()
	case types.DirectionBoth, "":
		first := hop("to_entity_id", "from_entity_id", 1)
		second := hop("from_entity_id", "to_entity_id", 1+len(hopArgs()))
		query = first + ` UNION ` + second
		args = append(hopArgs(), hopArgs()...)
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", storage.ErrInvalidInput, direction)
	}

	return s.queryEntities(ctx, query, args...)
}

// RelationsByEntity returns every relation incident to the entity.
func (s *Store) RelationsByEntity(ctx context.Context, entityID int64) ([]*types.Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationColumns+` FROM relations
		 WHERE from_entity_id = $1 OR to_entity_id = $1
		 ORDER BY id ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("postgres: relation query failed: %w", err)
	}
	defer rows.Close()

	var relations []*types.Relation
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan relation: %w", err)
		}
		relations = append(relations, rel)
	}
	return relations, rows.Err()
}

// UpdateRelationWeight overwrites a relation's weight, clamped to [0, 1].
func (s *Store) UpdateRelationWeight(ctx context.Context, relationID int64, weight float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relations SET weight = $1 WHERE id = $2`, clampScore(weight), relationID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update relation %d weight: %w", relationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteEntity removes an entity; foreign keys cascade the delete to every
// incident relation.
func (s *Store) DeleteEntity(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete entity %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteRelation removes a single relation.
func (s *Store) DeleteRelation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete relation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// KnowledgeStatistics summarises a user's graph.
func (s *Store) KnowledgeStatistics(ctx context.Context, userID int64) (*storage.KnowledgeStatistics, error) {
	stats := &storage.KnowledgeStatistics{EntitiesByType: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM entities WHERE user_id = $1 GROUP BY entity_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var et string
		var count int
		if err := rows.Scan(&et, &count); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan entity count: %w", err)
		}
		stats.EntitiesByType[et] = count
		stats.Entities += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relations r
		JOIN entities e ON e.id = r.from_entity_id
		WHERE e.user_id = $1`, userID).Scan(&stats.Relations)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count relations: %w", err)
	}
	return stats, nil
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...interface{}) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: entity query failed: %w", err)
	}
	defer rows.Close()

	var entities []*types.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func prefixedEntityColumns(alias string) string {
	return alias + `.id, ` + alias + `.user_id, ` + alias + `.entity_type, ` +
		alias + `.entity_name, ` + alias + `.properties, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		entity types.Entity
		props  sql.NullString
	)
	err := row.Scan(&entity.ID, &entity.UserID, &entity.EntityType,
		&entity.EntityName, &props, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	entity.CreatedAt = entity.CreatedAt.UTC()
	entity.UpdatedAt = entity.UpdatedAt.UTC()
	entity.Properties, err = unmarshalJSON(props)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func scanRelation(row rowScanner) (*types.Relation, error) {
	var (
		relation types.Relation
		props    sql.NullString
	)
	err := row.Scan(&relation.ID, &relation.FromEntityID, &relation.ToEntityID,
		&relation.RelationType, &relation.Weight, &props, &relation.CreatedAt)
	if err != nil {
		return nil, err
	}
	relation.CreatedAt = relation.CreatedAt.UTC()
	relation.Properties, err = unmarshalJSON(props)
	if err != nil {
		return nil, err
	}
	return &relation, nil
}
