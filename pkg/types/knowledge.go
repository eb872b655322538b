package types

import "time"

// Entity is a node in a user's knowledge graph. Entities are user-scoped,
// not conversation-scoped, and are identified for upsert purposes by the
// (UserID, EntityType, EntityName) triple.
type Entity struct {
	ID         int64                  `json:"id"`
	UserID     int64                  `json:"user_id"`
	EntityType string                 `json:"entity_type"`
	EntityName string                 `json:"entity_name"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Relation is a directed weighted edge between two entities owned by the
// same user. Relations are identified for upsert purposes by the
// (FromEntityID, ToEntityID, RelationType) triple. Deleting either endpoint
// entity cascades to the relation.
type Relation struct {
	ID           int64                  `json:"id"`
	FromEntityID int64                  `json:"from_entity_id"`
	ToEntityID   int64                  `json:"to_entity_id"`
	RelationType string                 `json:"relation_type"`

	// Weight is clamped to [0, 1].
	Weight float64 `json:"weight"`

	Properties map[string]interface{} `json:"properties,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Direction selects which edges a neighbor query follows.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// MergeProperties merges src into dst: new keys are added, existing keys are
// overwritten. A nil dst is allocated on demand. Used by upsert paths for
// both entities and relations.
func MergeProperties(dst, src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
