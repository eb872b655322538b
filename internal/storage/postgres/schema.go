// Package postgres provides PostgreSQL implementations of the Conductor
// storage interfaces.
package postgres

// Schema contains the SQL statements to create the database schema for
// PostgreSQL. All statements are idempotent.
const Schema = `
-- Tasks table: orchestration units with dependency and retry tracking
CREATE TABLE IF NOT EXISTS tasks (
    id BIGSERIAL PRIMARY KEY,
    conversation_id BIGINT NOT NULL,
    parent_task_id BIGINT REFERENCES tasks(id) ON DELETE CASCADE,
    task_type TEXT NOT NULL,
    description TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    priority INTEGER NOT NULL DEFAULT 0,

    -- Dependency task IDs (JSON array)
    dependencies JSONB,

    -- Outcome fields (mutually exclusive)
    result TEXT,
    error_message TEXT,

    -- Retry tracking
    retry_count INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMP,

    -- Metadata (JSON)
    metadata JSONB,

    -- Timestamps
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_schedule ON tasks(conversation_id, status, priority DESC, created_at ASC);

-- Memories table: conversation-scoped records with retention signals
CREATE TABLE IF NOT EXISTS memories (
    id BIGSERIAL PRIMARY KEY,
    conversation_id BIGINT NOT NULL,
    memory_type TEXT NOT NULL,
    content TEXT NOT NULL,

    -- Opaque embedding blob; mirrored into embedding_vec when pgvector is available
    embedding BYTEA,

    -- Retention signals
    importance_score REAL NOT NULL DEFAULT 0.0,
    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMP,
    expires_at TIMESTAMP,

    metadata JSONB,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_memories_conversation ON memories(conversation_id, memory_type);
CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at) WHERE expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_memories_retention ON memories(conversation_id, importance_score ASC, last_accessed_at ASC);

-- Entities table: knowledge graph nodes
CREATE TABLE IF NOT EXISTS entities (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_name TEXT NOT NULL,
    properties JSONB,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(user_id, entity_type, entity_name)
);

CREATE INDEX IF NOT EXISTS idx_entities_user ON entities(user_id, entity_type);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(user_id, entity_name);

-- Relations table: weighted directed edges between entities
CREATE TABLE IF NOT EXISTS relations (
    id BIGSERIAL PRIMARY KEY,
    from_entity_id BIGINT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    to_entity_id BIGINT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    relation_type TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    properties JSONB,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(from_entity_id, to_entity_id, relation_type)
);

CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_entity_id);
CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_entity_id);
`

// MigrationPgvector adds the vector mirror column for the memory embedding.
// It is applied only when the pgvector extension is installed.
const MigrationPgvector = `
ALTER TABLE memories ADD COLUMN IF NOT EXISTS embedding_vec vector;
`
