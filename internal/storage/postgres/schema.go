// Package postgres provides PostgreSQL implementations of storage interfaces.
package postgres

// Schema contains the SQL statements to create the database schema for PostgreSQL.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    automation_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    persona JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    external_ref TEXT NOT NULL,
    display_name TEXT,
    automation_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    stage TEXT NOT NULL DEFAULT 'discovery',
    stage_evidence_id TEXT,
    response_latency_avg DOUBLE PRECISION,
    reciprocity_ratio DOUBLE PRECISION,
    last_inbound_at TIMESTAMPTZ,
    last_reply_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (account_id, external_ref)
);

-- Every message that moved a contact's stage, so none can move it twice.
CREATE TABLE IF NOT EXISTS stage_advances (
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    evidence_id TEXT NOT NULL,
    from_stage TEXT NOT NULL,
    to_stage TEXT NOT NULL,
    advanced_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (contact_id, evidence_id)
);

-- Facts are append-only per key; a changed value is a new version row.
CREATE TABLE IF NOT EXISTS facts (
    id TEXT PRIMARY KEY,
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    decay_weight DOUBLE PRECISION NOT NULL,
    version INTEGER NOT NULL,
    origin_message_id TEXT,
    first_observed_at TIMESTAMPTZ NOT NULL,
    last_reinforced_at TIMESTAMPTZ NOT NULL,
    UNIQUE (contact_id, key, version)
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    conversation_id TEXT NOT NULL,
    external_id TEXT,
    direction TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    seq BIGSERIAL,
    text TEXT NOT NULL DEFAULT '',
    media_ref TEXT,
    media_type TEXT,
    annotation JSONB,
    needs_review BOOLEAN NOT NULL DEFAULT FALSE,
    review_reason TEXT,
    queued BOOLEAN NOT NULL DEFAULT FALSE,
    embedding BYTEA,
    embedding_dimension INTEGER,
    embedding_model TEXT,
    text_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', text)) STORED
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
    ON messages(contact_id, external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_messages_contact_ts ON messages(contact_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_text_tsv ON messages USING GIN(text_tsv);

CREATE TABLE IF NOT EXISTS outbound_replies (
    id TEXT PRIMARY KEY,
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    in_reply_to TEXT NOT NULL,
    text TEXT NOT NULL,
    parts JSONB NOT NULL,
    context_summary JSONB NOT NULL,
    meta_tags JSONB NOT NULL,
    status TEXT NOT NULL,
    delivery_ids JSONB,
    error TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_replies_contact ON outbound_replies(contact_id, created_at);
`

// MigrationPgvector adds a pgvector column to messages.
// This migration is only applied when the vector extension is available.
// Safe to run multiple times (uses IF NOT EXISTS / conditional checks).
const MigrationPgvector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'messages' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE messages ADD COLUMN embedding_vec vector;
    END IF;
END
$$;
`
