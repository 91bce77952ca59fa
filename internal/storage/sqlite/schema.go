package sqlite

// Schema creates the domain tables. Timestamps are stored as INTEGER Unix
// nanoseconds (UTC) so ordering is numeric and exact.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                 TEXT PRIMARY KEY,
	automation_enabled INTEGER NOT NULL DEFAULT 0,
	persona            TEXT,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	id                   TEXT PRIMARY KEY,
	account_id           TEXT NOT NULL,
	external_ref         TEXT NOT NULL,
	display_name         TEXT,
	automation_enabled   INTEGER NOT NULL DEFAULT 0,
	stage                TEXT NOT NULL DEFAULT 'discovery',
	stage_evidence_id    TEXT,
	response_latency_avg REAL,
	reciprocity_ratio    REAL,
	last_inbound_at      INTEGER,
	last_reply_at        INTEGER,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	UNIQUE(account_id, external_ref)
);

-- Every message that moved a contact's stage, so none can move it twice.
CREATE TABLE IF NOT EXISTS stage_advances (
	contact_id  TEXT NOT NULL REFERENCES contacts(id),
	evidence_id TEXT NOT NULL,
	from_stage  TEXT NOT NULL,
	to_stage    TEXT NOT NULL,
	advanced_at INTEGER NOT NULL,
	PRIMARY KEY (contact_id, evidence_id)
);

CREATE TABLE IF NOT EXISTS facts (
	id                 TEXT PRIMARY KEY,
	contact_id         TEXT NOT NULL REFERENCES contacts(id),
	key                TEXT NOT NULL,
	value              TEXT NOT NULL,
	confidence         REAL NOT NULL,
	decay_weight       REAL NOT NULL,
	version            INTEGER NOT NULL,
	origin_message_id  TEXT,
	first_observed_at  INTEGER NOT NULL,
	last_reinforced_at INTEGER NOT NULL,
	UNIQUE(contact_id, key, version)
);

CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	contact_id          TEXT NOT NULL REFERENCES contacts(id),
	conversation_id     TEXT NOT NULL,
	external_id         TEXT,
	direction           TEXT NOT NULL,
	timestamp           INTEGER NOT NULL,
	text                TEXT NOT NULL DEFAULT '',
	media_ref           TEXT,
	media_type          TEXT,
	annotation          TEXT,
	needs_review        INTEGER NOT NULL DEFAULT 0,
	review_reason       TEXT,
	queued              INTEGER NOT NULL DEFAULT 0,
	embedding           BLOB,
	embedding_dimension INTEGER,
	embedding_model     TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
	ON messages(contact_id, external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_messages_contact_ts ON messages(contact_id, timestamp);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	text,
	content='messages',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
END;

CREATE TABLE IF NOT EXISTS outbound_replies (
	id              TEXT PRIMARY KEY,
	contact_id      TEXT NOT NULL REFERENCES contacts(id),
	in_reply_to     TEXT NOT NULL,
	text            TEXT NOT NULL,
	parts           TEXT NOT NULL,
	context_summary TEXT NOT NULL,
	meta_tags       TEXT NOT NULL,
	status          TEXT NOT NULL,
	delivery_ids    TEXT,
	error           TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_replies_contact ON outbound_replies(contact_id, created_at);
`

// QueueSchema creates the queue table used by QueueStore.
const QueueSchema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL,
	payload     BLOB NOT NULL,
	priority    INTEGER NOT NULL,
	seq         INTEGER NOT NULL,
	state       TEXT NOT NULL CHECK (state IN ('pending', 'in_flight', 'delayed', 'dead')),
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	due_at      INTEGER,
	started_at  INTEGER,
	dead_at     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_queue_pending ON queue_messages(queue, state, priority, seq);
CREATE INDEX IF NOT EXISTS idx_queue_due ON queue_messages(state, due_at);
`
