package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// embeddingDimensions is the vector dimension of the knowledge_documents
// embedding column. It must match the embeddings model
// (text-embedding-3-small → 1536). Changing it after the first migration
// requires a manual schema change.
const embeddingDimensions = 1536

// ─────────────────────────────────────────────────────────────────────────────
// DDL — SIP devices and agent configuration
// ─────────────────────────────────────────────────────────────────────────────

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agent_configs (
    id               TEXT         PRIMARY KEY,
    name             TEXT         NOT NULL,
    llm_config       JSONB        NOT NULL DEFAULT '{}',
    stt_config       JSONB        NOT NULL DEFAULT '{}',
    tts_config       JSONB        NOT NULL DEFAULT '{}',
    system_prompt    TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sip_devices (
    id              TEXT         PRIMARY KEY,
    agent_config_id TEXT         NOT NULL REFERENCES agent_configs (id),
    server          TEXT         NOT NULL,
    username        TEXT         NOT NULL,
    password        TEXT         NOT NULL,
    port            INT          NOT NULL DEFAULT 5060,
    transport       TEXT         NOT NULL DEFAULT 'udp',
    display_name    TEXT         NOT NULL DEFAULT '',
    realm           TEXT         NOT NULL DEFAULT '',
    outbound_proxy  TEXT         NOT NULL DEFAULT '',
    greeting_text   TEXT         NOT NULL DEFAULT '',
    status          TEXT         NOT NULL DEFAULT 'OFFLINE',
    last_error      TEXT         NOT NULL DEFAULT '',
    registered_at   TIMESTAMPTZ,
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sip_devices_status ON sip_devices (status);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — conversations, messages, call logs
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id              TEXT         PRIMARY KEY,
    agent_config_id TEXT         NOT NULL REFERENCES agent_configs (id),
    session_id      TEXT         NOT NULL DEFAULT '',
    channel         TEXT         NOT NULL DEFAULT 'sip',
    status          TEXT         NOT NULL DEFAULT 'active',
    started_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at        TIMESTAMPTZ,
    metadata        JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations (agent_config_id);
CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations (status);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT         PRIMARY KEY,
    conversation_id TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS sip_call_logs (
    id             TEXT         PRIMARY KEY,
    sip_device_id  TEXT         NOT NULL REFERENCES sip_devices (id),
    call_id        TEXT         NOT NULL,
    direction      TEXT         NOT NULL DEFAULT 'inbound',
    remote_uri     TEXT         NOT NULL DEFAULT '',
    remote_name    TEXT         NOT NULL DEFAULT '',
    livekit_room   TEXT         NOT NULL DEFAULT '',
    status         TEXT         NOT NULL DEFAULT 'ringing',
    started_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    answered_at    TIMESTAMPTZ,
    ended_at       TIMESTAMPTZ,
    duration_secs  INT
);

CREATE INDEX IF NOT EXISTS idx_call_logs_device ON sip_call_logs (sip_device_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — knowledge, webhooks, voices, lessons, guardian
// ─────────────────────────────────────────────────────────────────────────────

// ddlKnowledge returns the knowledge DDL with the embedding dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlKnowledge(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_documents (
    id              TEXT         PRIMARY KEY,
    agent_config_id TEXT         NOT NULL REFERENCES agent_configs (id),
    filename        TEXT         NOT NULL,
    chunk_index     INT          NOT NULL DEFAULT 0,
    content         TEXT         NOT NULL,
    embedding       vector(%d),
    status          TEXT         NOT NULL DEFAULT 'ready'
);

CREATE INDEX IF NOT EXISTS idx_knowledge_agent
    ON knowledge_documents (agent_config_id);

CREATE INDEX IF NOT EXISTS idx_knowledge_embedding
    ON knowledge_documents USING hnsw (embedding vector_cosine_ops);
`, dims)
}

const ddlAuxiliary = `
CREATE TABLE IF NOT EXISTS webhook_endpoints (
    id              TEXT         PRIMARY KEY,
    agent_config_id TEXT         NOT NULL REFERENCES agent_configs (id),
    name            TEXT         NOT NULL,
    description     TEXT         NOT NULL DEFAULT '',
    url             TEXT         NOT NULL,
    method          TEXT         NOT NULL DEFAULT 'POST',
    parameters      JSONB        NOT NULL DEFAULT '{}',
    headers         JSONB        NOT NULL DEFAULT '{}',
    secret          TEXT         NOT NULL DEFAULT '',
    timeout_ms      INT          NOT NULL DEFAULT 10000,
    retry_count     INT          NOT NULL DEFAULT 0,
    is_active       BOOLEAN      NOT NULL DEFAULT true,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (agent_config_id, name)
);

CREATE TABLE IF NOT EXISTS voice_profiles (
    id                  TEXT  PRIMARY KEY,
    reference_audio_url TEXT  NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_lessons (
    id                   TEXT         PRIMARY KEY,
    agent_config_id      TEXT         NOT NULL REFERENCES agent_configs (id),
    improved_instruction TEXT         NOT NULL,
    status               TEXT         NOT NULL DEFAULT 'pending',
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_lessons_agent_status
    ON agent_lessons (agent_config_id, status, created_at DESC);

CREATE TABLE IF NOT EXISTS guardian_configs (
    agent_config_id        TEXT             PRIMARY KEY REFERENCES agent_configs (id),
    critical_keywords      TEXT[]           NOT NULL DEFAULT '{}',
    high_risk_keywords     TEXT[]           NOT NULL DEFAULT '{}',
    medium_risk_keywords   TEXT[]           NOT NULL DEFAULT '{}',
    auto_handoff_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    enabled                BOOLEAN          NOT NULL DEFAULT true
);
`

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every process start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlAgents,
		ddlConversations,
		ddlKnowledge(embeddingDimensions),
		ddlAuxiliary,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
