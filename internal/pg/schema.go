package pg

import (
	"context"
	"fmt"
)

// baseSchema creates the tables spec §6 names if they do not already exist.
// Chat-config columns are migrated separately (see configstore.Migrate)
// because that schema is data-driven and can grow/shrink between releases.
const baseSchema = `
CREATE TABLE IF NOT EXISTS messages (
	umid serial PRIMARY KEY,
	chat_id bigint NOT NULL,
	message_id bigint NOT NULL,
	timestamp timestamptz NOT NULL DEFAULT now(),
	sender_id bigint NOT NULL,
	sender_username text NOT NULL DEFAULT '',
	sender_name text NOT NULL DEFAULT '',
	text text NOT NULL DEFAULT '',
	reply_to_message_id bigint,
	reply_to_message_trimmed_text text,
	media_file_id text,
	media_type text,
	deleted boolean NOT NULL DEFAULT false,
	UNIQUE (chat_id, message_id)
);
CREATE INDEX IF NOT EXISTS messages_chat_ts_idx ON messages (chat_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS messages_chat_mid_idx ON messages (chat_id, message_id);
CREATE INDEX IF NOT EXISTS messages_chat_deleted_idx ON messages (chat_id, deleted);
CREATE INDEX IF NOT EXISTS messages_chat_sender_idx ON messages (chat_id, sender_id);

CREATE TABLE IF NOT EXISTS chat_config (
	chat_id bigint PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS blacklist (
	internal_id serial PRIMARY KEY,
	entity_id bigint NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS statistics_generations (
	id serial PRIMARY KEY,
	timestamp timestamptz NOT NULL DEFAULT now(),
	chat_id bigint NOT NULL,
	user_id bigint NOT NULL,
	endpoint text NOT NULL,
	model text NOT NULL,
	context_tokens int NOT NULL DEFAULT 0,
	completion_tokens int NOT NULL DEFAULT 0,
	tokens_consumed int NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS statistics_ts_idx ON statistics_generations (timestamp DESC);
`

// Migrate applies the base schema. It is idempotent and safe to run on
// every startup, mirroring original_source/db/table_creator.py.
func Migrate(ctx context.Context, db *DB) error {
	if _, err := db.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("pg: migrate base schema: %w", err)
	}
	return nil
}
