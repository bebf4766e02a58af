package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS intents (
	intent_id TEXT PRIMARY KEY,
	kind SMALLINT NOT NULL,
	actor_id TEXT NOT NULL,
	status SMALLINT NOT NULL,

	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,

	serialized_tx BYTEA NOT NULL,
	observed_signature TEXT,
	failure_reason TEXT,
	metadata JSONB NOT NULL,

	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT intent_id_nonempty CHECK (intent_id <> ''),
	CONSTRAINT actor_id_nonempty CHECK (actor_id <> ''),
	CONSTRAINT kind_range CHECK (kind >= 1 AND kind <= 10),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 4),
	CONSTRAINT serialized_tx_nonempty CHECK (octet_length(serialized_tx) > 0),
	CONSTRAINT observed_signature_nonempty CHECK (observed_signature IS NULL OR observed_signature <> ''),
	CONSTRAINT expires_after_created CHECK (expires_at > created_at)
);

CREATE INDEX IF NOT EXISTS intents_pending_created_idx ON intents (created_at) WHERE status = 1;
CREATE INDEX IF NOT EXISTS intents_actor_idx ON intents (actor_id);
`
