package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the case event store, outbox and case run ledger.
const Schema = `
CREATE TABLE IF NOT EXISTS case_events (
	id             UUID PRIMARY KEY,
	aggregate_id   TEXT        NOT NULL,
	event_type     TEXT        NOT NULL,
	event_data     JSONB       NOT NULL,
	version        INTEGER     NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL,
	form_version   TEXT        NOT NULL DEFAULT '',
	fingerprint    TEXT        NOT NULL DEFAULT '',
	correlation_id TEXT        NOT NULL DEFAULT '',
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS case_events_type_idx ON case_events (event_type, timestamp DESC);

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT        NOT NULL,
	aggregate_type TEXT        NOT NULL,
	event_type     TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	kafka_topic    TEXT        NOT NULL,
	kafka_key      TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INTEGER     NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS case_runs (
	fingerprint  TEXT PRIMARY KEY,
	case_id      TEXT        NOT NULL,
	form_version TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	attempts     INTEGER     NOT NULL DEFAULT 0,
	outcome      JSONB,
	last_error   TEXT        NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS case_runs_expires_idx ON case_runs (expires_at);
`

// EnsureSchema applies Schema. Every statement is idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
