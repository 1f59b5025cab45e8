package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"mailtriage/pkg/outbox"
)

const workItemSchema = `
CREATE TABLE IF NOT EXISTS work_items (
	id                    BIGSERIAL PRIMARY KEY,
	external_id           TEXT        NOT NULL UNIQUE,
	sender                TEXT        NOT NULL DEFAULT '',
	subject               TEXT        NOT NULL DEFAULT '',
	body_original         TEXT        NOT NULL DEFAULT '',
	body_redacted         TEXT,
	analysis              JSONB,
	summary               TEXT,
	generated_reply       TEXT,
	status                TEXT        NOT NULL DEFAULT 'PENDING'
	                      CHECK (status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')),
	received_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	ingested_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processing_started_at TIMESTAMPTZ,
	processed_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items (status);
CREATE INDEX IF NOT EXISTS idx_work_items_pending_fifo ON work_items (ingested_at, id) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_work_items_ingested_at ON work_items (ingested_at);
`

// EnsureSchema creates the work item and outbox tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	steps := []struct {
		name string
		ddl  string
	}{
		{"work_items", workItemSchema},
		{"outbox_events", outbox.Schema},
	}
	for _, s := range steps {
		if _, err := pool.Exec(ctx, s.ddl); err != nil {
			return fmt.Errorf("ensure schema %s: %w", s.name, err)
		}
	}
	return nil
}
