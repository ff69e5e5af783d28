package audit

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS alert_audit_events (
	id          UUID PRIMARY KEY,
	alert_id    UUID NOT NULL,
	kind        TEXT NOT NULL,
	tier        INTEGER NOT NULL,
	generation  BIGINT NOT NULL,
	actor       TEXT,
	report_id   UUID,
	detail      TEXT,
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alert_audit_events_alert_idx ON alert_audit_events (alert_id, generation);
`

// Postgres appends events to the alert_audit_events table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the audit table.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, e Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alert_audit_events (id, alert_id, kind, tier, generation, actor, report_id, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.AlertID, string(e.Kind), e.Tier, int64(e.Generation),
		nullString(e.Actor), nullString(e.ReportID), nullString(e.Detail), e.At)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
