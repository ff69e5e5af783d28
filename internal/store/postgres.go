package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/wardpager/wardpager/internal/config"
	"github.com/wardpager/wardpager/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id          UUID PRIMARY KEY,
	urgency     TEXT NOT NULL,
	state       TEXT NOT NULL,
	tier        INTEGER NOT NULL,
	generation  BIGINT NOT NULL,
	snapshot    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_state_idx ON alerts (state);

CREATE TABLE IF NOT EXISTS delivery_reports (
	id           UUID PRIMARY KEY,
	alert_id     UUID NOT NULL,
	tier         INTEGER NOT NULL,
	broadcast    BOOLEAN NOT NULL,
	body         JSONB NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS delivery_reports_alert_idx ON delivery_reports (alert_id);
`

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Postgres stores alert snapshots as JSONB rows guarded by generation.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Upsert writes the snapshot unless the stored row already has the same or
// a newer generation, in which case it returns ErrStaleGeneration.
func (p *Postgres) Upsert(ctx context.Context, alert types.Alert) error {
	snapshot, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO alerts (id, urgency, state, tier, generation, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			tier = EXCLUDED.tier,
			generation = EXCLUDED.generation,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
		WHERE alerts.generation < EXCLUDED.generation`,
		alert.ID, alert.Urgency.String(), string(alert.State), alert.Tier, int64(alert.Generation),
		snapshot, alert.CreatedAt, alert.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert alert %s: %w", alert.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to upsert alert %s: %w", alert.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: alert %s at generation %d", ErrStaleGeneration, alert.ID, alert.Generation)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (types.Alert, error) {
	var snapshot []byte
	err := p.db.QueryRowContext(ctx, `SELECT snapshot FROM alerts WHERE id = $1`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Alert{}, ErrNotFound
	}
	if err != nil {
		return types.Alert{}, fmt.Errorf("failed to query alert %s: %w", id, err)
	}

	var a types.Alert
	if err := json.Unmarshal(snapshot, &a); err != nil {
		return types.Alert{}, fmt.Errorf("failed to decode alert %s: %w", id, err)
	}
	return a, nil
}

// LoadActive returns every alert that is not resolved or unresolved, oldest
// first.
func (p *Postgres) LoadActive(ctx context.Context) ([]types.Alert, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT snapshot FROM alerts
		WHERE state NOT IN ('resolved', 'unresolved')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active alerts: %w", err)
	}
	defer rows.Close()

	var out []types.Alert
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		var a types.Alert
		if err := json.Unmarshal(snapshot, &a); err != nil {
			return nil, fmt.Errorf("failed to decode alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveReport(ctx context.Context, report types.DeliveryReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO delivery_reports (id, alert_id, tier, broadcast, body, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, finished_at = EXCLUDED.finished_at`,
		report.ID, report.AlertID, report.Tier, report.Broadcast, body, report.StartedAt, report.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", report.ID, err)
	}
	return nil
}

func (p *Postgres) GetReport(ctx context.Context, id string) (types.DeliveryReport, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM delivery_reports WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DeliveryReport{}, ErrNotFound
	}
	if err != nil {
		return types.DeliveryReport{}, fmt.Errorf("failed to query report %s: %w", id, err)
	}

	var r types.DeliveryReport
	if err := json.Unmarshal(body, &r); err != nil {
		return types.DeliveryReport{}, fmt.Errorf("failed to decode report %s: %w", id, err)
	}
	return r, nil
}
