package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardpager/wardpager/internal/types"
)

var t0 = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func sampleAlert(id string, gen uint64, state types.State) types.Alert {
	return types.Alert{
		ID:          id,
		Urgency:     types.Critical,
		State:       state,
		Context:     map[string]string{"bed": "7"},
		CreatedAt:   t0,
		UpdatedAt:   t0,
		Generation:  gen,
		TierHistory: []types.TierEntry{
			{Tier: 0, EnteredAt: t0, Selector: "assigned_nurses", ReportID: "r0"},
		},
	}
}

func TestMemoryGenerationGuard(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, sampleAlert("a", 2, types.StateEscalating)))
	err := m.Upsert(ctx, sampleAlert("a", 1, types.StateDistributed))
	assert.ErrorIs(t, err, ErrStaleGeneration)
	err = m.Upsert(ctx, sampleAlert("a", 2, types.StateAcknowledged))
	assert.ErrorIs(t, err, ErrStaleGeneration)

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Generation)
	assert.Equal(t, types.StateEscalating, got.State)

	require.NoError(t, m.Upsert(ctx, sampleAlert("a", 3, types.StateAcknowledged)))
	got, _ = m.Get(ctx, "a")
	assert.Equal(t, types.StateAcknowledged, got.State)
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := sampleAlert("a", 1, types.StateDistributed)
	require.NoError(t, m.Upsert(ctx, a))

	a.Context["bed"] = "changed"
	got, _ := m.Get(ctx, "a")
	assert.Equal(t, "7", got.Context["bed"])

	got.TierHistory[0].Selector = "changed"
	again, _ := m.Get(ctx, "a")
	assert.Equal(t, "assigned_nurses", again.TierHistory[0].Selector)
}

func TestMemoryLoadActive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	older := sampleAlert("old", 1, types.StateDistributed)
	older.CreatedAt = t0.Add(-time.Minute)
	require.NoError(t, m.Upsert(ctx, sampleAlert("new", 2, types.StateAcknowledged)))
	require.NoError(t, m.Upsert(ctx, older))
	require.NoError(t, m.Upsert(ctx, sampleAlert("done", 4, types.StateResolved)))
	require.NoError(t, m.Upsert(ctx, sampleAlert("gone", 4, types.StateUnresolved)))

	active, err := m.LoadActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "old", active[0].ID)
	assert.Equal(t, "new", active[1].ID)
}

func TestMemoryNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetReport(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryReports(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r := types.DeliveryReport{
		ID:      "r1",
		AlertID: "a",
		Results: map[string]map[string]types.Outcome{"push": {"n1": types.Delivered}},
	}
	require.NoError(t, m.SaveReport(ctx, r))
	r.Results["push"]["n1"] = types.Failed

	got, err := m.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.Delivered, got.Results["push"]["n1"])
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Postgres) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock, NewPostgres(db)
}

func TestPostgresUpsert(t *testing.T) {
	_, mock, p := setupMockDB(t)
	a := sampleAlert("a", 2, types.StateEscalating)

	mock.ExpectExec(`INSERT INTO alerts .* ON CONFLICT \(id\) DO UPDATE .* WHERE alerts.generation < EXCLUDED.generation`).
		WithArgs("a", "critical", "escalating", 0, int64(2), sqlmock.AnyArg(), t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Upsert(context.Background(), a))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertStale(t *testing.T) {
	_, mock, p := setupMockDB(t)
	mock.ExpectExec(`INSERT INTO alerts`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.Upsert(context.Background(), sampleAlert("a", 1, types.StateDistributed))
	assert.ErrorIs(t, err, ErrStaleGeneration)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertError(t *testing.T) {
	_, mock, p := setupMockDB(t)
	mock.ExpectExec(`INSERT INTO alerts`).WillReturnError(errors.New("connection refused"))

	err := p.Upsert(context.Background(), sampleAlert("a", 1, types.StateDistributed))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	_, mock, p := setupMockDB(t)
	snapshot, err := json.Marshal(sampleAlert("a", 3, types.StateAcknowledged))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT snapshot FROM alerts WHERE id = \$1`).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(snapshot))

	got, err := p.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Generation)
	assert.Equal(t, types.Critical, got.Urgency)
	assert.Equal(t, "assigned_nurses", got.TierHistory[0].Selector)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	_, mock, p := setupMockDB(t)
	mock.ExpectQuery(`SELECT snapshot FROM alerts`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := p.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadActive(t *testing.T) {
	_, mock, p := setupMockDB(t)
	a, _ := json.Marshal(sampleAlert("a", 1, types.StateDistributed))
	b, _ := json.Marshal(sampleAlert("b", 5, types.StateAcknowledged))

	mock.ExpectQuery(`SELECT snapshot FROM alerts\s+WHERE state NOT IN`).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(a).AddRow(b))

	active, err := p.LoadActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "b", active[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReports(t *testing.T) {
	_, mock, p := setupMockDB(t)
	r := types.DeliveryReport{
		ID:         "r1",
		AlertID:    "a",
		Tier:       1,
		Results:    map[string]map[string]types.Outcome{"push": {"n1": types.Exhausted}},
		StartedAt:  t0,
		FinishedAt: t0.Add(time.Second),
	}

	mock.ExpectExec(`INSERT INTO delivery_reports`).
		WithArgs("r1", "a", 1, false, sqlmock.AnyArg(), t0, t0.Add(time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.SaveReport(context.Background(), r))

	body, _ := json.Marshal(r)
	mock.ExpectQuery(`SELECT body FROM delivery_reports`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(body))

	got, err := p.GetReport(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, types.Exhausted, got.Results["push"]["n1"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	_, mock, p := setupMockDB(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS alerts`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, p.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
