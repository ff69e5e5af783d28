package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	delay  time.Duration
	block  chan struct{}
	err    error
}

func (r *recorder) Append(_ context.Context, e Event) error {
	if r.block != nil {
		<-r.block
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func TestAsyncPreservesOrder(t *testing.T) {
	rec := &recorder{delay: time.Millisecond}
	a := NewAsync(zerolog.Nop(), rec, 16, time.Second, nil)

	want := []Kind{Distributed, Escalated, Escalated, Acknowledged, Resolved}
	for i, k := range want {
		require.NoError(t, a.Append(context.Background(), Event{AlertID: "a", Kind: k, Generation: uint64(i + 1)}))
	}
	a.Close()

	assert.Equal(t, want, rec.kinds())
}

func TestAsyncDropsWhenFull(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	a := NewAsync(zerolog.Nop(), rec, 1, 10*time.Millisecond, nil)

	// the drain goroutine holds the first event, the buffer holds the second
	require.NoError(t, a.Append(context.Background(), Event{Kind: Distributed}))
	require.Eventually(t, func() bool { return len(a.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.Append(context.Background(), Event{Kind: Escalated}))

	err := a.Append(context.Background(), Event{Kind: Acknowledged})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(rec.block)
	a.Close()
	assert.Equal(t, []Kind{Distributed, Escalated}, rec.kinds())
}

func TestAsyncClosed(t *testing.T) {
	a := NewAsync(zerolog.Nop(), &recorder{}, 4, time.Second, nil)
	a.Close()
	a.Close()
	assert.ErrorIs(t, a.Append(context.Background(), Event{}), ErrClosed)
}

func TestAsyncContinuesAfterSinkError(t *testing.T) {
	rec := &recorder{err: errors.New("sink down")}
	a := NewAsync(zerolog.Nop(), rec, 4, time.Second, nil)
	require.NoError(t, a.Append(context.Background(), Event{Kind: Distributed}))
	require.NoError(t, a.Append(context.Background(), Event{Kind: Escalated}))
	a.Close()
	assert.Len(t, rec.kinds(), 2)
}

func TestMulti(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("boom")}
	m := Multi{bad, ok}

	err := m.Append(context.Background(), Event{Kind: Halted})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []Kind{Halted}, ok.kinds())
	assert.NoError(t, Multi{ok}.Append(context.Background(), Event{}))
}

func TestLogAppender(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogAppender(zerolog.New(&buf))

	require.NoError(t, l.Append(context.Background(), Event{AlertID: "a-1", Kind: Escalated, Tier: 2, Generation: 3}))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "a-1", line["alert_id"])
	assert.Equal(t, "escalated", line["kind"])
	assert.Equal(t, float64(2), line["tier"])
	assert.Equal(t, "audit", line["component"])
}

func TestRedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStream(client, "wardpager:audit")
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Event{ID: "e1", AlertID: "a-1", Kind: Distributed, Generation: 1}))
	require.NoError(t, s.Append(ctx, Event{ID: "e2", AlertID: "a-1", Kind: Acknowledged, Generation: 2, Actor: "nurse-4"}))

	msgs, err := client.XRange(ctx, "wardpager:audit", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "distributed", msgs[0].Values["kind"])

	var second Event
	require.NoError(t, json.Unmarshal([]byte(msgs[1].Values["data"].(string)), &second))
	assert.Equal(t, "nurse-4", second.Actor)
	assert.Equal(t, uint64(2), second.Generation)
}

func TestPostgresAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO alert_audit_events`).
		WithArgs("e1", "a-1", "acknowledged", 1, int64(4), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := NewPostgres(db)
	require.NoError(t, p.Append(context.Background(), Event{
		ID: "e1", AlertID: "a-1", Kind: Acknowledged, Tier: 1, Generation: 4, Actor: "nurse-4", At: at,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO alert_audit_events`).WillReturnError(errors.New("connection reset"))

	err = NewPostgres(db).Append(context.Background(), Event{ID: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS alert_audit_events`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewPostgres(db).Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
